// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/somatic-system/internal/model"
	"github.com/mmeshcher/somatic-system/internal/progression"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки доменного уровня. Обработчики сопоставляют их со стабильными
// кодами причин для клиента.
var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOutOfSequence возвращается, если переданная позиция не совпадает с текущей.
	ErrOutOfSequence = errors.New("worksheet out of sequence")
	// ErrAlreadyCompletedToday возвращается при повторном завершении в тот же локальный день.
	ErrAlreadyCompletedToday = errors.New("worksheet already completed today")
	// ErrWaitingForTomorrow возвращается, когда сегодняшний лимит исчерпан без завершения.
	ErrWaitingForTomorrow = errors.New("waiting for tomorrow")
	// ErrSubscriptionRequired возвращается, когда позиция закрыта подписочным гейтом.
	ErrSubscriptionRequired = errors.New("subscription required")
	// ErrInvalidWorksheet возвращается, если в каталоге нет активного листа на позиции.
	ErrInvalidWorksheet = errors.New("invalid worksheet")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему
// БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// DeleteUser удаляет пользователя; прогрессия, завершения и подписка
// удаляются каскадом на уровне схемы.
func (r *PostgresRepository) DeleteUser(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanWorksheet(row pgx.Row) (*model.Worksheet, error) {
	var (
		ws       model.Worksheet
		bodyJSON []byte
	)
	if err := row.Scan(&ws.ID, &ws.SeqIndex, &ws.Title, &bodyJSON, &ws.EstimatedMinutes, &ws.IsActive); err != nil {
		return nil, err
	}
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &ws.Body); err != nil {
			return nil, fmt.Errorf("decode worksheet body: %w", err)
		}
	}
	return &ws, nil
}

// ListActiveWorksheets возвращает активные листы каталога в порядке позиций.
func (r *PostgresRepository) ListActiveWorksheets(ctx context.Context) ([]model.Worksheet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, seq_index, title, body_json, estimated_minutes, is_active
		 FROM worksheets
		 WHERE is_active
		 ORDER BY seq_index`,
	)
	if err != nil {
		return nil, fmt.Errorf("select worksheets: %w", err)
	}
	defer rows.Close()

	var res []model.Worksheet
	for rows.Next() {
		ws, err := scanWorksheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worksheet: %w", err)
		}
		res = append(res, *ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListCompletions возвращает историю завершений пользователя, новые первыми.
func (r *PostgresRepository) ListCompletions(ctx context.Context, userID int64, limit int) ([]model.Completion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, seq_index, to_char(local_date, 'YYYY-MM-DD'), completed_at_utc
		 FROM worksheet_completions
		 WHERE user_id = $1
		 ORDER BY completed_at_utc DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select completions: %w", err)
	}
	defer rows.Close()

	var res []model.Completion
	for rows.Next() {
		var (
			c         model.Completion
			localDate string
		)
		if err := rows.Scan(&c.ID, &c.SeqIndex, &localDate, &c.CompletedAtUTC); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		c.LocalDate = progression.LocalDate(localDate)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertEntitlement записывает подписочный статус пользователя поверх
// существующего. Единственная точка записи entitlements.
func (r *PostgresRepository) UpsertEntitlement(ctx context.Context, ent model.Entitlement) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, is_active, product_id, expires_at_utc, source, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET is_active = EXCLUDED.is_active,
		     product_id = EXCLUDED.product_id,
		     expires_at_utc = EXCLUDED.expires_at_utc,
		     source = EXCLUDED.source,
		     updated_at = now()`,
		ent.UserID, ent.IsActive, nullString(ent.ProductID), ent.ExpiresAtUTC, string(ent.Source),
	)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

// GetStaleActiveEntitlements возвращает активные подписки с истёкшим
// сроком — кандидаты на фоновую сверку с биллингом.
func (r *PostgresRepository) GetStaleActiveEntitlements(ctx context.Context, now time.Time, limit int) ([]model.Entitlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, is_active, COALESCE(product_id, ''), expires_at_utc, source
		 FROM entitlements
		 WHERE is_active AND expires_at_utc IS NOT NULL AND expires_at_utc < $1
		 ORDER BY expires_at_utc
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale entitlements: %w", err)
	}
	defer rows.Close()

	var res []model.Entitlement
	for rows.Next() {
		var (
			ent    model.Entitlement
			source string
		)
		if err := rows.Scan(&ent.UserID, &ent.IsActive, &ent.ProductID, &ent.ExpiresAtUTC, &source); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		ent.Source = model.EntitlementSource(source)
		res = append(res, ent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

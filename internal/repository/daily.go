package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/somatic-system/internal/model"
	"github.com/mmeshcher/somatic-system/internal/progression"
)

// lockProgressionState создаёт строку прогрессии при первом обращении и
// блокирует её на время транзакции. Блокировка строки сериализует
// конкурентные решения по одному пользователю: ровно одно завершение за
// локальный день.
func (r *PostgresRepository) lockProgressionState(ctx context.Context, tx pgx.Tx, userID int64) (progression.State, *time.Time, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO progression_states (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return progression.State{}, nil, fmt.Errorf("init progression state: %w", err)
	}

	var (
		seqIndex      int
		lastCompleted *string
		watermark     *string
		nextAvailable *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT current_seq_index,
		        to_char(last_completed_local_date, 'YYYY-MM-DD'),
		        to_char(last_penalty_processed_local_date, 'YYYY-MM-DD'),
		        next_available_at_utc
		 FROM progression_states
		 WHERE user_id = $1
		 FOR UPDATE`,
		userID,
	).Scan(&seqIndex, &lastCompleted, &watermark, &nextAvailable)
	if err != nil {
		return progression.State{}, nil, fmt.Errorf("lock progression state: %w", err)
	}

	st := progression.State{CurrentSeqIndex: seqIndex}
	if lastCompleted != nil {
		st.LastCompletedLocalDate = progression.LocalDate(*lastCompleted)
	}
	if watermark != nil {
		st.LastPenaltyProcessedLocalDate = progression.LocalDate(*watermark)
	}

	return st, nextAvailable, nil
}

// entitlementActive читает подписочный статус внутри текущей транзакции:
// решение о завершении всегда опирается на свежие данные.
func (r *PostgresRepository) entitlementActive(ctx context.Context, tx pgx.Tx, userID int64, now time.Time) (bool, error) {
	var (
		isActive  bool
		expiresAt *time.Time
	)
	err := tx.QueryRow(ctx,
		`SELECT is_active, expires_at_utc FROM entitlements WHERE user_id = $1`,
		userID,
	).Scan(&isActive, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get entitlement: %w", err)
	}

	if !isActive {
		return false, nil
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return false, nil
	}
	return true, nil
}

func (r *PostgresRepository) worksheetBySeq(ctx context.Context, tx pgx.Tx, seqIndex int) (*model.Worksheet, error) {
	ws, err := scanWorksheet(tx.QueryRow(ctx,
		`SELECT id, seq_index, title, body_json, estimated_minutes, is_active
		 FROM worksheets
		 WHERE seq_index = $1 AND is_active`,
		seqIndex,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get worksheet: %w", err)
	}
	return ws, nil
}

// applyCatchUp сохраняет результат штрафного отката и пишет журнальное
// событие RESET.
func (r *PostgresRepository) applyCatchUp(ctx context.Context, tx pgx.Tx, userID int64, before, after progression.State, missed int, today progression.LocalDate) error {
	_, err := tx.Exec(ctx,
		`UPDATE progression_states
		 SET current_seq_index = $2, last_penalty_processed_local_date = $3::date
		 WHERE user_id = $1`,
		userID, after.CurrentSeqIndex, string(after.LastPenaltyProcessedLocalDate),
	)
	if err != nil {
		return fmt.Errorf("apply penalty: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO progression_events (user_id, event_type, delta, from_seq, to_seq, event_local_date)
		 VALUES ($1, $2, $3, $4, $5, $6::date)`,
		userID, string(model.ProgressionEventReset), -missed, before.CurrentSeqIndex, after.CurrentSeqIndex, string(today),
	)
	if err != nil {
		return fmt.Errorf("insert reset event: %w", err)
	}

	return nil
}

func buildDailyState(st progression.State, decision progression.Decision, ws *model.Worksheet, nextAvailable *time.Time, today progression.LocalDate) *model.DailyState {
	missedSince := 0
	if st.LastCompletedLocalDate != "" {
		missedSince = progression.DaysBetween(st.LastCompletedLocalDate, progression.AddDays(today, -1))
	}

	return &model.DailyState{
		CurrentSeqIndex:      st.CurrentSeqIndex,
		CurrentWorksheet:     ws,
		CanCompleteToday:     decision.CanCompleteToday,
		LockReason:           decision.LockReason,
		SubscriptionRequired: progression.RequiresSubscription(st.CurrentSeqIndex),
		NextAvailableAtUTC:   nextAvailable,
		CompletedToday:       decision.CompletedToday,
		StreakMeta: model.StreakMeta{
			LastCompletedLocalDate:       st.LastCompletedLocalDate,
			MissedDaysSinceLastCompleted: missedSince,
		},
	}
}

// GetDailyState возвращает производное состояние на сегодня, попутно
// догоняя штрафы за пропущенные дни. Вся процедура «прочитать — оштрафовать —
// оценить» выполняется в одной транзакции под блокировкой строки.
func (r *PostgresRepository) GetDailyState(ctx context.Context, userID int64, today progression.LocalDate) (*model.DailyState, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, nextAvailable, err := r.lockProgressionState(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	active, err := r.entitlementActive(ctx, tx, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	// Штрафы за прошлые дни ложатся до оценки сегодняшней доступности.
	caught, missed := progression.CatchUp(st, today)
	if missed > 0 {
		if err := r.applyCatchUp(ctx, tx, userID, st, caught, missed, today); err != nil {
			return nil, err
		}
	}

	decision := progression.Evaluate(caught, active, today)

	ws, err := r.worksheetBySeq(ctx, tx, caught.CurrentSeqIndex)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return buildDailyState(caught, decision, ws, nextAvailable, today), nil
}

// CompleteWorksheet атомарно завершает лист: догоняет штрафы, проверяет
// права на сегодняшнее завершение и продвигает позицию. Временные сбои
// сериализации повторяются с экспоненциальной паузой.
func (r *PostgresRepository) CompleteWorksheet(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, today progression.LocalDate, loc *time.Location) (*model.DailyState, int, error) {
	var (
		state   *model.DailyState
		penalty int
	)

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ds, missed, err := r.completeWorksheetTx(ctx, userID, seqIndex, payload, today, loc)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) &&
				(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
				return retry.RetryableError(err)
			}
			return err
		}
		state, penalty = ds, missed
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return state, penalty, nil
}

func (r *PostgresRepository) completeWorksheetTx(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, today progression.LocalDate, loc *time.Location) (*model.DailyState, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, _, err := r.lockProgressionState(ctx, tx, userID)
	if err != nil {
		return nil, 0, err
	}

	active, err := r.entitlementActive(ctx, tx, userID, time.Now().UTC())
	if err != nil {
		return nil, 0, err
	}

	caught, missed := progression.CatchUp(st, today)
	if missed > 0 {
		if err := r.applyCatchUp(ctx, tx, userID, st, caught, missed, today); err != nil {
			return nil, 0, err
		}
	}

	switch progression.CheckCompletion(caught, seqIndex, active, today) {
	case progression.LockReasonAlreadyCompletedToday:
		return nil, 0, ErrAlreadyCompletedToday
	case progression.LockReasonWaitingForTomorrow:
		return nil, 0, ErrWaitingForTomorrow
	case progression.LockReasonOutOfSequence:
		return nil, 0, fmt.Errorf("%w: got %d, current %d", ErrOutOfSequence, seqIndex, caught.CurrentSeqIndex)
	case progression.LockReasonSubscriptionRequired:
		return nil, 0, ErrSubscriptionRequired
	}

	ws, err := r.worksheetBySeq(ctx, tx, seqIndex)
	if err != nil {
		return nil, 0, err
	}
	if ws == nil {
		return nil, 0, fmt.Errorf("%w: seq %d", ErrInvalidWorksheet, seqIndex)
	}

	responseJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode response: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO worksheet_completions (user_id, seq_index, local_date, response)
		 VALUES ($1, $2, $3::date, $4)`,
		userID, seqIndex, string(today), responseJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// Уникальность (user_id, local_date) — страховка схемы на случай
		// обхода блокировки строки.
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, 0, ErrAlreadyCompletedToday
		}
		return nil, 0, fmt.Errorf("insert completion: %w", err)
	}

	next := progression.NextMidnightUTC(today, loc)

	after := caught
	after.CurrentSeqIndex++
	after.LastCompletedLocalDate = today

	_, err = tx.Exec(ctx,
		`UPDATE progression_states
		 SET current_seq_index = $2, last_completed_local_date = $3::date, next_available_at_utc = $4
		 WHERE user_id = $1`,
		userID, after.CurrentSeqIndex, string(today), next,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("advance progression: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO progression_events (user_id, event_type, delta, from_seq, to_seq, event_local_date)
		 VALUES ($1, $2, 1, $3, $4, $5::date)`,
		userID, string(model.ProgressionEventComplete), caught.CurrentSeqIndex, after.CurrentSeqIndex, string(today),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("insert complete event: %w", err)
	}

	nextWs, err := r.worksheetBySeq(ctx, tx, after.CurrentSeqIndex)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit tx: %w", err)
	}

	return buildDailyState(after, progression.Evaluate(after, active, today), nextWs, &next, today), missed, nil
}

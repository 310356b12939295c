// Package service реализует бизнес-логику сервиса somatic.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/somatic-system/internal/billing"
	"github.com/mmeshcher/somatic-system/internal/model"
	"github.com/mmeshcher/somatic-system/internal/progression"
	"github.com/mmeshcher/somatic-system/internal/validation"
)

const (
	defaultCompletionsLimit = 50
	maxCompletionsLimit     = 200
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidSeqIndex возвращается при некорректной позиции листа во входных данных.
	ErrInvalidSeqIndex = errors.New("invalid seq index")
	// ErrInvalidBillingEvent возвращается на неразборчивое событие вебхука.
	ErrInvalidBillingEvent = errors.New("invalid billing event")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	DeleteUser(ctx context.Context, userID int64) error
	GetDailyState(ctx context.Context, userID int64, today progression.LocalDate) (*model.DailyState, error)
	CompleteWorksheet(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, today progression.LocalDate, loc *time.Location) (*model.DailyState, int, error)
	ListActiveWorksheets(ctx context.Context) ([]model.Worksheet, error)
	ListCompletions(ctx context.Context, userID int64, limit int) ([]model.Completion, error)
	UpsertEntitlement(ctx context.Context, ent model.Entitlement) error
	GetStaleActiveEntitlements(ctx context.Context, now time.Time, limit int) ([]model.Entitlement, error)
}

// Service содержит бизнес-логику сервиса somatic.
type Service struct {
	repo            Repository
	billingClient   *billing.Client
	defaultTimezone string
	logger          *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием, клиентом биллинга и
// серверной зоной по умолчанию.
func NewService(repo Repository, billingClient *billing.Client, defaultTimezone string, logger *zap.Logger) *Service {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:            repo,
		billingClient:   billingClient,
		defaultTimezone: defaultTimezone,
		logger:          logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор
// пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// resolveLocalDay определяет сегодняшнюю локальную дату по зоне клиента.
// Пустая зона заменяется серверной зоной по умолчанию.
func (s *Service) resolveLocalDay(timezone string) (progression.LocalDate, *time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		tz = s.defaultTimezone
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q", progression.ErrInvalidTimezone, tz)
	}

	return progression.LocalDateAt(time.Now(), loc), loc, nil
}

// GetDailyState возвращает состояние прогрессии на сегодня. Побочный
// эффект: накопившиеся штрафы применяются и сохраняются.
func (s *Service) GetDailyState(ctx context.Context, userID int64, timezone string) (*model.DailyState, error) {
	today, _, err := s.resolveLocalDay(timezone)
	if err != nil {
		return nil, err
	}

	return s.repo.GetDailyState(ctx, userID, today)
}

// CompleteWorksheet завершает лист на позиции seqIndex и возвращает новое
// состояние вместе с числом штрафных дней, списанных этим же вызовом.
func (s *Service) CompleteWorksheet(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, timezone string) (*model.DailyState, int, error) {
	if !validation.IsValidSeqIndex(seqIndex) {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidSeqIndex, seqIndex)
	}
	if err := validation.ValidateCompletionPayload(payload); err != nil {
		return nil, 0, err
	}

	today, loc, err := s.resolveLocalDay(timezone)
	if err != nil {
		return nil, 0, err
	}

	return s.repo.CompleteWorksheet(ctx, userID, seqIndex, payload, today, loc)
}

// ListWorksheets возвращает активный каталог листов.
func (s *Service) ListWorksheets(ctx context.Context) ([]model.Worksheet, error) {
	return s.repo.ListActiveWorksheets(ctx)
}

// ListCompletions возвращает историю завершений пользователя.
func (s *Service) ListCompletions(ctx context.Context, userID int64, limit int) ([]model.Completion, error) {
	if limit <= 0 {
		limit = defaultCompletionsLimit
	}
	if limit > maxCompletionsLimit {
		limit = maxCompletionsLimit
	}
	return s.repo.ListCompletions(ctx, userID, limit)
}

// DeleteAccount удаляет пользователя вместе со всеми его данными.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	return s.repo.DeleteUser(ctx, userID)
}

// ApplyBillingEvent применяет событие вебхука RevenueCat к подписочному
// статусу пользователя.
func (s *Service) ApplyBillingEvent(ctx context.Context, event *billing.WebhookEvent) error {
	if event == nil || event.AppUserID == "" {
		return fmt.Errorf("%w: missing app_user_id", ErrInvalidBillingEvent)
	}

	userID, err := strconv.ParseInt(event.AppUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: app_user_id %q", ErrInvalidBillingEvent, event.AppUserID)
	}

	return s.repo.UpsertEntitlement(ctx, model.Entitlement{
		UserID:       userID,
		IsActive:     billing.ComputeActive(event, time.Now().UTC()),
		ProductID:    event.ProductID,
		ExpiresAtUTC: event.ExpiresAt(),
		Source:       model.EntitlementSourceRevenueCat,
	})
}

// StartEntitlementSweeps запускает фоновую сверку просроченных подписок
// с биллингом. Подписки, не подтверждённые биллингом, деактивируются.
func (s *Service) StartEntitlementSweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processEntitlementSweep(ctx)
			}
		}
	}()
}

func (s *Service) processEntitlementSweep(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := s.repo.GetStaleActiveEntitlements(ctx, now, 100)
	if err != nil {
		s.logger.Error("select stale entitlements", zap.Error(err))
		return
	}

	for _, ent := range stale {
		updated, ok := s.recheckEntitlement(ctx, ent, now)
		if !ok {
			continue
		}
		if err := s.repo.UpsertEntitlement(ctx, updated); err != nil {
			s.logger.Error("update swept entitlement", zap.Error(err), zap.Int64("userID", ent.UserID))
		}
	}
}

// recheckEntitlement спрашивает у биллинга текущий статус подписчика.
// Без клиента просроченная подписка просто деактивируется.
func (s *Service) recheckEntitlement(ctx context.Context, ent model.Entitlement, now time.Time) (model.Entitlement, bool) {
	if s.billingClient == nil {
		ent.IsActive = false
		return ent, true
	}

	status, statusCode, retryAfter, err := s.billingClient.GetSubscriber(ctx, strconv.FormatInt(ent.UserID, 10))
	if err != nil {
		return ent, false
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		return ent, false
	}

	if statusCode == 404 {
		ent.IsActive = false
		return ent, true
	}

	active, productID, expiresAt := status.ActiveAt(now)
	ent.IsActive = active
	if productID != "" {
		ent.ProductID = productID
	}
	ent.ExpiresAtUTC = expiresAt
	return ent, true
}

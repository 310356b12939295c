package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/somatic-system/internal/billing"
	"github.com/mmeshcher/somatic-system/internal/model"
	"github.com/mmeshcher/somatic-system/internal/progression"
	"github.com/mmeshcher/somatic-system/internal/validation"
)

type stubRepo struct {
	createUserID int64
	createErr    error

	user    *model.User
	userErr error

	deleteErr error

	dailyState    *model.DailyState
	dailyStateErr error
	gotToday      progression.LocalDate

	completeState   *model.DailyState
	completePenalty int
	completeErr     error
	gotSeqIndex     int
	gotLoc          *time.Location

	worksheets    []model.Worksheet
	worksheetsErr error

	completions    []model.Completion
	completionsErr error
	gotLimit       int

	upserted  *model.Entitlement
	upsertErr error
	stale     []model.Entitlement
	staleErr  error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) DeleteUser(ctx context.Context, userID int64) error {
	return s.deleteErr
}

func (s *stubRepo) GetDailyState(ctx context.Context, userID int64, today progression.LocalDate) (*model.DailyState, error) {
	s.gotToday = today
	return s.dailyState, s.dailyStateErr
}

func (s *stubRepo) CompleteWorksheet(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, today progression.LocalDate, loc *time.Location) (*model.DailyState, int, error) {
	s.gotSeqIndex = seqIndex
	s.gotToday = today
	s.gotLoc = loc
	return s.completeState, s.completePenalty, s.completeErr
}

func (s *stubRepo) ListActiveWorksheets(ctx context.Context) ([]model.Worksheet, error) {
	return s.worksheets, s.worksheetsErr
}

func (s *stubRepo) ListCompletions(ctx context.Context, userID int64, limit int) ([]model.Completion, error) {
	s.gotLimit = limit
	return s.completions, s.completionsErr
}

func (s *stubRepo) UpsertEntitlement(ctx context.Context, ent model.Entitlement) error {
	s.upserted = &ent
	return s.upsertErr
}

func (s *stubRepo) GetStaleActiveEntitlements(ctx context.Context, now time.Time, limit int) ([]model.Entitlement, error) {
	return s.stale, s.staleErr
}

func validPayload() model.CompletionPayload {
	return model.CompletionPayload{
		Responses: []model.PromptResponse{{PromptID: "breath-check", Value: "ok"}},
	}
}

func TestAuthenticateUser(t *testing.T) {
	repo := &stubRepo{
		user: &model.User{
			ID:           7,
			Login:        "user",
			PasswordHash: hashPassword("user", "pass"),
		},
	}
	svc := NewService(repo, nil, "UTC", nil)

	id, err := svc.AuthenticateUser(context.Background(), "user", "pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("userID = %d, want 7", id)
	}

	_, err = svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestHashPassword_Deterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	if string(a) != string(b) {
		t.Fatal("hash is not deterministic")
	}
	if string(a) == string(hashPassword("user2", "pass")) {
		t.Fatal("hash must depend on login")
	}
}

func TestGetDailyState_InvalidTimezone(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, "UTC", nil)

	_, err := svc.GetDailyState(context.Background(), 1, "Mars/Olympus_Mons")
	if !errors.Is(err, progression.ErrInvalidTimezone) {
		t.Fatalf("error = %v, want ErrInvalidTimezone", err)
	}
}

func TestGetDailyState_DefaultTimezone(t *testing.T) {
	repo := &stubRepo{dailyState: &model.DailyState{CurrentSeqIndex: 1}}
	svc := NewService(repo, nil, "Europe/Moscow", nil)

	_, err := svc.GetDailyState(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	want := progression.LocalDateAt(time.Now(), loc)
	if repo.gotToday != want {
		t.Fatalf("today = %q, want %q", repo.gotToday, want)
	}
}

func TestCompleteWorksheet_Validation(t *testing.T) {
	repo := &stubRepo{completeState: &model.DailyState{}}
	svc := NewService(repo, nil, "UTC", nil)

	_, _, err := svc.CompleteWorksheet(context.Background(), 1, 0, validPayload(), "UTC")
	if !errors.Is(err, ErrInvalidSeqIndex) {
		t.Fatalf("error = %v, want ErrInvalidSeqIndex", err)
	}

	_, _, err = svc.CompleteWorksheet(context.Background(), 1, 1, model.CompletionPayload{}, "UTC")
	if !errors.Is(err, validation.ErrMissingResponse) {
		t.Fatalf("error = %v, want ErrMissingResponse", err)
	}

	_, _, err = svc.CompleteWorksheet(context.Background(), 1, 2, validPayload(), "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotSeqIndex != 2 {
		t.Fatalf("seqIndex = %d, want 2", repo.gotSeqIndex)
	}
	if repo.gotLoc == nil {
		t.Fatal("expected location to be passed to repository")
	}
}

func TestListCompletions_LimitClamp(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, "UTC", nil)

	if _, err := svc.ListCompletions(context.Background(), 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotLimit != defaultCompletionsLimit {
		t.Fatalf("limit = %d, want %d", repo.gotLimit, defaultCompletionsLimit)
	}

	if _, err := svc.ListCompletions(context.Background(), 1, 10000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotLimit != maxCompletionsLimit {
		t.Fatalf("limit = %d, want %d", repo.gotLimit, maxCompletionsLimit)
	}
}

func TestApplyBillingEvent(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, "UTC", nil)

	err := svc.ApplyBillingEvent(context.Background(), &billing.WebhookEvent{
		AppUserID:      "17",
		ProductID:      "somatic_monthly",
		Type:           "RENEWAL",
		ExpirationAtMs: billing.MsTimestamp(time.Now().Add(30 * 24 * time.Hour).UnixMilli()),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if repo.upserted == nil {
		t.Fatal("expected entitlement upsert")
	}
	if repo.upserted.UserID != 17 {
		t.Fatalf("userID = %d, want 17", repo.upserted.UserID)
	}
	if !repo.upserted.IsActive {
		t.Fatal("expected active entitlement")
	}
	if repo.upserted.Source != model.EntitlementSourceRevenueCat {
		t.Fatalf("source = %q, want revenuecat", repo.upserted.Source)
	}
}

func TestApplyBillingEvent_ExpirationDeactivates(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, "UTC", nil)

	err := svc.ApplyBillingEvent(context.Background(), &billing.WebhookEvent{
		AppUserID: "17",
		Type:      "EXPIRATION",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.upserted == nil || repo.upserted.IsActive {
		t.Fatalf("expected inactive entitlement, got %+v", repo.upserted)
	}
}

func TestApplyBillingEvent_Invalid(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, "UTC", nil)

	err := svc.ApplyBillingEvent(context.Background(), nil)
	if !errors.Is(err, ErrInvalidBillingEvent) {
		t.Fatalf("error = %v, want ErrInvalidBillingEvent", err)
	}

	err = svc.ApplyBillingEvent(context.Background(), &billing.WebhookEvent{AppUserID: "not-a-number"})
	if !errors.Is(err, ErrInvalidBillingEvent) {
		t.Fatalf("error = %v, want ErrInvalidBillingEvent", err)
	}
}

func TestProcessEntitlementSweep_NoClientDeactivates(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	repo := &stubRepo{
		stale: []model.Entitlement{
			{UserID: 3, IsActive: true, ExpiresAtUTC: &expired, Source: model.EntitlementSourceRevenueCat},
		},
	}
	svc := NewService(repo, nil, "UTC", nil)

	svc.processEntitlementSweep(context.Background())

	if repo.upserted == nil {
		t.Fatal("expected entitlement upsert")
	}
	if repo.upserted.IsActive {
		t.Fatal("expected entitlement to be deactivated")
	}
}

func TestProcessEntitlementSweep_LogsFailures(t *testing.T) {
	expired := time.Now().Add(-time.Hour)

	core, logs := observer.New(zap.ErrorLevel)
	repo := &stubRepo{
		stale: []model.Entitlement{
			{UserID: 3, IsActive: true, ExpiresAtUTC: &expired, Source: model.EntitlementSourceRevenueCat},
		},
		upsertErr: errors.New("connection reset"),
	}
	svc := NewService(repo, nil, "UTC", zap.New(core))

	svc.processEntitlementSweep(context.Background())

	if logs.FilterMessage("update swept entitlement").Len() != 1 {
		t.Fatalf("expected upsert failure to be logged, got %d entries", logs.Len())
	}

	core, logs = observer.New(zap.ErrorLevel)
	repo = &stubRepo{staleErr: errors.New("db down")}
	svc = NewService(repo, nil, "UTC", zap.New(core))

	svc.processEntitlementSweep(context.Background())

	if logs.FilterMessage("select stale entitlements").Len() != 1 {
		t.Fatalf("expected select failure to be logged, got %d entries", logs.Len())
	}
}

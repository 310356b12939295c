// Package handler содержит HTTP-обработчики API сервиса somatic.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/somatic-system/internal/billing"
	"github.com/mmeshcher/somatic-system/internal/middleware"
	"github.com/mmeshcher/somatic-system/internal/model"
	"github.com/mmeshcher/somatic-system/internal/progression"
	"github.com/mmeshcher/somatic-system/internal/repository"
	"github.com/mmeshcher/somatic-system/internal/service"
	"github.com/mmeshcher/somatic-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetDailyState(ctx context.Context, userID int64, timezone string) (*model.DailyState, error)
	CompleteWorksheet(ctx context.Context, userID int64, seqIndex int, payload model.CompletionPayload, timezone string) (*model.DailyState, int, error)
	ListWorksheets(ctx context.Context) ([]model.Worksheet, error)
	ListCompletions(ctx context.Context, userID int64, limit int) ([]model.Completion, error)
	DeleteAccount(ctx context.Context, userID int64) error
	ApplyBillingEvent(ctx context.Context, event *billing.WebhookEvent) error
}

// Handler реализует HTTP-обработчики API сервиса somatic.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// reasonCode сопоставляет доменную ошибку со стабильным кодом причины и
// HTTP-статусом. Неизвестные ошибки превращаются во внутреннюю.
func reasonCode(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrAlreadyCompletedToday):
		return http.StatusConflict, "ALREADY_COMPLETED_TODAY"
	case errors.Is(err, repository.ErrWaitingForTomorrow):
		return http.StatusConflict, "WAITING_FOR_TOMORROW"
	case errors.Is(err, repository.ErrOutOfSequence):
		return http.StatusConflict, "OUT_OF_SEQUENCE"
	case errors.Is(err, repository.ErrSubscriptionRequired):
		return http.StatusPaymentRequired, "SUBSCRIPTION_REQUIRED"
	case errors.Is(err, repository.ErrInvalidWorksheet):
		return http.StatusBadRequest, "INVALID_WORKSHEET"
	case errors.Is(err, service.ErrInvalidSeqIndex):
		return http.StatusBadRequest, "INVALID_SEQ_INDEX"
	case errors.Is(err, validation.ErrMissingResponse):
		return http.StatusBadRequest, "MISSING_RESPONSE"
	case errors.Is(err, progression.ErrInvalidTimezone):
		return http.StatusBadRequest, "INVALID_TIMEZONE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := reasonCode(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: code})
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя и возвращает токен.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

// Login выполняет аутентификацию пользователя и возвращает токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

// GetDailyState возвращает состояние прогрессии текущего пользователя на
// сегодня. Зона клиента передаётся параметром timezone.
func (h *Handler) GetDailyState(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	state, err := h.service.GetDailyState(r.Context(), userID, r.URL.Query().Get("timezone"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

type completeRequest struct {
	SeqIndex int                     `json:"seqIndex"`
	Timezone string                  `json:"timezone"`
	Response model.CompletionPayload `json:"response"`
}

type completeResponse struct {
	NewState           *model.DailyState `json:"newState"`
	PenaltyApplied     int               `json:"penaltyApplied"`
	NextAvailableAtUTC *time.Time        `json:"nextAvailableAtUtc"`
}

// CompleteWorksheet завершает текущий лист пользователя.
func (h *Handler) CompleteWorksheet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	state, penalty, err := h.service.CompleteWorksheet(r.Context(), userID, req.SeqIndex, req.Response, req.Timezone)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		NewState:           state,
		PenaltyApplied:     penalty,
		NextAvailableAtUTC: state.NextAvailableAtUTC,
	})
}

// ListWorksheets возвращает активный каталог листов.
func (h *Handler) ListWorksheets(w http.ResponseWriter, r *http.Request) {
	worksheets, err := h.service.ListWorksheets(r.Context())
	if err != nil {
		h.logger.Error("list worksheets error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(worksheets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, worksheets)
}

// ListCompletions возвращает историю завершений текущего пользователя.
func (h *Handler) ListCompletions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	completions, err := h.service.ListCompletions(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list completions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(completions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, completions)
}

// DeleteAccount удаляет текущего пользователя вместе со всеми данными.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.DeleteAccount(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("delete account error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// BillingWebhook принимает события вебхука RevenueCat. Запрос должен нести
// общий секрет в заголовке Authorization.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.webhookSecret == "" || auth != h.webhookSecret {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var body billing.WebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApplyBillingEvent(r.Context(), body.Event); err != nil {
		if errors.Is(err, service.ErrInvalidBillingEvent) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("billing webhook error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

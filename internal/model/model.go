// Package model содержит доменные сущности сервиса somatic.
package model

import (
	"time"

	"github.com/mmeshcher/somatic-system/internal/progression"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Worksheet — неизменяемая запись каталога листов. Позиции seqIndex —
// плотные уникальные целые, начиная с 1.
type Worksheet struct {
	ID               int64          `json:"id"`
	SeqIndex         int            `json:"seqIndex"`
	Title            string         `json:"title"`
	Body             map[string]any `json:"body,omitempty"`
	EstimatedMinutes int            `json:"estimatedMinutes"`
	IsActive         bool           `json:"isActive"`
}

// EntitlementSource описывает источник сведений о подписке.
type EntitlementSource string

const (
	EntitlementSourceRevenueCat EntitlementSource = "revenuecat"
	EntitlementSourceManual     EntitlementSource = "manual"
)

// Entitlement — подписочный статус пользователя. Обновляется только
// биллинговым вебхуком и фоновой сверкой; ядро прогрессии читает лишь IsActive.
type Entitlement struct {
	UserID       int64
	IsActive     bool
	ProductID    string
	ExpiresAtUTC *time.Time
	Source       EntitlementSource
}

// ProgressionState — долговременное состояние прогрессии пользователя.
// Создаётся при первом запросе состояния. CurrentSeqIndex никогда не
// опускается ниже 1.
type ProgressionState struct {
	UserID                        int64
	CurrentSeqIndex               int
	LastCompletedLocalDate        progression.LocalDate
	LastPenaltyProcessedLocalDate progression.LocalDate
	NextAvailableAtUTC            *time.Time
}

// PromptResponse — один ответ на подсказку листа.
type PromptResponse struct {
	PromptID string `json:"promptId"`
	Value    any    `json:"value"`
}

// CompletionPayload — содержимое заполненного листа.
type CompletionPayload struct {
	Responses  []PromptResponse `json:"responses"`
	Notes      string           `json:"notes,omitempty"`
	MoodRating *int             `json:"moodRating,omitempty"`
}

// Completion — факт завершения листа.
type Completion struct {
	ID             int64                 `json:"id"`
	SeqIndex       int                   `json:"seqIndex"`
	LocalDate      progression.LocalDate `json:"localDate"`
	CompletedAtUTC time.Time             `json:"completedAtUtc"`
}

// ProgressionEventType — тип события изменения прогрессии.
type ProgressionEventType string

const (
	ProgressionEventComplete ProgressionEventType = "COMPLETE"
	ProgressionEventReset    ProgressionEventType = "RESET"
)

// ProgressionEvent — журнальная запись об изменении позиции пользователя.
type ProgressionEvent struct {
	UserID         int64
	EventType      ProgressionEventType
	Delta          int
	FromSeq        int
	ToSeq          int
	EventLocalDate progression.LocalDate
}

// StreakMeta — метаданные серии для отображения клиентом.
type StreakMeta struct {
	LastCompletedLocalDate       progression.LocalDate `json:"lastCompletedLocalDate"`
	MissedDaysSinceLastCompleted int                   `json:"missedDaysSinceLastCompletion"`
}

// DailyState — производный снимок состояния на сегодня. Никогда не
// сохраняется: пересчитывается на каждый запрос.
type DailyState struct {
	CurrentSeqIndex      int                    `json:"currentSeqIndex"`
	CurrentWorksheet     *Worksheet             `json:"currentWorksheet"`
	CanCompleteToday     bool                   `json:"canCompleteToday"`
	LockReason           progression.LockReason `json:"lockReason"`
	SubscriptionRequired bool                   `json:"subscriptionRequired"`
	NextAvailableAtUTC   *time.Time             `json:"nextAvailableAtUtc"`
	CompletedToday       bool                   `json:"completedToday"`
	StreakMeta           StreakMeta             `json:"streakMeta"`
}

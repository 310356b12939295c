package billing

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// MsTimestamp — момент в миллисекундах Unix-эпохи. RevenueCat присылает
// expiration_at_ms то числом, то строкой, поэтому тип принимает оба
// варианта. Ноль означает отсутствие значения.
type MsTimestamp int64

// UnmarshalJSON разбирает число, строку с числом или null.
func (m *MsTimestamp) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}

	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse ms timestamp: %w", err)
	}

	*m = MsTimestamp(v)
	return nil
}

// WebhookEvent — событие вебхука RevenueCat.
type WebhookEvent struct {
	AppUserID      string      `json:"app_user_id"`
	ProductID      string      `json:"product_id"`
	Type           string      `json:"type"`
	ExpirationAtMs MsTimestamp `json:"expiration_at_ms"`
}

// WebhookBody — тело запроса вебхука.
type WebhookBody struct {
	Event *WebhookEvent `json:"event"`
}

// Типы событий, безусловно гасящие подписку.
var inactiveEventTypes = map[string]struct{}{
	"EXPIRATION":          {},
	"CANCELLATION":        {},
	"REFUND":              {},
	"SUBSCRIPTION_PAUSED": {},
}

// ExpiresAt возвращает срок действия подписки из события, если он задан.
func (e *WebhookEvent) ExpiresAt() *time.Time {
	if e.ExpirationAtMs == 0 {
		return nil
	}
	t := time.UnixMilli(int64(e.ExpirationAtMs)).UTC()
	return &t
}

// ComputeActive определяет, активна ли подписка после события: гасящие
// типы выключают её сразу, иначе решает срок действия (отсутствующий срок
// трактуется как бессрочная подписка).
func ComputeActive(e *WebhookEvent, now time.Time) bool {
	if e == nil {
		return false
	}

	if _, ok := inactiveEventTypes[e.Type]; ok {
		return false
	}

	expiresAt := e.ExpiresAt()
	if expiresAt == nil {
		return true
	}

	return expiresAt.After(now)
}

package billing

import (
	"encoding/json"
	"testing"
	"time"
)

func TestComputeActive(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	futureMs := MsTimestamp(now.Add(30 * 24 * time.Hour).UnixMilli())
	pastMs := MsTimestamp(now.Add(-time.Hour).UnixMilli())

	tests := []struct {
		name  string
		event *WebhookEvent
		want  bool
	}{
		{
			name:  "initial purchase with future expiration",
			event: &WebhookEvent{Type: "INITIAL_PURCHASE", ExpirationAtMs: futureMs},
			want:  true,
		},
		{
			name:  "renewal without expiration is lifetime",
			event: &WebhookEvent{Type: "RENEWAL"},
			want:  true,
		},
		{
			name:  "expiration event always deactivates",
			event: &WebhookEvent{Type: "EXPIRATION", ExpirationAtMs: futureMs},
			want:  false,
		},
		{
			name:  "cancellation deactivates",
			event: &WebhookEvent{Type: "CANCELLATION"},
			want:  false,
		},
		{
			name:  "refund deactivates",
			event: &WebhookEvent{Type: "REFUND"},
			want:  false,
		},
		{
			name:  "paused deactivates",
			event: &WebhookEvent{Type: "SUBSCRIPTION_PAUSED"},
			want:  false,
		},
		{
			name:  "past expiration deactivates",
			event: &WebhookEvent{Type: "RENEWAL", ExpirationAtMs: pastMs},
			want:  false,
		},
		{
			name:  "nil event",
			event: nil,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeActive(tt.event, now); got != tt.want {
				t.Fatalf("ComputeActive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhookBody_ExpirationVariants(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantYear int
		wantNil  bool
	}{
		{
			name:     "number",
			raw:      `{"event":{"app_user_id":"7","type":"RENEWAL","expiration_at_ms":4102444800000}}`,
			wantYear: 2100,
		},
		{
			name:     "string",
			raw:      `{"event":{"app_user_id":"7","type":"RENEWAL","expiration_at_ms":"4102444800000"}}`,
			wantYear: 2100,
		},
		{
			name:    "null",
			raw:     `{"event":{"app_user_id":"7","type":"RENEWAL","expiration_at_ms":null}}`,
			wantNil: true,
		},
		{
			name:    "absent",
			raw:     `{"event":{"app_user_id":"7","type":"RENEWAL"}}`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body WebhookBody
			if err := json.Unmarshal([]byte(tt.raw), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			expires := body.Event.ExpiresAt()
			if tt.wantNil {
				if expires != nil {
					t.Fatalf("expected nil expiration, got %v", expires)
				}
				return
			}
			if expires == nil {
				t.Fatalf("expected parsed expiration")
			}
			if expires.Year() != tt.wantYear {
				t.Fatalf("year = %d, want %d", expires.Year(), tt.wantYear)
			}
		})
	}
}

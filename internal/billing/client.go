// Package billing содержит интеграцию с системой подписок RevenueCat:
// HTTP-клиент REST API и разбор событий вебхука.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует обращения к REST API RevenueCat.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// SubscriberEntitlement описывает один entitlement подписчика в ответе API.
type SubscriberEntitlement struct {
	ProductID string     `json:"product_identifier"`
	ExpiresAt *time.Time `json:"expires_date"`
}

// SubscriberStatus — сведения о подписках одного пользователя.
type SubscriberStatus struct {
	Entitlements map[string]SubscriberEntitlement
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]SubscriberEntitlement `json:"entitlements"`
	} `json:"subscriber"`
}

// NewClient создаёт клиент RevenueCat для указанного адреса и API-ключа.
// Повторные попытки при сетевых сбоях берёт на себя retryablehttp.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// 429 обрабатывается вызывающей стороной по Retry-After, ретраить его
	// внутри клиента нельзя.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

// GetSubscriber запрашивает текущий подписочный статус пользователя.
// При ответе 429 возвращает длительность из Retry-After без ошибки.
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*SubscriberStatus, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("billing client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	url := fmt.Sprintf("%s/v1/subscribers/%s", base, appUserID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result subscriberResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &SubscriberStatus{Entitlements: result.Subscriber.Entitlements}, resp.StatusCode, 0, nil
}

// ActiveAt сообщает, есть ли у подписчика entitlement, действующий в момент
// now, и возвращает его продукт и срок действия.
func (s *SubscriberStatus) ActiveAt(now time.Time) (bool, string, *time.Time) {
	if s == nil {
		return false, "", nil
	}

	for _, ent := range s.Entitlements {
		if ent.ExpiresAt == nil || ent.ExpiresAt.After(now) {
			return true, ent.ProductID, ent.ExpiresAt
		}
	}

	return false, "", nil
}

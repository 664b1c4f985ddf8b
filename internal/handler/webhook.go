package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// SignatureHeader carries the HMAC of the webhook body
const SignatureHeader = "X-Signature"

// WebhookPayload is the JSON body posted to alert webhooks
type WebhookPayload struct {
	Type      string         `json:"type"`
	AlertID   string         `json:"alert_id"`
	RuleID    string         `json:"rule_id"`
	ProductID int64          `json:"product_id"`
	UserID    int64          `json:"user_id"`
	Price     string         `json:"price"`
	Currency  string         `json:"currency"`
	RuleType  model.RuleType `json:"rule_type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebhookConfig configures webhook delivery
type WebhookConfig struct {
	Secret    string
	Timeout   time.Duration
	UserAgent string
}

// WebhookDispatcher posts alert events to the rule's target URL
type WebhookDispatcher struct {
	logger     *zap.Logger
	httpClient *http.Client
	secret     []byte
	userAgent  string
}

// NewWebhookDispatcher creates a new webhook dispatcher
func NewWebhookDispatcher(config WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "pricewatch-webhook/1.0"
	}
	return &WebhookDispatcher{
		logger: logger.Named("webhook-dispatcher"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		secret:    []byte(config.Secret),
		userAgent: config.UserAgent,
	}
}

// Sign returns the signature header value for a body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver implements Dispatcher
func (h *WebhookDispatcher) Deliver(ctx context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	if event.Target == "" {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: webhook target is empty", ErrDispatchFailure)
	}

	body, err := json.Marshal(WebhookPayload{
		Type:      "price_alert",
		AlertID:   event.ID,
		RuleID:    event.RuleID,
		ProductID: event.ProductID,
		UserID:    event.UserID,
		Price:     event.Price.String(),
		Currency:  event.Currency,
		RuleType:  event.RuleType,
		Message:   event.Message,
		Timestamp: event.TriggeredAt,
	})
	if err != nil {
		return model.DeliveryReceipt{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.Target, bytes.NewReader(body))
	if err != nil {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: failed to create request: %v", ErrDispatchFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	if len(h.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(h.secret, body))
	}

	h.logger.Info("Sending webhook",
		zap.String("event_id", event.ID),
		zap.String("url", event.Target))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: request failed: %v", ErrDispatchFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return model.DeliveryReceipt{}, fmt.Errorf("%w: webhook returned status %d", ErrDispatchFailure, resp.StatusCode)
	}

	return model.DeliveryReceipt{
		EventID:     event.ID,
		Status:      model.DeliverySent,
		DeliveredAt: time.Now().UTC(),
	}, nil
}

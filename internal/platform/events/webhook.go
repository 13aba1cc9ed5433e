package events

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
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookPublisher) { w.client = c }
}

func WithSecret(secret string) WebhookOption {
	return func(w *WebhookPublisher) { w.secret = secret }
}

// WithRetryDelays sets the waits between attempts; the number of delays is
// the number of retries.
func WithRetryDelays(d ...time.Duration) WebhookOption {
	return func(w *WebhookPublisher) { w.retryDelays = d }
}

// WebhookPublisher POSTs each message as a signed JSON envelope to a single
// endpoint that fans it out to downstream services.
type WebhookPublisher struct {
	endpoint    string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewWebhookPublisher(endpoint string, logger zerolog.Logger, opts ...WebhookOption) (*WebhookPublisher, error) {
	if err := validateWebhookURL(endpoint); err != nil {
		return nil, err
	}
	w := &WebhookPublisher{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		logger:      logger.With().Str("component", "events.webhook").Logger(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Publish delivers msg, retrying on transport errors and non-2xx responses.
func (w *WebhookPublisher) Publish(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(w.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelays[attempt-1]):
			}
		}
		lastErr = w.deliver(ctx, msg, payload)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn().Err(lastErr).Str("topic", msg.Topic).Str("message_id", msg.ID).Int("attempt", attempt+1).Msg("webhook delivery failed")
	}
	return fmt.Errorf("publish %s via webhook: %w", msg.Topic, lastErr)
}

func (w *WebhookPublisher) deliver(ctx context.Context, msg Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", msg.ID)
	req.Header.Set("X-Webhook-Topic", msg.Topic)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if w.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("non-2xx response: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (w *WebhookPublisher) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

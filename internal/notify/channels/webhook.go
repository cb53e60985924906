package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cadenzahq/relay/internal/notify"
)

// SignatureHeader carries the HMAC-SHA256 digest of the payload when
// the channel has a shared secret configured
const SignatureHeader = "X-Relay-Signature-256"

// WebhookHandler posts notifications as JSON to an arbitrary endpoint
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// WebhookPayload is the JSON body delivered to webhook endpoints
type WebhookPayload struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewWebhookHandler creates a new generic webhook handler
func NewWebhookHandler(logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send delivers a notification to the configured endpoint
func (h *WebhookHandler) Send(ctx context.Context, channel notify.Channel, message notify.Message) error {
	if channel.Config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	timestamp := message.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	payload, err := json.Marshal(WebhookPayload{
		ID:        message.ID,
		Subject:   message.Subject,
		Body:      message.Body,
		Severity:  message.Severity,
		Source:    message.Source,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
		Metadata:  message.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range channel.Config.WebhookHeaders {
		req.Header.Set(key, value)
	}
	if channel.Config.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, SignPayload(payload, channel.Config.WebhookSecret))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully delivered webhook notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.WebhookURL)))

	return nil
}

// Test tests the webhook endpoint connectivity
func (h *WebhookHandler) Test(ctx context.Context, channel notify.Channel) error {
	if channel.Config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	testMessage := notify.Message{
		Subject:  "Relay Test Notification",
		Body:     "This is a test notification from Relay. If you receive this, your webhook integration is working correctly!",
		Severity: "info",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *WebhookHandler) GetChannelType() notify.ChannelType {
	return notify.ChannelTypeWebhook
}

// SignPayload computes the signature value for a payload and secret.
// Receivers verify deliveries by recomputing it.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenzahq/relay/internal/notify"
)

// SlackHandler implements notification sending to Slack
type SlackHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a new Slack notification handler
func NewSlackHandler(logger *zap.Logger) *SlackHandler {
	return &SlackHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send sends a notification to Slack
func (h *SlackHandler) Send(ctx context.Context, channel notify.Channel, message notify.Message) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	slackMessage := h.buildSlackMessage(channel, message)

	payload, err := json.Marshal(slackMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.SlackWebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	h.logger.Info("Successfully sent Slack notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.SlackWebhookURL)))

	return nil
}

// Test tests the Slack channel connectivity
func (h *SlackHandler) Test(ctx context.Context, channel notify.Channel) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	testMessage := notify.Message{
		Subject:  "Relay Test Notification",
		Body:     "This is a test notification from Relay. If you receive this, your Slack integration is working correctly!",
		Severity: "info",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *SlackHandler) GetChannelType() notify.ChannelType {
	return notify.ChannelTypeSlack
}

// buildSlackMessage converts an operator message to Slack format
func (h *SlackHandler) buildSlackMessage(channel notify.Channel, message notify.Message) SlackMessage {
	slackMessage := SlackMessage{
		Text:      message.Subject,
		Username:  channel.Config.SlackUsername,
		Channel:   channel.Config.SlackChannel,
		IconEmoji: severityEmoji(message.Severity),
	}

	attachment := SlackAttachment{
		Color:     severityColor(message.Severity),
		Text:      message.Body,
		Footer:    "Cadenza Relay",
		Timestamp: time.Now().Unix(),
	}

	if message.Source != "" {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Source",
			Value: message.Source,
			Short: true,
		})
	}

	// Surface the fields operators reach for first when triaging
	for _, key := range []string{"dependency", "breaker", "service", "state", "caller_key", "previous_level", "current_level"} {
		if value, exists := message.Metadata[key]; exists {
			attachment.Fields = append(attachment.Fields, SlackField{
				Title: fieldTitle(key),
				Value: fmt.Sprintf("%v", value),
				Short: true,
			})
		}
	}

	slackMessage.Attachments = []SlackAttachment{attachment}

	return slackMessage
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return ":rotating_light:"
	case "error":
		return ":x:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func severityColor(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "error":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "good"
	}
}

func fieldTitle(key string) string {
	parts := strings.Split(key, "_")
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, " ")
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}

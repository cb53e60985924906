package notify

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies a notification destination kind
type ChannelType string

const (
	ChannelTypeSlack   ChannelType = "slack"
	ChannelTypeWebhook ChannelType = "webhook"
)

// Channel is an operator-facing notification destination. Channels
// below MinSeverity are skipped when a message is dispatched.
type Channel struct {
	ID          uuid.UUID     `json:"id"`
	Type        ChannelType   `json:"type"`
	Name        string        `json:"name"`
	Config      ChannelConfig `json:"config"`
	Enabled     bool          `json:"enabled"`
	MinSeverity string        `json:"min_severity"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ChannelConfig contains channel-specific configuration
type ChannelConfig struct {
	// Slack configuration
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	SlackUsername   string `json:"slack_username,omitempty"`

	// Webhook configuration
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookSecret  string            `json:"webhook_secret,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
}

// Message is a formatted operator notification
type Message struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ChannelHandler defines the interface for channel-specific senders
type ChannelHandler interface {
	Send(ctx context.Context, channel Channel, message Message) error
	Test(ctx context.Context, channel Channel) error
	GetChannelType() ChannelType
}

// DeliveryStatus records the outcome of one delivery attempt
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
	StatusSkipped DeliveryStatus = "skipped"
)

// Event is one entry in the delivery audit trail
type Event struct {
	ID          uuid.UUID      `json:"id"`
	ChannelID   uuid.UUID      `json:"channel_id"`
	ChannelName string         `json:"channel_name"`
	ChannelType ChannelType    `json:"channel_type"`
	Subject     string         `json:"subject"`
	Severity    string         `json:"severity"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Stats summarizes delivery outcomes since startup
type Stats struct {
	TotalSent   int64                 `json:"total_sent"`
	TotalFailed int64                 `json:"total_failed"`
	ByChannel   map[ChannelType]int64 `json:"by_channel"`
	LastUpdated time.Time             `json:"last_updated"`
}

// severityRank orders severities so channels can filter on a floor.
// Unknown severities rank as informational.
func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 3
	case "error":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

package security

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/relay/pkg/logging"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Authentication events
	EventTypeAuthSuccess AuditEventType = "auth.success"
	EventTypeAuthFailure AuditEventType = "auth.failure"
	EventTypeTokenIssued AuditEventType = "auth.token_issued"

	// Authorization events
	EventTypeAccessDenied AuditEventType = "authz.access_denied"

	// Abuse events
	EventTypeRateLimitExceeded AuditEventType = "security.rate_limit_exceeded"
	EventTypeBlockedIP         AuditEventType = "security.blocked_ip"

	// Admin actions against the traffic plane
	EventTypeInstanceRegistered   AuditEventType = "registry.instance_registered"
	EventTypeInstanceDeregistered AuditEventType = "registry.instance_deregistered"
	EventTypeBreakerReset         AuditEventType = "resilience.breaker_reset"
	EventTypeChannelChanged       AuditEventType = "notify.channel_changed"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	Subject     string                 `json:"subject,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	Resource    string                 `json:"resource,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Result      string                 `json:"result"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	ServiceName string                 `json:"service_name"`
	Version     string                 `json:"version"`
}

// AuditLogger writes security-relevant events to the structured log
// under a stable event_type taxonomy so they can be filtered and
// retained separately
type AuditLogger struct {
	logger      *logging.Logger
	serviceName string
	version     string
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(serviceName, version string) *AuditLogger {
	return &AuditLogger{
		logger:      logging.GetLogger(),
		serviceName: serviceName,
		version:     version,
	}
}

// LogEvent logs an audit event
func (a *AuditLogger) LogEvent(ctx context.Context, event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.ServiceName = a.serviceName
	event.Version = a.version

	if requestID := logging.GetCorrelationID(ctx); requestID != "" {
		event.RequestID = requestID
	}

	// The event message doubles as the log line; a field named
	// "message" would collide with the formatter's message key
	msg := "AUDIT_EVENT"
	if event.Message != "" {
		msg = event.Message
	}

	a.logger.Info(msg,
		"event_id", event.ID,
		"event_type", string(event.EventType),
		"subject", event.Subject,
		"ip_address", event.IPAddress,
		"resource", event.Resource,
		"action", event.Action,
		"result", event.Result,
		"request_id", event.RequestID,
		"service_name", event.ServiceName,
		"version", event.Version,
		"details", event.Details,
	)
}

// LogAuthEvent logs authentication attempts against the admin surface
func (a *AuditLogger) LogAuthEvent(ctx context.Context, eventType AuditEventType, subject, ipAddress, userAgent string, success bool, details map[string]interface{}) {
	result := "success"
	if !success {
		result = "failure"
	}

	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Subject:   subject,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Result:    result,
		Details:   details,
	})
}

// LogSecurityEvent logs abuse and policy violations
func (a *AuditLogger) LogSecurityEvent(ctx context.Context, eventType AuditEventType, message, ipAddress string, details map[string]interface{}) {
	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Message:   message,
		IPAddress: ipAddress,
		Result:    "violation",
		Details:   details,
	})
}

// LogAdminAction logs mutations performed through the admin API
func (a *AuditLogger) LogAdminAction(ctx context.Context, eventType AuditEventType, subject, resource, action string, details map[string]interface{}) {
	a.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Subject:   subject,
		Resource:  resource,
		Action:    action,
		Result:    "success",
		Details:   details,
	})
}

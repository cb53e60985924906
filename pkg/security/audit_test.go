package security

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/relay/pkg/logging"
)

// captureAuditLog routes the global logger into a buffer so the
// emitted audit lines can be parsed back
func captureAuditLog(t *testing.T) (*AuditLogger, *bytes.Buffer) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "relay-test",
		Version:     "0.0.1",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	previous := logging.GetLogger()
	logging.SetGlobalLogger(logger)
	t.Cleanup(func() { logging.SetGlobalLogger(previous) })

	return NewAuditLogger("relay-test", "0.0.1"), &buf
}

func TestAuditLogger_LogEvent_FillsDefaults(t *testing.T) {
	audit, buf := captureAuditLog(t)

	audit.LogEvent(context.Background(), AuditEvent{
		EventType: EventTypeTokenIssued,
		Subject:   "ops@cadenza.ai",
		Result:    "success",
	})

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "AUDIT_EVENT", logEntry["message"])
	assert.Equal(t, "auth.token_issued", logEntry["event_type"])
	assert.Equal(t, "ops@cadenza.ai", logEntry["subject"])
	assert.Equal(t, "success", logEntry["result"])
	assert.NotEmpty(t, logEntry["event_id"])
	assert.Equal(t, "relay-test", logEntry["service_name"])
	assert.Equal(t, "0.0.1", logEntry["version"])
}

func TestAuditLogger_LogEvent_CorrelationIDFromContext(t *testing.T) {
	audit, buf := captureAuditLog(t)

	ctx := logging.WithCorrelationID(context.Background(), "corr-123")
	audit.LogEvent(ctx, AuditEvent{
		EventType: EventTypeAuthSuccess,
		Result:    "success",
	})

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "corr-123", logEntry["request_id"])
}

func TestAuditLogger_LogAuthEvent(t *testing.T) {
	audit, buf := captureAuditLog(t)

	audit.LogAuthEvent(context.Background(), EventTypeAuthFailure, "", "10.0.0.7", "curl/8.0", false, map[string]interface{}{
		"method": "api_key",
	})

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "auth.failure", logEntry["event_type"])
	assert.Equal(t, "failure", logEntry["result"])
	assert.Equal(t, "10.0.0.7", logEntry["ip_address"])

	details, ok := logEntry["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "api_key", details["method"])
}

func TestAuditLogger_LogSecurityEvent(t *testing.T) {
	audit, buf := captureAuditLog(t)

	audit.LogSecurityEvent(context.Background(), EventTypeRateLimitExceeded, "Rate limit exceeded", "10.0.0.7", nil)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "security.rate_limit_exceeded", logEntry["event_type"])
	assert.Equal(t, "violation", logEntry["result"])
	assert.Equal(t, "Rate limit exceeded", logEntry["message"])
}

func TestAuditLogger_LogAdminAction(t *testing.T) {
	audit, buf := captureAuditLog(t)

	audit.LogAdminAction(context.Background(), EventTypeInstanceDeregistered, "admin", "ai-provider/ai-1", "deregister", nil)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "registry.instance_deregistered", logEntry["event_type"])
	assert.Equal(t, "admin", logEntry["subject"])
	assert.Equal(t, "ai-provider/ai-1", logEntry["resource"])
	assert.Equal(t, "deregister", logEntry["action"])
	assert.Equal(t, "success", logEntry["result"])
}

package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cadenzahq/relay/pkg/resilience"
)

type fakeHandler struct {
	channelType ChannelType
	err         error

	mu        sync.Mutex
	sent      []Message
	testCalls int
}

func (f *fakeHandler) Send(ctx context.Context, channel Channel, message Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeHandler) Test(ctx context.Context, channel Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testCalls++
	return f.err
}

func (f *fakeHandler) GetChannelType() ChannelType {
	return f.channelType
}

func (f *fakeHandler) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestService_Dispatch_FansOutToEnabledChannels(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	webhook := &fakeHandler{channelType: ChannelTypeWebhook}
	svc.RegisterChannelHandler(slack)
	svc.RegisterChannelHandler(webhook)

	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})
	svc.AddChannel(Channel{Type: ChannelTypeWebhook, Name: "pager-bridge", Enabled: true})

	err := svc.Dispatch(context.Background(), Message{
		Subject:  "Circuit Breaker Opened",
		Severity: "error",
		Source:   "circuit_breaker",
	})

	require.NoError(t, err)
	require.Len(t, slack.messages(), 1)
	require.Len(t, webhook.messages(), 1)

	// Defaults are filled in before delivery
	delivered := slack.messages()[0]
	assert.NotEmpty(t, delivered.ID)
	assert.False(t, delivered.Timestamp.IsZero())

	stats := svc.GetStats()
	assert.Equal(t, int64(2), stats.TotalSent)
	assert.Equal(t, int64(0), stats.TotalFailed)
	assert.Equal(t, int64(1), stats.ByChannel[ChannelTypeSlack])
	assert.Equal(t, int64(1), stats.ByChannel[ChannelTypeWebhook])
}

func TestService_Dispatch_SkipsDisabledChannels(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	svc.RegisterChannelHandler(slack)
	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: false})

	err := svc.Dispatch(context.Background(), Message{Subject: "Test", Severity: "critical"})

	require.NoError(t, err)
	assert.Empty(t, slack.messages())

	events := svc.RecentEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, StatusSkipped, events[0].Status)
}

func TestService_Dispatch_HonorsMinSeverity(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	svc.RegisterChannelHandler(slack)
	svc.AddChannel(Channel{
		Type:        ChannelTypeSlack,
		Name:        "critical-only",
		Enabled:     true,
		MinSeverity: "error",
	})

	ctx := context.Background()
	require.NoError(t, svc.Dispatch(ctx, Message{Subject: "warn", Severity: "warning"}))
	require.NoError(t, svc.Dispatch(ctx, Message{Subject: "err", Severity: "ERROR"}))
	require.NoError(t, svc.Dispatch(ctx, Message{Subject: "crit", Severity: "critical"}))

	messages := slack.messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "err", messages[0].Subject)
	assert.Equal(t, "crit", messages[1].Subject)
}

func TestService_Dispatch_NoHandlerRegistered(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})

	err := svc.Dispatch(context.Background(), Message{Subject: "Test", Severity: "error"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")

	events := svc.RecentEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, StatusFailed, events[0].Status)
}

func TestService_Dispatch_AggregatesDeliveryFailures(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack, err: fmt.Errorf("slack is down")}
	webhook := &fakeHandler{channelType: ChannelTypeWebhook}
	svc.RegisterChannelHandler(slack)
	svc.RegisterChannelHandler(webhook)

	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})
	svc.AddChannel(Channel{Type: ChannelTypeWebhook, Name: "pager-bridge", Enabled: true})

	err := svc.Dispatch(context.Background(), Message{Subject: "Test", Severity: "error"})

	// One failure does not stop delivery to the other channel
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to deliver to 1 channels")
	require.Len(t, webhook.messages(), 1)

	stats := svc.GetStats()
	assert.Equal(t, int64(1), stats.TotalSent)
	assert.Equal(t, int64(1), stats.TotalFailed)
}

func TestService_ChannelManagement(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	added := svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})
	assert.NotEqual(t, uuid.Nil, added.ID)
	assert.False(t, added.CreatedAt.IsZero())

	channels := svc.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, "ops-slack", channels[0].Name)

	assert.True(t, svc.RemoveChannel(added.ID))
	assert.False(t, svc.RemoveChannel(added.ID))
	assert.Empty(t, svc.Channels())
}

func TestService_TestChannel(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	svc.RegisterChannelHandler(slack)
	added := svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})

	require.NoError(t, svc.TestChannel(context.Background(), added.ID))
	assert.Equal(t, 1, slack.testCalls)

	err := svc.TestChannel(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestService_RecentEvents_NewestFirstAndBounded(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))
	svc.maxEvents = 3

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	svc.RegisterChannelHandler(slack)
	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Dispatch(ctx, Message{
			Subject:  fmt.Sprintf("alert-%d", i),
			Severity: "error",
		}))
	}

	events := svc.RecentEvents(10)
	require.Len(t, events, 3)
	assert.Equal(t, "alert-4", events[0].Subject)
	assert.Equal(t, "alert-3", events[1].Subject)
	assert.Equal(t, "alert-2", events[2].Subject)

	limited := svc.RecentEvents(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "alert-4", limited[0].Subject)
}

func TestAlertSink_HandleAlert(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t))

	slack := &fakeHandler{channelType: ChannelTypeSlack}
	svc.RegisterChannelHandler(slack)
	svc.AddChannel(Channel{Type: ChannelTypeSlack, Name: "ops-slack", Enabled: true})

	sink := NewAlertSink(svc)
	assert.Equal(t, "notify", sink.Name())

	alert := resilience.Alert{
		ID:          "alert-7",
		Severity:    resilience.SeverityCritical,
		Title:       "System Degradation Level Changed",
		Description: "System degradation level changed from severe to critical",
		Source:      "system_health_monitor",
		Timestamp:   time.Now(),
		Tags: map[string]string{
			"current_level": "critical",
		},
		Metadata: map[string]interface{}{
			"unavailable_count": 3,
		},
	}

	require.NoError(t, sink.HandleAlert(context.Background(), alert))

	messages := slack.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "alert-7", messages[0].ID)
	assert.Equal(t, "System Degradation Level Changed", messages[0].Subject)
	assert.Equal(t, "CRITICAL", messages[0].Severity)
	assert.Equal(t, "system_health_monitor", messages[0].Source)
	assert.Equal(t, "critical", messages[0].Metadata["current_level"])
	assert.Equal(t, 3, messages[0].Metadata["unavailable_count"])
}

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadenzahq/relay/pkg/resilience"
)

const defaultEventHistory = 200

// Service fans operator notifications out to registered channels and
// keeps an in-memory audit trail of delivery attempts.
type Service struct {
	logger   *zap.Logger
	handlers map[ChannelType]ChannelHandler

	mu       sync.RWMutex
	channels []Channel

	eventsMu    sync.Mutex
	events      []Event
	maxEvents   int
	totalSent   int64
	totalFailed int64
	byChannel   map[ChannelType]int64
}

// NewService creates a notification service. A nil logger falls back
// to a no-op logger so the service is safe to use in tests.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:    logger,
		handlers:  make(map[ChannelType]ChannelHandler),
		maxEvents: defaultEventHistory,
		byChannel: make(map[ChannelType]int64),
	}
}

// RegisterChannelHandler registers a handler for a specific channel type
func (s *Service) RegisterChannelHandler(handler ChannelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler.GetChannelType()] = handler
}

// AddChannel registers a notification destination and returns it with
// its assigned ID
func (s *Service) AddChannel(channel Channel) Channel {
	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.channels = append(s.channels, channel)
	s.mu.Unlock()

	s.logger.Info("Notification channel added",
		zap.String("channel_id", channel.ID.String()),
		zap.String("channel_type", string(channel.Type)),
		zap.String("name", channel.Name))

	return channel
}

// RemoveChannel deletes a destination. Returns false if the ID is not
// registered.
func (s *Service) RemoveChannel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, channel := range s.channels {
		if channel.ID == id {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return true
		}
	}
	return false
}

// Channels returns a copy of the registered destinations
func (s *Service) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// Dispatch sends a message to every enabled channel at or below the
// message severity. Delivery failures are aggregated, not fatal per
// channel.
func (s *Service) Dispatch(ctx context.Context, message Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	s.mu.RLock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	handlers := make(map[ChannelType]ChannelHandler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.mu.RUnlock()

	rank := severityRank(message.Severity)

	var failures []error
	for _, channel := range channels {
		if !channel.Enabled || rank < severityRank(channel.MinSeverity) {
			s.recordEvent(channel, message, StatusSkipped, nil)
			continue
		}

		handler, ok := handlers[channel.Type]
		if !ok {
			err := fmt.Errorf("no handler registered for channel type %q", channel.Type)
			s.recordEvent(channel, message, StatusFailed, err)
			failures = append(failures, err)
			continue
		}

		if err := handler.Send(ctx, channel, message); err != nil {
			s.logger.Error("Notification delivery failed",
				zap.String("channel_id", channel.ID.String()),
				zap.String("channel_type", string(channel.Type)),
				zap.Error(err))
			s.recordEvent(channel, message, StatusFailed, err)
			failures = append(failures, err)
			continue
		}

		s.recordEvent(channel, message, StatusSent, nil)
	}

	if len(failures) > 0 {
		return fmt.Errorf("failed to deliver to %d channels: %v", len(failures), failures)
	}
	return nil
}

// TestChannel exercises a destination's connectivity without a real
// alert
func (s *Service) TestChannel(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	var target *Channel
	for i := range s.channels {
		if s.channels[i].ID == id {
			target = &s.channels[i]
			break
		}
	}
	var handler ChannelHandler
	if target != nil {
		handler = s.handlers[target.Type]
	}
	s.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("notification channel %s not found", id)
	}
	if handler == nil {
		return fmt.Errorf("no handler registered for channel type %q", target.Type)
	}

	return handler.Test(ctx, *target)
}

// RecentEvents returns up to limit delivery events, newest first
func (s *Service) RecentEvents(limit int) []Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}

	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= len(s.events)-limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

// GetStats returns delivery counters since startup
func (s *Service) GetStats() Stats {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	byChannel := make(map[ChannelType]int64, len(s.byChannel))
	for k, v := range s.byChannel {
		byChannel[k] = v
	}

	return Stats{
		TotalSent:   s.totalSent,
		TotalFailed: s.totalFailed,
		ByChannel:   byChannel,
		LastUpdated: time.Now(),
	}
}

func (s *Service) recordEvent(channel Channel, message Message, status DeliveryStatus, err error) {
	event := Event{
		ID:          uuid.New(),
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		ChannelType: channel.Type,
		Subject:     message.Subject,
		Severity:    message.Severity,
		Status:      status,
		CreatedAt:   time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}

	switch status {
	case StatusSent:
		s.totalSent++
		s.byChannel[channel.Type]++
	case StatusFailed:
		s.totalFailed++
	}
}

// AlertSink adapts the service to the resilience alert pipeline, so
// breaker transitions and degradation changes reach operator channels.
type AlertSink struct {
	service *Service
}

// NewAlertSink creates an alert handler backed by the notification
// service
func NewAlertSink(service *Service) *AlertSink {
	return &AlertSink{service: service}
}

// HandleAlert converts a resilience alert into an operator message and
// dispatches it
func (a *AlertSink) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	metadata := make(map[string]interface{}, len(alert.Tags)+len(alert.Metadata))
	for k, v := range alert.Tags {
		metadata[k] = v
	}
	for k, v := range alert.Metadata {
		metadata[k] = v
	}

	return a.service.Dispatch(ctx, Message{
		ID:        alert.ID,
		Subject:   alert.Title,
		Body:      alert.Description,
		Severity:  alert.Severity.String(),
		Source:    alert.Source,
		Timestamp: alert.Timestamp,
		Metadata:  metadata,
	})
}

// Name returns the handler name
func (a *AlertSink) Name() string {
	return "notify"
}

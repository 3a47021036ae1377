package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if pending, ok := payload["pending"].(int); ok {
				logEvent = logEvent.Int("pending", pending)
			}
			if version, ok := payload["version"].(string); ok {
				logEvent = logEvent.Str("version", version)
			}
			if online, ok := payload["online"].(bool); ok {
				logEvent = logEvent.Bool("online", online)
			}
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) ([]interfaces.Subscription, error) {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventDraftsChanged,
		interfaces.EventSyncCompleted,
		interfaces.EventConnectivityChanged,
		interfaces.EventUpdateAvailable,
		interfaces.EventControllerChanged,
	}

	subs := make([]interfaces.Subscription, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		sub, err := eventService.Subscribe(eventType, subscriber)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
		subs = append(subs, sub)
	}

	logger.Info().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return subs, nil
}

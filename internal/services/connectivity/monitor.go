package connectivity

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

type listener struct {
	onOnline  func()
	onOffline func()
}

// Monitor turns platform online/offline signals into callbacks.
// Every signal is delivered, repeated signals included; there is no debouncing.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	listeners map[uint64]listener
	nextID    uint64

	eventService interfaces.EventService
	logger       arbor.ILogger
}

// NewMonitor creates a monitor in the given initial state.
// eventService may be nil.
func NewMonitor(initiallyOnline bool, eventService interfaces.EventService, logger arbor.ILogger) *Monitor {
	return &Monitor{
		online:       initiallyOnline,
		listeners:    make(map[uint64]listener),
		eventService: eventService,
		logger:       logger,
	}
}

var _ interfaces.ConnectivityMonitor = (*Monitor)(nil)

type subscription struct {
	once    sync.Once
	monitor *Monitor
	id      uint64
}

// Close detaches both callbacks registered by Subscribe
func (s *subscription) Close() {
	s.once.Do(func() {
		s.monitor.mu.Lock()
		delete(s.monitor.listeners, s.id)
		s.monitor.mu.Unlock()
	})
}

// Subscribe registers onOnline and onOffline; either may be nil
func (m *Monitor) Subscribe(onOnline, onOffline func()) interfaces.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners[id] = listener{onOnline: onOnline, onOffline: onOffline}

	return &subscription{monitor: m, id: id}
}

// SetOnline records a platform signal and invokes the matching callbacks
// in subscription order. Callbacks run on the caller's goroutine.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	previous := m.online
	m.online = online

	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	callbacks := make([]func(), 0, len(ids))
	for _, id := range ids {
		l := m.listeners[id]
		if online && l.onOnline != nil {
			callbacks = append(callbacks, l.onOnline)
		}
		if !online && l.onOffline != nil {
			callbacks = append(callbacks, l.onOffline)
		}
	}
	m.mu.Unlock()

	m.logger.Info().
		Bool("online", online).
		Bool("changed", previous != online).
		Int("listeners", len(callbacks)).
		Msg("Connectivity signal")

	for _, cb := range callbacks {
		cb()
	}

	if m.eventService != nil {
		err := m.eventService.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventConnectivityChanged,
			Payload: map[string]interface{}{"online": online},
		})
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to publish connectivity event")
		}
	}
}

// IsOnline returns the state reported by the most recent signal
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

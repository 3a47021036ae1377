package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

// delivery is one queued event; done is set for synchronous publishes
type delivery struct {
	ctx   context.Context
	event interfaces.Event
	done  chan error
}

// subscriber owns a FIFO queue drained by a single worker goroutine,
// so one subscriber sees events in the order they were published.
type subscriber struct {
	id      uint64
	handler interfaces.EventHandler
	logger  arbor.ILogger

	mu      sync.Mutex
	queue   []delivery
	stopped bool
	wake    chan struct{}
	stop    chan struct{}
	exited  chan struct{}
}

func newSubscriber(id uint64, handler interfaces.EventHandler, logger arbor.ILogger) *subscriber {
	sub := &subscriber{
		id:      id,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (s *subscriber) enqueue(d delivery) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

func (s *subscriber) run() {
	defer func() {
		s.mu.Lock()
		dropped := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, d := range dropped {
			if d.done != nil {
				d.done <- fmt.Errorf("subscription closed")
			}
		}
		close(s.exited)
	}()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			select {
			case <-s.stop:
				return
			default:
			}
			d, ok := s.next()
			if !ok {
				break
			}
			err := s.deliver(d)
			if d.done != nil {
				d.done <- err
			}
		}
	}
}

// deliver calls the handler, turning a panic into an error
func (s *subscriber) deliver(d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error().
				Str("event_type", string(d.event.Type)).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in event handler")
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()

	if err = s.handler(d.ctx, d.event); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(d.event.Type)).
			Msg("Event handler failed")
	}
	return err
}

// shutdown stops the worker after its current delivery. Queued events are
// dropped and queued synchronous publishers get an error.
func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

// Service implements EventService interface with pub/sub pattern.
// Delivery is asynchronous and ordered per subscriber.
type Service struct {
	subscribers map[interfaces.EventType][]*subscriber
	nextID      uint64
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]*subscriber),
		logger:      logger,
	}
}

var _ interfaces.EventService = (*Service)(nil)

// subscription removes one handler registration when closed
type subscription struct {
	once      sync.Once
	service   *Service
	eventType interfaces.EventType
	id        uint64
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.service.remove(s.eventType, s.id)
	})
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) (interfaces.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subscribers[eventType] = append(s.subscribers[eventType], newSubscriber(id, handler, s.logger))

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return &subscription{service: s, eventType: eventType, id: id}, nil
}

func (s *Service) remove(eventType interfaces.EventType, id uint64) {
	s.mu.Lock()
	var removed *subscriber
	current := s.subscribers[eventType]
	kept := make([]*subscriber, 0, len(current))
	for _, sub := range current {
		if sub.id == id {
			removed = sub
			continue
		}
		kept = append(kept, sub)
	}
	s.subscribers[eventType] = kept
	s.mu.Unlock()

	if removed != nil {
		removed.shutdown()
	}

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Msg("Event handler unsubscribed")
}

// enqueue queues the event for every subscriber of its type. The read lock is
// held while queueing so concurrent publishers reach all subscribers in the
// same order.
func (s *Service) enqueue(ctx context.Context, event interfaces.Event, wait bool) []chan error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.subscribers[event.Type]
	if len(subs) == 0 {
		s.logger.Debug().
			Str("event_type", string(event.Type)).
			Msg("No subscribers for event")
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Int("subscriber_count", len(subs)).
		Bool("sync", wait).
		Msg("Publishing event")

	var waits []chan error
	for _, sub := range subs {
		d := delivery{ctx: ctx, event: event}
		if wait {
			d.done = make(chan error, 1)
		}
		if sub.enqueue(d) && d.done != nil {
			waits = append(waits, d.done)
		}
	}
	return waits
}

// Publish queues an event for all subscribers and returns without waiting
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.enqueue(ctx, event, false)
	return nil
}

// PublishSync queues an event and waits until every subscriber has handled it.
// Events published earlier to a subscriber are handled first. A handler must
// not call PublishSync for its own event type.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	waits := s.enqueue(ctx, event, true)

	failed := 0
	for _, done := range waits {
		select {
		case err := <-done:
			if err != nil {
				failed++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

func (s *Service) subscriberCount(eventType interfaces.EventType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[eventType])
}

// Close stops every subscriber worker and waits for in-flight handlers
func (s *Service) Close() error {
	s.mu.Lock()
	all := s.subscribers
	s.subscribers = make(map[interfaces.EventType][]*subscriber)
	s.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	for _, subs := range all {
		for _, sub := range subs {
			<-sub.exited
		}
	}
	s.logger.Info().Msg("Event service closed")

	return nil
}

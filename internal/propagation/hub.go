package propagation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Hub is the in-process pub/sub. Publishing never blocks on subscribers: each
// subscription keeps the latest pending event per resource and is woken up to drain.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	hooks  []func(domain.ChangeEvent)
	origin string
	logger *zap.Logger
}

func NewHub(origin string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		origin: origin,
		logger: logger.Named("hub"),
	}
}

// Publish stamps locally produced events with this instance's origin and delivers them.
func (h *Hub) Publish(_ context.Context, events []domain.ChangeEvent) error {
	h.Deliver(Stamp(events, h.origin)...)
	return nil
}

// Stamp fills in origin and time on events that do not carry them yet.
func Stamp(events []domain.ChangeEvent, origin string) []domain.ChangeEvent {
	now := time.Now().UTC()
	for i := range events {
		if events[i].Origin == "" {
			events[i].Origin = origin
		}
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = now
		}
	}
	return events
}

// OnDeliver registers fn to see every delivered event before any subscriber does.
// fn runs on the publishing goroutine and must not block.
func (h *Hub) OnDeliver(fn func(domain.ChangeEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Deliver hands events to local subscribers as-is. Bridges from other instances use it.
func (h *Hub) Deliver(events ...domain.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, event := range events {
		for _, hook := range h.hooks {
			hook(event)
		}
		for sub := range h.topics[event.Topic] {
			sub.offer(event)
		}
	}
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		hub:     h,
		topics:  append([]string(nil), topics...),
		pending: make(map[string]domain.ChangeEvent),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range sub.topics {
		subs, ok := h.topics[topic]
		if !ok {
			subs = make(map[*Subscription]struct{})
			h.topics[topic] = subs
		}
		subs[sub] = struct{}{}
	}
	h.logger.Debug("subscribed", zap.Strings("topics", sub.topics))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range sub.topics {
		subs := h.topics[topic]
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribers reports how many subscriptions listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

type Subscription struct {
	hub    *Hub
	topics []string

	mu      sync.Mutex
	pending map[string]domain.ChangeEvent
	keys    []string
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// offer records the event as pending. A second event for the same resource
// replaces the first but keeps its place in the queue.
func (s *Subscription) offer(event domain.ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key := event.Key()
	if _, exists := s.pending[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.pending[key] = event
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until at least one resource changed and returns every pending
// change, oldest first, one event per resource.
func (s *Subscription) Next(ctx context.Context) ([]domain.ChangeEvent, error) {
	for {
		s.mu.Lock()
		if len(s.keys) > 0 {
			batch := make([]domain.ChangeEvent, 0, len(s.keys))
			for _, key := range s.keys {
				batch = append(batch, s.pending[key])
			}
			s.keys = s.keys[:0]
			clear(s.pending)
			s.mu.Unlock()
			return batch, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 32

	dropCauseBacklog = "backlog"
	dropCauseWrite   = "write"
)

// ErrSubscriberBacklog indicates the subscriber queue was full when an event arrived.
var ErrSubscriberBacklog = errors.New("live: subscriber queue full")

// DeliveryError describes why a single subscriber was dropped. It never
// propagates to the publisher.
type DeliveryError struct {
	SubscriberID int64
	Topic        string
	Err          error
}

func (e *DeliveryError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("live: subscriber %d: %v", e.SubscriberID, e.Err)
	}
	return fmt.Sprintf("live: subscriber %d on %s: %v", e.SubscriberID, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Event is a transient copy of a persisted record published on a topic.
type Event struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// HubConfig tunes the hub.
type HubConfig struct {
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub fans out published events to every attached subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscription
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger

	publishMu sync.Mutex
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[int64]*Subscription),
		bufferSize:  bufferSize,
		clock:       clock,
		logger:      logger,
	}
}

// Attach registers a subscriber for every future event. The subscription is
// released when ctx is done or Close is called, whichever comes first.
func (h *Hub) Attach(ctx context.Context) *Subscription {
	subscription := &Subscription{
		hub:    h,
		events: make(chan Event, h.bufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.nextID++
	subscription.id = h.nextID
	h.subscribers[subscription.id] = subscription
	h.mu.Unlock()
	metrics.LiveSubscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription
}

// Publish offers the event to every subscriber without blocking. Subscribers
// whose queue is full are dropped; the rest are unaffected.
func (h *Hub) Publish(topic string, payload any) {
	if topic == "" {
		return
	}
	event := Event{Topic: topic, Payload: payload, PublishedAt: h.clock().UTC()}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subscribers))
	for _, subscription := range h.subscribers {
		targets = append(targets, subscription)
	}
	h.mu.RUnlock()

	metrics.LiveEventsPublished.WithLabelValues(topic).Inc()

	var dropped []*Subscription
	for _, subscription := range targets {
		select {
		case <-subscription.done:
			continue
		default:
		}
		select {
		case subscription.events <- event:
		default:
			dropped = append(dropped, subscription)
		}
	}

	for _, subscription := range dropped {
		deliveryErr := &DeliveryError{SubscriberID: subscription.id, Topic: topic, Err: ErrSubscriberBacklog}
		if subscription.closeWith(deliveryErr) {
			metrics.LiveSubscribersDropped.WithLabelValues(dropCauseBacklog).Inc()
			h.logger.Warn("live subscriber dropped", zap.Int64("subscriber_id", subscription.id), zap.Error(deliveryErr))
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) detach(subscriberID int64) {
	h.mu.Lock()
	_, ok := h.subscribers[subscriberID]
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
	if ok {
		metrics.LiveSubscribers.Dec()
	}
}

// Subscription is the receiving side of an attached subscriber.
type Subscription struct {
	id     int64
	hub    *Hub
	events chan Event
	done   chan struct{}

	once sync.Once
	err  error
}

// ID returns the hub-assigned subscriber identifier.
func (s *Subscription) ID() int64 {
	return s.id
}

// Events delivers events in publish order.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the delivery failure that released the subscription, if any.
// It is only meaningful after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

// Fail detaches the subscription after a transport write error.
func (s *Subscription) Fail(err error) {
	if err == nil {
		s.Close()
		return
	}
	deliveryErr := &DeliveryError{SubscriberID: s.id, Err: err}
	if s.closeWith(deliveryErr) {
		metrics.LiveSubscribersDropped.WithLabelValues(dropCauseWrite).Inc()
		s.hub.logger.Debug("live subscriber write failed", zap.Int64("subscriber_id", s.id), zap.Error(err))
	}
}

func (s *Subscription) closeWith(err error) bool {
	closed := false
	s.once.Do(func() {
		s.err = err
		s.hub.detach(s.id)
		close(s.done)
		closed = true
	})
	return closed
}

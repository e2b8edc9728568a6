// Package hub fans live mission events out to in-process subscribers.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/logging"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

var (
	// ErrOverflow is reported by a subscription dropped because its buffer filled.
	ErrOverflow = errors.New("hub: subscriber buffer overflow")
	// ErrMissionClosed is reported after the mission reached a terminal status.
	ErrMissionClosed = errors.New("hub: mission closed")
	// ErrUnsubscribed is reported after the consumer closed its subscription.
	ErrUnsubscribed = errors.New("hub: unsubscribed")
)

// Forwarder receives every published event, after local subscribers.
type Forwarder interface {
	ForwardEvent(event events.Event)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(events.Event)

// ForwardEvent implements Forwarder.
func (f ForwarderFunc) ForwardEvent(e events.Event) { f(e) }

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = logging.Component(l, "hub") }
}

// WithOverflowHook registers a callback invoked whenever a subscriber is dropped.
func WithOverflowHook(fn func(missionID string)) Option {
	return func(h *Hub) { h.onOverflow = fn }
}

// Hub delivers each published event to every current subscriber of its
// mission. Publish never blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]map[*Subscription]struct{}
	forwarders []Forwarder
	bufferSize int
	logger     *slog.Logger
	onOverflow func(missionID string)

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
		logger:     logging.Component(nil, "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddForwarder registers a Forwarder to receive all events.
func (h *Hub) AddForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarders = append(h.forwarders, f)
	h.mu.Unlock()
}

// Subscribe registers a live subscriber for missionID. Every event published
// after Subscribe returns is delivered unless the subscriber overflows.
func (h *Hub) Subscribe(missionID string) *Subscription {
	sub := &Subscription{
		missionID: missionID,
		ch:        make(chan events.Event, h.bufferSize),
		hub:       h,
	}
	h.mu.Lock()
	set, ok := h.subs[missionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[missionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers event to the mission's subscribers in call order.
func (h *Hub) Publish(event events.Event) {
	var overflowed []*Subscription

	h.mu.Lock()
	for sub := range h.subs[event.MissionID] {
		select {
		case sub.ch <- event:
		default:
			h.removeLocked(sub, ErrOverflow)
			overflowed = append(overflowed, sub)
		}
	}
	forwarders := h.forwarders
	h.mu.Unlock()

	h.published.Add(1)

	for _, sub := range overflowed {
		h.dropped.Add(1)
		h.logger.Warn("dropping slow subscriber",
			slog.String("mission_id", sub.missionID),
			slog.Int64("sequence", event.Sequence),
		)
		if h.onOverflow != nil {
			h.onOverflow(sub.missionID)
		}
	}

	for _, f := range forwarders {
		f.ForwardEvent(event)
	}
}

// CloseMission ends every subscription of missionID with ErrMissionClosed.
func (h *Hub) CloseMission(missionID string) {
	h.mu.Lock()
	for sub := range h.subs[missionID] {
		h.removeLocked(sub, ErrMissionClosed)
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers of missionID.
func (h *Hub) SubscriberCount(missionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[missionID])
}

// Stats returns totals since the hub was created.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}

// removeLocked detaches sub and closes its channel. h.mu must be held.
func (h *Hub) removeLocked(sub *Subscription, reason error) {
	set, ok := h.subs[sub.missionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.missionID)
	}
	sub.err = reason
	close(sub.ch)
}

// Subscription is one consumer's view of a mission's live events.
type Subscription struct {
	missionID string
	ch        chan events.Event
	hub       *Hub
	err       error // guarded by hub.mu
}

// MissionID returns the subscribed mission.
func (s *Subscription) MissionID() string {
	return s.missionID
}

// Events returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.removeLocked(s, ErrUnsubscribed)
	s.hub.mu.Unlock()
}

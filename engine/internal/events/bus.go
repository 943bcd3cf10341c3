package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"servo/engine/internal/telemetry/metrics"
	"servo/engine/internal/telemetry/tracing"
)

// Well-known event types emitted by the managers and the orchestrator.
// Command workers additionally emit "<kind>_completed" / "<kind>_error".
const (
	TypeStateChanged   = "state_changed"
	TypeModuleStatus   = "module_status"
	TypeEmergencyStop  = "emergency_stop"
	TypeSystemWarning  = "system_warning"
	TypeTTSCompleted   = "tts_completed"
	TypeTTSError       = "tts_error"
	TypeASRCompleted   = "asr_completed"
	TypeASRError       = "asr_error"
	TypeVolumeChanged  = "volume_changed"
	TypeMotionStarted  = "motion_started"
	TypeFusionEstimate = "fusion_estimate"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Event is an immutable, timestamped notification. Payload contents are
// value-typed; emitters must not retain or mutate the map after publishing.
type Event struct {
	Type        string         `json:"type"`
	Time        time.Time      `json:"time"`
	Source      string         `json:"source,omitempty"`
	Target      string         `json:"target,omitempty"`
	Correlation string         `json:"correlation,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Subscription is a handle to a registered subscriber.
type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

// BusStats aggregates publish/drop accounting.
type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the in-process publish/subscribe fabric for cross-module
// notifications. Publish never blocks: a subscriber whose buffer is full has
// its oldest pending event dropped so emergency paths always make progress.
type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int, types ...string) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

// NewBus creates a bus instrumented through provider (nil provider is valid).
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "events", Name: "published_total", Help: "Total events published"}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "events", Name: "dropped_total", Help: "Events dropped due to subscriber backlog", Labels: []string{"subscriber"}}})
	}
	return b
}

type eventBus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

type subscriber struct {
	id      int64
	idLabel string
	types   map[string]struct{} // nil => wildcard
	mu      sync.Mutex          // serializes delivery so drop-oldest keeps order
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
	bus     *eventBus
}

func (b *eventBus) Publish(ev Event) error {
	if ev.Type == "" {
		return errors.New("event missing type")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		if !s.wants(ev.Type) {
			continue
		}
		s.deliver(ev)
	}
	return nil
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" {
		if traceID, _ := tracing.ExtractIDs(ctx); traceID != "" {
			ev.TraceID = traceID
		}
	}
	return b.Publish(ev)
}

func (s *subscriber) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// deliver enqueues ev, evicting the oldest pending event when the buffer is
// full. The per-subscriber lock keeps eviction and enqueue atomic so delivery
// order stays a subsequence of emission order.
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			s.bus.dropped.Add(1)
			if s.bus.mDropped != nil {
				s.bus.mDropped.Inc(1, s.idLabel)
			}
		default:
		}
	}
}

// Subscribe registers a subscriber for the given event types; no types (or
// the Wildcard) subscribes to everything. Buffer defaults to 64.
func (b *eventBus) Subscribe(buffer int, types ...string) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	var set map[string]struct{}
	for _, t := range types {
		if t == Wildcard {
			set = nil
			break
		}
		if set == nil {
			set = make(map[string]struct{}, len(types))
		}
		set[t] = struct{}{}
	}
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &subscriber{id: id, idLabel: strconv.FormatInt(id, 10), types: set, ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	id := sub.ID()
	b.mu.Lock()
	s := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
	return nil
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(b.subs)),
	}
	for id, s := range b.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }

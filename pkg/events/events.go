// Package events delivers change notifications for committed graph
// mutations.
//
// Publishing never blocks the write path: each subscriber owns a bounded
// queue drained by its own goroutine. A failing handler is retried with
// exponential backoff up to a bounded number of attempts, giving
// at-least-once delivery for handlers that recover. A full queue drops the
// event and increments the subscriber's drop counter rather than stalling
// commits.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/graph"
)

// Type classifies a change event.
type Type string

const (
	NodeCreated          Type = "node.created"
	NodeUpdated          Type = "node.updated"
	NodeDeleted          Type = "node.deleted"
	EdgeCreated          Type = "edge.created"
	EdgeDeleted          Type = "edge.deleted"
	PromptSubmitted      Type = "prompt.submitted"
	ResponseGenerated    Type = "response.generated"
	ToolInvoked          Type = "tool.invoked"
	AgentStatusChanged   Type = "agent.status_changed"
	AgentHandoff         Type = "agent.handoff"
	TemplateInstantiated Type = "template.instantiated"
	SessionArchived      Type = "session.archived"
	SessionRestored      Type = "session.restored"
	MigrationApplied     Type = "migration.applied"
)

// Event is one committed change. Detail carries type-specific context such
// as the old and new agent status.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	At        time.Time         `json:"at"`
	NodeID    graph.NodeID      `json:"nodeId,omitempty"`
	EdgeID    graph.EdgeID      `json:"edgeId,omitempty"`
	SessionID graph.NodeID      `json:"sessionId,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC()}
}

// Handler consumes delivered events. A non-nil error triggers a retry.
type Handler func(ctx context.Context, ev Event) error

// SubscriberStats reports one subscription's delivery counters.
type SubscriberStats struct {
	Delivered int64
	Retried   int64
	Dropped   int64
	Failed    int64
}

type subscriber struct {
	id      string
	types   map[Type]struct{} // nil means all types
	handler Handler
	queue   chan Event
	done    chan struct{}

	delivered atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func (s *subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// BusConfig tunes the bus.
type BusConfig struct {
	// QueueSize bounds each subscriber's backlog. Default 256.
	QueueSize int
	// MaxRetries bounds delivery attempts per event beyond the first.
	// Default 5.
	MaxRetries uint64
	// InitialBackoff is the first retry delay. Default 50ms.
	InitialBackoff time.Duration
}

func (c BusConfig) withDefaults() BusConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	return c
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	config BusConfig
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	published atomic.Int64
}

// NewBus starts an event bus. Close it to stop delivery goroutines.
func NewBus(cfg BusConfig, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[string]*subscriber),
		config: cfg.withDefaults(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler. An empty types list receives everything.
// Returns the subscription ID for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		queue:   make(chan Event, b.config.QueueSize),
		done:    make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(sub)
	return sub.id
}

// Unsubscribe removes a subscription and stops its delivery goroutine after
// the queue drains.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish enqueues an event for every interested subscriber without
// blocking. Events offered to a full queue are dropped and counted.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			sub.dropped.Add(1)
			b.log.Warn("event dropped, subscriber queue full",
				zap.String("subscriber", sub.id),
				zap.String("type", string(ev.Type)))
		}
	}
}

func (b *Bus) deliverLoop(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.queue:
			b.deliver(sub, ev)
		case <-sub.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-sub.queue:
					b.deliver(sub, ev)
				default:
					return
				}
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(b.config.InitialBackoff),
			backoff.WithMaxInterval(2*time.Second),
		),
		b.config.MaxRetries,
	), b.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			sub.retried.Add(1)
		}
		return sub.handler(b.ctx, ev)
	}, bo)

	if err != nil {
		sub.failed.Add(1)
		b.log.Error("event delivery failed after retries",
			zap.String("subscriber", sub.id),
			zap.String("event", ev.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}
	sub.delivered.Add(1)
}

// Stats reports counters for one subscription.
func (b *Bus) Stats(id string) (SubscriberStats, bool) {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return SubscriberStats{}, false
	}
	return SubscriberStats{
		Delivered: sub.delivered.Load(),
		Retried:   sub.retried.Load(),
		Dropped:   sub.dropped.Load(),
		Failed:    sub.failed.Load(),
	}, true
}

// Published returns the total number of events offered to the bus.
func (b *Bus) Published() int64 { return b.published.Load() }

// Close stops delivery. Queued events not yet handled are discarded.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

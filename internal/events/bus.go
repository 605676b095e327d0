// Package events fans loop and story transitions out to subscribers.
//
// Delivery is at-most-once and never blocks the publisher: a subscriber whose buffer is full
// misses the event and its drop counter is incremented. Subscribers attach to one loop id or
// to Wildcard for every loop.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/pkg/models"
)

// Wildcard subscribes to events of every loop.
const Wildcard = "*"

// Bus is the process-wide publish point for loop events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewBus returns a bus whose subscriptions buffer up to buffer events (models.DefaultEventBuffer if <= 0).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = models.DefaultEventBuffer
	}
	return &Bus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription receives events on C until Unsubscribe, which closes C.
type Subscription struct {
	C       <-chan models.LoopEvent
	ch      chan models.LoopEvent
	key     string
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe attaches to loopID (or Wildcard). An empty loopID means Wildcard.
func (b *Bus) Subscribe(loopID string) *Subscription {
	if loopID == "" {
		loopID = Wildcard
	}
	ch := make(chan models.LoopEvent, b.buffer)
	sub := &Subscription{C: ch, ch: ch, key: loopID, bus: b}
	b.mu.Lock()
	set, ok := b.subs[loopID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[loopID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes C. Safe to call more than once and concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if set, ok := b.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.key)
			}
		}
		close(s.ch)
		b.mu.Unlock()
	})
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// LoopID returns the loop the subscription is attached to, or Wildcard.
func (s *Subscription) LoopID() string { return s.key }

// Publish delivers ev to the loop's subscribers and the wildcard subscribers.
func (b *Bus) Publish(ev models.LoopEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ctx := context.Background()
	otel.RecordBusEvent(ctx, ev.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(ctx, b.subs[ev.LoopID], ev)
	if ev.LoopID != Wildcard {
		b.deliver(ctx, b.subs[Wildcard], ev)
	}
}

func (b *Bus) deliver(ctx context.Context, set map[*Subscription]struct{}, ev models.LoopEvent) {
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			otel.RecordBusDrop(ctx)
		}
	}
}

// Dropped returns the total number of dropped deliveries across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the number of live subscriptions for loopID (Wildcard counts wildcard ones).
func (b *Bus) Subscribers(loopID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[loopID])
}

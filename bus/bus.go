// Package bus is an in-process publish/subscribe channel for notifications
// that are not addressed packets: UI updates, monitoring and self-healing
// signals.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known signal types.
const (
	TypeHeal        = "system.heal"
	TypeReclaim     = "system.reclaim"
	TypeOrganDead   = "organ.dead"
	TypeOrganUndo   = "organ.undo"
	TypeOrganError  = "organ.error"
	TypeOverload    = "organ.overload"
	TypeDropped     = "packet.dropped"
	TypeLevitated   = "packet.levitated"
	TypeHomeostasis = "homeostasis.sweep"
)

// Signal is one published notification.
type Signal struct {
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	ch    chan Signal
	types map[string]struct{}
}

func (s *subscriber) wants(signalType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[signalType]
	return ok
}

// Bus fans signals out to subscribers without ever blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	buffer      int
	closed      bool
	done        chan struct{}
	watchers    sync.WaitGroup

	dropped atomic.Uint64
	onDrop  func(Signal)
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHandler is called for every delivery skipped because a
// subscriber's buffer was full.
func WithDropHandler(fn func(Signal)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a bus whose subscriptions buffer up to buffer signals each.
func New(buffer int, opts ...Option) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	b := &Bus{
		subscribers: make(map[uint64]*subscriber),
		buffer:      buffer,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving signals of the given types, or all
// signals when no type is given. The channel is closed when ctx is done or
// the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, types ...string) <-chan Signal {
	sub := &subscriber{
		ch:    make(chan Signal, b.buffer),
		types: make(map[string]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = sub
	b.watchers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}()

	return sub.ch
}

// Publish delivers sig to every interested subscriber. Slow subscribers
// miss the signal.
func (b *Bus) Publish(sig Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !sub.wants(sig.Type) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sig)
			}
		}
	}
}

// Emit is shorthand for publishing a signal built from its parts.
func (b *Bus) Emit(source, signalType string, payload map[string]any) {
	b.Publish(Signal{Source: source, Type: signalType, Payload: payload})
}

// Dropped returns the number of deliveries skipped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscription; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

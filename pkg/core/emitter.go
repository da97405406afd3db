package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEmitterClosed is returned by Once when the emitter shuts down first.
var ErrEmitterClosed = errors.New("emitter closed")

// DefaultBuffer is the per-subscriber queue depth used when callers pass 0.
const DefaultBuffer = 16

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Emitter broadcasts events to subscribers. Emit never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber only.
type Emitter struct {
	logger  Logger
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// Subscription receives events from an Emitter.
type Subscription struct {
	ch    chan Event
	names map[string]struct{}
}

// C returns the delivery channel. It is closed on Unsubscribe or when the
// emitter closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

func NewEmitter(logger Logger) *Emitter {
	return &Emitter{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener for the named events, or all events when
// names is empty. Subscribing to a closed emitter yields a closed channel.
func (e *Emitter) Subscribe(buffer int, names ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(sub.ch)
		return sub
	}
	e.subs[sub] = struct{}{}
	return sub
}

func (e *Emitter) Unsubscribe(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[sub]; ok {
		delete(e.subs, sub)
		close(sub.ch)
	}
}

// Emit delivers ev to every interested subscriber and reports how many
// received it.
func (e *Emitter) Emit(ev Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delivered := 0
	for sub := range e.subs {
		if !sub.wants(ev.Name) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			e.dropped.Add(1)
			if e.logger != nil {
				e.logger.Printf("dropping %s event from %s for slow subscriber", ev.Name, ev.Source)
			}
		}
	}
	return delivered
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close closes every subscription. Later emits are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for sub := range e.subs {
		close(sub.ch)
	}
	e.subs = make(map[*Subscription]struct{})
}

// Once waits for the next event called name.
func (e *Emitter) Once(ctx context.Context, name string) (Event, error) {
	sub := e.Subscribe(1, name)
	defer e.Unsubscribe(sub)
	select {
	case ev, ok := <-sub.C():
		if !ok {
			return Event{}, ErrEmitterClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

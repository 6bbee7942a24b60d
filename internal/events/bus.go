// Package events implements the typed on/off/once publish-subscribe bus shared by the
// sandbox host and the plugin capability bridge.
//
// Emit is synchronous and iterates over a snapshot of the subscriber list taken when
// the emission starts, so handlers may subscribe, unsubscribe or emit re-entrantly
// without corrupting delivery.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

// Listener is a registration returned by On and Once. Keep it to call Off.
type Listener struct {
	id      uint64
	typ     Type
	handler Handler
	once    bool

	// Tag carries an optional identity used by Match, e.g. the JS function a
	// bridge listener wraps.
	Tag any

	fired   atomic.Bool
	removed atomic.Bool
}

// Type returns the event type the listener is registered for.
func (l *Listener) Type() Type { return l.typ }

// Once reports whether the listener unregisters after its first delivery.
func (l *Listener) Once() bool { return l.once }

// Bus is a typed event emitter. The zero value is not usable; call NewBus.
type Bus struct {
	mu        sync.Mutex
	listeners map[Type][]*Listener
	nextID    uint64
	logger    *zap.Logger
}

// NewBus creates an empty bus. A nil logger discards handler panics silently.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[Type][]*Listener),
		logger:    logger,
	}
}

// On registers handler for t.
func (b *Bus) On(t Type, handler Handler) *Listener {
	return b.add(t, handler, false, nil)
}

// Once registers handler for a single delivery of t.
func (b *Bus) Once(t Type, handler Handler) *Listener {
	return b.add(t, handler, true, nil)
}

// OnTagged registers handler with an identity tag for later lookup via Match.
func (b *Bus) OnTagged(t Type, tag any, once bool, handler Handler) *Listener {
	return b.add(t, handler, once, tag)
}

func (b *Bus) add(t Type, handler Handler, once bool, tag any) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	l := &Listener{
		id:      b.nextID,
		typ:     t,
		handler: handler,
		once:    once,
		Tag:     tag,
	}
	b.listeners[t] = append(b.listeners[t], l)
	return l
}

// Off removes l from t. Unknown or nil listeners are ignored.
func (b *Bus) Off(t Type, l *Listener) {
	if l == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(t, l)
}

func (b *Bus) removeLocked(t Type, l *Listener) {
	list := b.listeners[t]
	for i, cur := range list {
		if cur != l {
			continue
		}
		l.removed.Store(true)

		next := make([]*Listener, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, t)
		} else {
			b.listeners[t] = next
		}
		return
	}
}

// Match returns the first listener of t for which pred is true.
func (b *Bus) Match(t Type, pred func(*Listener) bool) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.listeners[t] {
		if pred(l) {
			return l
		}
	}
	return nil
}

// Emit delivers args to the current listeners of t in registration order.
func (b *Bus) Emit(t Type, args ...any) {
	b.mu.Lock()
	snapshot := append([]*Listener(nil), b.listeners[t]...)
	b.mu.Unlock()

	for _, l := range snapshot {
		// A handler earlier in this emission may have called Off.
		if l.removed.Load() {
			continue
		}
		if l.once && !l.fired.CompareAndSwap(false, true) {
			continue
		}

		b.invoke(l, args)

		if l.once {
			b.Off(t, l)
		}
	}
}

func (b *Bus) invoke(l *Listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(l.typ)),
				zap.Any("recover", r),
			)
		}
	}()
	l.handler(args...)
}

// Listeners returns the number of listeners registered for t.
func (b *Bus) Listeners(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}

// Clear removes every listener.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range b.listeners {
		for _, l := range list {
			l.removed.Store(true)
		}
	}
	b.listeners = make(map[Type][]*Listener)
}

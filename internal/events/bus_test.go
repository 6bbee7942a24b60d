package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.On(Message, func(args ...any) { got = append(got, "first") })
	bus.On(Message, func(args ...any) { got = append(got, "second") })
	bus.On(Select, func(args ...any) { got = append(got, "other type") })

	bus.Emit(Message)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestEmitPassesArguments(t *testing.T) {
	bus := NewBus(nil)

	var got []any
	bus.On(Message, func(args ...any) { got = args })
	bus.Emit(Message, "a", 1.0)

	assert.Equal(t, []any{"a", 1.0}, got)
}

func TestOnceFiresOnce(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	bus.Once(ModalClose, func(args ...any) { count++ })

	bus.Emit(ModalClose)
	bus.Emit(ModalClose)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Listeners(ModalClose))
}

func TestOffUnknownListenerIsNoop(t *testing.T) {
	bus := NewBus(nil)

	l := bus.On(Message, func(args ...any) {})
	other := NewBus(nil).On(Message, func(args ...any) {})

	bus.Off(Message, other)
	bus.Off(Select, l)
	bus.Off(Message, nil)

	assert.Equal(t, 1, bus.Listeners(Message))
}

func TestEmitUnregisteredTypeIsSilent(t *testing.T) {
	bus := NewBus(nil)
	assert.NotPanics(t, func() { bus.Emit(Type("unknown-future-event"), 1) })
}

func TestReentrantEmitUsesSnapshot(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	depth := 0
	bus.On(Message, func(args ...any) {
		got = append(got, "outer")
		if depth == 0 {
			depth++
			// Added during emission: must not see the in-progress emission.
			bus.On(Message, func(args ...any) { got = append(got, "late") })
			bus.Emit(Message)
		}
	})

	bus.Emit(Message)

	// Outer emission: outer (re-enters: outer, late). Late is not in the outer snapshot.
	assert.Equal(t, []string{"outer", "outer", "late"}, got)
}

func TestOnceRemovalDeferredUntilHandlerReturns(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	var seenDuringRun int
	bus.Once(Message, func(args ...any) {
		calls++
		seenDuringRun = bus.Listeners(Message)
		bus.Emit(Message)
	})

	bus.Emit(Message)

	assert.Equal(t, 1, calls, "re-entrant emission must not fire a once listener twice")
	assert.Equal(t, 1, seenDuringRun, "once listener stays registered while it runs")
	assert.Equal(t, 0, bus.Listeners(Message))
}

func TestOffDuringEmissionSkipsLaterListener(t *testing.T) {
	bus := NewBus(nil)

	var second *Listener
	var got []string
	bus.On(Message, func(args ...any) {
		got = append(got, "first")
		bus.Off(Message, second)
	})
	second = bus.On(Message, func(args ...any) { got = append(got, "second") })

	bus.Emit(Message)

	assert.Equal(t, []string{"first"}, got)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.On(Message, func(args ...any) { panic("boom") })
	bus.On(Message, func(args ...any) { delivered = true })

	require.NotPanics(t, func() { bus.Emit(Message) })
	assert.True(t, delivered)
}

func TestMatchByTag(t *testing.T) {
	bus := NewBus(nil)

	bus.OnTagged(Select, "a", false, func(args ...any) {})
	b := bus.OnTagged(Select, "b", true, func(args ...any) {})

	found := bus.Match(Select, func(l *Listener) bool { return l.Tag == "b" })
	assert.Same(t, b, found)
	assert.True(t, found.Once())
	assert.Nil(t, bus.Match(Select, func(l *Listener) bool { return l.Tag == "c" }))
}

func TestClear(t *testing.T) {
	bus := NewBus(nil)

	called := false
	bus.On(Message, func(args ...any) { called = true })
	bus.Clear()
	bus.Emit(Message)

	assert.False(t, called)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(RectSelectEnd))
	assert.False(t, Known(Type("nope")))
}

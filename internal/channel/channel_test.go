package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) add(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func TestFIFOPerDirection(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New()
	toSandbox, toHost := &recorder{}, &recorder{}
	c.Start(toSandbox.add, toHost.add)

	for i := 0; i < 50; i++ {
		require.NoError(t, c.SendToSandbox(float64(i)))
		require.NoError(t, c.SendToHost(map[string]any{"n": i}))
	}

	require.Eventually(t, func() bool {
		return len(toSandbox.snapshot()) == 50 && len(toHost.snapshot()) == 50
	}, time.Second, 5*time.Millisecond)

	for i, msg := range toSandbox.snapshot() {
		assert.Equal(t, float64(i), msg)
	}
	for i, msg := range toHost.snapshot() {
		assert.Equal(t, map[string]any{"n": float64(i)}, msg)
	}

	c.Close()
	c.Wait()
}

func TestSendAfterCloseFails(t *testing.T) {
	c := New()
	c.Start(nil, nil)
	c.Close()
	c.Wait()

	assert.ErrorIs(t, c.SendToSandbox("late"), ErrClosed)
	assert.ErrorIs(t, c.SendToHost("late"), ErrClosed)
	assert.True(t, c.Closed())
}

func TestCloseDropsQueuedMessages(t *testing.T) {
	c := New()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.SendToHost(i))
	}
	assert.Equal(t, 10, c.Pending(ToHost))

	c.Close()
	assert.Equal(t, 0, c.Pending(ToHost))

	got := &recorder{}
	c.Start(nil, got.add)
	c.Wait()
	assert.Empty(t, got.snapshot())
}

func TestNoDeliveryAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New()
	got := &recorder{}
	block := make(chan struct{})
	first := make(chan struct{})
	c.Start(nil, func(msg any) {
		got.add(msg)
		if msg == "first" {
			close(first)
			<-block
		}
	})

	require.NoError(t, c.SendToHost("first"))
	<-first
	require.NoError(t, c.SendToHost("second"))

	c.Close()
	close(block)
	c.Wait()

	assert.Equal(t, []any{"first"}, got.snapshot())
}

func TestRejectsNonJSONMessages(t *testing.T) {
	c := New()
	defer c.Close()

	err := c.SendToSandbox(map[string]any{"fn": func() {}})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Pending(ToSandbox))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New()
	c.Close()
	assert.NotPanics(t, c.Close)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

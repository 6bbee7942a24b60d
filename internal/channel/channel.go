// Package channel carries messages across the sandbox boundary.
//
// A Channel has two independent FIFO directions, host→sandbox and sandbox→host, each
// drained by its own pump goroutine. Sends never block the caller. Close stops
// delivery in both directions: queued messages are dropped and the closed flag is
// re-checked right before every handler call, so nothing sent to a torn-down channel
// can reach a later one.
package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("channel is closed")

// Direction identifies one side of a channel.
type Direction string

const (
	ToSandbox Direction = "to_sandbox"
	ToHost    Direction = "to_host"
)

// Channel is the per-load transport between a sandbox realm and its host.
type Channel struct {
	id     id.ChannelID
	closed atomic.Bool
	done   chan struct{}

	toSandbox *pipe
	toHost    *pipe

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a channel. Nothing is delivered until Start.
func New() *Channel {
	c := &Channel{
		id:   id.NewChannelID(),
		done: make(chan struct{}),
	}
	c.toSandbox = newPipe(c)
	c.toHost = newPipe(c)
	return c
}

// ID returns the channel identifier.
func (c *Channel) ID() id.ChannelID { return c.id }

// Start begins delivery. toSandbox receives host→sandbox messages, toHost receives
// sandbox→host messages, each strictly in send order. Start is effective once.
func (c *Channel) Start(toSandbox, toHost func(msg any)) {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.toSandbox.run(toSandbox)
		go c.toHost.run(toHost)
	})
}

// SendToSandbox queues a host→sandbox message.
func (c *Channel) SendToSandbox(msg any) error {
	return c.toSandbox.push(msg)
}

// SendToHost queues a sandbox→host message.
func (c *Channel) SendToHost(msg any) error {
	return c.toHost.push(msg)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Pending returns the number of queued, undelivered messages in d.
func (c *Channel) Pending(d Direction) int {
	if d == ToSandbox {
		return c.toSandbox.len()
	}
	return c.toHost.len()
}

// Close stops delivery and drops queued messages. It is idempotent and does not wait
// for a handler that is already running.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.toSandbox.drop()
		c.toHost.drop()
	})
}

// Wait blocks until both pumps have exited. Only valid after Start and Close.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// pipe is an unbounded FIFO drained by a single goroutine.
type pipe struct {
	ch    *Channel
	mu    sync.Mutex
	queue []any
	wake  chan struct{}
}

func newPipe(ch *Channel) *pipe {
	return &pipe{
		ch:   ch,
		wake: make(chan struct{}, 1),
	}
}

func (p *pipe) push(msg any) error {
	if p.ch.closed.Load() {
		return ErrClosed
	}

	normalized, err := jsonx.Normalize(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.ch.closed.Load() {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, normalized)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipe) pop() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, false
	}
	msg := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return msg, true
}

func (p *pipe) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *pipe) drop() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

func (p *pipe) run(deliver func(any)) {
	defer p.ch.wg.Done()

	for {
		for {
			msg, ok := p.pop()
			if !ok {
				break
			}
			if p.ch.closed.Load() {
				return
			}
			if deliver != nil {
				deliver(msg)
			}
		}

		select {
		case <-p.wake:
		case <-p.ch.done:
			return
		}
	}
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var (
	ErrExecTimeout = errors.New("execution timeout exceeded")
	ErrStopped     = errors.New("runtime stopped")
)

// Task is a unit of work run on the loop goroutine with exclusive access to the VM.
type Task func(vm *goja.Runtime) error

// Runtime wraps a goja VM with a single-goroutine event loop and security controls
type Runtime struct {
	vm     *goja.Runtime
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	done    chan struct{}
	stopped bool

	// Interrupt bookkeeping; seq changes whenever a task starts or ends so a late
	// watchdog never interrupts the wrong task.
	seq     uint64
	running bool

	timers    map[int64]*loopTimer
	nextTimer int64

	onError func(error)
	wg      sync.WaitGroup
}

type loopTimer struct {
	id       int64
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
	t        *time.Timer
}

// NewRuntime creates a new sandboxed runtime and starts its loop. onError receives
// failures of tasks submitted without a waiter (timer callbacks, event dispatch).
func NewRuntime(config Config, logger *zap.Logger, onError func(error)) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	vm := goja.New()

	r := &Runtime{
		vm:      vm,
		config:  config,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timers:  make(map[int64]*loopTimer),
		onError: onError,
	}

	if config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(config.MaxCallStackSize)
	}
	r.setupGlobals()

	r.wg.Add(1)
	go r.loop()
	return r
}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() {
	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = r.vm.Set(name, goja.Undefined())
	}

	_ = r.vm.Set("setTimeout", r.makeTimerFunc(false))
	_ = r.vm.Set("setInterval", r.makeTimerFunc(true))
	_ = r.vm.Set("clearTimeout", r.clearTimer)
	_ = r.vm.Set("clearInterval", r.clearTimer)
}

// Submit queues a task. It reports false once the runtime has stopped.
func (r *Runtime) Submit(task Task) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs task on the loop and waits for it to finish. If ctx ends first the task is
// skipped when still queued, or interrupted when already running.
func (r *Runtime) Do(ctx context.Context, task Task) error {
	var (
		result   = make(chan error, 1)
		abandon  atomic.Bool
		startSeq atomic.Uint64
	)

	// The waiter gets the error, so the loop does not report it again.
	if !r.Submit(func(vm *goja.Runtime) error {
		if abandon.Load() {
			return nil
		}
		startSeq.Store(r.currentSeq())
		if err := ctx.Err(); err != nil {
			result <- err
			return nil
		}
		result <- runGuarded(task, vm)
		return nil
	}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		abandon.Store(true)
		if seq := startSeq.Load(); seq != 0 {
			r.interrupt(seq, ctx.Err())
		}
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Run compiles and executes script on the loop, returning its exported completion value.
func (r *Runtime) Run(ctx context.Context, name, script string) (any, error) {
	prog, err := goja.Compile(name, script, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	var value any
	err = r.Do(ctx, func(vm *goja.Runtime) error {
		val, err := vm.RunProgram(prog)
		if err != nil {
			return err
		}
		value = exportValue(val)
		return nil
	})
	return value, err
}

// Stop ends the loop: the current task is interrupted, queued tasks and timers are
// dropped. Stop is idempotent and does not wait, so tasks may call it.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		r.queue = nil
		for id, t := range r.timers {
			t.t.Stop()
			delete(r.timers, id)
		}
		if r.running {
			r.vm.Interrupt(ErrStopped)
		}
		close(r.done)
	}
	r.mu.Unlock()
}

// Wait blocks until the loop goroutine has exited. Must not be called from a task.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Done is closed when the runtime stops.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Timers returns the number of pending timers.
func (r *Runtime) Timers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Runtime) loop() {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			select {
			case <-r.wake:
				continue
			case <-r.done:
				return
			}
		}
		task := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.exec(task); err != nil && r.onError != nil && !errors.Is(err, ErrStopped) {
			r.onError(err)
		}
	}
}

// exec runs one task under the execution watchdog.
func (r *Runtime) exec(task Task) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.seq++
	seq := r.seq
	r.running = true
	r.mu.Unlock()

	var watchdog *time.Timer
	if r.config.ExecTimeout > 0 {
		watchdog = time.AfterFunc(r.config.ExecTimeout, func() {
			r.interrupt(seq, ErrExecTimeout)
		})
	}

	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
		r.mu.Lock()
		r.running = false
		r.seq++
		r.vm.ClearInterrupt()
		r.mu.Unlock()
	}()

	return runGuarded(task, r.vm)
}

func runGuarded(task Task, vm *goja.Runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sandbox task panicked: %v", p)
		}
		err = unwrapInterrupt(err)
	}()
	return task(vm)
}

func (r *Runtime) currentSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// interrupt stops the task identified by seq if it is still the one running.
func (r *Runtime) interrupt(seq uint64, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.seq == seq {
		r.vm.Interrupt(reason)
	}
}

// makeTimerFunc creates setTimeout or setInterval
func (r *Runtime) makeTimerFunc(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("timer callback must be a function"))
		}

		ms := call.Argument(1).ToFloat()
		if math.IsNaN(ms) || ms < 0 {
			ms = 0
		}
		delay := time.Duration(ms * float64(time.Millisecond))
		// Repeating zero-delay intervals would starve the loop.
		if repeat && delay < time.Millisecond {
			delay = time.Millisecond
		}

		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		r.mu.Lock()
		r.nextTimer++
		t := &loopTimer{id: r.nextTimer, fn: fn, args: args, interval: delay, repeat: repeat}
		r.timers[t.id] = t
		t.t = time.AfterFunc(delay, func() { r.fire(t) })
		r.mu.Unlock()

		return r.vm.ToValue(t.id)
	}
}

func (r *Runtime) fire(t *loopTimer) {
	r.Submit(func(vm *goja.Runtime) error {
		r.mu.Lock()
		if _, live := r.timers[t.id]; !live {
			r.mu.Unlock()
			return nil
		}
		if !t.repeat {
			delete(r.timers, t.id)
		}
		r.mu.Unlock()

		_, err := t.fn(goja.Undefined(), t.args...)

		if t.repeat {
			r.mu.Lock()
			if _, live := r.timers[t.id]; live {
				t.t.Reset(t.interval)
			}
			r.mu.Unlock()
		}
		return err
	})
}

func (r *Runtime) clearTimer(call goja.FunctionCall) goja.Value {
	timerID := call.Argument(0).ToInteger()

	r.mu.Lock()
	if t, ok := r.timers[timerID]; ok {
		t.t.Stop()
		delete(r.timers, timerID)
	}
	r.mu.Unlock()

	return goja.Undefined()
}

// exportValue converts goja value to Go value
func exportValue(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

// unwrapInterrupt maps goja interrupts back to the reason they were raised with.
func unwrapInterrupt(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(error); ok {
			return reason
		}
	}
	return err
}

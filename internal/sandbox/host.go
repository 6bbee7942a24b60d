package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/bridge"
	"github.com/GriffinCanCode/scenehost/internal/channel"
	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// EventShow is emitted when the plugin asks to be shown. Visibility itself stays
// under host control.
const EventShow events.Type = "show"

// FrameEvents are the host events an embedder relays to the page showing the frame.
var FrameEvents = []events.Type{
	EventMessage, EventLoad, EventError, EventRender, EventResize,
	EventVisible, EventState, EventClose, EventConsole, EventShow,
}

// Options configures a Host
type Options struct {
	Config   Config
	Meta     bridge.Meta // InstanceID is always the host id
	Fetcher  Fetcher
	Services Services
	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
}

// Host owns the sandbox lifecycle of one plugin instance.
type Host struct {
	id      string
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics
	bus     *events.Bus
	policy  *bluemonday.Policy

	// overrideMu orders a realm's override writes against its disposal, so a
	// detached realm can never leave a patch behind.
	overrideMu sync.Mutex

	mu         sync.Mutex
	state      State
	visible    bool
	autoResize AutoResize
	size       Size
	html       string
	err        error
	source     Source
	gen        uint64
	realm      *realm
	cancelLoad context.CancelFunc
	ready      chan struct{}
	console    []LogEntry
}

// realm is everything created for one load. Nothing in it outlives the load.
type realm struct {
	rt  *Runtime
	ch  *channel.Channel
	api *bridge.API
}

// NewHost creates an unloaded host.
func NewHost(id string, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	opts.Meta.InstanceID = id

	logger := opts.Logger.Named("sandbox").With(zap.String("instance_id", id))
	h := &Host{
		id:         id,
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
		bus:        events.NewBus(logger),
		autoResize: AutoResizeOff,
		ready:      make(chan struct{}),
	}
	if opts.Config.SanitizeHTML {
		h.policy = bluemonday.UGCPolicy()
	}
	return h
}

// ID returns the instance id.
func (h *Host) ID() string { return h.id }

// Load (re)creates the sandbox from src. It returns immediately; the outcome is
// reported through load and error events and WaitReady.
func (h *Host) Load(src Source, visible bool, mode AutoResize) {
	h.mu.Lock()
	if h.state == StateTornDown {
		h.mu.Unlock()
		h.logger.Warn("Load called after teardown")
		return
	}

	old := h.detachLocked()
	h.gen++
	gen := h.gen

	visibleChanged := h.visible != visible
	h.source = src
	h.visible = visible
	h.autoResize = mode
	h.size = Size{}
	h.html = ""
	h.err = nil

	next := StateLoading
	if h.state == StateReady || h.state == StateReloading {
		next = StateReloading
	}
	h.state = next
	h.resetReadyLocked()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout := h.opts.Config.LoadTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	h.cancelLoad = cancel
	h.mu.Unlock()

	h.dispose(old)

	h.logger.Info("Loading plugin",
		zap.String("source", src.Kind()),
		zap.String("state", next.String()),
		zap.Uint64("generation", gen),
	)
	h.bus.Emit(EventState, next)
	if visibleChanged {
		h.bus.Emit(EventVisible, visible)
	}

	go h.load(ctx, cancel, gen, src)
}

func (h *Host) load(ctx context.Context, cancel context.CancelFunc, gen uint64, src Source) {
	defer cancel()
	start := time.Now()

	code, err := h.resolve(ctx, src)
	if err != nil {
		h.fail(gen, src, err, start)
		return
	}

	r := h.newRealm()

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		h.dispose(r)
		return
	}
	// Current before the script runs so init-time messages are attributed to it.
	h.realm = r
	h.mu.Unlock()

	if err := r.rt.Do(ctx, func(vm *goja.Runtime) error {
		return r.api.Install(vm, h.opts.Meta)
	}); err != nil {
		h.fail(gen, src, fmt.Errorf("install bridge: %w", err), start)
		return
	}

	if _, err := r.rt.Run(ctx, src.scriptName(), code); err != nil {
		h.fail(gen, src, err, start)
		return
	}

	// Host messages posted during init were queued; deliver them now that the
	// script had a chance to subscribe.
	r.ch.Start(h.toSandbox(r), h.toHost(r))

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.state = StateReady
	h.cancelLoad = nil
	h.mu.Unlock()

	h.metrics.RecordLoad(src.Kind(), true, time.Since(start))
	h.logger.Info("Plugin ready", zap.Duration("duration", time.Since(start)))
	h.bus.Emit(EventState, StateReady)
	h.bus.Emit(EventLoad)
	h.signalReady(gen)
}

func (h *Host) resolve(ctx context.Context, src Source) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}
	if src.Code != "" {
		return src.Code, nil
	}
	if h.opts.Fetcher == nil {
		return "", ErrNoFetcher
	}
	return h.opts.Fetcher.Fetch(ctx, src.URL)
}

func (h *Host) fail(gen uint64, src Source, err error, start time.Time) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	old := h.detachLocked()
	loadErr := &LoadError{InstanceID: h.id, Source: src.Kind(), Err: err}
	h.err = loadErr
	h.state = StateError
	h.mu.Unlock()

	h.dispose(old)

	h.metrics.RecordLoad(src.Kind(), false, time.Since(start))
	h.logger.Error("Plugin load failed", zap.Error(err))
	h.bus.Emit(EventState, StateError)
	h.bus.Emit(EventError, loadErr)
	h.signalReady(gen)
}

// signalReady releases WaitReady callers once the outcome events of load gen have
// been emitted. A superseded load signals nothing.
func (h *Host) signalReady(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen == gen {
		h.closeReadyLocked()
	}
}

func (h *Host) closeReadyLocked() {
	select {
	case <-h.ready:
	default:
		close(h.ready)
	}
}

func (h *Host) newRealm() *realm {
	r := &realm{ch: channel.New()}
	r.rt = NewRuntime(h.opts.Config, h.logger, func(err error) {
		h.logger.Warn("Uncaught plugin error", zap.Error(err))
		h.appendConsole("error", err.Error())
	})
	r.api = bridge.Build(h.callbacks(r), h.logger.Named("bridge"))
	return r
}

// detachLocked forgets the current realm and cancels an in-flight load.
func (h *Host) detachLocked() *realm {
	old := h.realm
	h.realm = nil
	if h.cancelLoad != nil {
		h.cancelLoad()
		h.cancelLoad = nil
	}
	return old
}

// dispose closes everything a realm owns and retracts the instance's override.
// It never waits for the realm's goroutines, so it is safe from inside a handler.
func (h *Host) dispose(r *realm) {
	if r == nil {
		return
	}
	r.ch.Close()
	r.api.Revoke()
	r.rt.Stop()

	if s := h.opts.Services; s != nil {
		h.overrideMu.Lock()
		err := s.OverrideProperty(h.id, nil)
		h.overrideMu.Unlock()
		if err != nil {
			h.logger.Warn("Failed to retract override", zap.Error(err))
		}
	}
}

func (h *Host) resetReadyLocked() {
	select {
	case <-h.ready:
		h.ready = make(chan struct{})
	default:
	}
}

func (h *Host) isCurrent(r *realm) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.realm == r && !r.ch.Closed()
}

// live returns the current realm.
func (h *Host) live() (*realm, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTornDown {
		return nil, ErrTornDown
	}
	if h.realm == nil {
		return nil, ErrNotReady
	}
	return h.realm, nil
}

// toSandbox delivers host messages to plugin.on("message") handlers.
func (h *Host) toSandbox(r *realm) func(any) {
	return func(msg any) {
		r.rt.Submit(func(*goja.Runtime) error {
			r.api.Emit(events.Message, msg)
			return nil
		})
	}
}

// toHost handles messages from the plugin, applying auto-resize reports.
func (h *Host) toHost(r *realm) func(any) {
	return func(msg any) {
		h.mu.Lock()
		if h.realm != r || r.ch.Closed() {
			h.mu.Unlock()
			return
		}
		mode := h.autoResize
		h.mu.Unlock()

		h.metrics.RecordMessage(string(channel.ToHost))

		if mode != AutoResizeOff {
			if report, ok := parseResizeReport(msg); ok {
				h.applyReport(r, report, mode)
				if !h.opts.Config.ForwardResizeReports {
					return
				}
				msg = report.payload
			}
		}
		h.bus.Emit(EventMessage, msg)
	}
}

func (h *Host) applyReport(r *realm, report resizeReport, mode AutoResize) {
	h.mu.Lock()
	if h.realm != r {
		h.mu.Unlock()
		return
	}
	size, _ := report.apply(h.size, mode)
	h.size = size
	h.mu.Unlock()

	h.metrics.IncResizeReports()
	h.bus.Emit(EventResize, size)
}

// callbacks binds the bridge to realm r. Every callback checks that r is still
// current, so a revoked realm can never touch host state.
func (h *Host) callbacks(r *realm) bridge.Callbacks {
	cb := bridge.Callbacks{
		Render: func(html string, opts bridge.RenderOptions) {
			if h.policy != nil {
				html = h.policy.Sanitize(html)
			}
			h.mu.Lock()
			if h.realm != r {
				h.mu.Unlock()
				return
			}
			h.html = html
			h.mu.Unlock()

			h.bus.Emit(EventRender, html)
			if opts.Width != nil || opts.Height != nil {
				h.resize(r, opts.Width, opts.Height)
			}
		},
		PostMessage: r.ch.SendToHost,
		Resize: func(width, height any) {
			h.resize(r, width, height)
		},
		Show: func() {
			if h.isCurrent(r) {
				h.bus.Emit(EventShow)
			}
		},
		Close: func() {
			if h.isCurrent(r) {
				h.bus.Emit(EventClose)
			}
		},
		Log: func(level, msg string) {
			if !h.isCurrent(r) {
				return
			}
			h.logger.Debug("Plugin console", zap.String("level", level), zap.String("message", msg))
			entry := h.appendConsole(level, msg)
			h.bus.Emit(EventConsole, entry)
		},
	}

	if s := h.opts.Services; s != nil {
		cb.OverrideProperty = func(patch any) error {
			h.overrideMu.Lock()
			defer h.overrideMu.Unlock()
			if !h.isCurrent(r) {
				return ErrNotReady
			}
			return s.OverrideProperty(h.id, patch)
		}
		cb.Property = func() map[string]any { return s.Property(h.id) }
		cb.PostPluginMessage = func(target string, msg any) error {
			return s.PostPluginMessage(h.id, target, msg)
		}
		cb.Instances = s.Instances
	}
	return cb
}

// resize applies an explicit size request from the plugin. Both dimensions are
// honoured regardless of the auto-resize mode.
func (h *Host) resize(r *realm, width, height any) {
	w, _ := cssLength(width)
	ht, _ := cssLength(height)

	h.mu.Lock()
	if h.realm != r {
		h.mu.Unlock()
		return
	}
	if w != "" {
		h.size.Width = w
	}
	if ht != "" {
		h.size.Height = ht
	}
	size := h.size
	h.mu.Unlock()

	h.bus.Emit(EventResize, size)
}

func (h *Host) appendConsole(level, msg string) LogEntry {
	entry := LogEntry{Level: level, Message: msg, Time: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.console = append(h.console, entry)
	if limit := h.opts.Config.ConsoleLimit; limit > 0 && len(h.console) > limit {
		h.console = append([]LogEntry(nil), h.console[len(h.console)-limit:]...)
	}
	return entry
}

// SetVisible toggles presentation. The realm keeps running while hidden.
func (h *Host) SetVisible(visible bool) {
	h.mu.Lock()
	if h.state == StateTornDown || h.visible == visible {
		h.mu.Unlock()
		return
	}
	h.visible = visible
	h.mu.Unlock()

	h.bus.Emit(EventVisible, visible)
}

// SetAutoResize changes the auto-resize mode without reloading.
func (h *Host) SetAutoResize(mode AutoResize) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoResize = mode
}

// PostMessage sends msg to the plugin's message handlers. Messages posted while the
// script is still initialising are delivered once it has run.
func (h *Host) PostMessage(msg any) error {
	r, err := h.live()
	if err != nil {
		return err
	}
	if err := r.ch.SendToSandbox(msg); err != nil {
		return err
	}
	h.metrics.RecordMessage(string(channel.ToSandbox))
	return nil
}

// OnMessage subscribes to messages sent by the plugin.
func (h *Host) OnMessage(handler func(msg any)) *events.Listener {
	return h.bus.On(EventMessage, func(args ...any) {
		if len(args) > 0 {
			handler(args[0])
		}
	})
}

// On subscribes to a host event.
func (h *Host) On(t events.Type, handler events.Handler) *events.Listener {
	return h.bus.On(t, handler)
}

// Once subscribes to the next occurrence of a host event.
func (h *Host) Once(t events.Type, handler events.Handler) *events.Listener {
	return h.bus.Once(t, handler)
}

// Off removes a host event subscription.
func (h *Host) Off(t events.Type, l *events.Listener) {
	h.bus.Off(t, l)
}

// DispatchEvent delivers a host-originated event to the plugin's handlers.
func (h *Host) DispatchEvent(t events.Type, args ...any) error {
	r, err := h.live()
	if err != nil {
		return err
	}

	normalized := make([]any, len(args))
	for i, arg := range args {
		if normalized[i], err = jsonx.Normalize(arg); err != nil {
			return fmt.Errorf("event %s argument %d: %w", t, i, err)
		}
	}

	if !r.rt.Submit(func(*goja.Runtime) error {
		r.api.Emit(t, normalized...)
		return nil
	}) {
		return ErrNotReady
	}
	return nil
}

// EvalCode runs code in the live realm's global scope, bypassing the channel. It
// exists for tests that simulate plugin behaviour and is off unless EnableEval is set.
func (h *Host) EvalCode(ctx context.Context, code string) (any, error) {
	if !h.opts.Config.EnableEval {
		return nil, ErrEvalDisabled
	}
	r, err := h.live()
	if err != nil {
		return nil, err
	}
	return r.rt.Run(ctx, "eval.js", code)
}

// WaitReady blocks until the current load finishes. It returns the load error if the
// load failed.
func (h *Host) WaitReady(ctx context.Context) error {
	h.mu.Lock()
	ready := h.ready
	state := h.state
	h.mu.Unlock()

	if state == StateUnloaded {
		return ErrNotReady
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateReady:
		return nil
	case StateError:
		return h.err
	case StateTornDown:
		return ErrTornDown
	default:
		// A newer load started meanwhile.
		return ErrNotReady
	}
}

// Teardown destroys the realm and stops all delivery. It is idempotent.
func (h *Host) Teardown() {
	h.mu.Lock()
	if h.state == StateTornDown {
		h.mu.Unlock()
		return
	}
	old := h.detachLocked()
	h.gen++
	h.state = StateTornDown
	h.closeReadyLocked()
	h.mu.Unlock()

	h.dispose(old)

	h.logger.Info("Plugin torn down")
	h.bus.Emit(EventState, StateTornDown)
	h.bus.Clear()
}

// State returns the lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the last load error, if any.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Size returns the presented frame size.
func (h *Host) Size() Size {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// HTML returns the last rendered UI.
func (h *Host) HTML() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.html
}

// Visible reports whether the frame is presented.
func (h *Host) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// Source returns the source of the current or last load.
func (h *Host) Source() Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source
}

// Frame returns a snapshot of the presented state.
func (h *Host) Frame() Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Frame{
		HTML:       h.html,
		Size:       h.size,
		Visible:    h.visible,
		AutoResize: h.autoResize,
		State:      h.state,
	}
}

// Console returns a copy of the retained console output.
func (h *Host) Console() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LogEntry(nil), h.console...)
}

// IsLoadError reports whether err came from a failed load.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/scenehost/internal/bridge"
	"github.com/GriffinCanCode/scenehost/internal/events"
)

var (
	ErrTornDown     = errors.New("sandbox is torn down")
	ErrNotReady     = errors.New("sandbox has no live realm")
	ErrEvalDisabled = errors.New("direct evaluation is disabled")
	ErrNoSource     = errors.New("exactly one of url or code is required")
	ErrNoFetcher    = errors.New("no fetcher configured for url sources")
)

// Config defines sandbox configuration
type Config struct {
	ExecTimeout          time.Duration // Per-task execution limit inside the realm
	LoadTimeout          time.Duration // Fetch plus initial run
	MaxCallStackSize     int           // goja call stack limit
	EnableEval           bool          // Expose EvalCode (tests only)
	ForwardResizeReports bool          // Deliver resize payloads to message subscribers too
	SanitizeHTML         bool          // Run rendered HTML through the UGC policy
	ConsoleLimit         int           // Console entries kept per instance
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		ExecTimeout:          5 * time.Second,
		LoadTimeout:          30 * time.Second,
		MaxCallStackSize:     1024,
		EnableEval:           false,
		ForwardResizeReports: true,
		SanitizeHTML:         false,
		ConsoleLimit:         200,
	}
}

// Source is where a plugin script comes from: a URL or inline code, never both.
type Source struct {
	URL  string `json:"src,omitempty"`
	Code string `json:"sourceCode,omitempty"`
	Name string `json:"name,omitempty"` // Script name used in stack traces
}

// Validate checks that exactly one of URL and Code is set.
func (s Source) Validate() error {
	if (s.URL == "") == (s.Code == "") {
		return ErrNoSource
	}
	return nil
}

// Kind returns "url" or "inline".
func (s Source) Kind() string {
	if s.URL != "" {
		return "url"
	}
	return "inline"
}

func (s Source) scriptName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.URL != "":
		return s.URL
	default:
		return "inline.js"
	}
}

// Fetcher resolves URL sources to script text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// AutoResize selects which frame dimensions follow size reports.
type AutoResize string

const (
	AutoResizeOff    AutoResize = "off"
	AutoResizeWidth  AutoResize = "width"
	AutoResizeHeight AutoResize = "height"
	AutoResizeBoth   AutoResize = "both"
)

// ParseAutoResize validates a mode string. Empty means off.
func ParseAutoResize(s string) (AutoResize, error) {
	switch AutoResize(s) {
	case "", AutoResizeOff:
		return AutoResizeOff, nil
	case AutoResizeWidth, AutoResizeHeight, AutoResizeBoth:
		return AutoResize(s), nil
	default:
		return AutoResizeOff, fmt.Errorf("invalid auto-resize mode %q", s)
	}
}

func (m AutoResize) width() bool  { return m == AutoResizeWidth || m == AutoResizeBoth }
func (m AutoResize) height() bool { return m == AutoResizeHeight || m == AutoResizeBoth }

// Size is the presented frame size as CSS lengths. Empty means unset.
type Size struct {
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
}

// State is a step of the host lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateReloading
	StateError
	StateTornDown
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateReloading:
		return "reloading"
	case StateError:
		return "error"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Host event types, emitted on the host bus.
const (
	EventMessage events.Type = events.Message
	EventLoad    events.Type = "load"
	EventError   events.Type = "error"
	EventRender  events.Type = "render"
	EventResize  events.Type = events.Resize
	EventVisible events.Type = "visible"
	EventState   events.Type = "state"
	EventClose   events.Type = "close"
	EventConsole events.Type = "console"
)

// LoadError reports a failed load.
type LoadError struct {
	InstanceID string
	Source     string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s from %s: %v", e.InstanceID, e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LogEntry represents console output
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Frame is a snapshot of what the host presents for an instance.
type Frame struct {
	HTML       string     `json:"html"`
	Size       Size       `json:"size"`
	Visible    bool       `json:"visible"`
	AutoResize AutoResize `json:"autoResize"`
	State      State      `json:"state"`
}

// Services are host capabilities reached through the bridge beyond the realm's own
// UI. The host calls them with its instance id as owner.
type Services interface {
	OverrideProperty(owner string, patch any) error
	Property(owner string) map[string]any
	PostPluginMessage(from, to string, msg any) error
	Instances() []bridge.InstanceInfo
}

package bridge

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// RenderOptions carries the optional second argument of plugin.ui.render.
type RenderOptions struct {
	Width  any
	Height any
}

// InstanceInfo describes a mounted plugin instance as seen by other plugins.
type InstanceInfo struct {
	InstanceID    string `json:"instanceId"`
	PluginID      string `json:"pluginId"`
	ExtensionID   string `json:"extensionId"`
	ExtensionType string `json:"extensionType"`
}

// Callbacks are the host functions an API forwards to. Nil callbacks make the
// corresponding capability throw "not available" inside the realm.
type Callbacks struct {
	Render            func(html string, opts RenderOptions)
	PostMessage       func(msg any) error
	Resize            func(width, height any)
	Show              func()
	Close             func()
	OverrideProperty  func(patch any) error
	Property          func() map[string]any
	PostPluginMessage func(target string, msg any) error
	Instances         func() []InstanceInfo
	Log               func(level, msg string)
}

// Meta identifies the instance the API is built for.
type Meta struct {
	PluginID      string
	ExtensionID   string
	ExtensionType string
	InstanceID    string
	Widget        map[string]any // Extension layout and settings, exposed read-only
}

// API is the per-load capability table.
type API struct {
	cb      Callbacks
	bus     *events.Bus
	vm      *goja.Runtime
	revoked atomic.Bool
	logger  *zap.Logger
}

// Build creates a fresh API. It holds nothing but cb, so no function bound to a
// previous load can leak into a new one.
func Build(cb Callbacks, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		cb:     cb,
		bus:    events.NewBus(logger),
		logger: logger,
	}
}

// Install defines the plugin and console globals on vm.
func (a *API) Install(vm *goja.Runtime, meta Meta) error {
	if a.vm != nil {
		return fmt.Errorf("bridge already installed")
	}
	a.vm = vm

	ui := vm.NewObject()
	set := func(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) error {
		return obj.Set(name, a.guard(fn))
	}

	if err := firstErr(
		set(ui, "render", a.render),
		set(ui, "postMessage", a.postMessage),
		set(ui, "resize", a.resize),
		set(ui, "show", a.show),
		set(ui, "close", a.close),
	); err != nil {
		return err
	}

	scene := vm.NewObject()
	if err := set(scene, "overrideProperty", a.overrideProperty); err != nil {
		return err
	}
	if err := scene.DefineAccessorProperty("property",
		vm.ToValue(a.guard(a.property)), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	plugins := vm.NewObject()
	if err := set(plugins, "postMessage", a.postPluginMessage); err != nil {
		return err
	}
	if err := plugins.DefineAccessorProperty("instances",
		vm.ToValue(a.guard(a.instances)), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	plugin := vm.NewObject()
	if err := firstErr(
		plugin.Set("id", meta.PluginID),
		plugin.Set("extensionId", meta.ExtensionID),
		plugin.Set("extensionType", meta.ExtensionType),
		plugin.Set("instanceId", meta.InstanceID),
		plugin.Set("widget", a.widget(meta.Widget)),
		plugin.Set("ui", ui),
		plugin.Set("scene", scene),
		plugin.Set("plugins", plugins),
		set(plugin, "on", a.on(false)),
		set(plugin, "once", a.on(true)),
		set(plugin, "off", a.off),
	); err != nil {
		return err
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := set(console, level, a.console(level)); err != nil {
			return err
		}
	}

	return firstErr(
		vm.Set("plugin", plugin),
		vm.Set("console", console),
	)
}

// Emit runs the realm's handlers for t. It must be called on the goroutine that
// owns the runtime.
func (a *API) Emit(t events.Type, args ...any) {
	if a.revoked.Load() || a.vm == nil {
		return
	}
	a.bus.Emit(t, args...)
}

// Listeners returns how many realm handlers are registered for t.
func (a *API) Listeners(t events.Type) int {
	return a.bus.Listeners(t)
}

// Revoke disables every exposed function and drops all realm handlers.
func (a *API) Revoke() {
	if a.revoked.Swap(true) {
		return
	}
	a.bus.Clear()
}

// Revoked reports whether Revoke was called.
func (a *API) Revoked() bool { return a.revoked.Load() }

func (a *API) guard(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if a.revoked.Load() {
			return goja.Undefined()
		}
		return fn(call)
	}
}

func (a *API) unavailable(name string) {
	panic(a.vm.NewTypeError(fmt.Sprintf("%s is not available", name)))
}

func (a *API) throw(name string, err error) {
	panic(a.vm.NewTypeError(fmt.Sprintf("%s: %v", name, err)))
}

func (a *API) render(call goja.FunctionCall) goja.Value {
	if a.cb.Render == nil {
		a.unavailable("ui.render")
	}

	html := ""
	if arg := call.Argument(0); !isNullish(arg) {
		html = arg.String()
	}

	var opts RenderOptions
	if o := call.Argument(1); !isNullish(o) {
		obj := o.ToObject(a.vm)
		opts.Width = exportOptional(obj.Get("width"))
		opts.Height = exportOptional(obj.Get("height"))
	}

	a.cb.Render(html, opts)
	return goja.Undefined()
}

func (a *API) postMessage(call goja.FunctionCall) goja.Value {
	if a.cb.PostMessage == nil {
		a.unavailable("ui.postMessage")
	}
	if err := a.cb.PostMessage(exportOptional(call.Argument(0))); err != nil {
		a.throw("ui.postMessage", err)
	}
	return goja.Undefined()
}

func (a *API) resize(call goja.FunctionCall) goja.Value {
	if a.cb.Resize == nil {
		a.unavailable("ui.resize")
	}
	a.cb.Resize(exportOptional(call.Argument(0)), exportOptional(call.Argument(1)))
	return goja.Undefined()
}

func (a *API) show(call goja.FunctionCall) goja.Value {
	if a.cb.Show == nil {
		a.unavailable("ui.show")
	}
	a.cb.Show()
	return goja.Undefined()
}

func (a *API) widget(w map[string]any) goja.Value {
	if w == nil {
		return goja.Undefined()
	}
	data, err := jsonx.Marshal(w)
	if err != nil {
		return goja.Undefined()
	}
	// Parse inside the realm so the result is a native object that can be frozen.
	global := func(name, fn string) goja.Callable {
		f, _ := goja.AssertFunction(a.vm.Get(name).ToObject(a.vm).Get(fn))
		return f
	}
	obj, err := global("JSON", "parse")(goja.Undefined(), a.vm.ToValue(string(data)))
	if err != nil {
		return goja.Undefined()
	}
	if _, err := global("Object", "freeze")(goja.Undefined(), obj); err != nil {
		return goja.Undefined()
	}
	return obj
}

func (a *API) close(call goja.FunctionCall) goja.Value {
	if a.cb.Close == nil {
		a.unavailable("ui.close")
	}
	a.cb.Close()
	return goja.Undefined()
}

func (a *API) overrideProperty(call goja.FunctionCall) goja.Value {
	if a.cb.OverrideProperty == nil {
		a.unavailable("scene.overrideProperty")
	}
	if err := a.cb.OverrideProperty(exportOptional(call.Argument(0))); err != nil {
		a.throw("scene.overrideProperty", err)
	}
	return goja.Undefined()
}

func (a *API) property(call goja.FunctionCall) goja.Value {
	if a.cb.Property == nil {
		return goja.Undefined()
	}
	// Hand the realm its own copy; the merged value is shared with other readers.
	v, err := jsonx.Normalize(a.cb.Property())
	if err != nil {
		a.throw("scene.property", err)
	}
	return a.vm.ToValue(v)
}

func (a *API) postPluginMessage(call goja.FunctionCall) goja.Value {
	if a.cb.PostPluginMessage == nil {
		a.unavailable("plugins.postMessage")
	}
	target := call.Argument(0)
	if isNullish(target) {
		panic(a.vm.NewTypeError("plugins.postMessage: target instance id is required"))
	}
	if err := a.cb.PostPluginMessage(target.String(), exportOptional(call.Argument(1))); err != nil {
		a.throw("plugins.postMessage", err)
	}
	return goja.Undefined()
}

func (a *API) instances(call goja.FunctionCall) goja.Value {
	if a.cb.Instances == nil {
		return a.vm.NewArray()
	}
	v, err := jsonx.Normalize(a.cb.Instances())
	if err != nil {
		a.throw("plugins.instances", err)
	}
	return a.vm.ToValue(v)
}

func (a *API) on(once bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		t := events.Type(call.Argument(0).String())
		fnValue := call.Argument(1)
		fn, ok := goja.AssertFunction(fnValue)
		if !ok {
			panic(a.vm.NewTypeError("handler must be a function"))
		}

		a.bus.OnTagged(t, fnValue, once, func(args ...any) {
			a.invoke(t, fn, args)
		})
		return goja.Undefined()
	}
}

func (a *API) off(call goja.FunctionCall) goja.Value {
	t := events.Type(call.Argument(0).String())
	fnValue := call.Argument(1)

	l := a.bus.Match(t, func(l *events.Listener) bool {
		tag, ok := l.Tag.(goja.Value)
		return ok && tag.SameAs(fnValue)
	})
	a.bus.Off(t, l)
	return goja.Undefined()
}

func (a *API) invoke(t events.Type, fn goja.Callable, args []any) {
	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = a.vm.ToValue(arg)
	}
	if _, err := fn(goja.Undefined(), values...); err != nil {
		a.logger.Warn("plugin event handler failed",
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

func (a *API) console(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if a.cb.Log != nil {
			a.cb.Log(level, strings.Join(parts, " "))
		}
		return goja.Undefined()
	}
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func exportOptional(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	return v.Export()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

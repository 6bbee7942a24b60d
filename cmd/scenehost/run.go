package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/server"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
	"github.com/GriffinCanCode/scenehost/internal/source"
)

type runOptions struct {
	pluginID    string
	extensionID string
	hidden      bool
	autoResize  string
	widget      string
	stdin       bool
	once        bool
	watch       bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file|url>",
		Short: "Run one plugin headless and print its frame events",
		Long: `Run loads a single plugin script and prints every frame event it produces
(messages, renders, resizes, state changes, console output) to stdout as JSON
lines. With --stdin each input line is parsed as JSON and posted to the plugin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runPlugin(ctx, cfg, args[0], opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.pluginID, "plugin-id", "local", "Plugin id exposed to the script")
	flags.StringVar(&opts.extensionID, "extension-id", "", "Extension id (defaults to the script name)")
	flags.BoolVar(&opts.hidden, "hidden", false, "Start with the frame hidden")
	flags.StringVar(&opts.autoResize, "auto-resize", "", "Auto-resize mode: width, height or both")
	flags.StringVar(&opts.widget, "widget", "", "Widget layout as a JSON object")
	flags.BoolVar(&opts.stdin, "stdin", false, "Post each JSON line read from stdin to the plugin")
	flags.BoolVar(&opts.once, "once", false, "Exit as soon as the load finished")
	flags.BoolVarP(&opts.watch, "watch", "w", false, "Reload the script when the file changes")

	return cmd
}

// lineWriter serialises frame events as JSON lines.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) write(t events.Type, data any) {
	if err, ok := data.(error); ok {
		data = err.Error()
	}
	line, err := jsonx.Marshal(map[string]any{
		"type":      string(t),
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		line, _ = jsonx.Marshal(map[string]any{"type": string(t), "error": err.Error()})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.out.Write(append(line, '\n'))
}

func runPlugin(ctx context.Context, cfg *config.Config, target string, opts runOptions, in io.Reader, out io.Writer) error {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logging.New(logCfg)
	if err != nil {
		logger = logging.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	mode, err := sandbox.ParseAutoResize(opts.autoResize)
	if err != nil {
		return err
	}
	var widget map[string]any
	if opts.widget != "" {
		if err := jsonx.Unmarshal([]byte(opts.widget), &widget); err != nil {
			return fmt.Errorf("invalid --widget: %w", err)
		}
	}

	spec := plugin.Spec{
		PluginID:      opts.pluginID,
		ExtensionID:   opts.extensionID,
		ExtensionType: "widget",
		Visible:       !opts.hidden,
		AutoResize:    mode,
		Widget:        widget,
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		spec.Source = sandbox.Source{URL: target}
	} else {
		spec.File = target
	}
	if spec.ExtensionID == "" {
		spec.ExtensionID = extensionName(target)
	}

	plugins := plugin.NewManager(plugin.Options{
		Sandbox:        server.SandboxConfig(cfg.Sandbox),
		Fetcher:        source.New(server.SourceConfig(cfg.Source), logger.Component("source"), nil),
		MaxScriptBytes: cfg.Source.MaxBytes,
		Logger:         logger.Logger,
	})
	defer func() { _ = plugins.Close() }()

	inst, err := plugins.Mount(spec)
	if err != nil {
		return err
	}

	lines := &lineWriter{out: out}
	for _, t := range sandbox.FrameEvents {
		t := t
		inst.Host.On(t, func(args ...any) {
			var data any
			if len(args) > 0 {
				data = args[0]
			}
			lines.write(t, data)
		})
	}

	// The load started before the listeners were attached; a frame snapshot covers
	// anything it produced in between.
	if opts.once {
		waitErr := inst.Host.WaitReady(ctx)
		lines.write("frame", inst.Host.Frame())
		return waitErr
	}
	lines.write("frame", inst.Host.Frame())

	if opts.watch && spec.File != "" {
		go func() {
			if err := plugins.Watch(ctx, plugin.DefaultDebounce); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Watcher stopped", zap.Error(err))
			}
		}()
	}
	if opts.stdin {
		go postLines(ctx, inst, in, logger.Logger)
	}

	<-ctx.Done()
	return nil
}

// postLines posts each JSON line of in to the plugin.
func postLines(ctx context.Context, inst *plugin.Instance, in io.Reader, logger *zap.Logger) {
	if err := inst.Host.WaitReady(ctx); err != nil {
		logger.Warn("Plugin not ready, ignoring stdin", zap.Error(err))
		return
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg any
		if err := jsonx.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn("Skipping invalid input line", zap.Error(err))
			continue
		}
		if err := inst.Host.PostMessage(msg); err != nil {
			logger.Warn("Message not delivered", zap.Error(err))
		}
	}
}

// extensionName derives an extension id from a script path or URL.
func extensionName(target string) string {
	name := target
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".js")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "main"
	}
	return b.String()
}

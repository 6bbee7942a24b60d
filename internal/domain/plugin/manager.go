// Package plugin mounts plugin instances and provides the services their sandboxes
// share: the property trees, plugin to plugin messaging and the instance directory.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/bridge"
	"github.com/GriffinCanCode/scenehost/internal/domain/manifest"
	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/override"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/utils"
	"github.com/GriffinCanCode/scenehost/internal/source"
)

// Options configures a Manager
type Options struct {
	Sandbox        sandbox.Config
	Fetcher        sandbox.Fetcher
	MaxScriptBytes int64 // Limit for local scripts
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
}

// Manager orchestrates plugin instance lifecycle
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics
	trees   *override.Registry

	mu        sync.RWMutex
	instances map[string]*Instance // Protected by mu
	closed    bool                 // Protected by mu
	watcher   *watcher             // Protected by mu
}

var _ sandbox.Services = (*Manager)(nil)

// NewManager creates a new plugin manager
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxScriptBytes <= 0 {
		opts.MaxScriptBytes = source.DefaultConfig().MaxBytes
	}
	logger := opts.Logger.Named("plugins")

	return &Manager{
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		trees:     override.NewRegistry(logger),
		instances: make(map[string]*Instance),
	}
}

// Trees returns the property tree registry.
func (m *Manager) Trees() *override.Registry {
	return m.trees
}

// Mount creates an instance and starts loading it.
func (m *Manager) Mount(spec Spec) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.AutoResize == "" {
		spec.AutoResize = sandbox.AutoResizeOff
	}
	if spec.File != "" {
		abs, err := filepath.Abs(spec.File)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
		spec.File = abs
	}
	src, err := m.sourceFor(spec)
	if err != nil {
		return nil, err
	}

	instanceID := id.NewInstanceID().String()
	host := sandbox.NewHost(instanceID, sandbox.Options{
		Config: m.opts.Sandbox,
		Meta: bridge.Meta{
			PluginID:      spec.PluginID,
			ExtensionID:   spec.ExtensionID,
			ExtensionType: spec.ExtensionType,
			Widget:        spec.Widget,
		},
		Fetcher:  m.opts.Fetcher,
		Services: m,
		Logger:   m.opts.Logger,
		Metrics:  m.metrics,
	})

	inst := &Instance{
		ID:        instanceID,
		Spec:      spec,
		Host:      host,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		host.Teardown()
		return nil, ErrClosed
	}
	m.instances[instanceID] = inst
	count := len(m.instances)
	w := m.watcher
	m.mu.Unlock()

	m.metrics.SetInstancesActive(count)
	if w != nil && spec.File != "" {
		w.add(spec.File)
	}

	inst.setDigest(src)
	host.Load(src, spec.Visible, spec.AutoResize)

	m.logger.Info("Plugin mounted",
		zap.String("instance_id", instanceID),
		zap.String("plugin_id", spec.PluginID),
		zap.String("extension_id", spec.ExtensionID),
		zap.String("source", src.Kind()),
	)
	return inst, nil
}

// Unmount tears an instance down and retracts its overrides.
func (m *Manager) Unmount(instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	delete(m.instances, instanceID)
	count := len(m.instances)
	m.mu.Unlock()

	inst.Host.Teardown()
	m.trees.Retract(instanceID)
	m.metrics.SetInstancesActive(count)

	m.logger.Info("Plugin unmounted", zap.String("instance_id", instanceID))
	return nil
}

// Reload loads the instance again from its source, keeping visibility and
// auto-resize mode. Local scripts are re-read.
func (m *Manager) Reload(instanceID string) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	src, err := m.sourceFor(inst.Spec)
	if err != nil {
		return err
	}
	m.reload(inst, src)
	return nil
}

// reload loads src into inst, keeping the host-side presentation settings.
func (m *Manager) reload(inst *Instance, src sandbox.Source) {
	frame := inst.Host.Frame()
	inst.setDigest(src)
	inst.Host.Load(src, frame.Visible, frame.AutoResize)
	m.logger.Info("Plugin reloaded", zap.String("instance_id", inst.ID))
}

// ReloadFile reloads every instance whose script is path and returns how many.
// Instances already running the file's current content are left alone.
func (m *Manager) ReloadFile(path string) int {
	var insts []*Instance
	m.mu.RLock()
	for _, inst := range m.instances {
		if inst.Spec.File == path {
			insts = append(insts, inst)
		}
	}
	m.mu.RUnlock()
	if len(insts) == 0 {
		return 0
	}

	code, err := source.ReadFile(path, m.opts.MaxScriptBytes)
	if err != nil {
		m.logger.Warn("Reload failed", zap.String("file", path), zap.Error(err))
		return 0
	}
	src := sandbox.Source{Code: code, Name: path}
	digest := utils.DigestString(code)

	reloaded := 0
	for _, inst := range insts {
		if inst.Digest() == digest {
			continue
		}
		m.reload(inst, src)
		reloaded++
	}
	return reloaded
}

// Get retrieves an instance by ID
func (m *Manager) Get(instanceID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return inst, nil
}

// List returns every instance, oldest first.
func (m *Manager) List() []Info {
	insts := m.snapshot()
	infos := make([]Info, 0, len(insts))
	for _, inst := range insts {
		infos = append(infos, inst.Info())
	}
	return infos
}

// SetVisible toggles an instance's presentation.
func (m *Manager) SetVisible(instanceID string, visible bool) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	inst.Host.SetVisible(visible)
	return nil
}

// SetAutoResize changes an instance's auto-resize mode.
func (m *Manager) SetAutoResize(instanceID string, mode sandbox.AutoResize) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	inst.Host.SetAutoResize(mode)
	return nil
}

// PostMessage sends msg from the host page to an instance.
func (m *Manager) PostMessage(instanceID string, msg any) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	return inst.Host.PostMessage(msg)
}

// DispatchEvent delivers a host event to one instance.
func (m *Manager) DispatchEvent(instanceID string, t events.Type, args ...any) error {
	inst, err := m.Get(instanceID)
	if err != nil {
		return err
	}
	return inst.Host.DispatchEvent(t, args...)
}

// Broadcast delivers a host event to every ready instance and returns how many
// received it.
func (m *Manager) Broadcast(t events.Type, args ...any) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, inst := range m.snapshot() {
		err := inst.Host.DispatchEvent(t, args...)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, sandbox.ErrNotReady), errors.Is(err, sandbox.ErrTornDown):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", inst.ID, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// SetCommonOverride sets the common patch of tree, applied before any instance's.
// A nil patch removes it.
func (m *Manager) SetCommonOverride(tree string, patch any) error {
	if err := m.trees.Tree(tree).Store().Set("", patch); err != nil {
		return err
	}
	m.recordOverride(patch)
	return nil
}

// Install mounts every extension of every manifest found below dir.
func (m *Manager) Install(ctx context.Context, dir string) ([]*Instance, error) {
	manifests, scanErr := manifest.Scan(ctx, dir)
	if scanErr != nil && len(manifests) == 0 {
		return nil, scanErr
	}

	var (
		mounted []*Instance
		errs    = []error{scanErr}
	)
	for _, man := range manifests {
		for _, ext := range man.Extensions {
			file, err := man.Script(ext.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			inst, err := m.Mount(SpecFor(man, ext, file))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", man.ID, ext.ID, err))
				continue
			}
			mounted = append(mounted, inst)
		}
	}

	m.logger.Info("Plugins installed",
		zap.String("dir", dir),
		zap.Int("manifests", len(manifests)),
		zap.Int("instances", len(mounted)),
	)
	return mounted, errors.Join(errs...)
}

// Stats returns manager statistics
func (m *Manager) Stats() Stats {
	stats := Stats{ByState: make(map[string]int), Trees: m.trees.Names()}
	for _, inst := range m.snapshot() {
		frame := inst.Host.Frame()
		stats.Total++
		if frame.Visible {
			stats.Visible++
		}
		stats.ByState[frame.State.String()]++
	}
	for _, name := range stats.Trees {
		if t, ok := m.trees.Lookup(name); ok {
			stats.Overrides += t.Store().Len()
		}
	}
	return stats
}

// Close tears down every instance. The manager accepts no mounts afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[string]*Instance)
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	for _, inst := range insts {
		inst.Host.Teardown()
		m.trees.Retract(inst.ID)
	}
	m.metrics.SetInstancesActive(0)

	if w != nil {
		return w.close()
	}
	return nil
}

// OverrideProperty sets owner's patch of the default tree.
func (m *Manager) OverrideProperty(owner string, patch any) error {
	if err := m.trees.Tree(DefaultTree).Store().Set(owner, patch); err != nil {
		return err
	}
	m.recordOverride(patch)
	return nil
}

// Property returns the merged default tree.
func (m *Manager) Property(string) map[string]any {
	return m.trees.Tree(DefaultTree).Merged()
}

// PostPluginMessage delivers msg to instance to as a pluginmessage event. The
// handler receives the message and the sender's description.
func (m *Manager) PostPluginMessage(from, to string, msg any) error {
	sender, err := m.Get(from)
	if err != nil {
		return err
	}
	target, err := m.Get(to)
	if err != nil {
		return err
	}

	if err := target.Host.DispatchEvent(events.PluginMessage, msg, sender.bridgeInfo()); err != nil {
		return fmt.Errorf("deliver to %s: %w", to, err)
	}
	m.metrics.RecordMessage("plugin")
	return nil
}

// Instances describes every mounted instance to plugins.
func (m *Manager) Instances() []bridge.InstanceInfo {
	insts := m.snapshot()
	infos := make([]bridge.InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		infos = append(infos, inst.bridgeInfo())
	}
	return infos
}

func (m *Manager) sourceFor(spec Spec) (sandbox.Source, error) {
	if spec.File == "" {
		return spec.Source, nil
	}
	code, err := source.ReadFile(spec.File, m.opts.MaxScriptBytes)
	if err != nil {
		return sandbox.Source{}, fmt.Errorf("read plugin script: %w", err)
	}
	return sandbox.Source{Code: code, Name: spec.File}, nil
}

func (m *Manager) recordOverride(patch any) {
	if patch == nil {
		m.metrics.RecordOverride("clear")
	} else {
		m.metrics.RecordOverride("set")
	}
}

// snapshot returns the instances ordered by creation.
func (m *Manager) snapshot() []*Instance {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	sort.Slice(insts, func(i, j int) bool {
		if insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].ID < insts[j].ID
		}
		return insts[i].CreatedAt.Before(insts[j].CreatedAt)
	})
	return insts
}

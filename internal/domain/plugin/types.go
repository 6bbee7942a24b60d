package plugin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/scenehost/internal/bridge"
	"github.com/GriffinCanCode/scenehost/internal/domain/manifest"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/utils"
)

var (
	ErrInstanceNotFound = errors.New("plugin instance not found")
	ErrInvalidSpec      = errors.New("invalid plugin spec")
	ErrClosed           = errors.New("plugin manager closed")
)

// DefaultTree is the property tree plugins read and override through plugin.scene.
const DefaultTree = "scene"

// Spec describes an instance to mount.
type Spec struct {
	PluginID      string             `json:"pluginId"`
	ExtensionID   string             `json:"extensionId"`
	ExtensionType string             `json:"extensionType,omitempty"`
	Source        sandbox.Source     `json:"source"`
	File          string             `json:"file,omitempty"` // Local script; takes the place of Source
	Visible       bool               `json:"visible"`
	AutoResize    sandbox.AutoResize `json:"autoResize,omitempty"`
	Widget        map[string]any     `json:"widget,omitempty"`
}

// Validate checks the spec before anything is created.
func (s Spec) Validate() error {
	if s.PluginID == "" || s.ExtensionID == "" {
		return fmt.Errorf("%w: plugin and extension ids are required", ErrInvalidSpec)
	}
	if s.File == "" {
		if err := s.Source.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
	}
	if _, err := sandbox.ParseAutoResize(string(s.AutoResize)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return nil
}

// SpecFor builds the spec of a manifest extension whose script is at file.
func SpecFor(m *manifest.Manifest, ext manifest.Extension, file string) Spec {
	return Spec{
		PluginID:      m.ID,
		ExtensionID:   ext.ID,
		ExtensionType: string(ext.Type),
		File:          file,
		Visible:       ext.IsVisible(),
		AutoResize:    ext.Mode(),
		Widget:        ext.WidgetLayout,
	}
}

// Instance is a mounted plugin.
type Instance struct {
	ID        string
	Spec      Spec
	Host      *sandbox.Host
	CreatedAt time.Time

	mu     sync.Mutex
	digest string
}

// Digest returns the SHA-256 of the script last handed to the host. It is empty for
// URL sources, whose content the host fetches itself.
func (i *Instance) Digest() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.digest
}

func (i *Instance) setDigest(src sandbox.Source) {
	digest := ""
	if src.Code != "" {
		digest = utils.DigestString(src.Code)
	}
	i.mu.Lock()
	i.digest = digest
	i.mu.Unlock()
}

// Info is the externally visible summary of an instance.
type Info struct {
	ID            string             `json:"id"`
	PluginID      string             `json:"pluginId"`
	ExtensionID   string             `json:"extensionId"`
	ExtensionType string             `json:"extensionType,omitempty"`
	SourceKind    string             `json:"sourceKind"`
	Source        string             `json:"source"`
	File          string             `json:"file,omitempty"`
	State         sandbox.State      `json:"state"`
	Visible       bool               `json:"visible"`
	AutoResize    sandbox.AutoResize `json:"autoResize"`
	Size          sandbox.Size       `json:"size"`
	Digest        string             `json:"digest,omitempty"`
	Error         string             `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Info summarises the instance.
func (i *Instance) Info() Info {
	frame := i.Host.Frame()
	src := i.Host.Source()

	info := Info{
		ID:            i.ID,
		PluginID:      i.Spec.PluginID,
		ExtensionID:   i.Spec.ExtensionID,
		ExtensionType: i.Spec.ExtensionType,
		SourceKind:    src.Kind(),
		Source:        src.URL,
		File:          i.Spec.File,
		State:         frame.State,
		Visible:       frame.Visible,
		AutoResize:    frame.AutoResize,
		Size:          frame.Size,
		Digest:        utils.ShortDigest(i.Digest()),
		CreatedAt:     i.CreatedAt,
	}
	if info.Source == "" {
		info.Source = src.Name
	}
	if err := i.Host.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (i *Instance) bridgeInfo() bridge.InstanceInfo {
	return bridge.InstanceInfo{
		InstanceID:    i.ID,
		PluginID:      i.Spec.PluginID,
		ExtensionID:   i.Spec.ExtensionID,
		ExtensionType: i.Spec.ExtensionType,
	}
}

// Stats summarises the manager.
type Stats struct {
	Total     int            `json:"total"`
	Visible   int            `json:"visible"`
	ByState   map[string]int `json:"byState"`
	Trees     []string       `json:"trees"`
	Overrides int            `json:"overrides"`
}

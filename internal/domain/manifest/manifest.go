// Package manifest parses and discovers plugin manifests.
//
// A plugin directory holds one plugin.yml, plugin.yaml or plugin.toml and one script
// per extension, named <extension id>.js or <extension id>.js.gz.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/scenehost/internal/sandbox"
)

var (
	ErrInvalid        = errors.New("invalid manifest")
	ErrUnknownFormat  = errors.New("unknown manifest format")
	ErrScriptNotFound = errors.New("extension script not found")
)

// Pattern matches manifest file names.
const Pattern = "plugin.{yml,yaml,toml}"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ExtensionType is the slot an extension is mounted into.
type ExtensionType string

const (
	TypeWidget    ExtensionType = "widget"
	TypeBlock     ExtensionType = "block"
	TypePrimitive ExtensionType = "primitive"
)

// Extension is one mountable entry of a plugin.
type Extension struct {
	ID           string         `yaml:"id" toml:"id" json:"id"`
	Type         ExtensionType  `yaml:"type" toml:"type" json:"type"`
	Name         string         `yaml:"name" toml:"name" json:"name,omitempty"`
	Description  string         `yaml:"description" toml:"description" json:"description,omitempty"`
	Visible      *bool          `yaml:"visible" toml:"visible" json:"visible,omitempty"`
	AutoResize   string         `yaml:"autoResize" toml:"autoResize" json:"autoResize,omitempty"`
	WidgetLayout map[string]any `yaml:"widgetLayout" toml:"widgetLayout" json:"widgetLayout,omitempty"`
}

// IsVisible reports the initial visibility. Extensions are visible unless stated.
func (e Extension) IsVisible() bool {
	return e.Visible == nil || *e.Visible
}

// Mode returns the parsed auto-resize mode.
func (e Extension) Mode() sandbox.AutoResize {
	mode, _ := sandbox.ParseAutoResize(e.AutoResize)
	return mode
}

// Manifest describes a plugin
type Manifest struct {
	ID          string      `yaml:"id" toml:"id" json:"id"`
	Name        string      `yaml:"name" toml:"name" json:"name,omitempty"`
	Version     string      `yaml:"version" toml:"version" json:"version,omitempty"`
	Description string      `yaml:"description" toml:"description" json:"description,omitempty"`
	Author      string      `yaml:"author" toml:"author" json:"author,omitempty"`
	Extensions  []Extension `yaml:"extensions" toml:"extensions" json:"extensions"`

	// Path is the manifest file; scripts are resolved next to it.
	Path string `yaml:"-" toml:"-" json:"path,omitempty"`
}

// Dir returns the directory holding the manifest.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.Path)
}

// Extension returns the extension with the given id.
func (m *Manifest) Extension(id string) (Extension, bool) {
	for _, ext := range m.Extensions {
		if ext.ID == id {
			return ext, true
		}
	}
	return Extension{}, false
}

// Validate checks identifiers, types and modes.
func (m *Manifest) Validate() error {
	var errs []error
	if !idPattern.MatchString(m.ID) {
		errs = append(errs, fmt.Errorf("plugin id %q must match %s", m.ID, idPattern))
	}
	if len(m.Extensions) == 0 {
		errs = append(errs, errors.New("no extensions declared"))
	}

	seen := make(map[string]bool, len(m.Extensions))
	for i, ext := range m.Extensions {
		if !idPattern.MatchString(ext.ID) {
			errs = append(errs, fmt.Errorf("extension %d: id %q must match %s", i, ext.ID, idPattern))
		} else if seen[ext.ID] {
			errs = append(errs, fmt.Errorf("extension %d: duplicate id %q", i, ext.ID))
		}
		seen[ext.ID] = true

		switch ext.Type {
		case TypeWidget, TypeBlock, TypePrimitive:
		default:
			errs = append(errs, fmt.Errorf("extension %q: unknown type %q", ext.ID, ext.Type))
		}
		if _, err := sandbox.ParseAutoResize(ext.AutoResize); err != nil {
			errs = append(errs, fmt.Errorf("extension %q: %w", ext.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Parse decodes a manifest. format is a file extension: yml, yaml or toml.
func Parse(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "yml", "yaml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Script returns the script file of extension extID. A plain .js file wins over a
// .js.gz bundle.
func (m *Manifest) Script(extID string) (string, error) {
	if _, ok := m.Extension(extID); !ok {
		return "", fmt.Errorf("%w: no extension %q in %s", ErrScriptNotFound, extID, m.ID)
	}

	matches, err := doublestar.Glob(os.DirFS(m.Dir()), extID+".js{,.gz}", doublestar.WithFilesOnly())
	if err != nil {
		return "", err
	}
	switch {
	case containsPath(matches, extID+".js"):
		return filepath.Join(m.Dir(), extID+".js"), nil
	case len(matches) > 0:
		return filepath.Join(m.Dir(), matches[0]), nil
	default:
		return "", fmt.Errorf("%w: %s/%s.js", ErrScriptNotFound, m.Dir(), extID)
	}
}

// IsManifest reports whether name is a manifest file name.
func IsManifest(name string) bool {
	ok, _ := doublestar.Match(Pattern, filepath.Base(name))
	return ok
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if filepath.ToSlash(p) == want {
			return true
		}
	}
	return false
}

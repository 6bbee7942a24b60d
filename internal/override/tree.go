package override

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// Tree is a named property tree: a base value plus the overrides contributed to it.
type Tree struct {
	name  string
	mu    sync.RWMutex
	base  map[string]any
	store *Store
}

// NewTree creates a tree with an empty base.
func NewTree(name string, logger *zap.Logger) *Tree {
	return &Tree{
		name:  name,
		base:  map[string]any{},
		store: NewStore(logger),
	}
}

// Name returns the tree name.
func (t *Tree) Name() string { return t.name }

// Store returns the tree's override store.
func (t *Tree) Store() *Store { return t.store }

// SetBase replaces the base value.
func (t *Tree) SetBase(base map[string]any) error {
	obj, ok, err := jsonx.NormalizeObject(base)
	if err != nil {
		return fmt.Errorf("invalid base for tree %q: %w", t.name, err)
	}
	if !ok {
		obj = map[string]any{}
	}

	t.mu.Lock()
	t.base = obj
	t.mu.Unlock()
	return nil
}

// Base returns a copy of the base value.
func (t *Tree) Base() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return DeepClone(t.base).(map[string]any)
}

// Merged returns the base with every override applied.
func (t *Tree) Merged() map[string]any {
	t.mu.RLock()
	base := t.base
	t.mu.RUnlock()
	return t.store.Merged(base)
}

// Registry owns the property trees shared by plugin instances.
type Registry struct {
	mu     sync.Mutex
	trees  map[string]*Tree
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		trees:  make(map[string]*Tree),
		logger: logger,
	}
}

// Tree returns the tree named name, creating it on first use.
func (r *Registry) Tree(name string) *Tree {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trees[name]
	if !ok {
		t = NewTree(name, r.logger.With(zap.String("tree", name)))
		r.trees[name] = t
	}
	return t
}

// Lookup returns an existing tree.
func (r *Registry) Lookup(name string) (*Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[name]
	return t, ok
}

// Names returns the tree names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.trees))
	for name := range r.trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Retract removes owner's patch from every tree.
func (r *Registry) Retract(owner string) {
	r.mu.Lock()
	trees := make([]*Tree, 0, len(r.trees))
	for _, t := range r.trees {
		trees = append(trees, t)
	}
	r.mu.Unlock()

	for _, t := range trees {
		_ = t.store.Set(owner, nil)
	}
}

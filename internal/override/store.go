// Package override holds per-owner partial patches over a property tree and folds them
// into one derived value.
//
// Each owner (a plugin instance id, or "" for the common patch) has at most one patch.
// The merged value is recomputed from the base, the common patch and the owner patches
// in first-registration order, so "last writer wins" at a shared path is well defined.
package override

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

// CommonOwner is the reserved owner whose patch is always applied first.
const CommonOwner = ""

// ChangeEvent is emitted on the store's bus after every effective change.
const ChangeEvent events.Type = "change"

// ErrInvalidPatch is returned for a patch that is neither nil nor a JSON object.
var ErrInvalidPatch = errors.New("override patch must be an object or nil")

// Change describes one effective mutation of the store.
type Change struct {
	Owner   string
	Removed bool
	Version uint64
}

// Store keeps one patch per owner. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	order   []string
	patches map[string]map[string]any
	version uint64

	cache  mergedCache
	recent []map[string]any // Merged values handed out lately, newest last
	bus    *events.Bus
}

// recentMerged bounds how many earlier merged values Merged can hand out again.
const recentMerged = 8

type mergedCache struct {
	version uint64
	baseFP  []byte
	value   map[string]any
	valid   bool
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		patches: make(map[string]map[string]any),
		bus:     events.NewBus(logger),
	}
}

// Set replaces owner's patch. A nil patch removes the owner's entry; removing an
// owner that never set a patch is a no-op. Setting a patch deep-equal to the stored
// one changes nothing.
func (s *Store) Set(owner string, patch any) error {
	if patch == nil {
		s.remove(owner)
		return nil
	}
	if m, ok := patch.(map[string]any); ok && m == nil {
		s.remove(owner)
		return nil
	}

	obj, ok, err := jsonx.NormalizeObject(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if !ok {
		return fmt.Errorf("%w: got %T", ErrInvalidPatch, patch)
	}
	obj = compact(obj)

	s.mu.Lock()
	prev, exists := s.patches[owner]
	if exists && jsonx.Equal(prev, obj) {
		s.mu.Unlock()
		return nil
	}
	if !exists {
		s.order = append(s.order, owner)
	}
	s.patches[owner] = obj
	s.version++
	change := Change{Owner: owner, Version: s.version}
	s.mu.Unlock()

	s.bus.Emit(ChangeEvent, change)
	return nil
}

func (s *Store) remove(owner string) {
	s.mu.Lock()
	if _, exists := s.patches[owner]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.patches, owner)
	for i, o := range s.order {
		if o == owner {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
	change := Change{Owner: owner, Removed: true, Version: s.version}
	s.mu.Unlock()

	s.bus.Emit(ChangeEvent, change)
}

// Get returns a copy of owner's patch.
func (s *Store) Get(owner string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patch, ok := s.patches[owner]
	if !ok {
		return nil, false
	}
	return DeepClone(patch).(map[string]any), true
}

// Owners returns the owners in application order: the common owner first, then
// the others in first-registration order.
func (s *Store) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedOwnersLocked()
}

func (s *Store) orderedOwnersLocked() []string {
	owners := make([]string, 0, len(s.order))
	if _, ok := s.patches[CommonOwner]; ok {
		owners = append(owners, CommonOwner)
	}
	for _, o := range s.order {
		if o != CommonOwner {
			owners = append(owners, o)
		}
	}
	return owners
}

// Version increases on every effective change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the number of owners holding a patch.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patches)
}

// Merged returns base with every patch applied. While neither the store nor the
// (deep-equal) base changes, the same map is returned; callers must not modify it.
// Merged has no side effects visible to other readers and is safe to call from any
// derivation path.
func (s *Store) Merged(base map[string]any) map[string]any {
	baseFP, err := jsonx.Fingerprint(base)
	if err != nil {
		baseFP = nil
	}

	s.mu.RLock()
	if c := s.cache; c.valid && baseFP != nil && c.version == s.version && string(c.baseFP) == string(baseFP) {
		s.mu.RUnlock()
		return c.value
	}
	version := s.version
	patches := make([]map[string]any, 0, len(s.patches))
	for _, owner := range s.orderedOwnersLocked() {
		patches = append(patches, s.patches[owner])
	}
	s.mu.RUnlock()

	normalized, _, err := jsonx.NormalizeObject(base)
	if err != nil || normalized == nil {
		normalized = DeepClone(base).(map[string]any)
	}
	merged := Merge(normalized, patches...)

	s.mu.Lock()
	merged = s.reuseLocked(merged)
	if s.version == version && baseFP != nil {
		s.cache = mergedCache{version: version, baseFP: baseFP, value: merged, valid: true}
	}
	s.mu.Unlock()

	return merged
}

// reuseLocked returns the earlier merged map deep-equal to merged, if one was
// handed out recently, so inputs that return to an earlier state yield the same map.
func (s *Store) reuseLocked(merged map[string]any) map[string]any {
	for i := len(s.recent) - 1; i >= 0; i-- {
		if prev := s.recent[i]; jsonx.Equal(prev, merged) {
			s.recent = append(append(s.recent[:i:i], s.recent[i+1:]...), prev)
			return prev
		}
	}
	if len(s.recent) == recentMerged {
		s.recent = append(s.recent[:0:0], s.recent[1:]...)
	}
	s.recent = append(s.recent, merged)
	return merged
}

// OnChange subscribes to effective changes.
func (s *Store) OnChange(handler func(Change)) *events.Listener {
	return s.bus.On(ChangeEvent, func(args ...any) {
		if len(args) == 1 {
			if c, ok := args[0].(Change); ok {
				handler(c)
			}
		}
	})
}

// OffChange removes a subscription made with OnChange.
func (s *Store) OffChange(l *events.Listener) {
	s.bus.Off(ChangeEvent, l)
}

// compact drops nil values so that absence is always represented by a missing key.
func compact(patch map[string]any) map[string]any {
	for k, v := range patch {
		switch val := v.(type) {
		case nil:
			delete(patch, k)
		case map[string]any:
			for gk, gv := range val {
				if gv == nil {
					delete(val, gk)
				}
			}
		}
	}
	return patch
}

package config

import (
	"maps"
	"strings"
	"sync"
)

// Well-known override keys.
const (
	KeyResolution = "processing.resolution"
	KeyMode       = "processing.mode"
)

// Overrides is a concurrency-safe store of runtime values that shadow the
// loaded configuration. Keys are dotted paths ("processing.resolution");
// each segment is a level in a nested map, so "processing" reads back the
// whole subtree.
type Overrides struct {
	mu   sync.RWMutex
	root map[string]any
}

// NewOverrides returns an empty store.
func NewOverrides() *Overrides {
	return &Overrides{root: make(map[string]any)}
}

// Get returns the value at key, or def when the key (or any parent) is
// unset. A subtree is returned as a copy.
func (o *Overrides) Get(key string, def any) any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var node any = o.root
	for _, seg := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return def
		}
		if node, ok = m[seg]; !ok {
			return def
		}
	}
	if m, ok := node.(map[string]any); ok {
		return clone(m)
	}
	return node
}

// Update sets key to value, creating intermediate levels. A scalar that sits
// where an intermediate level is needed is replaced.
func (o *Overrides) Update(key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	segs := strings.Split(key, ".")
	m := o.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
}

// Delete removes key. It reports whether anything was removed.
func (o *Overrides) Delete(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	segs := strings.Split(key, ".")
	m := o.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return false
		}
		m = next
	}
	last := segs[len(segs)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	delete(m, last)
	return true
}

// Snapshot returns a deep copy of the whole tree.
func (o *Overrides) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return clone(o.root)
}

// Lookup returns the value at key converted to T, or def when the key is
// unset or holds a different type.
func Lookup[T any](o *Overrides, key string, def T) T {
	if v, ok := o.Get(key, def).(T); ok {
		return v
	}
	return def
}

func clone(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		if sub, ok := v.(map[string]any); ok {
			out[k] = clone(sub)
		}
	}
	return out
}

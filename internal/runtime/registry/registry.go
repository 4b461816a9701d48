// Package registry provides the ordered component registry used for
// middleware, initializers, lifecycle handlers, and health checks.
//
// Entries are named, carry an enabled flag resolved through a three-level
// fallback (per-entry config value, group default-enable, hardcoded
// default), and a signed numeric priority. Build returns the enabled
// entries stable-sorted by (priority, registration order). Registration
// only happens during single-threaded app assembly; a built registry is
// never mutated.
package registry

import (
	"slices"

	errspkg "github.com/strutframework/strut/internal/runtime/errors"
)

// Entry wraps a named component with its resolved priority and enablement.
type Entry[T any] struct {
	Name      string
	Component T
	Priority  int64
	Enabled   bool

	insertIndex int
}

// Registry is an ordered collection of named components. The zero value is
// not usable; construct with New.
type Registry[T any] struct {
	kind               string
	entries            []*Entry[T]
	byName             map[string]*Entry[T]
	enableOverrides    map[string]bool
	groupDefaultEnable *bool
	hardcodedDefaults  map[string]bool
}

// New creates a registry. The kind names the component group in build
// errors ("middleware", "initializer", ...).
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:              kind,
		byName:            make(map[string]*Entry[T]),
		enableOverrides:   make(map[string]bool),
		hardcodedDefaults: make(map[string]bool),
	}
}

// Kind returns the component group name.
func (r *Registry[T]) Kind() string { return r.kind }

// Register adds a component under a unique name with its default priority
// and hardcoded enabled default. Registering the same name twice fails with
// a BuildError wrapping ErrDuplicateName.
func (r *Registry[T]) Register(name string, component T, defaultPriority int64, defaultEnable bool) error {
	if _, exists := r.byName[name]; exists {
		return errspkg.DuplicateName(r.kind, name)
	}

	e := &Entry[T]{
		Name:        name,
		Component:   component,
		Priority:    defaultPriority,
		insertIndex: len(r.entries),
	}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	r.hardcodedDefaults[name] = defaultEnable
	return nil
}

// SetEnabled records a per-entry config override. It may be called before
// the entry is registered; the override is matched by name at Build.
func (r *Registry[T]) SetEnabled(name string, enabled bool) {
	r.enableOverrides[name] = enabled
}

// SetPriority overrides an entry's priority from config. Unknown names are
// ignored so configs can carry settings for components an app does not
// register.
func (r *Registry[T]) SetPriority(name string, priority int64) {
	if e, ok := r.byName[name]; ok {
		e.Priority = priority
	}
}

// SetGroupDefaultEnable sets the group-level default-enable flag, the
// middle level of the enablement fallback.
func (r *Registry[T]) SetGroupDefaultEnable(enabled bool) {
	r.groupDefaultEnable = &enabled
}

// Names returns all registered names in registration order.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Name)
	}
	return names
}

// Has reports whether a component is registered under the given name.
func (r *Registry[T]) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Build resolves enablement for every entry and returns the enabled subset
// sorted ascending by priority, ties broken by registration order.
func (r *Registry[T]) Build() []Entry[T] {
	out := make([]Entry[T], 0, len(r.entries))
	for _, e := range r.entries {
		var override *bool
		if v, ok := r.enableOverrides[e.Name]; ok {
			override = &v
		}
		enabled := ResolveEnabled(override, r.groupDefaultEnable, r.hardcodedDefaults[e.Name])
		if !enabled {
			continue
		}
		resolved := *e
		resolved.Enabled = true
		out = append(out, resolved)
	}

	slices.SortStableFunc(out, func(a, b Entry[T]) int {
		switch {
		case a.Priority < b.Priority:
			return -1
		case a.Priority > b.Priority:
			return 1
		case a.insertIndex < b.insertIndex:
			return -1
		case a.insertIndex > b.insertIndex:
			return 1
		default:
			return 0
		}
	})
	return out
}

// ResolveEnabled applies the three-level enablement fallback: an explicit
// per-entry value wins, then the group default-enable, then the hardcoded
// default.
func ResolveEnabled(entry *bool, groupDefault *bool, hardcoded bool) bool {
	if entry != nil {
		return *entry
	}
	if groupDefault != nil {
		return *groupDefault
	}
	return hardcoded
}

// Package persistence defines the storage contract the sync engine and
// tracker depend on, plus the lazy-load marker convention shared by
// per-key backends.
package persistence

import "github.com/atvirokodosprendimai/meshsync/pkg/value"

// Backend is the whole-document persistence contract: Save writes the
// full current content, Load reads it back (or reports ErrNotFound for a
// brand-new document).
type Backend interface {
	Save(content value.Value) error
	Load() (value.Value, error)
	// LoadSpecific resolves a single lazily-loaded key by its marker
	// token, for backends that support per-key loading. Whole-document
	// backends that never produce lazy markers can return
	// ErrNoLazyLoad.
	LoadSpecific(markerKey string) (value.Value, error)
}

// ConflictCallback is invoked by a revisioned backend when a write would
// overwrite a revision newer than the one it was based on. Returning true
// accepts the caller's local value anyway (last-writer-wins override);
// returning false accepts the backend's remote value, which the engine
// then threads back through SyncEngine.Receive as if it were an ordinary
// remote update.
type ConflictCallback func(path value.Path, local, remote value.Value) bool

const markerTag = "$lazy"

// NewLazyMarker builds a placeholder value.Value standing in for a key
// whose real value has not yet been loaded from a per-key backend.
func NewLazyMarker(key string) value.Value {
	m := value.NewMap()
	m.Set(markerTag, value.String(key))
	return value.FromMap(m)
}

// IsLazyMarker reports whether v is a lazy-load placeholder.
func IsLazyMarker(v value.Value) bool {
	m, ok := v.AsMap()
	if !ok || m.Len() != 1 {
		return false
	}
	_, ok = m.Get(markerTag)
	return ok
}

// MarkerKey extracts the backend key a lazy marker refers to; callers must
// check IsLazyMarker first. A map without the marker tag yields "", and a
// non-map v panics.
func MarkerKey(v value.Value) string {
	m, _ := v.AsMap()
	k, _ := m.Get(markerTag)
	s, _ := k.AsString()
	return s
}

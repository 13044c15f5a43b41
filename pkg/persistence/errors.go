package persistence

import (
	"errors"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// ErrNotFound is returned by Load when no content has ever been saved.
var ErrNotFound = errors.New("persistence: not found")

// ErrNoLazyLoad is returned by LoadSpecific on backends that never
// produce lazy markers (whole-document backends).
var ErrNoLazyLoad = errors.New("persistence: backend does not support lazy per-key loading")

// ErrRevisionConflict is returned by a revisioned backend's Save when the
// write's base revision no longer matches the stored revision and no
// ConflictCallback resolved it.
var ErrRevisionConflict = errors.New("persistence: revision conflict")

// None is a Backend that discards everything; the default when no
// persistence option is configured.
type None struct{}

func (None) Save(value.Value) error                   { return nil }
func (None) Load() (value.Value, error)               { return value.Value{}, ErrNotFound }
func (None) LoadSpecific(string) (value.Value, error) { return value.Value{}, ErrNoLazyLoad }

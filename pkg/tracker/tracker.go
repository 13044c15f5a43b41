// Package tracker implements the Tracker external contract: a mutation
// API over a value.Value document that fires a single change
// notification per committed edit, supports an atomic multi-edit scope,
// and keeps an optional undo/redo history.
package tracker

import (
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// ChangeEvent describes one committed mutation: the document root after
// the change, the path the caller addressed (empty for atomic scopes and
// remote merges that touch several paths at once), and the delta that
// produced Root from the previous root.
type ChangeEvent struct {
	Root    value.Value
	Path    value.Path
	Changes delta.Delta
}

// HistoryMode selects the undo/redo retention policy.
type HistoryMode int

const (
	HistoryOff HistoryMode = iota
	HistoryUnbounded
	HistoryCapacity
)

// Tracker owns a document's content and the single mutex that guards it.
// Every exported mutating method acquires that mutex at entry and
// releases it before firing the change callback, so the callback (which
// may itself call back into a SyncEngine that needs the same lock to
// inspect content and EdgeStates) never re-enters a held lock.
type Tracker struct {
	mu sync.Mutex

	content value.Value

	onChange    func(ChangeEvent)
	syncHook    func(ChangeEvent)
	syncOn      bool
	saveChanges bool

	history     []delta.Delta
	historyPos  int
	historyMode HistoryMode
	historyCap  int

	persist persistence.Backend
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

func WithChangeCallback(cb func(ChangeEvent)) Option {
	return func(t *Tracker) { t.onChange = cb }
}

func WithHistory(mode HistoryMode, capacity int) Option {
	return func(t *Tracker) { t.historyMode = mode; t.historyCap = capacity }
}

func WithPersistence(p persistence.Backend) Option {
	return func(t *Tracker) { t.persist = p }
}

func New(initial value.Value, opts ...Option) *Tracker {
	t := &Tracker{content: initial, syncOn: true, saveChanges: true}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lock and Unlock expose the Tracker's mutex to a coordinating component
// (the sync engine) that must serialize its own content/EdgeState access
// with Tracker mutations under the same critical section.
func (t *Tracker) Lock()   { t.mu.Lock() }
func (t *Tracker) Unlock() { t.mu.Unlock() }

// ContentLocked returns the current content. The caller must already
// hold the Tracker's lock via Lock; callbacks run with the lock released
// and should use Content instead.
func (t *Tracker) ContentLocked() value.Value { return t.content }

// Content returns a snapshot of the current document root.
func (t *Tracker) Content() value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content
}

// SetOnChange installs or replaces the application-facing change
// callback after construction.
func (t *Tracker) SetOnChange(cb func(ChangeEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = cb
}

// BindSync installs the sync engine's propagation hook. It is kept
// separate from the application callback so installing one never
// displaces the other: the hook fires on every local mutation (gated by
// SetSyncOn), the callback on every change including engine-applied
// remote merges.
func (t *Tracker) BindSync(hook func(ChangeEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncHook = hook
}

// SetSyncOn toggles whether local mutations fire the sync hook installed
// by BindSync, and returns the previous value. The application change
// callback is not affected. Nothing in this repository calls it.
func (t *Tracker) SetSyncOn(on bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.syncOn
	t.syncOn = on
	return prev
}

// Get resolves path against the current content, transparently loading a
// lazy marker from the configured persistence backend on first read.
func (t *Tracker) Get(path value.Path) (value.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, err := value.Get(t.content, path)
	if err != nil {
		return value.Value{}, err
	}
	if persistence.IsLazyMarker(v) {
		resolved, err := t.resolveLazyLocked(path, v)
		if err != nil {
			return value.Value{}, err
		}
		return resolved, nil
	}
	return v, nil
}

func (t *Tracker) resolveLazyLocked(path value.Path, marker value.Value) (value.Value, error) {
	if t.persist == nil {
		return value.Value{}, fmt.Errorf("tracker: lazy marker at %s but no persistence backend configured", path)
	}
	resolved, err := t.persist.LoadSpecific(persistence.MarkerKey(marker))
	if err != nil {
		return value.Value{}, fmt.Errorf("tracker: resolving lazy marker at %s: %w", path, err)
	}
	newRoot, err := value.Set(t.content, path, resolved)
	if err != nil {
		return value.Value{}, err
	}
	t.content = newRoot
	return resolved, nil
}

// Set assigns v at path, firing one change notification.
func (t *Tracker) Set(path value.Path, v value.Value) error {
	return t.mutate(path, func(root value.Value) (value.Value, error) {
		return value.Set(root, path, v)
	})
}

// Delete removes the value at path, firing one change notification.
func (t *Tracker) Delete(path value.Path) error {
	return t.mutate(path, func(root value.Value) (value.Value, error) {
		return value.Delete(root, path)
	})
}

// Update replaces the value at path with fn's result, firing one change
// notification.
func (t *Tracker) Update(path value.Path, fn func(value.Value) (value.Value, error)) error {
	return t.mutate(path, func(root value.Value) (value.Value, error) {
		cur, err := value.Get(root, path)
		if err != nil {
			return value.Value{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return value.Value{}, err
		}
		return value.Set(root, path, next)
	})
}

func (t *Tracker) mutate(path value.Path, apply func(value.Value) (value.Value, error)) error {
	t.mu.Lock()
	before := t.content
	after, err := apply(before)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	changes := delta.Diff(before, after)
	if changes.IsEmpty() {
		t.mu.Unlock()
		return nil
	}
	t.content = after
	t.recordHistoryLocked(changes)
	syncOn, saveChanges := t.syncOn, t.saveChanges
	hook, cb := t.syncHook, t.onChange
	persist := t.persist
	t.mu.Unlock()

	if saveChanges && persist != nil {
		if err := persist.Save(after); err != nil {
			return fmt.Errorf("tracker: persisting after %s: %w", path, err)
		}
	}
	ev := ChangeEvent{Root: after, Path: path, Changes: changes}
	if syncOn && hook != nil {
		hook(ev)
	}
	if cb != nil {
		cb(ev)
	}
	return nil
}

func (t *Tracker) recordHistoryLocked(changes delta.Delta) {
	if t.historyMode == HistoryOff {
		return
	}
	t.history = t.history[:t.historyPos]
	t.history = append(t.history, changes)
	t.historyPos++
	if t.historyMode == HistoryCapacity && t.historyCap > 0 && len(t.history) > t.historyCap {
		drop := len(t.history) - t.historyCap
		t.history = t.history[drop:]
		t.historyPos -= drop
	}
}

// ApplyRemoteDeltaLocked applies changes to content on the caller's
// behalf. The caller must already hold the Tracker's lock (via Lock) and
// is responsible for calling FireChange after releasing it, so that the
// change callback never runs inside the critical section shared with the
// sync engine's own document lock. Path is left empty in the resulting
// notification since a merge may touch several paths at once.
func (t *Tracker) ApplyRemoteDeltaLocked(changes delta.Delta) (value.Value, error) {
	if changes.IsEmpty() {
		return t.content, nil
	}
	after, err := delta.Patch(changes, t.content)
	if err != nil {
		return value.Value{}, err
	}
	t.content = after
	t.recordHistoryLocked(changes)
	return after, nil
}

// FireChange persists (if configured) and invokes the application change
// callback for a ChangeEvent produced by ApplyRemoteDeltaLocked. The sync
// hook is deliberately not fired: the engine applying a remote delta
// handles its own onward propagation, and re-entering it here would
// ping-pong. Must be called after the Tracker's lock has been released.
func (t *Tracker) FireChange(root value.Value, changes delta.Delta) error {
	t.mu.Lock()
	saveChanges := t.saveChanges
	persist := t.persist
	cb := t.onChange
	t.mu.Unlock()

	if saveChanges && persist != nil {
		if err := persist.Save(root); err != nil {
			return fmt.Errorf("tracker: persisting remote merge: %w", err)
		}
	}
	if cb != nil {
		cb(ChangeEvent{Root: root, Changes: changes})
	}
	return nil
}

// ApplyRemoteDelta is the standalone convenience form of
// ApplyRemoteDeltaLocked+FireChange for callers that are not already
// coordinating with an external lock holder.
func (t *Tracker) ApplyRemoteDelta(changes delta.Delta) (value.Value, error) {
	t.mu.Lock()
	after, err := t.ApplyRemoteDeltaLocked(changes)
	t.mu.Unlock()
	if err != nil {
		return value.Value{}, err
	}
	if err := t.FireChange(after, changes); err != nil {
		return value.Value{}, err
	}
	return after, nil
}

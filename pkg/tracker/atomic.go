package tracker

import (
	"fmt"

	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// Scope is handed to the function passed to Atomic: it exposes the same
// mutation surface as Tracker, but every call executes against the
// already-locked, buffered document and fires no notification of its
// own. Atomic fires one synthetic change for the whole scope on success,
// and fires none at all if fn returns an error.
type Scope struct {
	t *Tracker
}

func (s *Scope) Set(path value.Path, v value.Value) error {
	return s.apply(func(root value.Value) (value.Value, error) {
		return value.Set(root, path, v)
	})
}

func (s *Scope) Delete(path value.Path) error {
	return s.apply(func(root value.Value) (value.Value, error) {
		return value.Delete(root, path)
	})
}

func (s *Scope) Update(path value.Path, fn func(value.Value) (value.Value, error)) error {
	return s.apply(func(root value.Value) (value.Value, error) {
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

func (s *Scope) Get(path value.Path) (value.Value, error) {
	return value.Get(s.t.content, path)
}

func (s *Scope) apply(fn func(value.Value) (value.Value, error)) error {
	next, err := fn(s.t.content)
	if err != nil {
		return err
	}
	s.t.content = next
	return nil
}

// Atomic buffers every mutation fn performs against the Scope it is
// given. If fn returns nil, the whole scope's net effect is committed as
// a single change notification (and a single history entry). If fn
// returns an error, content and history are rolled back and no
// notification fires at all.
func (t *Tracker) Atomic(fn func(*Scope) error) error {
	t.mu.Lock()
	before := t.content
	savedSaveChanges := t.saveChanges
	t.saveChanges = false

	scope := &Scope{t: t}
	err := fn(scope)

	if err != nil {
		t.content = before
		t.saveChanges = savedSaveChanges
		t.mu.Unlock()
		return fmt.Errorf("tracker: atomic scope aborted: %w", err)
	}

	after := t.content
	changes := delta.Diff(before, after)
	t.saveChanges = savedSaveChanges
	if !changes.IsEmpty() {
		t.recordHistoryLocked(changes)
	}
	syncOn := t.syncOn
	hook, cb := t.syncHook, t.onChange
	persist := t.persist
	saveChanges := t.saveChanges
	t.mu.Unlock()

	if changes.IsEmpty() {
		return nil
	}
	if saveChanges && persist != nil {
		if err := persist.Save(after); err != nil {
			return fmt.Errorf("tracker: persisting atomic scope: %w", err)
		}
	}
	ev := ChangeEvent{Root: after, Changes: changes}
	if syncOn && hook != nil {
		hook(ev)
	}
	if cb != nil {
		cb(ev)
	}
	return nil
}

// Undo reverts the most recently committed delta, if any. The reversal
// is persisted and propagated like any other local edit, but it adds no
// history entry: the history position steps back so Redo can re-apply
// the delta.
func (t *Tracker) Undo() error {
	t.mu.Lock()
	if t.historyPos == 0 {
		t.mu.Unlock()
		return fmt.Errorf("tracker: nothing to undo")
	}
	idx := t.historyPos - 1
	d := t.history[idx]
	reverted, err := delta.Revert(d, t.content)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("tracker: undo: %w", err)
	}
	t.content = reverted
	t.historyPos = idx
	syncOn := t.syncOn
	hook, cb := t.syncHook, t.onChange
	persist := t.persist
	saveChanges := t.saveChanges
	t.mu.Unlock()

	inverse, err := invertWhole(d)
	if err != nil {
		return err
	}
	if saveChanges && persist != nil {
		if err := persist.Save(reverted); err != nil {
			return fmt.Errorf("tracker: persisting undo: %w", err)
		}
	}
	ev := ChangeEvent{Root: reverted, Changes: inverse}
	if syncOn && hook != nil {
		hook(ev)
	}
	if cb != nil {
		cb(ev)
	}
	return nil
}

// Redo re-applies the most recently undone delta, if any.
func (t *Tracker) Redo() error {
	t.mu.Lock()
	if t.historyPos >= len(t.history) {
		t.mu.Unlock()
		return fmt.Errorf("tracker: nothing to redo")
	}
	d := t.history[t.historyPos]
	after, err := delta.Patch(d, t.content)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("tracker: redo: %w", err)
	}
	t.content = after
	t.historyPos++
	syncOn := t.syncOn
	hook, cb := t.syncHook, t.onChange
	persist := t.persist
	saveChanges := t.saveChanges
	t.mu.Unlock()

	if saveChanges && persist != nil {
		if err := persist.Save(after); err != nil {
			return fmt.Errorf("tracker: persisting redo: %w", err)
		}
	}
	ev := ChangeEvent{Root: after, Changes: d}
	if syncOn && hook != nil {
		hook(ev)
	}
	if cb != nil {
		cb(ev)
	}
	return nil
}

func invertWhole(d delta.Delta) (delta.Delta, error) {
	out := make(delta.Delta, len(d))
	for i := len(d) - 1; i >= 0; i-- {
		op := d[i]
		inv, err := invertOp(op)
		if err != nil {
			return nil, err
		}
		out[len(d)-1-i] = inv
	}
	return out, nil
}

func invertOp(op delta.Op) (delta.Op, error) {
	switch op.Kind {
	case delta.OpAdd:
		return delta.Op{Kind: delta.OpRemove, Path: op.Path, Old: op.New}, nil
	case delta.OpRemove:
		return delta.Op{Kind: delta.OpAdd, Path: op.Path, New: op.Old}, nil
	case delta.OpChange:
		return delta.Op{Kind: delta.OpChange, Path: op.Path, Old: op.New, New: op.Old}, nil
	default:
		return delta.Op{}, fmt.Errorf("tracker: unknown op kind %v", op.Kind)
	}
}

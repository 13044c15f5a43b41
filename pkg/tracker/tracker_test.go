package tracker

import (
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func TestSetFiresChangeCallback(t *testing.T) {
	var got ChangeEvent
	fired := 0
	tr := New(value.FromMap(value.NewMap()), WithChangeCallback(func(e ChangeEvent) {
		fired++
		got = e
	}))

	if err := tr.Set(value.Path{value.KeyElem("k")}, value.Int(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one callback, got %d", fired)
	}
	m, _ := got.Root.AsMap()
	v, ok := m.Get("k")
	if !ok {
		t.Fatalf("expected k in resulting root")
	}
	if i, _ := v.AsInt(); i != 1 {
		t.Fatalf("expected k=1, got %v", v)
	}
}

func TestAtomicCommitsSingleChange(t *testing.T) {
	fired := 0
	var lastChanges int
	tr := New(value.FromMap(value.NewMap()), WithChangeCallback(func(e ChangeEvent) {
		fired++
		lastChanges = len(e.Changes)
	}))

	err := tr.Atomic(func(s *Scope) error {
		if err := s.Set(value.Path{value.KeyElem("a")}, value.Int(1)); err != nil {
			return err
		}
		return s.Set(value.Path{value.KeyElem("b")}, value.Int(2))
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one callback for the whole scope, got %d", fired)
	}
	if lastChanges != 2 {
		t.Fatalf("expected 2 ops in the synthetic change, got %d", lastChanges)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	fired := 0
	tr := New(value.FromMap(value.NewMap()), WithChangeCallback(func(ChangeEvent) { fired++ }))

	sentinel := errors.New("boom")
	err := tr.Atomic(func(s *Scope) error {
		if err := s.Set(value.Path{value.KeyElem("a")}, value.Int(1)); err != nil {
			return err
		}
		return sentinel
	})
	if err == nil {
		t.Fatalf("expected atomic to return an error")
	}
	if fired != 0 {
		t.Fatalf("expected zero callbacks after rollback, got %d", fired)
	}
	m, _ := tr.Content().AsMap()
	if m.Len() != 0 {
		t.Fatalf("expected content unchanged after rollback, got %d keys", m.Len())
	}
}

func TestUndoRedo(t *testing.T) {
	tr := New(value.FromMap(value.NewMap()), WithHistory(HistoryUnbounded, 0))
	path := value.Path{value.KeyElem("k")}
	if err := tr.Set(path, value.Int(1)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	m, _ := tr.Content().AsMap()
	if m.Len() != 0 {
		t.Fatalf("expected undo to remove k, got %d keys", m.Len())
	}
	if err := tr.Redo(); err != nil {
		t.Fatalf("redo: %v", err)
	}
	got, err := tr.Get(path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if i, _ := got.AsInt(); i != 1 {
		t.Fatalf("expected k=1 after redo, got %v", got)
	}
}

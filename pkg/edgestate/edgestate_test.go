package edgestate

import (
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/checksum"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func TestAppendLocalAndCurrent(t *testing.T) {
	m := value.NewMap()
	m.Set("k", value.Int(1))
	baseline := value.FromMap(m)

	e := New(baseline)
	if len(e.Edits) != 1 || e.Edits[0].Checksum != checksum.Of(baseline) {
		t.Fatalf("new EdgeState should start with a single head entry")
	}

	m2 := value.NewMap()
	m2.Set("k", value.Int(2))
	content := value.FromMap(m2)

	appended, err := e.AppendLocal(content)
	if err != nil || !appended {
		t.Fatalf("expected append, got %v %v", appended, err)
	}
	cur, err := e.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !value.Equal(cur, content) {
		t.Fatalf("current mismatch")
	}

	appendedAgain, err := e.AppendLocal(content)
	if err != nil || appendedAgain {
		t.Fatalf("no-op append should not append a new entry")
	}
}

func TestFindAnchorAndAdvance(t *testing.T) {
	m := value.NewMap()
	baseline := value.FromMap(m)
	e := New(baseline)

	v1 := value.FromMap(setKey(m, "a", value.Int(1)))
	e.AppendLocal(v1)
	v2 := value.FromMap(setKey(asMap(v1), "b", value.Int(2)))
	e.AppendLocal(v2)

	remote := []EditEntry{e.Edits[1]}
	localIdx, remoteIdx, ok := e.FindAnchor(remote)
	if !ok || localIdx != 1 || remoteIdx != 0 {
		t.Fatalf("expected anchor at local=1 remote=0, got %d %d %v", localIdx, remoteIdx, ok)
	}

	if err := e.AdvanceBaselineTo(localIdx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(e.Edits) != 2 {
		t.Fatalf("expected 2 edits remaining after advance, got %d", len(e.Edits))
	}
	if !value.Equal(e.Baseline, v1) {
		t.Fatalf("baseline should now equal v1")
	}
}

func TestFindAnchorMissing(t *testing.T) {
	e := New(value.Null())
	remote := []EditEntry{{Checksum: "does-not-exist"}}
	_, _, ok := e.FindAnchor(remote)
	if ok {
		t.Fatalf("expected no anchor found")
	}
}

func setKey(m *value.Map, k string, v value.Value) *value.Map {
	clone := m.Clone()
	clone.Set(k, v)
	return clone
}

func asMap(v value.Value) *value.Map {
	m, _ := v.AsMap()
	return m
}

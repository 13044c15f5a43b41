package delta

import (
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func mapOf(pairs ...interface{}) value.Value {
	m := value.NewMap()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(value.Value))
	}
	return value.FromMap(m)
}

func TestDiffPatchRoundTrip(t *testing.T) {
	a := mapOf("k", value.Int(1), "keep", value.String("same"))
	b := mapOf("k", value.Int(2), "keep", value.String("same"), "new", value.Bool(true))

	d := Diff(a, b)
	if d.IsEmpty() {
		t.Fatalf("expected non-empty delta")
	}
	got, err := Patch(d, a)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !value.Equal(got, b) {
		t.Fatalf("patch result mismatch")
	}
	if !value.Equal(a, mapOf("k", value.Int(1), "keep", value.String("same"))) {
		t.Fatalf("Patch must not mutate its input")
	}
}

func TestRevertUndoesDiff(t *testing.T) {
	a := mapOf("k", value.Int(1))
	b := mapOf("k", value.Int(2), "added", value.String("x"))
	d := Diff(a, b)

	reverted, err := Revert(d, b)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !value.Equal(reverted, a) {
		t.Fatalf("revert(diff(a,b), b) should equal a")
	}
}

func TestDiffNestedMaps(t *testing.T) {
	inner := value.NewMap()
	inner.Set("x", value.Int(1))
	a := mapOf("nested", value.FromMap(inner))

	inner2 := value.NewMap()
	inner2.Set("x", value.Int(2))
	b := mapOf("nested", value.FromMap(inner2))

	d := Diff(a, b)
	if len(d) != 1 || d[0].Kind != OpChange {
		t.Fatalf("expected a single nested Change op, got %+v", d)
	}
	if len(d[0].Path) != 2 {
		t.Fatalf("expected nested path of length 2, got %v", d[0].Path)
	}
}

func TestDiffSeqAppendAndTrim(t *testing.T) {
	a := value.Seq(value.Int(1), value.Int(2))
	b := value.Seq(value.Int(1), value.Int(2), value.Int(3), value.Int(4))

	d := Diff(a, b)
	got, err := Patch(d, a)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !value.Equal(got, b) {
		t.Fatalf("append patch mismatch: %+v", got)
	}

	d2 := Diff(b, a)
	got2, err := Patch(d2, b)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if !value.Equal(got2, a) {
		t.Fatalf("trim patch mismatch: %+v", got2)
	}
}

func TestPatchFailureOnMissingPath(t *testing.T) {
	a := mapOf("k", value.Int(1))
	bogus := Delta{{Kind: OpChange, Path: value.Path{value.KeyElem("missing"), value.KeyElem("nested")}, New: value.Int(1)}}
	_, err := Patch(bogus, a)
	if err == nil {
		t.Fatalf("expected patch failure")
	}
	var pf *PatchFailure
	if !asPatchFailure(err, &pf) {
		t.Fatalf("expected *PatchFailure, got %T", err)
	}
}

func asPatchFailure(err error, out **PatchFailure) bool {
	pf, ok := err.(*PatchFailure)
	if ok {
		*out = pf
	}
	return ok
}

// Package delta implements the DeltaCodec: structural diff, patch and
// revert over value.Value trees.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// OpKind identifies the kind of change a single Op represents.
type OpKind int

const (
	OpAdd OpKind = iota
	OpRemove
	OpChange
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpChange:
		return "change"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes k by its wire name ("add", "remove", "change").
func (k OpKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

// UnmarshalJSON decodes a wire name back into an OpKind.
func (k *OpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("delta: decoding op kind: %w", err)
	}
	switch s {
	case "add":
		*k = OpAdd
	case "remove":
		*k = OpRemove
	case "change":
		*k = OpChange
	default:
		return fmt.Errorf("delta: unknown op kind %q", s)
	}
	return nil
}

// Op is a single structural edit at Path. Add carries New; Remove carries
// Old (so it can be reverted); Change carries both.
type Op struct {
	Kind OpKind      `json:"kind"`
	Path value.Path  `json:"path"`
	Old  value.Value `json:"old"`
	New  value.Value `json:"new"`
}

// Delta is an ordered list of Op, applied left to right.
type Delta []Op

// ErrPatchFailed is the sentinel wrapped by every PatchFailure.
var ErrPatchFailed = errors.New("delta: patch failed")

// PatchFailure reports which Op in a Delta could not be applied and why.
type PatchFailure struct {
	Index  int
	Op     Op
	Reason string
}

func (e *PatchFailure) Error() string {
	return fmt.Sprintf("delta: patch failed at op %d (%s %s): %s", e.Index, e.Op.Kind, e.Op.Path, e.Reason)
}

func (e *PatchFailure) Unwrap() error { return ErrPatchFailed }

func (e *PatchFailure) Is(target error) bool { return target == ErrPatchFailed }

// Diff computes a delta that transforms a into b: Patch(Diff(a,b), a)
// reproduces b. Containers of matching kind are diffed structurally;
// everything else (scalar changes, kind changes, and Set changes) is
// expressed as a single whole-value Change at that path.
func Diff(a, b value.Value) Delta {
	return diffAt(nil, a, b)
}

func diffAt(path value.Path, a, b value.Value) Delta {
	if a.Kind() != b.Kind() {
		if value.Equal(a, b) {
			return nil
		}
		return Delta{{Kind: OpChange, Path: path, Old: a, New: b}}
	}
	switch a.Kind() {
	case value.KindMap:
		return diffMap(path, a, b)
	case value.KindSeq:
		return diffSeq(path, a, b)
	default:
		if value.Equal(a, b) {
			return nil
		}
		return Delta{{Kind: OpChange, Path: path, Old: a, New: b}}
	}
}

func diffMap(path value.Path, a, b value.Value) Delta {
	am, _ := a.AsMap()
	bm, _ := b.AsMap()
	var out Delta
	for _, k := range am.SortedKeys() {
		av, _ := am.Get(k)
		if bv, ok := bm.Get(k); ok {
			out = append(out, diffAt(path.Append(value.KeyElem(k)), av, bv)...)
		} else {
			out = append(out, Op{Kind: OpRemove, Path: path.Append(value.KeyElem(k)), Old: av})
		}
	}
	for _, k := range bm.SortedKeys() {
		if _, ok := am.Get(k); !ok {
			bv, _ := bm.Get(k)
			out = append(out, Op{Kind: OpAdd, Path: path.Append(value.KeyElem(k)), New: bv})
		}
	}
	return out
}

// diffSeq compares element-by-element up to the shorter length, then
// expresses any length difference as trailing Add/Remove ops. This is not
// a minimal edit-script diff (no element shifting/LCS), matching the
// "minimal-ish" sequence guidance: good enough to keep deltas small for
// the common case of appends and in-place element edits.
func diffSeq(path value.Path, a, b value.Value) Delta {
	as, _ := a.AsSeq()
	bs, _ := b.AsSeq()
	var out Delta
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		out = append(out, diffAt(path.Append(value.IndexElem(i)), as[i], bs[i])...)
	}
	for i := len(as) - 1; i >= n; i-- {
		out = append(out, Op{Kind: OpRemove, Path: path.Append(value.IndexElem(i)), Old: as[i]})
	}
	for i := n; i < len(bs); i++ {
		out = append(out, Op{Kind: OpAdd, Path: path.Append(value.IndexElem(i)), New: bs[i]})
	}
	return out
}

// Patch applies d to a copy of v, returning the result. v itself is left
// untouched.
func Patch(d Delta, v value.Value) (value.Value, error) {
	cur := value.Clone(v)
	for i, op := range d {
		var err error
		cur, err = applyOp(cur, op)
		if err != nil {
			return value.Value{}, &PatchFailure{Index: i, Op: op, Reason: err.Error()}
		}
	}
	return cur, nil
}

func applyOp(v value.Value, op Op) (value.Value, error) {
	switch op.Kind {
	case OpAdd:
		return value.Set(v, op.Path, op.New)
	case OpRemove:
		return value.Delete(v, op.Path)
	case OpChange:
		return value.Set(v, op.Path, op.New)
	default:
		return value.Value{}, fmt.Errorf("unknown op kind %v", op.Kind)
	}
}

// Revert applies d to v in reverse, undoing it: Revert(Diff(a,b), b)
// reproduces a.
func Revert(d Delta, v value.Value) (value.Value, error) {
	cur := value.Clone(v)
	for i := len(d) - 1; i >= 0; i-- {
		op := d[i]
		inv, err := invert(op)
		if err != nil {
			return value.Value{}, &PatchFailure{Index: i, Op: op, Reason: err.Error()}
		}
		cur, err = applyOp(cur, inv)
		if err != nil {
			return value.Value{}, &PatchFailure{Index: i, Op: op, Reason: err.Error()}
		}
	}
	return cur, nil
}

func invert(op Op) (Op, error) {
	switch op.Kind {
	case OpAdd:
		return Op{Kind: OpRemove, Path: op.Path, Old: op.New}, nil
	case OpRemove:
		return Op{Kind: OpAdd, Path: op.Path, New: op.Old}, nil
	case OpChange:
		return Op{Kind: OpChange, Path: op.Path, Old: op.New, New: op.Old}, nil
	default:
		return Op{}, fmt.Errorf("unknown op kind %v", op.Kind)
	}
}

// IsEmpty reports whether d has no effective operations.
func (d Delta) IsEmpty() bool { return len(d) == 0 }

// Concat returns a new Delta with b's ops appended after a's.
func Concat(a, b Delta) Delta {
	out := make(Delta, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

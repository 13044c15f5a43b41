// Package edgestate tracks, per peer, the checksum-anchored chain of
// edits exchanged since the last common baseline.
package edgestate

import (
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/meshsync/pkg/checksum"
	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// ErrAnchorMissing is returned when an inbound edit chain shares no
// checksum with the local chain: the two sides have diverged past any
// point either one remembers.
var ErrAnchorMissing = errors.New("edgestate: no shared anchor in edit chain")

// ErrProtocolInvariant marks a violated structural invariant, such as a
// checksum/delta mismatch within a single chain.
var ErrProtocolInvariant = errors.New("edgestate: protocol invariant violated")

// EditEntry is one link in an edge's edit chain: the checksum of the
// value reached after applying Delta to the value reached by the
// previous entry, plus the Delta itself (nil for the chain head).
type EditEntry struct {
	Checksum string      `json:"checksum"`
	Delta    delta.Delta `json:"delta,omitempty"`
}

// EdgeState is the per-peer view of a document's sync state: a baseline
// value both sides are known to have once agreed on, plus a chain of
// edits applied locally since that baseline. Edits[0] always has a nil
// Delta and a Checksum matching Baseline.
type EdgeState struct {
	Baseline value.Value
	Edits    []EditEntry
}

// New creates an EdgeState anchored at baseline with an empty edit chain.
func New(baseline value.Value) *EdgeState {
	return &EdgeState{
		Baseline: baseline,
		Edits:    []EditEntry{{Checksum: checksum.Of(baseline)}},
	}
}

// Collapse concatenates the deltas of edits[from:] into a single Delta.
func (e *EdgeState) Collapse(from int) delta.Delta {
	var out delta.Delta
	for i := from; i < len(e.Edits); i++ {
		out = delta.Concat(out, e.Edits[i].Delta)
	}
	return out
}

// Current reconstructs the value this edge chain currently describes:
// Baseline with every recorded edit applied.
func (e *EdgeState) Current() (value.Value, error) {
	return delta.Patch(e.Collapse(1), e.Baseline)
}

// AppendLocal diffs content against the edge's current reconstructed
// value and, if they differ, appends a new edit entry. Reports whether an
// entry was appended.
func (e *EdgeState) AppendLocal(content value.Value) (bool, error) {
	prev, err := e.Current()
	if err != nil {
		return false, fmt.Errorf("edgestate: reconstructing current value: %w", err)
	}
	d := delta.Diff(prev, content)
	if d.IsEmpty() {
		return false, nil
	}
	e.Edits = append(e.Edits, EditEntry{Checksum: checksum.Of(content), Delta: d})
	return true, nil
}

// FindAnchor looks for the last checksum shared between e's edit chain
// and an inbound chain, scanning from the tail of each (the most likely
// place for a recent common ancestor) backward toward the head. It
// returns the index into e.Edits and into remote at which the chains
// agree, or ok=false if the chains share no checksum at all.
func (e *EdgeState) FindAnchor(remote []EditEntry) (localIdx, remoteIdx int, ok bool) {
	remoteByChecksum := make(map[string]int, len(remote))
	for i, entry := range remote {
		remoteByChecksum[entry.Checksum] = i
	}
	for i := len(e.Edits) - 1; i >= 0; i-- {
		if j, found := remoteByChecksum[e.Edits[i].Checksum]; found {
			return i, j, true
		}
	}
	return 0, 0, false
}

// AdvanceBaselineTo folds the deltas of edits[1..index] (inclusive) into
// Baseline. The old edits[index] becomes the new head edits[0] (checksum
// kept, delta dropped), followed by edits[index+1:] as the remaining
// unconfirmed tail.
func (e *EdgeState) AdvanceBaselineTo(index int) error {
	if index < 0 || index >= len(e.Edits) {
		return fmt.Errorf("%w: advance index %d out of range [0,%d)", ErrProtocolInvariant, index, len(e.Edits))
	}
	if index == 0 {
		return nil
	}
	folded, err := foldTo(e, index)
	if err != nil {
		return fmt.Errorf("edgestate: advancing baseline: %w", err)
	}
	e.Baseline = folded
	e.Edits = append([]EditEntry{{Checksum: e.Edits[index].Checksum}}, e.Edits[index+1:]...)
	return nil
}

func foldTo(e *EdgeState, index int) (value.Value, error) {
	var d delta.Delta
	for i := 1; i <= index; i++ {
		d = delta.Concat(d, e.Edits[i].Delta)
	}
	return delta.Patch(d, e.Baseline)
}

// Reset discards all history and re-anchors the edge at baseline,
// matching the AnchorMissing recovery path in SyncEngine.
func (e *EdgeState) Reset(baseline value.Value) {
	e.Baseline = baseline
	e.Edits = []EditEntry{{Checksum: checksum.Of(baseline)}}
}

// HasPending reports whether there are unconfirmed edits beyond the head.
func (e *EdgeState) HasPending() bool { return len(e.Edits) > 1 }

package syncengine

import (
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// merge computes the delta to apply to the live document content when
// reconciling a peer's remote edit chain against our own local one,
// given their common baseline.
//
// Non-conflicting case: if applying local-then-remote and
// remote-then-local to baseline produce the same value (the two deltas
// commute), the edits are independent and the net delta to fold into
// content is simply remote, since our side already carries local.
//
// Conflicting case: when the two edits touch the same state in
// incompatible ways, the higher peer ID wins deterministically without
// any coordination beyond the two IDs being totally ordered and known to
// both sides:
//   - direction == down (the remote side's ID is smaller, i.e. we are
//     the higher ID): local wins, net delta is empty.
//   - direction == up (the remote side's ID is larger, i.e. we are the
//     lower ID): remote wins; the net delta is computed against the
//     live content (not baseline) so it folds cleanly into whatever
//     other state content may additionally carry.
func merge(baseline, content value.Value, local, remote delta.Delta, direction conduit.Direction) (net delta.Delta, conflicted bool, err error) {
	preLocal, errLocal := delta.Patch(local, baseline)
	preRemote, errRemote := delta.Patch(remote, baseline)

	if errLocal == nil && errRemote == nil {
		x, errX := delta.Patch(remote, preLocal)
		y, errY := delta.Patch(local, preRemote)
		if errX == nil && errY == nil && value.Equal(x, y) {
			return remote, false, nil
		}
	}

	switch direction {
	case conduit.DirectionDown:
		return delta.Delta{}, true, nil
	default: // conduit.DirectionUp
		if errRemote != nil {
			// remote doesn't even apply cleanly to baseline; leaving
			// content untouched is safer than compounding the failure.
			return delta.Delta{}, true, nil
		}
		return delta.Diff(content, preRemote), true, nil
	}
}

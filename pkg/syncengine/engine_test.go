package syncengine

import (
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/checksum"
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/edgestate"
	"github.com/atvirokodosprendimai/meshsync/pkg/tracker"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func emptyMap() value.Value { return value.FromMap(value.NewMap()) }

func getInt(t *testing.T, doc *Document, key string) int64 {
	t.Helper()
	v, err := doc.Tracker().Get(value.Path{value.KeyElem(key)})
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	i, ok := v.AsInt()
	if !ok {
		t.Fatalf("%q is not an int: %v", key, v)
	}
	return i
}

func getString(t *testing.T, doc *Document, key string) string {
	t.Helper()
	v, err := doc.Tracker().Get(value.Path{value.KeyElem(key)})
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	s, ok := v.AsString()
	if !ok {
		t.Fatalf("%q is not a string: %v", key, v)
	}
	return s
}

// newPeer wires a Document+Engine over a fresh in-memory conduit for docID,
// starting it so it is visible to peers already announced on the same hub.
func newPeer(t *testing.T, docID, selfID string) (*Document, *Engine) {
	t.Helper()
	return newPeerWithContent(t, docID, selfID, emptyMap())
}

func newPeerWithContent(t *testing.T, docID, selfID string, initial value.Value) (*Document, *Engine) {
	t.Helper()
	doc := NewDocument(docID, selfID, initial)
	cond := conduit.NewMemory(docID, selfID)
	e := NewEngine(doc, cond)
	if err := e.Start(); err != nil {
		t.Fatalf("starting engine for %s: %v", selfID, err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return doc, e
}

// TestTwoNodeInsertDeleteCommute: two nodes each set a
// distinct key; since the edits touch disjoint paths they commute, and
// both nodes converge on the union of both sets.
func TestTwoNodeInsertDeleteCommute(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-s1"
	n1, _ := newPeer(t, docID, "n1")
	n2, _ := newPeer(t, docID, "n2")

	if err := n1.Tracker().Set(value.Path{value.KeyElem("x")}, value.Int(1)); err != nil {
		t.Fatalf("n1 set x: %v", err)
	}
	if err := n2.Tracker().Set(value.Path{value.KeyElem("y")}, value.Int(2)); err != nil {
		t.Fatalf("n2 set y: %v", err)
	}

	if got := getInt(t, n1, "x"); got != 1 {
		t.Fatalf("n1.x = %d, want 1", got)
	}
	if got := getInt(t, n1, "y"); got != 2 {
		t.Fatalf("n1.y = %d, want 2", got)
	}
	if got := getInt(t, n2, "x"); got != 1 {
		t.Fatalf("n2.x = %d, want 1", got)
	}
	if got := getInt(t, n2, "y"); got != 2 {
		t.Fatalf("n2.y = %d, want 2", got)
	}
}

// TestConflictingSetLargerIDWins: both nodes set the
// same key to different values. The direction-asymmetric merge rule
// resolves the conflict so the higher peer ID's value wins everywhere.
func TestConflictingSetLargerIDWins(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-s2"
	a, _ := newPeer(t, docID, "a")
	b, _ := newPeer(t, docID, "b")

	if err := a.Tracker().Set(value.Path{value.KeyElem("k")}, value.String("A")); err != nil {
		t.Fatalf("a set k: %v", err)
	}
	if err := b.Tracker().Set(value.Path{value.KeyElem("k")}, value.String("B")); err != nil {
		t.Fatalf("b set k: %v", err)
	}

	if got := getString(t, a, "k"); got != "B" {
		t.Fatalf("a.k = %q, want B (higher id b should win)", got)
	}
	if got := getString(t, b, "k"); got != "B" {
		t.Fatalf("b.k = %q, want B", got)
	}
}

// TestThreeNodeChainRelay: a chain n1-n2-n3 sorted by
// id. n1 sets v=1, then n3 sets v=2 before the first edit has had a
// chance to settle across the whole chain. The higher id's write must
// still end up visible everywhere once the dust settles.
func TestThreeNodeChainRelay(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-s3"
	n1, _ := newPeer(t, docID, "n1")
	n2, _ := newPeer(t, docID, "n2")
	n3, _ := newPeer(t, docID, "n3")

	if err := n1.Tracker().Set(value.Path{value.KeyElem("v")}, value.Int(1)); err != nil {
		t.Fatalf("n1 set v=1: %v", err)
	}
	if err := n3.Tracker().Set(value.Path{value.KeyElem("v")}, value.Int(2)); err != nil {
		t.Fatalf("n3 set v=2: %v", err)
	}

	for _, doc := range []*Document{n1, n2, n3} {
		if got := getInt(t, doc, "v"); got != 2 {
			t.Fatalf("%s.v = %d, want 2", doc.SelfID(), got)
		}
	}
}

// TestAtomicRollbackSendsNothing: an atomic scope that
// raises leaves content untouched, and the peer's content stays unchanged
// because nothing from the aborted scope reaches it.
func TestAtomicRollbackSendsNothing(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-s4"

	initial := value.FromMap(mapWith("a", value.Seq()))
	n1, _ := newPeerWithContent(t, docID, "n1", initial)
	n2, _ := newPeerWithContent(t, docID, "n2", initial)

	before := n1.Tracker().Content()
	n2Before := n2.Tracker().Content()
	errAborted := errors.New("atomic scope aborted for test")

	abortErr := n1.Tracker().Atomic(func(s *tracker.Scope) error {
		path := value.Path{value.KeyElem("a"), value.IndexElem(0)}
		if err := s.Set(path, value.String("x")); err != nil {
			return err
		}
		return errAborted
	})
	if !errors.Is(abortErr, errAborted) {
		t.Fatalf("expected Atomic to wrap the abort error, got %v", abortErr)
	}

	after := n1.Tracker().Content()
	if !value.Equal(before, after) {
		t.Fatalf("n1 content changed despite aborted atomic scope: before=%v after=%v", before, after)
	}

	n2After := n2.Tracker().Content()
	if !value.Equal(n2Before, n2After) {
		t.Fatalf("n2 received content despite n1's aborted scope: before=%v after=%v", n2Before, n2After)
	}
}

func mapWith(key string, v value.Value) *value.Map {
	m := value.NewMap()
	m.Set(key, v)
	return m
}

// TestPeerRejoinConverges: two nodes converge, one
// disconnects and mutates independently, the other mutates too, then the
// first reconnects. Both must converge to the higher-id node's value.
func TestPeerRejoinConverges(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-s5"
	n1, e1 := newPeer(t, docID, "n1")
	n2, _ := newPeer(t, docID, "n2")

	if err := n1.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(1)); err != nil {
		t.Fatalf("initial converge set: %v", err)
	}
	if got := getInt(t, n2, "k"); got != 1 {
		t.Fatalf("n2.k = %d before disconnect, want 1", got)
	}

	if err := e1.Shutdown(); err != nil {
		t.Fatalf("n1 shutdown: %v", err)
	}

	if err := n2.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(2)); err != nil {
		t.Fatalf("n2 set k=2 while disconnected: %v", err)
	}
	if err := n1.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(3)); err != nil {
		t.Fatalf("n1 set k=3 while disconnected: %v", err)
	}

	cond := conduit.NewMemory(docID, "n1")
	e1rejoined := NewEngine(n1, cond)
	if err := e1rejoined.Start(); err != nil {
		t.Fatalf("n1 rejoin: %v", err)
	}
	t.Cleanup(func() { e1rejoined.Shutdown() })

	if got := getInt(t, n1, "k"); got != 2 {
		t.Fatalf("n1.k after rejoin = %d, want 2 (n2 has the higher id)", got)
	}
	if got := getInt(t, n2, "k"); got != 2 {
		t.Fatalf("n2.k after rejoin = %d, want 2", got)
	}
}

// TestUserCallbackAndSyncCoexist ensures installing an application change
// callback on the tracker does not displace the engine's propagation
// hook, and that the callback observes both local mutations and remote
// merges.
func TestUserCallbackAndSyncCoexist(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-callback"
	n1, _ := newPeer(t, docID, "n1")
	n2, _ := newPeer(t, docID, "n2")

	var events []tracker.ChangeEvent
	n1.Tracker().SetOnChange(func(ev tracker.ChangeEvent) { events = append(events, ev) })

	if err := n1.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(7)); err != nil {
		t.Fatalf("n1 set k: %v", err)
	}
	if got := getInt(t, n2, "k"); got != 7 {
		t.Fatalf("n2.k = %d, want 7 (sync hook displaced by user callback?)", got)
	}
	if len(events) == 0 {
		t.Fatalf("user callback saw no events for a local mutation")
	}

	seen := len(events)
	if err := n2.Tracker().Set(value.Path{value.KeyElem("j")}, value.Int(8)); err != nil {
		t.Fatalf("n2 set j: %v", err)
	}
	if got := getInt(t, n1, "j"); got != 8 {
		t.Fatalf("n1.j = %d, want 8", got)
	}
	if len(events) <= seen {
		t.Fatalf("user callback saw no event for a remote merge")
	}
}

// TestAnchorMissingResetsEdge feeds the engine an edit chain sharing no
// checksum with the local one. The edge must be re-anchored at the
// document's initial value with the whole current content as a single
// full-value edit, ready for an ordinary merge on the next round.
func TestAnchorMissingResetsEdge(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-anchor"
	n1, e1 := newPeer(t, docID, "n1")
	if err := n1.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(1)); err != nil {
		t.Fatalf("set: %v", err)
	}

	e1.Receive("ghost", conduit.Message{DocID: docID, Upwards: true, Edits: []edgestate.EditEntry{
		{Checksum: "0000000000000000"},
		{Checksum: "ffffffffffffffff"},
	}})

	n1.Tracker().Lock()
	edge := n1.edges["ghost"]
	n1.Tracker().Unlock()
	if edge == nil {
		t.Fatalf("no edge recorded for ghost")
	}
	if got, want := checksum.Of(edge.Baseline), checksum.Of(emptyMap()); got != want {
		t.Fatalf("edge baseline not reset to the initial value")
	}
	if len(edge.Edits) != 2 {
		t.Fatalf("expected reset chain of 2 entries (anchor + full edit), got %d", len(edge.Edits))
	}
	if got, want := edge.Edits[1].Checksum, checksum.Of(n1.Tracker().Content()); got != want {
		t.Fatalf("full-value edit checksum = %s, want checksum of current content %s", got, want)
	}
}

// TestDuplicateDeliveryIsIdempotent delivers the same inbound message
// twice; the second delivery must leave content untouched.
func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-idem"
	n1, e1 := newPeer(t, docID, "n1")

	initial := emptyMap()
	remote := value.FromMap(mapWith("k", value.Int(9)))
	msg := conduit.Message{DocID: docID, Upwards: false, Edits: []edgestate.EditEntry{
		{Checksum: checksum.Of(initial)},
		{Checksum: checksum.Of(remote), Delta: delta.Diff(initial, remote)},
	}}

	e1.Receive("zz", msg)
	if got := getInt(t, n1, "k"); got != 9 {
		t.Fatalf("n1.k = %d after first delivery, want 9", got)
	}

	e1.Receive("zz", msg)
	if got := getInt(t, n1, "k"); got != 9 {
		t.Fatalf("n1.k = %d after duplicate delivery, want 9", got)
	}
	m, _ := n1.Tracker().Content().AsMap()
	if m.Len() != 1 {
		t.Fatalf("duplicate delivery grew the document: %d keys", m.Len())
	}
}

// TestAcceptStoredFoldsRemoteValueIn routes a value that won conflict
// arbitration at the persistence layer through the engine: the stored
// value must replace the local one (the store is the higher authority)
// while unrelated keys survive, and the pseudo-peer edge must not stick
// around afterwards.
func TestAcceptStoredFoldsRemoteValueIn(t *testing.T) {
	conduit.ResetMemoryHubs()
	docID := "doc-accept"
	n1, e1 := newPeer(t, docID, "n1")

	if err := n1.Tracker().Set(value.Path{value.KeyElem("k")}, value.Int(1)); err != nil {
		t.Fatalf("set k: %v", err)
	}
	if err := n1.Tracker().Set(value.Path{value.KeyElem("other")}, value.Int(7)); err != nil {
		t.Fatalf("set other: %v", err)
	}

	if err := e1.AcceptStored("k", value.Int(5)); err != nil {
		t.Fatalf("AcceptStored: %v", err)
	}
	if got := getInt(t, n1, "k"); got != 5 {
		t.Fatalf("k = %d after AcceptStored, want 5", got)
	}
	if got := getInt(t, n1, "other"); got != 7 {
		t.Fatalf("other = %d after AcceptStored, want 7 (unrelated key clobbered)", got)
	}

	n1.Tracker().Lock()
	_, edgeKept := n1.edges["store:"+docID]
	n1.Tracker().Unlock()
	if edgeKept {
		t.Fatalf("pseudo-peer edge should be dropped after AcceptStored")
	}
}

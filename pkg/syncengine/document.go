// Package syncengine implements the SyncEngine: the protocol driver that
// turns local Tracker mutations into outbound edit-chain messages and
// inbound messages into merged local state, using a direction-asymmetric
// conflict rule keyed on peer ID ordering.
package syncengine

import (
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/edgestate"
	"github.com/atvirokodosprendimai/meshsync/pkg/tracker"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// Document is a SyncDocument: the tracked content, the registry of known
// peers and their per-edge state. Content and edge state are guarded by
// the Tracker's shared lock so a local mutation and an inbound merge can
// never interleave mid-computation; the registry has its own lock.
type Document struct {
	selfID, docID string

	// initial is the seed value every replica of this document starts
	// from. New EdgeStates anchor here so two peers that have never
	// exchanged a message still share one checksum, and the
	// anchor-missing recovery path re-anchors here for the same reason.
	initial value.Value

	tracker  *tracker.Tracker
	registry *conduit.Registry

	// edges is guarded by tracker's shared lock (Lock/Unlock), the same
	// critical section that guards content, so a peer's edit chain and
	// the document content it describes are always observed together.
	edges map[string]*edgestate.EdgeState
}

// NewDocument wires a Tracker around initial content for docID/selfID.
func NewDocument(docID, selfID string, initial value.Value, opts ...tracker.Option) *Document {
	return &Document{
		selfID:   selfID,
		docID:    docID,
		initial:  value.Clone(initial),
		tracker:  tracker.New(initial, opts...),
		registry: conduit.NewRegistry(selfID),
		edges:    map[string]*edgestate.EdgeState{},
	}
}

func (d *Document) Tracker() *tracker.Tracker { return d.tracker }
func (d *Document) SelfID() string            { return d.selfID }
func (d *Document) DocID() string             { return d.docID }

// edgeLocked returns the EdgeState for peerID, creating one anchored at
// the document's initial value if none exists yet. Caller must hold
// d.tracker's lock.
func (d *Document) edgeLocked(peerID string) *edgestate.EdgeState {
	e, ok := d.edges[peerID]
	if !ok {
		e = edgestate.New(d.initial)
		d.edges[peerID] = e
	}
	return e
}

// dropEdgeLocked discards peerID's EdgeState. Caller must hold
// d.tracker's lock.
func (d *Document) dropEdgeLocked(peerID string) {
	delete(d.edges, peerID)
}

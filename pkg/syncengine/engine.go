package syncengine

import (
	"fmt"
	"log/slog"

	"github.com/atvirokodosprendimai/meshsync/pkg/checksum"
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/delta"
	"github.com/atvirokodosprendimai/meshsync/pkg/edgestate"
	"github.com/atvirokodosprendimai/meshsync/pkg/tracker"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// Engine is the SyncEngine: it drives one Document's protocol exchange
// over one Conduit. It implements conduit.Handler.
type Engine struct {
	doc     *Document
	cond    conduit.Conduit
	log     *slog.Logger
	metrics Metrics
}

// Metrics receives counters the engine increments as it runs. It is
// optional: NewEngine installs a no-op implementation unless WithMetrics
// supplies one.
type Metrics interface {
	EditApplied(peerID string)
	ConflictResolved(direction conduit.Direction)
	AnchorReset(peerID string)
}

type noopMetrics struct{}

func (noopMetrics) EditApplied(string)                 {}
func (noopMetrics) ConflictResolved(conduit.Direction) {}
func (noopMetrics) AnchorReset(string)                 {}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.log = l } }
func WithMetrics(m Metrics) EngineOption     { return func(e *Engine) { e.metrics = m } }

// NewEngine binds doc to cond. Call Start to register and announce.
func NewEngine(doc *Document, cond conduit.Conduit, opts ...EngineOption) *Engine {
	e := &Engine{doc: doc, cond: cond, log: slog.Default(), metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(e)
	}
	doc.tracker.BindSync(e.OnLocalChange)
	return e
}

// Start registers this engine with its conduit and announces presence.
func (e *Engine) Start() error {
	if err := e.cond.Register(e); err != nil {
		return err
	}
	return e.cond.Announce()
}

// Shutdown deregisters from the conduit.
func (e *Engine) Shutdown() error { return e.cond.Shutdown() }

// Document returns the bound document.
func (e *Engine) Document() *Document { return e.doc }

type pendingSend struct {
	peerID string
	msg    conduit.Message
}

// OnLocalChange is invoked whenever the document's tracker commits a
// local mutation. It recomputes and (re)sends each neighbour's full edit
// chain outside the document lock, per the Conduit-call suspension-point
// rule.
func (e *Engine) OnLocalChange(tracker.ChangeEvent) {
	e.propagateToNeighbours()
}

func (e *Engine) propagateToNeighbours() {
	var sends []pendingSend
	e.doc.tracker.Lock()
	for _, peerID := range e.doc.registry.Neighbours() {
		msg := e.prepareOutboundLocked(peerID)
		sends = append(sends, pendingSend{peerID: peerID, msg: msg})
	}
	e.doc.tracker.Unlock()

	for _, s := range sends {
		if err := e.cond.Send(s.peerID, s.msg); err != nil {
			e.log.Warn("sync: send failed", "peer", s.peerID, "err", err)
		}
	}
}

// prepareOutboundLocked folds the current content into peerID's edge
// chain (if it changed) and builds the message to send. Caller must hold
// the document lock.
func (e *Engine) prepareOutboundLocked(peerID string) conduit.Message {
	edge := e.doc.edgeLocked(peerID)
	content := e.doc.tracker.ContentLocked()
	if appended, err := edge.AppendLocal(content); err != nil {
		e.log.Error("sync: appending local edit failed", "peer", peerID, "err", err)
	} else if appended {
		e.metrics.EditApplied(peerID)
	}
	upwards := e.doc.registry.DirectionOf(peerID) == conduit.DirectionUp
	return conduit.Message{DocID: e.doc.docID, Upwards: upwards, Edits: append([]edgestate.EditEntry(nil), edge.Edits...)}
}

// OnPeerUp is called by the Conduit when a peer joins the document's
// membership (including already-present peers discovered on our own
// Announce). It adds the peer to the routing view and, if that changes
// who our neighbours are, immediately sends them our full edit chain.
func (e *Engine) OnPeerUp(peerID string) {
	if e.doc.registry.Add(peerID) {
		e.propagateToNeighbours()
	}
}

// OnPeerDown removes peerID from the routing view and discards its
// EdgeState. A reconnecting peer gets a fresh edge anchored at the
// document's initial value, so both sides share an anchor again and
// reconcile through the ordinary merge path.
func (e *Engine) OnPeerDown(peerID string) {
	e.doc.tracker.Lock()
	e.doc.dropEdgeLocked(peerID)
	e.doc.tracker.Unlock()
	if e.doc.registry.Remove(peerID) {
		e.propagateToNeighbours()
	}
}

// Receive processes an inbound message from sourceID: it locates the
// shared anchor in the two edit chains, merges any divergence using the
// direction-asymmetric conflict rule, applies the net result to content,
// and (outside the lock) propagates any resulting change onward and
// fires the document change callback.
func (e *Engine) Receive(sourceID string, msg conduit.Message) {
	e.doc.tracker.Lock()
	edge := e.doc.edgeLocked(sourceID)
	contentBefore := e.doc.tracker.ContentLocked()

	// Fold any local changes this peer has not been sent yet into the
	// chain first, so the local side of the merge below is complete even
	// when the message raced ahead of our own outbound propagation.
	if _, err := edge.AppendLocal(contentBefore); err != nil {
		e.log.Error("sync: appending local edit failed", "peer", sourceID, "err", err)
		e.doc.tracker.Unlock()
		return
	}

	localIdx, remoteIdx, ok := edge.FindAnchor(msg.Edits)
	if !ok {
		resend := e.resetEdgeLocked(sourceID, edge)
		after := e.doc.tracker.ContentLocked()
		e.doc.tracker.Unlock()
		e.metrics.AnchorReset(sourceID)
		if err := e.cond.Send(sourceID, resend); err != nil {
			e.log.Warn("sync: anchor-reset resend failed", "peer", sourceID, "err", err)
		}
		// The reset changes no content, but observers watching for
		// reconciliation events still get an (empty-delta) advisory.
		_ = e.doc.tracker.FireChange(after, delta.Delta{})
		return
	}

	if err := edge.AdvanceBaselineTo(localIdx); err != nil {
		e.log.Error("sync: advancing baseline failed", "peer", sourceID, "err", err)
		e.doc.tracker.Unlock()
		return
	}
	localDelta := edge.Collapse(1)
	remoteDelta := collapseFrom(msg.Edits, remoteIdx+1)

	direction := directionOf(msg)
	net, conflicted, err := merge(edge.Baseline, e.doc.tracker.ContentLocked(), localDelta, remoteDelta, direction)
	if err != nil {
		e.log.Error("sync: merge failed", "peer", sourceID, "err", err)
		e.doc.tracker.Unlock()
		return
	}
	if conflicted {
		e.metrics.ConflictResolved(direction)
	}

	after, err := e.doc.tracker.ApplyRemoteDeltaLocked(net)
	if err != nil {
		e.log.Error("sync: applying merged delta failed", "peer", sourceID, "err", err)
		e.doc.tracker.Unlock()
		return
	}

	changed := !value.Equal(after, contentBefore)
	hasPendingEither := edge.HasPending() || len(msg.Edits) > 1
	var resendMsg *conduit.Message
	if changed {
		edge.AppendLocal(after)
	} else if hasPendingEither {
		edge.AppendLocal(after)
		m := conduit.Message{DocID: e.doc.docID, Upwards: !msg.Upwards, Edits: append([]edgestate.EditEntry(nil), edge.Edits...)}
		resendMsg = &m
	}
	e.doc.tracker.Unlock()

	if !net.IsEmpty() {
		if err := e.doc.tracker.FireChange(after, net); err != nil {
			e.log.Error("sync: firing change callback failed", "err", err)
		}
	}
	if changed {
		e.propagateToNeighbours()
	} else if resendMsg != nil {
		if err := e.cond.Send(sourceID, *resendMsg); err != nil {
			e.log.Warn("sync: anchor-flush resend failed", "peer", sourceID, "err", err)
		}
	}
}

// resetEdgeLocked implements the AnchorMissing recovery path: the two
// chains share no checksum, so the edge is re-anchored at the document's
// initial value (the one checksum every replica is guaranteed to know)
// with the whole current content as a single full-value edit on top. It
// returns the message carrying that chain to the peer. Caller must hold
// the document lock.
func (e *Engine) resetEdgeLocked(sourceID string, edge *edgestate.EdgeState) conduit.Message {
	edge.Reset(e.doc.initial)
	if _, err := edge.AppendLocal(e.doc.tracker.ContentLocked()); err != nil {
		e.log.Error("sync: appending full-value edit after reset failed", "peer", sourceID, "err", err)
	}
	e.log.Warn("sync: anchor missing, resetting edge", "peer", sourceID)
	return conduit.Message{
		DocID:   e.doc.docID,
		Upwards: e.doc.registry.DirectionOf(sourceID) == conduit.DirectionUp,
		Edits:   append([]edgestate.EditEntry(nil), edge.Edits...),
	}
}

// AcceptStored folds a value that won conflict arbitration at the
// persistence layer back into the document as if it had arrived from a
// peer: the stored value for the top-level key is expressed as a
// synthetic edit chain from a pseudo-peer anchored at the initial
// value and handed to Receive, so the ordinary merge, change callback,
// and onward propagation all apply. The message travels "downward"
// (store as the higher authority), making the stored value win any
// conflict with pending local state.
func (e *Engine) AcceptStored(key string, stored value.Value) error {
	e.doc.tracker.Lock()
	target, err := value.Set(e.doc.tracker.ContentLocked(), value.Path{value.KeyElem(key)}, stored)
	e.doc.tracker.Unlock()
	if err != nil {
		return fmt.Errorf("syncengine: building stored-value target: %w", err)
	}

	storePeer := "store:" + e.doc.docID
	msg := conduit.Message{
		DocID:   e.doc.docID,
		Upwards: false,
		Edits: []edgestate.EditEntry{
			{Checksum: checksum.Of(e.doc.initial)},
			{Checksum: checksum.Of(target), Delta: delta.Diff(e.doc.initial, target)},
		},
	}
	e.Receive(storePeer, msg)

	// The pseudo-peer has no real edit history to reconcile against next
	// time; keeping its edge around would only accumulate entries.
	e.doc.tracker.Lock()
	e.doc.dropEdgeLocked(storePeer)
	e.doc.tracker.Unlock()
	return nil
}

func directionOf(msg conduit.Message) conduit.Direction {
	if msg.Upwards {
		return conduit.DirectionDown
	}
	return conduit.DirectionUp
}

func collapseFrom(edits []edgestate.EditEntry, from int) delta.Delta {
	var out delta.Delta
	for i := from; i < len(edits); i++ {
		out = delta.Concat(out, edits[i].Delta)
	}
	return out
}

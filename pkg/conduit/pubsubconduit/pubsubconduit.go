// Package pubsubconduit implements a conduit.Conduit over NATS core
// pub/sub: one subject per document for membership broadcast and
// discovery, one subject per (doc_id, peer_id) for point-to-point
// delivery. NATS core subscriptions on a single connection are delivered
// in publish order to that subscriber, which is what gives Send its
// required per-(sender,receiver) FIFO guarantee: as long as a given
// pair's messages are always published on that pair's dedicated subject
// by the same publisher, reorder can only happen between different
// senders, which the engine does not depend on.
package pubsubconduit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/nats-io/nats.go"
)

const discoverTimeout = 500 * time.Millisecond

// envelope carries the three kinds of traffic this Conduit needs, all
// multiplexed through plain NATS messages rather than separate wire
// formats.
type envelope struct {
	Kind    string           `json:"kind"`
	PeerID  string           `json:"peer_id,omitempty"`
	Message *conduit.Message `json:"message,omitempty"`
}

const (
	kindAnnounce = "announce"
	kindLeave    = "leave"
	kindMessage  = "message"
)

// Conduit is a conduit.Conduit backed by a NATS connection.
type Conduit struct {
	selfID, docID string
	nc            *nats.Conn
	log           *slog.Logger

	mu      sync.Mutex
	handler conduit.Handler
	known   map[string]struct{}
	subs    []*nats.Subscription
}

// New binds a Conduit to an already-connected NATS client. The caller
// owns nc's lifecycle beyond Shutdown, which only unsubscribes; closing
// nc itself is the caller's responsibility.
func New(nc *nats.Conn, docID, selfID string, opts ...Option) *Conduit {
	c := &Conduit{selfID: selfID, docID: docID, nc: nc, log: slog.Default(), known: map[string]struct{}{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Conduit at construction time.
type Option func(*Conduit)

func WithLogger(l *slog.Logger) Option { return func(c *Conduit) { c.log = l } }

func (c *Conduit) SelfID() string { return c.selfID }
func (c *Conduit) DocID() string  { return c.docID }

func (c *Conduit) announceSubject() string { return fmt.Sprintf("meshsync.%s.announce", c.docID) }
func (c *Conduit) discoverSubject() string { return fmt.Sprintf("meshsync.%s.discover", c.docID) }
func (c *Conduit) peerSubject(id string) string {
	return fmt.Sprintf("meshsync.%s.peer.%s", c.docID, id)
}

func (c *Conduit) Register(h conduit.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

// Announce subscribes to this node's inbox, membership broadcast, and
// discovery-request subjects, then requests the current membership from
// whoever is already listening before broadcasting its own arrival.
func (c *Conduit) Announce() error {
	peerSub, err := c.nc.Subscribe(c.peerSubject(c.selfID), c.handlePeerMessage)
	if err != nil {
		return fmt.Errorf("%w: subscribing to peer subject: %v", conduit.ErrTransport, err)
	}
	announceSub, err := c.nc.Subscribe(c.announceSubject(), c.handleAnnounce)
	if err != nil {
		peerSub.Unsubscribe()
		return fmt.Errorf("%w: subscribing to announce subject: %v", conduit.ErrTransport, err)
	}
	discoverSub, err := c.nc.Subscribe(c.discoverSubject(), c.handleDiscoverRequest)
	if err != nil {
		peerSub.Unsubscribe()
		announceSub.Unsubscribe()
		return fmt.Errorf("%w: subscribing to discover subject: %v", conduit.ErrTransport, err)
	}
	c.mu.Lock()
	c.subs = []*nats.Subscription{peerSub, announceSub, discoverSub}
	c.mu.Unlock()

	c.discoverExisting()
	return c.broadcastSelf()
}

func (c *Conduit) discoverExisting() {
	inbox := nats.NewInbox()
	replies, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		c.log.Warn("pubsubconduit: discovery subscribe failed", "err", err)
		return
	}
	defer replies.Unsubscribe()

	req, _ := json.Marshal(envelope{Kind: kindAnnounce, PeerID: c.selfID})
	if err := c.nc.PublishRequest(c.discoverSubject(), inbox, req); err != nil {
		c.log.Warn("pubsubconduit: discovery request failed", "err", err)
		return
	}

	deadline := time.Now().Add(discoverTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		msg, err := replies.NextMsg(remaining)
		if err != nil {
			return
		}
		var e envelope
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.PeerID == "" {
			continue
		}
		c.notePeer(e.PeerID)
	}
}

func (c *Conduit) handleDiscoverRequest(msg *nats.Msg) {
	if msg.Reply == "" || msg.Subject == "" {
		return
	}
	reply, _ := json.Marshal(envelope{Kind: kindAnnounce, PeerID: c.selfID})
	c.nc.Publish(msg.Reply, reply)
}

func (c *Conduit) handleAnnounce(msg *nats.Msg) {
	var e envelope
	if err := json.Unmarshal(msg.Data, &e); err != nil || e.PeerID == "" || e.PeerID == c.selfID {
		return
	}
	if e.Kind == kindLeave {
		c.dropPeer(e.PeerID)
		return
	}
	c.notePeer(e.PeerID)
}

func (c *Conduit) dropPeer(peerID string) {
	c.mu.Lock()
	if _, known := c.known[peerID]; !known {
		c.mu.Unlock()
		return
	}
	delete(c.known, peerID)
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnPeerDown(peerID)
	}
}

func (c *Conduit) notePeer(peerID string) {
	c.mu.Lock()
	if _, known := c.known[peerID]; known {
		c.mu.Unlock()
		return
	}
	c.known[peerID] = struct{}{}
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnPeerUp(peerID)
	}
}

func (c *Conduit) broadcastSelf() error {
	data, err := json.Marshal(envelope{Kind: kindAnnounce, PeerID: c.selfID})
	if err != nil {
		return fmt.Errorf("pubsubconduit: encoding announce: %w", err)
	}
	if err := c.nc.Publish(c.announceSubject(), data); err != nil {
		return fmt.Errorf("%w: broadcasting announce: %v", conduit.ErrTransport, err)
	}
	return nil
}

func (c *Conduit) handlePeerMessage(msg *nats.Msg) {
	var e envelope
	if err := json.Unmarshal(msg.Data, &e); err != nil || e.Kind != kindMessage || e.Message == nil {
		return
	}
	c.notePeer(e.PeerID)
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.Receive(e.PeerID, *e.Message)
	}
}

// Send publishes msg to peerID's dedicated subject.
func (c *Conduit) Send(peerID string, msg conduit.Message) error {
	data, err := json.Marshal(envelope{Kind: kindMessage, PeerID: c.selfID, Message: &msg})
	if err != nil {
		return fmt.Errorf("pubsubconduit: encoding message: %w", err)
	}
	if err := c.nc.Publish(c.peerSubject(peerID), data); err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", conduit.ErrTransport, peerID, err)
	}
	return nil
}

// Shutdown broadcasts this node's departure (so peers fire OnPeerDown
// promptly instead of waiting for a liveness timeout) and unsubscribes
// from every subject this Conduit owns.
func (c *Conduit) Shutdown() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}

	leave, _ := json.Marshal(envelope{Kind: kindLeave, PeerID: c.selfID})
	if err := c.nc.Publish(c.announceSubject(), leave); err != nil {
		c.log.Warn("pubsubconduit: leave broadcast failed", "err", err)
	}

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			return fmt.Errorf("%w: unsubscribing: %v", conduit.ErrTransport, err)
		}
	}
	return nil
}

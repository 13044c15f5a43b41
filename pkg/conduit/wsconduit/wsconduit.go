// Package wsconduit implements a conduit.Conduit over gorilla/websocket:
// one long-lived connection per ordered (sender, receiver) pair, each
// carrying a JSON-framed envelope. A single connection per pair is what
// satisfies the per-peer FIFO delivery the engine relies on: no
// reconnect-and-reorder window opens mid-stream, because each side keeps
// exactly one socket to the other alive for as long as both consider
// each other a peer.
//
// wsconduit does not discover peers on its own: a Resolver tells it the
// URL to dial for a given peer ID, and callers drive membership through
// Join/Leave (typically fed by a discovery package such as
// pkg/conduit/p2pconduit or pkg/conduit/pubsubconduit, which locate peers
// but do not carry the bulk edit-chain traffic themselves).
package wsconduit

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/ratelimit"
	"github.com/gorilla/websocket"
)

// Resolver maps a peer ID to the URL this node should dial to reach it.
type Resolver func(peerID string) (url string, ok bool)

// envelope is the wire frame carried over each websocket connection.
// Kind distinguishes a handshake (which announces the sender's ID, since
// HTTP upgrade requests cross arbitrary proxies that may not preserve
// custom headers end to end) from an ordinary sync message.
type envelope struct {
	Kind    string           `json:"kind"`
	SelfID  string           `json:"self_id,omitempty"`
	Message *conduit.Message `json:"message,omitempty"`
}

const (
	kindHello   = "hello"
	kindMessage = "message"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// peerConn wraps one peer's socket with a send mutex: gorilla/websocket
// requires a single writer at a time per connection, so every outbound
// frame for a peer funnels through peerConn.send.
type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peerConn) send(e envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(e)
}

// Conduit is a conduit.Conduit backed by per-peer websocket connections.
type Conduit struct {
	selfID, docID string
	resolve       Resolver
	log           *slog.Logger

	// handshakes backs off inbound upgrade attempts per remote host so a
	// reconnect loop on one peer cannot starve the listener.
	handshakes *ratelimit.Gate

	mu      sync.Mutex
	handler conduit.Handler
	peers   map[string]*peerConn
}

// New builds a Conduit for docID/selfID. resolve supplies dial URLs for
// peers this node initiates connections to; peers that dial in are
// accepted regardless via ServeHTTP.
func New(docID, selfID string, resolve Resolver, opts ...Option) *Conduit {
	c := &Conduit{selfID: selfID, docID: docID, resolve: resolve, log: slog.Default(), handshakes: ratelimit.NewDefault(), peers: map[string]*peerConn{}}
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

func (c *Conduit) Register(h conduit.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return nil
}

// Announce is a no-op for wsconduit: membership is driven externally via
// Join, since this Conduit has no peer-discovery mechanism of its own.
func (c *Conduit) Announce() error { return nil }

// ServeHTTP accepts an inbound peer connection. Mount it on the path the
// deployment uses for sync traffic (e.g. "/sync"); the first frame on
// every accepted connection must be a hello envelope naming the dialer's
// ID.
func (c *Conduit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !c.handshakes.Allow(host) {
		http.Error(w, "too many handshake attempts", http.StatusTooManyRequests)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("wsconduit: upgrade failed", "err", err)
		return
	}
	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != kindHello || hello.SelfID == "" {
		c.log.Warn("wsconduit: missing or invalid hello frame")
		conn.Close()
		return
	}
	c.handshakes.Succeed(host)
	c.adopt(hello.SelfID, conn)
}

// Join establishes an outbound connection to peerID (resolved via
// Resolver) and reports the peer up to the handler. Safe to call again
// for a peer that dialed in first; the existing connection is kept.
func (c *Conduit) Join(peerID string) error {
	c.mu.Lock()
	_, exists := c.peers[peerID]
	c.mu.Unlock()
	if exists {
		return nil
	}
	url, ok := c.resolve(peerID)
	if !ok {
		return conduit.ErrTransport
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", conduit.ErrTransport, peerID, err)
	}
	if err := conn.WriteJSON(envelope{Kind: kindHello, SelfID: c.selfID}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: hello to %s: %v", conduit.ErrTransport, peerID, err)
	}
	c.adopt(peerID, conn)
	return nil
}

func (c *Conduit) adopt(peerID string, conn *websocket.Conn) {
	pc := &peerConn{conn: conn}
	c.mu.Lock()
	c.peers[peerID] = pc
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnPeerUp(peerID)
	}
	go c.readLoop(peerID, pc)
}

func (c *Conduit) readLoop(peerID string, pc *peerConn) {
	for {
		var e envelope
		if err := pc.conn.ReadJSON(&e); err != nil {
			c.removePeer(peerID)
			return
		}
		if e.Kind != kindMessage || e.Message == nil {
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.Receive(peerID, *e.Message)
		}
	}
}

func (c *Conduit) removePeer(peerID string) {
	c.mu.Lock()
	pc, ok := c.peers[peerID]
	if ok {
		delete(c.peers, peerID)
	}
	h := c.handler
	c.mu.Unlock()
	if !ok {
		return
	}
	pc.conn.Close()
	if h != nil {
		h.OnPeerDown(peerID)
	}
}

// Send delivers msg to peerID over its dedicated connection.
func (c *Conduit) Send(peerID string, msg conduit.Message) error {
	c.mu.Lock()
	pc, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection to peer %s", conduit.ErrTransport, peerID)
	}
	if err := pc.send(envelope{Kind: kindMessage, Message: &msg}); err != nil {
		c.removePeer(peerID)
		return fmt.Errorf("%w: writing to %s: %v", conduit.ErrTransport, peerID, err)
	}
	return nil
}

// Shutdown closes every peer connection, notifying the handler of each
// departure.
func (c *Conduit) Shutdown() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.removePeer(id)
	}
	return nil
}

// Package p2pconduit implements the local peer-to-peer conduit.Conduit
// variant: peer discovery rides the BitTorrent mainline DHT (BEP 5),
// announcing and looking up an infohash derived from the sync document's
// id. Once a peer address is discovered, edit-chain traffic is carried
// over a plain JSON-framed TCP connection this package dials directly;
// the DHT only ever answers "who", never "what".
package p2pconduit

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/ratelimit"
)

// DefaultBootstrapNodes is the well-known BitTorrent DHT bootstrap set.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

const (
	queryInterval = 30 * time.Second
	queryTimeout  = 10 * time.Second
)

// infohashFor derives a stable 20-byte BEP-5 infohash from a doc id.
func infohashFor(docID string) [20]byte {
	sum := sha1.Sum([]byte("meshsync-doc:" + docID))
	return sum
}

type envelope struct {
	SelfID  string           `json:"self_id,omitempty"`
	Message *conduit.Message `json:"message,omitempty"`
}

type peerConn struct {
	mu  sync.Mutex
	enc *json.Encoder
	nc  net.Conn
}

func (p *peerConn) send(e envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(e)
}

// Conduit discovers peers via DHT and exchanges messages over direct TCP
// connections.
type Conduit struct {
	selfID, docID string
	listenAddr    string
	log           *slog.Logger

	server   *dht.Server
	listener net.Listener
	infohash [20]byte

	mu      sync.Mutex
	handler conduit.Handler
	peers   map[string]*peerConn

	// dialLimit backs off outbound dial attempts per discovered address:
	// the DHT hands back the same peers on every query cycle, and
	// redialing an address that just refused us only burns sockets.
	dialLimit *ratelimit.Gate

	cancel context.CancelFunc
}

// New builds a Conduit for docID/selfID. listenAddr is the local
// "host:port" this node accepts inbound peer TCP connections on and
// announces to the DHT.
func New(docID, selfID, listenAddr string, opts ...Option) *Conduit {
	c := &Conduit{
		selfID:     selfID,
		docID:      docID,
		listenAddr: listenAddr,
		log:        slog.Default(),
		infohash:   infohashFor(docID),
		peers:      map[string]*peerConn{},
		dialLimit:  ratelimit.NewGate(queryInterval, 10*time.Minute),
	}
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

// Announce starts the TCP listener, brings up a DHT server bootstrapped
// from DefaultBootstrapNodes, and begins periodically announcing and
// querying this document's infohash.
func (c *Conduit) Announce() error {
	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", conduit.ErrTransport, c.listenAddr, err)
	}
	c.listener = ln
	go c.acceptLoop(ln)

	cfg := dht.NewDefaultServerConfig()
	var bootstrap []dht.Addr
	for _, node := range DefaultBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			continue
		}
		bootstrap = append(bootstrap, dht.NewAddr(addr))
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrap, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: starting dht server: %v", conduit.ErrTransport, err)
	}
	c.server = server

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.queryLoop(ctx)

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err == nil {
		go c.announceSelf(port)
	}
	return nil
}

func (c *Conduit) announceSelf(port string) {
	var p int
	fmt.Sscanf(port, "%d", &p)
	ann, err := c.server.Announce(c.infohash, p, false)
	if err != nil {
		c.log.Warn("p2pconduit: initial announce failed", "err", err)
		return
	}
	defer ann.Close()
	for range ann.Peers {
		// Drain; the same Peers channel delivers anyone else announcing
		// at the same infohash, which queryLoop also polls for on its
		// own cadence.
	}
}

func (c *Conduit) queryLoop(ctx context.Context) {
	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()
	c.queryOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.queryOnce(ctx)
		}
	}
}

func (c *Conduit) queryOnce(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ann, err := c.server.Announce(c.infohash, 0, false)
	if err != nil {
		c.log.Warn("p2pconduit: dht query failed", "err", err)
		return
	}
	defer ann.Close()
	for {
		select {
		case <-qctx.Done():
			return
		case peers, ok := <-ann.Peers:
			if !ok {
				return
			}
			for _, addr := range peers.Peers {
				go c.dial(addr)
			}
		}
	}
}

func (c *Conduit) dial(addr krpc.NodeAddr) {
	addrStr := addr.String()
	if !c.dialLimit.Allow(addrStr) {
		return
	}

	nc, err := net.DialTimeout("tcp", addrStr, 5*time.Second)
	if err != nil {
		return
	}
	c.dialLimit.Succeed(addrStr)
	c.handshakeOutbound(nc)
}

func (c *Conduit) handshakeOutbound(nc net.Conn) {
	enc := json.NewEncoder(nc)
	if err := enc.Encode(envelope{SelfID: c.selfID}); err != nil {
		nc.Close()
		return
	}
	c.adopt(nc, enc)
}

func (c *Conduit) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go c.handshakeInbound(nc)
	}
}

func (c *Conduit) handshakeInbound(nc net.Conn) {
	dec := json.NewDecoder(nc)
	var hello envelope
	if err := dec.Decode(&hello); err != nil || hello.SelfID == "" {
		nc.Close()
		return
	}
	enc := json.NewEncoder(nc)
	c.adoptWithDecoder(hello.SelfID, nc, enc, dec)
}

func (c *Conduit) adopt(nc net.Conn, enc *json.Encoder) {
	dec := json.NewDecoder(nc)
	var hello envelope
	if err := dec.Decode(&hello); err != nil || hello.SelfID == "" {
		nc.Close()
		return
	}
	c.adoptWithDecoder(hello.SelfID, nc, enc, dec)
}

func (c *Conduit) adoptWithDecoder(peerID string, nc net.Conn, enc *json.Encoder, dec *json.Decoder) {
	pc := &peerConn{enc: enc, nc: nc}
	c.mu.Lock()
	if _, exists := c.peers[peerID]; exists {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.peers[peerID] = pc
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnPeerUp(peerID)
	}
	go c.readLoop(peerID, dec, nc)
}

func (c *Conduit) readLoop(peerID string, dec *json.Decoder, nc net.Conn) {
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			c.removePeer(peerID)
			return
		}
		if e.Message == nil {
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
	pc.nc.Close()
	if h != nil {
		h.OnPeerDown(peerID)
	}
}

// Send delivers msg to peerID over its dedicated TCP connection.
func (c *Conduit) Send(peerID string, msg conduit.Message) error {
	c.mu.Lock()
	pc, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection to peer %s", conduit.ErrTransport, peerID)
	}
	if err := pc.send(envelope{Message: &msg}); err != nil {
		c.removePeer(peerID)
		return fmt.Errorf("%w: writing to %s: %v", conduit.ErrTransport, peerID, err)
	}
	return nil
}

// Shutdown tears down the DHT server, TCP listener, and every peer
// connection, notifying the handler of each departure.
func (c *Conduit) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.server != nil {
		c.server.Close()
	}
	if c.listener != nil {
		c.listener.Close()
	}
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

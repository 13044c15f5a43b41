// Package conduit abstracts peer discovery and message routing for the
// sync engine: who the current peers are, which of them are this node's
// "up" and "down" neighbours, and how to exchange edit-chain messages
// with them.
package conduit

import (
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/meshsync/pkg/edgestate"
)

// ErrTransport wraps any failure to deliver a message to a peer.
var ErrTransport = errors.New("conduit: transport error")

// Message is the wire payload exchanged between two peers for one
// document: the sending edge's edit chain, tagged with the direction it
// travelled (true if sent to the sender's "up" neighbour).
type Message struct {
	DocID   string                `json:"doc_id"`
	Upwards bool                  `json:"upwards"`
	Edits   []edgestate.EditEntry `json:"edits"`
}

// Handler receives peer membership and message events from a Conduit.
// Implementations must not block inside these callbacks for longer than
// it takes to enqueue work; a Conduit may invoke them synchronously from
// within Announce/Send/Shutdown.
type Handler interface {
	OnPeerUp(peerID string)
	OnPeerDown(peerID string)
	Receive(sourceID string, msg Message)
}

// Conduit discovers peers sharing a document and routes messages between
// them. A Conduit guarantees FIFO delivery of messages sent to the same
// peer ID, but makes no guarantee about delivery across different peers
// or about exactly-once delivery.
type Conduit interface {
	SelfID() string
	DocID() string

	// Register installs the handler that will receive this conduit's
	// peer-up/peer-down/receive callbacks. It must be called exactly
	// once, before Announce.
	Register(h Handler) error

	// Announce makes this node visible to its peer group. Already
	// present peers are reported via OnPeerUp for both sides.
	Announce() error

	// Send delivers msg to peerID. Returns a wrapped ErrTransport if the
	// peer is unreachable.
	Send(peerID string, msg Message) error

	// Shutdown removes this node from the peer group, notifying peers
	// via OnPeerDown, and releases any resources held by the conduit.
	Shutdown() error
}

func transportErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

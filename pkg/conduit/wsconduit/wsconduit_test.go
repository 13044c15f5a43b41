package wsconduit

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
)

type recordingHandler struct {
	mu       sync.Mutex
	up       []string
	down     []string
	received []conduit.Message
	from     []string
}

func (h *recordingHandler) OnPeerUp(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up = append(h.up, id)
}
func (h *recordingHandler) OnPeerDown(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = append(h.down, id)
}
func (h *recordingHandler) Receive(src string, msg conduit.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from = append(h.from, src)
	h.received = append(h.received, msg)
}

func (h *recordingHandler) waitReceived(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := len(h.received)
		h.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d received messages", n)
}

func TestSendAndReceiveAcrossWebsocket(t *testing.T) {
	server := New("doc-1", "a", nil)
	serverHandler := &recordingHandler{}
	server.Register(serverHandler)

	srv := httptest.NewServer(server)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client := New("doc-1", "b", func(peerID string) (string, bool) {
		if peerID == "a" {
			return wsURL, true
		}
		return "", false
	})
	clientHandler := &recordingHandler{}
	client.Register(clientHandler)

	if err := client.Join("a"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	clientHandler.waitReceived(t, 0) // returns at once; the sleep below lets the hello round trip settle
	time.Sleep(20 * time.Millisecond)

	msg := conduit.Message{DocID: "doc-1", Upwards: true}
	if err := client.Send("a", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	serverHandler.waitReceived(t, 1)

	serverHandler.mu.Lock()
	if len(serverHandler.from) != 1 || serverHandler.from[0] != "b" {
		t.Fatalf("server received from %v, want [b]", serverHandler.from)
	}
	serverHandler.mu.Unlock()

	if err := server.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	c := New("doc-1", "a", nil)
	c.Register(&recordingHandler{})
	if err := c.Send("ghost", conduit.Message{}); err == nil {
		t.Fatalf("expected error sending to unconnected peer")
	}
}

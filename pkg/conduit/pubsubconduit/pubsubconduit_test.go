package pubsubconduit

import (
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/nats-io/nats.go"
)

type recordingHandler struct {
	mu   sync.Mutex
	up   []string
	msgs []conduit.Message
	from []string
}

func (h *recordingHandler) OnPeerUp(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up = append(h.up, id)
}
func (h *recordingHandler) OnPeerDown(string) {}
func (h *recordingHandler) Receive(src string, msg conduit.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from = append(h.from, src)
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) wait(t *testing.T, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		ok := f()
		h.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition")
}

func dialOrSkip(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("pubsubconduit: no nats server reachable: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestAnnounceDiscoversExistingPeer(t *testing.T) {
	docID := "doc-" + t.Name()
	ncA := dialOrSkip(t)
	a := New(ncA, docID, "a")
	ha := &recordingHandler{}
	a.Register(ha)
	if err := a.Announce(); err != nil {
		t.Fatalf("a.Announce: %v", err)
	}
	defer a.Shutdown()

	ncB := dialOrSkip(t)
	b := New(ncB, docID, "b")
	hb := &recordingHandler{}
	b.Register(hb)
	if err := b.Announce(); err != nil {
		t.Fatalf("b.Announce: %v", err)
	}
	defer b.Shutdown()

	ha.wait(t, func() bool { return contains(ha.up, "b") })
	hb.wait(t, func() bool { return contains(hb.up, "a") })
}

func TestSendDeliversToPeerSubject(t *testing.T) {
	docID := "doc-" + t.Name()
	ncA := dialOrSkip(t)
	a := New(ncA, docID, "a")
	ha := &recordingHandler{}
	a.Register(ha)
	if err := a.Announce(); err != nil {
		t.Fatalf("a.Announce: %v", err)
	}
	defer a.Shutdown()

	ncB := dialOrSkip(t)
	b := New(ncB, docID, "b")
	hb := &recordingHandler{}
	b.Register(hb)
	if err := b.Announce(); err != nil {
		t.Fatalf("b.Announce: %v", err)
	}
	defer b.Shutdown()

	msg := conduit.Message{DocID: docID, Upwards: true}
	if err := b.Send("a", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ha.wait(t, func() bool { return len(ha.msgs) == 1 })
	if ha.from[0] != "b" {
		t.Fatalf("received from %q, want b", ha.from[0])
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

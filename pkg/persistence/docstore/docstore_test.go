package docstore

import (
	"os"
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// testStore opens a Store against REDIS_ADDR (default localhost:6379),
// skipping the test if no server is reachable. Integration-only, the way
// every network-backed store test here expects a live
// instance rather than mocking the wire protocol.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	s, err := New(addr, "meshsync-test-"+t.Name())
	if err != nil {
		t.Skipf("docstore: no redis reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	m := value.NewMap()
	m.Set("a", value.Int(1))
	m.Set("b", value.String("hi"))
	doc := value.FromMap(m)

	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !value.Equal(doc, got) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, doc)
	}
}

func TestSaveDetectsRevisionConflictWithoutCallback(t *testing.T) {
	s := testStore(t)
	m := value.NewMap()
	m.Set("k", value.Int(1))
	doc := value.FromMap(m)
	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Simulate a concurrent writer bumping the stored revision past what
	// this Store last observed.
	other, err := New(s.rdb.Options().Addr, s.prefix)
	if err != nil {
		t.Fatalf("New (other replica): %v", err)
	}
	defer other.Close()
	if _, err := other.Load(); err != nil {
		t.Fatalf("Load (other replica): %v", err)
	}
	m2 := value.NewMap()
	m2.Set("k", value.Int(2))
	if err := other.Save(value.FromMap(m2)); err != nil {
		t.Fatalf("Save (other replica): %v", err)
	}

	m3 := value.NewMap()
	m3.Set("k", value.Int(3))
	err = s.Save(value.FromMap(m3))
	if err == nil {
		t.Fatalf("expected a revision conflict")
	}
}

func TestConflictCallbackAcceptsRemote(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	s, err := New(addr, "meshsync-test-"+t.Name())
	if err != nil {
		t.Skipf("docstore: no redis reachable at %s: %v", addr, err)
	}
	defer s.Close()

	calls := 0
	s.Conflict = func(_ value.Path, local, remote value.Value) bool {
		calls++
		return false
	}
	var acceptedKey string
	var acceptedVal value.Value
	s.RemoteAccepted = func(key string, remote value.Value) {
		acceptedKey = key
		acceptedVal = remote
	}

	m := value.NewMap()
	m.Set("k", value.Int(1))
	if err := s.Save(value.FromMap(m)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	other, err := New(addr, s.prefix)
	if err != nil {
		t.Fatalf("New (other replica): %v", err)
	}
	defer other.Close()
	if _, err := other.Load(); err != nil {
		t.Fatalf("Load (other replica): %v", err)
	}
	m2 := value.NewMap()
	m2.Set("k", value.Int(2))
	if err := other.Save(value.FromMap(m2)); err != nil {
		t.Fatalf("Save (other replica): %v", err)
	}

	m3 := value.NewMap()
	m3.Set("k", value.Int(3))
	if err := s.Save(value.FromMap(m3)); err != nil {
		t.Fatalf("Save with accept-remote conflict callback: %v", err)
	}
	if calls != 1 {
		t.Fatalf("Conflict callback invoked %d times, want 1", calls)
	}
	if acceptedKey != "k" {
		t.Fatalf("RemoteAccepted key = %q, want k", acceptedKey)
	}
	if i, ok := acceptedVal.AsInt(); !ok || i != 2 {
		t.Fatalf("RemoteAccepted value = %v, want the stored remote 2", acceptedVal)
	}
}

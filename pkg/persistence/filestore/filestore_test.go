package filestore

import (
	"path/filepath"
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

func sampleDoc() value.Value {
	m := value.NewMap()
	m.Set("name", value.String("doc"))
	m.Set("count", value.Int(3))
	items := value.Seq(value.Int(1), value.Int(2))
	m.Set("items", items)
	return value.FromMap(m)
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := s.Load(); err != persistence.ErrNotFound {
		t.Fatalf("Load: got %v, want ErrNotFound", err)
	}
}

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	s := New(path)
	original := sampleDoc()
	if err := s.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !value.Equal(original, got) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, original)
	}
}

func TestSaveLoadYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	s := New(path)
	original := sampleDoc()
	if err := s.Save(original); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !value.Equal(original, got) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, original)
	}
}

func TestLoadSpecificUnsupported(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "doc.json"))
	if _, err := s.LoadSpecific("anything"); err != persistence.ErrNoLazyLoad {
		t.Fatalf("LoadSpecific: got %v, want ErrNoLazyLoad", err)
	}
}

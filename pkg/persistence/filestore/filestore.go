// Package filestore implements the whole-document text-file persistence
// backend: one file holding the entire content, encoded as YAML or JSON
// depending on the configured extension, UTF-8, YAML emitted in block
// style.
package filestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
	"gopkg.in/yaml.v3"
)

// Format selects the on-disk encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// Store is a persistence.Backend that keeps the whole document in a
// single file. It never produces lazy-load markers, so LoadSpecific
// always returns persistence.ErrNoLazyLoad.
type Store struct {
	mu     sync.Mutex
	path   string
	format Format
}

// New opens a Store rooted at path. format is inferred from path's
// extension (.yaml/.yml → YAML, anything else → JSON) unless overridden
// with WithFormat.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, format: formatFromExt(path)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithFormat(f Format) Option { return func(s *Store) { s.format = f } }

func formatFromExt(path string) Format {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads the document from disk. It reports persistence.ErrNotFound
// if the file does not exist yet.
func (s *Store) Load() (value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Value{}, persistence.ErrNotFound
		}
		return value.Value{}, fmt.Errorf("filestore: reading %s: %w", s.path, err)
	}

	var v value.Value
	switch s.format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &v); err != nil {
			return value.Value{}, fmt.Errorf("filestore: parsing yaml %s: %w", s.path, err)
		}
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			return value.Value{}, fmt.Errorf("filestore: parsing json %s: %w", s.path, err)
		}
	}
	return v, nil
}

// Save writes content to disk, replacing any previous contents.
func (s *Store) Save(content value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	var err error
	switch s.format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(content); err != nil {
			return fmt.Errorf("filestore: encoding yaml: %w", err)
		}
		if err = enc.Close(); err != nil {
			return fmt.Errorf("filestore: closing yaml encoder: %w", err)
		}
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(content, "", "  ")
		if err != nil {
			return fmt.Errorf("filestore: encoding json: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: renaming %s: %w", tmp, err)
	}
	return nil
}

// LoadSpecific is never supported by the whole-document backend.
func (s *Store) LoadSpecific(string) (value.Value, error) {
	return value.Value{}, persistence.ErrNoLazyLoad
}

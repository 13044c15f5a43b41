// Package kvstore implements the lazy per-key persistence backend over
// an embedded go.etcd.io/bbolt database: one bucket per document, one
// record per top-level document key, each value JSON-encoded. Load
// returns every top-level key as a persistence lazy-load marker rather
// than eagerly decoding it; Tracker resolves a marker to its real value
// on first read via LoadSpecific. Save writes only the top-level keys
// that actually changed since the last Save, so a one-key edit rewrites
// one record.
package kvstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
	bolt "go.etcd.io/bbolt"
)

var docsBucket = []byte("docs")

// Store is a persistence.Backend backed by one bbolt database file.
type Store struct {
	db *bolt.DB

	// last is the last-known top-level key set/values this Store wrote
	// (or, after Load, the lazy markers it loaded), used so Save only
	// rewrites records that actually changed. Nil before the first Load
	// or Save, meaning "write everything".
	last map[string]value.Value

	// WriteCount counts individual bucket.Put/Delete calls issued by
	// Save, for tests (and operators) to verify lazy writes stay scoped
	// to the keys that changed.
	WriteCount int
}

// Open opens (creating if necessary) a bbolt database at path for a
// single document's per-key records.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Load reads every stored top-level key and returns a map.Value whose
// entries are lazy-load markers, without decoding any record body. An
// empty (but non-error) document is returned if no keys have ever been
// saved, matching Load's "fresh document" case for a per-key backend
// (there is no ErrNotFound signal here: an empty map IS the document).
func (s *Store) Load() (value.Value, error) {
	m := value.NewMap()
	last := map[string]value.Value{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		return b.ForEach(func(k, _ []byte) error {
			key := string(k)
			m.Set(key, persistence.NewLazyMarker(key))
			last[key] = persistence.NewLazyMarker(key)
			return nil
		})
	})
	if err != nil {
		return value.Value{}, fmt.Errorf("kvstore: loading keys: %w", err)
	}
	s.last = last
	return value.FromMap(m), nil
}

// LoadSpecific decodes and returns the stored record for one top-level
// key.
func (s *Store) LoadSpecific(key string) (value.Value, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("kvstore: no record for key %q", key)
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return value.Value{}, err
	}
	var out value.Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return value.Value{}, fmt.Errorf("kvstore: decoding key %q: %w", key, err)
	}
	return out, nil
}

// Save persists content, a top-level value.Value map, writing only the
// records whose value changed (by checksum-free structural equality)
// since the previous Save, and deleting records for keys that were
// removed. A Save with no earlier Load or Save writes every key, since
// there is nothing to diff against yet. After Load, keys still holding
// their lazy marker are skipped, and a key resolved since Load counts as
// changed and is rewritten once.
func (s *Store) Save(content value.Value) error {
	m, ok := content.AsMap()
	if !ok {
		return fmt.Errorf("kvstore: content must be a map, got %s", content.Kind())
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		next := make(map[string]value.Value, m.Len())
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			next[k] = v
			if prev, existed := s.last[k]; s.last != nil && existed && value.Equal(prev, v) {
				continue
			}
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("kvstore: encoding key %q: %w", k, err)
			}
			if err := b.Put([]byte(k), data); err != nil {
				return fmt.Errorf("kvstore: writing key %q: %w", k, err)
			}
			s.WriteCount++
		}
		for k := range s.last {
			if _, still := next[k]; !still {
				if err := b.Delete([]byte(k)); err != nil {
					return fmt.Errorf("kvstore: deleting key %q: %w", k, err)
				}
				s.WriteCount++
			}
		}
		s.last = next
		return nil
	})
}

// Package docstore implements the remote-document-store persistence
// backend: one document per top-level key, held in a Redis/Dragonfly
// hash alongside side-channel _id/_rev revision metadata. Writes use
// optimistic concurrency: Save fails with persistence.ErrRevisionConflict
// if the stored revision has moved on since the value being saved was
// read, unless a ConflictCallback is configured to arbitrate.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
	"github.com/redis/go-redis/v9"
)

const (
	fieldRev  = "_rev"
	fieldBody = "_body"
)

// Store is a persistence.Backend backed by one Redis hash per top-level
// document key (key "<prefix>:<name>"), with _rev tracked alongside the
// JSON-encoded body.
type Store struct {
	rdb    *redis.Client
	prefix string
	ctx    context.Context

	// Conflict arbitrates a revision mismatch on Save: true keeps the
	// local value (persisted as a new revision), false accepts the
	// stored remote value. When nil, Save returns
	// persistence.ErrRevisionConflict for the conflicting key.
	Conflict persistence.ConflictCallback

	// RemoteAccepted is invoked whenever Conflict rules in favour of the
	// stored value, with the key and the value that won. Wiring this to
	// syncengine's Engine.AcceptStored feeds the accepted value back
	// through the engine as if it were an ordinary remote update.
	RemoteAccepted func(key string, remote value.Value)

	// revisions tracks the revision each top-level key was last read or
	// written at, so Save can detect a concurrent write by another
	// replica.
	revisions map[string]int64
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithConflictCallback(cb persistence.ConflictCallback) Option {
	return func(s *Store) { s.Conflict = cb }
}

func WithRemoteAccepted(fn func(key string, remote value.Value)) Option {
	return func(s *Store) { s.RemoteAccepted = fn }
}

// New connects to addr and scopes all document keys under prefix (the
// configured document name).
func New(addr, prefix string, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  2 * time.Second,
	})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("docstore: connecting to %s: %w", addr, err)
	}
	s := &Store{rdb: rdb, prefix: prefix, ctx: ctx, revisions: map[string]int64{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the Redis client.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) hashKey(key string) string { return fmt.Sprintf("%s:%s", s.prefix, key) }

// Load reads every document for this prefix and assembles them into one
// top-level map, recording each key's revision for future conflict
// detection.
func (s *Store) Load() (value.Value, error) {
	keys, err := s.rdb.Keys(s.ctx, s.hashKey("*")).Result()
	if err != nil {
		return value.Value{}, fmt.Errorf("docstore: listing keys: %w", err)
	}
	if len(keys) == 0 {
		return value.Value{}, persistence.ErrNotFound
	}
	m := value.NewMap()
	for _, hk := range keys {
		topKey := hk[len(s.prefix)+1:]
		v, rev, err := s.readHash(hk)
		if err != nil {
			return value.Value{}, err
		}
		m.Set(topKey, v)
		s.revisions[topKey] = rev
	}
	return value.FromMap(m), nil
}

// LoadSpecific reads one top-level key's current document.
func (s *Store) LoadSpecific(key string) (value.Value, error) {
	v, rev, err := s.readHash(s.hashKey(key))
	if err != nil {
		return value.Value{}, err
	}
	s.revisions[key] = rev
	return v, nil
}

func (s *Store) readHash(hashKey string) (value.Value, int64, error) {
	res, err := s.rdb.HGetAll(s.ctx, hashKey).Result()
	if err != nil {
		return value.Value{}, 0, fmt.Errorf("docstore: reading %s: %w", hashKey, err)
	}
	if len(res) == 0 {
		return value.Value{}, 0, persistence.ErrNotFound
	}
	var rev int64
	if _, err := fmt.Sscanf(res[fieldRev], "%d", &rev); err != nil {
		return value.Value{}, 0, fmt.Errorf("docstore: parsing revision for %s: %w", hashKey, err)
	}
	var v value.Value
	if err := json.Unmarshal([]byte(res[fieldBody]), &v); err != nil {
		return value.Value{}, 0, fmt.Errorf("docstore: decoding body for %s: %w", hashKey, err)
	}
	return v, rev, nil
}

// Save writes every top-level key of content, bumping each key's
// revision by one. A key whose stored revision has moved past what this
// Store last observed is a write conflict: Conflict (if set) decides
// whether the local write proceeds as a new revision (true) or is
// dropped in favour of the stored value (false: the key is skipped
// without error and the stored value is handed to RemoteAccepted, if
// set). With no Conflict set, Save returns persistence.ErrRevisionConflict.
func (s *Store) Save(content value.Value) error {
	m, ok := content.AsMap()
	if !ok {
		return fmt.Errorf("docstore: content must be a map, got %s", content.Kind())
	}
	for _, key := range m.Keys() {
		v, _ := m.Get(key)
		if err := s.saveKey(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveKey(key string, v value.Value) error {
	hashKey := s.hashKey(key)
	storedRev, err := s.currentRevision(hashKey)
	if err != nil {
		return err
	}
	expected := s.revisions[key]
	if storedRev != expected {
		remote, _, readErr := s.readHash(hashKey)
		if readErr != nil {
			return readErr
		}
		if s.Conflict == nil {
			s.revisions[key] = storedRev
			return fmt.Errorf("%w: key %q", persistence.ErrRevisionConflict, key)
		}
		if !s.Conflict(value.Path{value.KeyElem(key)}, v, remote) {
			// Remote wins: drop the local write, adopt the revision
			// actually stored, and hand the winning value to
			// RemoteAccepted so it can flow back through the engine as an
			// ordinary inbound update.
			s.revisions[key] = storedRev
			if s.RemoteAccepted != nil {
				s.RemoteAccepted(key, remote)
			}
			return nil
		}
		// Local wins: persist as a new revision built on top of what is
		// actually stored.
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encoding key %q: %w", key, err)
	}
	newRev := storedRev + 1
	if err := s.rdb.HSet(s.ctx, hashKey, fieldRev, newRev, fieldBody, body).Err(); err != nil {
		return fmt.Errorf("docstore: writing key %q: %w", key, err)
	}
	s.revisions[key] = newRev
	return nil
}

func (s *Store) currentRevision(hashKey string) (int64, error) {
	raw, err := s.rdb.HGet(s.ctx, hashKey, fieldRev).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("docstore: reading revision for %s: %w", hashKey, err)
	}
	var rev int64
	if _, err := fmt.Sscanf(raw, "%d", &rev); err != nil {
		return 0, fmt.Errorf("docstore: parsing revision for %s: %w", hashKey, err)
	}
	return rev, nil
}

// Package badger is an alternate blob store backend on BadgerDB. It trades
// the sqlite backend's SQL surface for an embedded LSM store that handles
// many small writes well, which suits kiosks with slow flash media.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nstephens/glowworm-display/internal/blob"
)

func init() {
	blob.Register("badger", func(ctx context.Context, opts blob.Options) (blob.Store, error) {
		return New(ctx, opts.Dir, opts.ChecksumAlgo)
	})
}

// meta is the JSON value stored under "m:<id>". The payload is kept under a
// separate key so metadata scans stay cheap.
type meta struct {
	ID             string    `json:"id"`
	GroupID        int64     `json:"group_id"`
	SourceURL      string    `json:"source_url"`
	MimeType       string    `json:"mime_type"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	CachedAt       time.Time `json:"cached_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
}

func metaFromObject(obj *blob.CachedObject) *meta {
	return &meta{
		ID:             obj.ID,
		GroupID:        obj.GroupID,
		SourceURL:      obj.SourceURL,
		MimeType:       obj.MimeType,
		SizeBytes:      obj.SizeBytes,
		Checksum:       obj.Checksum,
		CachedAt:       obj.CachedAt,
		LastAccessedAt: obj.LastAccessedAt,
		ExpiresAt:      obj.ExpiresAt,
	}
}

func (m *meta) toObject(payload []byte) *blob.CachedObject {
	return &blob.CachedObject{
		ID:             m.ID,
		GroupID:        m.GroupID,
		SourceURL:      m.SourceURL,
		MimeType:       m.MimeType,
		SizeBytes:      m.SizeBytes,
		Checksum:       m.Checksum,
		Payload:        payload,
		CachedAt:       m.CachedAt,
		LastAccessedAt: m.LastAccessedAt,
		ExpiresAt:      m.ExpiresAt,
	}
}

func (m *meta) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now)
}

// Store is a blob.Store backed by a BadgerDB directory.
type Store struct {
	db   *badger.DB
	algo string
}

// New opens (or creates) the database under dir.
func New(ctx context.Context, dir, checksumAlgo string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(dir)
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &Store{db: db, algo: checksumAlgo}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, obj *blob.CachedObject) error {
	if err := blob.Stamp(obj, s.algo, time.Now()); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		// Re-storing under a different group moves the membership marker.
		if old, err := getMeta(txn, obj.ID); err == nil && old.GroupID != obj.GroupID {
			if err := txn.Delete(keyGroup(old.GroupID, obj.ID)); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}

		encoded, err := json.Marshal(metaFromObject(obj))
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if err := txn.Set(keyMeta(obj.ID), encoded); err != nil {
			return err
		}
		if err := txn.Set(keyPayload(obj.ID), obj.Payload); err != nil {
			return err
		}
		return txn.Set(keyGroup(obj.GroupID, obj.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", obj.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*blob.CachedObject, error) {
	now := time.Now()
	var obj *blob.CachedObject

	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := getMeta(txn, id)
		if err != nil {
			return err
		}
		if m.expired(now) {
			if err := deleteObject(txn, m); err != nil {
				return err
			}
			return blob.ErrNotFound
		}

		m.LastAccessedAt = now
		encoded, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if err := txn.Set(keyMeta(id), encoded); err != nil {
			return err
		}

		payload, err := getPayload(txn, id)
		if err != nil {
			return err
		}
		obj = m.toObject(payload)
		return nil
	})
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return obj, nil
}

func (s *Store) Peek(ctx context.Context, id string) (*blob.CachedObject, error) {
	now := time.Now()
	var obj *blob.CachedObject

	err := s.db.View(func(txn *badger.Txn) error {
		m, err := getMeta(txn, id)
		if err != nil {
			return err
		}
		if m.expired(now) {
			return blob.ErrNotFound
		}
		payload, err := getPayload(txn, id)
		if err != nil {
			return err
		}
		obj = m.toObject(payload)
		return nil
	})
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to peek %s: %w", id, err)
	}
	return obj, nil
}

func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		m, err := getMeta(txn, id)
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = !m.expired(now)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return found, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := getMeta(txn, id)
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return deleteObject(txn, m)
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

func (s *Store) ListByGroup(ctx context.Context, groupID int64) ([]*blob.CachedObject, error) {
	now := time.Now()
	var objs []*blob.CachedObject

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := keyGroupPrefix(groupID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			m, err := getMeta(txn, id)
			if errors.Is(err, blob.ErrNotFound) {
				continue // stale marker
			}
			if err != nil {
				return err
			}
			if m.expired(now) {
				continue
			}
			payload, err := getPayload(txn, id)
			if err != nil {
				return err
			}
			objs = append(objs, m.toObject(payload))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list group %d: %w", groupID, err)
	}

	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].CachedAt.Equal(objs[j].CachedAt) {
			return objs[i].CachedAt.Before(objs[j].CachedAt)
		}
		return objs[i].ID < objs[j].ID
	})
	return objs, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.forEachMeta(func(m *meta) error {
		ids = append(ids, m.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.forEachMeta(func(*meta) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.forEachMeta(func(m *meta) error {
		total += m.SizeBytes
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum sizes: %w", err)
	}
	return total, nil
}

func (s *Store) LeastRecentlyUsed(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	type entry struct {
		id       string
		accessed time.Time
	}
	var entries []entry
	err := s.forEachMeta(func(m *meta) error {
		entries = append(entries, entry{id: m.ID, accessed: m.LastAccessedAt})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query lru: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].accessed.Equal(entries[j].accessed) {
			return entries[i].accessed.Before(entries[j].accessed)
		}
		return entries[i].id < entries[j].id
	})

	if n > len(entries) {
		n = len(entries)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = entries[i].id
	}
	return ids, nil
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	var stale []*meta
	err := s.forEachMeta(func(m *meta) error {
		if m.expired(now) {
			stale = append(stale, m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired: %w", err)
	}

	removed := 0
	for _, m := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			return deleteObject(txn, m)
		})
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", m.ID, err)
		}
		removed++
	}
	return removed, nil
}

// forEachMeta walks every metadata record without touching payload keys.
func (s *Store) forEachMeta(fn func(*meta) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixMeta)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m meta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return fmt.Errorf("failed to decode metadata: %w", err)
			}
			if err := fn(&m); err != nil {
				return err
			}
		}
		return nil
	})
}

func getMeta(txn *badger.Txn, id string) (*meta, error) {
	item, err := txn.Get(keyMeta(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var m meta
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &m, nil
}

func getPayload(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(keyPayload(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func deleteObject(txn *badger.Txn, m *meta) error {
	if err := txn.Delete(keyMeta(m.ID)); err != nil {
		return err
	}
	if err := txn.Delete(keyPayload(m.ID)); err != nil {
		return err
	}
	return txn.Delete(keyGroup(m.GroupID, m.ID))
}

// Package memory keeps the whole cache in process memory. It backs tests and
// diskless kiosks where losing the cache on restart is acceptable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nstephens/glowworm-display/internal/blob"
)

func init() {
	blob.Register("memory", func(ctx context.Context, opts blob.Options) (blob.Store, error) {
		return New(opts.ChecksumAlgo), nil
	})
}

// Store is a blob.Store held entirely in memory.
type Store struct {
	algo string

	mu      sync.RWMutex
	objects map[string]*blob.CachedObject
}

func New(checksumAlgo string) *Store {
	return &Store{
		algo:    checksumAlgo,
		objects: make(map[string]*blob.CachedObject),
	}
}

func (s *Store) Put(ctx context.Context, obj *blob.CachedObject) error {
	if err := blob.Stamp(obj, s.algo, time.Now()); err != nil {
		return err
	}

	clone := *obj
	clone.Payload = append([]byte(nil), obj.Payload...)

	s.mu.Lock()
	s.objects[obj.ID] = &clone
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*blob.CachedObject, error) {
	now := time.Now()

	s.mu.Lock()
	obj, ok := s.objects[id]
	if ok && obj.Expired(now) {
		delete(s.objects, id)
		ok = false
	}
	if ok {
		obj.LastAccessedAt = now
	}
	s.mu.Unlock()

	if !ok {
		return nil, blob.ErrNotFound
	}
	return cloneObject(obj), nil
}

func (s *Store) Peek(ctx context.Context, id string) (*blob.CachedObject, error) {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()

	if !ok || obj.Expired(time.Now()) {
		return nil, blob.ErrNotFound
	}
	return cloneObject(obj), nil
}

func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()

	if !ok || obj.Expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.objects, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.objects = make(map[string]*blob.CachedObject)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListByGroup(ctx context.Context, groupID int64) ([]*blob.CachedObject, error) {
	now := time.Now()

	s.mu.RLock()
	var objs []*blob.CachedObject
	for _, obj := range s.objects {
		if obj.GroupID == groupID && !obj.Expired(now) {
			objs = append(objs, cloneObject(obj))
		}
	}
	s.mu.RUnlock()

	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].CachedAt.Equal(objs[j].CachedAt) {
			return objs[i].CachedAt.Before(objs[j].CachedAt)
		}
		return objs[i].ID < objs[j].ID
	})
	return objs, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.objects)), nil
}

func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, obj := range s.objects {
		total += obj.SizeBytes
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

	s.mu.RLock()
	entries := make([]entry, 0, len(s.objects))
	for id, obj := range s.objects {
		entries = append(entries, entry{id: id, accessed: obj.LastAccessedAt})
	}
	s.mu.RUnlock()

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
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, obj := range s.objects {
		if obj.Expired(now) {
			delete(s.objects, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	return nil
}

func cloneObject(obj *blob.CachedObject) *blob.CachedObject {
	clone := *obj
	clone.Payload = append([]byte(nil), obj.Payload...)
	return &clone
}

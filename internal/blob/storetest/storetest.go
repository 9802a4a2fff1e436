// Package storetest holds a conformance suite every blob.Store backend runs.
// It tests the interface contract, not implementation details, so sqlite,
// badger and memory all share it.
package storetest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nstephens/glowworm-display/internal/blob"
)

// Suite exercises a Store implementation against the interface contract.
type Suite struct {
	// NewStore returns a fresh, empty store for each subtest.
	NewStore func(t *testing.T) blob.Store
}

// Run executes all conformance tests.
func (s *Suite) Run(t *testing.T) {
	t.Run("PutGet", s.testPutGet)
	t.Run("Overwrite", s.testOverwrite)
	t.Run("GetBumpsAccessTime", s.testGetBumpsAccessTime)
	t.Run("HasAndPeekBumpNothing", s.testHasAndPeekBumpNothing)
	t.Run("RemoveAndClear", s.testRemoveAndClear)
	t.Run("Groups", s.testGroups)
	t.Run("CountAndTotalSize", s.testCountAndTotalSize)
	t.Run("LeastRecentlyUsed", s.testLeastRecentlyUsed)
	t.Run("Expiry", s.testExpiry)
	t.Run("EmptyPayloadRejected", s.testEmptyPayloadRejected)
}

// Object builds a store-ready object with sensible defaults.
func Object(id string, groupID int64, payload []byte) *blob.CachedObject {
	return &blob.CachedObject{
		ID:        id,
		GroupID:   groupID,
		SourceURL: "http://server.local/media/" + id,
		MimeType:  "image/png",
		Payload:   payload,
	}
}

func mustPut(t *testing.T, st blob.Store, obj *blob.CachedObject) {
	t.Helper()
	if err := st.Put(t.Context(), obj); err != nil {
		t.Fatalf("Put(%s) failed: %v", obj.ID, err)
	}
}

func (s *Suite) testPutGet(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	payload := []byte("png-bytes-go-here")
	mustPut(t, st, Object("img-1", 7, payload))

	got, err := st.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch: got %q", got.Payload)
	}
	if got.GroupID != 7 {
		t.Errorf("expected group 7, got %d", got.GroupID)
	}
	if got.SizeBytes != int64(len(payload)) {
		t.Errorf("expected size %d, got %d", len(payload), got.SizeBytes)
	}
	if !strings.Contains(got.Checksum, ":") {
		t.Errorf("expected algo-prefixed checksum, got %q", got.Checksum)
	}
	if got.CachedAt.IsZero() || got.LastAccessedAt.IsZero() {
		t.Error("expected timestamps to be stamped")
	}

	if _, err := st.Get(ctx, "missing"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing id, got %v", err)
	}
}

func (s *Suite) testOverwrite(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("img-1", 1, []byte("first")))
	before, err := st.Peek(ctx, "img-1")
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mustPut(t, st, Object("img-1", 2, []byte("second-version")))

	after, err := st.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get() after overwrite failed: %v", err)
	}
	if string(after.Payload) != "second-version" {
		t.Errorf("expected most recent payload, got %q", after.Payload)
	}
	if after.GroupID != 2 {
		t.Errorf("expected group moved to 2, got %d", after.GroupID)
	}
	if !after.CachedAt.After(before.CachedAt) {
		t.Error("expected overwrite to reset CachedAt")
	}

	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry after overwrite, got %d", n)
	}

	// The old group must not claim the object anymore.
	old, err := st.ListByGroup(ctx, 1)
	if err != nil {
		t.Fatalf("ListByGroup(1) failed: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("expected group 1 empty after move, got %d entries", len(old))
	}
}

func (s *Suite) testGetBumpsAccessTime(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("img-1", 1, []byte("data")))
	before, err := st.Peek(ctx, "img-1")
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := st.Get(ctx, "img-1"); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	after, err := st.Peek(ctx, "img-1")
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if !after.LastAccessedAt.After(before.LastAccessedAt) {
		t.Error("expected Get to bump LastAccessedAt")
	}
	if !after.CachedAt.Equal(before.CachedAt) {
		t.Error("expected Get to leave CachedAt untouched")
	}
}

func (s *Suite) testHasAndPeekBumpNothing(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("img-1", 1, []byte("data")))
	before, err := st.Peek(ctx, "img-1")
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	ok, err := st.Has(ctx, "img-1")
	if err != nil {
		t.Fatalf("Has() failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Has to report the entry")
	}
	if _, err := st.Peek(ctx, "img-1"); err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}

	after, err := st.Peek(ctx, "img-1")
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if !after.LastAccessedAt.Equal(before.LastAccessedAt) {
		t.Error("expected Has/Peek to leave LastAccessedAt untouched")
	}

	ok, err = st.Has(ctx, "missing")
	if err != nil {
		t.Fatalf("Has() failed: %v", err)
	}
	if ok {
		t.Error("expected Has to report a missing id as absent")
	}
}

func (s *Suite) testRemoveAndClear(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("img-1", 1, []byte("one")))
	mustPut(t, st, Object("img-2", 1, []byte("two")))

	if err := st.Remove(ctx, "img-1"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := st.Get(ctx, "img-1"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}

	// Removing an absent id is not an error.
	if err := st.Remove(ctx, "img-1"); err != nil {
		t.Errorf("expected idempotent Remove, got %v", err)
	}

	if err := st.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty store after Clear, got %d entries", n)
	}
}

func (s *Suite) testGroups(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("a", 1, []byte("a")))
	mustPut(t, st, Object("b", 1, []byte("b")))
	mustPut(t, st, Object("c", 2, []byte("c")))

	group1, err := st.ListByGroup(ctx, 1)
	if err != nil {
		t.Fatalf("ListByGroup() failed: %v", err)
	}
	if len(group1) != 2 {
		t.Fatalf("expected 2 entries in group 1, got %d", len(group1))
	}
	for _, obj := range group1 {
		if obj.GroupID != 1 {
			t.Errorf("entry %s has group %d", obj.ID, obj.GroupID)
		}
	}

	empty, err := st.ListByGroup(ctx, 99)
	if err != nil {
		t.Fatalf("ListByGroup(99) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty group 99, got %d entries", len(empty))
	}

	ids, err := st.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs() failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 ids, got %v", ids)
	}
}

func (s *Suite) testCountAndTotalSize(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("a", 1, bytes.Repeat([]byte("x"), 100)))
	mustPut(t, st, Object("b", 1, bytes.Repeat([]byte("y"), 250)))

	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}

	total, err := st.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize() failed: %v", err)
	}
	if total != 350 {
		t.Errorf("expected total 350, got %d", total)
	}
}

func (s *Suite) testLeastRecentlyUsed(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c", "d"} {
		mustPut(t, st, Object(id, 1, []byte(id)))
		time.Sleep(20 * time.Millisecond)
	}

	// Touch "a" so "b" becomes the oldest.
	if _, err := st.Get(ctx, "a"); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	ids, err := st.LeastRecentlyUsed(ctx, 2)
	if err != nil {
		t.Fatalf("LeastRecentlyUsed() failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" {
		t.Errorf("expected [b c], got %v", ids)
	}

	// Asking for more than the store holds returns everything.
	all, err := st.LeastRecentlyUsed(ctx, 10)
	if err != nil {
		t.Fatalf("LeastRecentlyUsed() failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 ids, got %v", all)
	}
}

func (s *Suite) testExpiry(t *testing.T) {
	st := s.NewStore(t)
	ctx := t.Context()

	mustPut(t, st, Object("keep", 1, []byte("keep")))

	short := Object("ttl-get", 1, []byte("soon gone"))
	short.ExpiresAt = time.Now().Add(30 * time.Millisecond)
	mustPut(t, st, short)

	short2 := Object("ttl-prune", 1, []byte("soon gone too"))
	short2.ExpiresAt = time.Now().Add(30 * time.Millisecond)
	mustPut(t, st, short2)

	time.Sleep(60 * time.Millisecond)

	ok, err := st.Has(ctx, "ttl-get")
	if err != nil {
		t.Fatalf("Has() failed: %v", err)
	}
	if ok {
		t.Error("expected expired entry to be invisible to Has")
	}
	if _, err := st.Get(ctx, "ttl-get"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected expired Get to miss, got %v", err)
	}

	// ttl-prune is still on disk here, but group listings must not serve it.
	group, err := st.ListByGroup(ctx, 1)
	if err != nil {
		t.Fatalf("ListByGroup() failed: %v", err)
	}
	if len(group) != 1 || group[0].ID != "keep" {
		t.Errorf("expected only the live entry in the group listing, got %d entries", len(group))
	}

	// ListIDs still reports it so maintenance can find it.
	ids, err := st.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs() failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected expired entry to stay visible to ListIDs, got %v", ids)
	}

	removed, err := st.PruneExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PruneExpired() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned entry, got %d", removed)
	}

	if ok, _ := st.Has(ctx, "keep"); !ok {
		t.Error("expected unexpired entry to survive pruning")
	}
}

func (s *Suite) testEmptyPayloadRejected(t *testing.T) {
	st := s.NewStore(t)

	err := st.Put(t.Context(), Object("empty", 1, nil))
	if !errors.Is(err, blob.ErrPayloadEmpty) {
		t.Errorf("expected ErrPayloadEmpty, got %v", err)
	}
}

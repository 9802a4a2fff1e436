package badger

import (
	"encoding/json"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nstephens/glowworm-display/internal/blob"
	"github.com/nstephens/glowworm-display/internal/blob/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.Context(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreConformance(t *testing.T) {
	suite := &storetest.Suite{
		NewStore: func(t *testing.T) blob.Store { return newTestStore(t) },
	}
	suite.Run(t)
}

func TestLeastRecentlyUsedTiesBreakByID(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"c", "a", "b"} {
		if err := st.Put(ctx, storetest.Object(id, 1, []byte(id))); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}

	// Force identical access times so only the id order decides.
	level := time.UnixMilli(1000)
	err := st.db.Update(func(txn *badgerdb.Txn) error {
		for _, id := range []string{"a", "b", "c"} {
			m, err := getMeta(txn, id)
			if err != nil {
				return err
			}
			m.LastAccessedAt = level
			encoded, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(keyMeta(id), encoded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to level access times: %v", err)
	}

	ids, err := st.LeastRecentlyUsed(ctx, 3)
	if err != nil {
		t.Fatalf("LeastRecentlyUsed() failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("expected [a b c], got %v", ids)
	}
}

func TestGroupMarkerFollowsRestore(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	if err := st.Put(ctx, storetest.Object("img-1", 1, []byte("v1"))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.Put(ctx, storetest.Object("img-1", 2, []byte("v2"))); err != nil {
		t.Fatalf("re-Put() failed: %v", err)
	}

	// The old membership marker must be gone, or refresh pruning for group 1
	// would see a phantom member.
	err := st.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyGroup(1, "img-1"))
		return err
	})
	if err != badgerdb.ErrKeyNotFound {
		t.Errorf("expected stale group marker to be deleted, got %v", err)
	}
}

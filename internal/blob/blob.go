package blob

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested id is not in the store.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreUnavailable is returned when the underlying store cannot be
	// opened or upgraded. The failure is fatal for the requesting call only;
	// the next call retries the open.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrPayloadEmpty is returned when a zero-length payload is stored.
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// MaxPayloadBytes is the largest payload a store accepts. Oversized images
// are rejected before they ever reach the disk.
const MaxPayloadBytes = 50 << 20

// CachedObject is one cached media entry plus its bookkeeping metadata.
type CachedObject struct {
	ID             string
	GroupID        int64
	SourceURL      string
	MimeType       string
	SizeBytes      int64
	Checksum       string
	Payload        []byte
	CachedAt       time.Time
	LastAccessedAt time.Time
	// ExpiresAt is the optional TTL. The zero value means the entry never
	// expires.
	ExpiresAt time.Time
}

// Expired reports whether the entry's TTL has passed at the given instant.
func (o *CachedObject) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now)
}

// Store is a persistent key/value store for media blobs and their metadata.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores the object, overwriting any existing entry with the same ID.
	// SizeBytes, Checksum, CachedAt and LastAccessedAt are stamped by the
	// store; callers fill in ID, GroupID, SourceURL, MimeType, Payload and
	// optionally ExpiresAt.
	Put(ctx context.Context, obj *CachedObject) error

	// Get returns the object and bumps its LastAccessedAt. Expired entries
	// are removed and reported as ErrNotFound.
	Get(ctx context.Context, id string) (*CachedObject, error)

	// Peek returns the object without bumping LastAccessedAt. Used by
	// integrity scans and stats, which must not disturb recency order.
	Peek(ctx context.Context, id string) (*CachedObject, error)

	// Has reports whether the id is present. It never updates access times.
	Has(ctx context.Context, id string) (bool, error)

	// Remove deletes the entry. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	// Clear deletes every entry.
	Clear(ctx context.Context) error

	// ListByGroup returns the live objects belonging to the group, oldest
	// first. Expired entries are omitted.
	ListByGroup(ctx context.Context, groupID int64) ([]*CachedObject, error)

	// ListIDs returns the ids of every stored object, expired or not, so
	// maintenance can reach entries the read paths no longer serve.
	ListIDs(ctx context.Context) ([]string, error)

	// Count returns the number of stored objects.
	Count(ctx context.Context) (int64, error)

	// TotalSize returns the sum of SizeBytes over all stored objects.
	TotalSize(ctx context.Context) (int64, error)

	// LeastRecentlyUsed returns up to n ids ordered by LastAccessedAt
	// ascending, ties broken by id, so eviction order is deterministic.
	LeastRecentlyUsed(ctx context.Context, n int) ([]string, error)

	// PruneExpired removes every entry whose TTL passed before now and
	// returns how many were removed.
	PruneExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

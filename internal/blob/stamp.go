package blob

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nstephens/glowworm-display/internal/hashutil"
)

// DefaultChecksumAlgo is used when a backend is opened without an explicit
// checksum algorithm.
const DefaultChecksumAlgo = "sha256"

// Stamp fills in the store-owned fields of obj before a Put: SizeBytes from
// the payload, Checksum in "algo:hex" form, and both timestamps set to now.
// Every backend calls it so the bounds and bookkeeping stay identical across
// implementations.
func Stamp(obj *CachedObject, algo string, now time.Time) error {
	if obj.ID == "" {
		return fmt.Errorf("stamp: missing id")
	}
	if len(obj.Payload) == 0 {
		return fmt.Errorf("%w: %s", ErrPayloadEmpty, obj.ID)
	}
	if int64(len(obj.Payload)) > MaxPayloadBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, obj.ID, len(obj.Payload))
	}

	if algo == "" {
		algo = DefaultChecksumAlgo
	}
	sum, err := Checksum(obj.Payload, algo)
	if err != nil {
		return err
	}

	obj.SizeBytes = int64(len(obj.Payload))
	obj.Checksum = sum
	obj.CachedAt = now
	obj.LastAccessedAt = now
	return nil
}

// Checksum digests the payload with the named algorithm and returns it in
// "algo:hex" form.
func Checksum(payload []byte, algo string) (string, error) {
	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return "", err
	}
	if _, err := hasher.Write(payload); err != nil {
		return "", err
	}
	return algo + ":" + hex.EncodeToString(hasher.Sum(nil)), nil
}

package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"

	"github.com/cespare/xxhash/v2"
)

type HashFactory func() hash.Hash

// Checksums here guard against bit rot, not adversaries, so a fast
// non-cryptographic digest sits alongside the SHA family.
var registry = map[string]HashFactory{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"xxh64":  func() hash.Hash { return xxhash.New() },
}

func Register(name string, factory HashFactory) {
	registry[name] = factory
}

func GetHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	_, ok := registry[name]
	return ok
}

// Algorithms returns the supported algorithm names in stable order.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

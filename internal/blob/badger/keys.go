package badger

import "strconv"

// Key namespace
// =============
//
// Badger is a flat key-value store, so each record type lives under its own
// prefix. Metadata and payload are split so scans that only need bookkeeping
// (LRU ordering, totals, integrity listings) never page image bytes in.
//
// Type              Prefix  Key format          Value
// ----------------------------------------------------------------
// Object metadata   "m:"    m:<id>              meta struct (JSON)
// Payload           "b:"    b:<id>              raw image bytes
// Group membership  "g:"    g:<groupID>:<id>    (empty)
//
// Group membership keys make ListByGroup a prefix scan instead of a full
// metadata walk, mirroring what the sqlite backend gets from its by_group
// index.

const (
	prefixMeta    = "m:"
	prefixPayload = "b:"
	prefixGroup   = "g:"
)

func keyMeta(id string) []byte {
	return []byte(prefixMeta + id)
}

func keyPayload(id string) []byte {
	return []byte(prefixPayload + id)
}

func keyGroup(groupID int64, id string) []byte {
	return []byte(prefixGroup + strconv.FormatInt(groupID, 10) + ":" + id)
}

// keyGroupPrefix scans every member of one group.
func keyGroupPrefix(groupID int64) []byte {
	return []byte(prefixGroup + strconv.FormatInt(groupID, 10) + ":")
}

package cache

import (
	"fmt"
	"strings"
)

// Key layout. The schema version prefixes every primary and index key so a
// version bump invalidates everything at once without a scan. Tombstones
// live under their own namespace and are not versioned: "this id does not
// exist" survives a schema bump.
//
//	v1:projects:rec123              primary record (richest shape, JSON)
//	tomb:projects:rec123            tombstone sentinel
//	idx:v1:projects:join_code:XYZ   equality index (set of ids)
//	sort:v1:projects:points         sorted index (zset, score = field value)

const tombNamespace = "tomb"

// Keys builds cache keys for one schema version.
type Keys struct {
	version string
}

// NewKeys creates a key builder for the given schema version.
func NewKeys(version string) Keys {
	return Keys{version: version}
}

// Version returns the schema version prefix.
func (k Keys) Version() string { return k.version }

// Primary returns the primary record key for (entity, id).
func (k Keys) Primary(entity, id string) string {
	return fmt.Sprintf("%s:%s:%s", k.version, entity, id)
}

// PrimaryPattern returns the scan pattern matching all primary keys of an
// entity under the current schema version.
func (k Keys) PrimaryPattern(entity string) string {
	return fmt.Sprintf("%s:%s:*", k.version, entity)
}

// Tombstone returns the tombstone key for (entity, id).
func (k Keys) Tombstone(entity, id string) string {
	return fmt.Sprintf("%s:%s:%s", tombNamespace, entity, id)
}

// Index returns the equality-index key for one field value.
func (k Keys) Index(entity, field, value string) string {
	return fmt.Sprintf("idx:%s:%s:%s:%s", k.version, entity, field, value)
}

// SortIndex returns the sorted-index key for one sortable field.
func (k Keys) SortIndex(entity, field string) string {
	return fmt.Sprintf("sort:%s:%s:%s", k.version, entity, field)
}

// IDFromPrimary extracts the record id from a primary key produced by
// Primary. Returns false if the key does not match the expected layout.
func (k Keys) IDFromPrimary(entity, key string) (string, bool) {
	prefix := fmt.Sprintf("%s:%s:", k.version, entity)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

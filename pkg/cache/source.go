package cache

import "context"

// Record is a raw record as the source datastore returns it: an opaque id
// plus named fields, with single references wrapped in one-element arrays.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// Source is the collaborator interface to the source of truth. The cache
// needs exactly four operations; anything richer the source offers
// (transactions, joins) is not used.
//
// Implementations must distinguish a confirmed absence (ErrSourceNotFound)
// from an inability to answer (ErrSourceUnavailable): only the former may
// be tombstoned. Retry policy, if any, belongs to the implementation.
type Source interface {
	// GetRecord fetches one record by id.
	GetRecord(ctx context.Context, table, id string) (*Record, error)

	// GetRecords batch-fetches records by id. Ids absent from the source
	// are omitted from the result, not errors.
	GetRecords(ctx context.Context, table string, ids []string) ([]Record, error)

	// ListRecords fetches every record whose field equals value.
	ListRecords(ctx context.Context, table, field, value string) ([]Record, error)

	// DeleteRecord deletes a record by id. Deleting an already-absent
	// record returns ErrSourceNotFound.
	DeleteRecord(ctx context.Context, table, id string) error
}

// Package cache implements the read-through cache in front of the
// platform's source datastore: primary records keyed by schema version,
// tombstones for confirmed-absent ids, auto-derived secondary indexes,
// and the orphan sweep.
//
// The cache always stores the richest shape; callers ask for whatever
// narrower view they need and it is derived at read time, never stored.
// Secondary indexes may lag the primary records by up to one TTL window;
// callers needing strong consistency must read the source directly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"time"

	"github.com/hackclub/podium-cache/pkg/observability"
)

// Config tunes the cache's TTL and keying policy.
type Config struct {
	// BaseTTL is the primary record lifetime before jitter.
	BaseTTL time.Duration `mapstructure:"base_ttl"`
	// JitterPercent spreads expiry by ±n% so a burst of writes does not
	// expire in the same instant.
	JitterPercent float64 `mapstructure:"jitter_percent"`
	// TombstoneTTL is how long a confirmed absence is remembered.
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl"`
	// SchemaVersion prefixes every key; bump it to invalidate everything
	// at once without touching the store.
	SchemaVersion string `mapstructure:"schema_version"`
}

// DefaultConfig returns the default cache policy: 8h records with 5%
// jitter, 8h tombstones, schema v1.
func DefaultConfig() Config {
	return Config{
		BaseTTL:       8 * time.Hour,
		JitterPercent: 5,
		TombstoneTTL:  8 * time.Hour,
		SchemaVersion: "v1",
	}
}

// Sort requests ordered results from GetByIndex. Ties in the sort value
// always break by ascending record id, so pagination is stable.
type Sort struct {
	Field      string
	Descending bool
}

var tombstoneSentinel = []byte("1")

// Ops is the cache's public surface. Application code calls these six
// operations and nothing else; direct access to the Store or Registry is
// out of contract.
type Ops struct {
	registry *Registry
	store    Store
	source   Source
	keys     Keys
	cfg      Config
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates the cache operations facade.
func New(registry *Registry, store Store, source Source, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Ops {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.BaseTTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Ops{
		registry: registry,
		store:    store,
		source:   source,
		keys:     NewKeys(cfg.SchemaVersion),
		cfg:      cfg,
		logger:   logger.WithPrefix("cache"),
		metrics:  metrics,
	}
}

// Registry returns the entity registry the cache was built with.
func (o *Ops) Registry() *Registry { return o.registry }

// GetOne fetches one record by id into target, a pointer to the caller's
// requested view. Returns false when the record is confirmed absent;
// absence is normal control flow, not an error.
func (o *Ops) GetOne(ctx context.Context, entity, id string, target interface{}) (bool, error) {
	desc, err := o.registry.Describe(entity)
	if err != nil {
		return false, err
	}
	stats := StatsFromContext(ctx)

	tombed, err := o.store.Exists(ctx, o.keys.Tombstone(entity, id))
	if err != nil {
		return o.getOneBypass(ctx, desc, id, target, stats, err)
	}
	if tombed {
		stats.Hit()
		o.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{"entity": entity})
		return false, nil
	}

	data, err := o.store.Get(ctx, o.keys.Primary(entity, id))
	switch {
	case err == nil:
		stats.Hit()
		o.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{"entity": entity})
		var flat map[string]interface{}
		if uerr := json.Unmarshal(data, &flat); uerr != nil {
			return false, &ValidationError{Entity: entity, ID: id, Err: uerr}
		}
		return true, desc.Denormalize(flat, target)

	case errors.Is(err, ErrNotFound):
		// fall through to the source

	default:
		return o.getOneBypass(ctx, desc, id, target, stats, err)
	}

	stats.Miss()
	o.metrics.IncrementCounterWithLabels("cache_misses_total", 1, map[string]string{"entity": entity})

	flat, err := o.fetchOne(ctx, desc, id, stats)
	if err != nil {
		return false, err
	}
	if flat == nil {
		// Confirmed absent: tombstone so repeat lookups stop here.
		if serr := o.store.Set(ctx, o.keys.Tombstone(entity, id), tombstoneSentinel, o.cfg.TombstoneTTL); serr != nil {
			o.logger.Warn("failed to set tombstone", map[string]interface{}{"entity": entity, "id": id, "error": serr.Error()})
		}
		return false, nil
	}

	if werr := o.writeRecord(ctx, desc, flat); werr != nil {
		o.logger.Warn("failed to populate cache after source read", map[string]interface{}{"entity": entity, "id": id, "error": werr.Error()})
	}
	return true, desc.Denormalize(flat, target)
}

// getOneBypass serves a read straight from the source when the store is
// unreachable: a cache outage degrades performance, not availability.
func (o *Ops) getOneBypass(ctx context.Context, desc *Descriptor, id string, target interface{}, stats *Stats, storeErr error) (bool, error) {
	if !errors.Is(storeErr, ErrStoreUnavailable) {
		return false, storeErr
	}
	o.logger.Warn("store unavailable, passing through to source", map[string]interface{}{"entity": desc.Name, "id": id, "error": storeErr.Error()})
	stats.Bypass()

	flat, err := o.fetchOne(ctx, desc, id, stats)
	if err != nil || flat == nil {
		return false, err
	}
	return true, desc.Denormalize(flat, target)
}

// fetchOne reads one record from the source. A confirmed absence returns
// (nil, nil); an unreachable source propagates as ErrSourceUnavailable and
// is never mistaken for absence.
func (o *Ops) fetchOne(ctx context.Context, desc *Descriptor, id string, stats *Stats) (map[string]interface{}, error) {
	stats.SourceCall()
	o.metrics.IncrementCounterWithLabels("source_reads_total", 1, map[string]string{"entity": desc.Name})

	rec, err := o.source.GetRecord(ctx, desc.Table, id)
	if errors.Is(err, ErrSourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return desc.Normalize(rec.ID, rec.Fields), nil
}

// GetMany fetches records by id into out, a pointer to a slice of the
// caller's requested view. Results keep the input id order; ids confirmed
// absent are omitted, never null-padded. Misses are fetched from the
// source in a single batched call.
func (o *Ops) GetMany(ctx context.Context, entity string, ids []string, out interface{}) error {
	desc, err := o.registry.Describe(entity)
	if err != nil {
		return err
	}
	flats, err := o.resolveMany(ctx, desc, ids)
	if err != nil {
		return err
	}
	return fillSlice(desc, flats, out)
}

// resolveMany partitions ids into hits and misses, batch-fetches the
// misses, and returns flat records in input order with absences omitted.
func (o *Ops) resolveMany(ctx context.Context, desc *Descriptor, ids []string) ([]map[string]interface{}, error) {
	stats := StatsFromContext(ctx)

	byID := make(map[string]map[string]interface{}, len(ids))
	var missing []string

	for _, id := range ids {
		if _, seen := byID[id]; seen || contains(missing, id) {
			continue
		}

		data, err := o.store.Get(ctx, o.keys.Primary(desc.Name, id))
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return o.resolveManyBypass(ctx, desc, ids, stats, err)
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			tombed, terr := o.store.Exists(ctx, o.keys.Tombstone(desc.Name, id))
			if terr != nil {
				return o.resolveManyBypass(ctx, desc, ids, stats, terr)
			}
			if tombed {
				stats.Hit()
				o.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{"entity": desc.Name})
				continue
			}
			stats.Miss()
			o.metrics.IncrementCounterWithLabels("cache_misses_total", 1, map[string]string{"entity": desc.Name})
			missing = append(missing, id)
			continue
		}

		stats.Hit()
		o.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{"entity": desc.Name})
		var flat map[string]interface{}
		if uerr := json.Unmarshal(data, &flat); uerr != nil {
			return nil, &ValidationError{Entity: desc.Name, ID: id, Err: uerr}
		}
		byID[id] = flat
	}

	if len(missing) > 0 {
		stats.SourceCall()
		o.metrics.IncrementCounterWithLabels("source_reads_total", 1, map[string]string{"entity": desc.Name})
		recs, err := o.source.GetRecords(ctx, desc.Table, missing)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			flat := desc.Normalize(rec.ID, rec.Fields)
			byID[rec.ID] = flat
			if werr := o.writeRecord(ctx, desc, flat); werr != nil {
				o.logger.Warn("failed to populate cache after batch read", map[string]interface{}{"entity": desc.Name, "id": rec.ID, "error": werr.Error()})
			}
		}
		// The source answered, so ids it did not return are confirmed absent.
		for _, id := range missing {
			if _, found := byID[id]; !found {
				if serr := o.store.Set(ctx, o.keys.Tombstone(desc.Name, id), tombstoneSentinel, o.cfg.TombstoneTTL); serr != nil {
					o.logger.Warn("failed to set tombstone", map[string]interface{}{"entity": desc.Name, "id": id, "error": serr.Error()})
				}
			}
		}
	}

	return orderFlats(ids, byID), nil
}

func (o *Ops) resolveManyBypass(ctx context.Context, desc *Descriptor, ids []string, stats *Stats, storeErr error) ([]map[string]interface{}, error) {
	if !errors.Is(storeErr, ErrStoreUnavailable) {
		return nil, storeErr
	}
	o.logger.Warn("store unavailable, passing batch through to source", map[string]interface{}{"entity": desc.Name, "error": storeErr.Error()})
	stats.Bypass()
	stats.SourceCall()

	recs, err := o.source.GetRecords(ctx, desc.Table, dedupe(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]map[string]interface{}, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = desc.Normalize(rec.ID, rec.Fields)
	}
	return orderFlats(ids, byID), nil
}

// GetByIndex fetches every record whose indexed field equals value, into
// out. A populated secondary index resolves through the cache; a cold
// index falls through to a source filter query and warms both the index
// and the primary entries it returns.
func (o *Ops) GetByIndex(ctx context.Context, entity, field, value string, sortBy *Sort, out interface{}) error {
	desc, err := o.registry.Describe(entity)
	if err != nil {
		return err
	}
	if !desc.Indexed(field) {
		return &ConfigurationError{Entity: entity, Reason: fmt.Sprintf("field %q is not indexed", field)}
	}
	stats := StatsFromContext(ctx)

	var flats []map[string]interface{}

	ids, err := o.store.IndexGet(ctx, o.keys.Index(entity, field, value))
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		o.logger.Warn("store unavailable, passing index query through to source", map[string]interface{}{"entity": entity, "field": field, "error": err.Error()})
		stats.Bypass()
		flats, err = o.querySource(ctx, desc, field, value, stats, false)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case len(ids) > 0:
		flats, err = o.resolveMany(ctx, desc, ids)
		if err != nil {
			return err
		}
	default:
		// Cold index: one source query populates the index and every
		// primary entry it returns.
		stats.Miss()
		o.metrics.IncrementCounterWithLabels("cache_misses_total", 1, map[string]string{"entity": entity})
		flats, err = o.querySource(ctx, desc, field, value, stats, true)
		if err != nil {
			return err
		}
	}

	if sortBy != nil {
		o.sortFlats(ctx, desc, flats, sortBy)
	}
	return fillSlice(desc, flats, out)
}

// querySource runs the source-side equivalent of an index lookup. When
// warm is set, the results populate the cache.
func (o *Ops) querySource(ctx context.Context, desc *Descriptor, field, value string, stats *Stats, warm bool) ([]map[string]interface{}, error) {
	sourceField := field
	if ref, ok := desc.RefFields[field]; ok {
		sourceField = ref.SourceField
	}

	stats.SourceCall()
	o.metrics.IncrementCounterWithLabels("source_reads_total", 1, map[string]string{"entity": desc.Name})
	recs, err := o.source.ListRecords(ctx, desc.Table, sourceField, value)
	if err != nil {
		return nil, err
	}

	flats := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		flat := desc.Normalize(rec.ID, rec.Fields)
		flats = append(flats, flat)
		if warm {
			if werr := o.writeRecord(ctx, desc, flat); werr != nil {
				o.logger.Warn("failed to warm index from source query", map[string]interface{}{"entity": desc.Name, "id": rec.ID, "error": werr.Error()})
			}
		}
	}
	return flats, nil
}

// sortFlats orders results in place. A registered sortable field uses the
// store's sorted index; anything else sorts at the call site. Both paths
// break ties by ascending record id.
func (o *Ops) sortFlats(ctx context.Context, desc *Descriptor, flats []map[string]interface{}, sortBy *Sort) {
	if desc.Sortable(sortBy.Field) {
		order, err := o.store.SortedRange(ctx, o.keys.SortIndex(desc.Name, sortBy.Field), sortBy.Descending)
		if err == nil && len(order) > 0 {
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			sort.SliceStable(flats, func(i, j int) bool {
				pi, iOK := pos[stringID(flats[i])]
				pj, jOK := pos[stringID(flats[j])]
				if iOK && jOK {
					return pi < pj
				}
				if iOK != jOK {
					return iOK
				}
				return stringID(flats[i]) < stringID(flats[j])
			})
			return
		}
	}

	sort.SliceStable(flats, func(i, j int) bool {
		vi, _ := SortValue(flats[i], sortBy.Field)
		vj, _ := SortValue(flats[j], sortBy.Field)
		if vi != vj {
			if sortBy.Descending {
				return vi > vj
			}
			return vi < vj
		}
		return stringID(flats[i]) < stringID(flats[j])
	})
}

// Upsert stores a record with a fresh TTL, clears any tombstone for its
// id, and refreshes every secondary index the record participates in.
// When the cached copy shows an indexed field changed value, the
// membership under the old value is dropped so stale index lookups stop
// returning the record. Accepts either a raw source Record or a
// richest-shape struct.
func (o *Ops) Upsert(ctx context.Context, entity string, record interface{}) error {
	desc, err := o.registry.Describe(entity)
	if err != nil {
		return err
	}

	var flat map[string]interface{}
	switch r := record.(type) {
	case *Record:
		flat = desc.Normalize(r.ID, r.Fields)
	case Record:
		flat = desc.Normalize(r.ID, r.Fields)
	default:
		flat, err = desc.Flatten(record)
		if err != nil {
			return err
		}
	}
	id := stringID(flat)
	if id == "" {
		return &ValidationError{Entity: entity, Err: errors.New("record has no id")}
	}

	if data, gerr := o.store.Get(ctx, o.keys.Primary(entity, id)); gerr == nil {
		var prior map[string]interface{}
		if json.Unmarshal(data, &prior) == nil {
			o.removeStaleIndexes(ctx, desc, id, prior, flat)
		}
	}
	return o.writeRecord(ctx, desc, flat)
}

// removeStaleIndexes drops equality-index memberships the record held
// under values its new flat form no longer carries. Sorted indexes
// rescore in place and need no cleanup.
func (o *Ops) removeStaleIndexes(ctx context.Context, desc *Descriptor, id string, prior, next map[string]interface{}) {
	for _, f := range desc.IndexedFields {
		old, ok := IndexValue(prior, f)
		if !ok {
			continue
		}
		if cur, ok := IndexValue(next, f); ok && cur == old {
			continue
		}
		if err := o.store.IndexRemove(ctx, o.keys.Index(desc.Name, f, old), id); err != nil {
			o.logger.Warn("failed to drop stale index membership", map[string]interface{}{
				"entity": desc.Name, "id": id, "field": f, "error": err.Error(),
			})
		}
	}
}

// Invalidate removes the primary entry only. It neither tombstones (the
// record may still exist in the source; invalidate means uncertain, not
// gone) nor touches secondary indexes, which self-correct on the next
// cold lookup or expire.
func (o *Ops) Invalidate(ctx context.Context, entity, id string) error {
	if _, err := o.registry.Describe(entity); err != nil {
		return err
	}
	return o.store.Delete(ctx, o.keys.Primary(entity, id))
}

// Delete is the only sanctioned destructive path: it deletes from the
// source first and touches the cache only once the source delete is known
// to have succeeded, so a failed source delete never leaves a tombstone
// for a live record. A second Delete for the same id is a no-op
// equivalent: the source is already gone and the tombstone already set.
func (o *Ops) Delete(ctx context.Context, entity, id string) error {
	desc, err := o.registry.Describe(entity)
	if err != nil {
		return err
	}
	stats := StatsFromContext(ctx)

	// Snapshot the cached record before anything is removed so index
	// memberships can be cleaned up afterwards.
	var flat map[string]interface{}
	if data, gerr := o.store.Get(ctx, o.keys.Primary(entity, id)); gerr == nil {
		_ = json.Unmarshal(data, &flat)
	}

	stats.SourceCall()
	if err := o.source.DeleteRecord(ctx, desc.Table, id); err != nil && !errors.Is(err, ErrSourceNotFound) {
		return err
	}
	return o.evict(ctx, desc, id, flat, true)
}

// evict removes a record's primary entry and index memberships. With
// tombstone set it also marks the id confirmed-absent; the sweep evicts
// without tombstoning since an orphan's own record may still exist.
func (o *Ops) evict(ctx context.Context, desc *Descriptor, id string, flat map[string]interface{}, tombstone bool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(o.store.Delete(ctx, o.keys.Primary(desc.Name, id)))

	if flat != nil {
		for _, f := range desc.IndexedFields {
			if v, ok := IndexValue(flat, f); ok {
				keep(o.store.IndexRemove(ctx, o.keys.Index(desc.Name, f, v), id))
			}
		}
	}
	for _, f := range desc.SortableFields {
		keep(o.store.SortedRemove(ctx, o.keys.SortIndex(desc.Name, f), id))
	}

	if tombstone {
		keep(o.store.Set(ctx, o.keys.Tombstone(desc.Name, id), tombstoneSentinel, o.cfg.TombstoneTTL))
	}
	return firstErr
}

// writeRecord stores a flat record with a fresh jittered TTL and updates
// its index memberships. The tombstone is cleared before the primary is
// set so the two are never present together.
func (o *Ops) writeRecord(ctx context.Context, desc *Descriptor, flat map[string]interface{}) error {
	id := stringID(flat)
	data, err := json.Marshal(flat)
	if err != nil {
		return &ValidationError{Entity: desc.Name, ID: id, Err: err}
	}
	ttl := o.recordTTL()

	if err := o.store.Delete(ctx, o.keys.Tombstone(desc.Name, id)); err != nil {
		return err
	}
	if err := o.store.Set(ctx, o.keys.Primary(desc.Name, id), data, ttl); err != nil {
		return err
	}

	var firstErr error
	for _, f := range desc.IndexedFields {
		if v, ok := IndexValue(flat, f); ok {
			if ierr := o.store.IndexPut(ctx, o.keys.Index(desc.Name, f, v), id, ttl); ierr != nil && firstErr == nil {
				firstErr = ierr
			}
		}
	}
	for _, f := range desc.SortableFields {
		if v, ok := SortValue(flat, f); ok {
			if serr := o.store.SortedPut(ctx, o.keys.SortIndex(desc.Name, f), id, v, ttl); serr != nil && firstErr == nil {
				firstErr = serr
			}
		}
	}
	return firstErr
}

// recordTTL returns the base TTL jittered by ±JitterPercent.
func (o *Ops) recordTTL() time.Duration {
	if o.cfg.JitterPercent <= 0 {
		return o.cfg.BaseTTL
	}
	spread := (rand.Float64()*2 - 1) * o.cfg.JitterPercent / 100
	return time.Duration(float64(o.cfg.BaseTTL) * (1 + spread))
}

func orderFlats(ids []string, byID map[string]map[string]interface{}) []map[string]interface{} {
	flats := make([]map[string]interface{}, 0, len(ids))
	emitted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if emitted[id] {
			continue
		}
		emitted[id] = true
		if flat, ok := byID[id]; ok {
			flats = append(flats, flat)
		}
	}
	return flats
}

func fillSlice(desc *Descriptor, flats []map[string]interface{}, out interface{}) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Slice {
		return &ConfigurationError{Entity: desc.Name, Reason: "out must be a pointer to a slice"}
	}
	slice := v.Elem()
	elemType := slice.Type().Elem()

	result := reflect.MakeSlice(slice.Type(), 0, len(flats))
	for _, flat := range flats {
		el := reflect.New(elemType)
		if err := desc.Denormalize(flat, el.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, el.Elem())
	}
	slice.Set(result)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

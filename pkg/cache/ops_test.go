package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code" cache:"indexed"`
}

type testProject struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	EventID string  `json:"event" cache:"ref=events"`
	Points  float64 `json:"points" cache:"sortable"`
}

type projectSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// fakeSource is an in-memory Source with per-operation call counters and an
// injectable failure.
type fakeSource struct {
	mu      sync.Mutex
	tables  map[string]map[string]Record
	err     error
	gets    int
	batches int
	lists   int
	deletes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: make(map[string]map[string]Record)}
}

func (f *fakeSource) put(table string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]Record)
	}
	f.tables[table][rec.ID] = rec
}

func (f *fakeSource) remove(table, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables[table], id)
}

func (f *fakeSource) GetRecord(ctx context.Context, table, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.tables[table][id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	return &rec, nil
}

func (f *fakeSource) GetRecords(ctx context.Context, table string, ids []string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.err != nil {
		return nil, f.err
	}
	var recs []Record
	for _, id := range ids {
		if rec, ok := f.tables[table][id]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (f *fakeSource) ListRecords(ctx context.Context, table, field, value string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	var recs []Record
	for _, rec := range f.tables[table] {
		if v, ok := rec.Fields[field]; ok {
			if s, isStr := unwrapRef(v).(string); isStr && s == value {
				recs = append(recs, rec)
			}
		}
	}
	return recs, nil
}

func (f *fakeSource) DeleteRecord(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.err != nil {
		return f.err
	}
	if _, ok := f.tables[table][id]; !ok {
		return ErrSourceNotFound
	}
	delete(f.tables[table], id)
	return nil
}

func (f *fakeSource) counts() (gets, batches, lists, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.batches, f.lists, f.deletes
}

// captureMetrics is a MetricsClient that remembers counter totals.
type captureMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{counts: make(map[string]float64)}
}

func (m *captureMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.counts[name] += value
	m.mu.Unlock()
}

func (m *captureMetrics) RecordGauge(name string, value float64, labels map[string]string) {}

func (m *captureMetrics) RecordDuration(name string, duration time.Duration) {}

func (m *captureMetrics) Close() error { return nil }

func (m *captureMetrics) count(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func setupCache(t *testing.T) (*Ops, *miniredis.Miniredis, *fakeSource) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := MustNewRegistry(
		Entity{Name: "events", Table: "tblEvents", Shape: testEvent{}},
		Entity{Name: "projects", Table: "tblProjects", Shape: testProject{}},
	)

	cfg := DefaultConfig()
	cfg.JitterPercent = 0 // deterministic TTLs

	src := newFakeSource()
	ops := New(registry, NewRedisStoreFromClient(client), src, cfg, nil, nil)
	return ops, mr, src
}

func projectRecord(id, name, eventID string, points float64) Record {
	return Record{ID: id, Fields: map[string]interface{}{
		"name":     name,
		"event_id": []interface{}{eventID},
		"points":   points,
	}}
}

func TestGetOne(t *testing.T) {
	t.Run("Cold miss populates the cache", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		ctx, stats := WithStats(context.Background())

		var p testProject
		found, err := ops.GetOne(ctx, "projects", "prj1", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, testProject{ID: "prj1", Name: "Robot", EventID: "ev1", Points: 10}, p)
		assert.Equal(t, "MISS (1)", stats.CacheHeader())

		assert.True(t, mr.Exists("v1:projects:prj1"))
		assert.True(t, mr.Exists("idx:v1:projects:event:ev1"))
	})

	t.Run("Warm hit never touches the source", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		var p testProject
		_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)

		ctx, stats := WithStats(context.Background())
		found, err := ops.GetOne(ctx, "projects", "prj1", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "HIT (1)", stats.CacheHeader())

		gets, _, _, _ := src.counts()
		assert.Equal(t, 1, gets)
	})

	t.Run("Narrow views read the same entry", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		var full testProject
		_, err := ops.GetOne(context.Background(), "projects", "prj1", &full)
		require.NoError(t, err)

		var summary projectSummary
		found, err := ops.GetOne(context.Background(), "projects", "prj1", &summary)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, projectSummary{ID: "prj1", Name: "Robot"}, summary)
	})

	t.Run("Confirmed absence tombstones the id", func(t *testing.T) {
		ops, mr, src := setupCache(t)

		var p testProject
		found, err := ops.GetOne(context.Background(), "projects", "ghost", &p)
		require.NoError(t, err)
		assert.False(t, found)
		assert.True(t, mr.Exists("tomb:projects:ghost"))

		// Repeat lookups stop at the tombstone.
		ctx, stats := WithStats(context.Background())
		found, err = ops.GetOne(ctx, "projects", "ghost", &p)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, "HIT (1)", stats.CacheHeader())

		gets, _, _, _ := src.counts()
		assert.Equal(t, 1, gets)
	})

	t.Run("Source outage is never mistaken for absence", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.err = ErrSourceUnavailable

		var p testProject
		_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.ErrorIs(t, err, ErrSourceUnavailable)
		assert.False(t, mr.Exists("tomb:projects:prj1"))
	})

	t.Run("Store outage passes through to the source", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))
		mr.SetError("connection refused")

		ctx, stats := WithStats(context.Background())
		var p testProject
		found, err := ops.GetOne(ctx, "projects", "prj1", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "prj1", p.ID)
		assert.Equal(t, "BYPASS", stats.CacheHeader())
	})

	t.Run("Unregistered entity fails loudly", func(t *testing.T) {
		ops, _, _ := setupCache(t)
		var p testProject
		_, err := ops.GetOne(context.Background(), "gadgets", "g1", &p)
		var confErr *ConfigurationError
		require.ErrorAs(t, err, &confErr)
	})
}

func TestGetMany(t *testing.T) {
	t.Run("Preserves input order and omits absences", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))
		src.put("tblProjects", projectRecord("prjB", "Beta", "ev1", 2))
		src.put("tblProjects", projectRecord("prjC", "Gamma", "ev1", 3))

		var out []testProject
		err := ops.GetMany(context.Background(), "projects", []string{"prjC", "ghost", "prjA", "prjB"}, &out)
		require.NoError(t, err)

		require.Len(t, out, 3)
		assert.Equal(t, "prjC", out[0].ID)
		assert.Equal(t, "prjA", out[1].ID)
		assert.Equal(t, "prjB", out[2].ID)

		_, batches, _, _ := src.counts()
		assert.Equal(t, 1, batches)
		assert.True(t, mr.Exists("tomb:projects:ghost"))
	})

	t.Run("Mixed hits and misses batch only the misses", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))
		src.put("tblProjects", projectRecord("prjB", "Beta", "ev1", 2))

		var one testProject
		_, err := ops.GetOne(context.Background(), "projects", "prjA", &one)
		require.NoError(t, err)

		ctx, stats := WithStats(context.Background())
		var out []testProject
		require.NoError(t, ops.GetMany(ctx, "projects", []string{"prjA", "prjB"}, &out))
		require.Len(t, out, 2)
		assert.Equal(t, "MISS (1)", stats.CacheHeader())

		gets, batches, _, _ := src.counts()
		assert.Equal(t, 1, gets)
		assert.Equal(t, 1, batches)
	})

	t.Run("Duplicate ids resolve once", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))

		var out []testProject
		err := ops.GetMany(context.Background(), "projects", []string{"prjA", "prjA", "prjA"}, &out)
		require.NoError(t, err)
		assert.Len(t, out, 1)
	})

	t.Run("Store outage batches straight from the source", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))
		mr.SetError("connection refused")

		ctx, stats := WithStats(context.Background())
		var out []testProject
		require.NoError(t, ops.GetMany(ctx, "projects", []string{"prjA", "ghost"}, &out))
		require.Len(t, out, 1)
		assert.Equal(t, "BYPASS", stats.CacheHeader())
	})
}

func TestGetByIndex(t *testing.T) {
	t.Run("Cold index warms from one source query", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))
		src.put("tblProjects", projectRecord("prjB", "Beta", "ev1", 2))
		src.put("tblProjects", projectRecord("prjX", "Other", "ev2", 9))

		var out []testProject
		err := ops.GetByIndex(context.Background(), "projects", "event", "ev1", nil, &out)
		require.NoError(t, err)
		assert.Len(t, out, 2)

		_, _, lists, _ := src.counts()
		assert.Equal(t, 1, lists)
		assert.True(t, mr.Exists("v1:projects:prjA"))
		assert.True(t, mr.Exists("v1:projects:prjB"))
		assert.False(t, mr.Exists("v1:projects:prjX"))

		// Warmed primaries serve follow-up point reads as hits.
		ctx, stats := WithStats(context.Background())
		var p testProject
		found, err := ops.GetOne(ctx, "projects", "prjA", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "HIT (1)", stats.CacheHeader())

		// Second query resolves through the warmed index.
		require.NoError(t, ops.GetByIndex(context.Background(), "projects", "event", "ev1", nil, &out))
		_, _, lists, _ = src.counts()
		assert.Equal(t, 1, lists)
	})

	t.Run("Identity index on a scalar field", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblEvents", Record{ID: "ev1", Fields: map[string]interface{}{"name": "Hack Night", "code": "XYZ"}})

		var out []testEvent
		require.NoError(t, ops.GetByIndex(context.Background(), "events", "code", "XYZ", nil, &out))
		require.Len(t, out, 1)
		assert.Equal(t, "ev1", out[0].ID)
	})

	t.Run("Unindexed field is a configuration error", func(t *testing.T) {
		ops, _, _ := setupCache(t)
		var out []testProject
		err := ops.GetByIndex(context.Background(), "projects", "name", "Robot", nil, &out)
		var confErr *ConfigurationError
		require.ErrorAs(t, err, &confErr)
	})

	t.Run("Sorted field orders by score descending", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 5))
		src.put("tblProjects", projectRecord("prjB", "Beta", "ev1", 20))
		src.put("tblProjects", projectRecord("prjC", "Gamma", "ev1", 10))

		var out []testProject
		err := ops.GetByIndex(context.Background(), "projects", "event", "ev1", &Sort{Field: "points", Descending: true}, &out)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, []string{"prjB", "prjC", "prjA"}, []string{out[0].ID, out[1].ID, out[2].ID})
	})

	t.Run("Descending sort still breaks ties by ascending id", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjB", "Best", "ev1", 9))
		src.put("tblProjects", projectRecord("prjZ", "Zed", "ev1", 7))
		src.put("tblProjects", projectRecord("prjM", "Mid", "ev1", 7))
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 7))

		var out []testProject
		err := ops.GetByIndex(context.Background(), "projects", "event", "ev1", &Sort{Field: "points", Descending: true}, &out)
		require.NoError(t, err)
		require.Len(t, out, 4)
		assert.Equal(t, []string{"prjB", "prjA", "prjM", "prjZ"}, []string{out[0].ID, out[1].ID, out[2].ID, out[3].ID})
	})

	t.Run("Equal scores break ties by ascending id", func(t *testing.T) {
		ops, _, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjZ", "Zed", "ev1", 7))
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 7))
		src.put("tblProjects", projectRecord("prjM", "Mid", "ev1", 7))

		var out []testProject
		err := ops.GetByIndex(context.Background(), "projects", "event", "ev1", &Sort{Field: "points"}, &out)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, []string{"prjA", "prjM", "prjZ"}, []string{out[0].ID, out[1].ID, out[2].ID})
	})

	t.Run("Store outage filters at the source", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prjA", "Alpha", "ev1", 1))
		mr.SetError("connection refused")

		ctx, stats := WithStats(context.Background())
		var out []testProject
		require.NoError(t, ops.GetByIndex(ctx, "projects", "event", "ev1", nil, &out))
		require.Len(t, out, 1)
		assert.Equal(t, "BYPASS", stats.CacheHeader())
	})
}

func TestUpsert(t *testing.T) {
	t.Run("Stores a struct and indexes it", func(t *testing.T) {
		ops, mr, src := setupCache(t)

		err := ops.Upsert(context.Background(), "projects", testProject{ID: "prj1", Name: "Robot", EventID: "ev1", Points: 15})
		require.NoError(t, err)

		var p testProject
		found, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Robot", p.Name)

		assert.True(t, mr.Exists("idx:v1:projects:event:ev1"))
		assert.True(t, mr.Exists("sort:v1:projects:points"))

		gets, _, _, _ := src.counts()
		assert.Equal(t, 0, gets)
	})

	t.Run("Accepts a raw source record", func(t *testing.T) {
		ops, _, _ := setupCache(t)

		err := ops.Upsert(context.Background(), "projects", projectRecord("prj1", "Robot", "ev1", 15))
		require.NoError(t, err)

		var p testProject
		found, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "ev1", p.EventID)
	})

	t.Run("Resets the TTL", func(t *testing.T) {
		ops, mr, _ := setupCache(t)

		require.NoError(t, ops.Upsert(context.Background(), "projects", testProject{ID: "prj1", Points: 1}))
		mr.FastForward(2 * time.Hour)
		assert.Equal(t, 6*time.Hour, mr.TTL("v1:projects:prj1"))

		require.NoError(t, ops.Upsert(context.Background(), "projects", testProject{ID: "prj1", Points: 2}))
		assert.Equal(t, 8*time.Hour, mr.TTL("v1:projects:prj1"))
	})

	t.Run("Clears any tombstone for the id", func(t *testing.T) {
		ops, mr, _ := setupCache(t)

		// Miss on an absent id leaves a tombstone behind.
		var p testProject
		found, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)
		require.False(t, found)
		require.True(t, mr.Exists("tomb:projects:prj1"))

		require.NoError(t, ops.Upsert(context.Background(), "projects", testProject{ID: "prj1", Name: "Back"}))
		assert.False(t, mr.Exists("tomb:projects:prj1"))

		found, err = ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("Moving an indexed value drops the old membership", func(t *testing.T) {
		ops, mr, _ := setupCache(t)
		ctx := context.Background()

		require.NoError(t, ops.Upsert(ctx, "projects", testProject{ID: "prj1", Name: "Robot", EventID: "ev1"}))
		require.NoError(t, ops.Upsert(ctx, "projects", testProject{ID: "prj1", Name: "Robot", EventID: "ev2"}))

		// prj1 was the old set's only member, so the set is gone entirely.
		assert.False(t, mr.Exists("idx:v1:projects:event:ev1"))

		newMembers, err := mr.Members("idx:v1:projects:event:ev2")
		require.NoError(t, err)
		assert.Contains(t, newMembers, "prj1")
	})

	t.Run("Rejects records without an id", func(t *testing.T) {
		ops, _, _ := setupCache(t)
		err := ops.Upsert(context.Background(), "projects", testProject{Name: "No ID"})
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
	})
}

func TestInvalidate(t *testing.T) {
	ops, mr, src := setupCache(t)
	src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

	var p testProject
	_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
	require.NoError(t, err)

	require.NoError(t, ops.Invalidate(context.Background(), "projects", "prj1"))

	// Primary gone, no tombstone, indexes untouched.
	assert.False(t, mr.Exists("v1:projects:prj1"))
	assert.False(t, mr.Exists("tomb:projects:prj1"))
	assert.True(t, mr.Exists("idx:v1:projects:event:ev1"))

	// Next read refetches from the source.
	found, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
	require.NoError(t, err)
	assert.True(t, found)
	gets, _, _, _ := src.counts()
	assert.Equal(t, 2, gets)
}

func TestDelete(t *testing.T) {
	t.Run("Removes source record, cache entry and index memberships", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		var p testProject
		_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)

		require.NoError(t, ops.Delete(context.Background(), "projects", "prj1"))

		assert.False(t, mr.Exists("v1:projects:prj1"))
		assert.True(t, mr.Exists("tomb:projects:prj1"))

		// prj1 was the index set's only member, so the set itself is gone.
		assert.False(t, mr.Exists("idx:v1:projects:event:ev1"))

		_, err = src.GetRecord(context.Background(), "tblProjects", "prj1")
		assert.ErrorIs(t, err, ErrSourceNotFound)
	})

	t.Run("Repeating a delete is harmless", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		require.NoError(t, ops.Delete(context.Background(), "projects", "prj1"))
		require.NoError(t, ops.Delete(context.Background(), "projects", "prj1"))
		assert.True(t, mr.Exists("tomb:projects:prj1"))
	})

	t.Run("Failed source delete leaves the cache alone", func(t *testing.T) {
		ops, mr, src := setupCache(t)
		src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))

		var p testProject
		_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
		require.NoError(t, err)

		src.err = ErrSourceUnavailable
		require.ErrorIs(t, ops.Delete(context.Background(), "projects", "prj1"), ErrSourceUnavailable)

		assert.True(t, mr.Exists("v1:projects:prj1"))
		assert.False(t, mr.Exists("tomb:projects:prj1"))
	})
}

func TestTombstoneAndPrimaryNeverCoexist(t *testing.T) {
	ops, mr, src := setupCache(t)

	both := func() bool {
		return mr.Exists("v1:projects:prj1") && mr.Exists("tomb:projects:prj1")
	}

	var p testProject
	_, err := ops.GetOne(context.Background(), "projects", "prj1", &p)
	require.NoError(t, err)
	assert.False(t, both())

	src.put("tblProjects", projectRecord("prj1", "Robot", "ev1", 10))
	require.NoError(t, ops.Upsert(context.Background(), "projects", testProject{ID: "prj1", Name: "Robot", EventID: "ev1"}))
	assert.False(t, both())

	require.NoError(t, ops.Delete(context.Background(), "projects", "prj1"))
	assert.False(t, both())
}

func TestHitMetricsAgreeAcrossReadPaths(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := MustNewRegistry(
		Entity{Name: "events", Table: "tblEvents", Shape: testEvent{}},
		Entity{Name: "projects", Table: "tblProjects", Shape: testProject{}},
	)
	cfg := DefaultConfig()
	cfg.JitterPercent = 0
	metrics := newCaptureMetrics()
	ops := New(registry, NewRedisStoreFromClient(client), newFakeSource(), cfg, nil, metrics)
	ctx := context.Background()

	// Confirmed-absent point read leaves a tombstone behind.
	var p testProject
	found, err := ops.GetOne(ctx, "projects", "ghost", &p)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, mr.Exists("tomb:projects:ghost"))

	hitsBefore := metrics.count("cache_hits_total")

	// Point and batch reads both count the tombstone as a hit.
	_, err = ops.GetOne(ctx, "projects", "ghost", &p)
	require.NoError(t, err)

	var out []testProject
	require.NoError(t, ops.GetMany(ctx, "projects", []string{"ghost"}, &out))
	assert.Empty(t, out)

	assert.Equal(t, hitsBefore+2, metrics.count("cache_hits_total"))
}

func TestSchemaVersionBumpIsolatesEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := MustNewRegistry(Entity{Name: "events", Table: "tblEvents", Shape: testEvent{}})
	store := NewRedisStoreFromClient(client)
	src := newFakeSource()
	src.put("tblEvents", Record{ID: "ev1", Fields: map[string]interface{}{"name": "Hack Night", "code": "XYZ"}})

	v1cfg := DefaultConfig()
	v1cfg.JitterPercent = 0
	v1 := New(registry, store, src, v1cfg, nil, nil)

	var e testEvent
	_, err := v1.GetOne(context.Background(), "events", "ev1", &e)
	require.NoError(t, err)

	v2cfg := v1cfg
	v2cfg.SchemaVersion = "v2"
	v2 := New(registry, store, src, v2cfg, nil, nil)

	// The v2 reader misses the v1 entry and refetches.
	_, err = v2.GetOne(context.Background(), "events", "ev1", &e)
	require.NoError(t, err)
	gets, _, _, _ := src.counts()
	assert.Equal(t, 2, gets)
	assert.True(t, mr.Exists("v1:events:ev1"))
	assert.True(t, mr.Exists("v2:events:ev1"))
}

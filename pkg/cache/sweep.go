package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/hackclub/podium-cache/pkg/observability"
	"github.com/robfig/cron/v3"
)

// SweepConfig tunes the orphan sweep.
type SweepConfig struct {
	// Schedule is a cron expression; empty disables scheduling.
	Schedule string `mapstructure:"schedule"`
	// ScanBatch is the page size for the cursor scan over cache keys.
	ScanBatch int64 `mapstructure:"scan_batch"`
}

// DefaultSweepConfig returns the default sweep settings: daily at 04:10,
// scanning 200 keys per page.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Schedule:  "10 4 * * *",
		ScanBatch: 200,
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Scanned      int
	Evicted      int
	ParentChecks int
	SourceChecks int
}

// Sweeper finds and evicts cache entries whose referenced parent records
// no longer exist in the source. It is best-effort and idempotent: a
// failed or partial run leaves stale-but-harmless entries that still
// expire via TTL.
type Sweeper struct {
	ops     *Ops
	cfg     SweepConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	running atomic.Bool
	cron    *cron.Cron
}

// NewSweeper creates an orphan sweeper over the given cache operations.
func NewSweeper(ops *Ops, cfg SweepConfig, logger observability.Logger, metrics observability.MetricsClient) *Sweeper {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = DefaultSweepConfig().ScanBatch
	}
	return &Sweeper{
		ops:     ops,
		cfg:     cfg,
		logger:  logger.WithPrefix("sweep"),
		metrics: metrics,
	}
}

// Start schedules the sweep with the configured cron expression. Runs
// never overlap: a tick that arrives while a sweep is still in progress
// is skipped.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Run(context.Background()); err != nil {
			s.logger.Error("scheduled sweep failed", map[string]interface{}{"error": err.Error()})
		}
	})
	if err != nil {
		return &ConfigurationError{Reason: "invalid sweep schedule: " + err.Error()}
	}
	s.cron.Start()
	return nil
}

// Stop stops the schedule and waits for an in-flight run to complete.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// parentState classifies one referenced parent during a sweep.
type parentState int

const (
	parentAlive parentState = iota
	parentGone
	parentUnknown
)

// Run performs one sweep pass over every reference-bearing entity.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep already running, skipping", nil)
		return SweepReport{}, nil
	}
	defer s.running.Store(false)

	var report SweepReport
	// Distinct parents are checked once per run no matter how many
	// children reference them; this is where the bulk of the source-query
	// savings comes from.
	parents := make(map[string]map[string]parentState)

	for _, entity := range s.ops.registry.Entities() {
		desc, err := s.ops.registry.Describe(entity)
		if err != nil {
			return report, err
		}
		if !desc.HasRefs() {
			continue
		}
		if err := s.sweepEntity(ctx, desc, parents, &report); err != nil {
			return report, err
		}
	}

	s.logger.Info("sweep complete", map[string]interface{}{
		"scanned":       report.Scanned,
		"evicted":       report.Evicted,
		"parent_checks": report.ParentChecks,
		"source_checks": report.SourceChecks,
	})
	s.metrics.IncrementCounterWithLabels("sweep_evicted_total", float64(report.Evicted), nil)
	return report, nil
}

func (s *Sweeper) sweepEntity(ctx context.Context, desc *Descriptor, parents map[string]map[string]parentState, report *SweepReport) error {
	pattern := s.ops.keys.PrimaryPattern(desc.Name)
	var cursor uint64

	for {
		keys, next, err := s.ops.store.Scan(ctx, pattern, cursor, s.cfg.ScanBatch)
		if err != nil {
			return err
		}

		for _, key := range keys {
			id, ok := s.ops.keys.IDFromPrimary(desc.Name, key)
			if !ok {
				continue
			}
			report.Scanned++

			data, err := s.ops.store.Get(ctx, key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue // expired between scan and read
				}
				return err
			}
			var flat map[string]interface{}
			if err := json.Unmarshal(data, &flat); err != nil {
				s.logger.Warn("unreadable cache entry, evicting", map[string]interface{}{"key": key, "error": err.Error()})
				if err := s.ops.evict(ctx, desc, id, nil, false); err != nil {
					return err
				}
				report.Evicted++
				continue
			}

			if s.orphaned(ctx, desc, flat, parents, report) {
				if err := s.ops.evict(ctx, desc, id, flat, false); err != nil {
					return err
				}
				report.Evicted++
				s.logger.Info("evicted orphan", map[string]interface{}{"entity": desc.Name, "id": id})
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// orphaned reports whether any parent the record references is confirmed
// gone. A cache miss alone is never proof: only the source (or a
// tombstone, which records a source confirmation) may declare a parent
// dead.
func (s *Sweeper) orphaned(ctx context.Context, desc *Descriptor, flat map[string]interface{}, parents map[string]map[string]parentState, report *SweepReport) bool {
	for field, ref := range desc.RefFields {
		pid, ok := flat[field].(string)
		if !ok || pid == "" {
			continue
		}

		if parents[ref.Entity] == nil {
			parents[ref.Entity] = make(map[string]parentState)
		}
		state, checked := parents[ref.Entity][pid]
		if !checked {
			state = s.checkParent(ctx, ref.Entity, pid, report)
			parents[ref.Entity][pid] = state
		}
		report.ParentChecks++

		if state == parentGone {
			return true
		}
	}
	return false
}

func (s *Sweeper) checkParent(ctx context.Context, entity, id string, report *SweepReport) parentState {
	exists, err := s.ops.store.Exists(ctx, s.ops.keys.Primary(entity, id))
	if err == nil && exists {
		return parentAlive
	}

	tombed, err := s.ops.store.Exists(ctx, s.ops.keys.Tombstone(entity, id))
	if err == nil && tombed {
		return parentGone
	}

	desc, err := s.ops.registry.Describe(entity)
	if err != nil {
		return parentUnknown
	}

	report.SourceChecks++
	_, err = s.ops.source.GetRecord(ctx, desc.Table, id)
	switch {
	case err == nil:
		return parentAlive
	case errors.Is(err, ErrSourceNotFound):
		return parentGone
	default:
		// Source unreachable: leave the children alone this pass.
		s.logger.Warn("parent check inconclusive", map[string]interface{}{"entity": entity, "id": id, "error": err.Error()})
		return parentUnknown
	}
}

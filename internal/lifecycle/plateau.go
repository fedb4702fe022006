package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/audit"
	"github.com/nudgekit/nudgekit/internal/metrics"
	"github.com/nudgekit/nudgekit/internal/stats"
	"github.com/nudgekit/nudgekit/internal/store"
)

// CycleResult reports one convergence check. It is a log record, not
// persisted state.
type CycleResult struct {
	PlateauDetected bool
	NewVariants     int
	TopTwoGap       float64
	TotalSamples    int
	EvaluatedAt     time.Time
}

// Detector runs the periodic convergence check. It is stateless between
// cycles; the scheduler must not overlap invocations (single-flight), but
// running a cycle twice on unchanged inputs only ever spawns the
// configured count per cycle.
type Detector struct {
	store           store.Store
	gen             Generator
	sampleThreshold int
	gapThreshold    float64
	spawnCount      int
	segmentScope    string // optional: attribute spawned variants to a segment
	audit           *audit.Recorder
	metrics         *metrics.Metrics
	log             *zap.Logger
	now             func() time.Time
}

func NewDetector(st store.Store, gen Generator, sampleThreshold int, gapThreshold float64, spawnCount int, rec *audit.Recorder, m *metrics.Metrics, log *zap.Logger) *Detector {
	if rec == nil {
		rec = audit.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		store:           st,
		gen:             gen,
		sampleThreshold: sampleThreshold,
		gapThreshold:    gapThreshold,
		spawnCount:      spawnCount,
		audit:           rec,
		metrics:         m,
		log:             log,
		now:             time.Now,
	}
}

// ScopeToSegment makes spawned variants carry the given segment key as
// their origin, for segment-scoped plateau detection.
func (d *Detector) ScopeToSegment(segmentKey string) {
	d.segmentScope = segmentKey
}

// RunCycle checks whether the active pool has plateaued and, if so,
// spawns fresh candidates. A plateau means enough total samples have
// accumulated and the top two posterior means are within the gap
// threshold — more data is no longer changing which variant looks best.
//
// Current leaders are never retired here: a false plateau signal must not
// cost a genuinely good performer.
func (d *Detector) RunCycle(ctx context.Context) (*CycleResult, error) {
	active, err := d.store.ListVariantsByStatus(ctx, store.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active variants: %w", err)
	}

	total := 0
	means := make([]float64, 0, len(active))
	for _, v := range active {
		total += v.Samples()
		means = append(means, v.PosteriorMean())
	}
	gap := stats.TopTwoGap(means)

	result := &CycleResult{
		TopTwoGap:    gap,
		TotalSamples: total,
		EvaluatedAt:  d.now(),
	}
	d.metrics.PlateauCycles.Inc()

	if total < d.sampleThreshold || gap > d.gapThreshold {
		d.audit.PlateauCycle(false, 0, gap, total)
		return result, nil
	}

	result.PlateauDetected = true
	d.metrics.PlateausDetected.Inc()

	texts, err := d.gen.Generate(ctx, d.segmentScope, d.spawnCount)
	if err != nil {
		return result, fmt.Errorf("failed to generate candidate variants: %w", err)
	}

	for _, text := range texts {
		v, err := d.store.CreateVariant(ctx, text, store.StatusCandidate, d.segmentScope)
		if err != nil {
			d.log.Warn("failed to create candidate variant, skipping", zap.Error(err))
			continue
		}
		// Candidates must become selectable to ever gather data, so
		// promotion is immediate.
		if err := d.store.UpdateVariantStatus(ctx, v.ID, store.StatusActive); err != nil {
			d.log.Warn("failed to promote candidate variant",
				zap.String("variant_id", v.ID), zap.Error(err))
			continue
		}
		result.NewVariants++
		d.metrics.VariantsSpawned.Inc()
	}

	d.audit.PlateauCycle(true, result.NewVariants, gap, total)
	return result, nil
}

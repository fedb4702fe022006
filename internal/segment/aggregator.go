// Package segment maintains per-segment ranked views of variant
// performance, used to bias selection toward what already works for a
// population bucket.
//
// A segment key is an opaque colon-joined attribute string, e.g.
// "fintech:senior:builder". The only structure the aggregator relies on is
// that dropping the last attribute yields the coarser super-segment used
// for cold-start smoothing.
package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/store"
)

// staleAfter bounds how old a cached ranking may be before a read
// triggers a lazy recompute.
const staleAfter = 10 * time.Minute

type Aggregator struct {
	store       store.Store
	minSamples  int
	boosts      []float64
	superWeight float64
	log         *zap.Logger
	now         func() time.Time
}

func NewAggregator(st store.Store, minSamples int, boosts []float64, superWeight float64, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		store:       st,
		minSamples:  minSamples,
		boosts:      boosts,
		superWeight: superWeight,
		log:         log,
		now:         time.Now,
	}
}

// SuperSegment returns the key with its most specific attribute dropped,
// or "" when there is nothing coarser.
func SuperSegment(key string) string {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return ""
	}
	return key[:i]
}

// Refresh recomputes the segment's ranking from resolved selection rows
// and rewrites the cache. It never applies deltas, so calling it twice in
// a row, or concurrently from two outcome resolutions, converges to the
// same final state.
func (a *Aggregator) Refresh(ctx context.Context, segmentKey string) (*store.SegmentModel, error) {
	if segmentKey == "" {
		return nil, fmt.Errorf("segment key must not be empty")
	}

	exact, total, err := a.store.SegmentStats(ctx, segmentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment stats: %w", err)
	}

	type pool struct {
		successes float64
		trials    float64
	}
	weighted := make(map[string]*pool)
	add := func(stats []store.SegmentStat, weight float64) {
		for _, st := range stats {
			p := weighted[st.VariantID]
			if p == nil {
				p = &pool{}
				weighted[st.VariantID] = p
			}
			p.successes += weight * float64(st.Successes)
			p.trials += weight * float64(st.Successes+st.Failures)
		}
	}
	add(exact, 1.0)

	// Sparse segments borrow from the super-population at reduced weight
	// so cold segments still get a usable ranking.
	if total < a.minSamples {
		if super := SuperSegment(segmentKey); super != "" {
			superStats, _, err := a.store.SegmentStats(ctx, super)
			if err != nil {
				return nil, fmt.Errorf("failed to load super-segment stats: %w", err)
			}
			add(superStats, a.superWeight)
		}
	}

	ranked := make([]store.RankedVariant, 0, len(weighted))
	for id, p := range weighted {
		rate := 0.0
		if p.trials > 0 {
			rate = p.successes / p.trials
		}
		ranked = append(ranked, store.RankedVariant{VariantID: id, Rate: rate})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Rate != ranked[j].Rate {
			return ranked[i].Rate > ranked[j].Rate
		}
		return ranked[i].VariantID < ranked[j].VariantID
	})

	model := &store.SegmentModel{
		SegmentKey:  segmentKey,
		Ranked:      ranked,
		SampleCount: total,
		RefreshedAt: a.now(),
	}
	if err := a.store.PutSegmentModel(ctx, model); err != nil {
		return nil, fmt.Errorf("failed to cache segment model: %w", err)
	}
	return model, nil
}

// Ranking returns the cached segment model, recomputing lazily when the
// cache is missing or stale.
func (a *Aggregator) Ranking(ctx context.Context, segmentKey string) (*store.SegmentModel, error) {
	model, err := a.store.GetSegmentModel(ctx, segmentKey)
	if errors.Is(err, store.ErrNotFound) {
		return a.Refresh(ctx, segmentKey)
	}
	if err != nil {
		return nil, err
	}
	if a.now().Sub(model.RefreshedAt) > staleAfter {
		return a.Refresh(ctx, segmentKey)
	}
	return model, nil
}

// BoostsFor maps variant ids to selection multipliers for the segment's
// top-ranked variants. A segment below the minimum sample count gets no
// bias at all: the result is empty and every variant is implicitly 1.0.
func (a *Aggregator) BoostsFor(ctx context.Context, segmentKey string) (map[string]float64, error) {
	model, err := a.Ranking(ctx, segmentKey)
	if err != nil {
		return nil, err
	}
	if model.SampleCount < a.minSamples {
		return nil, nil
	}

	boosts := make(map[string]float64, len(a.boosts))
	for i, rv := range model.Ranked {
		if i >= len(a.boosts) {
			break
		}
		boosts[rv.VariantID] = a.boosts[i]
	}
	return boosts, nil
}

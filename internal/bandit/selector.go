// Package bandit implements Thompson-sampling selection over the active
// variant pool, optionally biased by per-segment rankings.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/audit"
	"github.com/nudgekit/nudgekit/internal/metrics"
	"github.com/nudgekit/nudgekit/internal/stats"
	"github.com/nudgekit/nudgekit/internal/store"
)

// ErrNoActiveVariants means the pool has nothing selectable. This is a
// setup problem, not a transient one: the caller must fall back to a
// fixed default and fix the pool.
var ErrNoActiveVariants = errors.New("no active variants")

// ErrSelectionPersistence means the pending observation window could not
// be recorded even after a retry. The selection is aborted rather than
// returned untracked, because an unattributable selection poisons the
// learning loop.
var ErrSelectionPersistence = errors.New("selection persistence failed")

// BoostSource supplies per-variant selection multipliers for a segment.
// An empty map means no bias (cold start).
type BoostSource interface {
	BoostsFor(ctx context.Context, segmentKey string) (map[string]float64, error)
}

// WindowCloser closes a member's open observation window as non-converted
// before a new one is opened, keeping attribution unambiguous.
type WindowCloser interface {
	CloseOpenWindow(ctx context.Context, memberID string) error
}

// Decision is the outcome of one selection: the variant to present and
// the telemetry behind the choice.
type Decision struct {
	SelectionID string
	Variant     *store.Variant
	Sample      float64 // raw posterior draw, before boost
	Boost       float64
	ExpiresAt   time.Time
}

type Options struct {
	Store        store.Store
	Boosts       BoostSource
	Windows      WindowCloser
	Window       time.Duration
	RetryBackoff time.Duration
	Rand         *rand.Rand
	Audit        *audit.Recorder
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

type Selector struct {
	store        store.Store
	boosts       BoostSource
	windows      WindowCloser
	window       time.Duration
	retryBackoff time.Duration
	audit        *audit.Recorder
	metrics      *metrics.Metrics
	log          *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// sample is stats.SampleBeta unless a test swaps it out.
	sample func(rng *rand.Rand, alpha, beta float64) float64
}

func New(opts Options) *Selector {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Selector{
		store:        opts.Store,
		boosts:       opts.Boosts,
		windows:      opts.Windows,
		window:       opts.Window,
		retryBackoff: opts.RetryBackoff,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		log:          opts.Log,
		rng:          opts.Rand,
		sample:       stats.SampleBeta,
	}
}

// Select picks one active variant for the member via Thompson sampling
// and synchronously opens its observation window. The pending selection
// row exists before Select returns, so every decision is attributable
// even if the caller crashes immediately after.
func (s *Selector) Select(ctx context.Context, segmentKey, memberID string) (*Decision, error) {
	if segmentKey == "" {
		return nil, fmt.Errorf("segment key must not be empty")
	}
	if memberID == "" {
		return nil, fmt.Errorf("member id must not be empty")
	}

	candidates, err := s.store.ListVariantsByStatus(ctx, store.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active variants: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoActiveVariants
	}

	// A boost read failure degrades to unbiased selection: a slightly
	// worse pick beats blocking the user flow.
	boosts, err := s.boosts.BoostsFor(ctx, segmentKey)
	if err != nil {
		s.log.Warn("segment boosts unavailable, selecting unbiased",
			zap.String("segment_key", segmentKey), zap.Error(err))
		boosts = nil
	}

	winner, rawSample, boost := s.draw(candidates, boosts)

	if s.windows != nil {
		if err := s.windows.CloseOpenWindow(ctx, memberID); err != nil {
			return nil, fmt.Errorf("failed to close prior window: %w", err)
		}
	}

	now := time.Now()
	sel := &store.Selection{
		ID:              uuid.NewString(),
		MemberID:        memberID,
		VariantID:       winner.ID,
		SegmentKey:      segmentKey,
		SelectedAt:      now,
		WindowExpiresAt: now.Add(s.window),
		Status:          store.SelectionPending,
	}
	if err := s.persistSelection(ctx, sel); err != nil {
		return nil, err
	}

	s.audit.Selection(sel.ID, memberID, segmentKey, winner.ID, rawSample, boost)
	s.metrics.Selections.WithLabelValues(winner.ID).Inc()

	return &Decision{
		SelectionID: sel.ID,
		Variant:     winner,
		Sample:      rawSample,
		Boost:       boost,
		ExpiresAt:   sel.WindowExpiresAt,
	}, nil
}

// draw samples each candidate's posterior, applies the segment boost and
// returns the variant with the largest boosted sample. Ties break toward
// the lowest variant id for reproducibility.
func (s *Selector) draw(candidates []*store.Variant, boosts map[string]float64) (winner *store.Variant, rawSample, boost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestScore := -1.0
	for _, v := range candidates {
		sample := s.sample(s.rng, float64(v.SuccessCount+1), float64(v.FailureCount+1))

		b := 1.0
		if m, ok := boosts[v.ID]; ok {
			b = m
		}
		score := sample * b

		if score > bestScore || (score == bestScore && v.ID < winner.ID) {
			bestScore = score
			winner = v
			rawSample = sample
			boost = b
		}
	}
	return winner, rawSample, boost
}

// persistSelection writes the pending window, retrying once after a fixed
// backoff before giving up.
func (s *Selector) persistSelection(ctx context.Context, sel *store.Selection) error {
	err := s.store.CreateSelection(ctx, sel)
	if err == nil {
		return nil
	}

	s.log.Warn("selection insert failed, retrying once",
		zap.String("selection_id", sel.ID), zap.Error(err))

	select {
	case <-time.After(s.retryBackoff):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSelectionPersistence, ctx.Err())
	}

	if err := s.store.CreateSelection(ctx, sel); err != nil {
		return fmt.Errorf("%w: %v", ErrSelectionPersistence, err)
	}
	return nil
}

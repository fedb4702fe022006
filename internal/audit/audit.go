// Package audit emits structured receipts for every decision the engine
// makes, so selections and their outcomes are externally verifiable. It is
// a write-only sink: callers never depend on it succeeding.
package audit

import (
	"go.uber.org/zap"
)

type Recorder struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Recorder {
	return &Recorder{log: log.Named("audit")}
}

// Nop returns a recorder that discards everything, for tests.
func Nop() *Recorder {
	return &Recorder{log: zap.NewNop()}
}

// Selection records a bandit decision with the posterior sample that won.
func (r *Recorder) Selection(selectionID, memberID, segmentKey, variantID string, sample, boost float64) {
	r.log.Info("selection",
		zap.String("selection_id", selectionID),
		zap.String("member_id", memberID),
		zap.String("segment_key", segmentKey),
		zap.String("variant_id", variantID),
		zap.Float64("posterior_sample", sample),
		zap.Float64("boost", boost),
	)
}

// Conversion records a window closed by an explicit conversion event.
func (r *Recorder) Conversion(selectionID, memberID, variantID, action string) {
	r.log.Info("conversion",
		zap.String("selection_id", selectionID),
		zap.String("member_id", memberID),
		zap.String("variant_id", variantID),
		zap.String("action", action),
	)
}

// Expiry records a window closed by the reconciliation sweep.
func (r *Recorder) Expiry(selectionID, variantID, segmentKey string) {
	r.log.Info("window_expired",
		zap.String("selection_id", selectionID),
		zap.String("variant_id", variantID),
		zap.String("segment_key", segmentKey),
	)
}

// Conflict records a resolution race that lost to an earlier terminal
// transition. Not an error; logged for observability only.
func (r *Recorder) Conflict(selectionID string, attempted string) {
	r.log.Info("resolved_conflict",
		zap.String("selection_id", selectionID),
		zap.String("attempted_status", attempted),
	)
}

// PlateauCycle records the outcome of one convergence check.
func (r *Recorder) PlateauCycle(detected bool, created int, gap float64, samples int) {
	r.log.Info("plateau_cycle",
		zap.Bool("plateau_detected", detected),
		zap.Int("variants_created", created),
		zap.Float64("top_two_gap", gap),
		zap.Int("total_samples", samples),
	)
}

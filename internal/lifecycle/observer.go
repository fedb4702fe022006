// Package lifecycle closes observation windows — by conversion event or by
// expiry — and runs the plateau cycle that refreshes the variant pool when
// learning stalls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/audit"
	"github.com/nudgekit/nudgekit/internal/metrics"
	"github.com/nudgekit/nudgekit/internal/segment"
	"github.com/nudgekit/nudgekit/internal/store"
)

// Observer resolves observation windows. Every terminal transition goes
// through a conditional store update that also credits the variant's
// counter in the same transaction, so concurrent conversions and sweeps
// touching the same selection produce exactly one outcome and exactly one
// counter movement.
type Observer struct {
	store   store.Store
	agg     *segment.Aggregator
	audit   *audit.Recorder
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewObserver(st store.Store, agg *segment.Aggregator, rec *audit.Recorder, m *metrics.Metrics, log *zap.Logger) *Observer {
	if rec == nil {
		rec = audit.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{
		store:   st,
		agg:     agg,
		audit:   rec,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// RecordConversion closes the member's open window as converted and
// credits the variant. A member with no open window is a no-op: the
// conversion either arrived after expiry (closed windows stay closed) or
// was never preceded by a selection. Returns the resolved selection, or
// nil when nothing was resolved.
func (o *Observer) RecordConversion(ctx context.Context, memberID, action string) (*store.Selection, error) {
	if memberID == "" {
		return nil, fmt.Errorf("member id must not be empty")
	}

	sel, err := o.store.LatestPendingByMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Debug("conversion with no open window", zap.String("member_id", memberID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate open window: %w", err)
	}

	// The resolve carries the success credit with it; if it fails, the
	// window stays pending and the caller can retry the conversion.
	won, err := o.store.ResolveSelection(ctx, sel.ID, store.SelectionConverted, action, o.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve window %s: %w", sel.ID, err)
	}
	if !won {
		// The sweep got there first within the same instant. Conversion
		// does not reopen a closed window.
		o.audit.Conflict(sel.ID, string(store.SelectionConverted))
		o.metrics.Conflicts.Inc()
		return nil, nil
	}

	o.refreshBestEffort(ctx, sel.SegmentKey)
	o.audit.Conversion(sel.ID, memberID, sel.VariantID, action)
	o.metrics.Conversions.Inc()
	return sel, nil
}

// CloseOpenWindow resolves the member's open window as non-converted,
// called by the selector before it opens a new one so that at most one
// window per member is ever pending.
func (o *Observer) CloseOpenWindow(ctx context.Context, memberID string) error {
	sel, err := o.store.LatestPendingByMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to locate open window: %w", err)
	}

	won, err := o.store.ResolveSelection(ctx, sel.ID, store.SelectionExpired, "", o.now())
	if err != nil {
		return err
	}
	if !won {
		o.audit.Conflict(sel.ID, string(store.SelectionExpired))
		o.metrics.Conflicts.Inc()
		return nil
	}

	o.refreshBestEffort(ctx, sel.SegmentKey)
	o.audit.Expiry(sel.ID, sel.VariantID, sel.SegmentKey)
	o.metrics.Expiries.Inc()
	return nil
}

// ReconcileExpired sweeps every pending selection whose window has passed
// and resolves it as a non-conversion. Rows are processed independently: a
// failed resolve is logged and skipped, and because the row then stays
// pending, the next scheduled run picks it up again. Safe to run
// concurrently with itself and with conversions. Returns the number of
// windows expired by this pass.
func (o *Observer) ReconcileExpired(ctx context.Context) (int, error) {
	expired, err := o.store.ExpiredPending(ctx, o.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired windows: %w", err)
	}

	resolved := 0
	segments := make(map[string]struct{})
	for _, sel := range expired {
		won, err := o.store.ResolveSelection(ctx, sel.ID, store.SelectionExpired, "", o.now())
		if err != nil {
			o.log.Warn("sweep failed to resolve selection, skipping",
				zap.String("selection_id", sel.ID), zap.Error(err))
			o.metrics.SweepFailures.Inc()
			continue
		}
		if !won {
			// Converted (or swept by a concurrent pass) since we listed it.
			o.audit.Conflict(sel.ID, string(store.SelectionExpired))
			o.metrics.Conflicts.Inc()
			continue
		}

		segments[sel.SegmentKey] = struct{}{}
		resolved++
		o.audit.Expiry(sel.ID, sel.VariantID, sel.SegmentKey)
		o.metrics.Expiries.Inc()
	}

	for seg := range segments {
		o.refreshBestEffort(ctx, seg)
	}
	return resolved, nil
}

// refreshBestEffort updates the segment ranking after an outcome. The
// ranking is a rebuildable cache, so a failed refresh is logged, not
// propagated.
func (o *Observer) refreshBestEffort(ctx context.Context, segmentKey string) {
	if o.agg == nil {
		return
	}
	if _, err := o.agg.Refresh(ctx, segmentKey); err != nil {
		o.log.Warn("segment refresh failed",
			zap.String("segment_key", segmentKey), zap.Error(err))
	}
}

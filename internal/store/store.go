package store

import (
	"context"
	"time"
)

// Store defines the persistence operations for variants, selections and
// cached segment models.
type Store interface {
	// Variant operations
	CreateVariant(ctx context.Context, text string, status VariantStatus, spawnedFromSegment string) (*Variant, error)
	GetVariant(ctx context.Context, id string) (*Variant, error)
	ListVariants(ctx context.Context) ([]*Variant, error)
	ListVariantsByStatus(ctx context.Context, status VariantStatus) ([]*Variant, error)
	UpdateVariantStatus(ctx context.Context, id string, status VariantStatus) error
	IncrementSuccess(ctx context.Context, id string) error
	IncrementFailure(ctx context.Context, id string) error

	// Selection (observation window) operations
	CreateSelection(ctx context.Context, sel *Selection) error
	GetSelection(ctx context.Context, id string) (*Selection, error)
	LatestPendingByMember(ctx context.Context, memberID string) (*Selection, error)
	ExpiredPending(ctx context.Context, now time.Time) ([]*Selection, error)
	// ResolveSelection transitions a pending selection to a terminal status
	// and credits the variant's success or failure counter atomically with
	// the transition. Returns false when the row was already terminal (the
	// caller lost the race); losers never touch the counters.
	ResolveSelection(ctx context.Context, id string, status SelectionStatus, action string, resolvedAt time.Time) (bool, error)
	SegmentStats(ctx context.Context, segmentKey string) ([]SegmentStat, int, error)

	// Segment model cache
	GetSegmentModel(ctx context.Context, segmentKey string) (*SegmentModel, error)
	PutSegmentModel(ctx context.Context, model *SegmentModel) error

	// Lifecycle
	Close() error
}

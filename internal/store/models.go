package store

import "time"

type VariantStatus string

const (
	StatusActive    VariantStatus = "active"
	StatusCandidate VariantStatus = "candidate"
	StatusRetired   VariantStatus = "retired"
)

// Variant is a candidate content template competing for selection. Its text
// is opaque to the engine; only the counters are interpreted. Counters only
// ever increase — retirement flips the status flag and keeps the history.
type Variant struct {
	ID                 string
	Text               string
	Status             VariantStatus
	SuccessCount       int
	FailureCount       int
	SpawnedFromSegment string // set when the plateau cycle created this variant
	CreatedAt          time.Time
}

// PosteriorMean returns the empirical conversion rate under a Beta-Bernoulli
// model with a uniform prior, alpha/(alpha+beta) with alpha=s+1, beta=f+1.
func (v *Variant) PosteriorMean() float64 {
	return float64(v.SuccessCount+1) / float64(v.SuccessCount+v.FailureCount+2)
}

// Samples is the number of resolved observations behind the counters.
func (v *Variant) Samples() int {
	return v.SuccessCount + v.FailureCount
}

type SelectionStatus string

const (
	SelectionPending   SelectionStatus = "pending"
	SelectionConverted SelectionStatus = "converted"
	SelectionExpired   SelectionStatus = "expired"
)

// Selection is one observation window: a decision waiting for an outcome.
// Exactly one terminal transition happens per row, pending -> converted or
// pending -> expired, enforced by a conditional update in the store.
type Selection struct {
	ID               string
	MemberID         string
	VariantID        string
	SegmentKey       string
	SelectedAt       time.Time
	WindowExpiresAt  time.Time
	Status           SelectionStatus
	ConversionAction string
	ResolvedAt       *time.Time
}

// SegmentStat holds resolved outcome counts for one variant within a segment,
// derived from selection rows rather than the global variant counters.
type SegmentStat struct {
	VariantID string
	Successes int
	Failures  int
}

// RankedVariant is one entry in a segment's ranked performance view.
type RankedVariant struct {
	VariantID string  `json:"variant_id"`
	Rate      float64 `json:"rate"`
}

// SegmentModel is the read-optimized cache of a segment's ranking. It is
// always derivable from selection rows and can be rebuilt at any time.
type SegmentModel struct {
	SegmentKey  string
	Ranked      []RankedVariant
	SampleCount int
	RefreshedAt time.Time
}

package bandit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/nudgekit/nudgekit/internal/lifecycle"
	"github.com/nudgekit/nudgekit/internal/segment"
	"github.com/nudgekit/nudgekit/internal/store"
)

func setupTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubBoosts is a BoostSource returning a fixed map or error.
type stubBoosts struct {
	boosts map[string]float64
	err    error
}

func (b *stubBoosts) BoostsFor(context.Context, string) (map[string]float64, error) {
	return b.boosts, b.err
}

func newTestSelector(s *store.SQLiteStore, boosts BoostSource, seed int64) *Selector {
	return New(Options{
		Store:        s,
		Boosts:       boosts,
		Window:       48 * time.Hour,
		RetryBackoff: time.Millisecond,
		Rand:         rand.New(rand.NewSource(seed)),
	})
}

func TestSelect_NoActiveVariants(t *testing.T) {
	s := setupTestDB(t)
	sel := newTestSelector(s, &stubBoosts{}, 1)

	_, err := sel.Select(context.Background(), "seg:x", "m1")
	if !errors.Is(err, ErrNoActiveVariants) {
		t.Errorf("expected ErrNoActiveVariants, got %v", err)
	}
}

func TestSelect_ValidationErrors(t *testing.T) {
	s := setupTestDB(t)
	sel := newTestSelector(s, &stubBoosts{}, 1)
	ctx := context.Background()

	if _, err := sel.Select(ctx, "", "m1"); err == nil {
		t.Error("expected error for empty segment key")
	}
	if _, err := sel.Select(ctx, "seg:x", ""); err == nil {
		t.Error("expected error for empty member id")
	}
}

func TestSelect_RetiredVariantsExcluded(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	active, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	retired, _ := s.CreateVariant(ctx, "b", store.StatusActive, "")
	if err := s.UpdateVariantStatus(ctx, retired.ID, store.StatusRetired); err != nil {
		t.Fatalf("failed to retire: %v", err)
	}

	sel := newTestSelector(s, &stubBoosts{}, 1)
	for i := 0; i < 10; i++ {
		d, err := sel.Select(ctx, "seg:x", fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if d.Variant.ID != active.ID {
			t.Fatalf("retired variant selected: %s", d.Variant.ID)
		}
	}
}

func TestSelect_CreatesPendingSelection(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	sel := newTestSelector(s, &stubBoosts{}, 1)

	d, err := sel.Select(ctx, "seg:x", "m1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	row, err := s.GetSelection(ctx, d.SelectionID)
	if err != nil {
		t.Fatalf("selection row missing: %v", err)
	}
	if row.Status != store.SelectionPending {
		t.Errorf("expected pending, got %s", row.Status)
	}
	if row.VariantID != v.ID {
		t.Errorf("expected variant %s, got %s", v.ID, row.VariantID)
	}
	if row.SegmentKey != "seg:x" || row.MemberID != "m1" {
		t.Errorf("unexpected attribution: %s / %s", row.SegmentKey, row.MemberID)
	}
	if got := row.WindowExpiresAt.Sub(row.SelectedAt); got != 48*time.Hour {
		t.Errorf("expected 48h window, got %v", got)
	}
}

func TestDraw_TieBreakLowestID(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	// Same counters, and a scripted sampler that returns the same value
	// for every candidate: a pure tie.
	a, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	b, _ := s.CreateVariant(ctx, "b", store.StatusActive, "")

	lowest := a.ID
	if b.ID < lowest {
		lowest = b.ID
	}

	sel := newTestSelector(s, &stubBoosts{}, 1)
	sel.sample = func(*rand.Rand, float64, float64) float64 { return 0.5 }

	candidates, err := s.ListVariantsByStatus(ctx, store.StatusActive)
	if err != nil {
		t.Fatalf("failed to list variants: %v", err)
	}

	for i := 0; i < 20; i++ {
		winner, _, _ := sel.draw(candidates, nil)
		if winner.ID != lowest {
			t.Fatalf("tie broke to %s, expected lowest id %s", winner.ID, lowest)
		}
	}
}

func TestDraw_BoostChangesWinner(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	a, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	b, _ := s.CreateVariant(ctx, "b", store.StatusActive, "")

	sel := newTestSelector(s, &stubBoosts{}, 1)
	sel.sample = func(*rand.Rand, float64, float64) float64 { return 0.5 }

	candidates, _ := s.ListVariantsByStatus(ctx, store.StatusActive)

	// Without the boost this would tie and break to the lowest id; the
	// boost must override that.
	boosted := b.ID
	if a.ID > b.ID {
		boosted = a.ID
	}
	winner, _, boost := sel.draw(candidates, map[string]float64{boosted: 1.20})
	if winner.ID != boosted {
		t.Errorf("expected boosted variant %s, got %s", boosted, winner.ID)
	}
	if boost != 1.20 {
		t.Errorf("expected boost 1.20, got %f", boost)
	}
}

func TestSelect_DeterministicWithSeed(t *testing.T) {
	run := func() []string {
		s := setupTestDB(t)
		ctx := context.Background()

		// Fixed ids so both runs see identical candidate sets.
		for _, id := range []string{"va", "vb", "vc"} {
			mustInsertVariant(t, s, id, 2, 2)
		}

		sel := newTestSelector(s, &stubBoosts{}, 99)
		var winners []string
		for i := 0; i < 20; i++ {
			d, err := sel.Select(ctx, "seg:x", fmt.Sprintf("m%d", i))
			if err != nil {
				t.Fatalf("select failed: %v", err)
			}
			winners = append(winners, d.Variant.ID)
		}
		return winners
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged at selection %d: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestSelect_BoostReadFailureDegrades(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	s.CreateVariant(ctx, "a", store.StatusActive, "")

	sel := newTestSelector(s, &stubBoosts{err: errors.New("store down")}, 1)
	d, err := sel.Select(ctx, "seg:x", "m1")
	if err != nil {
		t.Fatalf("expected unbiased fallback, got error: %v", err)
	}
	if d.Boost != 1.0 {
		t.Errorf("expected boost 1.0 on fallback, got %f", d.Boost)
	}
}

func TestSelect_ClosesPriorWindow(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	sel := New(Options{
		Store:   s,
		Boosts:  &stubBoosts{},
		Windows: obs,
		Window:  48 * time.Hour,
		Rand:    rand.New(rand.NewSource(1)),
	})

	first, err := sel.Select(ctx, "seg:x", "m1")
	if err != nil {
		t.Fatalf("first select failed: %v", err)
	}
	second, err := sel.Select(ctx, "seg:x", "m1")
	if err != nil {
		t.Fatalf("second select failed: %v", err)
	}

	prior, err := s.GetSelection(ctx, first.SelectionID)
	if err != nil {
		t.Fatalf("failed to load prior selection: %v", err)
	}
	if prior.Status != store.SelectionExpired {
		t.Errorf("prior window should be expired, got %s", prior.Status)
	}

	current, _ := s.GetSelection(ctx, second.SelectionID)
	if current.Status != store.SelectionPending {
		t.Errorf("current window should be pending, got %s", current.Status)
	}

	// The closed window counts as a non-conversion.
	got, _ := s.GetVariant(ctx, v.ID)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}
}

// TestConvergence runs the full loop: variant A starts at (8, 2) with a
// true conversion rate of 0.8, variant B at (3, 7) with 0.3. Outcomes
// follow a deterministic schedule matching each true rate exactly, so
// after 100 cycles the counters must track the true rates and A must
// dominate the final stretch.
func TestConvergence(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	mustInsertVariant(t, s, "va", 8, 2)
	mustInsertVariant(t, s, "vb", 3, 7)

	agg := segment.NewAggregator(s, 5, []float64{1.20, 1.10, 1.05}, 0.25, nil)
	obs := lifecycle.NewObserver(s, agg, nil, nil, nil)
	sel := New(Options{
		Store:   s,
		Boosts:  agg,
		Windows: obs,
		Window:  48 * time.Hour,
		Rand:    rand.New(rand.NewSource(7)),
	})

	trueRate := map[string]float64{"va": 0.8, "vb": 0.3}
	pulls := map[string]int{}
	finalWindowA := 0

	for i := 0; i < 100; i++ {
		d, err := sel.Select(ctx, "cold:seg", "m1")
		if err != nil {
			t.Fatalf("select failed at cycle %d: %v", i, err)
		}
		if i >= 80 && d.Variant.ID == "va" {
			finalWindowA++
		}

		// Deterministic outcome schedule: over n pulls a variant converts
		// exactly floor(n * rate) times.
		id := d.Variant.ID
		n := pulls[id]
		converted := int(float64(n+1)*trueRate[id]) > int(float64(n)*trueRate[id])
		pulls[id] = n + 1

		if converted {
			if _, err := obs.RecordConversion(ctx, "m1", "acted"); err != nil {
				t.Fatalf("conversion failed at cycle %d: %v", i, err)
			}
		} else {
			if err := obs.CloseOpenWindow(ctx, "m1"); err != nil {
				t.Fatalf("window close failed at cycle %d: %v", i, err)
			}
		}
	}

	a, _ := s.GetVariant(ctx, "va")
	b, _ := s.GetVariant(ctx, "vb")

	rateA := float64(a.SuccessCount) / float64(a.SuccessCount+a.FailureCount)
	rateB := float64(b.SuccessCount) / float64(b.SuccessCount+b.FailureCount)

	if rateA < 0.7 || rateA > 0.9 {
		t.Errorf("variant A empirical rate %f not within 0.1 of 0.8", rateA)
	}
	if rateB < 0.2 || rateB > 0.4 {
		t.Errorf("variant B empirical rate %f not within 0.1 of 0.3", rateB)
	}
	if finalWindowA <= 14 {
		t.Errorf("variant A selected %d/20 of final cycles, expected clear majority", finalWindowA)
	}
}

// mustInsertVariant creates a variant with a fixed id and pre-set counters
// by walking the counters up through the store's atomic increments.
func mustInsertVariant(t *testing.T, s *store.SQLiteStore, id string, successes, failures int) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO variants (id, text, status, success_count, failure_count, created_at)
		 VALUES (?, ?, 'active', 0, 0, unixepoch())`,
		id, "variant "+id,
	); err != nil {
		t.Fatalf("failed to insert variant: %v", err)
	}
	for i := 0; i < successes; i++ {
		if err := s.IncrementSuccess(ctx, id); err != nil {
			t.Fatalf("failed to pre-set success count: %v", err)
		}
	}
	for i := 0; i < failures; i++ {
		if err := s.IncrementFailure(ctx, id); err != nil {
			t.Fatalf("failed to pre-set failure count: %v", err)
		}
	}
}

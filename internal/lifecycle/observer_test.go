package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nudgekit/nudgekit/internal/lifecycle"
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

var windowSeq int

// openWindow creates one pending selection for the member.
func openWindow(t *testing.T, s *store.SQLiteStore, memberID, variantID string, expiresAt time.Time) *store.Selection {
	t.Helper()
	windowSeq++

	sel := &store.Selection{
		ID:              fmt.Sprintf("w-%d", windowSeq),
		MemberID:        memberID,
		VariantID:       variantID,
		SegmentKey:      "seg:x",
		SelectedAt:      time.Now().Add(-time.Hour),
		WindowExpiresAt: expiresAt,
		Status:          store.SelectionPending,
	}
	if err := s.CreateSelection(context.Background(), sel); err != nil {
		t.Fatalf("failed to create selection: %v", err)
	}
	return sel
}

func TestRecordConversion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(time.Hour))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	resolved, err := obs.RecordConversion(ctx, "m1", "signed_up")
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if resolved == nil || resolved.ID != opened.ID {
		t.Fatalf("expected selection %s resolved, got %+v", opened.ID, resolved)
	}

	row, _ := s.GetSelection(ctx, opened.ID)
	if row.Status != store.SelectionConverted {
		t.Errorf("expected converted, got %s", row.Status)
	}
	if row.ConversionAction != "signed_up" {
		t.Errorf("expected action signed_up, got %q", row.ConversionAction)
	}

	got, _ := s.GetVariant(ctx, v.ID)
	if got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("expected counters (1, 0), got (%d, %d)", got.SuccessCount, got.FailureCount)
	}
}

func TestRecordConversion_NoOpenWindow(t *testing.T) {
	s := setupTestDB(t)

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	resolved, err := obs.RecordConversion(context.Background(), "stranger", "clicked")
	if err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
	if resolved != nil {
		t.Errorf("expected nil resolution, got %+v", resolved)
	}
}

func TestRecordConversion_AfterExpiry(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(-time.Minute))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	if _, err := obs.ReconcileExpired(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// The conversion arrives late: the window is already closed.
	resolved, err := obs.RecordConversion(ctx, "m1", "clicked")
	if err != nil {
		t.Fatalf("late conversion errored: %v", err)
	}
	if resolved != nil {
		t.Errorf("late conversion must not resolve anything, got %+v", resolved)
	}

	row, _ := s.GetSelection(ctx, opened.ID)
	if row.Status != store.SelectionExpired {
		t.Errorf("expiry must stand, got %s", row.Status)
	}
	got, _ := s.GetVariant(ctx, v.ID)
	if got.SuccessCount != 0 || got.FailureCount != 1 {
		t.Errorf("expected counters (0, 1), got (%d, %d)", got.SuccessCount, got.FailureCount)
	}
}

func TestCloseOpenWindow(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(time.Hour))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	if err := obs.CloseOpenWindow(ctx, "m1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	row, _ := s.GetSelection(ctx, opened.ID)
	if row.Status != store.SelectionExpired {
		t.Errorf("expected expired, got %s", row.Status)
	}
	got, _ := s.GetVariant(ctx, v.ID)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}

	// No open window left: a second close is a no-op.
	if err := obs.CloseOpenWindow(ctx, "m1"); err != nil {
		t.Fatalf("repeat close errored: %v", err)
	}
	got, _ = s.GetVariant(ctx, v.ID)
	if got.FailureCount != 1 {
		t.Errorf("repeat close must not debit again, got %d", got.FailureCount)
	}
}

func TestReconcileExpired(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	past1 := openWindow(t, s, "m1", v.ID, time.Now().Add(-2*time.Hour))
	past2 := openWindow(t, s, "m2", v.ID, time.Now().Add(-time.Minute))
	future := openWindow(t, s, "m3", v.ID, time.Now().Add(time.Hour))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	resolved, err := obs.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if resolved != 2 {
		t.Errorf("expected 2 resolved, got %d", resolved)
	}

	for _, id := range []string{past1.ID, past2.ID} {
		row, _ := s.GetSelection(ctx, id)
		if row.Status != store.SelectionExpired {
			t.Errorf("selection %s: expected expired, got %s", id, row.Status)
		}
	}
	row, _ := s.GetSelection(ctx, future.ID)
	if row.Status != store.SelectionPending {
		t.Errorf("future window must stay pending, got %s", row.Status)
	}

	got, _ := s.GetVariant(ctx, v.ID)
	if got.FailureCount != 2 {
		t.Errorf("expected failure count 2, got %d", got.FailureCount)
	}
}

func TestReconcileExpired_Idempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	openWindow(t, s, "m1", v.ID, time.Now().Add(-time.Minute))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)
	if _, err := obs.ReconcileExpired(ctx); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	resolved, err := obs.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if resolved != 0 {
		t.Errorf("second sweep resolved %d, expected 0", resolved)
	}

	got, _ := s.GetVariant(ctx, v.ID)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1 after repeat sweep, got %d", got.FailureCount)
	}
}

// resolveFailStore fails the first n resolve calls, leaving the window
// pending each time, the way a transient disk or lock error would.
type resolveFailStore struct {
	store.Store
	remaining int
}

func (s *resolveFailStore) ResolveSelection(ctx context.Context, id string, status store.SelectionStatus, action string, resolvedAt time.Time) (bool, error) {
	if s.remaining > 0 {
		s.remaining--
		return false, errors.New("database is locked")
	}
	return s.Store.ResolveSelection(ctx, id, status, action, resolvedAt)
}

func TestReconcileExpired_RetriesAfterTransientFailure(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(-time.Minute))

	obs := lifecycle.NewObserver(&resolveFailStore{Store: s, remaining: 1}, nil, nil, nil, nil)

	// The failing row is skipped, not resolved, so it stays pending and
	// its failure debit is still owed.
	resolved, err := obs.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("first sweep errored: %v", err)
	}
	if resolved != 0 {
		t.Errorf("expected 0 resolved on the failing pass, got %d", resolved)
	}
	row, _ := s.GetSelection(ctx, opened.ID)
	if row.Status != store.SelectionPending {
		t.Fatalf("failed resolve must leave the window pending, got %s", row.Status)
	}
	got, _ := s.GetVariant(ctx, v.ID)
	if got.FailureCount != 0 {
		t.Fatalf("no debit may land before the transition commits, got %d", got.FailureCount)
	}

	// The next scheduled run picks the row up again and settles both the
	// status and the counter.
	resolved, err = obs.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep errored: %v", err)
	}
	if resolved != 1 {
		t.Errorf("expected 1 resolved on retry, got %d", resolved)
	}
	row, _ = s.GetSelection(ctx, opened.ID)
	if row.Status != store.SelectionExpired {
		t.Errorf("expected expired after retry, got %s", row.Status)
	}
	got, _ = s.GetVariant(ctx, v.ID)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1 after retry, got %d", got.FailureCount)
	}
}

func TestRecordConversion_RetryAfterTransientFailure(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(time.Hour))

	obs := lifecycle.NewObserver(&resolveFailStore{Store: s, remaining: 1}, nil, nil, nil, nil)

	if _, err := obs.RecordConversion(ctx, "m1", "signed_up"); err == nil {
		t.Fatal("expected the failing resolve to surface as an error")
	}

	// The window is still open, so retrying the conversion attributes it.
	resolved, err := obs.RecordConversion(ctx, "m1", "signed_up")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if resolved == nil || resolved.ID != opened.ID {
		t.Fatalf("expected selection %s resolved on retry, got %+v", opened.ID, resolved)
	}

	got, _ := s.GetVariant(ctx, v.ID)
	if got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("expected counters (1, 0) after retry, got (%d, %d)", got.SuccessCount, got.FailureCount)
	}
}

func TestExactlyOnce_ConcurrentConvertAndSweep(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v, _ := s.CreateVariant(ctx, "a", store.StatusActive, "")
	opened := openWindow(t, s, "m1", v.ID, time.Now().Add(-time.Second))

	obs := lifecycle.NewObserver(s, nil, nil, nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := obs.RecordConversion(ctx, "m1", "clicked"); err != nil {
			t.Errorf("conversion errored: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := obs.ReconcileExpired(ctx); err != nil {
			t.Errorf("sweep errored: %v", err)
		}
	}()
	wg.Wait()

	// Whichever side won, the window resolved exactly once and the
	// variant was credited or debited exactly once.
	row, _ := s.GetSelection(ctx, opened.ID)
	if row.Status == store.SelectionPending {
		t.Fatal("window left pending")
	}
	got, _ := s.GetVariant(ctx, v.ID)
	if total := got.SuccessCount + got.FailureCount; total != 1 {
		t.Errorf("expected exactly one outcome, got %d successes + %d failures",
			got.SuccessCount, got.FailureCount)
	}
	if row.Status == store.SelectionConverted && got.SuccessCount != 1 {
		t.Errorf("converted window must credit success, got (%d, %d)",
			got.SuccessCount, got.FailureCount)
	}
	if row.Status == store.SelectionExpired && got.FailureCount != 1 {
		t.Errorf("expired window must debit failure, got (%d, %d)",
			got.SuccessCount, got.FailureCount)
	}
}

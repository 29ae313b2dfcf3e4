package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/harborline/paycore/internal/metrics"
)

func testNow() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestAcquire_FirstWinsSecondLoses(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "stripe", "checkout", "key-1", AcquireRequest{Operation: "create_session"})
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if !first.Acquired {
		t.Fatal("first caller must acquire")
	}
	if first.Record.Status != StatusInProgress {
		t.Errorf("new record status = %s, want IN_PROGRESS", first.Record.Status)
	}

	second, err := svc.Acquire(ctx, "stripe", "checkout", "key-1", AcquireRequest{Operation: "create_session"})
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if second.Acquired {
		t.Fatal("second caller must not acquire")
	}
	if second.Record.Key != first.Record.Key || second.Record.CreatedAt != first.Record.CreatedAt {
		t.Error("second caller must see the winner's record")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestAcquire_CountsOutcomes(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	ctx := context.Background()

	acquired := metrics.IdempotencyAcquiresTotal.WithLabelValues("release_hold", "acquired")
	duplicate := metrics.IdempotencyAcquiresTotal.WithLabelValues("release_hold", "duplicate")
	acquiredBefore := counterValue(t, acquired)
	duplicateBefore := counterValue(t, duplicate)

	if _, err := svc.Acquire(ctx, "wise", "release_hold", "key-m", AcquireRequest{}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := svc.Acquire(ctx, "wise", "release_hold", "key-m", AcquireRequest{}); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if got := counterValue(t, acquired) - acquiredBefore; got != 1 {
		t.Errorf("acquired counter delta = %v, want 1", got)
	}
	if got := counterValue(t, duplicate) - duplicateBefore; got != 1 {
		t.Errorf("duplicate counter delta = %v, want 1", got)
	}
}

func TestAcquire_ScopeSeparatesKeys(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	ctx := context.Background()

	a, _ := svc.Acquire(ctx, "stripe", "checkout", "key-1", AcquireRequest{})
	b, err := svc.Acquire(ctx, "stripe", "refund", "key-1", AcquireRequest{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !a.Acquired || !b.Acquired {
		t.Error("same key under different scopes must both acquire")
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	acquired := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Acquire(ctx, "wise", "transfer", "order-9/attempt-1", AcquireRequest{})
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			acquired <- res.Acquired
		}()
	}
	wg.Wait()
	close(acquired)

	winners := 0
	for won := range acquired {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestMarkResult_Lifecycle(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, "stripe", "checkout", "key-2", AcquireRequest{}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := svc.MarkResult(ctx, "stripe", "checkout", "key-2", StatusSucceeded, "resp-hash", nil); err != nil {
		t.Fatalf("MarkResult failed: %v", err)
	}

	rec, err := svc.Get(ctx, "stripe", "checkout", "key-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusSucceeded || rec.ResponseHash != "resp-hash" {
		t.Errorf("unexpected record after mark: %+v", rec)
	}

	// Terminal records are never re-marked.
	err = svc.MarkResult(ctx, "stripe", "checkout", "key-2", StatusFailed, "", nil)
	if !errors.Is(err, ErrNotInProgress) {
		t.Errorf("re-mark of terminal record: got %v, want ErrNotInProgress", err)
	}
}

func TestMarkResult_NotFound(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	err := svc.MarkResult(context.Background(), "stripe", "checkout", "missing", StatusFailed, "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMarkResult_RejectsNonTerminalStatus(t *testing.T) {
	svc := NewService(NewMemoryStore(), testNow())
	err := svc.MarkResult(context.Background(), "stripe", "checkout", "k", StatusInProgress, "", nil)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
}

func TestListByWindow_FilterAndCap(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &Record{
			Provider: "stripe", Scope: "checkout", Key: string(rune('a' + i)),
			Status:    StatusSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			UpdatedAt: base.Add(time.Duration(i)*time.Hour + time.Second),
		}
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	svc := NewService(store, testNow())
	recs, err := svc.ListByWindow(ctx, base.Add(time.Hour), base.Add(3*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListByWindow failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 records in window, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].CreatedAt.After(recs[i-1].CreatedAt) {
			t.Error("records must be sorted newest first")
		}
	}
}

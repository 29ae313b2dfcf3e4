package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborline/paycore/internal/testutil"
)

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &Record{
		Provider: "stripe", Scope: "checkout", Key: "pg-key-1",
		Operation: "create_session", Status: StatusInProgress,
		Metadata:  map[string]string{"tenant": "t1"},
		CreatedAt: now, UpdatedAt: now,
	}

	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	if err := store.Insert(ctx, rec); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second Insert: got %v, want ErrDuplicateKey", err)
	}

	got, err := store.Get(ctx, "stripe", "checkout", "pg-key-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusInProgress || got.Metadata["tenant"] != "t1" {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestPostgresStore_MarkResultConditional(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &Record{
		Provider: "wise", Scope: "transfer", Key: "pg-key-2",
		Status: StatusInProgress, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.MarkResult(ctx, "wise", "transfer", "pg-key-2", StatusFailed, "h", map[string]string{"code": "rejected"}, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkResult failed: %v", err)
	}

	if err := store.MarkResult(ctx, "wise", "transfer", "pg-key-2", StatusSucceeded, "", nil, now.Add(2*time.Second)); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("re-mark: got %v, want ErrNotInProgress", err)
	}
	if err := store.MarkResult(ctx, "wise", "transfer", "missing", StatusFailed, "", nil, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v, want ErrNotFound", err)
	}
}

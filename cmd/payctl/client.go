package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/idempotency"
	"github.com/harborline/paycore/internal/orders"
	"github.com/harborline/paycore/internal/reconcile"
	"github.com/harborline/paycore/internal/signature"
	"github.com/harborline/paycore/internal/slo"
	"github.com/harborline/paycore/internal/transfer"
)

// postSignedJob signs the body with the job secret and posts it to a running
// server, proving the same header pair the server verifies.
func postSignedJob(ctx context.Context, path string, body []byte) ([]byte, error) {
	secret := jobSecret()
	if secret == "" {
		return nil, fmt.Errorf("http mode needs --secret or JOB_SIGNING_SECRET")
	}

	v := &signature.Verifier{Secret: secret}
	sig, ts, err := v.SignJobRequest(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flagServer+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paycore-Job-Signature", sig)
	req.Header.Set("X-Paycore-Job-Timestamp", ts)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, data)
	}
	return data, nil
}

// directStores is the store set a direct-mode run operates on. With
// DATABASE_URL set it reads the live tables; without it the stores are empty
// in-memory ones, which still exercises the full pipeline.
type directStores struct {
	orders  orders.Store
	events  events.Store
	intents transfer.Store
	locks   idempotency.Store
	db      *sql.DB
}

func openDirectStores() (*directStores, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return &directStores{
			orders:  orders.NewMemoryStore(),
			events:  events.NewMemoryStore(),
			intents: transfer.NewMemoryStore(),
			locks:   idempotency.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &directStores{
		orders:  orders.NewMemoryStore(), // order ledger lives in the order service, not this database
		events:  events.NewPostgresStore(db),
		intents: transfer.NewPostgresStore(db),
		locks:   idempotency.NewPostgresStore(db),
		db:      db,
	}, nil
}

func (d *directStores) Close() {
	if d.db != nil {
		_ = d.db.Close()
	}
}

func (d *directStores) reconciler() *reconcile.Engine {
	ledger := events.NewLedger(d.events, nil)
	return reconcile.NewEngine(d.orders, ledger, d.intents, nil)
}

func (d *directStores) sloEngine() (*slo.Engine, error) {
	targetsPath := os.Getenv("SLO_TARGETS_PATH")
	if targetsPath == "" {
		targetsPath = "slo.yaml"
	}
	targets, err := slo.LoadTargets(targetsPath)
	if err != nil {
		// Evaluation degrades to UNKNOWN without targets; the snapshot
		// itself still runs.
		targets = nil
	}

	ledger := events.NewLedger(d.events, nil)
	locks := idempotency.NewService(d.locks, nil)
	return slo.NewEngine(locks, ledger, storeWindowLister{d.intents}, nil, d.reconciler(), targets, nil), nil
}

// storeWindowLister narrows a transfer.Store to the metric engine's read slice.
type storeWindowLister struct {
	store transfer.Store
}

func (s storeWindowLister) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*transfer.Intent, error) {
	return s.store.ListByWindow(ctx, from, to, limit)
}

// emitReport writes the JSON report to --out and/or stdout per flags, and
// returns whether a human summary should still be printed.
func emitReport(report interface{}) (printSummary bool, err error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return false, err
	}

	if flagOut != "" {
		if err := os.WriteFile(flagOut, append(data, '\n'), 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", flagOut, err)
		}
	}
	if flagJSON {
		fmt.Println(string(data))
		return false, nil
	}
	return true, nil
}

package slo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleTargets = `
targets:
  - name: wise-acceptance-latency
    metric: wise_created_to_accepted_p95_ms
    comparator: lte
    pass: 300000
    warn: 600000
  - name: no-critical-discrepancies
    metric: reconciliation_critical_count
    comparator: lte
    pass: 0
    paging:
      threshold: 0
      comparator: lte
`

func writeTargets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write targets: %v", err)
	}
	return path
}

func TestLoadTargets(t *testing.T) {
	targets, err := LoadTargets(writeTargets(t, sampleTargets))
	if err != nil {
		t.Fatalf("LoadTargets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %+v", targets)
	}

	first := targets[0]
	if first.Name != "wise-acceptance-latency" || first.Comparator != ComparatorLTE || first.Pass != 300000 {
		t.Errorf("target = %+v", first)
	}
	if first.Warn == nil || *first.Warn != 600000 {
		t.Errorf("warn = %v", first.Warn)
	}
	if first.Paging != nil {
		t.Error("first target has no paging policy")
	}

	second := targets[1]
	if second.Paging == nil || second.Paging.Threshold != 0 || second.Paging.Comparator != ComparatorLTE {
		t.Errorf("paging = %+v", second.Paging)
	}
}

func TestLoadTargets_RejectsBadComparator(t *testing.T) {
	bad := `
targets:
  - name: x
    metric: y
    comparator: gte
    pass: 1
`
	if _, err := LoadTargets(writeTargets(t, bad)); err == nil {
		t.Fatal("expected comparator validation error")
	}
}

func TestLoadTargets_RequiresNameAndMetric(t *testing.T) {
	bad := `
targets:
  - comparator: lte
    pass: 1
`
	if _, err := LoadTargets(writeTargets(t, bad)); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWatchTargets_ReloadsOnWrite(t *testing.T) {
	path := writeTargets(t, sampleTargets)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan []Target, 1)
	go func() {
		_ = WatchTargets(ctx, path, func(targets []Target) {
			select {
			case reloaded <- targets:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)

	updated := sampleTargets + `
  - name: event-failures
    metric: event_failure_count
    comparator: lt
    pass: 5
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite targets: %v", err)
	}

	select {
	case targets := <-reloaded:
		if len(targets) != 3 {
			t.Errorf("reloaded %d targets, want 3", len(targets))
		}
	case <-ctx.Done():
		t.Fatal("watcher never delivered the reload")
	}
}

func TestWatchTargets_SkipsInvalidEdit(t *testing.T) {
	path := writeTargets(t, sampleTargets)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reloaded := make(chan []Target, 4)
	go func() {
		_ = WatchTargets(ctx, path, func(targets []Target) { reloaded <- targets })
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid edit first: must not reach onReload.
	if err := os.WriteFile(path, []byte("targets: [{comparator: bogus}]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte(sampleTargets), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case targets := <-reloaded:
		if len(targets) != 2 {
			t.Errorf("got %d targets from reload, want the 2 valid ones", len(targets))
		}
	case <-ctx.Done():
		t.Fatal("valid rewrite never reloaded")
	}
}

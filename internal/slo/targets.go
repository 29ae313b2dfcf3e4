package slo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/harborline/paycore/internal/logging"
)

// Comparators supported by target and paging evaluation.
const (
	ComparatorLTE = "lte"
	ComparatorLT  = "lt"
)

// PagingPolicy pages independently of pass/warn/fail so a hard-zero metric
// can page on its first occurrence even while the target technically warns.
type PagingPolicy struct {
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	Comparator string  `yaml:"comparator" json:"comparator"`
}

// Target is one declared service-level objective.
type Target struct {
	Name       string        `yaml:"name" json:"name"`
	Metric     string        `yaml:"metric" json:"metric"`
	Comparator string        `yaml:"comparator" json:"comparator"`
	Pass       float64       `yaml:"pass" json:"pass"`
	Warn       *float64      `yaml:"warn,omitempty" json:"warn,omitempty"`
	Paging     *PagingPolicy `yaml:"paging,omitempty" json:"paging,omitempty"`
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads and validates an SLO targets file.
func LoadTargets(path string) ([]Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("slo: read targets: %w", err)
	}

	var f targetsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("slo: parse targets: %w", err)
	}

	for i, t := range f.Targets {
		if t.Name == "" || t.Metric == "" {
			return nil, fmt.Errorf("slo: target %d: name and metric are required", i)
		}
		if err := validComparator(t.Comparator); err != nil {
			return nil, fmt.Errorf("slo: target %q: %w", t.Name, err)
		}
		if t.Paging != nil {
			if err := validComparator(t.Paging.Comparator); err != nil {
				return nil, fmt.Errorf("slo: target %q paging: %w", t.Name, err)
			}
		}
	}
	return f.Targets, nil
}

func validComparator(c string) error {
	if c != ComparatorLTE && c != ComparatorLT {
		return fmt.Errorf("comparator must be %q or %q, got %q", ComparatorLTE, ComparatorLT, c)
	}
	return nil
}

// compare reports whether value satisfies comparator against threshold.
func compare(value float64, comparator string, threshold float64) bool {
	if comparator == ComparatorLT {
		return value < threshold
	}
	return value <= threshold
}

// WatchTargets reloads the targets file on change and hands each valid
// reload to onReload. Invalid edits are logged and skipped so a typo never
// wipes the live targets. Blocks until ctx is cancelled.
func WatchTargets(ctx context.Context, path string, onReload func([]Target)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("slo: watch targets: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("slo: watch targets dir: %w", err)
	}

	log := logging.L(ctx)
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			targets, err := LoadTargets(path)
			if err != nil {
				log.Warn("ignoring invalid slo targets reload", "path", path, "error", err)
				continue
			}
			log.Info("slo targets reloaded", "path", path, "targets", len(targets))
			onReload(targets)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("slo targets watcher error", "error", err)
		}
	}
}

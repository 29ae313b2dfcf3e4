package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/harborline/paycore/internal/canonical"
)

var (
	// ErrNonIntegerAmount is returned when a pricing amount is not an
	// integer number of minor units.
	ErrNonIntegerAmount = errors.New("pricing amount must be integer minor units")
	// ErrEmptySnapshot is returned when a snapshot has no currency or lines.
	ErrEmptySnapshot = errors.New("pricing snapshot requires currency and at least one line")
)

// PricingSnapshot is the fixed-shape pricing view that gets content-hashed.
// The hash detects drift or tampering between the client-priced cart and the
// server's view; reconciliation recomputes it and compares to the stored one.
type PricingSnapshot struct {
	Currency         string `json:"currency"`
	TotalAmountMinor int64  `json:"totalAmountMinor"`
	Lines            []Line `json:"lines"`
}

// Snapshot builds a canonical pricing snapshot from an order. Lines are
// sorted so line ordering never changes the hash.
func Snapshot(o *Order) (*PricingSnapshot, error) {
	if o.Currency == "" || len(o.Lines) == 0 {
		return nil, ErrEmptySnapshot
	}

	lines := make([]Line, len(o.Lines))
	copy(lines, o.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].SKU != lines[j].SKU {
			return lines[i].SKU < lines[j].SKU
		}
		if lines[i].UnitAmountMinor != lines[j].UnitAmountMinor {
			return lines[i].UnitAmountMinor < lines[j].UnitAmountMinor
		}
		return lines[i].Quantity < lines[j].Quantity
	})

	return &PricingSnapshot{
		Currency:         o.Currency,
		TotalAmountMinor: o.TotalAmountMinor,
		Lines:            lines,
	}, nil
}

// PricingHash computes the canonical content hash of an order's pricing.
func PricingHash(o *Order) (string, error) {
	snap, err := Snapshot(o)
	if err != nil {
		return "", err
	}
	return canonical.Hash(snap)
}

// SnapshotFromPayload parses an untyped pricing payload (e.g. checkout
// session metadata) into a snapshot, rejecting non-integer minor units.
func SnapshotFromPayload(payload map[string]interface{}) (*PricingSnapshot, error) {
	currency, _ := payload["currency"].(string)

	total, err := minorUnits(payload["totalAmountMinor"])
	if err != nil {
		return nil, err
	}

	rawLines, _ := payload["lines"].([]interface{})
	lines := make([]Line, 0, len(rawLines))
	for _, rl := range rawLines {
		lm, ok := rl.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("orders: malformed pricing line %v", rl)
		}
		sku, _ := lm["sku"].(string)
		qty, err := minorUnits(lm["quantity"])
		if err != nil {
			return nil, err
		}
		unit, err := minorUnits(lm["unitAmountMinor"])
		if err != nil {
			return nil, err
		}
		lines = append(lines, Line{SKU: sku, Quantity: qty, UnitAmountMinor: unit})
	}

	o := &Order{Currency: currency, TotalAmountMinor: total, Lines: lines}
	return Snapshot(o)
}

// minorUnits coerces a decoded JSON value to an integer amount.
func minorUnits(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, ErrNonIntegerAmount
		}
		return n, nil
	case float64:
		n := int64(t)
		if float64(n) != t {
			return 0, ErrNonIntegerAmount
		}
		return n, nil
	default:
		return 0, ErrNonIntegerAmount
	}
}

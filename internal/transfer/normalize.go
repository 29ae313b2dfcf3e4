package transfer

import "github.com/harborline/paycore/internal/events"

// Provider status vocabularies, matched after normalization. Statuses in no
// set produce no terminal transition; the intent's providerStatus is simply
// refreshed.
var (
	completedStatuses = map[string]bool{
		"completed":             true,
		"sent":                  true,
		"paid":                  true,
		"funds_sent":            true,
		"outgoing_payment_sent": true,
		"settled":               true,
	}
	failedStatuses = map[string]bool{
		"failed":       true,
		"rejected":     true,
		"declined":     true,
		"chargeback":   true,
		"bounced_back": true,
		"returned":     true,
	}
	cancelledStatuses = map[string]bool{
		"cancelled": true,
		"canceled":  true,
	}
	// incoming_payment_waiting is deliberately absent: still pre-acceptance.
	acceptedStatuses = map[string]bool{
		"accepted":        true,
		"processing":      true,
		"funds_converted": true,
	}
)

// NormalizeProviderStatus maps a free-text provider status to a target
// state. ok is false when the status matches no known vocabulary.
func NormalizeProviderStatus(raw string) (state State, ok bool) {
	token := events.NormalizeStatusToken(raw)
	switch {
	case completedStatuses[token]:
		return StateCompleted, true
	case failedStatuses[token]:
		return StateFailed, true
	case cancelledStatuses[token]:
		return StateCancelled, true
	case acceptedStatuses[token]:
		return StateAccepted, true
	default:
		return "", false
	}
}

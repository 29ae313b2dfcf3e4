package transfer

import (
	"context"
	"time"

	"github.com/harborline/paycore/internal/logging"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/providers"
)

// RetryPolicy bounds the polling loop. Sleep is injectable so tests run
// bounded attempts without wall-clock delay; nil uses a real timer that
// honors context cancellation.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultPollInterval is the fixed delay between poll attempts.
const DefaultPollInterval = 3 * time.Second

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollUntilTerminal serially polls the provider until the intent reaches a
// terminal state or attempts are exhausted. Exhaustion transitions the
// intent to TIMED_OUT with autoRetryBlocked set: the transfer may have
// completed upstream during a network gap, so unattended retry is forbidden.
// Calls are strictly serial to avoid double-observing the provider resource.
func (s *Service) PollUntilTerminal(ctx context.Context, intentID string, policy RetryPolicy) (*Intent, error) {
	intent, err := s.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State.Terminal() {
		return intent, nil
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = intent.MaxPollAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPollAttempts
	}
	interval := policy.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	log := logging.L(ctx)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return intent, err
		}

		observed, err := s.client.GetTransfer(ctx, intent.TransferID)
		if err != nil {
			perr := providers.ClassifyErr(providerName, err)
			s.emit("transfer_poll_error", map[string]string{"class": string(perr.Class)})

			if !perr.Retryable() {
				log.Warn("poll hit non-retryable provider error",
					"intent_id", intent.ID, "class", perr.Class, "error", perr.Message)
				return s.failFromPoll(ctx, intent, perr)
			}

			log.Debug("poll attempt failed, retrying",
				"intent_id", intent.ID, "attempt", attempt, "class", perr.Class)
			intent = s.recordPollAttempt(ctx, intent)
			if attempt < maxAttempts {
				if err := policy.sleep(ctx, interval); err != nil {
					return intent, err
				}
			}
			continue
		}

		intent = s.recordPollAttempt(ctx, intent)
		statusAt := observed.StatusAt
		updated, err := s.ApplyProviderStatus(ctx, intent, observed.Status, "", "transfer.poll", statusAt, nil)
		if err != nil {
			return intent, err
		}
		intent = updated

		if intent.State.Terminal() {
			s.emit("transfer_poll_terminal", map[string]string{"state": string(intent.State)})
			return intent, nil
		}

		if attempt < maxAttempts {
			if err := policy.sleep(ctx, interval); err != nil {
				return intent, err
			}
		}
	}

	return s.timeOutFromPoll(ctx, intent)
}

// recordPollAttempt bumps the persisted attempt counter.
func (s *Service) recordPollAttempt(ctx context.Context, intent *Intent) *Intent {
	metrics.TransferPollAttemptsTotal.Inc()
	intent.PollAttempts++
	intent.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, intent); err != nil {
		logging.L(ctx).Warn("failed to persist poll attempt", "intent_id", intent.ID, "error", err)
	}
	return intent
}

// failFromPoll records the non-retryable provider error and transitions the
// intent to FAILED, ledger append first.
func (s *Service) failFromPoll(ctx context.Context, intent *Intent, perr *providers.Error) (*Intent, error) {
	updated, err := s.ApplyProviderStatus(ctx, intent, "failed", "", "transfer.poll_error", nil, nil)
	if err != nil {
		return intent, err
	}
	return s.Transition(ctx, updated.ID, updated.State, TransitionOpts{
		ErrorCode:    string(perr.Class),
		ErrorMessage: perr.Message,
	})
}

// timeOutFromPoll marks poll exhaustion: TIMED_OUT + autoRetryBlocked.
func (s *Service) timeOutFromPoll(ctx context.Context, intent *Intent) (*Intent, error) {
	updated, err := s.ApplyProviderStatus(ctx, intent, "poll_exhausted", "", "transfer.poll_timeout", nil, nil)
	if err != nil {
		return intent, err
	}
	metrics.TransferPollTimeoutsTotal.Inc()
	s.emit("transfer_poll_timeout", nil)
	return s.Transition(ctx, updated.ID, StateTimedOut, TransitionOpts{
		ErrorCode:        "TIMEOUT",
		ErrorMessage:     "poll attempts exhausted without terminal provider status",
		AutoRetryBlocked: true,
	})
}

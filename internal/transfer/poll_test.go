package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/providers"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func wiseStatus(status string) func() (*providers.WiseTransfer, error) {
	return func() (*providers.WiseTransfer, error) {
		return &providers.WiseTransfer{ID: "trf_seed", Status: status}, nil
	}
}

func TestPollUntilTerminal_CompletesOnTerminalStatus(t *testing.T) {
	client := &fakeClient{transfers: []func() (*providers.WiseTransfer, error){
		wiseStatus("processing"),
		wiseStatus("processing"),
		wiseStatus("outgoing_payment_sent"),
	}}
	svc, store := newTestService(client)
	seedIntent(t, store, StateRequested)

	in, err := svc.PollUntilTerminal(context.Background(), "tin_seed", RetryPolicy{MaxAttempts: 5, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", in.State)
	}
	if in.AutoRetryBlocked {
		t.Error("a completed poll must not block retry")
	}
	if client.calls != 3 {
		t.Errorf("provider calls = %d, want 3", client.calls)
	}
}

func TestPollUntilTerminal_ExhaustionTimesOutAndBlocksRetry(t *testing.T) {
	client := &fakeClient{} // every call returns "processing"
	svc, store := newTestService(client)
	seedIntent(t, store, StateRequested)
	ctx := context.Background()

	in, err := svc.PollUntilTerminal(ctx, "tin_seed", RetryPolicy{MaxAttempts: 3, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateTimedOut {
		t.Fatalf("state = %s, want TIMED_OUT", in.State)
	}
	if !in.AutoRetryBlocked {
		t.Error("exhaustion must set autoRetryBlocked")
	}
	if in.LastErrorCode != "TIMEOUT" {
		t.Errorf("lastErrorCode = %s, want TIMEOUT", in.LastErrorCode)
	}

	// The next unattended attempt for the order must be refused.
	_, err = svc.CreateOrLoad(ctx, CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "prof-1"})
	if !errors.Is(err, ErrAutoRetryBlocked) {
		t.Fatalf("got %v, want ErrAutoRetryBlocked", err)
	}
}

func TestPollUntilTerminal_CountsAttemptsAndTimeouts(t *testing.T) {
	client := &fakeClient{} // every call returns "processing"
	svc, store := newTestService(client)
	seedIntent(t, store, StateRequested)

	attemptsBefore := counterValue(t, metrics.TransferPollAttemptsTotal)
	timeoutsBefore := counterValue(t, metrics.TransferPollTimeoutsTotal)

	in, err := svc.PollUntilTerminal(context.Background(), "tin_seed", RetryPolicy{MaxAttempts: 3, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateTimedOut {
		t.Fatalf("state = %s, want TIMED_OUT", in.State)
	}

	if got := counterValue(t, metrics.TransferPollAttemptsTotal) - attemptsBefore; got != 3 {
		t.Errorf("poll attempt counter delta = %v, want 3", got)
	}
	if got := counterValue(t, metrics.TransferPollTimeoutsTotal) - timeoutsBefore; got != 1 {
		t.Errorf("poll timeout counter delta = %v, want 1", got)
	}
}

func TestPollUntilTerminal_NonRetryableErrorFails(t *testing.T) {
	client := &fakeClient{transfers: []func() (*providers.WiseTransfer, error){
		func() (*providers.WiseTransfer, error) {
			return nil, &providers.Error{Class: providers.ClassAuth, Provider: "wise", Message: "key revoked"}
		},
	}}
	svc, store := newTestService(client)
	seedIntent(t, store, StateAccepted)

	in, err := svc.PollUntilTerminal(context.Background(), "tin_seed", RetryPolicy{MaxAttempts: 5, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateFailed {
		t.Errorf("state = %s, want FAILED", in.State)
	}
	if in.LastErrorCode != string(providers.ClassAuth) {
		t.Errorf("lastErrorCode = %s, want %s", in.LastErrorCode, providers.ClassAuth)
	}
	if client.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on non-retryable)", client.calls)
	}
}

func TestPollUntilTerminal_RetryableErrorsKeepPolling(t *testing.T) {
	client := &fakeClient{transfers: []func() (*providers.WiseTransfer, error){
		func() (*providers.WiseTransfer, error) {
			return nil, &providers.Error{Class: providers.ClassTransient, Provider: "wise", Message: "connection reset"}
		},
		wiseStatus("completed"),
	}}
	svc, store := newTestService(client)
	seedIntent(t, store, StateAccepted)

	in, err := svc.PollUntilTerminal(context.Background(), "tin_seed", RetryPolicy{MaxAttempts: 5, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", in.State)
	}
	if in.PollAttempts < 2 {
		t.Errorf("pollAttempts = %d, want >= 2", in.PollAttempts)
	}
}

func TestPollUntilTerminal_TerminalIntentReturnsWithoutPolling(t *testing.T) {
	client := &fakeClient{}
	svc, store := newTestService(client)
	seedIntent(t, store, StateCompleted)

	in, err := svc.PollUntilTerminal(context.Background(), "tin_seed", RetryPolicy{MaxAttempts: 5, Sleep: noSleep})
	if err != nil {
		t.Fatalf("PollUntilTerminal failed: %v", err)
	}
	if in.State != StateCompleted || client.calls != 0 {
		t.Errorf("terminal intent must short-circuit (state=%s calls=%d)", in.State, client.calls)
	}
}

func TestPollUntilTerminal_ContextCancellationStopsLoop(t *testing.T) {
	client := &fakeClient{}
	svc, store := newTestService(client)
	seedIntent(t, store, StateRequested)

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	policy := RetryPolicy{MaxAttempts: 10, Sleep: func(ctx context.Context, d time.Duration) error {
		sleeps++
		cancel()
		return ctx.Err()
	}}

	_, err := svc.PollUntilTerminal(ctx, "tin_seed", policy)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if sleeps != 1 {
		t.Errorf("sleeps = %d, want 1", sleeps)
	}
}

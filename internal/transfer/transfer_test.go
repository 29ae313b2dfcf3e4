package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/harborline/paycore/internal/events"
	"github.com/harborline/paycore/internal/idempotency"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/providers"
)

func testNow() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

// fakeClient scripts provider responses per call.
type fakeClient struct {
	created   []providers.CreateTransferRequest
	transfers []func() (*providers.WiseTransfer, error)
	calls     int
}

func (f *fakeClient) CreateTransfer(ctx context.Context, req providers.CreateTransferRequest) (*providers.WiseTransfer, error) {
	f.created = append(f.created, req)
	return &providers.WiseTransfer{ID: "trf_1", Status: "incoming_payment_waiting"}, nil
}

func (f *fakeClient) GetTransfer(ctx context.Context, transferID string) (*providers.WiseTransfer, error) {
	if f.calls >= len(f.transfers) {
		return &providers.WiseTransfer{ID: transferID, Status: "processing"}, nil
	}
	fn := f.transfers[f.calls]
	f.calls++
	return fn()
}

func newTestService(client providers.TransferClient) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	ledger := events.NewLedger(events.NewMemoryStore(), testNow())
	locks := idempotency.NewService(idempotency.NewMemoryStore(), testNow())
	return NewService(store, ledger, locks, client, testNow()), store
}

func seedIntent(t *testing.T, store *MemoryStore, state State) *Intent {
	t.Helper()
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	in := &Intent{
		ID: "tin_seed", OrderID: "ord-1", ReleaseAttemptID: "attempt-1", AttemptNumber: 1,
		DestinationType: "iban", ProviderProfileID: "prof-1", State: state,
		TransferID: "trf_seed", MaxPollAttempts: 3,
		IdempotencyKey: "seed-key", IdempotenceToken: "seed-token",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Insert(context.Background(), in); err != nil {
		t.Fatalf("seed Insert failed: %v", err)
	}
	return in
}

func TestCanTransition_Table(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIntentCreated, StateRequested},
		{StateRequested, StateAccepted},
		{StateRequested, StateFailed},
		{StateRequested, StateCancelled},
		{StateRequested, StateTimedOut},
		{StateAccepted, StateCompleted},
		{StateAccepted, StateFailed},
		{StateAccepted, StateCancelled},
		{StateAccepted, StateTimedOut},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be allowed", e.from, e.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateIntentCreated, StateCompleted},
		{StateIntentCreated, StateAccepted},
		{StateRequested, StateCompleted},
		{StateCompleted, StateFailed},
		{StateFailed, StateRequested},
		{StateCancelled, StateAccepted},
		{StateTimedOut, StateRequested},
	}
	for _, e := range forbidden {
		if CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s must be forbidden", e.from, e.to)
		}
	}
}

func TestTransition_InvalidEdgeFails(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seedIntent(t, store, StateIntentCreated)

	_, err := svc.Transition(context.Background(), "tin_seed", StateCompleted, TransitionOpts{})
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("got %v, want TransitionError", err)
	}
	if terr.Code() != "transition_invalid" {
		t.Errorf("code = %s", terr.Code())
	}
}

func TestTransition_HappyPathAndIdempotentRefresh(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seedIntent(t, store, StateRequested)
	ctx := context.Background()

	in, err := svc.Transition(ctx, "tin_seed", StateAccepted, TransitionOpts{ProviderStatus: "processing"})
	if err != nil {
		t.Fatalf("Transition to ACCEPTED failed: %v", err)
	}
	if in.State != StateAccepted || in.ProviderStatus != "processing" {
		t.Errorf("unexpected intent: %+v", in)
	}

	// Re-applying the same state is a refresh, not an error.
	in, err = svc.Transition(ctx, "tin_seed", StateAccepted, TransitionOpts{ProviderStatus: "funds_converted"})
	if err != nil {
		t.Fatalf("same-state refresh failed: %v", err)
	}
	if in.ProviderStatus != "funds_converted" {
		t.Error("refresh must update providerStatus")
	}

	in, err = svc.Transition(ctx, "tin_seed", StateCompleted, TransitionOpts{})
	if err != nil {
		t.Fatalf("Transition to COMPLETED failed: %v", err)
	}
	if !in.State.Terminal() {
		t.Error("COMPLETED must be terminal")
	}
}

func TestCreateOrLoad_FirstAttempt(t *testing.T) {
	svc, _ := newTestService(&fakeClient{})

	in, err := svc.CreateOrLoad(context.Background(), CreateRequest{
		OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "prof-1", CreatedBy: "release-worker",
	})
	if err != nil {
		t.Fatalf("CreateOrLoad failed: %v", err)
	}
	if in.State != StateIntentCreated || in.AttemptNumber != 1 || in.ReleaseAttemptID != "attempt-1" {
		t.Errorf("unexpected intent: %+v", in)
	}
	if in.IdempotencyKey == "" || in.IdempotenceToken == "" {
		t.Error("intent must carry idempotency key and token")
	}
}

func TestCreateOrLoad_ReturnsActiveIntentUnchanged(t *testing.T) {
	svc, _ := newTestService(&fakeClient{})
	ctx := context.Background()

	first, _ := svc.CreateOrLoad(ctx, CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	second, err := svc.CreateOrLoad(ctx, CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	if err != nil {
		t.Fatalf("CreateOrLoad failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("active intent must be returned unchanged, not duplicated")
	}
}

func TestCreateOrLoad_CompletedReplays(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seeded := seedIntent(t, store, StateCompleted)

	in, err := svc.CreateOrLoad(context.Background(), CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	if err != nil {
		t.Fatalf("CreateOrLoad failed: %v", err)
	}
	if in.ID != seeded.ID {
		t.Error("completed intent must replay, not retry")
	}
}

func TestCreateOrLoad_AutoRetryBlocked(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seeded := seedIntent(t, store, StateTimedOut)
	seeded.AutoRetryBlocked = true
	if err := store.Update(context.Background(), seeded); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err := svc.CreateOrLoad(context.Background(), CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	if !errors.Is(err, ErrAutoRetryBlocked) {
		t.Fatalf("got %v, want ErrAutoRetryBlocked", err)
	}

	// Explicit override starts a fresh attempt.
	in, err := svc.CreateOrLoad(context.Background(), CreateRequest{
		OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p", OverrideRetryBlock: true,
	})
	if err != nil {
		t.Fatalf("override CreateOrLoad failed: %v", err)
	}
	if in.AttemptNumber != 2 || in.ReleaseAttemptID != "attempt-2" {
		t.Errorf("expected attempt-2, got %+v", in)
	}
}

func TestCreateOrLoad_FailedRetriesWithNewAttempt(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seedIntent(t, store, StateFailed)

	in, err := svc.CreateOrLoad(context.Background(), CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	if err != nil {
		t.Fatalf("CreateOrLoad after FAILED failed: %v", err)
	}
	if in.AttemptNumber != 2 {
		t.Errorf("expected attempt 2, got %d", in.AttemptNumber)
	}
}

func TestRequest_CarriesIdempotenceToken(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(client)
	ctx := context.Background()

	in, _ := svc.CreateOrLoad(ctx, CreateRequest{OrderID: "ord-1", DestinationType: "iban", ProviderProfileID: "p"})
	requested, err := svc.Request(ctx, in.ID, "quote-1", "EUR", 2500)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if requested.State != StateRequested || requested.TransferID != "trf_1" {
		t.Errorf("unexpected intent: %+v", requested)
	}
	if len(client.created) != 1 || client.created[0].IdempotenceToken != in.IdempotenceToken {
		t.Error("provider call must carry the intent's idempotence token")
	}
}

func TestApplyProviderStatus_DuplicateObservationIsNoop(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	in := seedIntent(t, store, StateAccepted)
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)

	updated, err := svc.ApplyProviderStatus(ctx, in, "outgoing_payment_sent", "", "transfer.state_change", &occurred, []byte(`{"s":"sent"}`))
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if updated.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", updated.State)
	}

	// Replay of the same observation: ledger dedupes, state untouched.
	again, err := svc.ApplyProviderStatus(ctx, updated, "outgoing_payment_sent", "", "transfer.state_change", &occurred, []byte(`{"s":"sent"}`))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if again.State != StateCompleted {
		t.Errorf("replay changed state to %s", again.State)
	}
}

func TestApplyProviderStatus_UnknownStatusRefreshesOnly(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	in := seedIntent(t, store, StateRequested)

	updated, err := svc.ApplyProviderStatus(context.Background(), in, "weird_new_status", "evt-x", "transfer.state_change", nil, nil)
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if updated.State != StateRequested {
		t.Errorf("unknown status must not transition, got %s", updated.State)
	}
	if updated.ProviderStatus != "weird_new_status" {
		t.Error("providerStatus must be refreshed")
	}
}

// brokenEventStore refuses every append; reads behave as an empty ledger.
type brokenEventStore struct{}

func (brokenEventStore) Insert(ctx context.Context, ev *events.Event) error {
	return errors.New("insert refused")
}

func (brokenEventStore) Get(ctx context.Context, provider, eventID string) (*events.Event, error) {
	return nil, events.ErrNotFound
}

func (brokenEventStore) UpdateStatus(ctx context.Context, provider, eventID string, status events.Status, errorCode, errorMessage string, metadata map[string]string) error {
	return nil
}

func (brokenEventStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*events.Event, error) {
	return nil, nil
}

func (brokenEventStore) ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*events.Event, error) {
	return nil, nil
}

func TestApplyProviderStatus_AppendFailureSurfaces(t *testing.T) {
	store := NewMemoryStore()
	ledger := events.NewLedger(brokenEventStore{}, testNow())
	locks := idempotency.NewService(idempotency.NewMemoryStore(), testNow())
	svc := NewService(store, ledger, locks, &fakeClient{}, testNow())
	in := seedIntent(t, store, StateAccepted)

	_, err := svc.ApplyProviderStatus(context.Background(), in, "outgoing_payment_sent", "", "transfer.state_change", nil, []byte(`{}`))
	if !errors.Is(err, ErrEventNotRecorded) {
		t.Fatalf("got %v, want ErrEventNotRecorded", err)
	}

	// Without a ledger row the observation must not apply.
	got, err := store.Get(context.Background(), "tin_seed")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StateAccepted {
		t.Errorf("state = %s, want ACCEPTED (unrecorded observation applied)", got.State)
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

func TestTransition_CountsTransitions(t *testing.T) {
	svc, store := newTestService(&fakeClient{})
	seedIntent(t, store, StateRequested)
	ctx := context.Background()

	c := metrics.TransferTransitionsTotal.WithLabelValues(string(StateAccepted))
	before := counterValue(t, c)

	if _, err := svc.Transition(ctx, "tin_seed", StateAccepted, TransitionOpts{}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	// A same-state refresh is not a transition and must not count.
	if _, err := svc.Transition(ctx, "tin_seed", StateAccepted, TransitionOpts{ProviderStatus: "processing"}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if got := counterValue(t, c) - before; got != 1 {
		t.Errorf("transition counter delta = %v, want 1", got)
	}
}

func TestNormalizeProviderStatus(t *testing.T) {
	cases := []struct {
		raw   string
		state State
		ok    bool
	}{
		{"Outgoing Payment Sent", StateCompleted, true},
		{"completed", StateCompleted, true},
		{"paid", StateCompleted, true},
		{"REJECTED", StateFailed, true},
		{"bounced-back", StateFailed, true},
		{"chargeback", StateFailed, true},
		{"cancelled", StateCancelled, true},
		{"canceled", StateCancelled, true},
		{"processing", StateAccepted, true},
		{"incoming_payment_waiting", "", false},
		{"some_future_status", "", false},
	}
	for _, tc := range cases {
		state, ok := NormalizeProviderStatus(tc.raw)
		if ok != tc.ok || state != tc.state {
			t.Errorf("NormalizeProviderStatus(%q) = (%s, %v), want (%s, %v)", tc.raw, state, ok, tc.state, tc.ok)
		}
	}
}

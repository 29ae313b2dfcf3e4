package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harborline/paycore/internal/circuitbreaker"
	"github.com/harborline/paycore/internal/metrics"
	"github.com/harborline/paycore/internal/retry"
)

// WiseTransfer is the provider's view of a cross-border transfer.
type WiseTransfer struct {
	ID             string          `json:"id"`
	QuoteID        string          `json:"quoteId,omitempty"`
	Status         string          `json:"status"`
	SourceAmount   decimal.Decimal `json:"sourceAmount"`
	SourceCurrency string          `json:"sourceCurrency"`
	TargetAmount   decimal.Decimal `json:"targetAmount"`
	TargetCurrency string          `json:"targetCurrency"`
	Reference      string          `json:"reference,omitempty"`
	StatusAt       *time.Time      `json:"statusAt,omitempty"`
}

// CreateTransferRequest carries the parameters for creating a transfer.
type CreateTransferRequest struct {
	QuoteID          string          `json:"quoteId"`
	TargetProfileID  string          `json:"targetAccount"`
	SourceAmount     decimal.Decimal `json:"sourceAmount"`
	SourceCurrency   string          `json:"sourceCurrency"`
	Reference        string          `json:"reference"`
	IdempotenceToken string          `json:"-"` // sent as a header, not in the body
}

// TransferClient is the outbound surface the transfer state machine needs.
// The HTTP implementation below is replaceable; tests substitute fakes.
type TransferClient interface {
	CreateTransfer(ctx context.Context, req CreateTransferRequest) (*WiseTransfer, error)
	GetTransfer(ctx context.Context, transferID string) (*WiseTransfer, error)
}

// WiseClient calls the transfer provider's HTTP API. Transient failures are
// retried in place; both operations are safe to retry because creates carry
// the idempotence token and reads are side-effect free.
type WiseClient struct {
	baseURL     string
	token       string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewWiseClient creates a transfer-provider client.
func NewWiseClient(baseURL, token string) *WiseClient {
	return &WiseClient{
		baseURL:     baseURL,
		token:       token,
		client:      &http.Client{Timeout: 15 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// CreateTransfer creates a transfer, carrying the caller-derived
// idempotence token so provider-side retries collapse to one transfer.
func (w *WiseClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*WiseTransfer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Class: ClassValidation, Provider: "wise", Message: err.Error()}
	}

	return w.do(ctx, "wise:create", func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/transfers", bytes.NewReader(body))
		if err != nil {
			return nil, &Error{Class: ClassValidation, Provider: "wise", Message: err.Error()}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+w.token)
		if req.IdempotenceToken != "" {
			httpReq.Header.Set("X-Idempotence-Uuid", req.IdempotenceToken)
		}
		return httpReq, nil
	})
}

// GetTransfer reads the current provider state of a transfer.
func (w *WiseClient) GetTransfer(ctx context.Context, transferID string) (*WiseTransfer, error) {
	return w.do(ctx, "wise:get", func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/v1/transfers/%s", w.baseURL, transferID), nil)
		if err != nil {
			return nil, &Error{Class: ClassValidation, Provider: "wise", Message: err.Error()}
		}
		httpReq.Header.Set("Authorization", "Bearer "+w.token)
		return httpReq, nil
	})
}

// do builds a fresh request per attempt (bodies are single-read) and retries
// failures the taxonomy marks retryable. The circuit is keyed per operation;
// only retryable failures count against it, a rejected quote must not trip
// the status-poll circuit.
func (w *WiseClient) do(ctx context.Context, key string, build func() (*http.Request, error)) (*WiseTransfer, error) {
	var transfer *WiseTransfer
	err := retry.Do(ctx, w.maxAttempts, w.baseDelay, func() error {
		if !w.breaker.Allow(key) {
			return retry.Permanent(&Error{Class: ClassUpstream, Provider: "wise", Code: "circuit_open",
				Message: "provider circuit open"})
		}
		req, err := build()
		if err != nil {
			return retry.Permanent(err)
		}
		t, err := w.doOnce(req)
		if err != nil {
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}
			w.breaker.RecordFailure(key)
			return err
		}
		w.breaker.RecordSuccess(key)
		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// doOnce performs one HTTP exchange and records its latency by outcome.
func (w *WiseClient) doOnce(req *http.Request) (*WiseTransfer, error) {
	start := time.Now()
	transfer, err := w.exchange(req)
	metrics.ProviderRequestDuration.WithLabelValues("wise", requestOutcome(err)).Observe(time.Since(start).Seconds())
	return transfer, err
}

// requestOutcome labels an outbound call for the latency histogram.
func requestOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var perr *Error
	if errors.As(err, &perr) {
		return string(perr.Class)
	}
	return string(ClassUnknown)
}

func (w *WiseClient) exchange(req *http.Request) (*WiseTransfer, error) {
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, ClassifyErr("wise", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ClassifyErr("wise", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return nil, &Error{
			Class:    ClassifyStatus(resp.StatusCode),
			Provider: "wise",
			Code:     apiErr.Code,
			Message:  apiErr.Message,
		}
	}

	var transfer WiseTransfer
	if err := json.Unmarshal(data, &transfer); err != nil {
		return nil, &Error{Class: ClassUpstream, Provider: "wise", Message: "undecodable response: " + err.Error()}
	}
	return &transfer, nil
}

// Compile-time assertion that WiseClient implements TransferClient.
var _ TransferClient = (*WiseClient)(nil)

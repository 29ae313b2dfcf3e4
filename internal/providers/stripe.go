package providers

import (
	"context"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/harborline/paycore/internal/metrics"
)

// CardClient is the outbound surface for the card-payment processor.
type CardClient interface {
	PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

// StripeClient wraps the official Stripe SDK behind the error taxonomy.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a card-processor client.
func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

// PaymentIntent retrieves a payment intent by id.
func (s *StripeClient) PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	start := time.Now()
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		perr := mapStripeErr(err)
		metrics.ProviderRequestDuration.WithLabelValues("stripe", string(perr.Class)).Observe(time.Since(start).Seconds())
		return nil, perr
	}
	metrics.ProviderRequestDuration.WithLabelValues("stripe", "success").Observe(time.Since(start).Seconds())
	return pi, nil
}

// mapStripeErr converts a Stripe SDK error into the taxonomy.
func mapStripeErr(err error) *Error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return ClassifyErr("stripe", err)
	}

	class := ClassifyStatus(sErr.HTTPStatusCode)
	switch sErr.Type {
	case stripe.ErrorType("authentication_error"):
		class = ClassAuth
	case stripe.ErrorType("rate_limit_error"):
		class = ClassRateLimit
	case stripe.ErrorTypeInvalidRequest:
		class = ClassValidation
	case stripe.ErrorTypeCard:
		// A declined card is a terminal provider decision, not a transport fault.
		class = ClassProviderTerminal
	}

	return &Error{
		Class:    class,
		Provider: "stripe",
		Code:     string(sErr.Code),
		Message:  sErr.Msg,
	}
}

// Compile-time assertion that StripeClient implements CardClient.
var _ CardClient = (*StripeClient)(nil)

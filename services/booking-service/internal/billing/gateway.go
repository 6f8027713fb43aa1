package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

// Metadata keys attached to every payment intent so webhooks can be matched
// back to a billing record.
const (
	MetaBillingRecordID = "billing_record_id"
	MetaBookingID       = "booking_id"
	MetaPaymentType     = "payment_type"
)

const (
	IntentSucceeded = "succeeded"
	IntentCanceled  = "canceled"
)

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// PaymentGateway creates and inspects payment intents at the payment provider.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}

var ErrGatewayNotConfigured = errors.New("payment gateway not configured")

// StripeGateway talks to Stripe with its own API key rather than the
// package-global stripe.Key.
type StripeGateway struct {
	client *paymentintent.Client
}

func NewStripeGateway(secretKey string) *StripeGateway {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return &StripeGateway{}
	}
	return &StripeGateway{client: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if g.client == nil {
		return Intent{}, ErrGatewayNotConfigured
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := g.client.New(params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	if g.client == nil {
		return Intent{}, ErrGatewayNotConfigured
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.client.Get(id, params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

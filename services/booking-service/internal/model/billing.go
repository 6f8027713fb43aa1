package model

import "time"

type PaymentType string

const (
	PaymentDeposit PaymentType = "deposit"
	PaymentFinal   PaymentType = "final_payment"
)

type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingPaid     BillingStatus = "paid"
	BillingRefunded BillingStatus = "refunded"
	// BillingCanceled marks a record whose intent was canceled at the provider
	// before it was paid.
	BillingCanceled BillingStatus = "canceled"
)

type BillingRecord struct {
	ID                  string
	BookingID           string
	ProviderID          string
	ClientID            string
	Type                PaymentType
	AmountCents         int64
	DepositAppliedCents int64
	Currency            string
	Status              BillingStatus
	PaymentIntentID     string
	PaidAt              *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WebhookEvent is the dedup ledger row for one external payment-provider event.
type WebhookEvent struct {
	ExternalEventID string
	Provider        string
	EventType       string
	Payload         []byte
	Processed       bool
	ProcessedAt     *time.Time
	ProcessingError string
	CreatedAt       time.Time
}

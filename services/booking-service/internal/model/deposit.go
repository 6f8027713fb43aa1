package model

import "time"

type DepositMode string

const (
	DepositFlat    DepositMode = "flat"
	DepositPercent DepositMode = "percent"
)

// DefaultCutoffHours applies when a policy leaves CutoffHours unset.
const DefaultCutoffHours = 48

type DepositPolicy struct {
	ProviderID    string      `json:"provider_id"`
	Mode          DepositMode `json:"mode"`
	AmountCents   int64       `json:"amount_cents"`
	Percent       float64     `json:"percent"`
	MinCents      int64       `json:"min_cents"`
	MaxCents      int64       `json:"max_cents"`
	NonRefundable bool        `json:"non_refundable"`
	CutoffHours   int         `json:"cutoff_hours"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

package model

import "time"

type AppointmentType string

const (
	AppointmentConsultation AppointmentType = "consultation"
	AppointmentSession      AppointmentType = "session"
)

func (t AppointmentType) Valid() bool {
	return t == AppointmentConsultation || t == AppointmentSession
}

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusNoShow    BookingStatus = "no-show"
	StatusCompleted BookingStatus = "completed"
)

// Active statuses hold the provider's time exclusively.
func (s BookingStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Busy statuses block slot listings. Completed bookings still occupied their window.
func (s BookingStatus) Busy() bool {
	return s.Active() || s == StatusCompleted
}

func (s BookingStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusNoShow || s == StatusCompleted
}

type Booking struct {
	ID                   string
	ProviderID           string
	ClientID             string
	StartAt              time.Time
	EndAt                time.Time
	AppointmentType      AppointmentType
	Status               BookingStatus
	PriceCents           *int64
	DepositRequiredCents int64
	DepositPaidCents     int64
	FinalPaidCents       int64
	ProjectID            string
	SessionNumber        int
	RescheduledFrom      *time.Time
	RescheduledBy        string
	CancelledBy          string
	CancellationReason   string
	CancelledAt          *time.Time
	NoShowMarkedAt       *time.Time
	NoShowReason         string
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Party reports whether actorID is the booking's provider or client.
func (b Booking) Party(actorID string) bool {
	return actorID != "" && (actorID == b.ProviderID || actorID == b.ClientID)
}

// DepositSettled is true once the required deposit has been received in full.
func (b Booking) DepositSettled() bool {
	return b.DepositPaidCents >= b.DepositRequiredCents
}

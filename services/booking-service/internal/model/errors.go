package model

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindConflict
	KindForbidden
	KindNotFound
	KindPayment
	KindTransition
)

// Error is a client-facing failure with a stable machine code. Anything that
// is not an *Error is treated as internal.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches on code so wrapped copies built with Errorf compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidDate          = &Error{Kind: KindValidation, Code: "invalid_date", Message: "date must be YYYY-MM-DD"}
	ErrInvalidTime          = &Error{Kind: KindValidation, Code: "invalid_time", Message: "end must be after start"}
	ErrInvalidDuration      = &Error{Kind: KindValidation, Code: "invalid_duration", Message: "duration is out of range"}
	ErrInvalidType          = &Error{Kind: KindValidation, Code: "invalid_appointment_type", Message: "unknown appointment type"}
	ErrInvalidTemplate      = &Error{Kind: KindValidation, Code: "invalid_availability", Message: "availability template is invalid"}
	ErrInvalidPolicy        = &Error{Kind: KindValidation, Code: "invalid_deposit_policy", Message: "deposit policy is invalid"}
	ErrDepositPolicyMissing = &Error{Kind: KindValidation, Code: "deposit_policy_required", Message: "provider has no deposit policy configured"}
	ErrNoShowBeforeStart    = &Error{Kind: KindValidation, Code: "no_show_before_start", Message: "cannot mark a future appointment as no-show"}
	ErrMissingField         = &Error{Kind: KindValidation, Code: "missing_field", Message: "missing required fields"}
	ErrInvalidPrice         = &Error{Kind: KindValidation, Code: "invalid_price", Message: "price_cents must not be negative"}

	ErrSlotBooked      = &Error{Kind: KindConflict, Code: "slot_booked", Message: "Slot already booked"}
	ErrPaymentInFlight = &Error{Kind: KindConflict, Code: "payment_in_flight", Message: "another payment intent for this booking is being created"}

	ErrInvalidTransition = &Error{Kind: KindTransition, Code: "invalid_transition", Message: "booking cannot move to the requested status"}

	ErrForbidden = &Error{Kind: KindForbidden, Code: "forbidden", Message: "actor is not allowed to act on this resource"}

	ErrBookingNotFound = &Error{Kind: KindNotFound, Code: "booking_not_found", Message: "booking not found"}
	ErrBillingNotFound = &Error{Kind: KindNotFound, Code: "billing_record_not_found", Message: "billing record not found"}

	ErrDepositAlreadyPaid = &Error{Kind: KindPayment, Code: "deposit_already_paid", Message: "deposit already paid"}
	ErrDepositNotPaid     = &Error{Kind: KindPayment, Code: "deposit_not_paid", Message: "deposit has not been paid"}
	ErrNoPaymentRequired  = &Error{Kind: KindPayment, Code: "no_payment_required", Message: "no payment required"}
	ErrPriceNotSet        = &Error{Kind: KindPayment, Code: "price_not_set", Message: "booking price is not set"}
)

// Invalid returns a copy of base carrying a more specific message.
func Invalid(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the client-facing error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

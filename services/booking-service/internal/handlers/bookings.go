package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/inkslot/inkslot/libs/httpx"
	"github.com/inkslot/inkslot/services/booking-service/internal/booking"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
)

type createBookingRequest struct {
	ProviderID      string `json:"provider_id"`
	StartAt         string `json:"start_at"`
	EndAt           string `json:"end_at"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      *int64 `json:"price_cents"`
	ProjectID       string `json:"project_id"`
	SessionNumber   int    `json:"session_number"`
}

type rescheduleRequest struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type bookingResponse struct {
	ID                   string `json:"id"`
	ProviderID           string `json:"provider_id"`
	ClientID             string `json:"client_id"`
	AppointmentType      string `json:"appointment_type"`
	Status               string `json:"status"`
	StartAt              string `json:"start_at"`
	EndAt                string `json:"end_at"`
	PriceCents           *int64 `json:"price_cents,omitempty"`
	DepositRequiredCents int64  `json:"deposit_required_cents"`
	DepositPaidCents     int64  `json:"deposit_paid_cents"`
	FinalPaidCents       int64  `json:"final_paid_cents"`
	ProjectID            string `json:"project_id,omitempty"`
	SessionNumber        int    `json:"session_number,omitempty"`
	RescheduledFrom      string `json:"rescheduled_from,omitempty"`
	RescheduledBy        string `json:"rescheduled_by,omitempty"`
	CancelledBy          string `json:"cancelled_by,omitempty"`
	CancellationReason   string `json:"cancellation_reason,omitempty"`
	CancelledAt          string `json:"cancelled_at,omitempty"`
	NoShowMarkedAt       string `json:"no_show_marked_at,omitempty"`
	NoShowReason         string `json:"no_show_reason,omitempty"`
	CompletedAt          string `json:"completed_at,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toBookingResponse(b model.Booking) bookingResponse {
	return bookingResponse{
		ID:                   b.ID,
		ProviderID:           b.ProviderID,
		ClientID:             b.ClientID,
		AppointmentType:      string(b.AppointmentType),
		Status:               string(b.Status),
		StartAt:              formatTime(&b.StartAt),
		EndAt:                formatTime(&b.EndAt),
		PriceCents:           b.PriceCents,
		DepositRequiredCents: b.DepositRequiredCents,
		DepositPaidCents:     b.DepositPaidCents,
		FinalPaidCents:       b.FinalPaidCents,
		ProjectID:            b.ProjectID,
		SessionNumber:        b.SessionNumber,
		RescheduledFrom:      formatTime(b.RescheduledFrom),
		RescheduledBy:        b.RescheduledBy,
		CancelledBy:          b.CancelledBy,
		CancellationReason:   b.CancellationReason,
		CancelledAt:          formatTime(b.CancelledAt),
		NoShowMarkedAt:       formatTime(b.NoShowMarkedAt),
		NoShowReason:         b.NoShowReason,
		CompletedAt:          formatTime(b.CompletedAt),
		CreatedAt:            formatTime(&b.CreatedAt),
		UpdatedAt:            formatTime(&b.UpdatedAt),
	}
}

func (h *Handler) CreateConsultation(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, model.AppointmentConsultation)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, model.AppointmentSession)
}

// create books on behalf of the calling client. An Idempotency-Key header
// makes retries return the original booking.
func (h *Handler) create(w http.ResponseWriter, r *http.Request, typ model.AppointmentType) {
	var req createBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	start, err := parseTime("start_at", req.StartAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := parseOptionalTime("end_at", req.EndAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	in := booking.CreateInput{
		ProviderID:      req.ProviderID,
		ClientID:        httpx.ActorID(r),
		Type:            typ,
		StartAt:         start,
		DurationMinutes: req.DurationMinutes,
		EndAt:           end,
		PriceCents:      req.PriceCents,
		ProjectID:       req.ProjectID,
		SessionNumber:   req.SessionNumber,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	b, err := h.bookings.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBookingResponse(b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Get(r.Context(), r.PathValue("id"), httpx.ActorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	start, err := parseTime("start_at", req.StartAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := parseOptionalTime("end_at", req.EndAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	b, err := h.bookings.Reschedule(r.Context(), booking.RescheduleInput{
		BookingID: r.PathValue("id"),
		ActorID:   httpx.ActorID(r),
		StartAt:   start,
		EndAt:     end,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	b, err := h.bookings.Cancel(r.Context(), r.PathValue("id"), httpx.ActorID(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	b, err := h.bookings.MarkNoShow(r.Context(), r.PathValue("id"), httpx.ActorID(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Complete(r.Context(), r.PathValue("id"), httpx.ActorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBookingResponse(b))
}

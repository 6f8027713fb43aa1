package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inkslot/inkslot/libs/httpx"
	"github.com/inkslot/inkslot/services/booking-service/internal/availability"
	"github.com/inkslot/inkslot/services/booking-service/internal/billing"
	"github.com/inkslot/inkslot/services/booking-service/internal/booking"
	"github.com/inkslot/inkslot/services/booking-service/internal/deposit"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
)

type Handler struct {
	slots    *availability.Engine
	deposits *deposit.Service
	bookings *booking.Service
	billing  *billing.Reconciler
	logger   *slog.Logger

	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
}

func New(slots *availability.Engine, deposits *deposit.Service, bookings *booking.Service, reconciler *billing.Reconciler, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		slots:                  slots,
		deposits:               deposits,
		bookings:               bookings,
		billing:                reconciler,
		logger:                 logger,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /availability/{providerId}/slots", h.Slots)
	mux.HandleFunc("GET /availability/{providerId}", h.GetTemplate)
	mux.HandleFunc("PUT /availability/{providerId}", h.PutTemplate)

	mux.HandleFunc("GET /deposit-policy/{providerId}", h.GetDepositPolicy)
	mux.HandleFunc("PUT /deposit-policy/{providerId}", h.PutDepositPolicy)

	mux.HandleFunc("POST /bookings/consultation", h.CreateConsultation)
	mux.HandleFunc("POST /bookings/session", h.CreateSession)
	mux.HandleFunc("GET /bookings/{id}", h.GetBooking)
	mux.HandleFunc("POST /bookings/{id}/reschedule", h.Reschedule)
	mux.HandleFunc("POST /bookings/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /bookings/{id}/no-show", h.NoShow)
	mux.HandleFunc("POST /bookings/{id}/complete", h.Complete)

	mux.HandleFunc("POST /billing/deposit/intent", h.DepositIntent)
	mux.HandleFunc("POST /billing/final-payment/intent", h.FinalPaymentIntent)
	mux.HandleFunc("POST "+WebhookPath, h.StripeWebhook)
}

// WebhookPath receives payment-provider events.
const WebhookPath = "/billing/webhook"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation, model.KindPayment:
		return http.StatusBadRequest
	case model.KindConflict, model.KindTransition:
		return http.StatusConflict
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders client-facing errors with their code; anything else is
// logged and hidden behind a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := model.AsError(err); ok {
		httpx.WriteJSON(w, statusFor(e.Kind), errorResponse{Error: e.Message, Code: e.Code})
		return
	}
	h.logger.Error("request failed",
		"request_id", httpx.RequestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"err", err,
	)
	httpx.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_request"})
}

// decodeOptional decodes a JSON body that callers may omit entirely.
func decodeOptional(r *http.Request, v any) error {
	if err := httpx.DecodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, model.Invalid(model.ErrInvalidTime, "%s must be an RFC 3339 timestamp", field)
	}
	return t, nil
}

func parseOptionalTime(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseTime(field, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/inkslot/inkslot/libs/httpx"
	"github.com/inkslot/inkslot/services/booking-service/internal/billing"
	"github.com/stripe/stripe-go/v79/webhook"
)

type intentRequest struct {
	BookingID string `json:"booking_id"`
}

func (h *Handler) DepositIntent(w http.ResponseWriter, r *http.Request) {
	h.intent(w, r, h.billing.RequestDepositIntent)
}

func (h *Handler) FinalPaymentIntent(w http.ResponseWriter, r *http.Request) {
	h.intent(w, r, h.billing.RequestFinalPaymentIntent)
}

func (h *Handler) intent(w http.ResponseWriter, r *http.Request, request func(ctx context.Context, bookingID, clientID string) (billing.IntentResult, error)) {
	var req intentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	if strings.TrimSpace(req.BookingID) == "" {
		h.badRequest(w, "booking_id is required")
		return
	}
	res, err := request(r.Context(), strings.TrimSpace(req.BookingID), httpx.ActorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// StripeWebhook receives payment events. Signature verification is the
// authentication; the route must stay outside any actor checks.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.stripeWebhookSecret == "" {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stripe webhook not configured"})
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		h.badRequest(w, "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		h.badRequest(w, "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.stripeWebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                h.stripeWebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "err", err)
		h.badRequest(w, "invalid signature")
		return
	}

	event, err := billing.FromStripe(evt, body)
	if err != nil {
		h.badRequest(w, "invalid event payload")
		return
	}

	res, err := h.billing.HandleWebhookEvent(r.Context(), event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.AlreadyProcessed {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Event already processed"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

package handlers

import (
	"net/http"

	"github.com/inkslot/inkslot/libs/httpx"
	"github.com/inkslot/inkslot/services/booking-service/internal/deposit"
	"github.com/inkslot/inkslot/services/booking-service/internal/model"
)

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.slots.ListOpenSlots(r.Context(), r.PathValue("providerId"), r.URL.Query().Get("date"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slots)
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.slots.GetTemplate(r.Context(), r.PathValue("providerId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tpl)
}

func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl model.AvailabilityTemplate
	if err := httpx.DecodeJSON(r, &tpl); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	tpl.ProviderID = r.PathValue("providerId")

	saved, err := h.slots.PutTemplate(r.Context(), httpx.ActorID(r), tpl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, saved)
}

type depositPolicyResponse struct {
	model.DepositPolicy
	Enabled bool `json:"enabled"`
}

func (h *Handler) GetDepositPolicy(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("providerId")
	p, ok, err := h.deposits.Get(r.Context(), providerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		p = model.DepositPolicy{ProviderID: providerID, CutoffHours: model.DefaultCutoffHours}
	}
	httpx.WriteJSON(w, http.StatusOK, depositPolicyResponse{DepositPolicy: p, Enabled: ok && deposit.Enabled(p)})
}

func (h *Handler) PutDepositPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.DepositPolicy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	p.ProviderID = r.PathValue("providerId")

	saved, err := h.deposits.Put(r.Context(), httpx.ActorID(r), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, depositPolicyResponse{DepositPolicy: saved, Enabled: deposit.Enabled(saved)})
}

package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-lab/fulfillment/internal/delivery"
)

// DeliveryHandler is the carrier's public surface.
type DeliveryHandler struct {
	Svc *delivery.Service
}

type CreateDeliveryResp struct {
	Success    bool   `json:"success"`
	DeliveryID string `json:"delivery_id"`
	Message    string `json:"message,omitempty"`
}

func (h *DeliveryHandler) Register(r *chi.Mux) {
	r.Post("/deliveries", h.create)
	r.Get("/deliveries/{id}", h.get)
	r.Post("/deliveries/{id}/cancel", h.cancel)
}

func (h *DeliveryHandler) create(w http.ResponseWriter, r *http.Request) {
	var req delivery.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrderID == "" || req.NotificationURL == "" || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Svc.Create(ctx, req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, CreateDeliveryResp{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, CreateDeliveryResp{Success: true, DeliveryID: d.ID})
}

func (h *DeliveryHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Svc.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Svc.Cancel(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, delivery.ErrCannotCancel):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, d)
}

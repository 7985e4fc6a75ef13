package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/storefront-lab/fulfillment/internal/orders"
	"github.com/storefront-lab/fulfillment/internal/redisx"
)

// WebhookHandler receives carrier status callbacks. Delivery is
// at-least-once, so each (delivery, status) pair is deduped in Redis before
// it touches the order.
type WebhookHandler struct {
	Svc   *orders.Service
	Redis *redis.Client
}

type DeliveryWebhookReq struct {
	DeliveryID string `json:"delivery_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/delivery-webhook", h.deliveryWebhook)
}

func (h *WebhookHandler) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var req DeliveryWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrderID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	dedupKey := fmt.Sprintf(redisx.KeyDedup, "delivery-webhook", req.DeliveryID+":"+req.Status)
	fresh, err := h.Redis.SetNX(ctx, dedupKey, "1", redisx.TTLDedup).Result()
	if err == nil && !fresh {
		writeJSON(w, http.StatusOK, map[string]string{"result": "duplicate"})
		return
	}

	if err := h.Svc.HandleDeliveryUpdate(ctx, req.OrderID, req.Status); err != nil {
		// release the dedup claim so the carrier's retry gets through
		_ = h.Redis.Del(ctx, dedupKey).Err()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = h.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, req.OrderID)).Err()
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

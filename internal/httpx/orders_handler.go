package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/storefront-lab/fulfillment/internal/orders"
	"github.com/storefront-lab/fulfillment/internal/redisx"
	"github.com/storefront-lab/fulfillment/internal/warehouse"
)

type OrdersHandler struct {
	Svc       *orders.Service
	Warehouse *warehouse.Engine
	Redis     *redis.Client
}

type PlaceOrderReq struct {
	ExternalID   string          `json:"external_id"`
	UserName     string          `json:"user_name"`
	Email        string          `json:"email"`
	BuyerAccount string          `json:"buyer_account"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Address      string          `json:"address"`
}

type PlaceOrderResp struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Get("/orders/{id}/movements", h.getMovements)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ExternalID == "" || req.BuyerAccount == "" || req.ProductID == "" || req.Quantity <= 0 || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fast-path idempotency: a repeated external_id gets its order back
	// without holding stock twice.
	idemKey := fmt.Sprintf(redisx.KeyIdemPlaceOrder, req.ExternalID)
	if orderID, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && orderID != "" {
		o, err := h.Svc.Get(ctx, orderID)
		if err == nil {
			writeJSON(w, http.StatusAccepted, PlaceOrderResp{OrderID: o.ID, Status: string(o.Status), Idempotent: true})
			return
		}
	}

	o, err := h.Svc.PlaceOrder(ctx, orders.PlaceOrderRequest{
		UserName:     req.UserName,
		Email:        req.Email,
		BuyerAccount: req.BuyerAccount,
		ProductID:    req.ProductID,
		ProductName:  req.ProductName,
		Quantity:     req.Quantity,
		Amount:       req.Amount,
		Address:      req.Address,
	})
	if err != nil {
		if errors.Is(err, warehouse.ErrInsufficientStock) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	h.cacheStatus(ctx, o)

	writeJSON(w, http.StatusAccepted, PlaceOrderResp{OrderID: o.ID, Status: string(o.Status)})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Svc.Get(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Svc.Cancel(ctx, orderID)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, orders.ErrCannotCancel):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getMovements(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ms, err := h.Warehouse.Movements(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o *orders.Order) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
}

package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storefront-lab/fulfillment/internal/ledger"
)

type LedgerHandler struct {
	Svc *ledger.Service
}

type TransferReq struct {
	FromAccount    string          `json:"from_account"`
	ToAccount      string          `json:"to_account"`
	Amount         decimal.Decimal `json:"amount"`
	TransactionRef string          `json:"transaction_ref"`
}

type RefundReq struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (h *LedgerHandler) Register(r *chi.Mux) {
	r.Post("/ledger/transfer", h.transfer)
	r.Post("/ledger/refund", h.refund)
	r.Get("/ledger/balance/{accountNumber}", h.balance)
}

func (h *LedgerHandler) transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FromAccount == "" || req.ToAccount == "" || req.TransactionRef == "" {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Svc.Transfer(ctx, req.FromAccount, req.ToAccount, req.Amount, req.TransactionRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LedgerHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req RefundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "missing transaction_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Svc.Refund(ctx, req.TransactionID, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LedgerHandler) balance(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "accountNumber")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.Svc.Balance(ctx, acct)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_number": acct, "balance": bal})
}

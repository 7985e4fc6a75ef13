package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service implements the simulated bank: balances plus an idempotent
// transfer/refund protocol keyed on caller-supplied references.
type Service struct {
	store Store
	log   *zap.SugaredLogger
}

func NewService(store Store, log *zap.SugaredLogger) *Service {
	return &Service{store: store, log: log}
}

// Transfer moves amount between accounts. A replay with a known ref returns
// the stored outcome verbatim; validation failures are persisted as FAILED
// rows so their replays are idempotent too.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref string) (TransferResult, error) {
	var res TransferResult
	err := s.store.WithinTx(ctx, func(st Store) error {
		existing, err := st.TransactionByRef(ctx, ref)
		if err != nil && !errors.Is(err, ErrTxnNotFound) {
			return err
		}
		if existing != nil {
			s.log.Infow("transfer replay", "ref", ref, "status", existing.Status)
			if existing.Status == TxnSuccess {
				res = TransferResult{Success: true, TxnID: existing.ID, Message: "transaction already processed"}
			} else {
				res = TransferResult{Success: false, TxnID: existing.ID, Message: existing.ErrorMessage}
			}
			return nil
		}

		if !amount.IsPositive() {
			return s.failTransfer(ctx, st, from, to, amount, ref, "amount must be positive", &res)
		}
		src, err := st.AccountByNumber(ctx, from)
		if errors.Is(err, ErrAccountNotFound) {
			return s.failTransfer(ctx, st, from, to, amount, ref, "from account not found: "+from, &res)
		} else if err != nil {
			return err
		}
		dst, err := st.AccountByNumber(ctx, to)
		if errors.Is(err, ErrAccountNotFound) {
			return s.failTransfer(ctx, st, from, to, amount, ref, "to account not found: "+to, &res)
		} else if err != nil {
			return err
		}
		if src.Balance.LessThan(amount) {
			return s.failTransfer(ctx, st, from, to, amount, ref, "insufficient balance, available: "+src.Balance.String(), &res)
		}

		src.Balance = src.Balance.Sub(amount)
		dst.Balance = dst.Balance.Add(amount)
		if err := st.SaveAccount(ctx, src); err != nil {
			return err
		}
		if err := st.SaveAccount(ctx, dst); err != nil {
			return err
		}
		txn := &Transaction{
			ID:          uuid.NewString(),
			FromAccount: from,
			ToAccount:   to,
			Amount:      amount,
			Type:        TxnTransfer,
			Status:      TxnSuccess,
			Ref:         ref,
			CompletedAt: time.Now().UTC(),
		}
		if err := st.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		s.log.Infow("transfer ok", "ref", ref, "txn", txn.ID, "amount", amount)
		res = TransferResult{Success: true, TxnID: txn.ID, Message: "transfer successful"}
		return nil
	})
	return res, err
}

func (s *Service) failTransfer(ctx context.Context, st Store, from, to string, amount decimal.Decimal, ref, msg string, res *TransferResult) error {
	txn := &Transaction{
		ID:           uuid.NewString(),
		FromAccount:  from,
		ToAccount:    to,
		Amount:       amount,
		Type:         TxnTransfer,
		Status:       TxnFailed,
		Ref:          ref,
		ErrorMessage: msg,
		CompletedAt:  time.Now().UTC(),
	}
	if err := st.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	s.log.Warnw("transfer failed", "ref", ref, "reason", msg)
	*res = TransferResult{Success: false, TxnID: txn.ID, Message: msg}
	return nil
}

// Refund reverses a SUCCESS transfer exactly once. The refund row is keyed
// REFUND-<original ref>; finding it means the refund already ran and the
// stored outcome is returned.
func (s *Service) Refund(ctx context.Context, originalTxnID, reason string) (RefundResult, error) {
	var res RefundResult
	err := s.store.WithinTx(ctx, func(st Store) error {
		orig, err := st.TransactionByID(ctx, originalTxnID)
		if errors.Is(err, ErrTxnNotFound) {
			res = RefundResult{Success: false, Message: "original transaction not found"}
			return nil
		} else if err != nil {
			return err
		}
		if orig.Type != TxnTransfer || orig.Status != TxnSuccess {
			res = RefundResult{Success: false, Message: fmt.Sprintf("can only refund successful transfers, got %s/%s", orig.Type, orig.Status)}
			return nil
		}

		refundRef := "REFUND-" + orig.Ref
		prior, err := st.TransactionByRef(ctx, refundRef)
		if err != nil && !errors.Is(err, ErrTxnNotFound) {
			return err
		}
		if prior != nil {
			s.log.Infow("refund replay", "ref", refundRef, "status", prior.Status)
			if prior.Status == TxnSuccess {
				res = RefundResult{Success: true, RefundTxnID: prior.ID, Message: "refund already processed"}
			} else {
				res = RefundResult{Success: false, RefundTxnID: prior.ID, Message: prior.ErrorMessage}
			}
			return nil
		}

		// Money flows back: original receiver pays the original sender.
		src, err := st.AccountByNumber(ctx, orig.ToAccount)
		if err != nil {
			return err
		}
		dst, err := st.AccountByNumber(ctx, orig.FromAccount)
		if err != nil {
			return err
		}
		if src.Balance.LessThan(orig.Amount) {
			txn := &Transaction{
				ID:           uuid.NewString(),
				FromAccount:  orig.ToAccount,
				ToAccount:    orig.FromAccount,
				Amount:       orig.Amount,
				Type:         TxnRefund,
				Status:       TxnFailed,
				Ref:          refundRef,
				ErrorMessage: "insufficient balance for refund, available: " + src.Balance.String(),
				CompletedAt:  time.Now().UTC(),
			}
			if err := st.InsertTransaction(ctx, txn); err != nil {
				return err
			}
			res = RefundResult{Success: false, RefundTxnID: txn.ID, Message: txn.ErrorMessage}
			return nil
		}

		src.Balance = src.Balance.Sub(orig.Amount)
		dst.Balance = dst.Balance.Add(orig.Amount)
		if err := st.SaveAccount(ctx, src); err != nil {
			return err
		}
		if err := st.SaveAccount(ctx, dst); err != nil {
			return err
		}
		txn := &Transaction{
			ID:           uuid.NewString(),
			FromAccount:  orig.ToAccount,
			ToAccount:    orig.FromAccount,
			Amount:       orig.Amount,
			Type:         TxnRefund,
			Status:       TxnSuccess,
			Ref:          refundRef,
			ErrorMessage: reason,
			CompletedAt:  time.Now().UTC(),
		}
		if err := st.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		s.log.Infow("refund ok", "original", originalTxnID, "refund", txn.ID)
		res = RefundResult{Success: true, RefundTxnID: txn.ID, Message: "refund successful"}
		return nil
	})
	return res, err
}

func (s *Service) Balance(ctx context.Context, accountNumber string) (decimal.Decimal, error) {
	acc, err := s.store.AccountByNumber(ctx, accountNumber)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

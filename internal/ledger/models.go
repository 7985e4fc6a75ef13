package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type TxnType string

const (
	TxnTransfer TxnType = "TRANSFER"
	TxnRefund   TxnType = "REFUND"
)

type TxnStatus string

const (
	TxnPending TxnStatus = "PENDING"
	TxnSuccess TxnStatus = "SUCCESS"
	TxnFailed  TxnStatus = "FAILED"
)

type Account struct {
	Number  string
	Owner   string
	Balance decimal.Decimal
}

// Transaction is the permanent record of one transfer or refund attempt.
// Ref is the caller-supplied idempotency key; replays with the same ref get
// the stored outcome back instead of moving money again.
type Transaction struct {
	ID           string
	FromAccount  string
	ToAccount    string
	Amount       decimal.Decimal
	Type         TxnType
	Status       TxnStatus
	Ref          string
	ErrorMessage string
	CompletedAt  time.Time
}

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrTxnNotFound     = errors.New("ledger: transaction not found")
)

type TransferResult struct {
	Success bool   `json:"success"`
	TxnID   string `json:"txn_id"`
	Message string `json:"message"`
}

type RefundResult struct {
	Success     bool   `json:"success"`
	RefundTxnID string `json:"refund_txn_id"`
	Message     string `json:"message"`
}

// Store is the slice of persistence the ledger needs. WithinTx runs fn
// against a transactional view; every write inside commits or none do.
type Store interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
	AccountByNumber(ctx context.Context, number string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	TransactionByRef(ctx context.Context, ref string) (*Transaction, error)
	TransactionByID(ctx context.Context, id string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
}

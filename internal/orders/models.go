package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storefront-lab/fulfillment/internal/outbox"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Order struct {
	ID             string          `json:"id"`
	UserName       string          `json:"user_name"`
	Email          string          `json:"email"`
	BuyerAccount   string          `json:"buyer_account"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	Address        string          `json:"address"`
	Status         Status          `json:"status"`
	ReservationIDs []string        `json:"reservation_ids"`
	DeliveryID     string          `json:"delivery_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Payment struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	Amount       decimal.Decimal `json:"amount"`
	Status       PaymentStatus   `json:"status"`
	LedgerTxnID  string          `json:"ledger_txn_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

var (
	ErrOrderNotFound   = errors.New("orders: order not found")
	ErrPaymentNotFound = errors.New("orders: payment not found")
	ErrCannotCancel    = errors.New("orders: order can no longer be cancelled")
)

// Store persists orders, their payments and outbox events. AppendEvent
// participates in WithinTx so an event commits with the state change that
// produced it.
type Store interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	InsertPayment(ctx context.Context, p *Payment) error
	PaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	AppendEvent(ctx context.Context, e *outbox.Event) error
	// PendingPaymentBefore lists orders stuck in PENDING_PAYMENT since
	// before cutoff, for the reaper.
	PendingPaymentBefore(ctx context.Context, cutoff time.Time) ([]Order, error)
}

package outbox

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Saga event types carried through the outbox.
const (
	EventPaymentPending = "PAYMENT_PENDING"
	EventPaymentSuccess = "PAYMENT_SUCCESS"
	EventPaymentFailed  = "PAYMENT_FAILED"
	EventRefundSuccess  = "REFUND_SUCCESS"
	EventDeliveryFailed = "DELIVERY_FAILED"
)

// Event is one outbox row. It is appended inside the same transaction as
// the state change it describes and picked up later by the relay.
type Event struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

type Store interface {
	Append(ctx context.Context, e *Event) error
	// WithinTx runs fn against a transactional view of the store. Claims
	// made by Pending inside fn stay locked until fn returns.
	WithinTx(ctx context.Context, fn func(Store) error) error
	// Pending claims up to limit PENDING events with retry_count below
	// maxRetries, skipping rows another relay already claimed.
	Pending(ctx context.Context, maxRetries, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

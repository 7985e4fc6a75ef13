package delivery

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusPickedUp   Status = "PICKED_UP"
	StatusDelivering Status = "DELIVERING"
	StatusReceived   Status = "RECEIVED"
	StatusLost       Status = "LOST"
	StatusCancelled  Status = "CANCELLED"
)

// next returns the single forward step; terminal states return themselves.
func (s Status) next() Status {
	switch s {
	case StatusCreated:
		return StatusPickedUp
	case StatusPickedUp:
		return StatusDelivering
	case StatusDelivering:
		return StatusReceived
	}
	return s
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusReceived, StatusLost, StatusCancelled:
		return true
	}
	return false
}

// Cancellable: once the courier is DELIVERING the package cannot be called
// back.
func (s Status) Cancellable() bool {
	return s == StatusCreated || s == StatusPickedUp
}

type Delivery struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	Status        Status    `json:"status"`
	Version       int       `json:"version"`
	Email         string    `json:"email"`
	UserName      string    `json:"user_name"`
	ToAddress     string    `json:"to_address"`
	FromAddresses []string  `json:"from_addresses"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
	NotifyURL     string    `json:"notification_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	ErrNotFound        = errors.New("delivery: not found")
	ErrVersionConflict = errors.New("delivery: version conflict")
	ErrCannotCancel    = errors.New("delivery: can no longer cancel")
)

type Store interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	ByOrderID(ctx context.Context, orderID string) (*Delivery, error)
	// Update writes status only if the row still carries expectedVersion.
	Update(ctx context.Context, d *Delivery, expectedVersion int) error
}

// Queue is the durable push side of a topic; the kafka producer satisfies
// it.
type Queue interface {
	Push(ctx context.Context, key string, value []byte) error
}

// NotificationMessage rides the notification and dead-letter topics.
type NotificationMessage struct {
	URL        string              `json:"url"`
	Payload    NotificationPayload `json:"payload"`
	RetryCount int                 `json:"retry_count"`
}

type NotificationPayload struct {
	DeliveryID string `json:"delivery_id"`
	OrderID    string `json:"order_id"`
	Status     Status `json:"status"`
}

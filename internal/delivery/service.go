package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateRequest struct {
	OrderID         string   `json:"order_id"`
	Email           string   `json:"email"`
	UserName        string   `json:"user_name"`
	ToAddress       string   `json:"to_address"`
	FromAddresses   []string `json:"from_addresses"`
	ProductName     string   `json:"product_name"`
	Quantity        int      `json:"quantity"`
	NotificationURL string   `json:"notification_url"`
}

// Service owns delivery creation and cancellation. The progress worker does
// the advancing.
type Service struct {
	store   Store
	tasks   Queue
	notices Queue
	log     *zap.SugaredLogger
}

func NewService(store Store, tasks, notices Queue, log *zap.SugaredLogger) *Service {
	return &Service{store: store, tasks: tasks, notices: notices, log: log}
}

// Create registers a delivery and queues its first progress step. One
// delivery per order: a replayed create finds the existing row and returns
// its id, and the unique order index catches the race two creates can run.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Delivery, error) {
	if existing, err := s.store.ByOrderID(ctx, req.OrderID); err == nil {
		s.log.Infow("delivery already exists for order", "order", req.OrderID, "delivery", existing.ID)
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Delivery{
		ID:            uuid.NewString(),
		OrderID:       req.OrderID,
		Status:        StatusCreated,
		Version:       1,
		Email:         req.Email,
		UserName:      req.UserName,
		ToAddress:     req.ToAddress,
		FromAddresses: req.FromAddresses,
		ProductName:   req.ProductName,
		Quantity:      req.Quantity,
		NotifyURL:     req.NotificationURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		// lost the race: somebody else created it between lookup and insert
		if existing, lerr := s.store.ByOrderID(ctx, req.OrderID); lerr == nil {
			return existing, nil
		}
		return nil, err
	}
	if err := s.tasks.Push(ctx, d.ID, []byte(d.ID)); err != nil {
		return nil, err
	}
	s.log.Infow("delivery created", "delivery", d.ID, "order", d.OrderID)
	return d, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Delivery, error) {
	return s.store.Get(ctx, id)
}

// Cancel overrides an early-stage delivery. The versioned write means a
// worker transition racing this cancel loses: whichever commits first wins
// the row, and the loser's conflict is dropped.
func (s *Service) Cancel(ctx context.Context, id string) (*Delivery, error) {
	for {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !d.Status.Cancellable() {
			return nil, ErrCannotCancel
		}
		d.Status = StatusCancelled
		d.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, d, d.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		s.log.Infow("delivery cancelled", "delivery", d.ID, "order", d.OrderID)
		s.queueNotification(ctx, d)
		return d, nil
	}
}

// queueNotification pushes a status notification onto the webhook topic.
// Best effort: a push failure is logged, never propagated.
func (s *Service) queueNotification(ctx context.Context, d *Delivery) {
	msg := NotificationMessage{
		URL: d.NotifyURL,
		Payload: NotificationPayload{
			DeliveryID: d.ID,
			OrderID:    d.OrderID,
			Status:     d.Status,
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Errorw("notification marshal failed", "delivery", d.ID, "err", err)
		return
	}
	if err := s.notices.Push(ctx, d.ID, raw); err != nil {
		s.log.Errorw("notification enqueue failed", "delivery", d.ID, "err", err)
	}
}

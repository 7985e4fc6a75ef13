package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/storefront-lab/fulfillment/internal/carrier"
	"github.com/storefront-lab/fulfillment/internal/ledger"
	"github.com/storefront-lab/fulfillment/internal/outbox"
	"github.com/storefront-lab/fulfillment/internal/warehouse"
)

// StockHolder is the slice of the warehouse engine the saga needs.
type StockHolder interface {
	Hold(ctx context.Context, productID, orderID string, qty int) ([]warehouse.Allocation, []string, error)
	Unhold(ctx context.Context, holdIDs []string) error
	RecordOut(ctx context.Context, holdIDs []string) error
	Movements(ctx context.Context, orderID string) ([]warehouse.Movement, error)
}

// LedgerClient is satisfied by ledger.Client.
type LedgerClient interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref string) (ledger.TransferResult, error)
	Refund(ctx context.Context, originalTxnID, reason string) (ledger.RefundResult, error)
}

// CarrierClient is satisfied by carrier.Client.
type CarrierClient interface {
	CreateDelivery(ctx context.Context, req carrier.CreateRequest) (string, error)
	CancelDelivery(ctx context.Context, deliveryID string) error
}

// paymentPayload travels inside PAYMENT_* outbox events.
type paymentPayload struct {
	OrderID     string          `json:"order_id"`
	FromAccount string          `json:"from_account"`
	Amount      decimal.Decimal `json:"amount"`
}

type PlaceOrderRequest struct {
	UserName     string          `json:"user_name"`
	Email        string          `json:"email"`
	BuyerAccount string          `json:"buyer_account"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Address      string          `json:"address"`
}

// Service orchestrates the fulfillment saga. Forward steps run through
// outbox events; compensation runs through refund and unhold.
type Service struct {
	store        Store
	stock        StockHolder
	bank         LedgerClient
	carrier      CarrierClient
	storeAccount string
	webhookURL   string
	failGrace    time.Duration
	log          *zap.SugaredLogger
}

func NewService(store Store, stock StockHolder, bank LedgerClient, carrierCli CarrierClient,
	storeAccount, webhookURL string, failGrace time.Duration, log *zap.SugaredLogger) *Service {
	return &Service{
		store:        store,
		stock:        stock,
		bank:         bank,
		carrier:      carrierCli,
		storeAccount: storeAccount,
		webhookURL:   webhookURL,
		failGrace:    failGrace,
		log:          log,
	}
}

// PlaceOrder holds stock, then writes order, payment and the
// PAYMENT_PENDING event in one transaction. Version conflicts on the stock
// rows are retried a few times before giving up; an aggregate shortfall is
// returned to the caller untouched.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	orderID := uuid.NewString()

	var holdIDs []string
	err := retry.Do(ctx, retry.WithMaxRetries(2, retry.NewConstant(50*time.Millisecond)), func(ctx context.Context) error {
		_, ids, err := s.stock.Hold(ctx, req.ProductID, orderID, req.Quantity)
		if errors.Is(err, warehouse.ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		holdIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &Order{
		ID:             orderID,
		UserName:       req.UserName,
		Email:          req.Email,
		BuyerAccount:   req.BuyerAccount,
		ProductID:      req.ProductID,
		ProductName:    req.ProductName,
		Quantity:       req.Quantity,
		Amount:         req.Amount,
		Address:        req.Address,
		Status:         StatusPendingPayment,
		ReservationIDs: holdIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payment := &Payment{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    req.Amount,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithinTx(ctx, func(st Store) error {
		if err := st.Insert(ctx, order); err != nil {
			return err
		}
		if err := st.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, st, orderID, outbox.EventPaymentPending, paymentPayload{
			OrderID:     orderID,
			FromAccount: req.BuyerAccount,
			Amount:      req.Amount,
		}, now)
	})
	if err != nil {
		// The held stock would leak; give it back before reporting.
		if uerr := s.stock.Unhold(ctx, holdIDs); uerr != nil {
			s.log.Errorw("unhold after failed place", "order", orderID, "err", uerr)
		}
		return nil, err
	}
	s.log.Infow("order placed", "order", orderID, "product", req.ProductID, "qty", req.Quantity)
	return order, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) appendEvent(ctx context.Context, st Store, orderID, eventType string, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return st.AppendEvent(ctx, &outbox.Event{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		EventType: eventType,
		Payload:   raw,
		Status:    outbox.StatusPending,
		CreatedAt: at,
	})
}

// Register wires the saga handlers into the relay.
func (s *Service) Register(r *outbox.Relay) {
	r.Handle(outbox.EventPaymentPending, s.HandlePaymentPending)
	r.Handle(outbox.EventPaymentSuccess, s.HandlePaymentSuccess)
	r.Handle(outbox.EventPaymentFailed, s.HandlePaymentFailed)
	r.Handle(outbox.EventRefundSuccess, s.HandleRefundSuccess)
	r.Handle(outbox.EventDeliveryFailed, s.HandleDeliveryFailed)
}

// HandlePaymentPending charges the buyer through the ledger. The order id
// doubles as the idempotency ref, so a replay after a crash lands on the
// stored outcome instead of charging twice.
func (s *Service) HandlePaymentPending(ctx context.Context, e outbox.Event) error {
	var p paymentPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	order, err := s.store.Get(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if order.Status != StatusPendingPayment {
		s.log.Infow("payment pending skipped, order moved on", "order", order.ID, "status", order.Status)
		return nil
	}

	res, err := s.bank.Transfer(ctx, p.FromAccount, s.storeAccount, p.Amount, order.ID)
	if err != nil {
		return err
	}
	payment, err := s.store.PaymentByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.WithinTx(ctx, func(st Store) error {
		if res.Success {
			payment.Status = PaymentSuccess
			payment.LedgerTxnID = res.TxnID
			payment.UpdatedAt = now
			if err := st.UpdatePayment(ctx, payment); err != nil {
				return err
			}
			return s.appendEvent(ctx, st, order.ID, outbox.EventPaymentSuccess, paymentPayload{OrderID: order.ID}, now)
		}
		payment.Status = PaymentFailed
		payment.LedgerTxnID = res.TxnID
		payment.ErrorMessage = res.Message
		payment.UpdatedAt = now
		if err := st.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, st, order.ID, outbox.EventPaymentFailed, paymentPayload{OrderID: order.ID}, now)
	})
}

// HandlePaymentSuccess walks the order PAID, PROCESSING and, once the
// carrier accepted the delivery, SHIPPED. The stored delivery id guards a
// re-run against creating a second delivery; the carrier's unique order
// index backs that up.
func (s *Service) HandlePaymentSuccess(ctx context.Context, e outbox.Event) error {
	order, err := s.store.Get(ctx, e.OrderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case StatusPendingPayment:
		if err := s.transition(ctx, order, StatusPaid); err != nil {
			return err
		}
		fallthrough
	case StatusPaid:
		if err := s.transition(ctx, order, StatusProcessing); err != nil {
			return err
		}
	case StatusProcessing:
		// resume below
	default:
		s.log.Infow("payment success skipped", "order", order.ID, "status", order.Status)
		return nil
	}

	if order.DeliveryID == "" {
		deliveryID, err := s.carrier.CreateDelivery(ctx, carrier.CreateRequest{
			OrderID:         order.ID,
			Email:           order.Email,
			UserName:        order.UserName,
			ToAddress:       order.Address,
			FromAddresses:   s.originWarehouses(ctx, order.ID),
			ProductName:     order.ProductName,
			Quantity:        order.Quantity,
			NotificationURL: s.webhookURL,
		})
		if err != nil {
			s.log.Errorw("delivery creation failed", "order", order.ID, "err", err)
			now := time.Now().UTC()
			return s.store.WithinTx(ctx, func(st Store) error {
				// invisible to the relay until the grace delay passes
				return s.appendEvent(ctx, st, order.ID, outbox.EventDeliveryFailed,
					paymentPayload{OrderID: order.ID}, now.Add(s.failGrace))
			})
		}
		order.DeliveryID = deliveryID
		order.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, order); err != nil {
			return err
		}
	}
	return s.transition(ctx, order, StatusShipped)
}

// CancelExpired force-cancels an order whose checkout was abandoned. The
// payment may have been captured without the order advancing yet (the
// PAYMENT_SUCCESS event can lag the ledger commit), so a SUCCESS payment is
// refunded before the order parks as CANCELLED_SYSTEM. Orders that moved on
// since they were listed are skipped.
func (s *Service) CancelExpired(ctx context.Context, orderID string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != StatusPendingPayment {
		return nil
	}
	if err := s.refundIfPaid(ctx, order, "payment timeout"); err != nil {
		return err
	}
	if err := s.stock.Unhold(ctx, order.ReservationIDs); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.WithinTx(ctx, func(st Store) error {
		payment, err := st.PaymentByOrder(ctx, order.ID)
		if err == nil && payment.Status == PaymentPending {
			payment.Status = PaymentFailed
			payment.ErrorMessage = "payment timeout"
			payment.UpdatedAt = now
			if err := st.UpdatePayment(ctx, payment); err != nil {
				return err
			}
		}
		order.Status = StatusCancelledSystem
		order.UpdatedAt = now
		if err := st.Update(ctx, order); err != nil {
			return err
		}
		s.log.Infow("expired order cancelled", "order", order.ID)
		return nil
	})
}

// originWarehouses lists the warehouses the order's holds came from, for
// the carrier's pickup manifest. Best effort: an audit read failure just
// means an empty manifest.
func (s *Service) originWarehouses(ctx context.Context, orderID string) []string {
	ms, err := s.stock.Movements(ctx, orderID)
	if err != nil {
		s.log.Warnw("movement lookup for pickup manifest failed", "order", orderID, "err", err)
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range ms {
		if m.Type == warehouse.MovementHold && !seen[m.WarehouseID] {
			seen[m.WarehouseID] = true
			out = append(out, m.WarehouseID)
		}
	}
	return out
}

// HandlePaymentFailed releases the reservation and cancels the order.
func (s *Service) HandlePaymentFailed(ctx context.Context, e outbox.Event) error {
	order, err := s.store.Get(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if order.Status != StatusPendingPayment {
		return nil
	}
	if err := s.stock.Unhold(ctx, order.ReservationIDs); err != nil {
		return err
	}
	return s.transition(ctx, order, StatusCancelled)
}

// HandleRefundSuccess finishes a compensated order off as REFUNDED.
func (s *Service) HandleRefundSuccess(ctx context.Context, e outbox.Event) error {
	order, err := s.store.Get(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(order.Status, StatusRefunded) {
		return nil
	}
	return s.transition(ctx, order, StatusRefunded)
}

// HandleDeliveryFailed compensates an order whose carrier call never
// succeeded: refund if paid, release the stock, park the order as
// CANCELLED_SYSTEM. The event only becomes visible after a grace delay so a
// slow carrier response can still win.
func (s *Service) HandleDeliveryFailed(ctx context.Context, e outbox.Event) error {
	order, err := s.store.Get(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if order.DeliveryID != "" || IsTerminal(order.Status) {
		s.log.Infow("delivery failure superseded", "order", order.ID, "status", order.Status)
		return nil
	}
	if err := s.refundIfPaid(ctx, order, "delivery creation failed"); err != nil {
		return err
	}
	if err := s.stock.Unhold(ctx, order.ReservationIDs); err != nil {
		return err
	}
	return s.transition(ctx, order, StatusCancelledSystem)
}

// Cancel handles an explicit cancellation request. Terminal orders reject;
// paid orders are refunded first; the reservation is always released. If a
// delivery exists the carrier must accept the cancel, otherwise the goods
// are already moving and the request is refused.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !Cancellable(order.Status) {
		return nil, ErrCannotCancel
	}
	if order.DeliveryID != "" {
		if err := s.carrier.CancelDelivery(ctx, order.DeliveryID); err != nil {
			if errors.Is(err, carrier.ErrCancelRejected) {
				return nil, ErrCannotCancel
			}
			return nil, err
		}
	}
	if err := s.refundIfPaid(ctx, order, "order cancelled"); err != nil {
		return nil, err
	}
	if err := s.stock.Unhold(ctx, order.ReservationIDs); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, order, StatusCancelled); err != nil {
		return nil, err
	}
	return order, nil
}

// refundIfPaid reverses a successful payment and records the REFUND_SUCCESS
// event. A payment that never succeeded needs no money movement.
func (s *Service) refundIfPaid(ctx context.Context, order *Order, reason string) error {
	payment, err := s.store.PaymentByOrder(ctx, order.ID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if payment.Status != PaymentSuccess {
		return nil
	}
	res, err := s.bank.Refund(ctx, payment.LedgerTxnID, reason)
	if err != nil {
		return err
	}
	if !res.Success {
		s.log.Errorw("refund rejected", "order", order.ID, "msg", res.Message)
		return errors.New("orders: refund rejected: " + res.Message)
	}
	now := time.Now().UTC()
	return s.store.WithinTx(ctx, func(st Store) error {
		payment.Status = PaymentRefunded
		payment.UpdatedAt = now
		if err := st.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		return s.appendEvent(ctx, st, order.ID, outbox.EventRefundSuccess, paymentPayload{OrderID: order.ID}, now)
	})
}

// HandleDeliveryUpdate translates a carrier webhook into order state.
// Duplicates are deduped upstream, but an out-of-order or replayed status
// that cannot transition is skipped rather than failed.
func (s *Service) HandleDeliveryUpdate(ctx context.Context, orderID, deliveryStatus string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	switch deliveryStatus {
	case "PICKED_UP":
		// order already SHIPPED, nothing to advance
		return nil
	case "DELIVERING":
		if !CanTransition(order.Status, StatusInTransit) {
			return nil
		}
		return s.transition(ctx, order, StatusInTransit)
	case "RECEIVED":
		if !CanTransition(order.Status, StatusDelivered) {
			return nil
		}
		if err := s.stock.RecordOut(ctx, order.ReservationIDs); err != nil {
			return err
		}
		return s.transition(ctx, order, StatusDelivered)
	case "LOST":
		if IsTerminal(order.Status) {
			return nil
		}
		// The goods are gone: spend the holds, give the money back.
		if err := s.stock.RecordOut(ctx, order.ReservationIDs); err != nil {
			return err
		}
		if err := s.refundIfPaid(ctx, order, "package lost in transit"); err != nil {
			return err
		}
		return s.transition(ctx, order, StatusCancelled)
	case "CANCELLED":
		if IsTerminal(order.Status) || order.Status == StatusCancelled {
			return nil
		}
		if err := s.refundIfPaid(ctx, order, "delivery cancelled"); err != nil {
			return err
		}
		if err := s.stock.Unhold(ctx, order.ReservationIDs); err != nil {
			return err
		}
		return s.transition(ctx, order, StatusCancelled)
	default:
		s.log.Warnw("unknown delivery status in webhook", "order", orderID, "status", deliveryStatus)
		return nil
	}
}

func (s *Service) transition(ctx context.Context, order *Order, to Status) error {
	if !CanTransition(order.Status, to) {
		s.log.Warnw("illegal order transition dropped", "order", order.ID, "from", order.Status, "to", to)
		return nil
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, order); err != nil {
		return err
	}
	s.log.Infow("order transition", "order", order.ID, "status", to)
	return nil
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/storefront-lab/fulfillment/internal/carrier"
	"github.com/storefront-lab/fulfillment/internal/ledger"
	"github.com/storefront-lab/fulfillment/internal/outbox"
	"github.com/storefront-lab/fulfillment/internal/warehouse"
)

// outboxMem backs both the orders store (Append side) and the relay
// (claim side), the way the shared table does in production.
type outboxMem struct {
	events map[string]*outbox.Event
}

func newOutboxMem() *outboxMem {
	return &outboxMem{events: make(map[string]*outbox.Event)}
}

func (m *outboxMem) Append(_ context.Context, e *outbox.Event) error {
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *outboxMem) WithinTx(_ context.Context, fn func(outbox.Store) error) error {
	return fn(m)
}

func (m *outboxMem) Pending(_ context.Context, maxRetries, limit int) ([]outbox.Event, error) {
	now := time.Now().UTC()
	var out []outbox.Event
	for _, e := range m.events {
		if e.Status == outbox.StatusPending && e.RetryCount < maxRetries && !e.CreatedAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *outboxMem) MarkProcessed(_ context.Context, id string) error {
	now := time.Now().UTC()
	m.events[id].Status = outbox.StatusProcessed
	m.events[id].ProcessedAt = &now
	return nil
}

func (m *outboxMem) IncrementRetry(_ context.Context, id string) error {
	m.events[id].RetryCount++
	return nil
}

func (m *outboxMem) MarkFailed(_ context.Context, id string) error {
	m.events[id].Status = outbox.StatusFailed
	return nil
}

type memStore struct {
	orders   map[string]*Order
	payments map[string]*Payment // by order id
	box      *outboxMem
}

func newMemStore(box *outboxMem) *memStore {
	return &memStore{
		orders:   make(map[string]*Order),
		payments: make(map[string]*Payment),
		box:      box,
	}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(Store) error) error { return fn(m) }

func (m *memStore) Insert(_ context.Context, o *Order) error {
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) Update(_ context.Context, o *Order) error {
	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) InsertPayment(_ context.Context, p *Payment) error {
	cp := *p
	m.payments[p.OrderID] = &cp
	return nil
}

func (m *memStore) PaymentByOrder(_ context.Context, orderID string) (*Payment, error) {
	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpdatePayment(_ context.Context, p *Payment) error {
	cp := *p
	m.payments[p.OrderID] = &cp
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, e *outbox.Event) error {
	return m.box.Append(ctx, e)
}

func (m *memStore) PendingPaymentBefore(_ context.Context, cutoff time.Time) ([]Order, error) {
	var out []Order
	for _, o := range m.orders {
		if o.Status == StatusPendingPayment && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakeStock struct {
	holdErr  error
	nextHold int
	held     map[string][]string // order -> hold ids
	unheld   [][]string
	out      [][]string
}

func newFakeStock() *fakeStock {
	return &fakeStock{held: make(map[string][]string)}
}

func (f *fakeStock) Hold(_ context.Context, productID, orderID string, qty int) ([]warehouse.Allocation, []string, error) {
	if f.holdErr != nil {
		return nil, nil, f.holdErr
	}
	f.nextHold++
	ids := []string{fmt.Sprintf("hold-%d", f.nextHold)}
	f.held[orderID] = ids
	return []warehouse.Allocation{{WarehouseID: "WH-1", Quantity: qty}}, ids, nil
}

func (f *fakeStock) Unhold(_ context.Context, holdIDs []string) error {
	f.unheld = append(f.unheld, holdIDs)
	return nil
}

func (f *fakeStock) RecordOut(_ context.Context, holdIDs []string) error {
	f.out = append(f.out, holdIDs)
	return nil
}

func (f *fakeStock) Movements(_ context.Context, orderID string) ([]warehouse.Movement, error) {
	var out []warehouse.Movement
	for _, id := range f.held[orderID] {
		out = append(out, warehouse.Movement{ID: id, WarehouseID: "WH-1", Type: warehouse.MovementHold, OrderID: orderID})
	}
	return out, nil
}

type fakeBank struct {
	transferOK    bool
	transferMsg   string
	transferCalls int
	refundCalls   int
	refundOK      bool
}

func (f *fakeBank) Transfer(_ context.Context, from, to string, amount decimal.Decimal, ref string) (ledger.TransferResult, error) {
	f.transferCalls++
	return ledger.TransferResult{Success: f.transferOK, TxnID: "txn-" + ref, Message: f.transferMsg}, nil
}

func (f *fakeBank) Refund(_ context.Context, originalTxnID, reason string) (ledger.RefundResult, error) {
	f.refundCalls++
	return ledger.RefundResult{Success: f.refundOK, RefundTxnID: "refund-" + originalTxnID}, nil
}

type fakeCarrier struct {
	createErr    error
	cancelErr    error
	createCalls  int
	cancelCalls  int
	lastCreate   carrier.CreateRequest
	nextDelivery int
}

func (f *fakeCarrier) CreateDelivery(_ context.Context, req carrier.CreateRequest) (string, error) {
	f.createCalls++
	f.lastCreate = req
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextDelivery++
	return fmt.Sprintf("dlv-%d", f.nextDelivery), nil
}

func (f *fakeCarrier) CancelDelivery(_ context.Context, deliveryID string) error {
	f.cancelCalls++
	return f.cancelErr
}

type fixture struct {
	svc     *Service
	relay   *outbox.Relay
	store   *memStore
	box     *outboxMem
	stock   *fakeStock
	bank    *fakeBank
	carrier *fakeCarrier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box := newOutboxMem()
	store := newMemStore(box)
	stock := newFakeStock()
	bank := &fakeBank{transferOK: true, refundOK: true}
	car := &fakeCarrier{}
	log := zap.NewNop().Sugar()
	svc := NewService(store, stock, bank, car, "ACC-STORE-001", "http://store/delivery-webhook", 0, log)
	relay := outbox.NewRelay(box, time.Second, 3, 100, log)
	svc.Register(relay)
	return &fixture{svc: svc, relay: relay, store: store, box: box, stock: stock, bank: bank, carrier: car}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		pending, _ := f.box.Pending(context.Background(), 3, 100)
		if len(pending) == 0 {
			return
		}
		if err := f.relay.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("relay: %v", err)
		}
	}
	t.Fatal("outbox never drained")
}

func place(t *testing.T, f *fixture) *Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserName:     "alice",
		Email:        "alice@example.com",
		BuyerAccount: "ACC-1001",
		ProductID:    "SKU-KB-01",
		ProductName:  "Mechanical Keyboard",
		Quantity:     2,
		Amount:       decimal.NewFromInt(240),
		Address:      "1 Main St",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return o
}

func TestPlaceOrderWritesOutboxAtomically(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)

	if o.Status != StatusPendingPayment {
		t.Fatalf("status = %s, want PENDING_PAYMENT", o.Status)
	}
	if len(o.ReservationIDs) == 0 {
		t.Fatal("reservation ids not recorded on the order")
	}
	p, err := f.store.PaymentByOrder(context.Background(), o.ID)
	if err != nil || p.Status != PaymentPending {
		t.Fatalf("payment = %+v, %v", p, err)
	}
	pending, _ := f.box.Pending(context.Background(), 3, 100)
	if len(pending) != 1 || pending[0].EventType != outbox.EventPaymentPending {
		t.Fatalf("outbox = %+v, want one PAYMENT_PENDING", pending)
	}
}

func TestPlaceOrderInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.stock.holdErr = fmt.Errorf("%w: short", warehouse.ErrInsufficientStock)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		BuyerAccount: "ACC-1001", ProductID: "SKU-KB-01", Quantity: 99,
		Amount: decimal.NewFromInt(1),
	})
	if !errors.Is(err, warehouse.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if len(f.store.orders) != 0 {
		t.Fatal("order persisted despite failed hold")
	}
}

func TestSagaHappyPathEndsShipped(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)

	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusShipped {
		t.Fatalf("status = %s, want SHIPPED", got.Status)
	}
	if got.DeliveryID == "" {
		t.Fatal("delivery id not recorded")
	}
	if f.bank.transferCalls != 1 {
		t.Fatalf("transfer calls = %d, want 1", f.bank.transferCalls)
	}
	if f.carrier.createCalls != 1 {
		t.Fatalf("create delivery calls = %d, want 1", f.carrier.createCalls)
	}
	if f.carrier.lastCreate.NotificationURL != "http://store/delivery-webhook" {
		t.Fatalf("notification url = %q", f.carrier.lastCreate.NotificationURL)
	}
	if len(f.carrier.lastCreate.FromAddresses) != 1 || f.carrier.lastCreate.FromAddresses[0] != "WH-1" {
		t.Fatalf("pickup manifest = %v, want [WH-1]", f.carrier.lastCreate.FromAddresses)
	}
	p, _ := f.store.PaymentByOrder(context.Background(), o.ID)
	if p.Status != PaymentSuccess || p.LedgerTxnID == "" {
		t.Fatalf("payment = %+v", p)
	}
}

func TestPaymentSuccessReplayCreatesNoSecondDelivery(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)

	err := f.svc.HandlePaymentSuccess(context.Background(), outbox.Event{OrderID: o.ID})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if f.carrier.createCalls != 1 {
		t.Fatalf("replay created another delivery: %d calls", f.carrier.createCalls)
	}
}

func TestPaymentFailureReleasesStockAndCancels(t *testing.T) {
	f := newFixture(t)
	f.bank.transferOK = false
	f.bank.transferMsg = "insufficient balance"
	o := place(t, f)
	f.drain(t)

	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}
	p, _ := f.store.PaymentByOrder(context.Background(), o.ID)
	if p.Status != PaymentFailed || p.ErrorMessage != "insufficient balance" {
		t.Fatalf("payment = %+v", p)
	}
	if f.carrier.createCalls != 0 {
		t.Fatal("delivery created for a failed payment")
	}
}

func TestCancelAfterPaymentRefunds(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if f.carrier.cancelCalls != 1 {
		t.Fatalf("carrier cancel calls = %d, want 1", f.carrier.cancelCalls)
	}
	if f.bank.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", f.bank.refundCalls)
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}

	// the REFUND_SUCCESS event finishes the order off
	f.drain(t)
	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", got.Status)
	}
	p, _ := f.store.PaymentByOrder(context.Background(), o.ID)
	if p.Status != PaymentRefunded {
		t.Fatalf("payment = %+v", p)
	}
}

func TestCancelBeforePaymentOnlyUnholds(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	// no drain: payment still pending

	cancelled, err := f.svc.Cancel(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if f.bank.refundCalls != 0 {
		t.Fatal("refund called for an unpaid order")
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	stored := f.store.orders[o.ID]
	stored.Status = StatusDelivered

	_, err := f.svc.Cancel(context.Background(), o.ID)
	if !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("err = %v, want ErrCannotCancel", err)
	}
}

func TestCancelRejectedWhenCarrierRefuses(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)
	f.carrier.cancelErr = carrier.ErrCancelRejected

	_, err := f.svc.Cancel(context.Background(), o.ID)
	if !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("err = %v, want ErrCannotCancel", err)
	}
	if f.bank.refundCalls != 0 {
		t.Fatal("refunded even though the carrier kept the delivery")
	}
}

func TestDeliveryFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.carrier.createErr = errors.New("carrier down")
	o := place(t, f)
	f.drain(t)

	// the compensation lands on CANCELLED_SYSTEM, then the refund event
	// finishes the order off as REFUNDED
	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", got.Status)
	}
	if f.bank.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", f.bank.refundCalls)
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}
	if f.carrier.createCalls != 1 {
		t.Fatalf("create delivery calls = %d, want 1", f.carrier.createCalls)
	}
}

func TestWebhookTransitionsOrder(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)
	ctx := context.Background()

	if err := f.svc.HandleDeliveryUpdate(ctx, o.ID, "PICKED_UP"); err != nil {
		t.Fatalf("picked up: %v", err)
	}
	got, _ := f.store.Get(ctx, o.ID)
	if got.Status != StatusShipped {
		t.Fatalf("status after PICKED_UP = %s, want SHIPPED", got.Status)
	}

	if err := f.svc.HandleDeliveryUpdate(ctx, o.ID, "DELIVERING"); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	got, _ = f.store.Get(ctx, o.ID)
	if got.Status != StatusInTransit {
		t.Fatalf("status = %s, want IN_TRANSIT", got.Status)
	}

	if err := f.svc.HandleDeliveryUpdate(ctx, o.ID, "RECEIVED"); err != nil {
		t.Fatalf("received: %v", err)
	}
	got, _ = f.store.Get(ctx, o.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", got.Status)
	}
	if len(f.stock.out) != 1 {
		t.Fatalf("record-out calls = %d, want 1", len(f.stock.out))
	}

	// a replayed RECEIVED is a no-op
	if err := f.svc.HandleDeliveryUpdate(ctx, o.ID, "RECEIVED"); err != nil {
		t.Fatalf("received replay: %v", err)
	}
	if len(f.stock.out) != 1 {
		t.Fatal("replayed webhook recorded stock out twice")
	}
}

func TestLostPackageRefundsBuyer(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	f.drain(t)
	ctx := context.Background()

	if err := f.svc.HandleDeliveryUpdate(ctx, o.ID, "LOST"); err != nil {
		t.Fatalf("lost: %v", err)
	}
	got, _ := f.store.Get(ctx, o.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if f.bank.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", f.bank.refundCalls)
	}
	if len(f.stock.out) != 1 {
		t.Fatalf("record-out calls = %d, want 1 (lost goods leave stock)", len(f.stock.out))
	}
	if len(f.stock.unheld) != 0 {
		t.Fatal("lost goods must not return to stock")
	}
}

func TestReaperCancelsStaleUnpaidOrders(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	stored := f.store.orders[o.ID]
	stored.CreatedAt = time.Now().UTC().Add(-20 * time.Minute)

	reaper := NewReaper(f.store, f.svc, time.Minute, 15*time.Minute, zap.NewNop().Sugar())
	if err := reaper.ReapOnce(context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}

	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusCancelledSystem {
		t.Fatalf("status = %s, want CANCELLED_SYSTEM", got.Status)
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}
	if f.bank.refundCalls != 0 {
		t.Fatal("nothing was captured, nothing to refund")
	}
	p, _ := f.store.PaymentByOrder(context.Background(), o.ID)
	if p.Status != PaymentFailed {
		t.Fatalf("payment = %+v, want FAILED", p)
	}
}

func TestReaperRefundsCapturedPayment(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)
	ctx := context.Background()

	// process only PAYMENT_PENDING: the ledger commits the SUCCESS payment
	// but the PAYMENT_SUCCESS event sits unpolled, the order still
	// PENDING_PAYMENT — the state a relay outage leaves behind
	if err := f.relay.ProcessOnce(ctx); err != nil {
		t.Fatalf("relay: %v", err)
	}
	p, _ := f.store.PaymentByOrder(ctx, o.ID)
	if p.Status != PaymentSuccess {
		t.Fatalf("setup: payment = %s, want SUCCESS", p.Status)
	}
	got, _ := f.store.Get(ctx, o.ID)
	if got.Status != StatusPendingPayment {
		t.Fatalf("setup: order = %s, want PENDING_PAYMENT", got.Status)
	}

	f.store.orders[o.ID].CreatedAt = time.Now().UTC().Add(-20 * time.Minute)
	reaper := NewReaper(f.store, f.svc, time.Minute, 15*time.Minute, zap.NewNop().Sugar())
	if err := reaper.ReapOnce(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	if f.bank.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1 (captured money must go back)", f.bank.refundCalls)
	}
	p, _ = f.store.PaymentByOrder(ctx, o.ID)
	if p.Status != PaymentRefunded {
		t.Fatalf("payment = %s, want REFUNDED", p.Status)
	}
	got, _ = f.store.Get(ctx, o.ID)
	if got.Status != StatusCancelledSystem {
		t.Fatalf("status = %s, want CANCELLED_SYSTEM", got.Status)
	}
	if len(f.stock.unheld) != 1 {
		t.Fatalf("unhold calls = %d, want 1", len(f.stock.unheld))
	}

	// the stale PAYMENT_SUCCESS event must not resurrect the order, and
	// the refund event finishes it off
	f.drain(t)
	got, _ = f.store.Get(ctx, o.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status after drain = %s, want REFUNDED", got.Status)
	}
	if f.carrier.createCalls != 0 {
		t.Fatal("reaped order still shipped")
	}
}

func TestReaperLeavesFreshOrdersAlone(t *testing.T) {
	f := newFixture(t)
	o := place(t, f)

	reaper := NewReaper(f.store, f.svc, time.Minute, 15*time.Minute, zap.NewNop().Sugar())
	if err := reaper.ReapOnce(context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}
	got, _ := f.store.Get(context.Background(), o.ID)
	if got.Status != StatusPendingPayment {
		t.Fatalf("fresh order reaped: %s", got.Status)
	}
}

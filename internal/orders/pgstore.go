package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront-lab/fulfillment/internal/outbox"
)

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGStore struct {
	pool *pgxpool.Pool
	q    queryer
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, q: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// already transactional
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&PGStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Insert(ctx context.Context, o *Order) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO orders(id, user_name, email, buyer_account, product_id, product_name,
		                   quantity, amount, address, status, reservation_ids, delivery_id,
		                   created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13,$14)`,
		o.ID, o.UserName, o.Email, o.BuyerAccount, o.ProductID, o.ProductName,
		o.Quantity, o.Amount, o.Address, o.Status, o.ReservationIDs, o.DeliveryID,
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.q.QueryRow(ctx, `
		SELECT id, user_name, email, buyer_account, product_id, product_name,
		       quantity, amount, address, status, reservation_ids, COALESCE(delivery_id,''),
		       created_at, updated_at
		FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.UserName, &o.Email, &o.BuyerAccount, &o.ProductID, &o.ProductName,
			&o.Quantity, &o.Amount, &o.Address, &o.Status, &o.ReservationIDs, &o.DeliveryID,
			&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) Update(ctx context.Context, o *Order) error {
	_, err := s.q.Exec(ctx, `
		UPDATE orders SET status=$2, reservation_ids=$3, delivery_id=NULLIF($4,''), updated_at=$5
		WHERE id=$1`,
		o.ID, o.Status, o.ReservationIDs, o.DeliveryID, o.UpdatedAt)
	return err
}

func (s *PGStore) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payments(id, order_id, amount, status, ledger_txn_id, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8)`,
		p.ID, p.OrderID, p.Amount, p.Status, p.LedgerTxnID, p.ErrorMessage, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PGStore) PaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	err := s.q.QueryRow(ctx, `
		SELECT id, order_id, amount, status, COALESCE(ledger_txn_id,''), COALESCE(error_message,''),
		       created_at, updated_at
		FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.ID, &p.OrderID, &p.Amount, &p.Status, &p.LedgerTxnID, &p.ErrorMessage,
			&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) UpdatePayment(ctx context.Context, p *Payment) error {
	_, err := s.q.Exec(ctx, `
		UPDATE payments SET status=$2, ledger_txn_id=NULLIF($3,''), error_message=NULLIF($4,''), updated_at=$5
		WHERE id=$1`,
		p.ID, p.Status, p.LedgerTxnID, p.ErrorMessage, p.UpdatedAt)
	return err
}

func (s *PGStore) AppendEvent(ctx context.Context, e *outbox.Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO outbox_events(id, order_id, event_type, payload, status, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.OrderID, e.EventType, e.Payload, e.Status, e.RetryCount, e.CreatedAt)
	return err
}

func (s *PGStore) PendingPaymentBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_name, email, buyer_account, product_id, product_name,
		       quantity, amount, address, status, reservation_ids, COALESCE(delivery_id,''),
		       created_at, updated_at
		FROM orders WHERE status='PENDING_PAYMENT' AND created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserName, &o.Email, &o.BuyerAccount, &o.ProductID, &o.ProductName,
			&o.Quantity, &o.Amount, &o.Address, &o.Status, &o.ReservationIDs, &o.DeliveryID,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

package delivery

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, d *Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries(id, order_id, status, version, email, user_name, to_address,
		                       from_addresses, product_name, quantity, notify_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.OrderID, d.Status, d.Version, d.Email, d.UserName, d.ToAddress,
		d.FromAddresses, d.ProductName, d.Quantity, d.NotifyURL, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Delivery, error) {
	return s.scan(ctx, `WHERE id=$1`, id)
}

func (s *PGStore) ByOrderID(ctx context.Context, orderID string) (*Delivery, error) {
	return s.scan(ctx, `WHERE order_id=$1`, orderID)
}

func (s *PGStore) scan(ctx context.Context, where string, arg any) (*Delivery, error) {
	var d Delivery
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, status, version, email, user_name, to_address,
		       from_addresses, product_name, quantity, notify_url, created_at, updated_at
		FROM deliveries `+where, arg).
		Scan(&d.ID, &d.OrderID, &d.Status, &d.Version, &d.Email, &d.UserName, &d.ToAddress,
			&d.FromAddresses, &d.ProductName, &d.Quantity, &d.NotifyURL, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGStore) Update(ctx context.Context, d *Delivery, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET status=$2, version=version+1, updated_at=$3
		WHERE id=$1 AND version=$4`,
		d.ID, d.Status, d.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

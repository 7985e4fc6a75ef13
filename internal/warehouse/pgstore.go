package warehouse

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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

func (s *PGStore) StocksForProduct(ctx context.Context, productID string) ([]Stock, error) {
	rows, err := s.q.Query(ctx, `
		SELECT warehouse_id, product_id, quantity, version
		FROM warehouse_stock
		WHERE product_id=$1
		ORDER BY quantity DESC, warehouse_id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stock
	for rows.Next() {
		var st Stock
		if err := rows.Scan(&st.WarehouseID, &st.ProductID, &st.Quantity, &st.Version); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) StockAt(ctx context.Context, warehouseID, productID string) (*Stock, error) {
	var st Stock
	err := s.q.QueryRow(ctx, `
		SELECT warehouse_id, product_id, quantity, version
		FROM warehouse_stock WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID).
		Scan(&st.WarehouseID, &st.ProductID, &st.Quantity, &st.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PGStore) UpdateStock(ctx context.Context, st *Stock, expectedVersion int) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE warehouse_stock SET quantity=$3, version=version+1
		WHERE warehouse_id=$1 AND product_id=$2 AND version=$4`,
		st.WarehouseID, st.ProductID, st.Quantity, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	st.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) InsertMovement(ctx context.Context, m *Movement) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO stock_movements(id, product_id, warehouse_id, quantity, type, order_id, ref_id, at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8)`,
		m.ID, m.ProductID, m.WarehouseID, m.Quantity, m.Type, m.OrderID, m.RefID, m.At)
	return err
}

func (s *PGStore) MovementByID(ctx context.Context, id string) (*Movement, error) {
	var m Movement
	err := s.q.QueryRow(ctx, `
		SELECT id, product_id, warehouse_id, quantity, type, COALESCE(order_id,''), COALESCE(ref_id,''), at
		FROM stock_movements WHERE id=$1`, id).
		Scan(&m.ID, &m.ProductID, &m.WarehouseID, &m.Quantity, &m.Type, &m.OrderID, &m.RefID, &m.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PGStore) MovementsByOrder(ctx context.Context, orderID string) ([]Movement, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, product_id, warehouse_id, quantity, type, COALESCE(order_id,''), COALESCE(ref_id,''), at
		FROM stock_movements WHERE order_id=$1 ORDER BY at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.WarehouseID, &m.Quantity, &m.Type, &m.OrderID, &m.RefID, &m.At); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) HoldReleased(ctx context.Context, holdID string) (bool, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE ref_id=$1`, holdID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

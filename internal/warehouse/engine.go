package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine allocates stock across warehouses and keeps the movement audit
// trail that cancellation and shipping compensate through.
type Engine struct {
	store Store
	log   *zap.SugaredLogger
}

func NewEngine(store Store, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, log: log}
}

// Hold reserves qty units of a product for an order, splitting greedily
// across warehouses starting from the one holding the most. Stock rows are
// decremented immediately and a HOLD movement is written per warehouse; the
// returned ids are the reservation handles Unhold and RecordOut take.
//
// The aggregate check runs before any write: if the network cannot cover
// qty, nothing is touched. All writes share one transaction, so a version
// conflict on any row aborts the whole hold.
func (e *Engine) Hold(ctx context.Context, productID, orderID string, qty int) ([]Allocation, []string, error) {
	if qty <= 0 {
		return nil, nil, fmt.Errorf("warehouse: hold quantity must be positive, got %d", qty)
	}
	var (
		allocs  []Allocation
		holdIDs []string
	)
	err := e.store.WithinTx(ctx, func(st Store) error {
		stocks, err := st.StocksForProduct(ctx, productID)
		if err != nil {
			return err
		}
		total := 0
		for _, s := range stocks {
			total += s.Quantity
		}
		if total < qty {
			return fmt.Errorf("%w: product %s needs %d, available %d", ErrInsufficientStock, productID, qty, total)
		}

		remaining := qty
		for _, s := range stocks {
			if remaining == 0 {
				break
			}
			take := s.Quantity
			if take > remaining {
				take = remaining
			}
			if take == 0 {
				continue
			}
			updated := s
			updated.Quantity -= take
			if err := st.UpdateStock(ctx, &updated, s.Version); err != nil {
				return err
			}
			m := &Movement{
				ID:          uuid.NewString(),
				ProductID:   productID,
				WarehouseID: s.WarehouseID,
				Quantity:    take,
				Type:        MovementHold,
				OrderID:     orderID,
				At:          time.Now().UTC(),
			}
			if err := st.InsertMovement(ctx, m); err != nil {
				return err
			}
			allocs = append(allocs, Allocation{WarehouseID: s.WarehouseID, Quantity: take})
			holdIDs = append(holdIDs, m.ID)
			remaining -= take
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Infow("stock held", "product", productID, "order", orderID, "qty", qty, "splits", len(allocs))
	return allocs, holdIDs, nil
}

// Unhold returns held units to their warehouses. Unknown ids and holds that
// were already released (unheld or shipped) are skipped, so replaying a
// compensation is harmless.
func (e *Engine) Unhold(ctx context.Context, holdIDs []string) error {
	return e.store.WithinTx(ctx, func(st Store) error {
		for _, id := range holdIDs {
			hold, err := st.MovementByID(ctx, id)
			if err != nil {
				if errors.Is(err, ErrStockNotFound) {
					e.log.Warnw("unhold skipping unknown hold", "hold", id)
					continue
				}
				return err
			}
			if hold.Type != MovementHold {
				continue
			}
			released, err := st.HoldReleased(ctx, id)
			if err != nil {
				return err
			}
			if released {
				continue
			}
			stock, err := st.StockAt(ctx, hold.WarehouseID, hold.ProductID)
			if err != nil {
				return err
			}
			updated := *stock
			updated.Quantity += hold.Quantity
			if err := st.UpdateStock(ctx, &updated, stock.Version); err != nil {
				return err
			}
			m := &Movement{
				ID:          uuid.NewString(),
				ProductID:   hold.ProductID,
				WarehouseID: hold.WarehouseID,
				Quantity:    hold.Quantity,
				Type:        MovementUnhold,
				OrderID:     hold.OrderID,
				RefID:       id,
				At:          time.Now().UTC(),
			}
			if err := st.InsertMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordOut marks held units as shipped. Stock was already decremented at
// hold time, so this only appends OUT rows, which also spends the holds so
// a late Unhold cannot resurrect the units.
func (e *Engine) RecordOut(ctx context.Context, holdIDs []string) error {
	return e.store.WithinTx(ctx, func(st Store) error {
		for _, id := range holdIDs {
			hold, err := st.MovementByID(ctx, id)
			if err != nil {
				if errors.Is(err, ErrStockNotFound) {
					continue
				}
				return err
			}
			if hold.Type != MovementHold {
				continue
			}
			released, err := st.HoldReleased(ctx, id)
			if err != nil {
				return err
			}
			if released {
				continue
			}
			m := &Movement{
				ID:          uuid.NewString(),
				ProductID:   hold.ProductID,
				WarehouseID: hold.WarehouseID,
				Quantity:    hold.Quantity,
				Type:        MovementOut,
				OrderID:     hold.OrderID,
				RefID:       id,
				At:          time.Now().UTC(),
			}
			if err := st.InsertMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restock receives qty units into a warehouse and writes the IN audit row.
func (e *Engine) Restock(ctx context.Context, warehouseID, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("warehouse: restock quantity must be positive, got %d", qty)
	}
	return e.store.WithinTx(ctx, func(st Store) error {
		stock, err := st.StockAt(ctx, warehouseID, productID)
		if err != nil {
			return err
		}
		updated := *stock
		updated.Quantity += qty
		if err := st.UpdateStock(ctx, &updated, stock.Version); err != nil {
			return err
		}
		return st.InsertMovement(ctx, &Movement{
			ID:          uuid.NewString(),
			ProductID:   productID,
			WarehouseID: warehouseID,
			Quantity:    qty,
			Type:        MovementIn,
			At:          time.Now().UTC(),
		})
	})
}

// Movements returns the audit trail for one order, oldest first.
func (e *Engine) Movements(ctx context.Context, orderID string) ([]Movement, error) {
	return e.store.MovementsByOrder(ctx, orderID)
}

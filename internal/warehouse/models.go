package warehouse

import (
	"context"
	"errors"
	"time"
)

type MovementType string

const (
	MovementHold   MovementType = "HOLD"
	MovementUnhold MovementType = "UNHOLD"
	MovementOut    MovementType = "OUT"
	MovementIn     MovementType = "IN"
)

type Warehouse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Stock carries a version column; every mutation goes through a
// compare-and-swap on it so two writers cannot both spend the same units.
type Stock struct {
	WarehouseID string `json:"warehouse_id"`
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	Version     int    `json:"version"`
}

// Movement is an append-only audit row. HOLD rows double as reservations:
// compensating operations reference them through RefID, and a HOLD with any
// referencing row (UNHOLD or OUT) is spent.
type Movement struct {
	ID          string       `json:"id"`
	ProductID   string       `json:"product_id"`
	WarehouseID string       `json:"warehouse_id"`
	Quantity    int          `json:"quantity"`
	Type        MovementType `json:"type"`
	OrderID     string       `json:"order_id,omitempty"`
	RefID       string       `json:"ref_id,omitempty"`
	At          time.Time    `json:"at"`
}

// Allocation reports how a hold was split across warehouses.
type Allocation struct {
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

var (
	ErrInsufficientStock = errors.New("warehouse: insufficient stock")
	ErrVersionConflict   = errors.New("warehouse: version conflict")
	ErrStockNotFound     = errors.New("warehouse: stock not found")
)

type Store interface {
	WithinTx(ctx context.Context, fn func(Store) error) error
	// StocksForProduct returns rows ordered by quantity descending.
	StocksForProduct(ctx context.Context, productID string) ([]Stock, error)
	StockAt(ctx context.Context, warehouseID, productID string) (*Stock, error)
	// UpdateStock applies the new quantity only if the row still carries
	// expectedVersion, bumping the version on success.
	UpdateStock(ctx context.Context, s *Stock, expectedVersion int) error
	InsertMovement(ctx context.Context, m *Movement) error
	MovementByID(ctx context.Context, id string) (*Movement, error)
	MovementsByOrder(ctx context.Context, orderID string) ([]Movement, error)
	// HoldReleased reports whether any movement references holdID.
	HoldReleased(ctx context.Context, holdID string) (bool, error)
}

/*
store.go - Persistence contract for the fulfillment engine

PURPOSE:
  Every engine operation touches several entities (batch decrement + debt
  upsert, status change + log append, allocation + order item update).
  The Store exposes exactly one way to write: WithTx. All writes inside fn
  commit together or none do.

OPTIMISTIC CONCURRENCY:
  StockBatch, Order and both debt types carry a Version. Update* methods
  only succeed when the stored version equals the one passed in, and bump
  it. A mismatch returns ErrConcurrentModification, which callers retry
  through Retry (retry.go).

APPEND-ONLY DATA:
  - OrderStatusLog: AppendStatusLog only, never updated or deleted
  - StockBatch: inserted and updated, never deleted
  - Idempotency keys: ClaimKey only

IMPLEMENTATIONS:
  - core/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite with version-guarded UPDATEs

SEE ALSO:
  - retry.go: RunTx combines WithTx with bounded retry
*/
package core

import "context"

// Store runs fn inside a transaction. If fn returns an error nothing is written.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view handed to WithTx callbacks.
// Get* methods return a NotFoundError (ErrNotFound) when the entity is absent.
type Tx interface {
	// Catalog
	PutVehicle(ctx context.Context, v Vehicle) error
	GetVehicle(ctx context.Context, id VehicleID) (*Vehicle, error)
	ListVehicles(ctx context.Context) ([]Vehicle, error)

	// Stock batches. ListBatches returns FIFO order (ReceivedAt, Seq).
	InsertBatch(ctx context.Context, b *StockBatch) error
	GetBatch(ctx context.Context, id BatchID) (*StockBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]StockBatch, error)
	UpdateBatch(ctx context.Context, b *StockBatch) error

	// Orders
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, dealershipID DealershipID) ([]Order, error)

	// Status log (append-only)
	AppendStatusLog(ctx context.Context, entry OrderStatusLog) error
	ListStatusLogs(ctx context.Context, orderID OrderID) ([]OrderStatusLog, error)

	// Customer debts: one per order
	InsertCustomerDebt(ctx context.Context, d *CustomerDebt) error
	GetCustomerDebtByOrder(ctx context.Context, orderID OrderID) (*CustomerDebt, error)
	UpdateCustomerDebt(ctx context.Context, d *CustomerDebt) error
	ListCustomerDebts(ctx context.Context, customerID CustomerID) ([]CustomerDebt, error)

	// Dealer debts: one per (dealership, manufacturer)
	InsertDealerDebt(ctx context.Context, d *DealerDebt) error
	GetDealerDebt(ctx context.Context, dealershipID DealershipID, manufacturerID ManufacturerID) (*DealerDebt, error)
	UpdateDealerDebt(ctx context.Context, d *DealerDebt) error
	ListDealerDebts(ctx context.Context, dealershipID DealershipID) ([]DealerDebt, error)

	// Order requests
	InsertOrderRequest(ctx context.Context, r *OrderRequest) error
	GetOrderRequest(ctx context.Context, id RequestID) (*OrderRequest, error)
	UpdateOrderRequest(ctx context.Context, r *OrderRequest) error
	ListOrderRequests(ctx context.Context, orderID OrderID, status RequestStatus) ([]OrderRequest, error)

	// Request vehicles
	InsertRequestVehicle(ctx context.Context, rv *RequestVehicle) error
	GetRequestVehicle(ctx context.Context, id RequestVehicleID) (*RequestVehicle, error)
	UpdateRequestVehicle(ctx context.Context, rv *RequestVehicle) error
	ListRequestVehicles(ctx context.Context, filter RequestVehicleFilter) ([]RequestVehicle, error)

	// ClaimKey records an idempotency key. Returns ErrDuplicateIdempotencyKey
	// if the key was claimed before.
	ClaimKey(ctx context.Context, key string) error
	KeyClaimed(ctx context.Context, key string) (bool, error)
}

/*
Package sqlite provides a SQLite-backed core.Store.

PURPOSE:
  Persists the catalog, stock batches, orders, debts and requests behind
  the same core.Tx contract as the in-memory store. In production the same
  statements run on PostgreSQL with minor dialect changes.

KEY TABLES:
  vehicles:           catalog (price, distribution price)
  stock_batches:      FIFO batches, never deleted
  orders:             items and notes as JSON columns
  order_status_logs:  append-only transition log
  customer_debts:     one row per order
  dealer_debts:       one row per (dealership, manufacturer), obligations and
                      settlements as JSON columns
  order_requests:     dealer-internal resupply requests
  request_vehicles:   manufacturer-facing per-item requests
  idempotency_keys:   claimed operation keys

OPTIMISTIC CONCURRENCY:
  Versioned rows are updated with "WHERE id = ? AND version = ?". Zero rows
  affected means someone else wrote first: ErrConcurrentModification.

CONCURRENCY:
  Serializes transactions with a sync.Mutex. SQLite allows one writer anyway;
  the mutex keeps "database is locked" out of the error path.

WAL MODE:
  Opened with WAL so readers never block the writer.

USAGE:
  store, err := sqlite.New("./data/ev-sales.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - core/store.go: the Store / Tx contract
  - core/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/ev-sales-engine/core"
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"idempotency_keys", "request_vehicles", "order_requests", "dealer_debts",
		"customer_debts", "order_status_logs", "orders", "stock_batches", "vehicles",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		manufacturer_id TEXT NOT NULL,
		model TEXT NOT NULL,
		price TEXT NOT NULL,
		distribution_price TEXT NOT NULL
	);

	-- Stock batches (never deleted)
	CREATE TABLE IF NOT EXISTS stock_batches (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		vehicle_id TEXT NOT NULL,
		color TEXT NOT NULL,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		remaining_quantity INTEGER NOT NULL,
		received_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		CHECK (remaining_quantity >= 0 AND remaining_quantity <= quantity)
	);

	-- FIFO hot path
	CREATE INDEX IF NOT EXISTS idx_batches_fifo
		ON stock_batches(vehicle_id, owner_type, owner_id, color, received_at, seq);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		dealership_id TEXT NOT NULL,
		items_json TEXT NOT NULL,
		final_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		request_id TEXT,
		notes_json TEXT,
		stock_reversed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_orders_dealership ON orders(dealership_id);

	-- Status log (append-only)
	CREATE TABLE IF NOT EXISTS order_status_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL,
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		changed_by TEXT,
		reason TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_logs_order ON order_status_logs(order_id, seq);

	CREATE TABLE IF NOT EXISTS customer_debts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		order_id TEXT NOT NULL UNIQUE,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		void BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_customer_debts_customer ON customer_debts(customer_id);

	-- CRITICAL: one aggregated debt per (dealership, manufacturer)
	CREATE TABLE IF NOT EXISTS dealer_debts (
		id TEXT PRIMARY KEY,
		dealership_id TEXT NOT NULL,
		manufacturer_id TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		obligations_json TEXT NOT NULL,
		settled_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE(dealership_id, manufacturer_id)
	);

	CREATE TABLE IF NOT EXISTS order_requests (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		dealership_id TEXT NOT NULL,
		order_id TEXT,
		items_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_by TEXT,
		decided_by TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_requests_order ON order_requests(order_id, status);

	-- At most one pending request per order
	CREATE UNIQUE INDEX IF NOT EXISTS idx_order_requests_one_pending
		ON order_requests(order_id)
		WHERE status = 'pending' AND order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS request_vehicles (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		dealership_id TEXT NOT NULL,
		manufacturer_id TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		color TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reason TEXT,
		batch_id TEXT,
		distributed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_request_vehicles_request ON request_vehicles(request_id);
	CREATE INDEX IF NOT EXISTS idx_request_vehicles_dealer
		ON request_vehicles(dealership_id, vehicle_id, color, status);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (core.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// CATALOG
// =============================================================================

func (t *txStore) PutVehicle(ctx context.Context, v core.Vehicle) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vehicles (id, manufacturer_id, model, price, distribution_price)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manufacturer_id = excluded.manufacturer_id,
			model = excluded.model,
			price = excluded.price,
			distribution_price = excluded.distribution_price
	`, v.ID, v.ManufacturerID, v.Model, v.Price.String(), v.DistributionPrice.String())
	if err != nil {
		return fmt.Errorf("failed to save vehicle: %w", err)
	}
	return nil
}

func (t *txStore) GetVehicle(ctx context.Context, id core.VehicleID) (*core.Vehicle, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, manufacturer_id, model, price, distribution_price FROM vehicles WHERE id = ?`, id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("vehicle", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return &v, nil
}

func (t *txStore) ListVehicles(ctx context.Context) ([]core.Vehicle, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, manufacturer_id, model, price, distribution_price FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	defer rows.Close()

	var out []core.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Decimal columns are TEXT; decimal.Decimal scans them directly.
func scanVehicle(r scanner) (core.Vehicle, error) {
	var v core.Vehicle
	err := r.Scan(&v.ID, &v.ManufacturerID, &v.Model, &v.Price, &v.DistributionPrice)
	return v, err
}

// =============================================================================
// STOCK BATCHES
// =============================================================================

const batchColumns = `seq, id, vehicle_id, color, owner_type, owner_id, quantity, remaining_quantity, received_at, version`

func (t *txStore) InsertBatch(ctx context.Context, b *core.StockBatch) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_batches
		(id, vehicle_id, color, owner_type, owner_id, quantity, remaining_quantity, received_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, b.ID, b.VehicleID, b.Color, b.Owner.Type, b.Owner.ID, b.Quantity, b.RemainingQuantity, formatTime(b.ReceivedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.Seq = seq
	b.Version = 1
	return nil
}

func (t *txStore) GetBatch(ctx context.Context, id core.BatchID) (*core.StockBatch, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("batch", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

func (t *txStore) ListBatches(ctx context.Context, f core.BatchFilter) ([]core.StockBatch, error) {
	var where []string
	var args []any
	if f.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.Color != "" {
		where = append(where, "color = ?")
		args = append(args, f.Color)
	}
	if f.Owner != nil {
		where = append(where, "owner_type = ? AND owner_id = ?")
		args = append(args, f.Owner.Type, f.Owner.ID)
	}

	query := `SELECT ` + batchColumns + ` FROM stock_batches` + whereClause(where) + ` ORDER BY received_at ASC, seq ASC`
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []core.StockBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txStore) UpdateBatch(ctx context.Context, b *core.StockBatch) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_batches SET remaining_quantity = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, b.RemainingQuantity, b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "stock_batches", string(b.ID), "batch"); err != nil {
		return err
	}
	b.Version++
	return nil
}

func scanBatch(r scanner) (core.StockBatch, error) {
	var b core.StockBatch
	var receivedAt string
	err := r.Scan(&b.Seq, &b.ID, &b.VehicleID, &b.Color, &b.Owner.Type, &b.Owner.ID,
		&b.Quantity, &b.RemainingQuantity, &receivedAt, &b.Version)
	if err != nil {
		return b, err
	}
	b.ReceivedAt, err = parseTime(receivedAt)
	return b, err
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, code, customer_id, dealership_id, items_json, final_amount, paid_amount, status,
	request_id, notes_json, stock_reversed, created_at, updated_at, version`

func (t *txStore) InsertOrder(ctx context.Context, o *core.Order) error {
	itemsJSON, notesJSON, err := orderJSON(o)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, o.ID, o.Code, o.CustomerID, o.DealershipID, itemsJSON, o.FinalAmount.String(), o.PaidAmount.String(),
		o.Status, nullString(string(o.RequestID)), notesJSON, o.StockReversed,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.Version = 1
	return nil
}

func (t *txStore) GetOrder(ctx context.Context, id core.OrderID) (*core.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("order", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

func (t *txStore) UpdateOrder(ctx context.Context, o *core.Order) error {
	itemsJSON, notesJSON, err := orderJSON(o)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			items_json = ?, final_amount = ?, paid_amount = ?, status = ?, request_id = ?,
			notes_json = ?, stock_reversed = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, itemsJSON, o.FinalAmount.String(), o.PaidAmount.String(), o.Status, nullString(string(o.RequestID)),
		notesJSON, o.StockReversed, formatTime(o.UpdatedAt), o.ID, o.Version)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if err := t.checkVersioned(ctx, res, "orders", string(o.ID), "order"); err != nil {
		return err
	}
	o.Version++
	return nil
}

func (t *txStore) ListOrders(ctx context.Context, dealershipID core.DealershipID) ([]core.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if dealershipID != "" {
		query += ` WHERE dealership_id = ?`
		args = append(args, dealershipID)
	}
	rows, err := t.tx.QueryContext(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func orderJSON(o *core.Order) (string, string, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return "", "", fmt.Errorf("encode order items: %w", err)
	}
	notes, err := json.Marshal(o.Notes)
	if err != nil {
		return "", "", fmt.Errorf("encode order notes: %w", err)
	}
	return string(items), string(notes), nil
}

func scanOrder(r scanner) (core.Order, error) {
	var o core.Order
	var itemsJSON, createdAt, updatedAt string
	var requestID, notesJSON sql.NullString
	err := r.Scan(&o.ID, &o.Code, &o.CustomerID, &o.DealershipID, &itemsJSON, &o.FinalAmount, &o.PaidAmount,
		&o.Status, &requestID, &notesJSON, &o.StockReversed, &createdAt, &updatedAt, &o.Version)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return o, fmt.Errorf("decode order items: %w", err)
	}
	if notesJSON.Valid && notesJSON.String != "" {
		if err := json.Unmarshal([]byte(notesJSON.String), &o.Notes); err != nil {
			return o, fmt.Errorf("decode order notes: %w", err)
		}
	}
	o.RequestID = core.RequestID(requestID.String)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, err
	}
	o.UpdatedAt, err = parseTime(updatedAt)
	return o, err
}

// =============================================================================
// STATUS LOG (append-only)
// =============================================================================

func (t *txStore) AppendStatusLog(ctx context.Context, e core.OrderStatusLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_logs (id, order_id, old_status, new_status, changed_by, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrderID, e.OldStatus, e.NewStatus, e.ChangedBy, e.Reason, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append status log: %w", err)
	}
	return nil
}

func (t *txStore) ListStatusLogs(ctx context.Context, orderID core.OrderID) ([]core.OrderStatusLog, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, changed_by, reason, timestamp
		FROM order_status_logs WHERE order_id = ? ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status logs: %w", err)
	}
	defer rows.Close()

	var out []core.OrderStatusLog
	for rows.Next() {
		var e core.OrderStatusLog
		var changedBy, reason sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.OldStatus, &e.NewStatus, &changedBy, &reason, &ts); err != nil {
			return nil, err
		}
		e.ChangedBy, e.Reason = changedBy.String, reason.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CUSTOMER DEBTS
// =============================================================================

const customerDebtColumns = `id, customer_id, order_id, total_amount, paid_amount, remaining_amount, status,
	void, created_at, updated_at, version`

func (t *txStore) InsertCustomerDebt(ctx context.Context, d *core.CustomerDebt) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customer_debts (`+customerDebtColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, d.ID, d.CustomerID, d.OrderID, d.TotalAmount.String(), d.PaidAmount.String(), d.RemainingAmount.String(),
		d.Status, d.Void, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert customer debt: %w", err)
	}
	d.Version = 1
	return nil
}

func (t *txStore) GetCustomerDebtByOrder(ctx context.Context, orderID core.OrderID) (*core.CustomerDebt, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+customerDebtColumns+` FROM customer_debts WHERE order_id = ?`, orderID)
	d, err := scanCustomerDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DebtNotFoundError{Kind: "customer", Key: string(orderID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer debt: %w", err)
	}
	return &d, nil
}

func (t *txStore) UpdateCustomerDebt(ctx context.Context, d *core.CustomerDebt) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customer_debts SET
			total_amount = ?, paid_amount = ?, remaining_amount = ?, status = ?, void = ?,
			updated_at = ?, version = version + 1
		WHERE order_id = ? AND version = ?
	`, d.TotalAmount.String(), d.PaidAmount.String(), d.RemainingAmount.String(), d.Status, d.Void,
		formatTime(d.UpdatedAt), d.OrderID, d.Version)
	if err != nil {
		return fmt.Errorf("failed to update customer debt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := t.GetCustomerDebtByOrder(ctx, d.OrderID); err != nil {
			return err
		}
		return core.ErrConcurrentModification
	}
	d.Version++
	return nil
}

func (t *txStore) ListCustomerDebts(ctx context.Context, customerID core.CustomerID) ([]core.CustomerDebt, error) {
	query := `SELECT ` + customerDebtColumns + ` FROM customer_debts`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id = ?`
		args = append(args, customerID)
	}
	rows, err := t.tx.QueryContext(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer debts: %w", err)
	}
	defer rows.Close()

	var out []core.CustomerDebt
	for rows.Next() {
		d, err := scanCustomerDebt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanCustomerDebt(r scanner) (core.CustomerDebt, error) {
	var d core.CustomerDebt
	var createdAt, updatedAt string
	err := r.Scan(&d.ID, &d.CustomerID, &d.OrderID, &d.TotalAmount, &d.PaidAmount, &d.RemainingAmount,
		&d.Status, &d.Void, &createdAt, &updatedAt, &d.Version)
	if err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	d.UpdatedAt, err = parseTime(updatedAt)
	return d, err
}

// =============================================================================
// DEALER DEBTS
// =============================================================================

const dealerDebtColumns = `id, dealership_id, manufacturer_id, total_amount, paid_amount, remaining_amount, status,
	obligations_json, settled_json, created_at, updated_at, version`

func (t *txStore) InsertDealerDebt(ctx context.Context, d *core.DealerDebt) error {
	obligations, settled, err := dealerDebtJSON(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dealer_debts (`+dealerDebtColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, d.ID, d.DealershipID, d.ManufacturerID, d.TotalAmount.String(), d.PaidAmount.String(),
		d.RemainingAmount.String(), d.Status, obligations, settled, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			// Another writer created the pair first; retrying picks it up.
			return core.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert dealer debt: %w", err)
	}
	d.Version = 1
	return nil
}

func (t *txStore) GetDealerDebt(ctx context.Context, dealer core.DealershipID, mfr core.ManufacturerID) (*core.DealerDebt, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+dealerDebtColumns+` FROM dealer_debts WHERE dealership_id = ? AND manufacturer_id = ?
	`, dealer, mfr)
	d, err := scanDealerDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DebtNotFoundError{Kind: "dealer", Key: string(dealer) + "/" + string(mfr)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dealer debt: %w", err)
	}
	return &d, nil
}

func (t *txStore) UpdateDealerDebt(ctx context.Context, d *core.DealerDebt) error {
	obligations, settled, err := dealerDebtJSON(d)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE dealer_debts SET
			total_amount = ?, paid_amount = ?, remaining_amount = ?, status = ?,
			obligations_json = ?, settled_json = ?, updated_at = ?, version = version + 1
		WHERE dealership_id = ? AND manufacturer_id = ? AND version = ?
	`, d.TotalAmount.String(), d.PaidAmount.String(), d.RemainingAmount.String(), d.Status,
		obligations, settled, formatTime(d.UpdatedAt), d.DealershipID, d.ManufacturerID, d.Version)
	if err != nil {
		return fmt.Errorf("failed to update dealer debt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := t.GetDealerDebt(ctx, d.DealershipID, d.ManufacturerID); err != nil {
			return err
		}
		return core.ErrConcurrentModification
	}
	d.Version++
	return nil
}

func (t *txStore) ListDealerDebts(ctx context.Context, dealer core.DealershipID) ([]core.DealerDebt, error) {
	query := `SELECT ` + dealerDebtColumns + ` FROM dealer_debts`
	var args []any
	if dealer != "" {
		query += ` WHERE dealership_id = ?`
		args = append(args, dealer)
	}
	rows, err := t.tx.QueryContext(ctx, query+` ORDER BY manufacturer_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dealer debts: %w", err)
	}
	defer rows.Close()

	var out []core.DealerDebt
	for rows.Next() {
		d, err := scanDealerDebt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func dealerDebtJSON(d *core.DealerDebt) (string, string, error) {
	obligations := d.Obligations
	if obligations == nil {
		obligations = []core.Obligation{}
	}
	settled := d.SettledByOrders
	if settled == nil {
		settled = []core.Settlement{}
	}
	o, err := json.Marshal(obligations)
	if err != nil {
		return "", "", fmt.Errorf("encode obligations: %w", err)
	}
	s, err := json.Marshal(settled)
	if err != nil {
		return "", "", fmt.Errorf("encode settlements: %w", err)
	}
	return string(o), string(s), nil
}

func scanDealerDebt(r scanner) (core.DealerDebt, error) {
	var d core.DealerDebt
	var obligations, settled, createdAt, updatedAt string
	err := r.Scan(&d.ID, &d.DealershipID, &d.ManufacturerID, &d.TotalAmount, &d.PaidAmount, &d.RemainingAmount,
		&d.Status, &obligations, &settled, &createdAt, &updatedAt, &d.Version)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(obligations), &d.Obligations); err != nil {
		return d, fmt.Errorf("decode obligations: %w", err)
	}
	if err := json.Unmarshal([]byte(settled), &d.SettledByOrders); err != nil {
		return d, fmt.Errorf("decode settlements: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	d.UpdatedAt, err = parseTime(updatedAt)
	return d, err
}

// =============================================================================
// ORDER REQUESTS
// =============================================================================

const requestColumns = `id, code, dealership_id, order_id, items_json, status, created_by, decided_by, reason,
	created_at, updated_at`

func (t *txStore) InsertOrderRequest(ctx context.Context, r *core.OrderRequest) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("encode request items: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO order_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Code, r.DealershipID, nullString(string(r.OrderID)), string(items), r.Status,
		r.CreatedBy, r.DecidedBy, r.Reason, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "order_requests.order_id") {
			return &core.DuplicatePendingRequestError{OrderID: r.OrderID}
		}
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert order request: %w", err)
	}
	return nil
}

func (t *txStore) GetOrderRequest(ctx context.Context, id core.RequestID) (*core.OrderRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM order_requests WHERE id = ?`, id)
	r, err := scanOrderRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("order request", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order request: %w", err)
	}
	return &r, nil
}

func (t *txStore) UpdateOrderRequest(ctx context.Context, r *core.OrderRequest) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("encode request items: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_requests SET items_json = ?, status = ?, decided_by = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`, string(items), r.Status, r.DecidedBy, r.Reason, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update order request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("order request", string(r.ID))
	}
	return nil
}

func (t *txStore) ListOrderRequests(ctx context.Context, orderID core.OrderID, status core.RequestStatus) ([]core.OrderRequest, error) {
	var where []string
	var args []any
	if orderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, orderID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM order_requests`+whereClause(where)+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list order requests: %w", err)
	}
	defer rows.Close()

	var out []core.OrderRequest
	for rows.Next() {
		r, err := scanOrderRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanOrderRequest(s scanner) (core.OrderRequest, error) {
	var r core.OrderRequest
	var orderID, createdBy, decidedBy, reason sql.NullString
	var items, createdAt, updatedAt string
	err := s.Scan(&r.ID, &r.Code, &r.DealershipID, &orderID, &items, &r.Status,
		&createdBy, &decidedBy, &reason, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(items), &r.Items); err != nil {
		return r, fmt.Errorf("decode request items: %w", err)
	}
	r.OrderID = core.OrderID(orderID.String)
	r.CreatedBy, r.DecidedBy, r.Reason = createdBy.String, decidedBy.String, reason.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	return r, err
}

// =============================================================================
// REQUEST VEHICLES
// =============================================================================

const requestVehicleColumns = `id, request_id, dealership_id, manufacturer_id, vehicle_id, color, quantity, status,
	reason, batch_id, distributed_at, created_at, updated_at`

func (t *txStore) InsertRequestVehicle(ctx context.Context, rv *core.RequestVehicle) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO request_vehicles (`+requestVehicleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rv.ID, rv.RequestID, rv.DealershipID, rv.ManufacturerID, rv.VehicleID, rv.Color, rv.Quantity, rv.Status,
		rv.Reason, nullString(string(rv.BatchID)), nullTime(rv.DistributedAt),
		formatTime(rv.CreatedAt), formatTime(rv.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert request vehicle: %w", err)
	}
	return nil
}

func (t *txStore) GetRequestVehicle(ctx context.Context, id core.RequestVehicleID) (*core.RequestVehicle, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+requestVehicleColumns+` FROM request_vehicles WHERE id = ?`, id)
	rv, err := scanRequestVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFound("request vehicle", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request vehicle: %w", err)
	}
	return &rv, nil
}

func (t *txStore) UpdateRequestVehicle(ctx context.Context, rv *core.RequestVehicle) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE request_vehicles SET status = ?, reason = ?, batch_id = ?, distributed_at = ?, updated_at = ?
		WHERE id = ?
	`, rv.Status, rv.Reason, nullString(string(rv.BatchID)), nullTime(rv.DistributedAt), formatTime(rv.UpdatedAt), rv.ID)
	if err != nil {
		return fmt.Errorf("failed to update request vehicle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("request vehicle", string(rv.ID))
	}
	return nil
}

func (t *txStore) ListRequestVehicles(ctx context.Context, f core.RequestVehicleFilter) ([]core.RequestVehicle, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if f.DealershipID != "" {
		add("dealership_id = ?", f.DealershipID)
	}
	if f.ManufacturerID != "" {
		add("manufacturer_id = ?", f.ManufacturerID)
	}
	if f.VehicleID != "" {
		add("vehicle_id = ?", f.VehicleID)
	}
	if f.Color != nil {
		add("color = ?", *f.Color)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+requestVehicleColumns+` FROM request_vehicles`+whereClause(where)+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list request vehicles: %w", err)
	}
	defer rows.Close()

	var out []core.RequestVehicle
	for rows.Next() {
		rv, err := scanRequestVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func scanRequestVehicle(s scanner) (core.RequestVehicle, error) {
	var rv core.RequestVehicle
	var reason, batchID, distributedAt sql.NullString
	var createdAt, updatedAt string
	err := s.Scan(&rv.ID, &rv.RequestID, &rv.DealershipID, &rv.ManufacturerID, &rv.VehicleID, &rv.Color,
		&rv.Quantity, &rv.Status, &reason, &batchID, &distributedAt, &createdAt, &updatedAt)
	if err != nil {
		return rv, err
	}
	rv.Reason = reason.String
	rv.BatchID = core.BatchID(batchID.String)
	if distributedAt.Valid {
		at, err := parseTime(distributedAt.String)
		if err != nil {
			return rv, err
		}
		rv.DistributedAt = &at
	}
	if rv.CreatedAt, err = parseTime(createdAt); err != nil {
		return rv, err
	}
	rv.UpdatedAt, err = parseTime(updatedAt)
	return rv, err
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (t *txStore) ClaimKey(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idem_key, created_at) VALUES (?, ?)`, key, formatTime(time.Now()))
	if isUniqueConstraintError(err) {
		return core.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to claim key: %w", err)
	}
	return nil
}

func (t *txStore) KeyClaimed(ctx context.Context, key string) (bool, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys WHERE idem_key = ?`, key).Scan(&count)
	return count > 0, err
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// checkVersioned turns a zero-row versioned UPDATE into NotFound or
// ErrConcurrentModification.
func (t *txStore) checkVersioned(ctx context.Context, res sql.Result, table, id, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return core.NotFound(entity, id)
	}
	return core.ErrConcurrentModification
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// RFC3339Nano in UTC sorts lexically in time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

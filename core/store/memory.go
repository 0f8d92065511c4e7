// Package store provides an in-memory core.Store for tests and development.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/ev-sales-engine/core"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps every collection in maps. Stored values are never mutated in
// place: writes replace them with clones, so a shallow map copy is a full
// snapshot.
type Memory struct {
	mu sync.Mutex
	data
}

type data struct {
	vehicles        map[core.VehicleID]core.Vehicle
	batches         map[core.BatchID]core.StockBatch
	orders          map[core.OrderID]core.Order
	statusLogs      map[core.OrderID][]core.OrderStatusLog
	customerDebts   map[core.OrderID]core.CustomerDebt
	dealerDebts     map[dealerKey]core.DealerDebt
	requests        map[core.RequestID]core.OrderRequest
	requestVehicles map[core.RequestVehicleID]core.RequestVehicle
	keys            map[string]bool
	seq             int64
}

type dealerKey struct {
	Dealer       core.DealershipID
	Manufacturer core.ManufacturerID
}

func NewMemory() *Memory {
	return &Memory{data: data{
		vehicles:        make(map[core.VehicleID]core.Vehicle),
		batches:         make(map[core.BatchID]core.StockBatch),
		orders:          make(map[core.OrderID]core.Order),
		statusLogs:      make(map[core.OrderID][]core.OrderStatusLog),
		customerDebts:   make(map[core.OrderID]core.CustomerDebt),
		dealerDebts:     make(map[dealerKey]core.DealerDebt),
		requests:        make(map[core.RequestID]core.OrderRequest),
		requestVehicles: make(map[core.RequestVehicleID]core.RequestVehicle),
		keys:            make(map[string]bool),
	}}
}

func (m *Memory) Ping(context.Context) error { return nil }

// Reset drops every collection.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = NewMemory().data
	return nil
}

// WithTx executes fn while holding the store lock.
// On error the snapshot taken before fn is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memTx{d: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() data {
	s := data{
		vehicles:        make(map[core.VehicleID]core.Vehicle, len(m.vehicles)),
		batches:         make(map[core.BatchID]core.StockBatch, len(m.batches)),
		orders:          make(map[core.OrderID]core.Order, len(m.orders)),
		statusLogs:      make(map[core.OrderID][]core.OrderStatusLog, len(m.statusLogs)),
		customerDebts:   make(map[core.OrderID]core.CustomerDebt, len(m.customerDebts)),
		dealerDebts:     make(map[dealerKey]core.DealerDebt, len(m.dealerDebts)),
		requests:        make(map[core.RequestID]core.OrderRequest, len(m.requests)),
		requestVehicles: make(map[core.RequestVehicleID]core.RequestVehicle, len(m.requestVehicles)),
		keys:            make(map[string]bool, len(m.keys)),
		seq:             m.seq,
	}
	for k, v := range m.vehicles {
		s.vehicles[k] = v
	}
	for k, v := range m.batches {
		s.batches[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	for k, v := range m.statusLogs {
		s.statusLogs[k] = append([]core.OrderStatusLog(nil), v...)
	}
	for k, v := range m.customerDebts {
		s.customerDebts[k] = v
	}
	for k, v := range m.dealerDebts {
		s.dealerDebts[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.requestVehicles {
		s.requestVehicles[k] = v
	}
	for k, v := range m.keys {
		s.keys[k] = v
	}
	return s
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memTx struct {
	d *data
}

func (t *memTx) PutVehicle(_ context.Context, v core.Vehicle) error {
	t.d.vehicles[v.ID] = v
	return nil
}

func (t *memTx) GetVehicle(_ context.Context, id core.VehicleID) (*core.Vehicle, error) {
	v, ok := t.d.vehicles[id]
	if !ok {
		return nil, core.NotFound("vehicle", string(id))
	}
	return &v, nil
}

func (t *memTx) ListVehicles(_ context.Context) ([]core.Vehicle, error) {
	out := make([]core.Vehicle, 0, len(t.d.vehicles))
	for _, v := range t.d.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertBatch(_ context.Context, b *core.StockBatch) error {
	if _, exists := t.d.batches[b.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	t.d.seq++
	b.Seq = t.d.seq
	b.Version = 1
	t.d.batches[b.ID] = *b
	return nil
}

func (t *memTx) GetBatch(_ context.Context, id core.BatchID) (*core.StockBatch, error) {
	b, ok := t.d.batches[id]
	if !ok {
		return nil, core.NotFound("batch", string(id))
	}
	return &b, nil
}

func (t *memTx) ListBatches(_ context.Context, f core.BatchFilter) ([]core.StockBatch, error) {
	var out []core.StockBatch
	for _, b := range t.d.batches {
		if f.VehicleID != "" && b.VehicleID != f.VehicleID {
			continue
		}
		if f.Color != "" && b.Color != f.Color {
			continue
		}
		if f.Owner != nil && b.Owner != *f.Owner {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return core.FIFOLess(out[i], out[j]) })
	return out, nil
}

func (t *memTx) UpdateBatch(_ context.Context, b *core.StockBatch) error {
	cur, ok := t.d.batches[b.ID]
	if !ok {
		return core.NotFound("batch", string(b.ID))
	}
	if cur.Version != b.Version {
		return core.ErrConcurrentModification
	}
	b.Version++
	t.d.batches[b.ID] = *b
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *core.Order) error {
	if _, exists := t.d.orders[o.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	o.Version = 1
	t.d.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id core.OrderID) (*core.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return nil, core.NotFound("order", string(id))
	}
	c := o.Clone()
	return &c, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *core.Order) error {
	cur, ok := t.d.orders[o.ID]
	if !ok {
		return core.NotFound("order", string(o.ID))
	}
	if cur.Version != o.Version {
		return core.ErrConcurrentModification
	}
	o.Version++
	t.d.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) ListOrders(_ context.Context, dealershipID core.DealershipID) ([]core.Order, error) {
	var out []core.Order
	for _, o := range t.d.orders {
		if dealershipID == "" || o.DealershipID == dealershipID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) AppendStatusLog(_ context.Context, e core.OrderStatusLog) error {
	t.d.statusLogs[e.OrderID] = append(t.d.statusLogs[e.OrderID], e)
	return nil
}

func (t *memTx) ListStatusLogs(_ context.Context, orderID core.OrderID) ([]core.OrderStatusLog, error) {
	return append([]core.OrderStatusLog(nil), t.d.statusLogs[orderID]...), nil
}

func (t *memTx) InsertCustomerDebt(_ context.Context, d *core.CustomerDebt) error {
	if _, exists := t.d.customerDebts[d.OrderID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	d.Version = 1
	t.d.customerDebts[d.OrderID] = *d
	return nil
}

func (t *memTx) GetCustomerDebtByOrder(_ context.Context, orderID core.OrderID) (*core.CustomerDebt, error) {
	d, ok := t.d.customerDebts[orderID]
	if !ok {
		return nil, &core.DebtNotFoundError{Kind: "customer", Key: string(orderID)}
	}
	return &d, nil
}

func (t *memTx) UpdateCustomerDebt(_ context.Context, d *core.CustomerDebt) error {
	cur, ok := t.d.customerDebts[d.OrderID]
	if !ok {
		return &core.DebtNotFoundError{Kind: "customer", Key: string(d.OrderID)}
	}
	if cur.Version != d.Version {
		return core.ErrConcurrentModification
	}
	d.Version++
	t.d.customerDebts[d.OrderID] = *d
	return nil
}

func (t *memTx) ListCustomerDebts(_ context.Context, customerID core.CustomerID) ([]core.CustomerDebt, error) {
	var out []core.CustomerDebt
	for _, d := range t.d.customerDebts {
		if customerID == "" || d.CustomerID == customerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertDealerDebt(_ context.Context, d *core.DealerDebt) error {
	k := dealerKey{d.DealershipID, d.ManufacturerID}
	if _, exists := t.d.dealerDebts[k]; exists {
		return core.ErrConcurrentModification
	}
	d.Version = 1
	t.d.dealerDebts[k] = d.Clone()
	return nil
}

func (t *memTx) GetDealerDebt(_ context.Context, dealer core.DealershipID, mfr core.ManufacturerID) (*core.DealerDebt, error) {
	d, ok := t.d.dealerDebts[dealerKey{dealer, mfr}]
	if !ok {
		return nil, &core.DebtNotFoundError{Kind: "dealer", Key: string(dealer) + "/" + string(mfr)}
	}
	c := d.Clone()
	return &c, nil
}

func (t *memTx) UpdateDealerDebt(_ context.Context, d *core.DealerDebt) error {
	k := dealerKey{d.DealershipID, d.ManufacturerID}
	cur, ok := t.d.dealerDebts[k]
	if !ok {
		return &core.DebtNotFoundError{Kind: "dealer", Key: string(d.DealershipID) + "/" + string(d.ManufacturerID)}
	}
	if cur.Version != d.Version {
		return core.ErrConcurrentModification
	}
	d.Version++
	t.d.dealerDebts[k] = d.Clone()
	return nil
}

func (t *memTx) ListDealerDebts(_ context.Context, dealer core.DealershipID) ([]core.DealerDebt, error) {
	var out []core.DealerDebt
	for k, d := range t.d.dealerDebts {
		if dealer == "" || k.Dealer == dealer {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManufacturerID < out[j].ManufacturerID })
	return out, nil
}

func (t *memTx) InsertOrderRequest(_ context.Context, r *core.OrderRequest) error {
	if _, exists := t.d.requests[r.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	t.d.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) GetOrderRequest(_ context.Context, id core.RequestID) (*core.OrderRequest, error) {
	r, ok := t.d.requests[id]
	if !ok {
		return nil, core.NotFound("order request", string(id))
	}
	c := r.Clone()
	return &c, nil
}

func (t *memTx) UpdateOrderRequest(_ context.Context, r *core.OrderRequest) error {
	if _, ok := t.d.requests[r.ID]; !ok {
		return core.NotFound("order request", string(r.ID))
	}
	t.d.requests[r.ID] = r.Clone()
	return nil
}

func (t *memTx) ListOrderRequests(_ context.Context, orderID core.OrderID, status core.RequestStatus) ([]core.OrderRequest, error) {
	var out []core.OrderRequest
	for _, r := range t.d.requests {
		if orderID != "" && r.OrderID != orderID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertRequestVehicle(_ context.Context, rv *core.RequestVehicle) error {
	if _, exists := t.d.requestVehicles[rv.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	t.d.requestVehicles[rv.ID] = *rv
	return nil
}

func (t *memTx) GetRequestVehicle(_ context.Context, id core.RequestVehicleID) (*core.RequestVehicle, error) {
	rv, ok := t.d.requestVehicles[id]
	if !ok {
		return nil, core.NotFound("request vehicle", string(id))
	}
	return &rv, nil
}

func (t *memTx) UpdateRequestVehicle(_ context.Context, rv *core.RequestVehicle) error {
	if _, ok := t.d.requestVehicles[rv.ID]; !ok {
		return core.NotFound("request vehicle", string(rv.ID))
	}
	t.d.requestVehicles[rv.ID] = *rv
	return nil
}

func (t *memTx) ListRequestVehicles(_ context.Context, f core.RequestVehicleFilter) ([]core.RequestVehicle, error) {
	var out []core.RequestVehicle
	for _, rv := range t.d.requestVehicles {
		if f.RequestID != "" && rv.RequestID != f.RequestID {
			continue
		}
		if f.DealershipID != "" && rv.DealershipID != f.DealershipID {
			continue
		}
		if f.ManufacturerID != "" && rv.ManufacturerID != f.ManufacturerID {
			continue
		}
		if f.VehicleID != "" && rv.VehicleID != f.VehicleID {
			continue
		}
		if f.Color != nil && rv.Color != *f.Color {
			continue
		}
		if f.Status != "" && rv.Status != f.Status {
			continue
		}
		out = append(out, rv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) ClaimKey(_ context.Context, key string) error {
	if t.d.keys[key] {
		return core.ErrDuplicateIdempotencyKey
	}
	t.d.keys[key] = true
	return nil
}

func (t *memTx) KeyClaimed(_ context.Context, key string) (bool, error) {
	return t.d.keys[key], nil
}

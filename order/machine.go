/*
machine.go - Order lifecycle state machine

PURPOSE:
  Drives one order from creation to delivery, coordinating the Stock
  Ledger, the Debt Ledger and the Request Workflow. Every step runs inside
  the caller's transaction, so a failure anywhere leaves nothing behind.

STATES:

  pending ──▶ deposit_paid ──┬──▶ vehicle_ready ──▶ fully_paid ──▶ delivered ──▶ completed
                             │          ▲
                             ▼          │
                     waiting_vehicle_request

  cancelled is reachable from every state except delivered and completed.

GUARDS:
  pending → deposit_paid                 paid >= final × deposit ratio
  deposit_paid → vehicle_ready           every item allocated (FIFO, dealer stock)
  deposit_paid → waiting_vehicle_request some item short; an OrderRequest is raised
  waiting_vehicle_request → vehicle_ready linked request fulfilled and allocation succeeds
  vehicle_ready → fully_paid             paid >= final
  fully_paid → delivered                 explicit confirmation
  delivered → completed                  explicit confirmation
  * → cancelled                          reverses used_stocks, voids the customer debt

AUDIT LOG:
  Each successful transition appends exactly one OrderStatusLog. A rejected
  transition returns InvalidStatusTransitionError and writes nothing.

SEE ALSO:
  - payment.go: payment recording and dealer-debt settlement routing
  - service.go: transactional entry points, locking, logging
*/
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

var transitions = map[core.OrderStatus][]core.OrderStatus{
	core.StatusPending:               {core.StatusDepositPaid, core.StatusCancelled},
	core.StatusDepositPaid:           {core.StatusVehicleReady, core.StatusWaitingVehicleRequest, core.StatusCancelled},
	core.StatusWaitingVehicleRequest: {core.StatusVehicleReady, core.StatusCancelled},
	core.StatusVehicleReady:          {core.StatusFullyPaid, core.StatusCancelled},
	core.StatusFullyPaid:             {core.StatusDelivered, core.StatusCancelled},
	core.StatusDelivered:             {core.StatusCompleted},
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to core.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// MACHINE
// =============================================================================

type Machine struct {
	Stock    *stock.Ledger
	Debt     *debt.Ledger
	Requests *request.Workflow

	// DepositRatio is the share of final_amount that qualifies as a deposit.
	DepositRatio decimal.Decimal

	Now func() time.Time
}

func NewMachine(stockLedger *stock.Ledger, debtLedger *debt.Ledger, wf *request.Workflow, depositRatio decimal.Decimal) *Machine {
	return &Machine{
		Stock:        stockLedger,
		Debt:         debtLedger,
		Requests:     wf,
		DepositRatio: depositRatio,
		Now:          time.Now,
	}
}

// Step carries one operation's transaction and actor, and collects the
// status log entries written along the way.
type Step struct {
	Tx    core.Tx
	Actor core.Actor
	Logs  []core.OrderStatusLog
}

func (m *Machine) transition(ctx context.Context, s *Step, o *core.Order, to core.OrderStatus, reason string) error {
	if !CanTransition(o.Status, to) {
		return &core.InvalidStatusTransitionError{Entity: "order", ID: string(o.ID), From: string(o.Status), To: string(to)}
	}

	now := m.Now()
	entry := core.OrderStatusLog{
		ID:        core.NewID("log"),
		OrderID:   o.ID,
		OldStatus: o.Status,
		NewStatus: to,
		ChangedBy: s.Actor.ID,
		Reason:    reason,
		Timestamp: now,
	}
	if err := s.Tx.AppendStatusLog(ctx, entry); err != nil {
		return fmt.Errorf("append status log: %w", err)
	}
	o.Status = to
	o.UpdatedAt = now
	s.Logs = append(s.Logs, entry)
	return nil
}

// DepositThreshold is the minimum paid amount that moves pending → deposit_paid.
func (m *Machine) DepositThreshold(o core.Order) decimal.Decimal {
	return o.FinalAmount.Mul(m.DepositRatio).Round(2)
}

// =============================================================================
// CREATE
// =============================================================================

type ItemInput struct {
	VehicleID   core.VehicleID
	Color       string
	Quantity    int
	UnitPrice   decimal.Decimal // zero = catalog price
	Discount    decimal.Decimal
	PromotionID string
	Options     []core.PricedExtra
	Accessories []core.PricedExtra
}

type CreateInput struct {
	CustomerID   core.CustomerID
	DealershipID core.DealershipID
	Items        []ItemInput
}

func (m *Machine) Create(ctx context.Context, s *Step, in CreateInput) (*core.Order, error) {
	if in.CustomerID == "" || in.DealershipID == "" {
		return nil, core.InvalidInput("customer and dealership are required")
	}
	if len(in.Items) == 0 {
		return nil, core.InvalidInput("order needs at least one item")
	}

	items := make([]core.OrderItem, 0, len(in.Items))
	total := decimal.Zero
	for i, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, core.InvalidInput("item %d: quantity must be positive", i)
		}
		if it.Discount.IsNegative() {
			return nil, core.InvalidInput("item %d: discount cannot be negative", i)
		}
		v, err := s.Tx.GetVehicle(ctx, it.VehicleID)
		if err != nil {
			return nil, err
		}
		price := it.UnitPrice
		if price.IsZero() {
			price = v.Price
		}
		item := core.OrderItem{
			VehicleID:   it.VehicleID,
			Color:       it.Color,
			Quantity:    it.Quantity,
			UnitPrice:   price,
			Discount:    it.Discount,
			PromotionID: it.PromotionID,
			Options:     append([]core.PricedExtra(nil), it.Options...),
			Accessories: append([]core.PricedExtra(nil), it.Accessories...),
		}
		if item.Subtotal().IsNegative() {
			return nil, core.InvalidInput("item %d: discount exceeds price", i)
		}
		total = total.Add(item.Subtotal())
		items = append(items, item)
	}
	if !total.IsPositive() {
		return nil, core.InvalidInput("order total must be positive")
	}

	now := m.Now()
	o := &core.Order{
		ID:           core.OrderID(core.NewID("order")),
		Code:         core.NewCode("ORD"),
		CustomerID:   in.CustomerID,
		DealershipID: in.DealershipID,
		Items:        items,
		FinalAmount:  total,
		PaidAmount:   decimal.Zero,
		Status:       core.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Tx.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if _, err := m.Debt.OpenCustomerDebt(ctx, s.Tx, o.CustomerID, o.ID, o.FinalAmount); err != nil {
		return nil, err
	}

	// Creation record: no OldStatus.
	entry := core.OrderStatusLog{
		ID:        core.NewID("log"),
		OrderID:   o.ID,
		NewStatus: core.StatusPending,
		ChangedBy: s.Actor.ID,
		Reason:    "order created",
		Timestamp: now,
	}
	if err := s.Tx.AppendStatusLog(ctx, entry); err != nil {
		return nil, err
	}
	s.Logs = append(s.Logs, entry)
	return o, nil
}

// =============================================================================
// ADVANCE - fire every guard that currently holds
// =============================================================================

// advance moves o forward as far as its guards allow. o is not persisted here.
func (m *Machine) advance(ctx context.Context, s *Step, o *core.Order) error {
	for {
		switch o.Status {
		case core.StatusPending:
			if o.PaidAmount.LessThan(m.DepositThreshold(*o)) {
				return nil
			}
			if err := m.transition(ctx, s, o, core.StatusDepositPaid, "deposit received"); err != nil {
				return err
			}

		case core.StatusDepositPaid:
			err := m.allocateAll(ctx, s.Tx, o)
			var shortage *core.InsufficientStockError
			switch {
			case err == nil:
				if err := m.transition(ctx, s, o, core.StatusVehicleReady, "stock allocated"); err != nil {
					return err
				}
			case errors.As(err, &shortage):
				if err := m.transition(ctx, s, o, core.StatusWaitingVehicleRequest, shortage.Error()); err != nil {
					return err
				}
				return m.raiseRequest(ctx, s, o)
			default:
				return err
			}

		case core.StatusVehicleReady:
			if o.PaidAmount.LessThan(o.FinalAmount) {
				return nil
			}
			if err := m.transition(ctx, s, o, core.StatusFullyPaid, "payment complete"); err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

// allocateAll allocates every item from dealer stock, or nothing at all.
func (m *Machine) allocateAll(ctx context.Context, tx core.Tx, o *core.Order) error {
	owner := core.DealerOwner(o.DealershipID)
	allocated := make([][]core.UsedStock, len(o.Items))

	for i, it := range o.Items {
		used, err := m.Stock.Allocate(ctx, tx, stock.AllocateInput{
			VehicleID: it.VehicleID,
			Color:     it.Color,
			Owner:     owner,
			Quantity:  it.Quantity,
		})
		if err != nil {
			for j := 0; j < i; j++ {
				if rerr := m.Stock.Release(ctx, tx, allocated[j]); rerr != nil {
					return fmt.Errorf("release after failed allocation: %w", rerr)
				}
			}
			return err
		}
		allocated[i] = used
	}

	for i := range o.Items {
		o.Items[i].UsedStocks = allocated[i]
	}
	return nil
}

// raiseRequest opens an OrderRequest for what the dealer is missing.
func (m *Machine) raiseRequest(ctx context.Context, s *Step, o *core.Order) error {
	open, err := s.Tx.ListOrderRequests(ctx, o.ID, core.RequestPending)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		o.RequestID = open[0].ID
		return nil
	}

	items, notes, err := m.shortfall(ctx, s.Tx, *o)
	if err != nil {
		return err
	}
	o.Notes = append(o.Notes, notes...)
	if len(items) == 0 {
		if len(notes) == 0 {
			return fmt.Errorf("order %s: allocation failed but no item is short", o.ID)
		}
		return nil
	}

	req, err := m.Requests.Create(ctx, s.Tx, s.Actor, request.CreateInput{
		DealershipID: o.DealershipID,
		OrderID:      o.ID,
		Items:        items,
	})
	if err != nil {
		return err
	}
	o.RequestID = req.ID
	return nil
}

// shortfall plans the items in order against current dealer stock and
// returns what must be requested. A colorless item takes the color the
// manufacturer would ship first.
func (m *Machine) shortfall(ctx context.Context, tx core.Tx, o core.Order) ([]core.RequestItem, []string, error) {
	demands := make([]stock.Demand, len(o.Items))
	for i, it := range o.Items {
		demands[i] = stock.Demand{VehicleID: it.VehicleID, Color: it.Color, Quantity: it.Quantity}
	}
	missing, err := m.Stock.Plan(ctx, tx, core.DealerOwner(o.DealershipID), demands)
	if err != nil {
		return nil, nil, err
	}

	var items []core.RequestItem
	var notes []string
	for i, it := range o.Items {
		if missing[i] == 0 {
			continue
		}
		color := it.Color
		if color == "" {
			color, err = m.manufacturerColor(ctx, tx, it.VehicleID)
			if err != nil {
				return nil, nil, err
			}
			if color == "" {
				notes = append(notes, fmt.Sprintf("item %d (%s): no color to request, choose one and raise a request manually", i, it.VehicleID))
				continue
			}
		}
		items = append(items, core.RequestItem{VehicleID: it.VehicleID, Color: color, Quantity: missing[i]})
	}
	return items, notes, nil
}

func (m *Machine) manufacturerColor(ctx context.Context, tx core.Tx, vehicleID core.VehicleID) (string, error) {
	v, err := tx.GetVehicle(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	owner := core.ManufacturerOwner(v.ManufacturerID)
	batches, err := tx.ListBatches(ctx, core.BatchFilter{VehicleID: vehicleID, Owner: &owner})
	if err != nil {
		return "", err
	}
	for _, b := range batches {
		if b.RemainingQuantity > 0 {
			return b.Color, nil
		}
	}
	return "", nil
}

// =============================================================================
// RESUME - after resupply
// =============================================================================

// Resume retries allocation for an order waiting on a resupply request.
// It is a no-op in any other state or while stock is still short.
func (m *Machine) Resume(ctx context.Context, s *Step, o *core.Order) error {
	if o.Status != core.StatusWaitingVehicleRequest {
		return nil
	}
	err := m.allocateAll(ctx, s.Tx, o)
	if errors.Is(err, core.ErrInsufficientStock) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.transition(ctx, s, o, core.StatusVehicleReady, "resupply allocated"); err != nil {
		return err
	}
	return m.advance(ctx, s, o)
}

// =============================================================================
// EXPLICIT TRANSITIONS
// =============================================================================

func (m *Machine) ConfirmDelivery(ctx context.Context, s *Step, o *core.Order) error {
	if o.Status != core.StatusFullyPaid {
		return &core.InvalidStatusTransitionError{Entity: "order", ID: string(o.ID), From: string(o.Status), To: string(core.StatusDelivered)}
	}
	return m.transition(ctx, s, o, core.StatusDelivered, "delivery confirmed")
}

func (m *Machine) Complete(ctx context.Context, s *Step, o *core.Order) error {
	return m.transition(ctx, s, o, core.StatusCompleted, "order completed")
}

// Cancel reverses the order's allocations, voids its customer debt and
// cancels its pending resupply request. Dealer-debt settlements already
// made from its payments stay on record.
func (m *Machine) Cancel(ctx context.Context, s *Step, o *core.Order, reason string) error {
	if !o.Status.Cancellable() {
		return &core.InvalidStatusTransitionError{Entity: "order", ID: string(o.ID), From: string(o.Status), To: string(core.StatusCancelled)}
	}

	if used := o.UsedStocks(); len(used) > 0 && !o.StockReversed {
		if err := m.Stock.Reverse(ctx, s.Tx, "order:"+string(o.ID), used); err != nil {
			return err
		}
		o.StockReversed = true
	}

	if _, err := m.Debt.VoidCustomerDebt(ctx, s.Tx, o.ID); err != nil {
		return err
	}

	open, err := s.Tx.ListOrderRequests(ctx, o.ID, core.RequestPending)
	if err != nil {
		return err
	}
	for _, req := range open {
		if _, err := m.Requests.Cancel(ctx, s.Tx, s.Actor, req.ID, "order cancelled"); err != nil {
			return err
		}
	}

	if reason == "" {
		reason = "order cancelled"
	}
	return m.transition(ctx, s, o, core.StatusCancelled, reason)
}

// =============================================================================
// REQUEST LISTENER
// =============================================================================

// RequestFulfilled implements request.Listener.
func (m *Machine) RequestFulfilled(ctx context.Context, tx core.Tx, actor core.Actor, req core.OrderRequest) error {
	o, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if o.Status != core.StatusWaitingVehicleRequest {
		return nil
	}
	s := &Step{Tx: tx, Actor: actor}
	if err := m.Resume(ctx, s, o); err != nil {
		return err
	}
	if len(s.Logs) == 0 {
		o.Notes = append(o.Notes, fmt.Sprintf("request %s fulfilled but stock is still short", req.Code))
	}
	return tx.UpdateOrder(ctx, o)
}

// RequestRejected implements request.Listener. The order keeps its status.
func (m *Machine) RequestRejected(ctx context.Context, tx core.Tx, _ core.Actor, req core.OrderRequest, reason string) error {
	o, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}
	o.Notes = append(o.Notes, fmt.Sprintf("request %s rejected: %s", req.Code, reason))
	o.UpdatedAt = m.Now()
	return tx.UpdateOrder(ctx, o)
}

/*
workflow.go - Dealer resupply requests and manufacturer distribution

PURPOSE:
  When a dealership lacks stock (usually because an order could not be
  allocated) staff raise an OrderRequest. A manager approves or rejects it.
  Approval fans out into one RequestVehicle per item, addressed to the
  vehicle's manufacturer. The manufacturer then distributes or rejects each
  RequestVehicle independently.

REQUEST FLOW:

  OrderRequest   pending ──approve──▶ approved   (one-way)
                    │
                    ├──reject──▶ rejected
                    └──cancel──▶ canceled

  RequestVehicle pending ──distribute──▶ approved  (stock Transfer + dealer debt)
                    └──────reject──────▶ rejected

  Once every RequestVehicle of an approved request is decided, the
  Listener is told so the linked order can retry its allocation.

INVARIANTS:
  1. At most one pending OrderRequest per order
  2. Approve on a decided request fails and creates nothing
  3. No two pending RequestVehicles for the same (vehicle, color, dealership);
     a duplicate item is skipped and reported
  4. Distribution moves stock and increases dealer debt in the same tx

SEE ALSO:
  - service.go: transactional entry points
  - order/machine.go: the Listener implementation
*/
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/stock"
)

// Listener receives workflow outcomes inside the same transaction.
type Listener interface {
	// RequestFulfilled fires when every RequestVehicle of an approved,
	// order-linked request has been decided.
	RequestFulfilled(ctx context.Context, tx core.Tx, actor core.Actor, req core.OrderRequest) error

	// RequestRejected fires when an order-linked request is rejected.
	RequestRejected(ctx context.Context, tx core.Tx, actor core.Actor, req core.OrderRequest, reason string) error
}

// =============================================================================
// WORKFLOW - transaction-scoped operations
// =============================================================================

type Workflow struct {
	Stock    *stock.Ledger
	Debt     *debt.Ledger
	Listener Listener
	Now      func() time.Time
}

func NewWorkflow(stockLedger *stock.Ledger, debtLedger *debt.Ledger) *Workflow {
	return &Workflow{Stock: stockLedger, Debt: debtLedger, Now: time.Now}
}

type CreateInput struct {
	DealershipID core.DealershipID
	OrderID      core.OrderID
	Items        []core.RequestItem
}

func (w *Workflow) Create(ctx context.Context, tx core.Tx, actor core.Actor, in CreateInput) (*core.OrderRequest, error) {
	if in.DealershipID == "" {
		return nil, core.InvalidInput("dealership is required")
	}
	if len(in.Items) == 0 {
		return nil, core.InvalidInput("request needs at least one item")
	}
	for i, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, core.InvalidInput("item %d: quantity must be positive", i)
		}
		if it.Color == "" {
			return nil, core.InvalidInput("item %d: color is required", i)
		}
		if _, err := tx.GetVehicle(ctx, it.VehicleID); err != nil {
			return nil, err
		}
	}

	if in.OrderID != "" {
		open, err := tx.ListOrderRequests(ctx, in.OrderID, core.RequestPending)
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			return nil, &core.DuplicatePendingRequestError{OrderID: in.OrderID, Existing: open[0].ID}
		}
	}

	now := w.Now()
	req := &core.OrderRequest{
		ID:           core.RequestID(core.NewID("req")),
		Code:         core.NewCode("REQ"),
		DealershipID: in.DealershipID,
		OrderID:      in.OrderID,
		Items:        append([]core.RequestItem(nil), in.Items...),
		Status:       core.RequestPending,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.InsertOrderRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("insert order request: %w", err)
	}
	return req, nil
}

// SkippedItem is an item Approve did not forward because an equivalent
// RequestVehicle is still pending.
type SkippedItem struct {
	Item     core.RequestItem
	Existing core.RequestVehicleID
}

type ApproveResult struct {
	Request core.OrderRequest
	Created []core.RequestVehicle
	Skipped []SkippedItem
}

func (w *Workflow) Approve(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestID) (*ApproveResult, error) {
	req, err := tx.GetOrderRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != core.RequestPending {
		return nil, transitionError(req, core.RequestApproved)
	}

	result := &ApproveResult{}
	now := w.Now()
	for _, it := range req.Items {
		color := it.Color
		dup, err := tx.ListRequestVehicles(ctx, core.RequestVehicleFilter{
			DealershipID: req.DealershipID,
			VehicleID:    it.VehicleID,
			Color:        &color,
			Status:       core.VehicleRequestPending,
		})
		if err != nil {
			return nil, err
		}
		if len(dup) > 0 {
			result.Skipped = append(result.Skipped, SkippedItem{Item: it, Existing: dup[0].ID})
			continue
		}

		vehicle, err := tx.GetVehicle(ctx, it.VehicleID)
		if err != nil {
			return nil, err
		}
		rv := core.RequestVehicle{
			ID:             core.RequestVehicleID(core.NewID("rv")),
			RequestID:      req.ID,
			DealershipID:   req.DealershipID,
			ManufacturerID: vehicle.ManufacturerID,
			VehicleID:      it.VehicleID,
			Color:          it.Color,
			Quantity:       it.Quantity,
			Status:         core.VehicleRequestPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertRequestVehicle(ctx, &rv); err != nil {
			return nil, fmt.Errorf("insert request vehicle: %w", err)
		}
		result.Created = append(result.Created, rv)
	}

	req.Status = core.RequestApproved
	req.DecidedBy = actor.ID
	req.UpdatedAt = now
	if err := tx.UpdateOrderRequest(ctx, req); err != nil {
		return nil, err
	}
	result.Request = *req

	// Everything skipped: nothing left to wait for on this request.
	if len(result.Created) == 0 {
		if err := w.notifyFulfilled(ctx, tx, actor, *req); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Reject is terminal. A linked order is annotated, not moved.
func (w *Workflow) Reject(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestID, reason string) (*core.OrderRequest, error) {
	req, err := tx.GetOrderRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != core.RequestPending {
		return nil, transitionError(req, core.RequestRejected)
	}

	req.Status = core.RequestRejected
	req.DecidedBy = actor.ID
	req.Reason = reason
	req.UpdatedAt = w.Now()
	if err := tx.UpdateOrderRequest(ctx, req); err != nil {
		return nil, err
	}

	if req.OrderID != "" && w.Listener != nil {
		if err := w.Listener.RequestRejected(ctx, tx, actor, *req, reason); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (w *Workflow) Cancel(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestID, reason string) (*core.OrderRequest, error) {
	req, err := tx.GetOrderRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != core.RequestPending {
		return nil, transitionError(req, core.RequestCanceled)
	}

	req.Status = core.RequestCanceled
	req.DecidedBy = actor.ID
	req.Reason = reason
	req.UpdatedAt = w.Now()
	if err := tx.UpdateOrderRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// =============================================================================
// DISTRIBUTION - manufacturer side
// =============================================================================

type DistributionResult struct {
	RequestVehicle core.RequestVehicle
	Transfer       stock.TransferResult
	DebtIncrease   decimal.Decimal
	DealerDebt     core.DealerDebt
}

// DistributeVehicle ships a pending RequestVehicle: the manufacturer's
// oldest batches move into a new dealer batch, and the dealer's debt to the
// manufacturer grows by quantity × wholesale price.
func (w *Workflow) DistributeVehicle(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestVehicleID) (*DistributionResult, error) {
	rv, err := tx.GetRequestVehicle(ctx, id)
	if err != nil {
		return nil, err
	}
	if rv.Status != core.VehicleRequestPending {
		return nil, &core.InvalidStatusTransitionError{
			Entity: "request_vehicle", ID: string(rv.ID),
			From: string(rv.Status), To: string(core.VehicleRequestApproved),
		}
	}
	vehicle, err := tx.GetVehicle(ctx, rv.VehicleID)
	if err != nil {
		return nil, err
	}

	transfer, err := w.Stock.Transfer(ctx, tx, stock.TransferInput{
		VehicleID: rv.VehicleID,
		Color:     rv.Color,
		From:      core.ManufacturerOwner(rv.ManufacturerID),
		To:        core.DealerOwner(rv.DealershipID),
		Quantity:  rv.Quantity,
	})
	if err != nil {
		return nil, err
	}

	amount := vehicle.WholesalePrice().Mul(decimal.NewFromInt(int64(rv.Quantity)))
	dd, err := w.Debt.IncreaseByDistribution(ctx, tx, rv.DealershipID, rv.ManufacturerID, amount, "rv:"+string(rv.ID))
	if err != nil {
		return nil, err
	}

	now := w.Now()
	rv.Status = core.VehicleRequestApproved
	rv.BatchID = transfer.Batch.ID
	rv.DistributedAt = &now
	rv.UpdatedAt = now
	if err := tx.UpdateRequestVehicle(ctx, rv); err != nil {
		return nil, err
	}

	if err := w.checkFulfilled(ctx, tx, actor, rv.RequestID); err != nil {
		return nil, err
	}

	return &DistributionResult{
		RequestVehicle: *rv,
		Transfer:       *transfer,
		DebtIncrease:   amount,
		DealerDebt:     *dd,
	}, nil
}

func (w *Workflow) RejectVehicle(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestVehicleID, reason string) (*core.RequestVehicle, error) {
	rv, err := tx.GetRequestVehicle(ctx, id)
	if err != nil {
		return nil, err
	}
	if rv.Status != core.VehicleRequestPending {
		return nil, &core.InvalidStatusTransitionError{
			Entity: "request_vehicle", ID: string(rv.ID),
			From: string(rv.Status), To: string(core.VehicleRequestRejected),
		}
	}

	rv.Status = core.VehicleRequestRejected
	rv.Reason = reason
	rv.UpdatedAt = w.Now()
	if err := tx.UpdateRequestVehicle(ctx, rv); err != nil {
		return nil, err
	}

	if err := w.checkFulfilled(ctx, tx, actor, rv.RequestID); err != nil {
		return nil, err
	}
	return rv, nil
}

func (w *Workflow) checkFulfilled(ctx context.Context, tx core.Tx, actor core.Actor, id core.RequestID) error {
	rvs, err := tx.ListRequestVehicles(ctx, core.RequestVehicleFilter{RequestID: id})
	if err != nil {
		return err
	}
	for _, rv := range rvs {
		if !rv.Status.IsTerminal() {
			return nil
		}
	}
	req, err := tx.GetOrderRequest(ctx, id)
	if err != nil {
		return err
	}
	return w.notifyFulfilled(ctx, tx, actor, *req)
}

func (w *Workflow) notifyFulfilled(ctx context.Context, tx core.Tx, actor core.Actor, req core.OrderRequest) error {
	if req.OrderID == "" || w.Listener == nil || req.Status != core.RequestApproved {
		return nil
	}
	return w.Listener.RequestFulfilled(ctx, tx, actor, req)
}

func transitionError(req *core.OrderRequest, to core.RequestStatus) error {
	return &core.InvalidStatusTransitionError{
		Entity: "order_request", ID: string(req.ID),
		From: string(req.Status), To: string(to),
	}
}

/*
ledger.go - Stock Ledger: FIFO allocation, transfer and reversal

PURPOSE:
  Owns per-(vehicle, color, owner) batches of physical vehicles. Every
  allocation consumes the oldest batches first and returns the exact
  (batch, quantity) pairs it touched, so the allocation can be undone.

CRITICAL INVARIANTS:
  1. 0 <= remaining_quantity <= quantity for every batch
  2. ALL-OR-NOTHING: an allocation that cannot be fully satisfied touches
     no batch and returns InsufficientStockError
  3. FIFO: batches are consumed by received_at ascending, then insertion seq
  4. ROUND-TRIP: Allocate followed by Reverse restores every touched batch

COLOR POLICY:
  An empty color on Allocate aggregates across every color the owner holds
  for that vehicle, still oldest-first. Transfer always needs a color
  because the receiving batch has exactly one.

TRANSACTIONS:
  Ledger methods take a core.Tx and never open their own transaction. The
  caller decides what commits together (e.g. Transfer + dealer debt).

EXAMPLE:
  err := store.WithTx(ctx, func(tx core.Tx) error {
      used, err := ledger.Allocate(ctx, tx, stock.AllocateInput{
          VehicleID: "vf8", Color: "red",
          Owner: core.DealerOwner("dealer-1"), Quantity: 2,
      })
      ...
  })

SEE ALSO:
  - service.go: transactional entry points for receipts and views
  - request/workflow.go: Transfer on manufacturer distribution
  - order/machine.go: Allocate / Reverse during the order lifecycle
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/ev-sales-engine/core"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	// Now stamps batches created by Transfer. Defaults to time.Now.
	Now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{Now: time.Now}
}

type ReceiveInput struct {
	VehicleID  core.VehicleID
	Color      string
	Owner      core.Owner
	Quantity   int
	ReceivedAt time.Time
}

// Receive registers a new batch (manufacturer production or a stock count).
func (l *Ledger) Receive(ctx context.Context, tx core.Tx, in ReceiveInput) (*core.StockBatch, error) {
	if in.Quantity <= 0 {
		return nil, core.InvalidInput("quantity must be positive, got %d", in.Quantity)
	}
	if !in.Owner.Valid() {
		return nil, core.InvalidInput("invalid owner %q", in.Owner.String())
	}
	if in.Color == "" {
		return nil, core.InvalidInput("color is required for a stock batch")
	}
	if _, err := tx.GetVehicle(ctx, in.VehicleID); err != nil {
		return nil, err
	}

	at := in.ReceivedAt
	if at.IsZero() {
		at = l.Now()
	}

	batch := &core.StockBatch{
		ID:                core.BatchID(core.NewID("batch")),
		VehicleID:         in.VehicleID,
		Color:             in.Color,
		Owner:             in.Owner,
		Quantity:          in.Quantity,
		RemainingQuantity: in.Quantity,
		ReceivedAt:        at.UTC(),
	}
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return batch, nil
}

type AllocateInput struct {
	VehicleID core.VehicleID
	Color     string // empty = any color
	Owner     core.Owner
	Quantity  int
}

// Allocate consumes Quantity units oldest-first. On shortage nothing is
// written and *core.InsufficientStockError is returned.
func (l *Ledger) Allocate(ctx context.Context, tx core.Tx, in AllocateInput) ([]core.UsedStock, error) {
	if in.Quantity <= 0 {
		return nil, core.InvalidInput("quantity must be positive, got %d", in.Quantity)
	}

	owner := in.Owner
	batches, err := tx.ListBatches(ctx, core.BatchFilter{VehicleID: in.VehicleID, Color: in.Color, Owner: &owner})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	available := 0
	for _, b := range batches {
		available += b.RemainingQuantity
	}
	if available < in.Quantity {
		return nil, &core.InsufficientStockError{
			VehicleID: in.VehicleID,
			Color:     in.Color,
			Owner:     in.Owner,
			Available: available,
			Requested: in.Quantity,
		}
	}

	need := in.Quantity
	var used []core.UsedStock
	for i := range batches {
		if need == 0 {
			break
		}
		b := &batches[i]
		if b.RemainingQuantity == 0 {
			continue
		}
		take := min(need, b.RemainingQuantity)
		b.RemainingQuantity -= take
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return nil, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
		used = append(used, core.UsedStock{BatchID: b.ID, Quantity: take})
		need -= take
	}
	return used, nil
}

type TransferInput struct {
	VehicleID core.VehicleID
	Color     string
	From      core.Owner
	To        core.Owner
	Quantity  int
}

type TransferResult struct {
	Consumed []core.UsedStock
	Batch    core.StockBatch
}

// Transfer allocates from From and creates exactly one new batch at To,
// stamped now. Debt bookkeeping is the caller's job, in the same tx.
func (l *Ledger) Transfer(ctx context.Context, tx core.Tx, in TransferInput) (*TransferResult, error) {
	if in.Color == "" {
		return nil, core.InvalidInput("transfer needs a color")
	}
	if !in.To.Valid() {
		return nil, core.InvalidInput("invalid receiving owner %q", in.To.String())
	}
	if in.From == in.To {
		return nil, core.InvalidInput("cannot transfer to the same owner")
	}

	used, err := l.Allocate(ctx, tx, AllocateInput{
		VehicleID: in.VehicleID,
		Color:     in.Color,
		Owner:     in.From,
		Quantity:  in.Quantity,
	})
	if err != nil {
		return nil, err
	}

	batch, err := l.Receive(ctx, tx, ReceiveInput{
		VehicleID:  in.VehicleID,
		Color:      in.Color,
		Owner:      in.To,
		Quantity:   in.Quantity,
		ReceivedAt: l.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &TransferResult{Consumed: used, Batch: *batch}, nil
}

// Reverse gives back what an allocation consumed. ref identifies the
// allocation owner (usually the order); a second Reverse for the same ref
// fails with ErrDuplicateIdempotencyKey.
func (l *Ledger) Reverse(ctx context.Context, tx core.Tx, ref string, used []core.UsedStock) error {
	if err := tx.ClaimKey(ctx, "reverse:"+ref); err != nil {
		return fmt.Errorf("reverse %s: %w", ref, err)
	}
	return l.Release(ctx, tx, used)
}

// Release puts consumed units back without claiming a key. Used to undo
// earlier allocations of the same transaction when a later one fails.
func (l *Ledger) Release(ctx context.Context, tx core.Tx, used []core.UsedStock) error {
	for _, u := range used {
		b, err := tx.GetBatch(ctx, u.BatchID)
		if err != nil {
			return err
		}
		b.RemainingQuantity += u.Quantity
		if err := b.Check(); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return fmt.Errorf("update batch %s: %w", b.ID, err)
		}
	}
	return nil
}

// Demand is one line a Plan has to cover.
type Demand struct {
	VehicleID core.VehicleID
	Color     string // empty = any color
	Quantity  int
}

// Plan walks demands in order over owner's batches, oldest first, the way
// successive Allocate calls would, but writes nothing. Units handed to one
// demand are not seen by later ones, whatever their color filter. It
// returns, per demand, the units the owner could not supply.
func (l *Ledger) Plan(ctx context.Context, tx core.Tx, owner core.Owner, demands []Demand) ([]int, error) {
	left := make(map[core.BatchID]int)
	byVehicle := make(map[core.VehicleID][]core.StockBatch)
	missing := make([]int, len(demands))

	for i, d := range demands {
		batches, ok := byVehicle[d.VehicleID]
		if !ok {
			var err error
			batches, err = tx.ListBatches(ctx, core.BatchFilter{VehicleID: d.VehicleID, Owner: &owner})
			if err != nil {
				return nil, fmt.Errorf("list batches: %w", err)
			}
			for _, b := range batches {
				left[b.ID] = b.RemainingQuantity
			}
			byVehicle[d.VehicleID] = batches
		}

		need := d.Quantity
		for _, b := range batches {
			if need == 0 {
				break
			}
			if d.Color != "" && b.Color != d.Color {
				continue
			}
			take := min(need, left[b.ID])
			left[b.ID] -= take
			need -= take
		}
		missing[i] = need
	}
	return missing, nil
}

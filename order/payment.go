package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
)

type PaymentInput struct {
	OrderID core.OrderID
	// Ref identifies the payment; replaying it fails with ErrDuplicateIdempotencyKey.
	Ref    string
	Amount decimal.Decimal
}

// SettlementLine is one dealer-debt reduction funded by a customer payment.
type SettlementLine struct {
	ManufacturerID core.ManufacturerID
	Amount         decimal.Decimal
}

type PaymentResult struct {
	Order        core.Order
	CustomerDebt core.CustomerDebt
	Settlements  []SettlementLine
	Transitions  []core.OrderStatusLog
}

// RecordPayment applies a customer payment to the order, routes it into
// the dealer's manufacturer debts and fires every guard it satisfies.
func (m *Machine) RecordPayment(ctx context.Context, s *Step, in PaymentInput) (*PaymentResult, error) {
	if in.Ref == "" {
		return nil, core.InvalidInput("payment reference is required")
	}
	if !in.Amount.IsPositive() {
		return nil, core.InvalidInput("payment amount must be positive, got %s", in.Amount)
	}

	o, err := s.Tx.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status == core.StatusCancelled {
		return nil, &core.InvalidStatusTransitionError{Entity: "order", ID: string(o.ID), From: string(o.Status), To: "paid"}
	}
	if err := s.Tx.ClaimKey(ctx, "payment:"+in.Ref); err != nil {
		return nil, fmt.Errorf("payment %s: %w", in.Ref, err)
	}

	cd, err := m.Debt.PayCustomerDebt(ctx, s.Tx, o.ID, in.Amount)
	if err != nil {
		return nil, err
	}
	o.PaidAmount = o.PaidAmount.Add(in.Amount)
	o.UpdatedAt = m.Now()

	lines, err := m.settleDealerDebts(ctx, s.Tx, *o, in)
	if err != nil {
		return nil, err
	}

	if err := m.advance(ctx, s, o); err != nil {
		return nil, err
	}
	if err := s.Tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return &PaymentResult{
		Order:        *o,
		CustomerDebt: *cd,
		Settlements:  lines,
		Transitions:  s.Logs,
	}, nil
}

// settleDealerDebts spends the payment on the dealer's debt to each
// manufacturer the order buys from, in item order. Per manufacturer the
// order funds at most the wholesale cost of its own vehicles, less what
// its earlier payments already settled.
func (m *Machine) settleDealerDebts(ctx context.Context, tx core.Tx, o core.Order, in PaymentInput) ([]SettlementLine, error) {
	cost, order, err := m.wholesaleByManufacturer(ctx, tx, o)
	if err != nil {
		return nil, err
	}

	left := in.Amount
	var lines []SettlementLine
	for _, mfr := range order {
		if !left.IsPositive() {
			break
		}
		d, err := tx.GetDealerDebt(ctx, o.DealershipID, mfr)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		limit := cost[mfr].Sub(d.SettledByOrder(o.ID))
		if !limit.IsPositive() {
			continue
		}

		settled, err := m.Debt.SettleDealerDebtFromCustomerPayment(ctx, tx, debt.CustomerPayment{
			OrderID:      o.ID,
			DealershipID: o.DealershipID,
			PaymentRef:   in.Ref,
			Amount:       left,
		}, mfr, limit)
		var nf *core.DebtNotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if settled.IsPositive() {
			lines = append(lines, SettlementLine{ManufacturerID: mfr, Amount: settled})
			left = left.Sub(settled)
		}
	}
	return lines, nil
}

// wholesaleByManufacturer returns each manufacturer's wholesale share of
// the order, plus the manufacturers in first-seen item order.
func (m *Machine) wholesaleByManufacturer(ctx context.Context, tx core.Tx, o core.Order) (map[core.ManufacturerID]decimal.Decimal, []core.ManufacturerID, error) {
	cost := make(map[core.ManufacturerID]decimal.Decimal)
	var seen []core.ManufacturerID
	for _, it := range o.Items {
		v, err := tx.GetVehicle(ctx, it.VehicleID)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := cost[v.ManufacturerID]; !ok {
			seen = append(seen, v.ManufacturerID)
			cost[v.ManufacturerID] = decimal.Zero
		}
		cost[v.ManufacturerID] = cost[v.ManufacturerID].Add(v.WholesalePrice().Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return cost, seen, nil
}

/*
ledger.go - Debt Ledger: customer→dealer and dealer→manufacturer balances

PURPOSE:
  Two debt types share one payment algorithm (ApplyPayment):

    CustomerDebt  one per order, opened at order creation
    DealerDebt    one per (dealership, manufacturer), grown by distributions

  The dealer debt is deliberately aggregated per pair. Per-distribution
  identity survives only as Obligations (one per distribution event) and
  SettledByOrders (who paid how much of which obligation).

SETTLEMENT INVARIANT:
  sum(SettledByOrders.Amount) == TotalAmount - RemainingAmount

  Every reduction of a dealer debt goes through settle(), which fills the
  oldest obligation first and appends one Settlement per obligation piece.
  Direct dealer payments (PayManufacturer) are recorded the same way with
  an empty OrderID, so the invariant holds for every path.

NO DOUBLE COUNTING:
  A payment reference settles a given dealer debt at most once. A
  distribution reference increases dealer debt at most once.

SEE ALSO:
  - service.go: read views and the direct manufacturer payment
  - order/payment.go: routes customer payments into settlements
  - request/workflow.go: IncreaseByDistribution on manufacturer distribution
*/
package debt

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
)

// ApplyPayment is the shared payment algorithm. It never mutates acc;
// on Overpayment the caller keeps the untouched original.
func ApplyPayment(id core.DebtID, acc core.Account, amount decimal.Decimal) (core.Account, error) {
	if !amount.IsPositive() {
		return acc, core.InvalidInput("payment amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(acc.RemainingAmount) {
		return acc, &core.OverpaymentError{DebtID: id, Remaining: acc.RemainingAmount, Attempted: amount}
	}
	acc.PaidAmount = acc.PaidAmount.Add(amount)
	acc.Recompute()
	return acc, nil
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{Now: time.Now}
}

// -----------------------------------------------------------------------------
// Customer debts
// -----------------------------------------------------------------------------

func (l *Ledger) OpenCustomerDebt(ctx context.Context, tx core.Tx, customer core.CustomerID, order core.OrderID, total decimal.Decimal) (*core.CustomerDebt, error) {
	if total.IsNegative() {
		return nil, core.InvalidInput("debt total cannot be negative")
	}
	now := l.Now()
	d := &core.CustomerDebt{
		ID:         core.DebtID(core.NewID("cdebt")),
		CustomerID: customer,
		OrderID:    order,
		Account:    core.NewAccount(total),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertCustomerDebt(ctx, d); err != nil {
		return nil, fmt.Errorf("open customer debt: %w", err)
	}
	return d, nil
}

// PayCustomerDebt applies a payment to the order's debt.
func (l *Ledger) PayCustomerDebt(ctx context.Context, tx core.Tx, order core.OrderID, amount decimal.Decimal) (*core.CustomerDebt, error) {
	d, err := tx.GetCustomerDebtByOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if d.Void {
		return nil, &core.InvalidStatusTransitionError{Entity: "customer_debt", ID: string(d.ID), From: "void", To: "paid"}
	}

	acc, err := ApplyPayment(d.ID, d.Account, amount)
	if err != nil {
		return nil, err
	}
	d.Account = acc
	d.UpdatedAt = l.Now()
	if err := tx.UpdateCustomerDebt(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// VoidCustomerDebt closes the debt of a cancelled order: nothing more is owed,
// what was already paid stays on record.
func (l *Ledger) VoidCustomerDebt(ctx context.Context, tx core.Tx, order core.OrderID) (*core.CustomerDebt, error) {
	d, err := tx.GetCustomerDebtByOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if d.Void {
		return d, nil
	}
	d.Void = true
	d.TotalAmount = d.PaidAmount
	d.Recompute()
	d.UpdatedAt = l.Now()
	if err := tx.UpdateCustomerDebt(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// -----------------------------------------------------------------------------
// Dealer debts
// -----------------------------------------------------------------------------

// IncreaseByDistribution upserts the (dealer, manufacturer) debt and appends
// one obligation. ref must be unique per distribution event.
func (l *Ledger) IncreaseByDistribution(ctx context.Context, tx core.Tx, dealer core.DealershipID, mfr core.ManufacturerID, amount decimal.Decimal, ref string) (*core.DealerDebt, error) {
	if !amount.IsPositive() {
		return nil, core.InvalidInput("distribution amount must be positive, got %s", amount)
	}
	if err := tx.ClaimKey(ctx, "distribution:"+ref); err != nil {
		return nil, fmt.Errorf("distribution %s: %w", ref, err)
	}

	now := l.Now()
	obligation := core.Obligation{Ref: ref, Amount: amount, Settled: decimal.Zero, CreatedAt: now}

	d, err := tx.GetDealerDebt(ctx, dealer, mfr)
	if core.IsNotFound(err) {
		d = &core.DealerDebt{
			ID:             core.DebtID(core.NewID("ddebt")),
			DealershipID:   dealer,
			ManufacturerID: mfr,
			Account:        core.NewAccount(amount),
			Obligations:    []core.Obligation{obligation},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertDealerDebt(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	// Reopens a settled debt; Recompute keeps "partial" when something was paid.
	d.TotalAmount = d.TotalAmount.Add(amount)
	d.Recompute()
	d.Obligations = append(d.Obligations, obligation)
	d.UpdatedAt = now
	if err := tx.UpdateDealerDebt(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CustomerPayment is a customer payment being routed to a dealer debt.
type CustomerPayment struct {
	OrderID      core.OrderID
	DealershipID core.DealershipID
	PaymentRef   string
	Amount       decimal.Decimal
}

// SettleDealerDebtFromCustomerPayment uses up to min(payment, limit, remaining)
// of a customer payment to reduce the dealer's debt to mfr. A negative limit
// means no limit. Returns the settled amount; zero when nothing was owed.
func (l *Ledger) SettleDealerDebtFromCustomerPayment(ctx context.Context, tx core.Tx, p CustomerPayment, mfr core.ManufacturerID, limit decimal.Decimal) (decimal.Decimal, error) {
	if p.PaymentRef == "" {
		return decimal.Zero, core.InvalidInput("payment reference is required")
	}
	d, err := tx.GetDealerDebt(ctx, p.DealershipID, mfr)
	if err != nil {
		return decimal.Zero, err
	}
	if d.HasPayment(p.PaymentRef) {
		return decimal.Zero, fmt.Errorf("payment %s already settled debt %s: %w", p.PaymentRef, d.ID, core.ErrDuplicateIdempotencyKey)
	}

	amount := decimal.Min(p.Amount, d.RemainingAmount)
	if !limit.IsNegative() {
		amount = decimal.Min(amount, limit)
	}
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	if err := l.settle(ctx, tx, d, p.OrderID, p.PaymentRef, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// PayManufacturer records a direct dealer payment. Unlike customer-routed
// settlement it is not capped: paying more than remaining is Overpayment.
func (l *Ledger) PayManufacturer(ctx context.Context, tx core.Tx, dealer core.DealershipID, mfr core.ManufacturerID, paymentRef string, amount decimal.Decimal) (*core.DealerDebt, error) {
	if paymentRef == "" {
		return nil, core.InvalidInput("payment reference is required")
	}
	d, err := tx.GetDealerDebt(ctx, dealer, mfr)
	if err != nil {
		return nil, err
	}
	if d.HasPayment(paymentRef) {
		return nil, fmt.Errorf("payment %s already settled debt %s: %w", paymentRef, d.ID, core.ErrDuplicateIdempotencyKey)
	}
	if err := l.settle(ctx, tx, d, "", paymentRef, amount); err != nil {
		return nil, err
	}
	return d, nil
}

// settle applies amount to d, clearing obligations oldest-first and
// recording one Settlement per obligation touched. d is updated in place.
func (l *Ledger) settle(ctx context.Context, tx core.Tx, d *core.DealerDebt, order core.OrderID, ref string, amount decimal.Decimal) error {
	acc, err := ApplyPayment(d.ID, d.Account, amount)
	if err != nil {
		return err
	}

	now := l.Now()
	left := amount
	for i := range d.Obligations {
		if !left.IsPositive() {
			break
		}
		ob := &d.Obligations[i]
		out := ob.Outstanding()
		if !out.IsPositive() {
			continue
		}
		piece := decimal.Min(out, left)
		ob.Settled = ob.Settled.Add(piece)
		d.SettledByOrders = append(d.SettledByOrders, core.Settlement{
			OrderID:       order,
			PaymentRef:    ref,
			ObligationRef: ob.Ref,
			Amount:        piece,
			SettledAt:     now,
		})
		left = left.Sub(piece)
	}
	if left.IsPositive() {
		// Obligations always sum to TotalAmount, so ApplyPayment's check makes this unreachable.
		return fmt.Errorf("debt %s: obligations short by %s", d.ID, left)
	}

	d.Account = acc
	d.UpdatedAt = now
	return tx.UpdateDealerDebt(ctx, d)
}

// =============================================================================
// INVARIANT CHECKS
// =============================================================================

// CheckDealerDebt verifies the settlement invariant and obligation bookkeeping.
func CheckDealerDebt(d core.DealerDebt) error {
	paid := d.TotalAmount.Sub(d.RemainingAmount)
	if !d.SettledTotal().Equal(paid) {
		return fmt.Errorf("debt %s: settled_by_orders sum %s != total-remaining %s",
			d.ID, d.SettledTotal(), paid)
	}
	if !paid.Equal(d.PaidAmount) {
		return fmt.Errorf("debt %s: paid %s != total-remaining %s", d.ID, d.PaidAmount, paid)
	}
	if d.RemainingAmount.IsNegative() {
		return fmt.Errorf("debt %s: negative remaining %s", d.ID, d.RemainingAmount)
	}

	obligationTotal, obligationSettled := decimal.Zero, decimal.Zero
	for _, ob := range d.Obligations {
		obligationTotal = obligationTotal.Add(ob.Amount)
		obligationSettled = obligationSettled.Add(ob.Settled)
	}
	if !obligationTotal.Equal(d.TotalAmount) {
		return fmt.Errorf("debt %s: obligations sum %s != total %s", d.ID, obligationTotal, d.TotalAmount)
	}
	if !obligationSettled.Equal(paid) {
		return fmt.Errorf("debt %s: obligations settled %s != paid %s", d.ID, obligationSettled, paid)
	}
	return nil
}

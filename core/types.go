/*
Package core provides the shared model of the EV sales fulfillment engine.

PURPOSE:
  This package holds the entities that the Stock Ledger, Debt Ledger,
  Request Workflow and Order State Machine all agree on, plus the error
  taxonomy, the transactional store contract and the retry/lock helpers.
  It contains no business rules beyond per-entity invariants.

KEY CONCEPTS IN THIS FILE (types.go):
  - Owner: who holds a stock batch (a manufacturer or a dealership)
  - StockBatch: a timestamped quantity of one vehicle/color held by one owner
  - UsedStock: (batch, quantity) pair produced by allocation, used to reverse it
  - Account: total/paid/remaining balance with a derived status
  - Obligation / Settlement: FIFO bookkeeping inside an aggregated dealer debt

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal
  2. Type Safety: distinct ID types for every entity
  3. Auditability: allocations carry their used_stocks trail, dealer debts
     carry settled_by_orders, orders carry an append-only status log

SEE ALSO:
  - order.go: Order, OrderItem and the lifecycle states
  - request.go: OrderRequest and RequestVehicle
  - store.go: Store / Tx persistence contract
*/
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type VehicleID string
type ManufacturerID string
type DealershipID string
type CustomerID string
type BatchID string
type OrderID string
type DebtID string
type RequestID string
type RequestVehicleID string

// NewID returns a random identifier with a readable prefix, e.g. "batch-3f2a...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// NewCode returns a short human-facing code such as "ORD-1A2B3C4D".
func NewCode(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(raw[:8])
}

// =============================================================================
// CATALOG
// =============================================================================

// Vehicle is the catalog entry the engine needs: who builds it and what it costs.
type Vehicle struct {
	ID             VehicleID
	ManufacturerID ManufacturerID
	Model          string

	// Price is the list price charged to customers.
	Price decimal.Decimal

	// DistributionPrice is what the manufacturer charges the dealer per unit.
	DistributionPrice decimal.Decimal
}

// WholesalePrice is the per-unit amount added to dealer debt on distribution.
func (v Vehicle) WholesalePrice() decimal.Decimal {
	if v.DistributionPrice.IsPositive() {
		return v.DistributionPrice
	}
	return v.Price
}

// =============================================================================
// OWNERS
// =============================================================================

type OwnerType string

const (
	OwnerManufacturer OwnerType = "manufacturer"
	OwnerDealer       OwnerType = "dealer"
)

type Owner struct {
	Type OwnerType
	ID   string
}

func ManufacturerOwner(id ManufacturerID) Owner { return Owner{Type: OwnerManufacturer, ID: string(id)} }
func DealerOwner(id DealershipID) Owner         { return Owner{Type: OwnerDealer, ID: string(id)} }

func (o Owner) String() string { return string(o.Type) + ":" + o.ID }

func (o Owner) Valid() bool {
	return (o.Type == OwnerManufacturer || o.Type == OwnerDealer) && o.ID != ""
}

// =============================================================================
// STOCK BATCH
// =============================================================================

// StockBatch is never deleted. RemainingQuantity only goes down through
// allocation and comes back only through an explicit reversal.
type StockBatch struct {
	ID                BatchID
	VehicleID         VehicleID
	Color             string
	Owner             Owner
	Quantity          int
	RemainingQuantity int
	ReceivedAt        time.Time

	// Seq is assigned by the store on insert and breaks ReceivedAt ties.
	Seq int64

	// Version is bumped on every update (optimistic concurrency).
	Version int64
}

// Check verifies 0 <= remaining <= quantity.
func (b StockBatch) Check() error {
	if b.RemainingQuantity < 0 || b.RemainingQuantity > b.Quantity {
		return fmt.Errorf("batch %s: remaining %d outside [0, %d]", b.ID, b.RemainingQuantity, b.Quantity)
	}
	return nil
}

// FIFOLess orders batches oldest-first.
func FIFOLess(a, b StockBatch) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.Seq < b.Seq
}

// UsedStock records how much of one batch an allocation consumed.
type UsedStock struct {
	BatchID  BatchID `json:"batch_id"`
	Quantity int     `json:"quantity"`
}

func SumUsed(used []UsedStock) int {
	total := 0
	for _, u := range used {
		total += u.Quantity
	}
	return total
}

// BatchFilter selects batches. An empty Color matches every color.
type BatchFilter struct {
	VehicleID VehicleID
	Color     string
	Owner     *Owner
}

// =============================================================================
// ACCOUNT - shared by both debt types
// =============================================================================

type DebtStatus string

const (
	DebtOpen    DebtStatus = "open"
	DebtPartial DebtStatus = "partial"
	DebtSettled DebtStatus = "settled"
)

// Account is a running balance between two parties.
type Account struct {
	TotalAmount     decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          DebtStatus
}

func NewAccount(total decimal.Decimal) Account {
	a := Account{TotalAmount: total, PaidAmount: decimal.Zero}
	a.Recompute()
	return a
}

// Recompute derives RemainingAmount and Status from Total and Paid.
func (a *Account) Recompute() {
	a.RemainingAmount = a.TotalAmount.Sub(a.PaidAmount)
	switch {
	case !a.RemainingAmount.IsPositive():
		a.Status = DebtSettled
	case a.PaidAmount.IsPositive():
		a.Status = DebtPartial
	default:
		a.Status = DebtOpen
	}
}

// =============================================================================
// DEBTS
// =============================================================================

// CustomerDebt is what a customer owes the dealer for one order.
type CustomerDebt struct {
	ID         DebtID
	CustomerID CustomerID
	OrderID    OrderID
	Account

	// Void is set when the order is cancelled; the account is zeroed.
	Void bool

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Obligation is one distribution event folded into a DealerDebt.
type Obligation struct {
	Ref       string          `json:"ref"`
	Amount    decimal.Decimal `json:"amount"`
	Settled   decimal.Decimal `json:"settled"`
	CreatedAt time.Time       `json:"created_at"`
}

func (o Obligation) Outstanding() decimal.Decimal { return o.Amount.Sub(o.Settled) }

// Settlement attributes part of a dealer debt reduction to its source.
// OrderID is empty for direct dealer payments.
type Settlement struct {
	OrderID       OrderID         `json:"order_id,omitempty"`
	PaymentRef    string          `json:"payment_ref"`
	ObligationRef string          `json:"obligation_ref"`
	Amount        decimal.Decimal `json:"amount"`
	SettledAt     time.Time       `json:"settled_at"`
}

// DealerDebt aggregates everything a dealership owes one manufacturer.
//
// INVARIANT: sum(SettledByOrders.Amount) == TotalAmount - RemainingAmount
type DealerDebt struct {
	ID             DebtID
	DealershipID   DealershipID
	ManufacturerID ManufacturerID
	Account

	Obligations     []Obligation
	SettledByOrders []Settlement

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

func (d DealerDebt) SettledTotal() decimal.Decimal {
	total := decimal.Zero
	for _, s := range d.SettledByOrders {
		total = total.Add(s.Amount)
	}
	return total
}

// SettledByOrder sums the settlements attributed to one order.
func (d DealerDebt) SettledByOrder(orderID OrderID) decimal.Decimal {
	total := decimal.Zero
	for _, s := range d.SettledByOrders {
		if s.OrderID == orderID {
			total = total.Add(s.Amount)
		}
	}
	return total
}

// HasPayment reports whether a payment reference already settled this debt.
func (d DealerDebt) HasPayment(ref string) bool {
	for _, s := range d.SettledByOrders {
		if s.PaymentRef == ref {
			return true
		}
	}
	return false
}

func (d DealerDebt) Clone() DealerDebt {
	c := d
	c.Obligations = append([]Obligation(nil), d.Obligations...)
	c.SettledByOrders = append([]Settlement(nil), d.SettledByOrders...)
	return c
}

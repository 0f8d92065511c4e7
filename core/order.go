package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ORDER LIFECYCLE
// =============================================================================

type OrderStatus string

const (
	StatusPending               OrderStatus = "pending"
	StatusDepositPaid           OrderStatus = "deposit_paid"
	StatusWaitingVehicleRequest OrderStatus = "waiting_vehicle_request"
	StatusVehicleReady          OrderStatus = "vehicle_ready"
	StatusFullyPaid             OrderStatus = "fully_paid"
	StatusDelivered             OrderStatus = "delivered"
	StatusCompleted             OrderStatus = "completed"
	StatusCancelled             OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable is true for every non-terminal state except delivered.
func (s OrderStatus) Cancellable() bool {
	return !s.IsTerminal() && s != StatusDelivered
}

// PricedExtra is an option or accessory already resolved to a price.
type PricedExtra struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type OrderItem struct {
	VehicleID   VehicleID       `json:"vehicle_id"`
	Color       string          `json:"color,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	PromotionID string          `json:"promotion_id,omitempty"`
	Options     []PricedExtra   `json:"options,omitempty"`
	Accessories []PricedExtra   `json:"accessories,omitempty"`

	// UsedStocks is filled when allocation succeeds. It stays after a
	// cancellation as the audit trail; Order.StockReversed marks it undone.
	UsedStocks []UsedStock `json:"used_stocks,omitempty"`
}

// Subtotal = unit_price × quantity − discount + options + accessories.
func (i OrderItem) Subtotal() decimal.Decimal {
	total := i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Sub(i.Discount)
	for _, o := range i.Options {
		total = total.Add(o.Price)
	}
	for _, a := range i.Accessories {
		total = total.Add(a.Price)
	}
	return total
}

func (i OrderItem) Allocated() bool {
	return len(i.UsedStocks) > 0 && SumUsed(i.UsedStocks) == i.Quantity
}

// Order is a customer purchase handled by one dealership.
//
// INVARIANT: PaidAmount <= FinalAmount
type Order struct {
	ID           OrderID
	Code         string
	CustomerID   CustomerID
	DealershipID DealershipID
	Items        []OrderItem
	FinalAmount  decimal.Decimal
	PaidAmount   decimal.Decimal
	Status       OrderStatus

	// RequestID links the resupply request spawned for this order, if any.
	RequestID RequestID

	// Notes are annotations left by the workflow (e.g. a rejected request).
	Notes []string

	// StockReversed guards against reversing allocations twice.
	StockReversed bool

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

func (o Order) FullyAllocated() bool {
	for _, it := range o.Items {
		if !it.Allocated() {
			return false
		}
	}
	return len(o.Items) > 0
}

// UsedStocks returns every allocation made for this order, item by item.
func (o Order) UsedStocks() []UsedStock {
	var used []UsedStock
	for _, it := range o.Items {
		used = append(used, it.UsedStocks...)
	}
	return used
}

func (o Order) Clone() Order {
	c := o
	c.Items = make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.Options = append([]PricedExtra(nil), it.Options...)
		it.Accessories = append([]PricedExtra(nil), it.Accessories...)
		it.UsedStocks = append([]UsedStock(nil), it.UsedStocks...)
		c.Items[i] = it
	}
	c.Notes = append([]string(nil), o.Notes...)
	return c
}

// OrderStatusLog is append-only. One entry per successful transition,
// preceded by a creation record: the first entry of every order has an
// empty OldStatus and NewStatus pending.
type OrderStatusLog struct {
	ID        string
	OrderID   OrderID
	OldStatus OrderStatus
	NewStatus OrderStatus
	ChangedBy string
	Reason    string
	Timestamp time.Time
}

// IsCreation reports whether the entry records the order's creation
// rather than a transition.
func (l OrderStatusLog) IsCreation() bool { return l.OldStatus == "" }

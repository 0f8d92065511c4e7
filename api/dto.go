/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the engine's
  entities from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; decodeAndValidate in
  handlers.go rejects a body before it reaches a service. Business rules
  (stock, debt, transitions) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/order"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type VehicleRequest struct {
	ID                string          `json:"id" validate:"required"`
	ManufacturerID    string          `json:"manufacturer_id" validate:"required"`
	Model             string          `json:"model" validate:"required"`
	Price             decimal.Decimal `json:"price"`
	DistributionPrice decimal.Decimal `json:"distribution_price"`
}

type ReceiveStockRequest struct {
	VehicleID  string    `json:"vehicle_id" validate:"required"`
	Color      string    `json:"color" validate:"required"`
	OwnerType  string    `json:"owner_type" validate:"required,oneof=manufacturer dealer"`
	OwnerID    string    `json:"owner_id" validate:"required"`
	Quantity   int       `json:"quantity" validate:"required,gt=0"`
	ReceivedAt time.Time `json:"received_at"`
}

type ExtraRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name" validate:"required"`
	Price decimal.Decimal `json:"price"`
}

type OrderItemRequest struct {
	VehicleID   string          `json:"vehicle_id" validate:"required"`
	Color       string          `json:"color"`
	Quantity    int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	PromotionID string          `json:"promotion_id"`
	Options     []ExtraRequest  `json:"options" validate:"dive"`
	Accessories []ExtraRequest  `json:"accessories" validate:"dive"`
}

type CreateOrderRequest struct {
	CustomerID   string             `json:"customer_id" validate:"required"`
	DealershipID string             `json:"dealership_id" validate:"required"`
	Items        []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type PaymentRequest struct {
	Ref    string          `json:"ref" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RequestItemRequest struct {
	VehicleID string `json:"vehicle_id" validate:"required"`
	Color     string `json:"color" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type CreateOrderRequestRequest struct {
	DealershipID string               `json:"dealership_id" validate:"required"`
	OrderID      string               `json:"order_id"`
	Items        []RequestItemRequest `json:"items" validate:"required,min=1,dive"`
}

type ManufacturerPaymentRequest struct {
	DealershipID   string          `json:"dealership_id" validate:"required"`
	ManufacturerID string          `json:"manufacturer_id" validate:"required"`
	Ref            string          `json:"ref" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type VehicleDTO struct {
	ID                string          `json:"id"`
	ManufacturerID    string          `json:"manufacturer_id"`
	Model             string          `json:"model"`
	Price             decimal.Decimal `json:"price"`
	DistributionPrice decimal.Decimal `json:"distribution_price"`
}

func toVehicleDTO(v core.Vehicle) VehicleDTO {
	return VehicleDTO{
		ID:                string(v.ID),
		ManufacturerID:    string(v.ManufacturerID),
		Model:             v.Model,
		Price:             v.Price,
		DistributionPrice: v.DistributionPrice,
	}
}

type BatchDTO struct {
	ID                string `json:"id"`
	VehicleID         string `json:"vehicle_id"`
	Color             string `json:"color"`
	OwnerType         string `json:"owner_type"`
	OwnerID           string `json:"owner_id"`
	Quantity          int    `json:"quantity"`
	RemainingQuantity int    `json:"remaining_quantity"`
	ReceivedAt        string `json:"received_at"`
}

func toBatchDTO(b core.StockBatch) BatchDTO {
	return BatchDTO{
		ID:                string(b.ID),
		VehicleID:         string(b.VehicleID),
		Color:             b.Color,
		OwnerType:         string(b.Owner.Type),
		OwnerID:           b.Owner.ID,
		Quantity:          b.Quantity,
		RemainingQuantity: b.RemainingQuantity,
		ReceivedAt:        b.ReceivedAt.Format(time.RFC3339Nano),
	}
}

type AvailabilityDTO struct {
	VehicleID string `json:"vehicle_id"`
	Color     string `json:"color"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	Remaining int    `json:"remaining"`
	Batches   int    `json:"batches"`
}

func toAvailabilityDTO(a stock.ColorAvailability) AvailabilityDTO {
	return AvailabilityDTO{
		VehicleID: string(a.VehicleID),
		Color:     a.Color,
		OwnerType: string(a.Owner.Type),
		OwnerID:   a.Owner.ID,
		Remaining: a.Remaining,
		Batches:   a.Batches,
	}
}

type OrderItemDTO struct {
	VehicleID   string             `json:"vehicle_id"`
	Color       string             `json:"color,omitempty"`
	Quantity    int                `json:"quantity"`
	UnitPrice   decimal.Decimal    `json:"unit_price"`
	Discount    decimal.Decimal    `json:"discount"`
	PromotionID string             `json:"promotion_id,omitempty"`
	Options     []core.PricedExtra `json:"options,omitempty"`
	Accessories []core.PricedExtra `json:"accessories,omitempty"`
	Subtotal    decimal.Decimal    `json:"subtotal"`
	UsedStocks  []core.UsedStock   `json:"used_stocks"`
}

// OrderDTO is the order view: status plus each item's used_stocks trace.
type OrderDTO struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	CustomerID    string          `json:"customer_id"`
	DealershipID  string          `json:"dealership_id"`
	Status        string          `json:"status"`
	Items         []OrderItemDTO  `json:"items"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	RequestID     string          `json:"request_id,omitempty"`
	Notes         []string        `json:"notes,omitempty"`
	StockReversed bool            `json:"stock_reversed"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

func toOrderDTO(o core.Order) OrderDTO {
	items := make([]OrderItemDTO, len(o.Items))
	for i, it := range o.Items {
		used := it.UsedStocks
		if used == nil {
			used = []core.UsedStock{}
		}
		items[i] = OrderItemDTO{
			VehicleID:   string(it.VehicleID),
			Color:       it.Color,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Discount:    it.Discount,
			PromotionID: it.PromotionID,
			Options:     it.Options,
			Accessories: it.Accessories,
			Subtotal:    it.Subtotal(),
			UsedStocks:  used,
		}
	}
	return OrderDTO{
		ID:            string(o.ID),
		Code:          o.Code,
		CustomerID:    string(o.CustomerID),
		DealershipID:  string(o.DealershipID),
		Status:        string(o.Status),
		Items:         items,
		FinalAmount:   o.FinalAmount,
		PaidAmount:    o.PaidAmount,
		RequestID:     string(o.RequestID),
		Notes:         o.Notes,
		StockReversed: o.StockReversed,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
}

// StatusLogDTO omits old_status on the creation record.
type StatusLogDTO struct {
	Creation  bool   `json:"creation,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func toStatusLogDTOs(logs []core.OrderStatusLog) []StatusLogDTO {
	out := make([]StatusLogDTO, len(logs))
	for i, l := range logs {
		out[i] = StatusLogDTO{
			Creation:  l.IsCreation(),
			OldStatus: string(l.OldStatus),
			NewStatus: string(l.NewStatus),
			ChangedBy: l.ChangedBy,
			Reason:    l.Reason,
			Timestamp: l.Timestamp.Format(time.RFC3339Nano),
		}
	}
	return out
}

type SettlementLineDTO struct {
	ManufacturerID string          `json:"manufacturer_id"`
	Amount         decimal.Decimal `json:"amount"`
}

type PaymentDTO struct {
	Order        OrderDTO            `json:"order"`
	CustomerDebt CustomerDebtDTO     `json:"customer_debt"`
	Settlements  []SettlementLineDTO `json:"settlements"`
	Transitions  []StatusLogDTO      `json:"transitions"`
}

func toPaymentDTO(res *order.PaymentResult) PaymentDTO {
	lines := make([]SettlementLineDTO, len(res.Settlements))
	for i, l := range res.Settlements {
		lines[i] = SettlementLineDTO{ManufacturerID: string(l.ManufacturerID), Amount: l.Amount}
	}
	return PaymentDTO{
		Order:        toOrderDTO(res.Order),
		CustomerDebt: toCustomerDebtDTO(res.CustomerDebt),
		Settlements:  lines,
		Transitions:  toStatusLogDTOs(res.Transitions),
	}
}

type CustomerDebtDTO struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	OrderID         string          `json:"order_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
	Void            bool            `json:"void"`
}

func toCustomerDebtDTO(d core.CustomerDebt) CustomerDebtDTO {
	return CustomerDebtDTO{
		ID:              string(d.ID),
		CustomerID:      string(d.CustomerID),
		OrderID:         string(d.OrderID),
		TotalAmount:     d.TotalAmount,
		PaidAmount:      d.PaidAmount,
		RemainingAmount: d.RemainingAmount,
		Status:          string(d.Status),
		Void:            d.Void,
	}
}

// DealerDebtDTO includes the settled_by_orders trail.
type DealerDebtDTO struct {
	ID              string            `json:"id"`
	DealershipID    string            `json:"dealership_id"`
	ManufacturerID  string            `json:"manufacturer_id"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	PaidAmount      decimal.Decimal   `json:"paid_amount"`
	RemainingAmount decimal.Decimal   `json:"remaining_amount"`
	Status          string            `json:"status"`
	Obligations     []core.Obligation `json:"obligations"`
	SettledByOrders []core.Settlement `json:"settled_by_orders"`
}

func toDealerDebtDTO(d core.DealerDebt) DealerDebtDTO {
	obligations := d.Obligations
	if obligations == nil {
		obligations = []core.Obligation{}
	}
	settled := d.SettledByOrders
	if settled == nil {
		settled = []core.Settlement{}
	}
	return DealerDebtDTO{
		ID:              string(d.ID),
		DealershipID:    string(d.DealershipID),
		ManufacturerID:  string(d.ManufacturerID),
		TotalAmount:     d.TotalAmount,
		PaidAmount:      d.PaidAmount,
		RemainingAmount: d.RemainingAmount,
		Status:          string(d.Status),
		Obligations:     obligations,
		SettledByOrders: settled,
	}
}

type OrderRequestDTO struct {
	ID           string             `json:"id"`
	Code         string             `json:"code"`
	DealershipID string             `json:"dealership_id"`
	OrderID      string             `json:"order_id,omitempty"`
	Items        []core.RequestItem `json:"items"`
	Status       string             `json:"status"`
	CreatedBy    string             `json:"created_by"`
	DecidedBy    string             `json:"decided_by,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	CreatedAt    string             `json:"created_at"`
}

func toOrderRequestDTO(r core.OrderRequest) OrderRequestDTO {
	return OrderRequestDTO{
		ID:           string(r.ID),
		Code:         r.Code,
		DealershipID: string(r.DealershipID),
		OrderID:      string(r.OrderID),
		Items:        r.Items,
		Status:       string(r.Status),
		CreatedBy:    r.CreatedBy,
		DecidedBy:    r.DecidedBy,
		Reason:       r.Reason,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

type RequestVehicleDTO struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	DealershipID   string  `json:"dealership_id"`
	ManufacturerID string  `json:"manufacturer_id"`
	VehicleID      string  `json:"vehicle_id"`
	Color          string  `json:"color"`
	Quantity       int     `json:"quantity"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	BatchID        string  `json:"batch_id,omitempty"`
	DistributedAt  *string `json:"distributed_at,omitempty"`
}

func toRequestVehicleDTO(rv core.RequestVehicle) RequestVehicleDTO {
	dto := RequestVehicleDTO{
		ID:             string(rv.ID),
		RequestID:      string(rv.RequestID),
		DealershipID:   string(rv.DealershipID),
		ManufacturerID: string(rv.ManufacturerID),
		VehicleID:      string(rv.VehicleID),
		Color:          rv.Color,
		Quantity:       rv.Quantity,
		Status:         string(rv.Status),
		Reason:         rv.Reason,
		BatchID:        string(rv.BatchID),
	}
	if rv.DistributedAt != nil {
		s := rv.DistributedAt.Format(time.RFC3339)
		dto.DistributedAt = &s
	}
	return dto
}

type SkippedItemDTO struct {
	Item     core.RequestItem `json:"item"`
	Existing string           `json:"existing_request_vehicle_id"`
}

type ApproveDTO struct {
	Request OrderRequestDTO     `json:"request"`
	Created []RequestVehicleDTO `json:"created"`
	Skipped []SkippedItemDTO    `json:"skipped"`
}

func toApproveDTO(res *request.ApproveResult) ApproveDTO {
	dto := ApproveDTO{
		Request: toOrderRequestDTO(res.Request),
		Created: make([]RequestVehicleDTO, len(res.Created)),
		Skipped: make([]SkippedItemDTO, len(res.Skipped)),
	}
	for i, rv := range res.Created {
		dto.Created[i] = toRequestVehicleDTO(rv)
	}
	for i, s := range res.Skipped {
		dto.Skipped[i] = SkippedItemDTO{Item: s.Item, Existing: string(s.Existing)}
	}
	return dto
}

type DistributionDTO struct {
	RequestVehicle RequestVehicleDTO `json:"request_vehicle"`
	Consumed       []core.UsedStock  `json:"consumed"`
	Batch          BatchDTO          `json:"batch"`
	DebtIncrease   decimal.Decimal   `json:"debt_increase"`
	DealerDebt     DealerDebtDTO     `json:"dealer_debt"`
}

func toDistributionDTO(res *request.DistributionResult) DistributionDTO {
	return DistributionDTO{
		RequestVehicle: toRequestVehicleDTO(res.RequestVehicle),
		Consumed:       res.Transfer.Consumed,
		Batch:          toBatchDTO(res.Transfer.Batch),
		DebtIncrease:   res.DebtIncrease,
		DealerDebt:     toDealerDebtDTO(res.DealerDebt),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// AuditDTO reports one auditor pass.
type AuditDTO struct {
	RanAt      string   `json:"ran_at"`
	Batches    int      `json:"batches_checked"`
	Debts      int      `json:"debts_checked"`
	Violations []string `json:"violations"`
}

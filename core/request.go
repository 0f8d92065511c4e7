package core

import "time"

// =============================================================================
// ORDER REQUEST - dealer-internal resupply request
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestCanceled RequestStatus = "canceled"
)

// IsTerminal is true once a manager has decided. Approval is one-way.
func (s RequestStatus) IsTerminal() bool { return s != RequestPending }

type RequestItem struct {
	VehicleID VehicleID `json:"vehicle_id"`
	Color     string    `json:"color"`
	Quantity  int       `json:"quantity"`
}

// OrderRequest asks the dealership manager for vehicles.
//
// INVARIANT: at most one non-terminal OrderRequest per OrderID.
type OrderRequest struct {
	ID           RequestID
	Code         string
	DealershipID DealershipID
	OrderID      OrderID // empty for stock replenishment not tied to an order
	Items        []RequestItem
	Status       RequestStatus
	CreatedBy    string
	DecidedBy    string
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r OrderRequest) Clone() OrderRequest {
	c := r
	c.Items = append([]RequestItem(nil), r.Items...)
	return c
}

// =============================================================================
// REQUEST VEHICLE - manufacturer-facing per-item request
// =============================================================================

type VehicleRequestStatus string

const (
	VehicleRequestPending  VehicleRequestStatus = "pending"
	VehicleRequestApproved VehicleRequestStatus = "approved"
	VehicleRequestRejected VehicleRequestStatus = "rejected"
)

func (s VehicleRequestStatus) IsTerminal() bool { return s != VehicleRequestPending }

type RequestVehicle struct {
	ID             RequestVehicleID
	RequestID      RequestID
	DealershipID   DealershipID
	ManufacturerID ManufacturerID
	VehicleID      VehicleID
	Color          string
	Quantity       int
	Status         VehicleRequestStatus
	Reason         string

	// BatchID is the dealer batch created when the manufacturer distributed.
	BatchID       BatchID
	DistributedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestVehicleFilter selects request vehicles. Zero fields match all.
type RequestVehicleFilter struct {
	RequestID      RequestID
	DealershipID   DealershipID
	ManufacturerID ManufacturerID
	VehicleID      VehicleID
	Color          *string
	Status         VehicleRequestStatus
}

package core

import "fmt"

// =============================================================================
// ACTORS AND CAPABILITIES
// =============================================================================

// Role is a closed set. Anything else fails ParseRole.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleManufacturerStaff Role = "manufacturer_staff"
	RoleDealerManager     Role = "dealer_manager"
	RoleDealerStaff       Role = "dealer_staff"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleManufacturerStaff, RoleDealerManager, RoleDealerStaff:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Actor is an already-authenticated caller. The engine only records ID.
type Actor struct {
	ID             string
	Role           Role
	DealershipID   DealershipID
	ManufacturerID ManufacturerID
}

// SystemActor is used for transitions the engine fires on its own.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

type Capability string

const (
	CapManageCatalog     Capability = "manage_catalog"
	CapReceiveStock      Capability = "receive_stock"
	CapViewStock         Capability = "view_stock"
	CapCreateOrder       Capability = "create_order"
	CapRecordPayment     Capability = "record_payment"
	CapDeliverOrder      Capability = "deliver_order"
	CapCancelOrder       Capability = "cancel_order"
	CapCreateRequest     Capability = "create_request"
	CapDecideRequest     Capability = "decide_request"
	CapDistributeVehicle Capability = "distribute_vehicle"
	CapPayManufacturer   Capability = "pay_manufacturer"
	CapViewDebts         Capability = "view_debts"

	// CapManageSystem covers audits and demo scenarios; no role but admin holds it.
	CapManageSystem Capability = "manage_system"
)

var capabilities = map[Role][]Capability{
	RoleManufacturerStaff: {
		CapManageCatalog, CapReceiveStock, CapViewStock, CapDistributeVehicle, CapViewDebts,
	},
	RoleDealerManager: {
		CapViewStock, CapCreateOrder, CapRecordPayment, CapDeliverOrder, CapCancelOrder,
		CapCreateRequest, CapDecideRequest, CapPayManufacturer, CapViewDebts,
	},
	RoleDealerStaff: {
		CapViewStock, CapCreateOrder, CapRecordPayment, CapCreateRequest, CapViewDebts,
	},
}

// Can is the single capability check used at the boundary.
func Can(a Actor, c Capability) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, have := range capabilities[a.Role] {
		if have == c {
			return true
		}
	}
	return false
}

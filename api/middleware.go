/*
middleware.go - Actor resolution and capability checks

PURPOSE:
  Every /api route except health runs as an Actor. The actor is read from
  request headers set by the upstream gateway:

    X-Actor-ID          caller identity (required)
    X-Actor-Role        admin | manufacturer_staff | dealer_manager | dealer_staff
    X-Dealership-ID     dealership the caller belongs to (dealer roles)
    X-Manufacturer-ID   manufacturer the caller belongs to (manufacturer staff)

  The headers are trusted as given; authentication happens before this
  service.

SCOPE RULES:
  - Dealer roles only see and act on their own dealership.
  - Manufacturer staff only receive stock for and distribute from their
    own manufacturer.
  - Admin is unrestricted.

SEE ALSO:
  - core/actor.go: Roles, capabilities and Can
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/ev-sales-engine/core"
)

type actorKey struct{}

// withActor resolves the actor from headers and stores it in the context.
func (h *Handler) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Actor-ID")
		if id == "" {
			writeError(w, http.StatusUnauthorized, "X-Actor-ID header is required", "unauthenticated", nil)
			return
		}
		role, err := core.ParseRole(r.Header.Get("X-Actor-Role"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "unauthenticated", nil)
			return
		}
		actor := core.Actor{
			ID:             id,
			Role:           role,
			DealershipID:   core.DealershipID(r.Header.Get("X-Dealership-ID")),
			ManufacturerID: core.ManufacturerID(r.Header.Get("X-Manufacturer-ID")),
		}
		switch {
		case isDealerRole(role) && actor.DealershipID == "":
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("X-Dealership-ID is required for %s", role), "unauthenticated", nil)
			return
		case role == core.RoleManufacturerStaff && actor.ManufacturerID == "":
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("X-Manufacturer-ID is required for %s", role), "unauthenticated", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// require rejects the request with 403 unless the actor holds c.
func (h *Handler) require(c core.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFrom(r)
			if !core.Can(actor, c) {
				h.fail(w, r, fmt.Errorf("%w: %s cannot %s", core.ErrForbidden, actor.Role, c))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func actorFrom(r *http.Request) core.Actor {
	a, _ := r.Context().Value(actorKey{}).(core.Actor)
	return a
}

func isDealerRole(role core.Role) bool {
	return role == core.RoleDealerManager || role == core.RoleDealerStaff
}

// checkDealer fails for dealer roles acting outside their dealership.
func checkDealer(a core.Actor, dealer core.DealershipID) error {
	if isDealerRole(a.Role) && a.DealershipID != dealer {
		return fmt.Errorf("%w: actor belongs to dealership %s, not %s", core.ErrForbidden, a.DealershipID, dealer)
	}
	return nil
}

// checkManufacturer fails for manufacturer staff acting for another manufacturer.
func checkManufacturer(a core.Actor, mfr core.ManufacturerID) error {
	if a.Role == core.RoleManufacturerStaff && a.ManufacturerID != mfr {
		return fmt.Errorf("%w: actor belongs to manufacturer %s, not %s", core.ErrForbidden, a.ManufacturerID, mfr)
	}
	return nil
}

// checkOwner applies the scope rule matching the owner's type.
func checkOwner(a core.Actor, o core.Owner) error {
	switch o.Type {
	case core.OwnerDealer:
		if a.Role == core.RoleManufacturerStaff {
			return fmt.Errorf("%w: manufacturer staff cannot act on dealer stock", core.ErrForbidden)
		}
		return checkDealer(a, core.DealershipID(o.ID))
	case core.OwnerManufacturer:
		if isDealerRole(a.Role) {
			return nil
		}
		return checkManufacturer(a, core.ManufacturerID(o.ID))
	}
	return nil
}

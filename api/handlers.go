/*
handlers.go - HTTP API handlers for the order fulfillment engine

PURPOSE:
  Exposes the stock ledger, debt ledger, request workflow and order state
  machine via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the services.

ENDPOINTS:
  Catalog & stock:
    GET    /api/vehicles                         List vehicles
    POST   /api/vehicles                         Register vehicle
    GET    /api/stock/batches                    List batches (FIFO order)
    POST   /api/stock/batches                    Receive a stock batch
    GET    /api/stock/availability               Remaining stock by vehicle/color

  Orders:
    GET    /api/orders                           List orders
    POST   /api/orders                           Create order
    GET    /api/orders/{id}                      Order with used_stocks
    GET    /api/orders/{id}/logs                 Status history
    GET    /api/orders/{id}/debt                 Customer debt for the order
    POST   /api/orders/{id}/payments             Record customer payment
    POST   /api/orders/{id}/resume               Retry allocation of a waiting order
    POST   /api/orders/{id}/deliver              Confirm delivery
    POST   /api/orders/{id}/complete             Close a delivered order
    POST   /api/orders/{id}/cancel               Cancel and reverse stock

  Requests:
    GET    /api/requests                         List order requests
    POST   /api/requests                         Create order request
    GET    /api/requests/{id}                    Get order request
    POST   /api/requests/{id}/approve            Approve (fan out request vehicles)
    POST   /api/requests/{id}/reject             Reject
    POST   /api/requests/{id}/cancel             Cancel
    GET    /api/request-vehicles                 List request vehicles
    POST   /api/request-vehicles/{id}/distribute Ship from manufacturer to dealer
    POST   /api/request-vehicles/{id}/reject     Manufacturer declines

  Debts:
    GET    /api/debts/customers/{customer_id}                 Customer debts
    GET    /api/debts/dealers/{dealership_id}                 Dealer debts
    GET    /api/debts/dealers/{dealership_id}/{manufacturer_id} One dealer debt
    POST   /api/debts/dealers/payments                        Dealer pays manufacturer

  System:
    GET    /api/health                           Database ping
    GET    /api/audit                            Last ledger audit
    POST   /api/audit/run                        Run ledger audit now
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

REQUEST FLOW:
  1. Resolve actor from headers (middleware.go)
  2. Check capability and dealership/manufacturer scope
  3. Decode and validate the body
  4. Call the service
  5. Serialize response or map the error

ERROR HANDLING:
  Errors are returned as {"error", "code", "details"} with:
  - 400: Validation errors, invalid input
  - 401: Missing or malformed actor headers
  - 403: Capability or scope check failed
  - 404: Entity or debt not found
  - 409: Insufficient stock, invalid transition, duplicate request or payment
  - 422: Overpayment
  - 503: Concurrent modification or lock timeout (safe to retry)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Actor headers and scope rules
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/order"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Database is the part of the store the handlers touch directly.
type Database interface {
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	DB       Database
	Stock    *stock.Service
	Debts    *debt.Service
	Requests *request.Service
	Orders   *order.Service
	Auditor  *LedgerAuditor

	Validate *validator.Validate
	Log      logrus.FieldLogger
}

func NewHandler(db Database, stockSvc *stock.Service, debtSvc *debt.Service, requestSvc *request.Service,
	orderSvc *order.Service, auditor *LedgerAuditor, log logrus.FieldLogger) *Handler {
	return &Handler{
		DB:       db,
		Stock:    stockSvc,
		Debts:    debtSvc,
		Requests: requestSvc,
		Orders:   orderSvc,
		Auditor:  auditor,
		Validate: validator.New(),
		Log:      log,
	}
}

// =============================================================================
// CATALOG & STOCK HANDLERS
// =============================================================================

func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.Stock.ListVehicles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]VehicleDTO, len(vehicles))
	for i, v := range vehicles {
		dtos[i] = toVehicleDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req VehicleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := checkManufacturer(actorFrom(r), core.ManufacturerID(req.ManufacturerID)); err != nil {
		h.fail(w, r, err)
		return
	}

	v := core.Vehicle{
		ID:                core.VehicleID(req.ID),
		ManufacturerID:    core.ManufacturerID(req.ManufacturerID),
		Model:             req.Model,
		Price:             req.Price,
		DistributionPrice: req.DistributionPrice,
	}
	if err := h.Stock.RegisterVehicle(r.Context(), v); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVehicleDTO(v))
}

// ReceiveStock registers a new batch at its owner.
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiveStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	owner := core.Owner{Type: core.OwnerType(req.OwnerType), ID: req.OwnerID}
	if err := checkOwner(actorFrom(r), owner); err != nil {
		h.fail(w, r, err)
		return
	}

	batch, err := h.Stock.Receive(r.Context(), stock.ReceiveInput{
		VehicleID:  core.VehicleID(req.VehicleID),
		Color:      req.Color,
		Owner:      owner,
		Quantity:   req.Quantity,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(*batch))
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromQuery(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	batches, err := h.Stock.Batches(r.Context(), core.BatchFilter{
		VehicleID: core.VehicleID(q.Get("vehicle_id")),
		Color:     q.Get("color"),
		Owner:     owner,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromQuery(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	avail, err := h.Stock.Availability(r.Context(), *owner, core.VehicleID(r.URL.Query().Get("vehicle_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AvailabilityDTO, len(avail))
	for i, a := range avail {
		dtos[i] = toAvailabilityDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ownerFromQuery reads owner_type/owner_id. Non-admin actors default to
// their own dealership or manufacturer when the owner is omitted.
func ownerFromQuery(r *http.Request, required bool) (*core.Owner, error) {
	actor := actorFrom(r)
	q := r.URL.Query()

	var owner core.Owner
	switch {
	case q.Get("owner_type") != "":
		owner = core.Owner{Type: core.OwnerType(q.Get("owner_type")), ID: q.Get("owner_id")}
		if !owner.Valid() {
			return nil, core.InvalidInput("invalid owner %s", owner)
		}
	case isDealerRole(actor.Role):
		owner = core.DealerOwner(actor.DealershipID)
	case actor.Role == core.RoleManufacturerStaff:
		owner = core.ManufacturerOwner(actor.ManufacturerID)
	case required:
		return nil, core.InvalidInput("owner_type and owner_id are required")
	default:
		return nil, nil
	}
	if err := checkOwner(actor, owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	dealer := core.DealershipID(r.URL.Query().Get("dealership_id"))
	if isDealerRole(actor.Role) {
		if dealer == "" {
			dealer = actor.DealershipID
		}
		if err := checkDealer(actor, dealer); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	orders, err := h.Orders.List(r.Context(), dealer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := actorFrom(r)
	if err := checkDealer(actor, core.DealershipID(req.DealershipID)); err != nil {
		h.fail(w, r, err)
		return
	}

	in := order.CreateInput{
		CustomerID:   core.CustomerID(req.CustomerID),
		DealershipID: core.DealershipID(req.DealershipID),
		Items:        make([]order.ItemInput, len(req.Items)),
	}
	for i, it := range req.Items {
		in.Items[i] = order.ItemInput{
			VehicleID:   core.VehicleID(it.VehicleID),
			Color:       it.Color,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Discount:    it.Discount,
			PromotionID: it.PromotionID,
			Options:     toExtras(it.Options),
			Accessories: toExtras(it.Accessories),
		}
	}

	o, err := h.Orders.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(*o))
}

func toExtras(in []ExtraRequest) []core.PricedExtra {
	if len(in) == 0 {
		return nil
	}
	out := make([]core.PricedExtra, len(in))
	for i, e := range in {
		out[i] = core.PricedExtra{ID: e.ID, Name: e.Name, Price: e.Price}
	}
	return out
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*o))
}

func (h *Handler) GetOrderLogs(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	logs, err := h.Orders.Logs(r.Context(), o.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusLogDTOs(logs))
}

func (h *Handler) GetOrderDebt(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	d, err := h.Debts.CustomerDebtByOrder(r.Context(), o.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDebtDTO(*d))
}

// RecordPayment applies a customer payment. The ref makes it idempotent:
// replaying a ref returns 409 and changes nothing.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Orders.RecordPayment(r.Context(), actorFrom(r), order.PaymentInput{
		OrderID: o.ID,
		Ref:     req.Ref,
		Amount:  req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(res))
}

func (h *Handler) ResumeOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.Orders.Resume)
}

func (h *Handler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.Orders.ConfirmDelivery)
}

func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.Orders.Complete)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	cancelled, err := h.Orders.Cancel(r.Context(), actorFrom(r), o.ID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*cancelled))
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, core.Actor, core.OrderID) (*core.Order, error)) {
	o, ok := h.orderInScope(w, r)
	if !ok {
		return
	}
	updated, err := fn(r.Context(), actorFrom(r), o.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*updated))
}

// orderInScope loads {id} and checks the actor's dealership against it.
func (h *Handler) orderInScope(w http.ResponseWriter, r *http.Request) (*core.Order, bool) {
	o, err := h.Orders.Get(r.Context(), core.OrderID(chi.URLParam(r, "id")))
	if err == nil {
		err = checkDealer(actorFrom(r), o.DealershipID)
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return o, true
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs, err := h.Requests.List(r.Context(), core.OrderID(q.Get("order_id")), core.RequestStatus(q.Get("status")))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	actor := actorFrom(r)
	dtos := make([]OrderRequestDTO, 0, len(reqs))
	for _, req := range reqs {
		if checkDealer(actor, req.DealershipID) != nil {
			continue
		}
		dtos = append(dtos, toOrderRequestDTO(req))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequestRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := actorFrom(r)
	if err := checkDealer(actor, core.DealershipID(req.DealershipID)); err != nil {
		h.fail(w, r, err)
		return
	}

	items := make([]core.RequestItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = core.RequestItem{VehicleID: core.VehicleID(it.VehicleID), Color: it.Color, Quantity: it.Quantity}
	}
	created, err := h.Requests.Create(r.Context(), actor, request.CreateInput{
		DealershipID: core.DealershipID(req.DealershipID),
		OrderID:      core.OrderID(req.OrderID),
		Items:        items,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderRequestDTO(*created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.requestInScope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderRequestDTO(*req))
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.requestInScope(w, r)
	if !ok {
		return
	}
	res, err := h.Requests.Approve(r.Context(), actorFrom(r), req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApproveDTO(res))
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.requestDecision(w, r, h.Requests.Reject)
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.requestDecision(w, r, h.Requests.Cancel)
}

func (h *Handler) requestDecision(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, core.Actor, core.RequestID, string) (*core.OrderRequest, error)) {
	req, ok := h.requestInScope(w, r)
	if !ok {
		return
	}
	var body ReasonRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	updated, err := fn(r.Context(), actorFrom(r), req.ID, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderRequestDTO(*updated))
}

func (h *Handler) requestInScope(w http.ResponseWriter, r *http.Request) (*core.OrderRequest, bool) {
	req, err := h.Requests.Get(r.Context(), core.RequestID(chi.URLParam(r, "id")))
	if err == nil {
		err = checkDealer(actorFrom(r), req.DealershipID)
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return req, true
}

// ListRequestVehicles is the manufacturer's work queue. Dealer and
// manufacturer actors are pinned to their own side.
func (h *Handler) ListRequestVehicles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.RequestVehicleFilter{
		RequestID:      core.RequestID(q.Get("request_id")),
		DealershipID:   core.DealershipID(q.Get("dealership_id")),
		ManufacturerID: core.ManufacturerID(q.Get("manufacturer_id")),
		VehicleID:      core.VehicleID(q.Get("vehicle_id")),
		Status:         core.VehicleRequestStatus(q.Get("status")),
	}
	if q.Has("color") {
		c := q.Get("color")
		filter.Color = &c
	}

	actor := actorFrom(r)
	switch {
	case isDealerRole(actor.Role):
		filter.DealershipID = actor.DealershipID
	case actor.Role == core.RoleManufacturerStaff:
		filter.ManufacturerID = actor.ManufacturerID
	}

	rvs, err := h.Requests.Vehicles(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RequestVehicleDTO, len(rvs))
	for i, rv := range rvs {
		dtos[i] = toRequestVehicleDTO(rv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DistributeVehicle moves stock from the manufacturer to the dealer and
// books the dealer debt.
func (h *Handler) DistributeVehicle(w http.ResponseWriter, r *http.Request) {
	rv, ok := h.requestVehicleInScope(w, r)
	if !ok {
		return
	}
	res, err := h.Requests.DistributeVehicle(r.Context(), actorFrom(r), rv.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(res))
}

func (h *Handler) RejectRequestVehicle(w http.ResponseWriter, r *http.Request) {
	rv, ok := h.requestVehicleInScope(w, r)
	if !ok {
		return
	}
	var body ReasonRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	updated, err := h.Requests.RejectVehicle(r.Context(), actorFrom(r), rv.ID, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestVehicleDTO(*updated))
}

func (h *Handler) requestVehicleInScope(w http.ResponseWriter, r *http.Request) (*core.RequestVehicle, bool) {
	rv, err := h.Requests.Vehicle(r.Context(), core.RequestVehicleID(chi.URLParam(r, "id")))
	if err == nil {
		err = checkManufacturer(actorFrom(r), rv.ManufacturerID)
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return rv, true
}

// =============================================================================
// DEBT HANDLERS
// =============================================================================

func (h *Handler) ListCustomerDebts(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role == core.RoleManufacturerStaff {
		h.fail(w, r, fmt.Errorf("%w: manufacturer staff cannot view customer debts", core.ErrForbidden))
		return
	}
	debts, err := h.Debts.CustomerDebts(r.Context(), core.CustomerID(chi.URLParam(r, "customer_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]CustomerDebtDTO, 0, len(debts))
	for _, d := range debts {
		if isDealerRole(actor.Role) {
			o, err := h.Orders.Get(r.Context(), d.OrderID)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			if o.DealershipID != actor.DealershipID {
				continue
			}
		}
		dtos = append(dtos, toCustomerDebtDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListDealerDebts(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	dealer := core.DealershipID(chi.URLParam(r, "dealership_id"))
	if err := checkDealer(actor, dealer); err != nil {
		h.fail(w, r, err)
		return
	}
	debts, err := h.Debts.DealerDebts(r.Context(), dealer)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]DealerDebtDTO, 0, len(debts))
	for _, d := range debts {
		if checkManufacturer(actor, d.ManufacturerID) != nil {
			continue
		}
		dtos = append(dtos, toDealerDebtDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetDealerDebt(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	dealer := core.DealershipID(chi.URLParam(r, "dealership_id"))
	mfr := core.ManufacturerID(chi.URLParam(r, "manufacturer_id"))
	if err := errors.Join(checkDealer(actor, dealer), checkManufacturer(actor, mfr)); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.Debts.DealerDebt(r.Context(), dealer, mfr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealerDebtDTO(*d))
}

// PayManufacturer records a direct dealer-to-manufacturer payment.
func (h *Handler) PayManufacturer(w http.ResponseWriter, r *http.Request) {
	var req ManufacturerPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := checkDealer(actorFrom(r), core.DealershipID(req.DealershipID)); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.Debts.PayManufacturer(r.Context(), core.DealershipID(req.DealershipID),
		core.ManufacturerID(req.ManufacturerID), req.Ref, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealerDebtDTO(*d))
}

// =============================================================================
// SYSTEM HANDLERS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	report := h.Auditor.Last()
	if report == nil {
		h.fail(w, r, core.NotFound("audit report", "last"))
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

func toAuditDTO(r *AuditReport) AuditDTO {
	return AuditDTO{
		RanAt:      r.RanAt.Format(time.RFC3339),
		Batches:    r.Batches,
		Debts:      r.Debts,
		Violations: r.Violations,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decode reads and validates a required JSON body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_input", err.Error())
		return false
	}
	return h.validate(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func (h *Handler) validate(w http.ResponseWriter, dst any) bool {
	err := h.Validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_input", err.Error())
		return false
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fmt.Sprintf("%s: failed %s", strings.TrimPrefix(fe.Namespace(), structName(fe)), fe.Tag())
	}
	writeError(w, http.StatusBadRequest, "validation failed", "invalid_input", fields)
	return false
}

func structName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i+1]
	}
	return ""
}

// fail maps err to a status and writes it. Server-side failures are logged
// at error level; rejections at warn.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	entry := h.Log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"request_id": middleware.GetReqID(r.Context()),
	}).WithError(err)

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		entry.Error("request failed")
		writeError(w, status, "internal error", code, nil)
		return
	}
	entry.Warn("request rejected")
	writeError(w, status, err.Error(), code, errorDetails(err))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, core.ErrDebtNotFound):
		return http.StatusNotFound, "debt_not_found"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, core.ErrInvalidStatusTransition):
		return http.StatusConflict, "invalid_status_transition"
	case errors.Is(err, core.ErrDuplicatePendingRequest):
		return http.StatusConflict, "duplicate_pending_request"
	case errors.Is(err, core.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, core.ErrOverpayment):
		return http.StatusUnprocessableEntity, "overpayment"
	case errors.Is(err, core.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "concurrent_modification"
	case errors.Is(err, core.ErrLockNotObtained):
		return http.StatusServiceUnavailable, "lock_not_obtained"
	}
	return http.StatusInternalServerError, "internal"
}

// errorDetails exposes the fields of structured engine errors.
func errorDetails(err error) any {
	var stockErr *core.InsufficientStockError
	var payErr *core.OverpaymentError
	var transErr *core.InvalidStatusTransitionError
	var dupErr *core.DuplicatePendingRequestError
	switch {
	case errors.As(err, &stockErr):
		return map[string]any{
			"vehicle_id": stockErr.VehicleID,
			"color":      stockErr.Color,
			"owner":      stockErr.Owner.String(),
			"available":  stockErr.Available,
			"requested":  stockErr.Requested,
		}
	case errors.As(err, &payErr):
		return map[string]any{
			"debt_id":   payErr.DebtID,
			"remaining": payErr.Remaining,
			"attempted": payErr.Attempted,
		}
	case errors.As(err, &transErr):
		return map[string]any{
			"entity": transErr.Entity,
			"id":     transErr.ID,
			"from":   transErr.From,
			"to":     transErr.To,
		}
	case errors.As(err, &dupErr):
		return map[string]any{
			"order_id":            dupErr.OrderID,
			"existing_request_id": dupErr.Existing,
		}
	}
	return nil
}

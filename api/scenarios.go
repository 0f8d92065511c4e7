/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Every scenario goes through the same services as the
	API, so the data it leaves behind obeys the ledger rules.

AVAILABLE SCENARIOS:

	showroom:         Catalog, manufacturer production and dealer stock
	shortage:         Order waiting on a pending vehicle request
	debt-settlement:  Distributed vehicles, dealer debt settled by a customer

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register the catalog
 3. Receive manufacturer (and optionally dealer) stock batches
 4. Drive orders and requests through the services as an admin

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shortage"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/order"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "showroom",
		Name:        "Showroom",
		Description: "Two manufacturers, four models, aged stock batches at the manufacturer and one dealer",
	},
	{
		ID:          "shortage",
		Name:        "Stock Shortage",
		Description: "Deposit paid on a model the dealer lacks; the order waits on an auto-raised request",
	},
	{
		ID:          "debt-settlement",
		Name:        "Debt Settlement",
		Description: "Vehicles distributed to the dealer, then a customer pays in full and settles the dealer debt",
	},
}

const (
	demoDealer   core.DealershipID   = "dealer-hanoi"
	demoVinFast  core.ManufacturerID = "mfr-vinfast"
	demoTeslaMfr core.ManufacturerID = "mfr-tesla"
)

var scenarioActor = core.Actor{ID: "scenario-loader", Role: core.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.DB.Reset(ctx); err != nil {
		h.fail(w, r, fmt.Errorf("reset database: %w", err))
		return
	}

	var err error
	switch req.ScenarioID {
	case "showroom":
		err = h.loadShowroomScenario(ctx)
	case "shortage":
		err = h.loadShortageScenario(ctx)
	case "debt-settlement":
		err = h.loadDebtSettlementScenario(ctx)
	default:
		h.fail(w, r, core.InvalidInput("unknown scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadShowroomScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}

	// Oldest batches first so FIFO has something to show.
	base := time.Now().UTC().AddDate(0, -3, 0)
	batches := []stock.ReceiveInput{
		{VehicleID: "vf-8", Color: "white", Owner: core.ManufacturerOwner(demoVinFast), Quantity: 20, ReceivedAt: base},
		{VehicleID: "vf-8", Color: "white", Owner: core.ManufacturerOwner(demoVinFast), Quantity: 10, ReceivedAt: base.AddDate(0, 1, 0)},
		{VehicleID: "vf-8", Color: "red", Owner: core.ManufacturerOwner(demoVinFast), Quantity: 8, ReceivedAt: base},
		{VehicleID: "vf-9", Color: "black", Owner: core.ManufacturerOwner(demoVinFast), Quantity: 6, ReceivedAt: base},
		{VehicleID: "model-y", Color: "blue", Owner: core.ManufacturerOwner(demoTeslaMfr), Quantity: 12, ReceivedAt: base},
		{VehicleID: "model-3", Color: "white", Owner: core.ManufacturerOwner(demoTeslaMfr), Quantity: 5, ReceivedAt: base},
		{VehicleID: "vf-8", Color: "white", Owner: core.DealerOwner(demoDealer), Quantity: 2, ReceivedAt: base.AddDate(0, 0, 7)},
		{VehicleID: "vf-8", Color: "white", Owner: core.DealerOwner(demoDealer), Quantity: 3, ReceivedAt: base.AddDate(0, 0, 14)},
		{VehicleID: "model-y", Color: "blue", Owner: core.DealerOwner(demoDealer), Quantity: 1, ReceivedAt: base.AddDate(0, 0, 7)},
	}
	for _, in := range batches {
		if _, err := h.Stock.Receive(ctx, in); err != nil {
			return fmt.Errorf("receive %s/%s: %w", in.VehicleID, in.Color, err)
		}
	}
	return nil
}

func (h *Handler) loadShortageScenario(ctx context.Context) error {
	if err := h.loadShowroomScenario(ctx); err != nil {
		return err
	}

	// The dealer holds no vf-9, so the deposit pushes the order to waiting.
	o, err := h.Orders.Create(ctx, scenarioActor, order.CreateInput{
		CustomerID:   "cust-an",
		DealershipID: demoDealer,
		Items:        []order.ItemInput{{VehicleID: "vf-9", Color: "black", Quantity: 1}},
	})
	if err != nil {
		return err
	}
	_, err = h.Orders.RecordPayment(ctx, scenarioActor, order.PaymentInput{
		OrderID: o.ID,
		Ref:     "demo-deposit-" + string(o.ID),
		Amount:  o.FinalAmount.Div(decimal.NewFromInt(5)).Round(2),
	})
	return err
}

func (h *Handler) loadDebtSettlementScenario(ctx context.Context) error {
	if err := h.loadShowroomScenario(ctx); err != nil {
		return err
	}

	req, err := h.Requests.Create(ctx, scenarioActor, request.CreateInput{
		DealershipID: demoDealer,
		Items:        []core.RequestItem{{VehicleID: "vf-9", Color: "black", Quantity: 2}},
	})
	if err != nil {
		return err
	}
	approved, err := h.Requests.Approve(ctx, scenarioActor, req.ID)
	if err != nil {
		return err
	}
	for _, rv := range approved.Created {
		if _, err := h.Requests.DistributeVehicle(ctx, scenarioActor, rv.ID); err != nil {
			return err
		}
	}

	o, err := h.Orders.Create(ctx, scenarioActor, order.CreateInput{
		CustomerID:   "cust-binh",
		DealershipID: demoDealer,
		Items:        []order.ItemInput{{VehicleID: "vf-9", Color: "black", Quantity: 1}},
	})
	if err != nil {
		return err
	}
	_, err = h.Orders.RecordPayment(ctx, scenarioActor, order.PaymentInput{
		OrderID: o.ID,
		Ref:     "demo-full-" + string(o.ID),
		Amount:  o.FinalAmount,
	})
	return err
}

func (h *Handler) seedCatalog(ctx context.Context) error {
	vehicles := []core.Vehicle{
		{ID: "vf-8", ManufacturerID: demoVinFast, Model: "VF 8", Price: decimal.NewFromInt(45000), DistributionPrice: decimal.NewFromInt(38000)},
		{ID: "vf-9", ManufacturerID: demoVinFast, Model: "VF 9", Price: decimal.NewFromInt(60000), DistributionPrice: decimal.NewFromInt(51000)},
		{ID: "model-y", ManufacturerID: demoTeslaMfr, Model: "Model Y", Price: decimal.NewFromInt(52000), DistributionPrice: decimal.NewFromInt(46000)},
		{ID: "model-3", ManufacturerID: demoTeslaMfr, Model: "Model 3", Price: decimal.NewFromInt(42000)},
	}
	for _, v := range vehicles {
		if err := h.Stock.RegisterVehicle(ctx, v); err != nil {
			return fmt.Errorf("register %s: %w", v.ID, err)
		}
	}
	return nil
}

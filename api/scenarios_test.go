/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state:
	- Catalog and FIFO batches are seeded
	- The shortage order waits on a manufacturer request
	- The settlement demo leaves the expected dealer debt

These tests double as integration tests of the full wiring.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
)

func TestScenario_Showroom(t *testing.T) {
	// GIVEN: The showroom scenario
	// WHEN: Loading it
	// THEN: The catalog and both sides' stock are seeded
	h := newTestServer(t).h
	ctx := context.Background()
	require.NoError(t, h.loadShowroomScenario(ctx))

	vehicles, err := h.Stock.ListVehicles(ctx)
	require.NoError(t, err)
	assert.Len(t, vehicles, 4)

	avail, err := h.Stock.Availability(ctx, core.DealerOwner(demoDealer), "vf-8")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, 5, avail[0].Remaining)
	assert.Equal(t, 2, avail[0].Batches)
}

func TestScenario_Shortage(t *testing.T) {
	h := newTestServer(t).h
	ctx := context.Background()
	require.NoError(t, h.loadShortageScenario(ctx))

	orders, err := h.Orders.List(ctx, demoDealer)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, core.StatusWaitingVehicleRequest, o.Status)
	require.NotEmpty(t, o.RequestID)

	req, err := h.Requests.Get(ctx, o.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, req.Status)
	assert.Equal(t, o.ID, req.OrderID)
}

func TestScenario_DebtSettlement(t *testing.T) {
	// GIVEN: Two VF 9 distributed on credit, one sold and paid in full
	h := newTestServer(t).h
	ctx := context.Background()
	require.NoError(t, h.loadDebtSettlementScenario(ctx))

	// THEN: The sale settles exactly one unit's wholesale cost
	d, err := h.Debts.DealerDebt(ctx, demoDealer, demoVinFast)
	require.NoError(t, err)
	assert.Equal(t, "102000", d.TotalAmount.String())
	assert.Equal(t, "51000", d.RemainingAmount.String())
	assert.Equal(t, core.DebtPartial, d.Status)
	require.Len(t, d.SettledByOrders, 1)
	assert.Equal(t, "51000", d.SettledByOrders[0].Amount.String())
}

func TestScenario_LoadEndpoint(t *testing.T) {
	s := newTestServer(t)

	for _, id := range []string{"showroom", "shortage", "debt-settlement"} {
		t.Run(id, func(t *testing.T) {
			rec := s.do(admin, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "loaded", body(t, rec)["status"])
		})
	}

	rec := s.do(admin, http.MethodGet, "/api/vehicles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vf-9"`)

	rec = s.do(admin, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Actor headers and capability checks (401 / 403)
- Order lifecycle over HTTP, including payment error mapping
- Shortage path: request, approval, distribution, resume
- Audit endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/store/sqlite"
)

var (
	admin      = core.Actor{ID: "admin-1", Role: core.RoleAdmin}
	manager    = core.Actor{ID: "mgr-1", Role: core.RoleDealerManager, DealershipID: "dealer-hanoi"}
	staff      = core.Actor{ID: "staff-1", Role: core.RoleDealerStaff, DealershipID: "dealer-hanoi"}
	outsider   = core.Actor{ID: "mgr-2", Role: core.RoleDealerManager, DealershipID: "dealer-saigon"}
	vinfast    = core.Actor{ID: "vf-ops", Role: core.RoleManufacturerStaff, ManufacturerID: "mfr-vinfast"}
	teslaStaff = core.Actor{ID: "tsla-ops", Role: core.RoleManufacturerStaff, ManufacturerID: "mfr-tesla"}
)

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	h := NewApp(db, core.NewLocalLocker(), Options{
		DepositRatio: decimal.RequireFromString("0.2"),
		Retry:        core.DefaultRetryPolicy(),
	}, log)
	return &testServer{t: t, h: h, router: NewRouter(h, nil)}
}

// do sends a request as actor; a zero actor sends no identity headers.
func (s *testServer) do(actor core.Actor, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("X-Actor-ID", actor.ID)
		req.Header.Set("X-Actor-Role", string(actor.Role))
		if actor.DealershipID != "" {
			req.Header.Set("X-Dealership-ID", string(actor.DealershipID))
		}
		if actor.ManufacturerID != "" {
			req.Header.Set("X-Manufacturer-ID", string(actor.ManufacturerID))
		}
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) load(scenario string) {
	s.t.Helper()
	rec := s.do(admin, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": scenario})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func body(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func orderBody(dealer, vehicle, color string, qty int) map[string]any {
	return map[string]any{
		"customer_id":   "cust-1",
		"dealership_id": dealer,
		"items":         []map[string]any{{"vehicle_id": vehicle, "color": color, "quantity": qty}},
	}
}

func payment(ref, amount string) map[string]string {
	return map[string]string{"ref": ref, "amount": amount}
}

// =============================================================================
// AUTH
// =============================================================================

func TestHealth_NeedsNoActor(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(core.Actor{}, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body(t, rec)["status"])
}

func TestAuth_RejectsMissingOrIncompleteActor(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		actor core.Actor
	}{
		{"no headers", core.Actor{}},
		{"unknown role", core.Actor{ID: "x", Role: "superuser"}},
		{"dealer without dealership", core.Actor{ID: "x", Role: core.RoleDealerStaff}},
		{"manufacturer without manufacturer", core.Actor{ID: "x", Role: core.RoleManufacturerStaff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.actor, http.MethodGet, "/api/vehicles", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthenticated", body(t, rec)["code"])
		})
	}
}

func TestAuth_CapabilitiesAndScope(t *testing.T) {
	s := newTestServer(t)
	s.load("showroom")

	tests := []struct {
		name   string
		actor  core.Actor
		method string
		path   string
		body   any
	}{
		{"staff cannot deliver", staff, http.MethodPost, "/api/orders/any/deliver", nil},
		{"manager cannot run audit", manager, http.MethodPost, "/api/audit/run", nil},
		{"manager cannot load scenarios", manager, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "showroom"}},
		{"manufacturer cannot create orders", vinfast, http.MethodPost, "/api/orders", orderBody("dealer-hanoi", "vf-8", "white", 1)},
		{"other dealership", outsider, http.MethodPost, "/api/orders", orderBody("dealer-hanoi", "vf-8", "white", 1)},
		{"other manufacturer's debt", teslaStaff, http.MethodGet, "/api/debts/dealers/dealer-hanoi/mfr-vinfast", nil},
		{"manufacturer on dealer stock", vinfast, http.MethodPost, "/api/stock/batches", map[string]any{
			"vehicle_id": "vf-8", "color": "white", "owner_type": "dealer", "owner_id": "dealer-hanoi", "quantity": 1,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.actor, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
			assert.Equal(t, "forbidden", body(t, rec)["code"])
		})
	}
}

// =============================================================================
// ORDERS
// =============================================================================

func TestOrder_LifecycleOverHTTP(t *testing.T) {
	// GIVEN: The showroom, where dealer-hanoi holds 5 white VF 8 in two batches
	s := newTestServer(t)
	s.load("showroom")

	// WHEN: A manager sells 3 and the customer pays the deposit
	rec := s.do(manager, http.MethodPost, "/api/orders", orderBody("dealer-hanoi", "vf-8", "white", 3))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := body(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "135000", created["final_amount"])

	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/payments", payment("dep-1", "27000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The order is allocated oldest batch first and ready
	paid := body(t, rec)
	o := paid["order"].(map[string]any)
	assert.Equal(t, "vehicle_ready", o["status"])
	assert.Len(t, paid["transitions"], 2)
	used := o["items"].([]any)[0].(map[string]any)["used_stocks"].([]any)
	require.Len(t, used, 2)
	assert.EqualValues(t, 2, used[0].(map[string]any)["quantity"])
	assert.EqualValues(t, 1, used[1].(map[string]any)["quantity"])
	assert.Equal(t, "108000", paid["customer_debt"].(map[string]any)["remaining_amount"])

	// WHEN: The same payment ref is replayed
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/payments", payment("dep-1", "27000"))
	// THEN: It is rejected as a duplicate
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_idempotency_key", body(t, rec)["code"])

	// WHEN: The customer tries to pay more than they owe
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/payments", payment("over-1", "108000.01"))
	// THEN: The overpayment is refused with the remaining balance
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errBody := body(t, rec)
	assert.Equal(t, "overpayment", errBody["code"])
	assert.NotNil(t, errBody["details"])

	// WHEN: The balance is settled, and the order delivered and completed
	rec = s.do(staff, http.MethodPost, "/api/orders/"+id+"/payments", payment("bal-1", "108000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "fully_paid", body(t, rec)["order"].(map[string]any)["status"])

	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/deliver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body(t, rec)["status"])

	// THEN: Cancelling after delivery is an invalid transition
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/cancel", map[string]string{"reason": "changed mind"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_status_transition", body(t, rec)["code"])

	// THEN: Creation and every transition were logged, the refused cancel was not
	rec = s.do(manager, http.MethodGet, "/api/orders/"+id+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Len(t, logs, 6)

	// THEN: Another dealership cannot read the order
	rec = s.do(outsider, http.MethodGet, "/api/orders/"+id, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrder_ShortageRoutesThroughManufacturer(t *testing.T) {
	// GIVEN: The showroom, where dealer-hanoi holds no VF 9
	s := newTestServer(t)
	s.load("showroom")

	rec := s.do(manager, http.MethodPost, "/api/orders", orderBody("dealer-hanoi", "vf-9", "black", 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body(t, rec)["id"].(string)

	// WHEN: The deposit is paid
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/payments", payment("dep-9", "12000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The order waits on a request for the missing unit
	o := body(t, rec)["order"].(map[string]any)
	assert.Equal(t, "waiting_vehicle_request", o["status"])
	requestID, _ := o["request_id"].(string)
	require.NotEmpty(t, requestID)

	// WHEN: The manager approves and VinFast distributes
	rec = s.do(manager, http.MethodPost, "/api/requests/"+requestID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := body(t, rec)["created"].([]any)
	require.Len(t, created, 1)
	rvID := created[0].(map[string]any)["id"].(string)

	rec = s.do(teslaStaff, http.MethodPost, "/api/request-vehicles/"+rvID+"/distribute", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(vinfast, http.MethodPost, "/api/request-vehicles/"+rvID+"/distribute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "51000", body(t, rec)["debt_increase"])

	// THEN: The order resumed and is ready
	rec = s.do(manager, http.MethodGet, "/api/orders/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vehicle_ready", body(t, rec)["status"])

	// WHEN: The balance is paid
	rec = s.do(manager, http.MethodPost, "/api/orders/"+id+"/payments", payment("bal-9", "48000"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: It settles the dealer's VinFast debt
	settlements := body(t, rec)["settlements"].([]any)
	require.Len(t, settlements, 1)
	assert.Equal(t, "48000", settlements[0].(map[string]any)["amount"])

	rec = s.do(vinfast, http.MethodGet, "/api/debts/dealers/dealer-hanoi/mfr-vinfast", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3000", body(t, rec)["remaining_amount"])
}

func TestOrder_InvalidBody(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"no items", map[string]any{"customer_id": "c", "dealership_id": "dealer-hanoi", "items": []any{}}},
		{"zero quantity", orderBody("dealer-hanoi", "vf-8", "white", 0)},
		{"missing customer", map[string]any{"dealership_id": "dealer-hanoi", "items": []map[string]any{{"vehicle_id": "vf-8", "quantity": 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(manager, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_input", body(t, rec)["code"])
		})
	}

	rec := s.do(manager, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_Endpoints(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: No audit has run yet
	rec := s.do(admin, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// WHEN: Running the audit over the debt-settlement demo
	s.load("debt-settlement")
	rec = s.do(admin, http.MethodPost, "/api/audit/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The ledgers are consistent and the report is kept
	report := body(t, rec)
	assert.Empty(t, report["violations"])
	assert.NotZero(t, report["batches_checked"])

	rec = s.do(admin, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

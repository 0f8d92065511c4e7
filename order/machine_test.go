package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/core/store"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

var (
	clerk = core.Actor{ID: "u-clerk", Role: core.RoleDealerManager, DealershipID: "dealer-1"}
	maker = core.Actor{ID: "u-maker", Role: core.RoleManufacturerStaff, ManufacturerID: "mfr-1"}

	dealerStock = core.DealerOwner("dealer-1")
	makerStock  = core.ManufacturerOwner("mfr-1")
)

type fixture struct {
	store    *store.Memory
	stock    *stock.Ledger
	orders   *Service
	requests *request.Service
}

// setup wires the engine over a memory store. vf-8 lists at 45,000 and
// distributes at 38,000; the deposit ratio is 20%.
func setup(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	stockLedger := stock.NewLedger()
	stockLedger.Now = clock
	debtLedger := debt.NewLedger()
	debtLedger.Now = clock
	wf := request.NewWorkflow(stockLedger, debtLedger)
	wf.Now = clock
	machine := NewMachine(stockLedger, debtLedger, wf, decimal.RequireFromString("0.2"))
	machine.Now = clock
	wf.Listener = machine

	log, _ := test.NewNullLogger()
	locker := core.NewLocalLocker()
	f := &fixture{
		store:    m,
		stock:    stockLedger,
		orders:   NewService(m, machine, locker, core.DefaultRetryPolicy(), log),
		requests: request.NewService(m, wf, locker, core.DefaultRetryPolicy(), log),
	}

	f.tx(t, func(tx core.Tx) error {
		return tx.PutVehicle(context.Background(), core.Vehicle{
			ID: "vf-8", ManufacturerID: "mfr-1", Model: "VF 8",
			Price: decimal.NewFromInt(45000), DistributionPrice: decimal.NewFromInt(38000),
		})
	})
	return f
}

func (f *fixture) tx(t *testing.T, fn func(tx core.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), fn))
}

func (f *fixture) receive(t *testing.T, owner core.Owner, color string, qty int) core.StockBatch {
	t.Helper()
	var b *core.StockBatch
	f.tx(t, func(tx core.Tx) error {
		var err error
		b, err = f.stock.Receive(context.Background(), tx, stock.ReceiveInput{VehicleID: "vf-8", Color: color, Owner: owner, Quantity: qty})
		return err
	})
	return *b
}

func (f *fixture) batch(t *testing.T, id core.BatchID) core.StockBatch {
	t.Helper()
	var b *core.StockBatch
	f.tx(t, func(tx core.Tx) error {
		var err error
		b, err = tx.GetBatch(context.Background(), id)
		return err
	})
	return *b
}

func (f *fixture) order(t *testing.T, items ...ItemInput) *core.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), clerk, CreateInput{CustomerID: "cust-1", DealershipID: "dealer-1", Items: items})
	require.NoError(t, err)
	return o
}

func (f *fixture) pay(t *testing.T, id core.OrderID, ref, amount string) *PaymentResult {
	t.Helper()
	res, err := f.orders.RecordPayment(context.Background(), clerk, PaymentInput{OrderID: id, Ref: ref, Amount: decimal.RequireFromString(amount)})
	require.NoError(t, err)
	return res
}

func (f *fixture) dealerDebt(t *testing.T) core.DealerDebt {
	t.Helper()
	var d *core.DealerDebt
	f.tx(t, func(tx core.Tx) error {
		var err error
		d, err = tx.GetDealerDebt(context.Background(), "dealer-1", "mfr-1")
		return err
	})
	return *d
}

// distribute approves a request and ships every vehicle request it produced.
func (f *fixture) distribute(t *testing.T, id core.RequestID) {
	t.Helper()
	res, err := f.requests.Approve(context.Background(), clerk, id)
	require.NoError(t, err)
	for _, rv := range res.Created {
		_, err := f.requests.DistributeVehicle(context.Background(), maker, rv.ID)
		require.NoError(t, err)
	}
}

func white(qty int) ItemInput { return ItemInput{VehicleID: "vf-8", Color: "white", Quantity: qty} }

func statuses(logs []core.OrderStatusLog) []core.OrderStatus {
	out := make([]core.OrderStatus, len(logs))
	for i, l := range logs {
		out[i] = l.NewStatus
	}
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestOrder_FullLifecycleFromDealerStock(t *testing.T) {
	// GIVEN: the dealer already holds a white VF 8
	f := setup(t)
	b := f.receive(t, dealerStock, "white", 1)

	// WHEN: an order is created
	o := f.order(t, white(1))

	// THEN: it is pending with the catalog price and an open customer debt
	assert.Equal(t, core.StatusPending, o.Status)
	assert.Equal(t, "45000", o.FinalAmount.String())

	// WHEN: less than the deposit is paid
	res := f.pay(t, o.ID, "p1", "8999.99")
	assert.Equal(t, core.StatusPending, res.Order.Status)
	assert.Empty(t, res.Transitions)

	// WHEN: the deposit threshold is reached
	res = f.pay(t, o.ID, "p2", "0.01")

	// THEN: stock is allocated and the order is ready
	assert.Equal(t, core.StatusVehicleReady, res.Order.Status)
	assert.Equal(t, []core.OrderStatus{core.StatusDepositPaid, core.StatusVehicleReady}, statuses(res.Transitions))
	assert.Equal(t, []core.UsedStock{{BatchID: b.ID, Quantity: 1}}, res.Order.Items[0].UsedStocks)
	assert.Equal(t, 0, f.batch(t, b.ID).RemainingQuantity)

	// WHEN: the balance is paid
	res = f.pay(t, o.ID, "p3", "36000")
	assert.Equal(t, core.StatusFullyPaid, res.Order.Status)
	assert.Equal(t, core.DebtSettled, res.CustomerDebt.Status)
	assert.Empty(t, res.Settlements, "no dealer debt to settle")

	// WHEN: delivery and completion are confirmed
	_, err := f.orders.ConfirmDelivery(context.Background(), clerk, o.ID)
	require.NoError(t, err)
	done, err := f.orders.Complete(context.Background(), clerk, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, done.Status)

	// THEN: one log entry per transition, creation included
	logs, err := f.orders.Logs(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, []core.OrderStatus{
		core.StatusPending, core.StatusDepositPaid, core.StatusVehicleReady,
		core.StatusFullyPaid, core.StatusDelivered, core.StatusCompleted,
	}, statuses(logs))
	assert.Equal(t, clerk.ID, logs[len(logs)-1].ChangedBy)
	assert.True(t, logs[0].IsCreation())
	assert.Empty(t, logs[0].OldStatus)
	assert.False(t, logs[1].IsCreation())
}

func TestOrder_ShortageRaisesRequestAndResumesOnDistribution(t *testing.T) {
	// GIVEN: stock only at the manufacturer
	f := setup(t)
	f.receive(t, makerStock, "white", 5)
	o := f.order(t, white(1))

	// WHEN: the deposit is paid
	res := f.pay(t, o.ID, "p1", "9000")

	// THEN: the order waits on a resupply request it raised itself
	assert.Equal(t, core.StatusWaitingVehicleRequest, res.Order.Status)
	require.NotEmpty(t, res.Order.RequestID)
	req, err := f.requests.Get(context.Background(), res.Order.RequestID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, req.OrderID)
	assert.Equal(t, []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 1}}, req.Items)

	// WHEN: the manager approves and the manufacturer distributes
	f.distribute(t, req.ID)

	// THEN: the order allocated the new dealer batch
	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVehicleReady, got.Status)
	assert.True(t, got.FullyAllocated())

	// AND: the dealer owes the manufacturer the wholesale price
	assert.Equal(t, "38000", f.dealerDebt(t).RemainingAmount.String())

	// WHEN: the customer pays the balance
	res = f.pay(t, o.ID, "p2", "36000")

	// THEN: the payment also settles dealer debt
	assert.Equal(t, core.StatusFullyPaid, res.Order.Status)
	require.Len(t, res.Settlements, 1)
	assert.Equal(t, "36000", res.Settlements[0].Amount.String())
	d := f.dealerDebt(t)
	assert.Equal(t, "2000", d.RemainingAmount.String())
	assert.Equal(t, "36000", d.SettledByOrder(o.ID).String())
	assert.NoError(t, debt.CheckDealerDebt(d))
}

func TestOrder_SettlementCappedAtOwnWholesaleCost(t *testing.T) {
	// GIVEN: the dealer took two units on credit
	f := setup(t)
	f.receive(t, makerStock, "white", 2)
	req, err := f.requests.Create(context.Background(), clerk, request.CreateInput{
		DealershipID: "dealer-1",
		Items:        []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 2}},
	})
	require.NoError(t, err)
	f.distribute(t, req.ID)
	assert.Equal(t, "76000", f.dealerDebt(t).RemainingAmount.String())

	// WHEN: one order for one unit is paid in full at once
	o := f.order(t, white(1))
	res := f.pay(t, o.ID, "p1", "45000")

	// THEN: it settles only its own vehicle's wholesale cost
	assert.Equal(t, core.StatusFullyPaid, res.Order.Status)
	require.Len(t, res.Settlements, 1)
	assert.Equal(t, "38000", res.Settlements[0].Amount.String())
	assert.Equal(t, "38000", f.dealerDebt(t).RemainingAmount.String())
}

func TestOrder_AllocationIsAllOrNothing(t *testing.T) {
	// GIVEN: white in stock at the dealer, red only at the manufacturer
	f := setup(t)
	b := f.receive(t, dealerStock, "white", 1)
	f.receive(t, makerStock, "red", 3)
	o := f.order(t, white(1), ItemInput{VehicleID: "vf-8", Color: "red", Quantity: 1})

	// WHEN: the deposit is paid
	res := f.pay(t, o.ID, "p1", "18000")

	// THEN: nothing is allocated and only the red unit is requested
	assert.Equal(t, core.StatusWaitingVehicleRequest, res.Order.Status)
	assert.Equal(t, 1, f.batch(t, b.ID).RemainingQuantity)
	for _, it := range res.Order.Items {
		assert.Empty(t, it.UsedStocks)
	}
	req, err := f.requests.Get(context.Background(), res.Order.RequestID)
	require.NoError(t, err)
	assert.Equal(t, []core.RequestItem{{VehicleID: "vf-8", Color: "red", Quantity: 1}}, req.Items)
}

func TestOrder_ColorlessItemDoesNotReuseUnitsOfColoredItem(t *testing.T) {
	// GIVEN: 2 white at the dealer, 10 white at the manufacturer
	f := setup(t)
	old := f.receive(t, dealerStock, "white", 2)
	f.receive(t, makerStock, "white", 10)

	// WHEN: an order wants 2 white plus 2 of any color, and pays the deposit
	o := f.order(t, white(2), ItemInput{VehicleID: "vf-8", Quantity: 2})
	res := f.pay(t, o.ID, "p1", "36000")

	// THEN: the 2 white units count once, so 2 more are requested
	assert.Equal(t, core.StatusWaitingVehicleRequest, res.Order.Status)
	require.NotEmpty(t, res.Order.RequestID)
	req, err := f.requests.Get(context.Background(), res.Order.RequestID)
	require.NoError(t, err)
	assert.Equal(t, []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 2}}, req.Items)

	// WHEN: the request is fulfilled
	f.distribute(t, req.ID)

	// THEN: the order resumes with the old batch on the white line
	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVehicleReady, got.Status)
	assert.Equal(t, []core.UsedStock{{BatchID: old.ID, Quantity: 2}}, got.Items[0].UsedStocks)
	assert.Equal(t, 2, core.SumUsed(got.Items[1].UsedStocks))
}

func TestOrder_TwoOrdersSettleOneDistribution(t *testing.T) {
	// GIVEN: a batch of 10 distributed to the dealer on credit (10 × 38,000)
	f := setup(t)
	f.receive(t, makerStock, "white", 10)
	req, err := f.requests.Create(context.Background(), clerk, request.CreateInput{
		DealershipID: "dealer-1",
		Items:        []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 10}},
	})
	require.NoError(t, err)
	f.distribute(t, req.ID)
	require.Equal(t, "380000", f.dealerDebt(t).TotalAmount.String())

	a := f.order(t, white(4))
	b, err := f.orders.Create(context.Background(), clerk, CreateInput{
		CustomerID: "cust-2", DealershipID: "dealer-1", Items: []ItemInput{white(3)},
	})
	require.NoError(t, err)

	// WHEN: both customers pay deposit then balance, interleaved
	steps := []struct {
		order         core.OrderID
		ref, amount   string
		settledA      string
		settledB      string
		wantRemaining string
	}{
		{a.ID, "a-dep", "36000", "36000", "0", "344000"},
		{b.ID, "b-dep", "27000", "36000", "27000", "317000"},
		// capped at 4 × 38,000 for A and 3 × 38,000 for B
		{a.ID, "a-bal", "144000", "152000", "27000", "201000"},
		{b.ID, "b-bal", "108000", "152000", "114000", "114000"},
	}
	for _, st := range steps {
		f.pay(t, st.order, st.ref, st.amount)

		// THEN: attribution per order and the settlement sum hold at every step
		d := f.dealerDebt(t)
		assert.Equal(t, st.settledA, d.SettledByOrder(a.ID).String(), st.ref)
		assert.Equal(t, st.settledB, d.SettledByOrder(b.ID).String(), st.ref)
		assert.Equal(t, st.wantRemaining, d.RemainingAmount.String(), st.ref)
		assert.True(t, d.SettledTotal().Equal(d.TotalAmount.Sub(d.RemainingAmount)), st.ref)
		assert.NoError(t, debt.CheckDealerDebt(d), st.ref)
	}

	// AND: the dealer batch has the 3 unsold units left
	var remaining int
	f.tx(t, func(tx core.Tx) error {
		batches, err := tx.ListBatches(context.Background(), core.BatchFilter{VehicleID: "vf-8", Owner: &dealerStock})
		require.NoError(t, err)
		require.Len(t, batches, 1)
		remaining = batches[0].RemainingQuantity
		return nil
	})
	assert.Equal(t, 3, remaining)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_Rejections(t *testing.T) {
	f := setup(t)
	o := f.order(t, white(1))
	f.pay(t, o.ID, "p1", "1000")

	cases := map[string]struct {
		in   PaymentInput
		want error
	}{
		"replayed ref":  {PaymentInput{OrderID: o.ID, Ref: "p1", Amount: decimal.NewFromInt(1000)}, core.ErrDuplicateIdempotencyKey},
		"overpayment":   {PaymentInput{OrderID: o.ID, Ref: "p2", Amount: decimal.NewFromInt(44001)}, core.ErrOverpayment},
		"zero amount":   {PaymentInput{OrderID: o.ID, Ref: "p3", Amount: decimal.Zero}, core.ErrInvalidInput},
		"missing ref":   {PaymentInput{OrderID: o.ID, Amount: decimal.NewFromInt(1)}, core.ErrInvalidInput},
		"unknown order": {PaymentInput{OrderID: "nope", Ref: "p4", Amount: decimal.NewFromInt(1)}, core.ErrNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orders.RecordPayment(context.Background(), clerk, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// Nothing above changed the order, and the refused ref is still usable.
	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", got.PaidAmount.String())
	f.pay(t, o.ID, "p2", "1000")
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_ReversesStockAndVoidsDebt(t *testing.T) {
	// GIVEN: a ready order holding the dealer's only unit
	f := setup(t)
	b := f.receive(t, dealerStock, "white", 1)
	o := f.order(t, white(1))
	f.pay(t, o.ID, "p1", "9000")
	require.Equal(t, 0, f.batch(t, b.ID).RemainingQuantity)

	// WHEN: it is cancelled
	got, err := f.orders.Cancel(context.Background(), clerk, o.ID, "customer changed mind")
	require.NoError(t, err)

	// THEN: the unit is back and nothing more is owed
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.True(t, got.StockReversed)
	assert.Equal(t, 1, f.batch(t, b.ID).RemainingQuantity)
	f.tx(t, func(tx core.Tx) error {
		cd, err := tx.GetCustomerDebtByOrder(context.Background(), o.ID)
		require.NoError(t, err)
		assert.True(t, cd.Void)
		assert.Equal(t, "0", cd.RemainingAmount.String())
		assert.Equal(t, "9000", cd.PaidAmount.String())
		return nil
	})

	// AND: it takes no more payments or transitions
	_, err = f.orders.RecordPayment(context.Background(), clerk, PaymentInput{OrderID: o.ID, Ref: "p2", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, core.ErrInvalidStatusTransition)
	_, err = f.orders.Cancel(context.Background(), clerk, o.ID, "")
	assert.ErrorIs(t, err, core.ErrInvalidStatusTransition)
	assert.Equal(t, 1, f.batch(t, b.ID).RemainingQuantity)
}

func TestCancel_WithdrawsPendingRequest(t *testing.T) {
	f := setup(t)
	o := f.order(t, white(1))
	res := f.pay(t, o.ID, "p1", "9000")
	require.Equal(t, core.StatusWaitingVehicleRequest, res.Order.Status)

	_, err := f.orders.Cancel(context.Background(), clerk, o.ID, "")
	require.NoError(t, err)

	req, err := f.requests.Get(context.Background(), res.Order.RequestID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestCanceled, req.Status)
}

func TestCancel_RefusedAfterDelivery(t *testing.T) {
	f := setup(t)
	f.receive(t, dealerStock, "white", 1)
	o := f.order(t, white(1))
	f.pay(t, o.ID, "p1", "45000")
	_, err := f.orders.ConfirmDelivery(context.Background(), clerk, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Cancel(context.Background(), clerk, o.ID, "")

	var bad *core.InvalidStatusTransitionError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, string(core.StatusDelivered), bad.From)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestExplicitTransitions_RespectTable(t *testing.T) {
	f := setup(t)
	o := f.order(t, white(1))

	_, err := f.orders.ConfirmDelivery(context.Background(), clerk, o.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStatusTransition)
	_, err = f.orders.Complete(context.Background(), clerk, o.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStatusTransition)

	logs, err := f.orders.Logs(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "rejected transitions write no log")

	assert.True(t, CanTransition(core.StatusWaitingVehicleRequest, core.StatusVehicleReady))
	assert.False(t, CanTransition(core.StatusPending, core.StatusVehicleReady))
	assert.False(t, CanTransition(core.StatusDelivered, core.StatusCancelled))
	assert.False(t, CanTransition(core.StatusCompleted, core.StatusCancelled))
}

func TestRequestRejected_AnnotatesOrder(t *testing.T) {
	f := setup(t)
	o := f.order(t, white(1))
	res := f.pay(t, o.ID, "p1", "9000")

	_, err := f.requests.Reject(context.Background(), clerk, res.Order.RequestID, "out of budget")
	require.NoError(t, err)

	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaitingVehicleRequest, got.Status)
	require.NotEmpty(t, got.Notes)
	assert.Contains(t, got.Notes[len(got.Notes)-1], "out of budget")
}

func TestResume_AfterStockArrivesOutsideWorkflow(t *testing.T) {
	f := setup(t)
	o := f.order(t, white(1))
	f.pay(t, o.ID, "p1", "9000")

	// Still short: resume is a no-op.
	got, err := f.orders.Resume(context.Background(), clerk, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaitingVehicleRequest, got.Status)

	f.receive(t, dealerStock, "white", 1)
	got, err = f.orders.Resume(context.Background(), clerk, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVehicleReady, got.Status)
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	cases := map[string]CreateInput{
		"no customer":   {DealershipID: "dealer-1", Items: []ItemInput{white(1)}},
		"no items":      {CustomerID: "c", DealershipID: "dealer-1"},
		"zero quantity": {CustomerID: "c", DealershipID: "dealer-1", Items: []ItemInput{white(0)}},
		"discount too big": {CustomerID: "c", DealershipID: "dealer-1", Items: []ItemInput{
			{VehicleID: "vf-8", Quantity: 1, Discount: decimal.NewFromInt(50000)},
		}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orders.Create(context.Background(), clerk, in)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
}

func TestCreate_PricesExtrasAndDiscounts(t *testing.T) {
	f := setup(t)
	o := f.order(t, ItemInput{
		VehicleID: "vf-8", Color: "white", Quantity: 2,
		Discount:    decimal.NewFromInt(1000),
		Options:     []core.PricedExtra{{ID: "opt-roof", Name: "Panoramic roof", Price: decimal.NewFromInt(1500)}},
		Accessories: []core.PricedExtra{{ID: "acc-mats", Name: "Floor mats", Price: decimal.NewFromInt(200)}},
	})
	// 2 × 45,000 − 1,000 + 1,500 + 200
	assert.Equal(t, "90700", o.FinalAmount.String())
}

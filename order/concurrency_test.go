package order

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/request"
)

func (f *fixture) dealerBatches(t *testing.T) []core.StockBatch {
	t.Helper()
	var out []core.StockBatch
	f.tx(t, func(tx core.Tx) error {
		var err error
		out, err = tx.ListBatches(context.Background(), core.BatchFilter{VehicleID: "vf-8", Owner: &dealerStock})
		return err
	})
	return out
}

func remainingOf(batches []core.StockBatch) int {
	n := 0
	for _, b := range batches {
		n += b.RemainingQuantity
	}
	return n
}

func TestRecordPayment_ConcurrentOrdersShareStockAndDebt(t *testing.T) {
	// GIVEN: 10 units distributed to the dealer on credit, and 8 one-unit orders
	f := setup(t)
	f.receive(t, makerStock, "white", 10)
	req, err := f.requests.Create(context.Background(), clerk, request.CreateInput{
		DealershipID: "dealer-1",
		Items:        []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 10}},
	})
	require.NoError(t, err)
	f.distribute(t, req.ID)

	const n = 8
	orders := make([]*core.Order, n)
	for i := range orders {
		orders[i] = f.order(t, white(1))
	}

	// WHEN: every order is paid in full at the same time
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, o := range orders {
		wg.Add(1)
		go func(i int, id core.OrderID) {
			defer wg.Done()
			_, errs[i] = f.orders.RecordPayment(context.Background(), clerk, PaymentInput{
				OrderID: id, Ref: fmt.Sprintf("pay-%d", i), Amount: decimal.NewFromInt(45000),
			})
		}(i, o.ID)
	}
	wg.Wait()

	// THEN: the result matches paying them one after another
	for i, err := range errs {
		require.NoError(t, err, "order %d", i)
	}
	for _, o := range orders {
		got, err := f.orders.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusFullyPaid, got.Status)
		assert.Equal(t, 1, core.SumUsed(got.Items[0].UsedStocks))
	}
	assert.Equal(t, 2, remainingOf(f.dealerBatches(t)))

	d := f.dealerDebt(t)
	assert.Equal(t, "380000", d.TotalAmount.String())
	assert.Equal(t, "76000", d.RemainingAmount.String())
	assert.Equal(t, "304000", d.SettledTotal().String())
	assert.Len(t, d.SettledByOrders, n)
	assert.NoError(t, debt.CheckDealerDebt(d))
}

func TestDistributeVehicle_ConcurrentShipmentsFromOneBatch(t *testing.T) {
	// GIVEN: 6 approved one-unit requests drawing on a 10-unit manufacturer batch
	f := setup(t)
	src := f.receive(t, makerStock, "white", 10)

	const n = 6
	var pending []core.RequestVehicleID
	for i := 0; i < n; i++ {
		req, err := f.requests.Create(context.Background(), clerk, request.CreateInput{
			DealershipID: "dealer-1",
			Items:        []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 1}},
		})
		require.NoError(t, err)
		res, err := f.requests.Approve(context.Background(), clerk, req.ID)
		require.NoError(t, err)
		for _, rv := range res.Created {
			pending = append(pending, rv.ID)
		}
	}
	require.Len(t, pending, n)

	// WHEN: the manufacturer ships them all at once
	var wg sync.WaitGroup
	errs := make([]error, len(pending))
	for i, id := range pending {
		wg.Add(1)
		go func(i int, id core.RequestVehicleID) {
			defer wg.Done()
			_, errs[i] = f.requests.DistributeVehicle(context.Background(), maker, id)
		}(i, id)
	}
	wg.Wait()

	// THEN: each unit moved exactly once and was billed exactly once
	for i, err := range errs {
		require.NoError(t, err, "shipment %d", i)
	}
	assert.Equal(t, 4, f.batch(t, src.ID).RemainingQuantity)
	assert.Equal(t, n, remainingOf(f.dealerBatches(t)))

	d := f.dealerDebt(t)
	assert.Equal(t, "228000", d.TotalAmount.String())
	assert.Equal(t, "228000", d.RemainingAmount.String())
	assert.Len(t, d.Obligations, n)
	assert.NoError(t, debt.CheckDealerDebt(d))
}

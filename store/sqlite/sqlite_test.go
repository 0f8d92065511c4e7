/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Round-trips of batches, orders, debts and requests (decimal and JSON columns)
- FIFO ordering of ListBatches
- Optimistic concurrency on versioned rows
- The one-pending-request-per-order index
- Idempotency keys, rollback and Reset
*/
package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
)

var t0 = time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func inTx(t *testing.T, s *Store, fn func(ctx context.Context, tx core.Tx)) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx core.Tx) error {
		fn(context.Background(), tx)
		return nil
	}))
}

func TestVehicle_RoundTrip(t *testing.T) {
	s := newStore(t)
	v := core.Vehicle{
		ID: "vf-8", ManufacturerID: "mfr-1", Model: "VF 8",
		Price: decimal.RequireFromString("45000.50"), DistributionPrice: decimal.RequireFromString("38000"),
	}

	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		require.NoError(t, tx.PutVehicle(ctx, v))
		got, err := tx.GetVehicle(ctx, "vf-8")
		require.NoError(t, err)
		assert.Equal(t, "VF 8", got.Model)
		assert.True(t, got.Price.Equal(v.Price))
		assert.True(t, got.DistributionPrice.Equal(v.DistributionPrice))

		_, err = tx.GetVehicle(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestBatches_FIFOOrderAndVersioning(t *testing.T) {
	s := newStore(t)
	owner := core.DealerOwner("dealer-1")

	// GIVEN: three batches, two sharing a timestamp
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		for _, b := range []core.StockBatch{
			{ID: "b-late", ReceivedAt: t0.Add(time.Hour)},
			{ID: "b-tie-1", ReceivedAt: t0},
			{ID: "b-tie-2", ReceivedAt: t0},
		} {
			b.VehicleID, b.Color, b.Owner, b.Quantity, b.RemainingQuantity = "vf-8", "white", owner, 3, 3
			require.NoError(t, tx.InsertBatch(ctx, &b))
			assert.Equal(t, int64(1), b.Version)
			assert.NotZero(t, b.Seq)
		}
	})

	// WHEN: listing
	var ids []core.BatchID
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		batches, err := tx.ListBatches(ctx, core.BatchFilter{VehicleID: "vf-8", Owner: &owner})
		require.NoError(t, err)
		for _, b := range batches {
			ids = append(ids, b.ID)
		}
	})

	// THEN: oldest first, insertion order breaks ties
	assert.Equal(t, []core.BatchID{"b-tie-1", "b-tie-2", "b-late"}, ids)

	// AND: a stale version is rejected
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		b, err := tx.GetBatch(ctx, "b-late")
		require.NoError(t, err)
		stale := *b

		b.RemainingQuantity = 1
		require.NoError(t, tx.UpdateBatch(ctx, b))
		assert.Equal(t, int64(2), b.Version)

		stale.RemainingQuantity = 0
		assert.ErrorIs(t, tx.UpdateBatch(ctx, &stale), core.ErrConcurrentModification)

		missing := core.StockBatch{ID: "nope", Version: 1}
		assert.ErrorIs(t, tx.UpdateBatch(ctx, &missing), core.ErrNotFound)
	})
}

func TestOrder_RoundTripKeepsItemsAndNotes(t *testing.T) {
	s := newStore(t)
	o := core.Order{
		ID: "order-1", Code: "ORD-1", CustomerID: "cust-1", DealershipID: "dealer-1",
		Items: []core.OrderItem{{
			VehicleID: "vf-8", Color: "white", Quantity: 1,
			UnitPrice: decimal.NewFromInt(45000), Discount: decimal.NewFromInt(500),
			Options:    []core.PricedExtra{{ID: "roof", Name: "Roof", Price: decimal.NewFromInt(1500)}},
			UsedStocks: []core.UsedStock{{BatchID: "b-1", Quantity: 1}},
		}},
		FinalAmount: decimal.NewFromInt(46000),
		PaidAmount:  decimal.RequireFromString("9200.25"),
		Status:      core.StatusVehicleReady,
		RequestID:   "req-1",
		Notes:       []string{"request REQ-1 rejected: budget"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}

	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		require.NoError(t, tx.InsertOrder(ctx, &o))
		got, err := tx.GetOrder(ctx, "order-1")
		require.NoError(t, err)

		assert.Equal(t, core.StatusVehicleReady, got.Status)
		assert.Equal(t, "9200.25", got.PaidAmount.String())
		assert.Equal(t, o.Notes, got.Notes)
		require.Len(t, got.Items, 1)
		assert.Equal(t, o.Items[0].UsedStocks, got.Items[0].UsedStocks)
		assert.Equal(t, "46000", got.Items[0].Subtotal().String())
		assert.True(t, got.CreatedAt.Equal(t0))

		got.Status = core.StatusFullyPaid
		require.NoError(t, tx.UpdateOrder(ctx, got))
		assert.ErrorIs(t, tx.UpdateOrder(ctx, &o), core.ErrConcurrentModification)

		list, err := tx.ListOrders(ctx, "dealer-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
		list, err = tx.ListOrders(ctx, "dealer-2")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestStatusLogs_AppendOrder(t *testing.T) {
	s := newStore(t)
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		steps := []core.OrderStatus{core.StatusPending, core.StatusDepositPaid, core.StatusVehicleReady}
		prev := core.OrderStatus("")
		for i, st := range steps {
			require.NoError(t, tx.AppendStatusLog(ctx, core.OrderStatusLog{
				ID: core.NewID("log"), OrderID: "order-1", OldStatus: prev, NewStatus: st,
				ChangedBy: "u-1", Timestamp: t0.Add(time.Duration(i) * time.Minute),
			}))
			prev = st
		}

		logs, err := tx.ListStatusLogs(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, core.OrderStatus(""), logs[0].OldStatus)
		assert.Equal(t, core.StatusVehicleReady, logs[2].NewStatus)
	})
}

func TestDebts_RoundTrip(t *testing.T) {
	s := newStore(t)
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		cd := core.CustomerDebt{ID: "cd-1", CustomerID: "cust-1", OrderID: "order-1",
			Account: core.NewAccount(decimal.NewFromInt(1000)), CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertCustomerDebt(ctx, &cd))

		_, err := tx.GetCustomerDebtByOrder(ctx, "order-2")
		var nf *core.DebtNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "customer", nf.Kind)

		dd := core.DealerDebt{
			ID: "dd-1", DealershipID: "dealer-1", ManufacturerID: "mfr-1",
			Account:     core.NewAccount(decimal.NewFromInt(100)),
			Obligations: []core.Obligation{{Ref: "rv:1", Amount: decimal.NewFromInt(100), Settled: decimal.NewFromInt(40), CreatedAt: t0}},
			SettledByOrders: []core.Settlement{{
				OrderID: "order-1", PaymentRef: "p1", ObligationRef: "rv:1", Amount: decimal.NewFromInt(40), SettledAt: t0,
			}},
			CreatedAt: t0, UpdatedAt: t0,
		}
		dd.PaidAmount = decimal.NewFromInt(40)
		dd.Recompute()
		require.NoError(t, tx.InsertDealerDebt(ctx, &dd))

		got, err := tx.GetDealerDebt(ctx, "dealer-1", "mfr-1")
		require.NoError(t, err)
		assert.Equal(t, core.DebtPartial, got.Status)
		assert.Equal(t, "60", got.RemainingAmount.String())
		assert.Equal(t, "40", got.SettledByOrder("order-1").String())
		assert.True(t, got.HasPayment("p1"))
		require.Len(t, got.Obligations, 1)
		assert.Equal(t, "60", got.Obligations[0].Outstanding().String())

		dup := dd
		dup.ID = "dd-2"
		assert.Error(t, tx.InsertDealerDebt(ctx, &dup), "one debt per dealer and manufacturer")

		_, err = tx.GetDealerDebt(ctx, "dealer-1", "mfr-2")
		assert.ErrorIs(t, err, core.ErrDebtNotFound)
	})
}

func TestOrderRequests_OnePendingPerOrder(t *testing.T) {
	s := newStore(t)
	req := func(id core.RequestID, order core.OrderID) *core.OrderRequest {
		return &core.OrderRequest{
			ID: id, Code: string(id), DealershipID: "dealer-1", OrderID: order,
			Items:  []core.RequestItem{{VehicleID: "vf-8", Color: "white", Quantity: 1}},
			Status: core.RequestPending, CreatedAt: t0, UpdatedAt: t0,
		}
	}

	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		first := req("req-1", "order-1")
		require.NoError(t, tx.InsertOrderRequest(ctx, first))

		// Replenishment requests have no order and never collide.
		require.NoError(t, tx.InsertOrderRequest(ctx, req("req-2", "")))
		require.NoError(t, tx.InsertOrderRequest(ctx, req("req-3", "")))

		err := tx.InsertOrderRequest(ctx, req("req-4", "order-1"))
		assert.ErrorIs(t, err, core.ErrDuplicatePendingRequest)

		first.Status = core.RequestRejected
		require.NoError(t, tx.UpdateOrderRequest(ctx, first))
		require.NoError(t, tx.InsertOrderRequest(ctx, req("req-5", "order-1")))

		pending, err := tx.ListOrderRequests(ctx, "order-1", core.RequestPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, core.RequestID("req-5"), pending[0].ID)
		assert.Equal(t, first.Items, pending[0].Items)
	})
}

func TestRequestVehicles_Filter(t *testing.T) {
	s := newStore(t)
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		for i, color := range []string{"white", "red"} {
			rv := core.RequestVehicle{
				ID: core.RequestVehicleID("rv-" + color), RequestID: "req-1",
				DealershipID: "dealer-1", ManufacturerID: "mfr-1",
				VehicleID: "vf-8", Color: color, Quantity: i + 1,
				Status: core.VehicleRequestPending, CreatedAt: t0.Add(time.Duration(i) * time.Second), UpdatedAt: t0,
			}
			require.NoError(t, tx.InsertRequestVehicle(ctx, &rv))
		}

		white := "white"
		got, err := tx.ListRequestVehicles(ctx, core.RequestVehicleFilter{
			DealershipID: "dealer-1", VehicleID: "vf-8", Color: &white, Status: core.VehicleRequestPending,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, core.RequestVehicleID("rv-white"), got[0].ID)

		rv := got[0]
		now := t0.Add(time.Hour)
		rv.Status = core.VehicleRequestApproved
		rv.BatchID = "b-9"
		rv.DistributedAt = &now
		require.NoError(t, tx.UpdateRequestVehicle(ctx, &rv))

		back, err := tx.GetRequestVehicle(ctx, "rv-white")
		require.NoError(t, err)
		assert.Equal(t, core.BatchID("b-9"), back.BatchID)
		require.NotNil(t, back.DistributedAt)
		assert.True(t, back.DistributedAt.Equal(now))

		all, err := tx.ListRequestVehicles(ctx, core.RequestVehicleFilter{RequestID: "req-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx core.Tx) error {
		require.NoError(t, tx.ClaimKey(context.Background(), "payment:p1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		claimed, err := tx.KeyClaimed(ctx, "payment:p1")
		require.NoError(t, err)
		assert.False(t, claimed)

		require.NoError(t, tx.ClaimKey(ctx, "payment:p1"))
		assert.ErrorIs(t, tx.ClaimKey(ctx, "payment:p1"), core.ErrDuplicateIdempotencyKey)
	})
}

func TestReset_ClearsEverything(t *testing.T) {
	s := newStore(t)
	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		require.NoError(t, tx.PutVehicle(ctx, core.Vehicle{ID: "vf-8", ManufacturerID: "mfr-1", Model: "VF 8",
			Price: decimal.NewFromInt(1), DistributionPrice: decimal.NewFromInt(1)}))
		require.NoError(t, tx.ClaimKey(ctx, "k"))
	})

	require.NoError(t, s.Reset(context.Background()))
	require.NoError(t, s.Ping(context.Background()))

	inTx(t, s, func(ctx context.Context, tx core.Tx) {
		vs, err := tx.ListVehicles(ctx)
		require.NoError(t, err)
		assert.Empty(t, vs)
		assert.NoError(t, tx.ClaimKey(ctx, "k"))
	})
}

package stock

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ev-sales-engine/core"
)

func TestService_AvailabilityGroupsByColor(t *testing.T) {
	// GIVEN: dealer batches in two colors plus manufacturer stock
	m, l := setup(t)
	log, hook := test.NewNullLogger()
	svc := NewService(m, l, core.DefaultRetryPolicy(), log)
	ctx := context.Background()

	for _, in := range []ReceiveInput{
		{VehicleID: "vf-8", Color: "white", Owner: dealer, Quantity: 2, ReceivedAt: t0},
		{VehicleID: "vf-8", Color: "white", Owner: dealer, Quantity: 3, ReceivedAt: t0.Add(time.Hour)},
		{VehicleID: "vf-8", Color: "red", Owner: dealer, Quantity: 1, ReceivedAt: t0},
		{VehicleID: "vf-8", Color: "red", Owner: maker, Quantity: 9, ReceivedAt: t0},
	} {
		_, err := svc.Receive(ctx, in)
		require.NoError(t, err)
	}

	// WHEN: the dealer's availability is read
	avail, err := svc.Availability(ctx, dealer, "")

	// THEN: one row per color, sorted, counting only the dealer's batches
	require.NoError(t, err)
	assert.Equal(t, []ColorAvailability{
		{VehicleID: "vf-8", Color: "red", Owner: dealer, Remaining: 1, Batches: 1},
		{VehicleID: "vf-8", Color: "white", Owner: dealer, Remaining: 5, Batches: 2},
	}, avail)

	// AND: every receipt was logged
	assert.Len(t, hook.AllEntries(), 4)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "stock received", hook.LastEntry().Message)
}

func TestService_RegisterVehicleValidation(t *testing.T) {
	m, l := setup(t)
	log, _ := test.NewNullLogger()
	svc := NewService(m, l, core.DefaultRetryPolicy(), log)

	err := svc.RegisterVehicle(context.Background(), core.Vehicle{ID: "vf-5"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	vehicles, err := svc.ListVehicles(context.Background())
	require.NoError(t, err)
	assert.Len(t, vehicles, 1)
}

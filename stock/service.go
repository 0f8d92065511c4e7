package stock

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// Service exposes the stock operations that run in their own transaction.
type Service struct {
	Store  core.Store
	Ledger *Ledger
	Retry  core.RetryPolicy
	Log    logrus.FieldLogger
}

func NewService(store core.Store, ledger *Ledger, retry core.RetryPolicy, log logrus.FieldLogger) *Service {
	return &Service{Store: store, Ledger: ledger, Retry: retry, Log: log}
}

// Receive registers a batch in its own transaction.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (*core.StockBatch, error) {
	var batch *core.StockBatch
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		batch, err = s.Ledger.Receive(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"vehicle":  batch.VehicleID,
		"color":    batch.Color,
		"owner":    batch.Owner.String(),
		"quantity": batch.Quantity,
	}).Info("stock received")
	return batch, nil
}

// ColorAvailability is remaining stock of one vehicle/color at one owner.
type ColorAvailability struct {
	VehicleID core.VehicleID
	Color     string
	Owner     core.Owner
	Remaining int
	Batches   int
}

// Availability groups an owner's remaining stock by vehicle and color.
// Empty vehicle lists every vehicle.
func (s *Service) Availability(ctx context.Context, owner core.Owner, vehicle core.VehicleID) ([]ColorAvailability, error) {
	var batches []core.StockBatch
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		batches, err = tx.ListBatches(ctx, core.BatchFilter{VehicleID: vehicle, Owner: &owner})
		return err
	})
	if err != nil {
		return nil, err
	}

	type key struct {
		vehicle core.VehicleID
		color   string
	}
	groups := make(map[key]*ColorAvailability)
	for _, b := range batches {
		k := key{b.VehicleID, b.Color}
		g, ok := groups[k]
		if !ok {
			g = &ColorAvailability{VehicleID: b.VehicleID, Color: b.Color, Owner: owner}
			groups[k] = g
		}
		g.Remaining += b.RemainingQuantity
		g.Batches++
	}

	out := make([]ColorAvailability, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VehicleID != out[j].VehicleID {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].Color < out[j].Color
	})
	return out, nil
}

// Batches lists matching batches in FIFO order.
func (s *Service) Batches(ctx context.Context, filter core.BatchFilter) ([]core.StockBatch, error) {
	var batches []core.StockBatch
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		batches, err = tx.ListBatches(ctx, filter)
		return err
	})
	return batches, err
}

// RegisterVehicle stores or replaces a catalog entry.
func (s *Service) RegisterVehicle(ctx context.Context, v core.Vehicle) error {
	if v.ID == "" || v.ManufacturerID == "" {
		return core.InvalidInput("vehicle id and manufacturer are required")
	}
	if v.Price.IsNegative() || v.DistributionPrice.IsNegative() {
		return core.InvalidInput("prices cannot be negative")
	}
	return s.Store.WithTx(ctx, func(tx core.Tx) error {
		return tx.PutVehicle(ctx, v)
	})
}

func (s *Service) ListVehicles(ctx context.Context) ([]core.Vehicle, error) {
	var out []core.Vehicle
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListVehicles(ctx)
		return err
	})
	return out, err
}

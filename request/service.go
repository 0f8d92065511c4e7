package request

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// Service runs each workflow step in its own retried transaction.
type Service struct {
	Store    core.Store
	Workflow *Workflow
	Locker   core.Locker
	Retry    core.RetryPolicy
	Log      logrus.FieldLogger
}

func NewService(store core.Store, wf *Workflow, locker core.Locker, retry core.RetryPolicy, log logrus.FieldLogger) *Service {
	return &Service{Store: store, Workflow: wf, Locker: locker, Retry: retry, Log: log}
}

func (s *Service) Create(ctx context.Context, actor core.Actor, in CreateInput) (*core.OrderRequest, error) {
	var req *core.OrderRequest
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		req, err = s.Workflow.Create(ctx, tx, actor, in)
		return err
	})
	if err != nil {
		s.reject("create", in.OrderID, "", err)
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"request_id": req.ID, "order_id": req.OrderID, "items": len(req.Items)}).
		Info("order request created")
	return req, nil
}

func (s *Service) Approve(ctx context.Context, actor core.Actor, id core.RequestID) (*ApproveResult, error) {
	var res *ApproveResult
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		res, err = s.Workflow.Approve(ctx, tx, actor, id)
		return err
	})
	if err != nil {
		s.reject("approve", "", id, err)
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"request_id": id,
		"created":    len(res.Created),
		"skipped":    len(res.Skipped),
		"by":         actor.ID,
	}).Info("order request approved")
	return res, nil
}

func (s *Service) Reject(ctx context.Context, actor core.Actor, id core.RequestID, reason string) (*core.OrderRequest, error) {
	var req *core.OrderRequest
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		req, err = s.Workflow.Reject(ctx, tx, actor, id, reason)
		return err
	})
	if err != nil {
		s.reject("reject", "", id, err)
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"request_id": id, "reason": reason, "by": actor.ID}).Info("order request rejected")
	return req, nil
}

func (s *Service) Cancel(ctx context.Context, actor core.Actor, id core.RequestID, reason string) (*core.OrderRequest, error) {
	var req *core.OrderRequest
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		req, err = s.Workflow.Cancel(ctx, tx, actor, id, reason)
		return err
	})
	if err != nil {
		s.reject("cancel", "", id, err)
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"request_id": id, "by": actor.ID}).Info("order request canceled")
	return req, nil
}

// DistributeVehicle holds the manufacturer stock lock and the dealer debt
// lock so concurrent distributions on the same keys apply one at a time.
func (s *Service) DistributeVehicle(ctx context.Context, actor core.Actor, id core.RequestVehicleID) (*DistributionResult, error) {
	var rv *core.RequestVehicle
	if err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		rv, err = tx.GetRequestVehicle(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}

	release, err := core.ObtainAll(ctx, s.Locker, []string{
		core.StockLockKey(rv.VehicleID, core.ManufacturerOwner(rv.ManufacturerID)),
		core.DealerDebtLockKey(rv.DealershipID, rv.ManufacturerID),
	})
	if err != nil {
		return nil, err
	}
	defer release()

	var res *DistributionResult
	err = core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		res, err = s.Workflow.DistributeVehicle(ctx, tx, actor, id)
		return err
	})
	if err != nil {
		s.Log.WithFields(logrus.Fields{"request_vehicle_id": id}).WithError(err).Warn("distribution rejected")
		return nil, err
	}

	s.Log.WithFields(logrus.Fields{
		"request_vehicle_id": id,
		"batch_id":           res.Transfer.Batch.ID,
		"quantity":           res.RequestVehicle.Quantity,
		"debt_id":            res.DealerDebt.ID,
		"debt_increase":      res.DebtIncrease.String(),
	}).Info("vehicles distributed")
	return res, nil
}

func (s *Service) RejectVehicle(ctx context.Context, actor core.Actor, id core.RequestVehicleID, reason string) (*core.RequestVehicle, error) {
	var rv *core.RequestVehicle
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		rv, err = s.Workflow.RejectVehicle(ctx, tx, actor, id, reason)
		return err
	})
	if err != nil {
		s.Log.WithFields(logrus.Fields{"request_vehicle_id": id}).WithError(err).Warn("vehicle rejection failed")
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"request_vehicle_id": id, "reason": reason}).Info("request vehicle rejected")
	return rv, nil
}

func (s *Service) Get(ctx context.Context, id core.RequestID) (*core.OrderRequest, error) {
	var req *core.OrderRequest
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		req, err = tx.GetOrderRequest(ctx, id)
		return err
	})
	return req, err
}

func (s *Service) List(ctx context.Context, order core.OrderID, status core.RequestStatus) ([]core.OrderRequest, error) {
	var out []core.OrderRequest
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListOrderRequests(ctx, order, status)
		return err
	})
	return out, err
}

func (s *Service) Vehicle(ctx context.Context, id core.RequestVehicleID) (*core.RequestVehicle, error) {
	var rv *core.RequestVehicle
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		rv, err = tx.GetRequestVehicle(ctx, id)
		return err
	})
	return rv, err
}

func (s *Service) Vehicles(ctx context.Context, filter core.RequestVehicleFilter) ([]core.RequestVehicle, error) {
	var out []core.RequestVehicle
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListRequestVehicles(ctx, filter)
		return err
	})
	return out, err
}

func (s *Service) reject(op string, order core.OrderID, id core.RequestID, err error) {
	entry := s.Log.WithFields(logrus.Fields{"op": op, "order_id": order, "request_id": id}).WithError(err)
	if core.IsClientError(err) || core.IsNotFound(err) {
		entry.Warn("order request operation rejected")
		return
	}
	entry.Error("order request operation failed")
}

package order

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// Service wraps the Machine in retried transactions and takes the locks
// each operation needs before touching shared balances.
type Service struct {
	Store   core.Store
	Machine *Machine
	Locker  core.Locker
	Retry   core.RetryPolicy
	Log     logrus.FieldLogger
}

func NewService(store core.Store, m *Machine, locker core.Locker, retry core.RetryPolicy, log logrus.FieldLogger) *Service {
	return &Service{Store: store, Machine: m, Locker: locker, Retry: retry, Log: log}
}

func (s *Service) Create(ctx context.Context, actor core.Actor, in CreateInput) (*core.Order, error) {
	var o *core.Order
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		o, err = s.Machine.Create(ctx, &Step{Tx: tx, Actor: actor}, in)
		return err
	})
	if err != nil {
		s.fail("create", "", err)
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"order_id":     o.ID,
		"code":         o.Code,
		"dealership":   o.DealershipID,
		"final_amount": o.FinalAmount.String(),
	}).Info("order created")
	return o, nil
}

// RecordPayment locks every dealer debt and dealer stock key the order can
// touch, then applies the payment in one transaction.
func (s *Service) RecordPayment(ctx context.Context, actor core.Actor, in PaymentInput) (*PaymentResult, error) {
	keys, err := s.orderLockKeys(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	release, err := core.ObtainAll(ctx, s.Locker, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *PaymentResult
	err = core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		res, err = s.Machine.RecordPayment(ctx, &Step{Tx: tx, Actor: actor}, in)
		return err
	})
	if err != nil {
		s.fail("payment", in.OrderID, err)
		return nil, err
	}

	entry := s.Log.WithFields(logrus.Fields{
		"order_id":    in.OrderID,
		"payment_ref": in.Ref,
		"amount":      in.Amount.String(),
		"paid":        res.Order.PaidAmount.String(),
		"status":      res.Order.Status,
	})
	for _, line := range res.Settlements {
		entry.WithFields(logrus.Fields{"manufacturer": line.ManufacturerID, "settled": line.Amount.String()}).
			Info("dealer debt settled from customer payment")
	}
	entry.Info("payment recorded")
	return res, nil
}

func (s *Service) ConfirmDelivery(ctx context.Context, actor core.Actor, id core.OrderID) (*core.Order, error) {
	return s.apply(ctx, actor, id, "deliver", s.Machine.ConfirmDelivery)
}

func (s *Service) Complete(ctx context.Context, actor core.Actor, id core.OrderID) (*core.Order, error) {
	return s.apply(ctx, actor, id, "complete", s.Machine.Complete)
}

// Resume retries allocation of a waiting order by hand, e.g. after a stock
// count added dealer batches outside the request workflow.
func (s *Service) Resume(ctx context.Context, actor core.Actor, id core.OrderID) (*core.Order, error) {
	return s.apply(ctx, actor, id, "resume", s.Machine.Resume)
}

func (s *Service) Cancel(ctx context.Context, actor core.Actor, id core.OrderID, reason string) (*core.Order, error) {
	keys, err := s.orderLockKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := core.ObtainAll(ctx, s.Locker, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.apply(ctx, actor, id, "cancel", func(ctx context.Context, st *Step, o *core.Order) error {
		return s.Machine.Cancel(ctx, st, o, reason)
	})
}

func (s *Service) apply(ctx context.Context, actor core.Actor, id core.OrderID, op string,
	fn func(context.Context, *Step, *core.Order) error) (*core.Order, error) {
	var o *core.Order
	var logs []core.OrderStatusLog
	err := core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		st := &Step{Tx: tx, Actor: actor}
		if err := fn(ctx, st, o); err != nil {
			return err
		}
		logs = st.Logs
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		s.fail(op, id, err)
		return nil, err
	}
	for _, l := range logs {
		s.Log.WithFields(logrus.Fields{
			"order_id": id,
			"from":     l.OldStatus,
			"to":       l.NewStatus,
			"by":       l.ChangedBy,
		}).Info("order status changed")
	}
	return o, nil
}

// orderLockKeys reads the order and lists the dealer stock keys of its
// vehicles and the dealer debt keys of their manufacturers.
func (s *Service) orderLockKeys(ctx context.Context, id core.OrderID) ([]string, error) {
	var keys []string
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		dealer := core.DealerOwner(o.DealershipID)
		for _, it := range o.Items {
			v, err := tx.GetVehicle(ctx, it.VehicleID)
			if err != nil {
				return err
			}
			keys = append(keys,
				core.StockLockKey(it.VehicleID, dealer),
				core.DealerDebtLockKey(o.DealershipID, v.ManufacturerID))
		}
		return nil
	})
	return keys, err
}

func (s *Service) Get(ctx context.Context, id core.OrderID) (*core.Order, error) {
	var o *core.Order
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

// List returns a dealership's orders; empty dealer lists all.
func (s *Service) List(ctx context.Context, dealer core.DealershipID) ([]core.Order, error) {
	var out []core.Order
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, dealer)
		return err
	})
	return out, err
}

func (s *Service) Logs(ctx context.Context, id core.OrderID) ([]core.OrderStatusLog, error) {
	var out []core.OrderStatusLog
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		if _, err := tx.GetOrder(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.ListStatusLogs(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) fail(op string, id core.OrderID, err error) {
	entry := s.Log.WithFields(logrus.Fields{"op": op, "order_id": id}).WithError(err)
	if core.IsClientError(err) || core.IsNotFound(err) {
		entry.Warn("order operation rejected")
		return
	}
	entry.Error("order operation failed")
}

package debt

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// Service runs debt operations that stand on their own transaction.
type Service struct {
	Store  core.Store
	Ledger *Ledger
	Locker core.Locker
	Retry  core.RetryPolicy
	Log    logrus.FieldLogger
}

func NewService(store core.Store, ledger *Ledger, locker core.Locker, retry core.RetryPolicy, log logrus.FieldLogger) *Service {
	return &Service{Store: store, Ledger: ledger, Locker: locker, Retry: retry, Log: log}
}

// PayManufacturer records a dealer's direct payment to a manufacturer.
func (s *Service) PayManufacturer(ctx context.Context, dealer core.DealershipID, mfr core.ManufacturerID, paymentRef string, amount decimal.Decimal) (*core.DealerDebt, error) {
	release, err := s.Locker.Obtain(ctx, core.DealerDebtLockKey(dealer, mfr))
	if err != nil {
		return nil, err
	}
	defer release()

	var d *core.DealerDebt
	err = core.RunTx(ctx, s.Store, s.Retry, func(tx core.Tx) error {
		var err error
		d, err = s.Ledger.PayManufacturer(ctx, tx, dealer, mfr, paymentRef, amount)
		return err
	})
	if err != nil {
		s.Log.WithFields(logrus.Fields{"dealership": dealer, "manufacturer": mfr, "payment_ref": paymentRef}).
			WithError(err).Warn("manufacturer payment rejected")
		return nil, err
	}

	s.Log.WithFields(logrus.Fields{
		"debt_id":     d.ID,
		"payment_ref": paymentRef,
		"amount":      amount.String(),
		"remaining":   d.RemainingAmount.String(),
	}).Info("manufacturer payment recorded")
	return d, nil
}

func (s *Service) CustomerDebtByOrder(ctx context.Context, order core.OrderID) (*core.CustomerDebt, error) {
	var d *core.CustomerDebt
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		d, err = tx.GetCustomerDebtByOrder(ctx, order)
		return err
	})
	return d, err
}

func (s *Service) CustomerDebts(ctx context.Context, customer core.CustomerID) ([]core.CustomerDebt, error) {
	var out []core.CustomerDebt
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListCustomerDebts(ctx, customer)
		return err
	})
	return out, err
}

func (s *Service) DealerDebt(ctx context.Context, dealer core.DealershipID, mfr core.ManufacturerID) (*core.DealerDebt, error) {
	var d *core.DealerDebt
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		d, err = tx.GetDealerDebt(ctx, dealer, mfr)
		return err
	})
	return d, err
}

// DealerDebts lists a dealership's debts; empty dealer lists all.
func (s *Service) DealerDebts(ctx context.Context, dealer core.DealershipID) ([]core.DealerDebt, error) {
	var out []core.DealerDebt
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		out, err = tx.ListDealerDebts(ctx, dealer)
		return err
	})
	return out, err
}

package api

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
	"github.com/warp/ev-sales-engine/order"
	"github.com/warp/ev-sales-engine/request"
	"github.com/warp/ev-sales-engine/stock"
)

// Backend is a transactional store that the health and scenario endpoints
// can also ping and reset.
type Backend interface {
	core.Store
	Database
}

type Options struct {
	DepositRatio decimal.Decimal
	Retry        core.RetryPolicy
}

// NewApp wires the ledgers, workflow, state machine and services into a
// Handler. The order machine listens to request outcomes.
func NewApp(db Backend, locker core.Locker, opts Options, log logrus.FieldLogger) *Handler {
	stockLedger := stock.NewLedger()
	debtLedger := debt.NewLedger()
	wf := request.NewWorkflow(stockLedger, debtLedger)
	machine := order.NewMachine(stockLedger, debtLedger, wf, opts.DepositRatio)
	wf.Listener = machine

	return NewHandler(db,
		stock.NewService(db, stockLedger, opts.Retry, log.WithField("component", "stock")),
		debt.NewService(db, debtLedger, locker, opts.Retry, log.WithField("component", "debt")),
		request.NewService(db, wf, locker, opts.Retry, log.WithField("component", "request")),
		order.NewService(db, machine, locker, opts.Retry, log.WithField("component", "order")),
		NewLedgerAuditor(db, log.WithField("component", "auditor")),
		log.WithField("component", "api"),
	)
}

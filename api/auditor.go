/*
auditor.go - Periodic ledger audit

PURPOSE:
  Periodically re-reads the stock and debt ledgers and reports any record
  that breaks the bookkeeping rules the engine maintains on every write.
  The auditor never repairs anything; violations are logged at error level
  and kept on the last report for the /api/audit endpoint.

CHECKS:
  - Every batch: 0 <= remaining_quantity <= quantity
  - Every dealer debt: settled_by_orders and obligations agree with
    total - remaining (debt.CheckDealerDebt)
  - Every live customer debt: paid + remaining == total, and paid equals
    the order's paid_amount
  - Every allocated item: used_stocks sum to the item quantity
  - Every cancelled order that consumed stock has been reversed

CONFIGURATION:
  - Interval: How often to run (AUDIT_INTERVAL, default 1 hour; 0 disables)

USAGE:
  auditor := NewLedgerAuditor(store, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - debt/ledger.go: CheckDealerDebt
  - core/types.go: StockBatch.Check
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
	"github.com/warp/ev-sales-engine/debt"
)

// AuditReport is the outcome of one audit pass.
type AuditReport struct {
	RanAt      time.Time
	Batches    int
	Debts      int
	Violations []string
}

// LedgerAuditor runs the ledger checks on a ticker.
type LedgerAuditor struct {
	Store    core.Store
	Log      logrus.FieldLogger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   *AuditReport
}

func NewLedgerAuditor(store core.Store, log logrus.FieldLogger) *LedgerAuditor {
	return &LedgerAuditor{
		Store:    store,
		Log:      log,
		Interval: time.Hour,
	}
}

// Start begins the periodic audit. A zero Interval leaves it disabled.
func (a *LedgerAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Interval <= 0 {
		a.Log.Info("ledger auditor disabled")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Log.WithField("interval", a.Interval.String()).Info("ledger auditor started")
}

// Stop halts the auditor and waits for an in-flight pass to finish.
func (a *LedgerAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		a.ticker.Stop()
		close(a.stop)
		a.wg.Wait()
		a.ticker = nil
		a.Log.Info("ledger auditor stopped")
	}
}

func (a *LedgerAuditor) run() {
	defer a.wg.Done()

	a.RunNow(context.Background())
	for {
		select {
		case <-a.ticker.C:
			a.RunNow(context.Background())
		case <-a.stop:
			return
		}
	}
}

// Last returns the most recent report, or nil before the first pass.
func (a *LedgerAuditor) Last() *AuditReport {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.last
}

// RunNow performs one audit pass immediately.
func (a *LedgerAuditor) RunNow(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{RanAt: time.Now().UTC(), Violations: []string{}}

	err := a.Store.WithTx(ctx, func(tx core.Tx) error {
		batches, err := tx.ListBatches(ctx, core.BatchFilter{})
		if err != nil {
			return err
		}
		report.Batches = len(batches)
		for _, b := range batches {
			if err := b.Check(); err != nil {
				report.Violations = append(report.Violations, err.Error())
			}
		}

		debts, err := tx.ListDealerDebts(ctx, "")
		if err != nil {
			return err
		}
		report.Debts = len(debts)
		for _, d := range debts {
			if err := debt.CheckDealerDebt(d); err != nil {
				report.Violations = append(report.Violations, err.Error())
			}
		}

		orders, err := tx.ListOrders(ctx, "")
		if err != nil {
			return err
		}
		for _, o := range orders {
			report.Violations = append(report.Violations, checkOrder(o)...)

			cd, err := tx.GetCustomerDebtByOrder(ctx, o.ID)
			if core.IsNotFound(err) {
				report.Violations = append(report.Violations, fmt.Sprintf("order %s: no customer debt", o.ID))
				continue
			}
			if err != nil {
				return err
			}
			report.Debts++
			report.Violations = append(report.Violations, checkCustomerDebt(o, *cd)...)
		}
		return nil
	})
	if err != nil {
		a.Log.WithError(err).Error("ledger audit failed")
		return nil, err
	}

	entry := a.Log.WithFields(logrus.Fields{
		"batches":    report.Batches,
		"debts":      report.Debts,
		"violations": len(report.Violations),
	})
	if len(report.Violations) > 0 {
		for _, v := range report.Violations {
			a.Log.WithField("violation", v).Error("ledger violation")
		}
		entry.Error("ledger audit found violations")
	} else {
		entry.Info("ledger audit clean")
	}

	a.lastMu.Lock()
	a.last = report
	a.lastMu.Unlock()
	return report, nil
}

func checkOrder(o core.Order) []string {
	var out []string
	for i, it := range o.Items {
		if len(it.UsedStocks) == 0 {
			continue
		}
		if got := core.SumUsed(it.UsedStocks); got != it.Quantity {
			out = append(out, fmt.Sprintf("order %s item %d: used_stocks sum %d != quantity %d", o.ID, i, got, it.Quantity))
		}
	}
	if o.Status == core.StatusCancelled && len(o.UsedStocks()) > 0 && !o.StockReversed {
		out = append(out, fmt.Sprintf("order %s: cancelled without stock reversal", o.ID))
	}
	return out
}

func checkCustomerDebt(o core.Order, d core.CustomerDebt) []string {
	if d.Void {
		return nil
	}
	var out []string
	if !d.PaidAmount.Add(d.RemainingAmount).Equal(d.TotalAmount) {
		out = append(out, fmt.Sprintf("customer debt %s: paid %s + remaining %s != total %s",
			d.ID, d.PaidAmount, d.RemainingAmount, d.TotalAmount))
	}
	if !d.PaidAmount.Equal(o.PaidAmount) {
		out = append(out, fmt.Sprintf("customer debt %s: paid %s != order %s paid %s",
			d.ID, d.PaidAmount, o.ID, o.PaidAmount))
	}
	return out
}

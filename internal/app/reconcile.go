package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/store"
)

// StaleExchangeSweeper reports exchanges stuck in INITIATED or PENDING so they can be
// reconciled by hand. It never changes ledger state.
type StaleExchangeSweeper struct {
	ledger     store.LedgerRepository
	metrics    *Metrics
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

func NewStaleExchangeSweeper(ledger store.LedgerRepository, metrics *Metrics, staleAfter time.Duration) *StaleExchangeSweeper {
	return &StaleExchangeSweeper{
		ledger:     ledger,
		metrics:    metrics,
		staleAfter: staleAfter,
		batch:      200,
		now:        time.Now,
	}
}

// Sweep returns the number of stale exchanges found.
func (s *StaleExchangeSweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.ledger.ListStaleExchanges(ctx, s.now().Add(-s.staleAfter), s.batch)
	if err != nil {
		return 0, err
	}
	for _, ex := range stale {
		logrus.WithFields(logrus.Fields{
			"component":       "reconcile",
			"transaction_id":  ex.TransactionID,
			"transaction_ref": ex.Reference,
			"user_id":         ex.UserID,
			"status":          ex.Status,
			"amount":          ex.Amount,
			"asset":           ex.Asset,
			"stale_since":     ex.UpdatedAt.UTC().Format(time.RFC3339),
		}).Warn("exchange requires manual reconciliation")
	}
	s.metrics.setStale(len(stale))
	return len(stale), nil
}

// Scheduler runs the sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *StaleExchangeSweeper
	schedule string
	timeout  time.Duration
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *StaleExchangeSweeper, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(logrus.WithField("component", "cron"))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, sweeper: sweeper, schedule: schedule, timeout: time.Minute}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.sweeper.Sweep(ctx); err != nil {
			logrus.WithField("component", "reconcile").WithError(err).Error("stale exchange sweep failed")
		}
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"component": "reconcile", "schedule": s.schedule}).Info("scheduled stale exchange sweep")
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"tgsync/internal/domain"
)

// ErrNoAccounts is returned when no account could be started.
var ErrNoAccounts = errors.New("no account could be started")

// Scheduler runs one Worker per account, concurrently.
type Scheduler struct {
	cfg      Config
	accounts []string
	open     domain.SessionFactory
}

func NewScheduler(cfg Config, accounts []string, open domain.SessionFactory) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{cfg: cfg, accounts: accounts, open: open}
}

// Run opens every account's session and runs the workers until ctx is
// cancelled. An account whose session cannot be opened is logged and
// skipped. Sessions are closed after their worker returns.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.cfg.Logger

	var workers []*Worker
	for _, account := range s.accounts {
		sess, err := s.open(ctx, account)
		if err != nil {
			logger.Error("account skipped, session could not be opened", "account", account, "err", err)
			continue
		}
		workers = append(workers, NewWorker(s.cfg, sess))
	}
	if len(workers) == 0 {
		return fmt.Errorf("%w (%d configured)", ErrNoAccounts, len(s.accounts))
	}
	logger.Info("scheduler started", "workers", len(workers), "configured", len(s.accounts))

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, w := range workers {
		g.Go(func() error {
			defer func() {
				if err := w.sess.Close(); err != nil {
					w.logger.Warn("closing session", "err", err)
				}
			}()
			if err := w.Run(ctx); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	if int(failed.Load()) == len(workers) && ctx.Err() == nil {
		return fmt.Errorf("%w: every worker stopped", ErrNoAccounts)
	}
	logger.Info("scheduler stopped")
	return nil
}

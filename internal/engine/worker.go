// Package engine keeps the Message Store and the provider accounts in sync.
//
// Each account gets a Worker that owns its provider session. A tick lists the
// account's dialogs and, per dialog, confirms placeholders already visible in
// the provider history, delivers pending locally-authored messages, then
// ingests new provider messages. Workers share nothing but the Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tgsync/internal/domain"
	"tgsync/internal/media"
	"tgsync/internal/metrics"
)

// Config holds what every worker needs.
type Config struct {
	Store   domain.MessageStore
	Media   *media.Orchestrator
	Metrics *metrics.MetricsCollector
	Logger  *slog.Logger

	TickInterval time.Duration
	// ShutdownTimeout bounds how long an in-flight tick may run after the
	// run context is cancelled.
	ShutdownTimeout time.Duration
	DialogLimit     int
	HistoryLimit    int
	SeenCacheSize   int
	BackoffEpsilon  time.Duration
	MergeTolerance  time.Duration

	// Sleep is used for rate-limit waits. Nil means Sleep.
	Sleep SleepFunc
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Collector
	}
	if c.Media == nil {
		c.Media = media.New(media.Config{Logger: c.Logger})
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 3 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.DialogLimit <= 0 {
		c.DialogLimit = 50
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = 10000
	}
	if c.Sleep == nil {
		c.Sleep = Sleep
	}
}

// Worker runs the sync loop of one account. It is not safe for concurrent use.
type Worker struct {
	cfg     Config
	sess    domain.Session
	account string
	logger  *slog.Logger
	metrics *metrics.Account
	backoff *Backoff
	seen    *seenSet

	// unconfirmed holds messages sent to the provider whose delivered mark
	// failed, with the provider id to record.
	unconfirmed map[int64]*int64
}

// NewWorker creates the worker for the account behind sess.
func NewWorker(cfg Config, sess domain.Session) *Worker {
	cfg.setDefaults()
	account := sess.AccountID()
	logger := cfg.Logger.With("account", account)
	m := metrics.ForAccount(cfg.Metrics, account)
	return &Worker{
		cfg:         cfg,
		sess:        sess,
		account:     account,
		logger:      logger,
		metrics:     m,
		backoff:     newBackoff(cfg.BackoffEpsilon, cfg.Sleep, logger, m.RateLimited),
		seen:        newSeenSet(cfg.SeenCacheSize),
		unconfirmed: make(map[int64]*int64),
	}
}

// Run ticks until ctx is cancelled. It returns an error only when the
// account's session is no longer authorized.
func (w *Worker) Run(ctx context.Context) error {
	w.metrics.ActiveWorkers.Inc()
	defer w.metrics.ActiveWorkers.Dec()

	w.logger.Info("worker started", "interval", w.cfg.TickInterval)
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.runTick(ctx); errors.Is(err, domain.ErrSessionAuth) {
			w.logger.Error("session no longer authorized, stopping worker", "err", err)
			return err
		}

		timer := time.NewTimer(w.cfg.TickInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runTick runs one tick under a context that outlives ctx by the shutdown
// timeout, so provider calls in flight at shutdown can finish.
func (w *Worker) runTick(ctx context.Context) error {
	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(w.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-tickCtx.Done():
		}
	})
	defer stop()
	defer cancel()

	return w.Tick(tickCtx)
}

// Tick runs one discovery, delivery and ingestion round. Errors and panics
// end the tick early and are logged; the returned error is informational.
func (w *Worker) Tick(ctx context.Context) (err error) {
	tickID := uuid.NewString()
	log := w.logger.With("tick", tickID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("tick panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tick panic: %v", r)
		}
		w.metrics.Ticks.Inc()
		w.metrics.TickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			w.metrics.TickFailures.Inc()
			if _, limited := domain.IsRateLimited(err); !limited && !errors.Is(err, context.Canceled) {
				log.Warn("tick aborted", "err", err)
			}
		}
	}()

	return w.tick(ctx, log)
}

func (w *Worker) tick(ctx context.Context, log *slog.Logger) error {
	remote, err := w.sess.Dialogs(ctx, w.cfg.DialogLimit)
	if err != nil {
		w.backoff.Handle(ctx, err)
		return fmt.Errorf("list dialogs: %w", err)
	}

	pending, dialogs := w.pendingByDialog(ctx, log)

	for _, rd := range remote {
		if err := ctx.Err(); err != nil {
			return err
		}
		dialog, err := w.cfg.Store.EnsureDialog(ctx, w.account, rd.ChatID, dialogTitle(rd))
		if err != nil {
			log.Warn("ensure dialog failed", "chat_id", rd.ChatID, "err", err)
			continue
		}
		msgs := pending[dialog.ID]
		delete(pending, dialog.ID)

		if err := w.syncDialog(ctx, dialog, msgs); err != nil {
			return err
		}
	}

	// Dialogs with pending messages the provider did not list this tick.
	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.deliver(ctx, dialogs[id], pending[id]); err != nil {
			return err
		}
	}
	return nil
}

// syncDialog runs the per-dialog pipeline. Only rate limits and cancellation
// are returned; they abort the tick.
func (w *Worker) syncDialog(ctx context.Context, dialog *domain.Dialog, pending []domain.Message) error {
	history, err := w.sess.History(ctx, dialog.ChatID, w.cfg.HistoryLimit)
	if err != nil {
		if w.backoff.Handle(ctx, err) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, domain.ErrSessionAuth) {
			return err
		}
		w.logger.Warn("history fetch failed", "chat_id", dialog.ChatID, "err", err)
	}
	groups := groupHistory(history)

	pending = w.reconcile(ctx, dialog, groups, pending)
	if err := w.deliver(ctx, dialog, pending); err != nil {
		return err
	}
	return w.ingest(ctx, dialog, groups)
}

// pendingByDialog loads the undelivered locally-authored messages of this
// account, grouped by dialog id. The Store query is not account scoped, so
// every message's dialog is resolved and checked.
func (w *Worker) pendingByDialog(ctx context.Context, log *slog.Logger) (map[int64][]domain.Message, map[int64]*domain.Dialog) {
	pending := make(map[int64][]domain.Message)
	dialogs := make(map[int64]*domain.Dialog)

	msgs, err := w.cfg.Store.ListUndelivered(ctx, w.account)
	if err != nil {
		log.Warn("list undelivered failed", "err", err)
		return pending, dialogs
	}

	lookups := make(map[int64]*domain.Dialog)
	for _, m := range msgs {
		if !m.LocallyAuthored() || m.Delivered {
			continue
		}
		d, ok := lookups[m.DialogID]
		if !ok {
			d, err = w.cfg.Store.GetDialog(ctx, m.DialogID)
			if err != nil {
				log.Warn("dialog lookup failed", "dialog_id", m.DialogID, "err", err)
				d = nil
			}
			lookups[m.DialogID] = d
		}
		if d == nil || d.AccountID != w.account {
			continue
		}
		dialogs[m.DialogID] = d
		pending[m.DialogID] = append(pending[m.DialogID], m)
	}
	return pending, dialogs
}

func dialogTitle(rd domain.RemoteDialog) string {
	if rd.Title != "" {
		return rd.Title
	}
	return strconv.FormatInt(rd.ChatID, 10)
}

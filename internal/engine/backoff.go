package engine

import (
	"context"
	"log/slog"
	"time"

	"tgsync/internal/domain"
	"tgsync/internal/metrics"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff suspends one account when its provider asks for a pause. The wait
// is exactly what the provider requested plus a fixed epsilon; repeated
// signals chain sequential waits.
type Backoff struct {
	epsilon time.Duration
	sleep   SleepFunc
	logger  *slog.Logger
	limited *metrics.Counter
}

func newBackoff(epsilon time.Duration, sleep SleepFunc, logger *slog.Logger, limited *metrics.Counter) *Backoff {
	if sleep == nil {
		sleep = Sleep
	}
	return &Backoff{epsilon: epsilon, sleep: sleep, logger: logger, limited: limited}
}

// Handle waits out the rate limit carried by err, if any, and reports whether
// there was one. The caller must abandon the rest of its tick either way.
func (b *Backoff) Handle(ctx context.Context, err error) bool {
	wait, ok := domain.IsRateLimited(err)
	if !ok {
		return false
	}
	d := wait + b.epsilon
	b.limited.Inc()
	b.logger.Warn("rate limited by provider, suspending account", "wait", d)
	if serr := b.sleep(ctx, d); serr != nil {
		b.logger.Debug("backoff interrupted", "err", serr)
	}
	return true
}

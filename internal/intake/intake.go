package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/deadletter"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/process"
)

// Runner drives one intake event to a settled outcome: success, or retries
// up to the attempt budget, then dead-letter capture. Either way the event
// is settled and the underlying delivery can be acknowledged.
type Runner struct {
	cfg     *config.Manager
	proc    *process.Processor
	sink    *deadletter.Sink
	metrics *metrics.Store
	logger  *slog.Logger
}

func NewRunner(cfg *config.Manager, proc *process.Processor, sink *deadletter.Sink, metricsStore *metrics.Store, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, proc: proc, sink: sink, metrics: metricsStore, logger: logger}
}

// Settle returns a non-nil error only when the context is cancelled before
// the event settles; the caller must then leave the delivery unacknowledged
// so it is redelivered.
func (r *Runner) Settle(ctx context.Context, ev model.BatchIntakeEvent) error {
	cfg := r.cfg.Get()
	attempt := ev.DeliveryAttempt
	if attempt < 1 {
		attempt = 1
	}
	var lastErr error
	for ; attempt <= cfg.Processing.MaxAttempts; attempt++ {
		current := ev
		current.DeliveryAttempt = attempt
		_, err := r.proc.Process(ctx, current)
		if err == nil {
			return nil
		}
		lastErr = err
		if r.metrics != nil {
			r.metrics.ObserveFailure()
		}
		if r.logger != nil {
			r.logger.Warn("batch attempt failed",
				"batch_locator", ev.BatchLocator,
				"attempt", attempt,
				"max_attempts", cfg.Processing.MaxAttempts,
				"err", err,
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < cfg.Processing.MaxAttempts {
			if !BackoffSleep(ctx, cfg.Processing.RetryBackoff) {
				return ctx.Err()
			}
		}
	}
	if lastErr == nil {
		// Delivered already past the budget; the envelope still needs a
		// diagnosable error.
		lastErr = fmt.Errorf("delivery attempt %d exceeds retry budget of %d", ev.DeliveryAttempt, cfg.Processing.MaxAttempts)
	}
	return r.DeadLetter(ctx, ev, cfg.Processing.MaxAttempts, lastErr)
}

// DeadLetter captures the original event verbatim after the retry budget is
// exhausted. This is the terminal failure state; the event counts as
// settled once the envelope is captured.
func (r *Runner) DeadLetter(ctx context.Context, ev model.BatchIntakeEvent, attempts int, lastErr error) error {
	env := model.DeadLetterEnvelope{
		OriginalBatchLocator: ev.BatchLocator,
		AttemptCount:         attempts,
		FailedAt:             time.Now().UTC(),
	}
	if lastErr != nil {
		env.LastError = lastErr.Error()
	}
	if err := r.sink.Capture(ctx, env); err != nil {
		if r.logger != nil {
			r.logger.Error("dead-letter capture failed", "batch_locator", ev.BatchLocator, "err", err)
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.ObserveDeadLetter()
	}
	return nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/satvikakolisetty/pep-energy-project/internal/alerts"
	"github.com/satvikakolisetty/pep-energy-project/internal/classify"
	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/fetch"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
	"github.com/satvikakolisetty/pep-energy-project/internal/validate"
)

// Processor coordinates one batch from intake to settled outcome:
// fetch, validate, classify, write, dispatch. Invocations are stateless per
// batch; concurrent batches share nothing but the store and the channel.
type Processor struct {
	fetcher    fetch.Fetcher
	store      storage.Store
	dispatcher alerts.Dispatcher
	recent     *alerts.Store
	metrics    *metrics.Store
	logger     *slog.Logger
	cfg        atomic.Value
}

func New(cfg *config.Config, fetcher fetch.Fetcher, store storage.Store, dispatcher alerts.Dispatcher, recent *alerts.Store, metricsStore *metrics.Store, logger *slog.Logger) *Processor {
	p := &Processor{
		fetcher:    fetcher,
		store:      store,
		dispatcher: dispatcher,
		recent:     recent,
		metrics:    metricsStore,
		logger:     logger,
	}
	p.cfg.Store(cfg)
	return p
}

func (p *Processor) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
}

func (p *Processor) config() *config.Config {
	if v := p.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Process runs one attempt for one batch. A non-nil error means the whole
// batch must be redelivered; successfully written records are rewritten
// identically on retry because the store overwrites on key conflict.
func (p *Processor) Process(ctx context.Context, ev model.BatchIntakeEvent) (model.BatchResult, error) {
	cfg := p.config()
	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Intake.FetchTimeout)
	defer cancel()
	payload, err := p.fetcher.Fetch(fetchCtx, ev.BatchLocator)
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("fetch batch %q: %w", ev.BatchLocator, err)
	}
	return p.ProcessPayload(ctx, ev, payload)
}

// ProcessPayload runs validation onward for already-fetched batch contents.
func (p *Processor) ProcessPayload(ctx context.Context, ev model.BatchIntakeEvent, payload []byte) (model.BatchResult, error) {
	cfg := p.config()
	entries, err := validate.ValidateBatch(payload)
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("decode batch %q: %w", ev.BatchLocator, err)
	}

	result := model.BatchResult{Received: len(entries)}
	classifier := classify.New(cfg.Classifier)
	records := make([]model.EnergyRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.Valid() {
			result.Skipped++
			if p.logger != nil {
				p.logger.Warn("entry skipped",
					"batch_locator", ev.BatchLocator,
					"entry", entry.Index,
					"err", entry.Err,
				)
			}
			continue
		}
		records = append(records, classifier.Apply(entry.Record))
	}

	writeCtx, cancel := context.WithTimeout(ctx, cfg.Processing.WriteTimeout)
	defer cancel()
	writeResults := p.store.UpsertRecords(writeCtx, records)

	var firstWriteErr error
	written := make([]model.EnergyRecord, 0, len(records))
	for i, wr := range writeResults {
		if wr.Err != nil {
			result.WriteFailures++
			if firstWriteErr == nil {
				firstWriteErr = wr.Err
			}
			if p.logger != nil {
				p.logger.Warn("record write failed", "key", wr.Key, "err", wr.Err)
			}
			continue
		}
		result.Written++
		rec := records[i]
		written = append(written, rec)
		if rec.Anomaly {
			result.Anomalies++
			// Alert only after the record is durable; a failed dispatch
			// degrades observability, not data.
			p.dispatch(ctx, cfg, rec, &result)
		}
	}

	if result.WriteFailures > 0 {
		return result, fmt.Errorf("batch %q: %d of %d records failed to write: %w",
			ev.BatchLocator, result.WriteFailures, len(records), firstWriteErr)
	}
	// Counters move only when the batch settles; a failed attempt is
	// redelivered whole and would inflate per-site tallies.
	if p.metrics != nil {
		for _, rec := range written {
			p.metrics.ObserveRecord(rec.SiteID, rec.Anomaly)
		}
		p.metrics.ObserveBatch(result)
	}
	if p.logger != nil {
		p.logger.Info("batch settled",
			"batch_locator", ev.BatchLocator,
			"attempt", ev.DeliveryAttempt,
			"received", result.Received,
			"skipped", result.Skipped,
			"written", result.Written,
			"anomalies", result.Anomalies,
		)
	}
	return result, nil
}

func (p *Processor) dispatch(ctx context.Context, cfg *config.Config, rec model.EnergyRecord, result *model.BatchResult) {
	alert := model.AlertEvent{
		SiteID:             rec.SiteID,
		Timestamp:          rec.Timestamp,
		EnergyGeneratedKWH: rec.EnergyGeneratedKWH,
		EnergyConsumedKWH:  rec.EnergyConsumedKWH,
		NetEnergyKWH:       rec.NetEnergyKWH,
		Reason:             rec.Reason,
	}
	if p.recent != nil {
		p.recent.Add(alert)
	}
	if p.dispatcher == nil {
		return
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, cfg.Processing.DispatchTimeout)
	defer cancel()
	if err := p.dispatcher.Notify(dispatchCtx, alert); err != nil {
		result.AlertFailures++
		if p.logger != nil {
			p.logger.Warn("alert dispatch failed",
				"site_id", rec.SiteID,
				"timestamp", rec.Timestamp,
				"err", err,
			)
		}
	}
}

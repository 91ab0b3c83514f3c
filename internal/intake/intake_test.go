package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/alerts"
	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/deadletter"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/process"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
)

type captureStore struct {
	storage.Store
	mu        sync.Mutex
	records   int
	envelopes []model.DeadLetterEnvelope
}

func (c *captureStore) UpsertRecords(_ context.Context, records []model.EnergyRecord) []storage.WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records += len(records)
	results := make([]storage.WriteResult, len(records))
	for i, rec := range records {
		results[i] = storage.WriteResult{Key: rec.Key()}
	}
	return results
}

func (c *captureStore) SaveDeadLetter(_ context.Context, env model.DeadLetterEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *captureStore) deadLetters() []model.DeadLetterEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DeadLetterEnvelope(nil), c.envelopes...)
}

type countingFetcher struct {
	mu      sync.Mutex
	calls   int
	payload []byte
	err     error
}

func (f *countingFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRunner(t *testing.T, fetcher *countingFetcher, maxAttempts int) (*Runner, *captureStore, *metrics.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Processing.MaxAttempts = maxAttempts
	cfg.Processing.RetryBackoff = time.Millisecond
	manager := config.NewManagerFromConfig(cfg)

	store := &captureStore{}
	metricsStore := metrics.NewStore(100)
	proc := process.New(cfg, fetcher, store, nil, alerts.NewStore(10), metricsStore, nil)
	sink := deadletter.NewSink(cfg.DeadLetter, store, nil)
	return NewRunner(manager, proc, sink, metricsStore, nil), store, metricsStore
}

func TestSettleSucceedsFirstAttempt(t *testing.T) {
	fetcher := &countingFetcher{payload: []byte(`[{"site_id":"alpha","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":10,"energy_consumed_kwh":5}]`)}
	runner, store, metricsStore := testRunner(t, fetcher, 3)

	err := runner.Settle(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 1})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if fetcher.count() != 1 {
		t.Fatalf("fetch calls: got %d, want 1", fetcher.count())
	}
	if len(store.deadLetters()) != 0 {
		t.Fatalf("unexpected dead letter for a successful batch")
	}
	pipeline := metricsStore.Pipeline()
	if pipeline.BatchesSettled != 1 || pipeline.BatchesFailed != 0 {
		t.Fatalf("pipeline counters: %+v", pipeline)
	}
}

func TestSettleRetriesThenDeadLetters(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("bucket unreachable")}
	runner, store, metricsStore := testRunner(t, fetcher, 3)
	locator := "file:///data/raw/energy_data_2025-06-20.json"

	err := runner.Settle(context.Background(), model.BatchIntakeEvent{BatchLocator: locator, DeliveryAttempt: 1})
	if err != nil {
		t.Fatalf("settle must report dead-lettered batches as settled: %v", err)
	}
	if fetcher.count() != 3 {
		t.Fatalf("fetch calls: got %d, want 3", fetcher.count())
	}
	envelopes := store.deadLetters()
	if len(envelopes) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(envelopes))
	}
	env := envelopes[0]
	if env.OriginalBatchLocator != locator {
		t.Fatalf("locator must be preserved verbatim: %q", env.OriginalBatchLocator)
	}
	if env.AttemptCount != 3 {
		t.Fatalf("attempt count: got %d, want 3", env.AttemptCount)
	}
	if env.LastError == "" {
		t.Fatalf("last error must be recorded")
	}
	if env.FailedAt.IsZero() {
		t.Fatalf("failed_at must be set")
	}
	pipeline := metricsStore.Pipeline()
	if pipeline.BatchesFailed != 3 || pipeline.BatchesDeadLettered != 1 {
		t.Fatalf("pipeline counters: %+v", pipeline)
	}
}

func TestSettleResumesFromDeliveryAttempt(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("bucket unreachable")}
	runner, store, _ := testRunner(t, fetcher, 3)

	err := runner.Settle(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 3})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if fetcher.count() != 1 {
		t.Fatalf("fetch calls: got %d, want 1 (budget already spent upstream)", fetcher.count())
	}
	if len(store.deadLetters()) != 1 {
		t.Fatalf("expected dead letter after final attempt")
	}
}

func TestOverBudgetDeliveryDeadLettersWithReason(t *testing.T) {
	fetcher := &countingFetcher{payload: []byte(`[]`)}
	runner, store, _ := testRunner(t, fetcher, 3)

	err := runner.Settle(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 4})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if fetcher.count() != 0 {
		t.Fatalf("fetch calls: got %d, want 0 (budget spent before arrival)", fetcher.count())
	}
	envelopes := store.deadLetters()
	if len(envelopes) != 1 {
		t.Fatalf("dead letters: got %d, want 1", len(envelopes))
	}
	if envelopes[0].LastError == "" {
		t.Fatalf("envelope must carry a diagnosable last error")
	}
}

func TestSettleStopsOnCancelledContext(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("bucket unreachable")}
	runner, store, _ := testRunner(t, fetcher, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runner.Settle(ctx, model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 1})
	if err == nil {
		t.Fatalf("cancelled context must leave the event unsettled")
	}
	if len(store.deadLetters()) != 0 {
		t.Fatalf("cancelled event must not be dead-lettered")
	}
}

func TestBackoffSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if BackoffSleep(ctx, time.Minute) {
		t.Fatalf("expected false on cancelled context")
	}
	if !BackoffSleep(context.Background(), time.Millisecond) {
		t.Fatalf("expected true after sleeping")
	}
}

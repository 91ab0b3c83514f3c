package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/alerts"
	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
)

type fakeStore struct {
	storage.Store
	mu        sync.Mutex
	records   map[string]model.EnergyRecord
	failSites map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]model.EnergyRecord{}, failSites: map[string]bool{}}
}

func (f *fakeStore) UpsertRecords(_ context.Context, records []model.EnergyRecord) []storage.WriteResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]storage.WriteResult, 0, len(records))
	for _, rec := range records {
		if f.failSites[rec.SiteID] {
			results = append(results, storage.WriteResult{Key: rec.Key(), Err: errors.New("storage unavailable")})
			continue
		}
		f.records[rec.Key()] = rec
		results = append(results, storage.WriteResult{Key: rec.Key(), Err: nil})
	}
	return results
}

func (f *fakeStore) snapshot() map[string]model.EnergyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.EnergyRecord, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out
}

type fakeFetcher struct {
	payloads map[string][]byte
	err      error
}

func (f *fakeFetcher) Fetch(_ context.Context, locator string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	payload, ok := f.payloads[locator]
	if !ok {
		return nil, errors.New("locator not found")
	}
	return payload, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []model.AlertEvent
	err    error
}

func (f *fakeDispatcher) Notify(_ context.Context, ev model.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeDispatcher) Close() error { return nil }

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

const testBatch = `[
	{"site_id":"alpha","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":10,"energy_consumed_kwh":15},
	{"site_id":"beta","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":120,"energy_consumed_kwh":30}
]`

func newTestProcessor(store *fakeStore, dispatcher *fakeDispatcher, fetcher *fakeFetcher) *Processor {
	cfg := config.DefaultConfig()
	cfg.Classifier.MaxPlausibleKWH = 1000
	if fetcher == nil {
		fetcher = &fakeFetcher{payloads: map[string][]byte{"batch-1": []byte(testBatch)}}
	}
	return New(cfg, fetcher, store, dispatcher, alerts.NewStore(100), metrics.NewStore(100), nil)
}

func TestBatchSettles(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(store, dispatcher, nil)

	result, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 1})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Received != 2 || result.Written != 2 || result.Skipped != 0 || result.Anomalies != 1 {
		t.Fatalf("result: %+v", result)
	}
	records := store.snapshot()
	if len(records) != 2 {
		t.Fatalf("stored records: got %d, want 2", len(records))
	}
	key := model.EnergyRecord{SiteID: "alpha", Timestamp: time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)}.Key()
	alpha, ok := records[key]
	if !ok {
		t.Fatalf("alpha record missing")
	}
	if alpha.NetEnergyKWH != -5 || !alpha.Anomaly {
		t.Fatalf("derived fields: %+v", alpha)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("alerts dispatched: got %d, want 1", dispatcher.count())
	}
}

func TestDerivedFieldsNeverTrustedFromUpstream(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	payload := `[{"site_id":"alpha","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":10,"energy_consumed_kwh":15,"net_energy_kwh":999,"anomaly":false}]`
	fetcher := &fakeFetcher{payloads: map[string][]byte{"batch-1": []byte(payload)}}
	p := newTestProcessor(store, dispatcher, fetcher)

	if _, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, rec := range store.snapshot() {
		if rec.NetEnergyKWH != -5 || !rec.Anomaly {
			t.Fatalf("upstream derived fields must be recomputed: %+v", rec)
		}
	}
}

func TestMalformedEntriesAreSkippedNotFatal(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	payload := `[
		{"site_id":"alpha","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":10,"energy_consumed_kwh":5},
		{"timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":10,"energy_consumed_kwh":5},
		{"site_id":"beta","timestamp":"bogus","energy_generated_kwh":10,"energy_consumed_kwh":5},
		{"site_id":"gamma","timestamp":"2025-06-20T00:00:00Z","energy_generated_kwh":7,"energy_consumed_kwh":2}
	]`
	fetcher := &fakeFetcher{payloads: map[string][]byte{"batch-1": []byte(payload)}}
	p := newTestProcessor(store, dispatcher, fetcher)

	result, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Received != 4 || result.Skipped != 2 || result.Written != 2 {
		t.Fatalf("result: %+v", result)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("stored records: got %d, want 2", len(store.snapshot()))
	}
}

func TestAnyWriteFailureFailsWholeBatch(t *testing.T) {
	store := newFakeStore()
	store.failSites["beta"] = true
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(store, dispatcher, nil)

	result, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"})
	if err == nil {
		t.Fatalf("expected batch failure on partial write failure")
	}
	if result.WriteFailures != 1 || result.Written != 1 {
		t.Fatalf("result: %+v", result)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(store, dispatcher, nil)
	ev := model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 1}

	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first := store.snapshot()

	ev.DeliveryAttempt = 2
	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second := store.snapshot()

	if len(first) != len(second) {
		t.Fatalf("redelivery changed record count: %d vs %d", len(first), len(second))
	}
	for key, rec := range first {
		if second[key] != rec {
			t.Fatalf("redelivery changed record %s: %+v vs %+v", key, rec, second[key])
		}
	}
	// Alerts are at-least-once: the redelivered anomaly fires again.
	if dispatcher.count() != 2 {
		t.Fatalf("alerts dispatched: got %d, want 2", dispatcher.count())
	}
}

func TestDispatchFailureDoesNotFailBatch(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{err: errors.New("channel down")}
	p := newTestProcessor(store, dispatcher, nil)

	result, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"})
	if err != nil {
		t.Fatalf("dispatch failure must not fail the batch: %v", err)
	}
	if result.Written != 2 || result.AlertFailures != 1 {
		t.Fatalf("result: %+v", result)
	}
}

func TestNoAlertBeforeDurableWrite(t *testing.T) {
	store := newFakeStore()
	store.failSites["alpha"] = true // alpha is the anomalous record
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(store, dispatcher, nil)

	if _, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"}); err == nil {
		t.Fatalf("expected batch failure")
	}
	if dispatcher.count() != 0 {
		t.Fatalf("alert fired for a record that was never written")
	}
}

func TestSiteCountersMoveOnlyOnSettledBatches(t *testing.T) {
	store := newFakeStore()
	store.failSites["beta"] = true
	metricsStore := metrics.NewStore(100)
	fetcher := &fakeFetcher{payloads: map[string][]byte{"batch-1": []byte(testBatch)}}
	cfg := config.DefaultConfig()
	cfg.Classifier.MaxPlausibleKWH = 1000
	p := New(cfg, fetcher, store, &fakeDispatcher{}, alerts.NewStore(100), metricsStore, nil)
	ev := model.BatchIntakeEvent{BatchLocator: "batch-1", DeliveryAttempt: 1}

	if _, err := p.Process(context.Background(), ev); err == nil {
		t.Fatalf("expected batch failure")
	}
	if len(metricsStore.Sites()) != 0 {
		t.Fatalf("per-site counters moved for a failed batch: %+v", metricsStore.Sites())
	}

	delete(store.failSites, "beta")
	ev.DeliveryAttempt = 2
	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	sites := metricsStore.Sites()
	if sites["alpha"].Records != 1 || sites["beta"].Records != 1 {
		t.Fatalf("per-site records: %+v", sites)
	}
	if sites["alpha"].Anomalies != 1 || sites["beta"].Anomalies != 0 {
		t.Fatalf("per-site anomalies: %+v", sites)
	}
}

func TestFetchFailureFailsBatch(t *testing.T) {
	store := newFakeStore()
	p := newTestProcessor(store, &fakeDispatcher{}, &fakeFetcher{err: errors.New("bucket unreachable")})
	if _, err := p.Process(context.Background(), model.BatchIntakeEvent{BatchLocator: "batch-1"}); err == nil {
		t.Fatalf("expected fetch failure to fail the batch")
	}
}

package metrics

import (
	"sync"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

type PipelineCounters struct {
	BatchesSettled      int64 `json:"batches_settled"`
	BatchesFailed       int64 `json:"batches_failed"`
	BatchesDeadLettered int64 `json:"batches_dead_lettered"`
	RecordsWritten      int64 `json:"records_written"`
	EntriesSkipped      int64 `json:"entries_skipped"`
	AnomaliesDetected   int64 `json:"anomalies_detected"`
	AlertFailures       int64 `json:"alert_failures"`
}

type SiteCounters struct {
	Records   int64     `json:"records"`
	Anomalies int64     `json:"anomalies"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps in-memory pipeline counters for the ops API. Per-site state is
// capped; the least recently updated site is evicted past the limit.
type Store struct {
	mu       sync.RWMutex
	pipeline PipelineCounters
	sites    map[string]*SiteCounters
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		sites: make(map[string]*SiteCounters),
		limit: limit,
	}
}

func (s *Store) ObserveBatch(result model.BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline.BatchesSettled++
	s.pipeline.RecordsWritten += int64(result.Written)
	s.pipeline.EntriesSkipped += int64(result.Skipped)
	s.pipeline.AnomaliesDetected += int64(result.Anomalies)
	s.pipeline.AlertFailures += int64(result.AlertFailures)
}

func (s *Store) ObserveFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline.BatchesFailed++
}

func (s *Store) ObserveDeadLetter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline.BatchesDeadLettered++
}

func (s *Store) ObserveRecord(siteID string, anomaly bool) {
	if siteID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		site = &SiteCounters{}
		s.sites[siteID] = site
	}
	site.Records++
	if anomaly {
		site.Anomalies++
	}
	site.UpdatedAt = time.Now().UTC()
	if len(s.sites) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Pipeline() PipelineCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

func (s *Store) Sites() map[string]SiteCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SiteCounters, len(s.sites))
	for siteID, c := range s.sites {
		out[siteID] = *c
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestSite string
	var oldest time.Time
	for siteID, c := range s.sites {
		if oldestSite == "" || c.UpdatedAt.Before(oldest) {
			oldestSite = siteID
			oldest = c.UpdatedAt
		}
	}
	if oldestSite != "" {
		delete(s.sites, oldestSite)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = PipelineCounters{}
	s.sites = make(map[string]*SiteCounters)
}

package model

import "time"

// RawReading is one untrusted entry inside an intake batch. Pointer fields
// distinguish a missing value from an explicit zero.
type RawReading struct {
	SiteID             string   `json:"site_id"`
	Timestamp          string   `json:"timestamp"`
	EnergyGeneratedKWH *float64 `json:"energy_generated_kwh"`
	EnergyConsumedKWH  *float64 `json:"energy_consumed_kwh"`
}

// EnergyRecord is the validated, classified, persisted entity. NetEnergyKWH
// and Anomaly are derived by the classifier at write time, never trusted
// from upstream.
type EnergyRecord struct {
	SiteID             string    `json:"site_id"`
	Timestamp          time.Time `json:"timestamp"`
	EnergyGeneratedKWH float64   `json:"energy_generated_kwh"`
	EnergyConsumedKWH  float64   `json:"energy_consumed_kwh"`
	NetEnergyKWH       float64   `json:"net_energy_kwh"`
	Anomaly            bool      `json:"anomaly"`
	Reason             string    `json:"reason,omitempty"`
}

// Key returns the natural storage key: (site_id, timestamp).
func (r EnergyRecord) Key() string {
	return r.SiteID + "|" + r.Timestamp.UTC().Format(time.RFC3339Nano)
}

// BatchIntakeEvent notifies the pipeline that a batch has landed. The
// locator is opaque; the fetcher resolves it.
type BatchIntakeEvent struct {
	BatchLocator    string `json:"batch_locator"`
	DeliveryAttempt int    `json:"delivery_attempt"`
}

type AlertEvent struct {
	SiteID             string    `json:"site_id"`
	Timestamp          time.Time `json:"timestamp"`
	EnergyGeneratedKWH float64   `json:"energy_generated_kwh"`
	EnergyConsumedKWH  float64   `json:"energy_consumed_kwh"`
	NetEnergyKWH       float64   `json:"net_energy_kwh"`
	Reason             string    `json:"reason"`
}

// DeadLetterEnvelope captures an unprocessable batch verbatim so it can be
// replayed unchanged once the underlying fault is fixed.
type DeadLetterEnvelope struct {
	OriginalBatchLocator string    `json:"original_batch_locator"`
	AttemptCount         int       `json:"attempt_count"`
	LastError            string    `json:"last_error"`
	FailedAt             time.Time `json:"failed_at"`
}

// BatchResult aggregates per-record outcomes for one processing attempt.
type BatchResult struct {
	Received      int `json:"received"`
	Skipped       int `json:"skipped"`
	Written       int `json:"written"`
	WriteFailures int `json:"write_failures"`
	Anomalies     int `json:"anomalies"`
	AlertFailures int `json:"alert_failures"`
}

type Summary struct {
	TotalRecords            int64            `json:"total_records"`
	AnomalyCount            int64            `json:"anomaly_count"`
	SiteIDs                 []string         `json:"site_ids"`
	SiteAnomalyDistribution map[string]int64 `json:"site_anomaly_distribution"`
}

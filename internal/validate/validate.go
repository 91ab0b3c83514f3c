package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// Entry is the per-entry outcome of batch validation. Exactly one of Record
// and Err is meaningful; order matches the raw batch.
type Entry struct {
	Index  int
	Record model.EnergyRecord
	Err    error
}

func (e Entry) Valid() bool { return e.Err == nil }

// ValidateBatch decodes a batch payload and validates each entry
// individually. A malformed entry fails only that entry; a payload that is
// not a JSON array fails the whole batch.
func ValidateBatch(payload []byte) ([]Entry, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, errors.New("empty batch payload")
	}
	var rawEntries []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &rawEntries); err != nil {
		return nil, fmt.Errorf("batch payload is not a JSON array: %w", err)
	}
	entries := make([]Entry, 0, len(rawEntries))
	for i, raw := range rawEntries {
		entry := Entry{Index: i}
		var reading model.RawReading
		if err := json.Unmarshal(raw, &reading); err != nil {
			entry.Err = fmt.Errorf("entry %d: malformed object: %w", i, err)
			entries = append(entries, entry)
			continue
		}
		rec, err := validateReading(reading)
		if err != nil {
			entry.Err = fmt.Errorf("entry %d: %w", i, err)
			entries = append(entries, entry)
			continue
		}
		entry.Record = rec
		entries = append(entries, entry)
	}
	return entries, nil
}

func validateReading(raw model.RawReading) (model.EnergyRecord, error) {
	siteID := strings.TrimSpace(raw.SiteID)
	if siteID == "" {
		return model.EnergyRecord{}, errors.New("site_id missing")
	}
	if raw.Timestamp == "" {
		return model.EnergyRecord{}, errors.New("timestamp missing")
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return model.EnergyRecord{}, fmt.Errorf("parse timestamp: %w", err)
	}
	generated, err := validEnergy(raw.EnergyGeneratedKWH, "energy_generated_kwh")
	if err != nil {
		return model.EnergyRecord{}, err
	}
	consumed, err := validEnergy(raw.EnergyConsumedKWH, "energy_consumed_kwh")
	if err != nil {
		return model.EnergyRecord{}, err
	}
	return model.EnergyRecord{
		SiteID:             siteID,
		Timestamp:          ts,
		EnergyGeneratedKWH: generated,
		EnergyConsumedKWH:  consumed,
	}, nil
}

func validEnergy(value *float64, field string) (float64, error) {
	if value == nil {
		return 0, fmt.Errorf("%s missing", field)
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s is not a finite number", field)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s is negative: %v", field, v)
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts the RFC3339 family of layouts and normalizes to
// UTC. Layouts without a zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// WriteResult is the per-record outcome of a batched upsert. Batching is an
// optimization; failures are always attributable to a single record so the
// orchestrator can decide what still needs retry.
type WriteResult struct {
	Key string
	Err error
}

// Store is the durable time-series store keyed by (site_id, timestamp).
// Upserts overwrite on key conflict, which is what makes redelivered batches
// idempotent. Two different readings for the same key resolve as
// last-write-wins with no conflict detection.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertRecords(ctx context.Context, records []model.EnergyRecord) []WriteResult

	// SiteRecords returns records for a site ordered by timestamp, bounded
	// by the half-open interval [start, end) when bounds are given.
	SiteRecords(ctx context.Context, siteID string, start, end *time.Time) ([]model.EnergyRecord, error)
	SiteAnomalies(ctx context.Context, siteID string) ([]model.EnergyRecord, error)
	Summary(ctx context.Context) (model.Summary, error)

	SaveDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error
	DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEnvelope, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Timestamps are stored as fixed-width UTC text in sqlite so that lexical
// order matches chronological order, fractional seconds included. RFC3339Nano
// would drop trailing zeros and break TEXT comparison for the query bounds.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

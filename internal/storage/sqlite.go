package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:energy.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS energy_records (
			site_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			energy_generated_kwh REAL NOT NULL,
			energy_consumed_kwh REAL NOT NULL,
			net_energy_kwh REAL NOT NULL,
			anomaly INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (site_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_energy_records_anomaly ON energy_records(site_id, anomaly)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_locator TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			failed_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) UpsertRecords(ctx context.Context, records []model.EnergyRecord) []WriteResult {
	results := make([]WriteResult, 0, len(records))
	for _, rec := range records {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO energy_records (site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id, ts) DO UPDATE SET
				energy_generated_kwh = excluded.energy_generated_kwh,
				energy_consumed_kwh = excluded.energy_consumed_kwh,
				net_energy_kwh = excluded.net_energy_kwh,
				anomaly = excluded.anomaly,
				reason = excluded.reason`,
			rec.SiteID,
			formatTS(rec.Timestamp),
			rec.EnergyGeneratedKWH,
			rec.EnergyConsumedKWH,
			rec.NetEnergyKWH,
			rec.Anomaly,
			rec.Reason,
		)
		results = append(results, WriteResult{Key: rec.Key(), Err: err})
	}
	return results
}

func (s *sqliteStore) SiteRecords(ctx context.Context, siteID string, start, end *time.Time) ([]model.EnergyRecord, error) {
	query := `SELECT site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason
		FROM energy_records WHERE site_id = ?`
	args := []any{siteID}
	if start != nil {
		query += ` AND ts >= ?`
		args = append(args, formatTS(*start))
	}
	if end != nil {
		query += ` AND ts < ?`
		args = append(args, formatTS(*end))
	}
	query += ` ORDER BY ts`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) SiteAnomalies(ctx context.Context, siteID string) ([]model.EnergyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason
		FROM energy_records WHERE site_id = ? AND anomaly = 1 ORDER BY ts`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) Summary(ctx context.Context) (model.Summary, error) {
	summary := model.Summary{
		SiteIDs:                 []string{},
		SiteAnomalyDistribution: map[string]int64{},
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(anomaly), 0) FROM energy_records`)
	if err := row.Scan(&summary.TotalRecords, &summary.AnomalyCount); err != nil {
		return model.Summary{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT site_id FROM energy_records ORDER BY site_id`)
	if err != nil {
		return model.Summary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var siteID string
		if err := rows.Scan(&siteID); err != nil {
			return model.Summary{}, err
		}
		summary.SiteIDs = append(summary.SiteIDs, siteID)
	}
	if err := rows.Err(); err != nil {
		return model.Summary{}, err
	}
	distRows, err := s.db.QueryContext(ctx,
		`SELECT site_id, COUNT(*) FROM energy_records WHERE anomaly = 1 GROUP BY site_id`)
	if err != nil {
		return model.Summary{}, err
	}
	defer distRows.Close()
	for distRows.Next() {
		var siteID string
		var count int64
		if err := distRows.Scan(&siteID, &count); err != nil {
			return model.Summary{}, err
		}
		summary.SiteAnomalyDistribution[siteID] = count
	}
	if err := distRows.Err(); err != nil {
		return model.Summary{}, err
	}
	return summary, nil
}

func (s *sqliteStore) SaveDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (batch_locator, attempt_count, last_error, failed_at)
		VALUES (?, ?, ?, ?)`,
		env.OriginalBatchLocator,
		env.AttemptCount,
		env.LastError,
		formatTS(env.FailedAt),
	)
	return err
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_locator, attempt_count, last_error, failed_at
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.DeadLetterEnvelope, 0)
	for rows.Next() {
		var env model.DeadLetterEnvelope
		var failedAt string
		if err := rows.Scan(&env.OriginalBatchLocator, &env.AttemptCount, &env.LastError, &failedAt); err != nil {
			return nil, err
		}
		if ts, err := parseTS(failedAt); err == nil {
			env.FailedAt = ts
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]model.EnergyRecord, error) {
	out := make([]model.EnergyRecord, 0)
	for rows.Next() {
		var rec model.EnergyRecord
		var ts string
		if err := rows.Scan(&rec.SiteID, &ts, &rec.EnergyGeneratedKWH, &rec.EnergyConsumedKWH, &rec.NetEnergyKWH, &rec.Anomaly, &rec.Reason); err != nil {
			return nil, err
		}
		parsed, err := parseTS(ts)
		if err != nil {
			return nil, err
		}
		rec.Timestamp = parsed
		out = append(out, rec)
	}
	return out, rows.Err()
}

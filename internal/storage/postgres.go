package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/energy?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS energy_records (
			site_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			energy_generated_kwh DOUBLE PRECISION NOT NULL,
			energy_consumed_kwh DOUBLE PRECISION NOT NULL,
			net_energy_kwh DOUBLE PRECISION NOT NULL,
			anomaly BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (site_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_energy_records_anomaly ON energy_records(site_id, anomaly)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			batch_locator TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			failed_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) UpsertRecords(ctx context.Context, records []model.EnergyRecord) []WriteResult {
	results := make([]WriteResult, 0, len(records))
	for _, rec := range records {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO energy_records (site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (site_id, ts) DO UPDATE SET
				energy_generated_kwh = EXCLUDED.energy_generated_kwh,
				energy_consumed_kwh = EXCLUDED.energy_consumed_kwh,
				net_energy_kwh = EXCLUDED.net_energy_kwh,
				anomaly = EXCLUDED.anomaly,
				reason = EXCLUDED.reason`,
			rec.SiteID,
			rec.Timestamp.UTC(),
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

func (s *postgresStore) SiteRecords(ctx context.Context, siteID string, start, end *time.Time) ([]model.EnergyRecord, error) {
	query := `SELECT site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason
		FROM energy_records WHERE site_id = $1`
	args := []any{siteID}
	if start != nil {
		args = append(args, start.UTC())
		query += ` AND ts >= $` + strconv.Itoa(len(args))
	}
	if end != nil {
		args = append(args, end.UTC())
		query += ` AND ts < $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY ts`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordsPG(rows)
}

func (s *postgresStore) SiteAnomalies(ctx context.Context, siteID string) ([]model.EnergyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT site_id, ts, energy_generated_kwh, energy_consumed_kwh, net_energy_kwh, anomaly, reason
		FROM energy_records WHERE site_id = $1 AND anomaly ORDER BY ts`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordsPG(rows)
}

func (s *postgresStore) Summary(ctx context.Context) (model.Summary, error) {
	summary := model.Summary{
		SiteIDs:                 []string{},
		SiteAnomalyDistribution: map[string]int64{},
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE anomaly) FROM energy_records`)
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
		`SELECT site_id, COUNT(*) FROM energy_records WHERE anomaly GROUP BY site_id`)
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

func (s *postgresStore) SaveDeadLetter(ctx context.Context, env model.DeadLetterEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (batch_locator, attempt_count, last_error, failed_at)
		VALUES ($1, $2, $3, $4)`,
		env.OriginalBatchLocator,
		env.AttemptCount,
		env.LastError,
		env.FailedAt.UTC(),
	)
	return err
}

func (s *postgresStore) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_locator, attempt_count, last_error, failed_at
		FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.DeadLetterEnvelope, 0)
	for rows.Next() {
		var env model.DeadLetterEnvelope
		if err := rows.Scan(&env.OriginalBatchLocator, &env.AttemptCount, &env.LastError, &env.FailedAt); err != nil {
			return nil, err
		}
		env.FailedAt = env.FailedAt.UTC()
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanRecordsPG(rows *sql.Rows) ([]model.EnergyRecord, error) {
	out := make([]model.EnergyRecord, 0)
	for rows.Next() {
		var rec model.EnergyRecord
		if err := rows.Scan(&rec.SiteID, &rec.Timestamp, &rec.EnergyGeneratedKWH, &rec.EnergyConsumedKWH, &rec.NetEnergyKWH, &rec.Anomaly, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

// PostgresConfig controls the scheduler's connection pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// Pool is the subset of *pgxpool.Pool the stores use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool connects to Postgres.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("scheduler.db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const channelColumns = `name, snapshot, is_default, COALESCE(comments, '')`

// PostgresChannelStore reads the harvest_channels table.
type PostgresChannelStore struct {
	pool Pool
}

// NewPostgresChannelStore wraps pool.
func NewPostgresChannelStore(pool Pool) *PostgresChannelStore {
	return &PostgresChannelStore{pool: pool}
}

// Lookup implements ChannelStore.
func (s *PostgresChannelStore) Lookup(ctx context.Context, name string) (HarvestChannel, bool, error) {
	var c HarvestChannel
	err := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM harvest_channels WHERE upper(name) = upper($1)`, name).
		Scan(&c.Name, &c.Snapshot, &c.IsDefault, &c.Comments)
	if errors.Is(err, pgx.ErrNoRows) {
		return HarvestChannel{}, false, nil
	}
	if err != nil {
		return HarvestChannel{}, false, fmt.Errorf("lookup harvest channel %s: %w", name, err)
	}
	return c, true, nil
}

// List implements ChannelStore.
func (s *PostgresChannelStore) List(ctx context.Context) ([]HarvestChannel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM harvest_channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list harvest channels: %w", err)
	}
	defer rows.Close()
	var out []HarvestChannel
	for rows.Next() {
		var c HarvestChannel
		if err := rows.Scan(&c.Name, &c.Snapshot, &c.IsDefault, &c.Comments); err != nil {
			return nil, fmt.Errorf("scan harvest channel: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list harvest channels: %w", err)
	}
	return out, nil
}

// PostgresStatusStore upserts into the job_status table.
type PostgresStatusStore struct {
	pool Pool
	now  func() time.Time
}

// NewPostgresStatusStore wraps pool.
func NewPostgresStatusStore(pool Pool) *PostgresStatusStore {
	return &PostgresStatusStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Record implements StatusStore.
func (s *PostgresStatusStore) Record(ctx context.Context, st harvest.CrawlStatus) error {
	var report []byte
	if st.HarvestReport != nil {
		var err error
		if report, err = json.Marshal(st.HarvestReport); err != nil {
			return fmt.Errorf("marshal harvest report: %w", err)
		}
	}
	const query = `
INSERT INTO job_status (
	job_id,
	status,
	harvest_errors,
	harvest_error_details,
	upload_errors,
	upload_error_details,
	harvest_report,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	harvest_errors = EXCLUDED.harvest_errors,
	harvest_error_details = EXCLUDED.harvest_error_details,
	upload_errors = EXCLUDED.upload_errors,
	upload_error_details = EXCLUDED.upload_error_details,
	harvest_report = EXCLUDED.harvest_report,
	updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query,
		st.JobID,
		string(st.Status),
		st.HarvestErrors,
		st.HarvestErrorDetails,
		st.UploadErrors,
		st.UploadErrorDetails,
		report,
		s.now(),
	); err != nil {
		return fmt.Errorf("record status of job %d: %w", st.JobID, err)
	}
	return nil
}

// Latest implements StatusStore.
func (s *PostgresStatusStore) Latest(ctx context.Context, jobID int64) (harvest.CrawlStatus, bool, error) {
	var (
		st     harvest.CrawlStatus
		status string
		report []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT job_id, status, harvest_errors, harvest_error_details, upload_errors, upload_error_details, harvest_report
FROM job_status WHERE job_id = $1`, jobID).
		Scan(&st.JobID, &status, &st.HarvestErrors, &st.HarvestErrorDetails, &st.UploadErrors, &st.UploadErrorDetails, &report)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.CrawlStatus{}, false, nil
	}
	if err != nil {
		return harvest.CrawlStatus{}, false, fmt.Errorf("load status of job %d: %w", jobID, err)
	}
	st.Status = harvest.JobStatus(status)
	if len(report) > 0 {
		st.HarvestReport = &harvest.HarvestReport{}
		if err := json.Unmarshal(report, st.HarvestReport); err != nil {
			return harvest.CrawlStatus{}, false, fmt.Errorf("parse harvest report of job %d: %w", jobID, err)
		}
	}
	return st, true, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobmate/ingestion-service/internal/model"
)

const importLogColumns = `id::text, fetched_at, source, total_fetched, total_imported,
	new_jobs, updated_jobs, failed_jobs, failures, duration_ms`

// NewImportLog describes the log created for one fetch.
type NewImportLog struct {
	Source       string
	TotalFetched int
	FailedJobs   int
	Failures     []model.Failure
	Duration     time.Duration
}

// ImportLogStore owns the import_logs table. Counters are only ever changed
// with single-statement increments so concurrent workers cannot lose updates.
type ImportLogStore struct {
	db  DBTX
	now func() time.Time
}

// NewImportLogStore returns an ImportLogStore backed by db.
func NewImportLogStore(db DBTX) *ImportLogStore {
	return &ImportLogStore{db: db, now: time.Now}
}

// Create inserts a new log. TotalFetched is fixed from here on.
func (s *ImportLogStore) Create(ctx context.Context, in NewImportLog) (*model.ImportLog, error) {
	failures := in.Failures
	if failures == nil {
		failures = []model.Failure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("marshal failures: %w", err)
	}

	log := &model.ImportLog{
		ID:           uuid.NewString(),
		Timestamp:    s.now().UTC(),
		Source:       in.Source,
		TotalFetched: in.TotalFetched,
		FailedJobs:   in.FailedJobs,
		Failures:     failures,
		DurationMs:   in.Duration.Milliseconds(),
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO import_logs (id, fetched_at, source, total_fetched, failed_jobs, failures, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		log.ID, log.Timestamp, log.Source, log.TotalFetched, log.FailedJobs,
		string(failuresJSON), log.DurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert import log: %w", err)
	}
	return log, nil
}

// RecordOutcome counts the terminal outcome of one queue delivery on the log.
// A delivery is counted at most once: recording the same deliveryID again is
// a no-op and reports false.
func (s *ImportLogStore) RecordOutcome(ctx context.Context, logID, deliveryID string, o model.Outcome) (bool, error) {
	var created, updated, failed int
	var failure any
	switch o.Kind {
	case model.OutcomeCreated:
		created = 1
	case model.OutcomeUpdated:
		updated = 1
	case model.OutcomeFailed:
		failed = 1
		b, err := json.Marshal([]model.Failure{{JobID: o.JobID, Reason: o.Reason}})
		if err != nil {
			return false, fmt.Errorf("marshal failure: %w", err)
		}
		failure = string(b)
	default:
		return false, fmt.Errorf("record outcome: unknown kind %q", o.Kind)
	}

	tag, err := s.db.Exec(ctx,
		`WITH claimed AS (
		   INSERT INTO import_log_outcomes (import_log_id, delivery_id, outcome)
		   VALUES ($1, $2, $3)
		   ON CONFLICT DO NOTHING
		   RETURNING import_log_id
		 )
		 UPDATE import_logs l SET
		   new_jobs       = l.new_jobs + $4,
		   updated_jobs   = l.updated_jobs + $5,
		   failed_jobs    = l.failed_jobs + $6,
		   total_imported = l.total_imported + $4 + $5,
		   failures       = CASE WHEN $7::jsonb IS NULL THEN l.failures ELSE l.failures || $7::jsonb END
		 FROM claimed
		 WHERE l.id = claimed.import_log_id`,
		logID, deliveryID, string(o.Kind), created, updated, failed, failure,
	)
	if err != nil {
		return false, fmt.Errorf("record outcome on log %s: %w", logID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordEnqueueFailure marks count payloads of the log as failed because they
// never reached the queue.
func (s *ImportLogStore) RecordEnqueueFailure(ctx context.Context, logID string, count int, f model.Failure) error {
	b, err := json.Marshal([]model.Failure{f})
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE import_logs SET
		   failed_jobs = failed_jobs + $2,
		   failures    = failures || $3::jsonb
		 WHERE id = $1`,
		logID, count, string(b),
	)
	if err != nil {
		return fmt.Errorf("record enqueue failure on log %s: %w", logID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record enqueue failure on log %s: %w", logID, ErrNotFound)
	}
	return nil
}

// LogFilter narrows List. Search matches the feed URL.
type LogFilter struct {
	Start    *time.Time
	End      *time.Time
	Search   string
	Page     int
	PageSize int
}

// List returns import logs newest first.
func (s *ImportLogStore) List(ctx context.Context, f LogFilter) (Page[model.ImportLog], error) {
	page, size := ClampPage(f.Page, f.PageSize)

	var (
		conds []string
		args  []any
	)
	if f.Start != nil {
		args = append(args, *f.Start)
		conds = append(conds, fmt.Sprintf("fetched_at >= $%d", len(args)))
	}
	if f.End != nil {
		args = append(args, *f.End)
		conds = append(conds, fmt.Sprintf("fetched_at <= $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("source ILIKE $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM import_logs`+where, args...).Scan(&total); err != nil {
		return Page[model.ImportLog]{}, fmt.Errorf("count import logs: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.db.Query(ctx,
		`SELECT `+importLogColumns+` FROM import_logs`+where+
			fmt.Sprintf(` ORDER BY fetched_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return Page[model.ImportLog]{}, fmt.Errorf("query import logs: %w", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		return Page[model.ImportLog]{}, err
	}
	return newPage(logs, total, page, size), nil
}

// Recent returns the n newest logs.
func (s *ImportLogStore) Recent(ctx context.Context, n int) ([]model.ImportLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+importLogColumns+` FROM import_logs ORDER BY fetched_at DESC LIMIT $1`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent import logs: %w", err)
	}
	return collectLogs(rows)
}

// Get returns a single log. An id that is not a UUID is reported as
// ErrNotFound.
func (s *ImportLogStore) Get(ctx context.Context, id string) (*model.ImportLog, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("get import log %q: %w", id, ErrNotFound)
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+importLogColumns+` FROM import_logs WHERE id = $1`, uid.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("get import log: %w", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("get import log %s: %w", id, ErrNotFound)
	}
	return &logs[0], nil
}

func collectLogs(rows pgx.Rows) ([]model.ImportLog, error) {
	defer rows.Close()

	var logs []model.ImportLog
	for rows.Next() {
		var (
			l        model.ImportLog
			failures []byte
		)
		if err := rows.Scan(
			&l.ID, &l.Timestamp, &l.Source, &l.TotalFetched, &l.TotalImported,
			&l.NewJobs, &l.UpdatedJobs, &l.FailedJobs, &failures, &l.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan import log: %w", err)
		}
		if len(failures) > 0 {
			if err := json.Unmarshal(failures, &l.Failures); err != nil {
				return nil, fmt.Errorf("decode failures of log %s: %w", l.ID, err)
			}
		}
		if l.Failures == nil {
			l.Failures = []model.Failure{}
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate import logs: %w", err)
	}
	return logs, nil
}

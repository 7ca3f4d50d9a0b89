package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobmate/ingestion-service/internal/model"
)

// UpsertError is returned when a job record cannot be written.
type UpsertError struct {
	GUID string
	Err  error
}

func (e *UpsertError) Error() string { return fmt.Sprintf("upsert job %q: %v", e.GUID, e.Err) }

func (e *UpsertError) Unwrap() error { return e.Err }

// JobStore reads and writes the jobs table.
type JobStore struct {
	db DBTX
}

// NewJobStore returns a JobStore backed by db.
func NewJobStore(db DBTX) *JobStore {
	return &JobStore{db: db}
}

// Upsert inserts job or, when its guid already exists, overwrites every field
// except guid and created_at. It reports whether a new row was created.
//
// The statement is a single INSERT ... ON CONFLICT, so concurrent upserts of
// the same guid never produce two rows; the last writer wins.
func (s *JobStore) Upsert(ctx context.Context, job model.NormalizedJob) (bool, error) {
	var isNew bool
	err := s.db.QueryRow(ctx,
		`INSERT INTO jobs (guid, title, company, location, description, url, published_date, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (guid) DO UPDATE SET
		   title          = EXCLUDED.title,
		   company        = EXCLUDED.company,
		   location       = EXCLUDED.location,
		   description    = EXCLUDED.description,
		   url            = EXCLUDED.url,
		   published_date = EXCLUDED.published_date,
		   source         = EXCLUDED.source,
		   updated_at     = NOW()
		 RETURNING (xmax = 0) AS is_insert`,
		job.GUID, job.Title, job.Company, job.Location, job.Description,
		job.URL, job.PublishedDate, job.Source,
	).Scan(&isNew)
	if err != nil {
		return false, &UpsertError{GUID: job.GUID, Err: err}
	}
	return isNew, nil
}

// JobFilter narrows ListJobs. Search matches title, company or location.
type JobFilter struct {
	Search   string
	Source   string
	Page     int
	PageSize int
}

// List returns jobs newest-published first. Descriptions are not loaded.
func (s *JobStore) List(ctx context.Context, f JobFilter) (Page[model.StoredJob], error) {
	page, size := ClampPage(f.Page, f.PageSize)

	var (
		conds []string
		args  []any
	)
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR company ILIKE $%d OR location ILIKE $%d)", n, n, n))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return Page[model.StoredJob]{}, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.db.Query(ctx,
		`SELECT id, guid, title, company, location, url, published_date, source, created_at, updated_at
		 FROM jobs`+where+
			fmt.Sprintf(` ORDER BY published_date DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return Page[model.StoredJob]{}, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.StoredJob
	for rows.Next() {
		var j model.StoredJob
		if err := rows.Scan(
			&j.ID, &j.GUID, &j.Title, &j.Company, &j.Location, &j.URL,
			&j.PublishedDate, &j.Source, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return Page[model.StoredJob]{}, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return Page[model.StoredJob]{}, fmt.Errorf("iterate jobs: %w", err)
	}

	return newPage(jobs, total, page, size), nil
}

// Get returns the job stored under guid.
func (s *JobStore) Get(ctx context.Context, guid string) (*model.StoredJob, error) {
	var j model.StoredJob
	err := s.db.QueryRow(ctx,
		`SELECT id, guid, title, company, location, description, url, published_date, source, created_at, updated_at
		 FROM jobs WHERE guid = $1`, guid,
	).Scan(
		&j.ID, &j.GUID, &j.Title, &j.Company, &j.Location, &j.Description, &j.URL,
		&j.PublishedDate, &j.Source, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "get job")
	}
	return &j, nil
}

// Count returns the number of stored jobs.
func (s *JobStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountCreatedSince returns the number of jobs first stored at or after since.
func (s *JobStore) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs since: %w", err)
	}
	return n, nil
}

// SourceCount is one row of the per-source breakdown.
type SourceCount struct {
	Source    string    `json:"source"`
	Count     int64     `json:"count"`
	LatestJob time.Time `json:"latestJob"`
}

// SourceBreakdown groups stored jobs by source, largest first.
func (s *JobStore) SourceBreakdown(ctx context.Context) ([]SourceCount, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source, COUNT(*) AS count, MAX(published_date) AS latest_job
		 FROM jobs
		 GROUP BY source
		 ORDER BY count DESC, source`,
	)
	if err != nil {
		return nil, fmt.Errorf("query source breakdown: %w", err)
	}
	defer rows.Close()

	var out []SourceCount
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.Source, &sc.Count, &sc.LatestJob); err != nil {
			return nil, fmt.Errorf("scan source breakdown: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

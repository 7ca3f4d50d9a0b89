// Package ingestion is the transport-agnostic facade over the ingestion
// pipeline: fetch triggering plus the read models behind the admin surfaces.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/metrics"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/queue"
	"jobmate/ingestion-service/internal/scraper"
	"jobmate/ingestion-service/internal/store"
)

const recentLogCount = 5

// Batcher runs one fetch cycle over a list of feeds.
type Batcher interface {
	FetchAll(ctx context.Context, feedURLs []string) []scraper.Result
}

// LogReader reads import logs.
type LogReader interface {
	List(ctx context.Context, f store.LogFilter) (store.Page[model.ImportLog], error)
	Recent(ctx context.Context, n int) ([]model.ImportLog, error)
	Get(ctx context.Context, id string) (*model.ImportLog, error)
}

// JobReader reads stored jobs.
type JobReader interface {
	List(ctx context.Context, f store.JobFilter) (store.Page[model.StoredJob], error)
	Count(ctx context.Context) (int64, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
	SourceBreakdown(ctx context.Context) ([]store.SourceCount, error)
}

// DepthReader reports queue depth.
type DepthReader interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// Service exposes the ingestion operations.
type Service struct {
	batch    Batcher
	logs     LogReader
	jobs     JobReader
	queue    DepthReader
	feedURLs []string
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService constructs a Service. m may be nil.
func NewService(
	batch Batcher,
	logs LogReader,
	jobs JobReader,
	q DepthReader,
	feedURLs []string,
	log logger.Logger,
	m *metrics.Metrics,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		batch:    batch,
		logs:     logs,
		jobs:     jobs,
		queue:    q,
		feedURLs: feedURLs,
		log:      log,
		metrics:  m,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// TriggerResult acknowledges a fetch trigger.
type TriggerResult struct {
	Accepted       bool   `json:"accepted"`
	AlreadyRunning bool   `json:"alreadyRunning"`
	Message        string `json:"message"`
	Feeds          int    `json:"feeds"`
}

// TriggerFetchAll starts a fetch cycle in the background and returns at
// once. Outcomes are observable only through import logs and queue depth.
// A trigger arriving while a cycle is running is acknowledged but not
// started.
func (s *Service) TriggerFetchAll() TriggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return TriggerResult{Message: "service is shutting down"}
	}
	if s.running {
		s.log.Info("Fetch trigger ignored, cycle already running")
		return TriggerResult{Accepted: true, AlreadyRunning: true, Message: "fetch already running", Feeds: len(s.feedURLs)}
	}

	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		s.RunFetchAll(s.ctx)
	}()

	return TriggerResult{Accepted: true, Message: "fetch started", Feeds: len(s.feedURLs)}
}

// RunFetchAll runs one fetch cycle synchronously.
func (s *Service) RunFetchAll(ctx context.Context) []scraper.Result {
	return s.batch.FetchAll(ctx, s.feedURLs)
}

// Shutdown stops a running background cycle after its current feed and
// waits for it, or until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for fetch cycle: %w", ctx.Err())
	}
}

// ListImportLogs returns a page of import logs, newest first.
func (s *Service) ListImportLogs(ctx context.Context, f store.LogFilter) (store.Page[model.ImportLog], error) {
	return s.logs.List(ctx, f)
}

// GetImportLog returns one import log.
func (s *Service) GetImportLog(ctx context.Context, id string) (*model.ImportLog, error) {
	return s.logs.Get(ctx, id)
}

// ListJobs returns a page of stored jobs, newest published first.
func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) (store.Page[model.StoredJob], error) {
	return s.jobs.List(ctx, f)
}

// QueueDepth returns the current queue counts.
func (s *Service) QueueDepth(ctx context.Context) (queue.Depth, error) {
	d, err := s.queue.Depth(ctx)
	if err != nil {
		return queue.Depth{}, err
	}
	counts := make(map[string]int64, len(queue.States))
	for st, n := range d.ByState() {
		counts[string(st)] = n
	}
	s.metrics.SetQueueDepth(counts)
	return d, nil
}

// Dashboard aggregates the headline numbers of the admin dashboard.
type Dashboard struct {
	TotalJobs            int64               `json:"totalJobs"`
	JobsToday            int64               `json:"jobsToday"`
	ActiveFeedCount      int                 `json:"activeFeedCount"`
	LastImportAt         *time.Time          `json:"lastImportAt"`
	LastImportDurationMs int64               `json:"lastImportDuration"`
	RecentLogs           []model.ImportLog   `json:"recentImports"`
	SourceBreakdown      []store.SourceCount `json:"sourceBreakdown"`
}

// Dashboard computes the dashboard aggregates. "Today" starts at local
// midnight.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		d      Dashboard
		recent []model.ImportLog
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.TotalJobs, err = s.jobs.Count(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.JobsToday, err = s.jobs.CountCreatedSince(gctx, midnight)
		return err
	})
	g.Go(func() (err error) {
		recent, err = s.logs.Recent(gctx, recentLogCount)
		return err
	})
	g.Go(func() (err error) {
		d.SourceBreakdown, err = s.jobs.SourceBreakdown(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	d.ActiveFeedCount = len(d.SourceBreakdown)
	if d.SourceBreakdown == nil {
		d.SourceBreakdown = []store.SourceCount{}
	}
	d.RecentLogs = recent
	if d.RecentLogs == nil {
		d.RecentLogs = []model.ImportLog{}
	}
	if len(recent) > 0 {
		at := recent[0].Timestamp
		d.LastImportAt = &at
		d.LastImportDurationMs = recent[0].DurationMs
	}
	return &d, nil
}

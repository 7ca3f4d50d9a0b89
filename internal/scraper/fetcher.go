package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobmate/ingestion-service/internal/feed"
	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/metrics"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/store"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultUserAgent    = "jobmate-ingestion/1.0"
	maxFeedBytes        = 20 << 20
)

// NetworkError is returned when a feed cannot be downloaded: timeout,
// connection failure or a non-2xx status.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// LogRecorder creates and amends import logs.
type LogRecorder interface {
	Create(ctx context.Context, in store.NewImportLog) (*model.ImportLog, error)
	RecordEnqueueFailure(ctx context.Context, logID string, count int, f model.Failure) error
}

// Enqueuer adds payloads to the job queue atomically.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, payloads []model.QueuedPayload) ([]string, error)
}

// FetcherConfig tunes a FeedFetcher.
type FetcherConfig struct {
	Timeout      time.Duration
	UserAgent    string
	ExcludeTerms []string
}

// FeedFetcher downloads one feed, records its import log and queues its
// items. Every call to Fetch produces exactly one import log.
type FeedFetcher struct {
	client       *http.Client
	parser       *feed.Parser
	logs         LogRecorder
	queue        Enqueuer
	log          logger.Logger
	metrics      *metrics.Metrics
	userAgent    string
	excludeTerms []string
	now          func() time.Time
}

// NewFeedFetcher constructs a fetcher with its own HTTP client. m may be nil.
func NewFeedFetcher(
	logs LogRecorder,
	q Enqueuer,
	parser *feed.Parser,
	log logger.Logger,
	m *metrics.Metrics,
	cfg FetcherConfig,
) *FeedFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &FeedFetcher{
		client:       &http.Client{Timeout: cfg.Timeout},
		parser:       parser,
		logs:         logs,
		queue:        q,
		log:          log,
		metrics:      m,
		userAgent:    cfg.UserAgent,
		excludeTerms: cfg.ExcludeTerms,
		now:          time.Now,
	}
}

// Result summarises one Fetch.
type Result struct {
	Source   string
	LogID    string
	Fetched  int
	Excluded int
	Err      error
}

// Fetch runs the download, parse, log and enqueue cycle for feedURL. Errors
// are recorded on the import log and reported in the Result.
func (f *FeedFetcher) Fetch(ctx context.Context, feedURL string) Result {
	start := f.now()
	log := f.log.With(logger.String("feed", feedURL))
	res := Result{Source: feedURL}

	jobs, err := f.download(ctx, feedURL)
	if err != nil {
		f.metrics.FeedFetched(false, 0, f.now().Sub(start))
		log.Error("Feed fetch failed", logger.Error(err))
		res.Err = err

		entry, logErr := f.logs.Create(ctx, store.NewImportLog{
			Source:     feedURL,
			FailedJobs: 1,
			Failures:   []model.Failure{{JobID: feedURL, Reason: err.Error()}},
			Duration:   f.now().Sub(start),
		})
		if logErr != nil {
			log.Error("Recording failed fetch", logger.Error(logErr))
			res.Err = errors.Join(err, logErr)
			return res
		}
		res.LogID = entry.ID
		return res
	}

	kept := jobs[:0]
	for _, job := range jobs {
		if ContainsRedFlag(job, f.excludeTerms) {
			res.Excluded++
			continue
		}
		kept = append(kept, job)
	}
	jobs = kept
	res.Fetched = len(jobs)
	f.metrics.FeedFetched(true, len(jobs), f.now().Sub(start))

	entry, err := f.logs.Create(ctx, store.NewImportLog{
		Source:       feedURL,
		TotalFetched: len(jobs),
		Duration:     f.now().Sub(start),
	})
	if err != nil {
		log.Error("Creating import log failed", logger.Error(err))
		res.Err = fmt.Errorf("create import log: %w", err)
		return res
	}
	res.LogID = entry.ID

	if len(jobs) == 0 {
		log.Info("Feed has no items", logger.String("import_log_id", entry.ID))
		return res
	}

	payloads := make([]model.QueuedPayload, len(jobs))
	for i, job := range jobs {
		payloads[i] = model.QueuedPayload{NormalizedJob: job, ImportLogID: entry.ID}
	}

	if _, err := f.queue.EnqueueBulk(ctx, payloads); err != nil {
		log.Error("Enqueue failed", logger.Int("items", len(payloads)), logger.Error(err))
		res.Err = fmt.Errorf("enqueue: %w", err)
		failure := model.Failure{JobID: feedURL, Reason: res.Err.Error()}
		if recErr := f.logs.RecordEnqueueFailure(ctx, entry.ID, len(payloads), failure); recErr != nil {
			log.Error("Recording enqueue failure", logger.Error(recErr))
			res.Err = errors.Join(res.Err, recErr)
		}
		return res
	}
	f.metrics.Enqueued(len(payloads))

	log.Info("Feed queued",
		logger.String("import_log_id", entry.ID),
		logger.Int("items", len(payloads)),
		logger.Int("excluded", res.Excluded),
		logger.Duration("took", f.now().Sub(start)),
	)
	return res
}

// download fetches and parses feedURL. A document-level parse failure is
// returned as is; everything below the parser is a *NetworkError.
func (f *FeedFetcher) download(ctx context.Context, feedURL string) ([]model.NormalizedJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &NetworkError{URL: feedURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &NetworkError{URL: feedURL, Err: fmt.Errorf("read body: %w", err)}
	}

	return f.parser.ParseJobs(body, feedURL)
}

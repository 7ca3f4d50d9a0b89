package scraper_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/ingestion-service/internal/feed"
	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/scraper"
	"jobmate/ingestion-service/internal/store"
)

// fakeLogs keeps import logs in memory.
type fakeLogs struct {
	mu   sync.Mutex
	logs []*model.ImportLog
}

func (f *fakeLogs) Create(_ context.Context, in store.NewImportLog) (*model.ImportLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &model.ImportLog{
		ID:           fmt.Sprintf("log-%d", len(f.logs)+1),
		Source:       in.Source,
		TotalFetched: in.TotalFetched,
		FailedJobs:   in.FailedJobs,
		Failures:     append([]model.Failure{}, in.Failures...),
		DurationMs:   in.Duration.Milliseconds(),
	}
	f.logs = append(f.logs, l)
	return l, nil
}

func (f *fakeLogs) RecordEnqueueFailure(_ context.Context, logID string, count int, fl model.Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.ID == logID {
			l.FailedJobs += count
			l.Failures = append(l.Failures, fl)
			return nil
		}
	}
	return store.ErrNotFound
}

// fakeQueue collects enqueued payloads, or fails every call when err is set.
type fakeQueue struct {
	payloads []model.QueuedPayload
	err      error
}

func (q *fakeQueue) EnqueueBulk(_ context.Context, p []model.QueuedPayload) ([]string, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, p...)
	ids := make([]string, len(p))
	for i := range p {
		ids[i] = fmt.Sprintf("entry-%d", len(q.payloads)-len(p)+i)
	}
	return ids, nil
}

func item(guid, title string) string {
	return fmt.Sprintf(`<item><guid>%s</guid><title>%s</title><link>https://jobs.example.com/%s</link></item>`, guid, title, guid)
}

func rssDoc(items ...string) string {
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>Jobs</title>` +
		strings.Join(items, "") + `</channel></rss>`
}

func feedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(logs *fakeLogs, q *fakeQueue, cfg scraper.FetcherConfig) *scraper.FeedFetcher {
	return scraper.NewFeedFetcher(logs, q, feed.NewParser(), logger.NewNop(), nil, cfg)
}

func TestFetch_QueuesEveryValidItemUnderOneLog(t *testing.T) {
	srv := feedServer(t, rssDoc(item("a", "Go Dev"), item("b", "SRE"), `<item><title>no link</title></item>`))
	logs, q := &fakeLogs{}, &fakeQueue{}

	res := newFetcher(logs, q, scraper.FetcherConfig{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Fetched)

	require.Len(t, logs.logs, 1)
	log := logs.logs[0]
	assert.Equal(t, srv.URL, log.Source)
	assert.Equal(t, 2, log.TotalFetched)
	assert.Equal(t, 0, log.FailedJobs)
	assert.Equal(t, log.ID, res.LogID)

	require.Len(t, q.payloads, 2)
	for _, p := range q.payloads {
		assert.Equal(t, log.ID, p.ImportLogID)
		assert.Equal(t, srv.URL, p.Source)
	}
}

func TestFetch_EmptyFeedStillLogs(t *testing.T) {
	srv := feedServer(t, rssDoc())
	logs, q := &fakeLogs{}, &fakeQueue{}

	res := newFetcher(logs, q, scraper.FetcherConfig{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)

	require.Len(t, logs.logs, 1)
	assert.Equal(t, 0, logs.logs[0].TotalFetched)
	assert.Empty(t, q.payloads)
}

func TestFetch_UnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	logs, q := &fakeLogs{}, &fakeQueue{}
	res := newFetcher(logs, q, scraper.FetcherConfig{Timeout: time.Second}).Fetch(context.Background(), url)

	var netErr *scraper.NetworkError
	require.ErrorAs(t, res.Err, &netErr)

	require.Len(t, logs.logs, 1)
	log := logs.logs[0]
	assert.Equal(t, 0, log.TotalFetched)
	assert.Equal(t, 1, log.FailedJobs)
	require.Len(t, log.Failures, 1)
	assert.Equal(t, url, log.Failures[0].JobID)
	assert.NotEmpty(t, log.Failures[0].Reason)
	assert.Empty(t, q.payloads)
}

func TestFetch_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	logs := &fakeLogs{}
	res := newFetcher(logs, &fakeQueue{}, scraper.FetcherConfig{Timeout: 50 * time.Millisecond}).
		Fetch(context.Background(), srv.URL)

	var netErr *scraper.NetworkError
	require.ErrorAs(t, res.Err, &netErr)
	require.Len(t, logs.logs, 1)
	assert.Equal(t, 1, logs.logs[0].FailedJobs)
}

func TestFetch_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logs := &fakeLogs{}
	res := newFetcher(logs, &fakeQueue{}, scraper.FetcherConfig{}).Fetch(context.Background(), srv.URL)

	var netErr *scraper.NetworkError
	require.ErrorAs(t, res.Err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	require.Len(t, logs.logs, 1)
	assert.Equal(t, 1, logs.logs[0].FailedJobs)
}

func TestFetch_UnparseableDocument(t *testing.T) {
	srv := feedServer(t, "<html><body>not a feed</body></html>")
	logs := &fakeLogs{}

	res := newFetcher(logs, &fakeQueue{}, scraper.FetcherConfig{}).Fetch(context.Background(), srv.URL)

	var parseErr *feed.ParseError
	require.ErrorAs(t, res.Err, &parseErr)
	require.Len(t, logs.logs, 1)
	assert.Equal(t, 0, logs.logs[0].TotalFetched)
	assert.Equal(t, 1, logs.logs[0].FailedJobs)
	assert.Equal(t, srv.URL, logs.logs[0].Failures[0].JobID)
}

func TestFetch_EnqueueFailureMarksLogFailed(t *testing.T) {
	srv := feedServer(t, rssDoc(item("a", "A"), item("b", "B"), item("c", "C")))
	logs := &fakeLogs{}
	q := &fakeQueue{err: errors.New("READONLY You can't write against a read only replica")}

	res := newFetcher(logs, q, scraper.FetcherConfig{}).Fetch(context.Background(), srv.URL)
	require.Error(t, res.Err)

	require.Len(t, logs.logs, 1)
	log := logs.logs[0]
	assert.Equal(t, 3, log.TotalFetched)
	assert.Equal(t, 3, log.FailedJobs)
	assert.Equal(t, log.TotalFetched, log.Processed())
	require.Len(t, log.Failures, 1)
	assert.Equal(t, srv.URL, log.Failures[0].JobID)
}

func TestFetch_ExcludeTermsDropItems(t *testing.T) {
	srv := feedServer(t, rssDoc(item("a", "Sales (commission only)"), item("b", "Go Dev")))
	logs, q := &fakeLogs{}, &fakeQueue{}

	res := newFetcher(logs, q, scraper.FetcherConfig{ExcludeTerms: []string{"Commission Only"}}).
		Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, 1, logs.logs[0].TotalFetched)
	require.Len(t, q.payloads, 1)
	assert.Equal(t, "b", q.payloads[0].GUID)
}

func TestFetchAll_FailingFeedDoesNotStopTheBatch(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	live := feedServer(t, rssDoc(item("x", "X"), item("y", "Y"), item("z", "Z")))

	logs, q := &fakeLogs{}, &fakeQueue{}
	results := newFetcher(logs, q, scraper.FetcherConfig{Timeout: time.Second}).
		FetchAll(context.Background(), []string{deadURL, live.URL})

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	require.Len(t, logs.logs, 2)
	assert.Equal(t, deadURL, logs.logs[0].Source)
	assert.Equal(t, 1, logs.logs[0].FailedJobs)
	assert.Equal(t, live.URL, logs.logs[1].Source)
	assert.Equal(t, 3, logs.logs[1].TotalFetched)
	assert.Len(t, q.payloads, 3)
}

func TestFetchAll_StopsWhenCancelled(t *testing.T) {
	live := feedServer(t, rssDoc(item("x", "X")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logs := &fakeLogs{}
	results := newFetcher(logs, &fakeQueue{}, scraper.FetcherConfig{}).
		FetchAll(ctx, []string{live.URL, live.URL})
	assert.Empty(t, results)
	assert.Empty(t, logs.logs)
}

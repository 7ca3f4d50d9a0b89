package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/queue"
	"jobmate/ingestion-service/internal/scraper"
	"jobmate/ingestion-service/internal/store"
)

// blockingBatch runs until released, counting invocations.
type blockingBatch struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	urls    []string
}

func newBlockingBatch() *blockingBatch {
	return &blockingBatch{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (b *blockingBatch) FetchAll(ctx context.Context, urls []string) []scraper.Result {
	b.calls.Add(1)
	b.urls = urls
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

type fakeLogReader struct {
	recent []model.ImportLog
	filter store.LogFilter
	err    error
}

func (f *fakeLogReader) List(_ context.Context, flt store.LogFilter) (store.Page[model.ImportLog], error) {
	f.filter = flt
	return store.Page[model.ImportLog]{Items: f.recent, Total: int64(len(f.recent)), Page: 1, PageSize: 20, TotalPages: 1}, f.err
}

func (f *fakeLogReader) Recent(context.Context, int) ([]model.ImportLog, error) {
	return f.recent, f.err
}

func (f *fakeLogReader) Get(_ context.Context, id string) (*model.ImportLog, error) {
	for i := range f.recent {
		if f.recent[i].ID == id {
			return &f.recent[i], nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeJobReader struct {
	mu        sync.Mutex
	total     int64
	today     int64
	since     time.Time
	breakdown []store.SourceCount
	err       error
}

func (f *fakeJobReader) List(context.Context, store.JobFilter) (store.Page[model.StoredJob], error) {
	return store.Page[model.StoredJob]{}, f.err
}

func (f *fakeJobReader) Count(context.Context) (int64, error) { return f.total, f.err }

func (f *fakeJobReader) CountCreatedSince(_ context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	f.since = since
	f.mu.Unlock()
	return f.today, f.err
}

func (f *fakeJobReader) SourceBreakdown(context.Context) ([]store.SourceCount, error) {
	return f.breakdown, f.err
}

type fakeDepth struct{ d queue.Depth }

func (f fakeDepth) Depth(context.Context) (queue.Depth, error) { return f.d, nil }

func TestTriggerFetchAll_AcknowledgesImmediatelyAndDeduplicates(t *testing.T) {
	batch := newBlockingBatch()
	urls := []string{"https://a.example/feed", "https://b.example/feed"}
	svc := NewService(batch, &fakeLogReader{}, &fakeJobReader{}, fakeDepth{}, urls, logger.NewNop(), nil)

	first := svc.TriggerFetchAll()
	assert.True(t, first.Accepted)
	assert.False(t, first.AlreadyRunning)
	assert.Equal(t, 2, first.Feeds)

	select {
	case <-batch.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch cycle did not start")
	}

	second := svc.TriggerFetchAll()
	assert.True(t, second.Accepted)
	assert.True(t, second.AlreadyRunning)

	close(batch.release)
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return !svc.running
	}, 5*time.Second, 10*time.Millisecond)

	third := svc.TriggerFetchAll()
	assert.False(t, third.AlreadyRunning)
	<-batch.started

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Equal(t, int32(2), batch.calls.Load())
	assert.Equal(t, urls, batch.urls)
}

func TestShutdown_CancelsRunningCycle(t *testing.T) {
	batch := newBlockingBatch()
	svc := NewService(batch, &fakeLogReader{}, &fakeJobReader{}, fakeDepth{}, nil, logger.NewNop(), nil)

	svc.TriggerFetchAll()
	<-batch.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	after := svc.TriggerFetchAll()
	assert.False(t, after.Accepted)
}

func TestDashboard(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)
	last := now.Add(-time.Hour)
	logs := &fakeLogReader{recent: []model.ImportLog{
		{ID: "l2", Timestamp: last, DurationMs: 900},
		{ID: "l1", Timestamp: last.Add(-time.Hour), DurationMs: 700},
	}}
	jobs := &fakeJobReader{
		total: 250,
		today: 12,
		breakdown: []store.SourceCount{
			{Source: "feed-a", Count: 200, LatestJob: last},
			{Source: "feed-b", Count: 50, LatestJob: last},
		},
	}
	svc := NewService(nil, logs, jobs, fakeDepth{}, nil, logger.NewNop(), nil)
	svc.now = func() time.Time { return now }

	d, err := svc.Dashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(250), d.TotalJobs)
	assert.Equal(t, int64(12), d.JobsToday)
	assert.Equal(t, 2, d.ActiveFeedCount)
	require.NotNil(t, d.LastImportAt)
	assert.True(t, d.LastImportAt.Equal(last))
	assert.Equal(t, int64(900), d.LastImportDurationMs)
	assert.Len(t, d.RecentLogs, 2)
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), jobs.since)
}

func TestDashboard_EmptyStore(t *testing.T) {
	svc := NewService(nil, &fakeLogReader{}, &fakeJobReader{}, fakeDepth{}, nil, logger.NewNop(), nil)

	d, err := svc.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d.LastImportAt)
	assert.NotNil(t, d.RecentLogs)
	assert.NotNil(t, d.SourceBreakdown)
	assert.Zero(t, d.ActiveFeedCount)
}

func TestDashboard_PropagatesErrors(t *testing.T) {
	svc := NewService(nil, &fakeLogReader{}, &fakeJobReader{err: errors.New("pool closed")}, fakeDepth{}, nil, logger.NewNop(), nil)

	_, err := svc.Dashboard(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool closed")
}

func TestQueueDepthAndLogs(t *testing.T) {
	depth := queue.Depth{Waiting: 3, Active: 1, Completed: 40, Failed: 2}
	logs := &fakeLogReader{recent: []model.ImportLog{{ID: "l1"}}}
	svc := NewService(nil, logs, &fakeJobReader{}, fakeDepth{d: depth}, nil, logger.NewNop(), nil)

	got, err := svc.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, depth, got)

	page, err := svc.ListImportLogs(context.Background(), store.LogFilter{Search: "jobicy", Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "jobicy", logs.filter.Search)

	_, err = svc.GetImportLog(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

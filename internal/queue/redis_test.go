package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/ingestion-service/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)} }
func payload(guid string) model.QueuedPayload {
	return model.QueuedPayload{NormalizedJob: model.NormalizedJob{GUID: guid, Title: "T", URL: "https://x/" + guid}, ImportLogID: "log-1"}
}

func setup(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := newClock()
	q := New(rdb, "job-import", opts)
	q.now = c.now
	return q, mr, c
}

func claimNow(t *testing.T, q *Queue) *Delivery {
	t.Helper()
	d, err := q.Claim(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestEnqueueBulk_ClaimInOrder(t *testing.T) {
	q, _, _ := setup(t, Options{})
	ctx := context.Background()

	ids, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a"), payload("b"), payload("c")})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth.Waiting)

	for i, want := range []string{"a", "b", "c"} {
		d := claimNow(t, q)
		assert.Equal(t, ids[i], d.ID)
		assert.Equal(t, want, d.Payload.GUID)
		assert.Equal(t, "log-1", d.Payload.ImportLogID)
		assert.Equal(t, 1, d.Attempt)
	}

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Waiting)
	assert.Equal(t, int64(3), depth.Active)
}

func TestEnqueueBulk_Empty(t *testing.T) {
	q, mr, _ := setup(t, Options{})

	ids, err := q.EnqueueBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.False(t, mr.Exists("job-import:waiting"))
}

func TestClaim_EmptyQueueTimesOut(t *testing.T) {
	q, _, _ := setup(t, Options{})

	d, err := q.Claim(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestClaim_ZeroTimeoutStillReturns(t *testing.T) {
	q, _, _ := setup(t, Options{})

	// A zero BLMOVE timeout blocks forever; Claim raises it to the minimum.
	start := time.Now()
	d, err := q.Claim(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClaim_UndecodableEntryIsFailed(t *testing.T) {
	q, mr, _ := setup(t, Options{})
	ctx := context.Background()

	mr.HSet("job-import:job:broken", "data", "{not json", "attempts", "0", "state", "waiting")
	_, err := mr.Push("job-import:waiting", "broken")
	require.NoError(t, err)

	d, err := q.Claim(ctx, time.Second)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Contains(t, err.Error(), "decode entry broken")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Active, "a bad entry must not stay claimed")
	assert.Equal(t, int64(1), depth.Failed)

	e, err := q.Inspect(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, e.State)
	assert.Contains(t, e.Reason, "decode entry")

	// The queue keeps serving good entries after the bad one.
	_, err = q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a")})
	require.NoError(t, err)
	assert.Equal(t, "a", claimNow(t, q).Payload.GUID)
}

func TestClaim_LoadErrorReleasesEntry(t *testing.T) {
	q, mr, _ := setup(t, Options{})
	ctx := context.Background()

	// A string where the entry hash should be makes every hash command fail.
	require.NoError(t, mr.Set("job-import:job:odd", "not a hash"))
	_, err := mr.Push("job-import:waiting", "odd")
	require.NoError(t, err)

	d, err := q.Claim(ctx, time.Second)
	require.Error(t, err)
	assert.Nil(t, d)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Active)
	assert.Equal(t, int64(1), depth.Waiting, "entry goes back to waiting")
}

func TestRetry_DelaysRedelivery(t *testing.T) {
	q, _, c := setup(t, Options{})
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a")})
	require.NoError(t, err)

	d := claimNow(t, q)
	require.NoError(t, q.Retry(ctx, d, Backoff(2*time.Second, d.Attempt), "db down"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Active)
	assert.Equal(t, int64(1), depth.Delayed)

	early, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, early, "entry must not run before its backoff elapses")

	c.advance(2 * time.Second)
	again := claimNow(t, q)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
}

func TestComplete_TrimsHistoryAndEvictsEntries(t *testing.T) {
	q, mr, _ := setup(t, Options{KeepCompleted: 2})
	ctx := context.Background()

	ids, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a"), payload("b"), payload("c")})
	require.NoError(t, err)

	for range ids {
		require.NoError(t, q.Complete(ctx, claimNow(t, q)))
	}

	completed, err := mr.List("job-import:completed")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, completed)
	assert.False(t, mr.Exists("job-import:job:"+ids[0]), "evicted entry hash is deleted")
	assert.True(t, mr.Exists("job-import:job:"+ids[2]))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Active)
	assert.Equal(t, int64(2), depth.Completed)
}

func TestFail_RecordsReason(t *testing.T) {
	q, mr, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a")})
	require.NoError(t, err)

	d := claimNow(t, q)
	reason := fmt.Errorf("%w: upsert failed", ErrRetriesExhausted).Error()
	require.NoError(t, q.Fail(ctx, d, reason))

	assert.Equal(t, reason, mr.HGet("job-import:job:"+d.ID, "reason"))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Failed)
	assert.Equal(t, int64(0), depth.Active)
}

func TestRecoverStalled_RequeuesActiveEntries(t *testing.T) {
	q, _, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a"), payload("b"), payload("c")})
	require.NoError(t, err)
	first := claimNow(t, q)
	second := claimNow(t, q)

	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth.Active)
	assert.Equal(t, int64(3), depth.Waiting)

	// Recovered entries keep their id and are claimed ahead of untouched ones.
	got := map[string]int{}
	for range 2 {
		d := claimNow(t, q)
		got[d.ID] = d.Attempt
	}
	assert.Equal(t, map[string]int{first.ID: 2, second.ID: 2}, got)
}

func TestInspect_TracksLifecycle(t *testing.T) {
	q, _, c := setup(t, Options{})
	ctx := context.Background()

	ids, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a")})
	require.NoError(t, err)
	id := ids[0]

	state := func() State {
		t.Helper()
		e, err := q.Inspect(ctx, id)
		require.NoError(t, err)
		return e.State
	}

	assert.Equal(t, StateWaiting, state())

	d := claimNow(t, q)
	assert.Equal(t, StateActive, state())

	require.NoError(t, q.Retry(ctx, d, time.Second, "busy"))
	assert.Equal(t, StateDelayed, state())

	c.advance(time.Second)
	d = claimNow(t, q)
	assert.Equal(t, StateActive, state())

	_, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state())

	d = claimNow(t, q)
	require.NoError(t, q.Complete(ctx, d))

	e, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, e.State)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, c.now(), e.FinishedAt)
	assert.Equal(t, newClock().now(), e.EnqueuedAt)
}

func TestInspect_UnknownEntry(t *testing.T) {
	q, _, _ := setup(t, Options{})

	_, err := q.Inspect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

func TestTerminalEntriesCannotMoveAgain(t *testing.T) {
	q, _, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []model.QueuedPayload{payload("a")})
	require.NoError(t, err)
	d := claimNow(t, q)
	require.NoError(t, q.Complete(ctx, d))

	assert.ErrorIs(t, q.Complete(ctx, d), ErrIllegalMove)
	assert.ErrorIs(t, q.Fail(ctx, d, "late"), ErrIllegalMove)
	assert.ErrorIs(t, q.Retry(ctx, d, time.Second, "late"), ErrIllegalMove)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Completed, "a second ack must not duplicate history")
	assert.Equal(t, int64(0), depth.Failed)
	assert.Equal(t, int64(0), depth.Delayed)
}

func TestBackoff_CapsLargeAttempts(t *testing.T) {
	assert.Equal(t, MaxBackoff, Backoff(20*time.Second, 30))
	assert.Equal(t, MaxBackoff, Backoff(time.Second, 1000))
	assert.Equal(t, MaxBackoff, Backoff(2*time.Hour, 1))
	assert.Equal(t, 32*time.Minute, Backoff(time.Minute, 6))
	assert.Zero(t, Backoff(0, 5))

	for attempt := 1; attempt <= 64; attempt++ {
		d := Backoff(20*time.Second, attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.LessOrEqual(t, d, MaxBackoff, "attempt %d", attempt)
	}
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, 3))
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
}

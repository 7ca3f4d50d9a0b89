// Package queue implements a durable, at-least-once work queue on Redis.
//
// Layout under the queue name N:
//
//	N:waiting    list of entry ids ready to run
//	N:active     list of entry ids claimed by a worker
//	N:delayed    sorted set of entry ids scored by ready-at (unix ms)
//	N:completed  capped list of finished entry ids
//	N:failed     capped list of entry ids that exhausted their retries
//	N:job:<id>   hash with the payload, attempt count and current state
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobmate/ingestion-service/internal/model"
)

// ErrRetriesExhausted marks an entry that failed on its last allowed attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retention defaults for the history lists.
const (
	DefaultKeepCompleted = 1000
	DefaultKeepFailed    = 5000
)

// MinClaimTimeout is the shortest wait Redis supports for a blocking claim.
const MinClaimTimeout = time.Second

// MaxBackoff caps the delay between attempts.
const MaxBackoff = time.Hour

// promoteScript moves every delayed entry whose ready-at has passed to wait.
var promoteScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		redis.call("rpush", KEYS[2], id)
		redis.call("hset", ARGV[2] .. id, "state", ARGV[3])
	end
	return #ids
`)

// finishScript moves an entry from active to a capped history list and
// deletes the hashes of entries trimmed off the end of that list. It returns
// the target state, or the stored state when the entry is not active.
var finishScript = redis.NewScript(`
	local cur = redis.call("hget", ARGV[3] .. ARGV[1], "state")
	if cur ~= ARGV[7] then
		return cur or ""
	end
	redis.call("lrem", KEYS[1], 1, ARGV[1])
	redis.call("hset", ARGV[3] .. ARGV[1], "finished_at", ARGV[5], "reason", ARGV[4], "state", ARGV[6])
	redis.call("lpush", KEYS[2], ARGV[1])
	local keep = tonumber(ARGV[2])
	while redis.call("llen", KEYS[2]) > keep do
		local old = redis.call("rpop", KEYS[2])
		redis.call("del", ARGV[3] .. old)
	end
	return ARGV[6]
`)

// retryScript moves an active entry to delayed. Same return as finishScript.
var retryScript = redis.NewScript(`
	local key = ARGV[2] .. ARGV[1]
	local cur = redis.call("hget", key, "state")
	if cur ~= ARGV[6] then
		return cur or ""
	end
	redis.call("lrem", KEYS[1], 1, ARGV[1])
	redis.call("hset", key, "reason", ARGV[3], "state", ARGV[5])
	redis.call("zadd", KEYS[2], ARGV[4], ARGV[1])
	return ARGV[5]
`)

// recoverScript moves every active entry back to the head of wait.
var recoverScript = redis.NewScript(`
	local n = 0
	while true do
		local id = redis.call("lmove", KEYS[1], KEYS[2], "RIGHT", "LEFT")
		if not id then
			break
		end
		redis.call("hset", ARGV[1] .. id, "state", ARGV[2])
		n = n + 1
	end
	return n
`)

// Options tunes a Queue.
type Options struct {
	KeepCompleted int64
	KeepFailed    int64
}

// Queue is a Redis-backed job queue. It is safe for concurrent use.
type Queue struct {
	rdb           *redis.Client
	name          string
	keepCompleted int64
	keepFailed    int64
	now           func() time.Time
}

// New returns a Queue stored under name.
func New(rdb *redis.Client, name string, opts Options) *Queue {
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = DefaultKeepCompleted
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = DefaultKeepFailed
	}
	return &Queue{
		rdb:           rdb,
		name:          name,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
		now:           time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(s State) string { return q.name + ":" + string(s) }

func (q *Queue) jobPrefix() string { return q.name + ":job:" }

func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }

// Delivery is one claimed entry. ID is stable across retries and
// redeliveries of the same entry.
type Delivery struct {
	ID      string
	Payload model.QueuedPayload
	Attempt int // 1 for the first attempt
}

// EnqueueBulk adds payloads in a single MULTI/EXEC transaction: either all
// entries are queued or none are. It returns the new entry ids.
func (q *Queue) EnqueueBulk(ctx context.Context, payloads []model.QueuedPayload) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	ids := make([]string, len(payloads))
	data := make([][]byte, len(payloads))
	for i, p := range payloads {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload %q: %w", p.GUID, err)
		}
		ids[i] = uuid.NewString()
		data[i] = b
	}

	enqueuedAt := q.now().UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]any, len(ids))
		for i, id := range ids {
			pipe.HSet(ctx, q.jobKey(id), "data", data[i], "attempts", 0, "enqueued_at", enqueuedAt, "state", string(StateWaiting))
			members[i] = id
		}
		pipe.RPush(ctx, q.key(StateWaiting), members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %d payloads on %s: %w", len(payloads), q.name, err)
	}
	return ids, nil
}

// Claim waits up to timeout (at least MinClaimTimeout) for an entry and
// moves it to active. It returns nil without error when nothing became ready
// in time. An entry whose payload cannot be decoded is moved to failed.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if timeout < MinClaimTimeout {
		timeout = MinClaimTimeout
	}
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	id, err := q.rdb.BLMove(ctx, q.key(StateWaiting), q.key(StateActive), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", q.name, err)
	}

	// From here on the id sits in active; every exit must leave it settled
	// or back on waiting.
	var (
		attempt *redis.IntCmd
		raw     *redis.StringCmd
	)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attempt = pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateActive))
		raw = pipe.HGet(ctx, q.jobKey(id), "data")
		return nil
	})
	if errors.Is(raw.Err(), redis.Nil) {
		// The entry hash is gone; drop the orphaned id.
		bg := context.WithoutCancel(ctx)
		_ = q.rdb.LRem(bg, q.key(StateActive), 1, id).Err()
		_ = q.rdb.Del(bg, q.jobKey(id)).Err()
		return nil, nil
	}
	if err != nil {
		if relErr := q.release(context.WithoutCancel(ctx), id); relErr != nil {
			return nil, errors.Join(fmt.Errorf("load entry %s: %w", id, err), relErr)
		}
		return nil, fmt.Errorf("load entry %s: %w", id, err)
	}

	var payload model.QueuedPayload
	if err := json.Unmarshal([]byte(raw.Val()), &payload); err != nil {
		decodeErr := fmt.Errorf("decode entry %s: %w", id, err)
		if failErr := q.finish(context.WithoutCancel(ctx), id, StateFailed, q.keepFailed, decodeErr.Error()); failErr != nil {
			return nil, errors.Join(decodeErr, failErr)
		}
		return nil, decodeErr
	}
	return &Delivery{ID: id, Payload: payload, Attempt: int(attempt.Val())}, nil
}

// release puts a claimed id back at the head of waiting.
func (q *Queue) release(ctx context.Context, id string) error {
	if err := checkMove(StateActive, StateWaiting); err != nil {
		return err
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(StateActive), 1, id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, q.key(StateWaiting), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s to %s: %w", id, StateWaiting, err)
	}
	return nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := q.now().UnixMilli()
	err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key(StateDelayed), q.key(StateWaiting)},
		now, q.jobPrefix(), string(StateWaiting),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed entries on %s: %w", q.name, err)
	}
	return nil
}

// Complete records d as finished.
func (q *Queue) Complete(ctx context.Context, d *Delivery) error {
	return q.finish(ctx, d.ID, StateCompleted, q.keepCompleted, "")
}

// Fail records d as permanently failed with reason.
func (q *Queue) Fail(ctx context.Context, d *Delivery, reason string) error {
	return q.finish(ctx, d.ID, StateFailed, q.keepFailed, reason)
}

func (q *Queue) finish(ctx context.Context, id string, to State, keep int64, reason string) error {
	if err := checkMove(StateActive, to); err != nil {
		return err
	}
	got, err := finishScript.Run(ctx, q.rdb,
		[]string{q.key(StateActive), q.key(to)},
		id, keep, q.jobPrefix(), reason, q.now().UnixMilli(), string(to), string(StateActive),
	).Text()
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", id, to, err)
	}
	return movedTo(id, got, to)
}

// movedTo turns a script result into an error unless the entry reached to.
func movedTo(id, got string, to State) error {
	if got == string(to) {
		return nil
	}
	if got == "" {
		return fmt.Errorf("move %s to %s: %w", id, to, ErrUnknownEntry)
	}
	from, err := ParseState(got)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", id, to, err)
	}
	if err := checkMove(from, to); err != nil {
		return fmt.Errorf("move %s: %w", id, err)
	}
	// Allowed in general but the entry was not held as active.
	return fmt.Errorf("move %s: %w: %s is not claimed", id, ErrIllegalMove, from)
}

// Retry schedules d to run again after delay.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	if err := checkMove(StateActive, StateDelayed); err != nil {
		return err
	}
	readyAt := q.now().Add(delay).UnixMilli()
	got, err := retryScript.Run(ctx, q.rdb,
		[]string{q.key(StateActive), q.key(StateDelayed)},
		d.ID, q.jobPrefix(), reason, readyAt, string(StateDelayed), string(StateActive),
	).Text()
	if err != nil {
		return fmt.Errorf("schedule retry of %s: %w", d.ID, err)
	}
	return movedTo(d.ID, got, StateDelayed)
}

// RecoverStalled puts entries left in active by a previous process back on
// wait. It must run before any worker of this queue starts claiming.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.key(StateActive), q.key(StateWaiting)},
		q.jobPrefix(), string(StateWaiting),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("recover stalled entries on %s: %w", q.name, err)
	}
	return n, nil
}

// Depth is a snapshot of the queue's lists.
type Depth struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	LatencyMs int64 `json:"redisLatency"`
}

// Depth returns the current counts and the Redis round-trip latency.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	start := time.Now()
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return Depth{}, fmt.Errorf("ping redis: %w", err)
	}
	latency := time.Since(start)

	var waiting, active, delayed, completed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key(StateWaiting))
		active = pipe.LLen(ctx, q.key(StateActive))
		delayed = pipe.ZCard(ctx, q.key(StateDelayed))
		completed = pipe.LLen(ctx, q.key(StateCompleted))
		failed = pipe.LLen(ctx, q.key(StateFailed))
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("read depth of %s: %w", q.name, err)
	}

	return Depth{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// Entry is the stored view of one queued item.
type Entry struct {
	ID         string
	State      State
	Attempts   int
	Reason     string
	EnqueuedAt time.Time
	FinishedAt time.Time
}

// ErrUnknownEntry is returned by Inspect for an id with no stored hash.
var ErrUnknownEntry = errors.New("unknown queue entry")

// Inspect reads the stored state of one entry. Terminal entries can be
// inspected until trimmed from their history list.
func (q *Queue) Inspect(ctx context.Context, id string) (Entry, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	st, err := ParseState(fields["state"])
	if err != nil {
		return Entry{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	e := Entry{ID: id, State: st, Reason: fields["reason"]}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		e.Attempts = n
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		e.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["finished_at"], 10, 64); err == nil {
		e.FinishedAt = time.UnixMilli(ms).UTC()
	}
	return e, nil
}

// ByState returns the counts keyed by state.
func (d Depth) ByState() map[State]int64 {
	return map[State]int64{
		StateWaiting:   d.Waiting,
		StateActive:    d.Active,
		StateDelayed:   d.Delayed,
		StateCompleted: d.Completed,
		StateFailed:    d.Failed,
	}
}

// Pending counts entries that have not reached a terminal state.
func (d Depth) Pending() int64 {
	var n int64
	for s, c := range d.ByState() {
		if !s.Terminal() {
			n += c
		}
	}
	return n
}

// Backoff returns the delay before retrying after the given failed attempt:
// base * 2^(attempt-1), capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Package worker drains the job queue with a bounded pool of goroutines.
// Each unit of work returns a model.Outcome; the pool decides between retry
// and a terminal result and records terminal results on the import log.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/metrics"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/queue"
)

// Source hands out queue deliveries and settles them.
type Source interface {
	Claim(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, reason string) error
	Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, reason string) error
}

// Handler processes one payload.
type Handler interface {
	Handle(ctx context.Context, p model.QueuedPayload) model.Outcome
}

// Recorder counts a terminal outcome on the payload's import log. It returns
// false when deliveryID was already counted.
type Recorder interface {
	RecordOutcome(ctx context.Context, logID, deliveryID string, o model.Outcome) (bool, error)
}

// Config tunes a Pool.
type Config struct {
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	ClaimTimeout time.Duration // how long one claim blocks on an empty queue; at least queue.MinClaimTimeout
	ErrorDelay   time.Duration // pause after a queue error
}

// Pool runs Concurrency workers against a Source.
type Pool struct {
	src      Source
	handler  Handler
	recorder Recorder
	log      logger.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

// NewPool returns a Pool. m may be nil.
func NewPool(src Source, h Handler, r Recorder, log logger.Logger, m *metrics.Metrics, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	cfg.ClaimTimeout = max(cfg.ClaimTimeout, queue.MinClaimTimeout)
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Second
	}
	return &Pool{src: src, handler: h, recorder: r, log: log, metrics: m, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished the payload it holds.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("Starting worker pool",
		logger.Int("concurrency", p.cfg.Concurrency),
		logger.Int("max_attempts", p.cfg.MaxAttempts),
	)

	var wg sync.WaitGroup
	for i := range p.cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.log.Info("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.log.With(logger.Int("worker_id", id))
	for ctx.Err() == nil {
		d, err := p.src.Claim(ctx, p.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Claim failed", logger.Error(err))
			p.sleep(ctx, p.cfg.ErrorDelay)
			continue
		}
		if d == nil {
			continue
		}

		// A claimed payload is always carried to a settled state, even
		// when shutdown starts while it is being processed.
		p.process(context.WithoutCancel(ctx), log, d)
	}
}

func (p *Pool) process(ctx context.Context, log logger.Logger, d *queue.Delivery) {
	p.metrics.Busy(1)
	defer p.metrics.Busy(-1)

	log = log.With(
		logger.String("delivery_id", d.ID),
		logger.String("guid", d.Payload.GUID),
		logger.Int("attempt", d.Attempt),
	)

	o := p.handler.Handle(ctx, d.Payload)

	if o.IsFailure() && d.Attempt < p.cfg.MaxAttempts {
		delay := queue.Backoff(p.cfg.BackoffBase, d.Attempt)
		log.Warn("Payload failed, retrying",
			logger.String("reason", o.Reason),
			logger.Duration("backoff", delay),
		)
		p.retry(ctx, log, d, delay, o.Reason)
		return
	}

	recorded, err := p.recorder.RecordOutcome(ctx, d.Payload.ImportLogID, d.ID, o)
	if err != nil {
		if d.Attempt >= p.cfg.MaxAttempts {
			reason := fmt.Errorf("%w after %d attempts: record outcome: %v", queue.ErrRetriesExhausted, d.Attempt, err).Error()
			log.Error("Recording outcome failed on last attempt, failing delivery", logger.Error(err))
			if err := p.src.Fail(ctx, d, reason); err != nil {
				log.Error("Marking delivery failed", logger.Error(err))
			}
			return
		}
		log.Error("Recording outcome failed, retrying delivery", logger.Error(err))
		p.retry(ctx, log, d, queue.Backoff(p.cfg.BackoffBase, d.Attempt), err.Error())
		return
	}
	if recorded {
		p.metrics.Outcome(string(o.Kind))
	} else {
		p.metrics.Duplicate()
		log.Debug("Outcome already recorded for delivery")
	}

	if o.IsFailure() {
		reason := fmt.Errorf("%w after %d attempts: %s", queue.ErrRetriesExhausted, d.Attempt, o.Reason).Error()
		log.Warn("Payload failed permanently", logger.String("reason", o.Reason))
		if err := p.src.Fail(ctx, d, reason); err != nil {
			log.Error("Marking delivery failed", logger.Error(err))
		}
		return
	}

	if err := p.src.Complete(ctx, d); err != nil {
		log.Error("Marking delivery completed", logger.Error(err))
	}
}

func (p *Pool) retry(ctx context.Context, log logger.Logger, d *queue.Delivery, delay time.Duration, reason string) {
	p.metrics.Retried()
	if err := p.src.Retry(ctx, d, delay, reason); err != nil {
		// The entry stays in active and is recovered on the next start.
		log.Error("Scheduling retry failed", logger.Error(err))
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package scraper

import (
	"context"
	"errors"

	"jobmate/ingestion-service/internal/model"
)

// Upserter writes a job record keyed by guid and reports whether it was new.
type Upserter interface {
	Upsert(ctx context.Context, job model.NormalizedJob) (bool, error)
}

// Processor is the unit of work run by the worker pool for each payload.
type Processor struct {
	jobs Upserter
}

// NewProcessor constructs a Processor.
func NewProcessor(jobs Upserter) *Processor {
	return &Processor{jobs: jobs}
}

// Handle upserts the payload's job and reports the outcome. It never
// touches the import log; the pool records terminal outcomes.
func (p *Processor) Handle(ctx context.Context, payload model.QueuedPayload) model.Outcome {
	if payload.GUID == "" {
		return model.Failed(payload.URL, errors.New("payload has no guid"))
	}

	isNew, err := p.jobs.Upsert(ctx, payload.NormalizedJob)
	if err != nil {
		return model.Failed(payload.GUID, err)
	}
	return model.Completed(isNew)
}

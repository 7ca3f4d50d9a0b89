// Package scheduler wires up the cron job that periodically triggers a fetch
// cycle over all configured feeds.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"jobmate/ingestion-service/internal/ingestion"
	"jobmate/ingestion-service/internal/logger"
)

// Trigger starts a fetch cycle without waiting for it.
type Trigger interface {
	TriggerFetchAll() ingestion.TriggerResult
}

// Scheduler wraps robfig/cron and owns the fetch trigger entry.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	spec    string // cron spec, e.g. "0 * * * *"
	log     logger.Logger
}

// New creates a Scheduler firing on spec. The spec is validated here so a
// bad CRON_SCHEDULE fails at startup.
func New(trigger Trigger, spec string, log logger.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{log}))),
		trigger: trigger,
		spec:    spec,
		log:     log,
	}, nil
}

// Start registers the job and starts the scheduler. When runNow is set one
// cycle is triggered immediately so the store is populated without waiting
// for the first tick.
func (s *Scheduler) Start(runNow bool) error {
	if _, err := s.cron.AddFunc(s.spec, s.fire); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.log.Info("Cron started", logger.String("spec", s.spec))

	if runNow {
		s.fire()
	}
	return nil
}

// Stop halts the scheduler. A cycle already triggered keeps running; the
// ingestion service owns its lifetime.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron stopped")
}

func (s *Scheduler) fire() {
	res := s.trigger.TriggerFetchAll()
	s.log.Info("Scheduled fetch triggered",
		logger.Bool("accepted", res.Accepted),
		logger.Bool("already_running", res.AlreadyRunning),
		logger.Int("feeds", res.Feeds),
	)
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logger.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logger.Error(err), logger.Any("details", keysAndValues))
}

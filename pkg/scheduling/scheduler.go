// Package scheduling triggers pipeline ticks on a fixed interval.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Tick is the unit of work run on every trigger.
type Tick func(ctx context.Context)

// Scheduler runs a Tick every interval without ever running two at once.
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	interval time.Duration
	log      zerolog.Logger

	firstDone chan struct{}
}

// New builds a scheduler. Ticks run on a context detached from ctx's
// cancellation so that shutdown lets an in-flight tick finish.
func New(ctx context.Context, interval time.Duration, tick Tick, log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduling: interval must be positive, got %s", interval)
	}
	cl := cronLogger{log: log}
	tickCtx := context.WithoutCancel(ctx)

	// The same wrapped job backs both the immediate first run and the
	// scheduled ones, so they share one skip-if-running guard.
	job := cron.NewChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	).Then(cron.FuncJob(func() { tick(tickCtx) }))

	c := cron.New(cron.WithLogger(cl))
	c.Schedule(cron.Every(interval), job)

	return &Scheduler{cron: c, job: job, interval: interval, log: log}, nil
}

// Start runs the first tick immediately and then every interval.
func (s *Scheduler) Start() {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	s.firstDone = make(chan struct{})
	go func() {
		defer close(s.firstDone)
		s.job.Run()
	}()
	s.cron.Start()
}

// Stop prevents further ticks. The returned context is done once any
// running tick has finished.
func (s *Scheduler) Stop() context.Context {
	s.log.Info().Msg("scheduler stopping")
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		<-cronDone.Done()
		if s.firstDone != nil {
			<-s.firstDone
		}
	}()
	return ctx
}

// cronLogger bridges cron's logger to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

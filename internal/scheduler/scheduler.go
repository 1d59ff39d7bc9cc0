// Package scheduler runs periodic collection cycles. A cycle that is still
// in flight when the next tick fires causes the new tick to be skipped, so
// at most one collection run is active at any time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fundingflow/logger"
)

// Job is one scheduled unit of work, typically a collection update run.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner around a single job.
type Scheduler struct {
	cron     *cron.Cron
	interval time.Duration
	schedule cron.Schedule
	job      Job
	log      *logger.Log
}

// New builds a scheduler that fires job every interval.
func New(interval time.Duration, job Job) *Scheduler {
	return &Scheduler{
		interval: interval,
		job:      job,
		log:      logger.GetLogger(),
	}
}

// Run installs the job and blocks until ctx is cancelled. The job runs once
// immediately before the periodic schedule takes over.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"interval": s.interval.String(),
	})

	runOnce := func() {
		start := time.Now()
		if err := s.job(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("scheduled run failed")
			return
		}
		log.WithFields(logger.Fields{
			"duration": time.Since(start).String(),
		}).Info("scheduled run completed")
	}

	// The skip chain holds a mutex per wrapped job, so routing the initial
	// kick through the same wrapped job keeps at most one run in flight.
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).
		Then(cron.FuncJob(runOnce))

	// cron.Every clamps sub-second delays to one second
	sched := s.schedule
	if sched == nil {
		sched = cron.Every(s.interval)
	}
	s.cron = cron.New()
	s.cron.Schedule(sched, wrapped)

	log.Info("scheduler started")
	var kick sync.WaitGroup
	kick.Add(1)
	go func() {
		defer kick.Done()
		wrapped.Run()
	}()
	s.cron.Start()

	<-ctx.Done()
	log.Info("scheduler stopping")

	// Let in-flight runs finish before returning, the initial kick included.
	<-s.cron.Stop().Done()
	kick.Wait()
	return ctx.Err()
}

// cronLogger adapts the structured logger to cron's Logger interface. The
// skip-if-running chain reports skipped ticks through Info.
type cronLogger struct {
	log *logger.Log
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.WithComponent("scheduler").WithFields(kvFields(keysAndValues)).Info(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.WithComponent("scheduler").WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) logger.Fields {
	fields := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}

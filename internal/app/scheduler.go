/**
 * @description
 * Cron scheduler for the background reconciliation sweep. The sweep is the
 * durable backstop for tips whose settlement outcome was never reported:
 * it runs on a fixed schedule and resolves stale pending tips from chain
 * history.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepRunTimeout = 2 * time.Minute

// Scheduler manages the recurring reconciliation sweep.
type Scheduler struct {
	cron       *cron.Cron
	service    *Service
	schedule   string
	batchLimit int
}

// NewScheduler creates a scheduler that runs the reconciliation sweep on the
// given cron schedule with the given per-run batch limit.
func NewScheduler(service *Service, schedule string, batchLimit int) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		service:    service,
		schedule:   schedule,
		batchLimit: batchLimit,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconciliation sweep\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled reconciliation sweep\" schedule=%q batch_limit=%d", s.schedule, s.batchLimit)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler and returns a context that is done
// once running jobs complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunTimeout)
	defer cancel()

	if _, err := s.service.ReconcileAbandonedTips(ctx, s.batchLimit); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconciliation sweep failed\" err=%v", err)
	}
}

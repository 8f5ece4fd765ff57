package certificate

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler periodically reconciles unsettled submissions with the ledger.
type Scheduler struct {
	ctx       context.Context
	service   *Service
	scheduler gocron.Scheduler
}

// NewScheduler creates a new scheduler. The job stops when ctx is done.
func NewScheduler(ctx context.Context, service *Service, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		ctx:       ctx,
		service:   service,
		scheduler: s,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(scheduler.reconcile),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

// Start begins the reconciliation loop and stops it when the context ends.
func (s *Scheduler) Start() {
	slog.Info("starting submission reconciler")
	s.scheduler.Start()
	<-s.ctx.Done()
	s.Stop()
}

// Stop halts the reconciliation loop.
func (s *Scheduler) Stop() {
	slog.Info("stopping submission reconciler")
	if err := s.scheduler.Shutdown(); err != nil {
		slog.Error("error shutting down scheduler", "err", err)
	}
}

// reconcile is the task that runs periodically.
func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	s.service.Reconcile(ctx)
}

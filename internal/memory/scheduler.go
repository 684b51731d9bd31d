package memory

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// thoughtUserWindow bounds how far back the nightly run looks for
// users with episode activity.
const thoughtUserWindow = 30 * 24 * time.Hour

// sweepBatch bounds one sweeper pass.
const sweepBatch = 100

// Scheduler drives the engine's periodic work: the nightly thought run
// and the pending-vector sweep.
type Scheduler struct {
	service *Service
	cron    *cron.Cron
	logger  *zap.Logger
}

// NewScheduler builds the cron schedule from configuration.
func NewScheduler(service *Service, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		service: service,
		cron:    cron.New(),
		logger:  logger.Named("scheduler"),
	}

	cfg := service.cfg
	if _, err := s.cron.AddFunc(cfg.Thoughts.CronSpec, s.nightlyThoughts); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.Queue.SweepCronSpec, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("thoughts", s.service.cfg.Thoughts.CronSpec),
		zap.String("sweep", s.service.cfg.Queue.SweepCronSpec))
}

// Stop halts the schedule and waits for running entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// nightlyThoughts enqueues one thought-generation job per user with
// recent episode activity.
func (s *Scheduler) nightlyThoughts() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	users, err := s.service.store.ListEpisodeUsers(ctx, time.Now().Add(-thoughtUserWindow))
	if err != nil {
		s.logger.Error("failed to list users for thought run", zap.Error(err))
		return
	}
	for _, userID := range users {
		if err := s.service.GenerateThoughtsForUser(ctx, userID); err != nil {
			s.logger.Error("failed to schedule thoughts",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.logger.Info("nightly thought run scheduled", zap.Int("users", len(users)))
}

// sweep retries chunks parked by an earlier vector-store outage.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.service.pipeline.SweepPendingVectors(ctx, sweepBatch); err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
	}
}

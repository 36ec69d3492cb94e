// Package scheduler runs the periodic maintenance jobs: watchlist cache
// refresh and the take-profit/stop-loss polling fallback.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

type Jobs struct {
	sched  gocron.Scheduler
	logger *zap.Logger
}

func New(logger *zap.Logger) (*Jobs, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Jobs{sched: sched, logger: logger}, nil
}

// AddInterval registers task to run every interval. Each run gets its
// own timeout context so a hung run cannot wedge the scheduler.
func (j *Jobs) AddInterval(name string, every time.Duration, task func(ctx context.Context) error) error {
	_, err := j.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			defer cancel()
			if err := task(ctx); err != nil {
				j.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		}),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	return nil
}

func (j *Jobs) Start() {
	j.sched.Start()
	j.logger.Info("scheduler started", zap.Int("jobs", len(j.sched.Jobs())))
}

func (j *Jobs) Stop() {
	if err := j.sched.Shutdown(); err != nil {
		j.logger.Warn("scheduler shutdown", zap.Error(err))
	}
}

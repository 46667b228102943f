package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Janitor periodically drops turns older than the retention window.
type Janitor struct {
	scheduler gocron.Scheduler
	purger    Purger
	retention time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	onPurge   func(int64)
}

type JanitorOption func(*Janitor)

// OnPurge registers a callback receiving the number of turns each run removed.
func OnPurge(fn func(int64)) JanitorOption {
	return func(j *Janitor) {
		j.onPurge = fn
	}
}

func NewJanitor(purger Purger, retention, interval time.Duration, logger zerolog.Logger, opts ...JanitorOption) (*Janitor, error) {
	if purger == nil {
		return nil, errors.New("purger is required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be > 0")
	}
	if interval <= 0 {
		return nil, errors.New("janitor interval must be > 0")
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	j := &Janitor{
		scheduler: scheduler,
		purger:    purger,
		retention: retention,
		timeout:   interval / 2,
		logger:    logger.With().Str("component", "memory.janitor").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn().Err(err).Msg("retention purge failed")
			}
		}),
		gocron.WithName("memory.retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule retention job: %w", err)
	}
	return j, nil
}

func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	purged, err := j.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		if j.onPurge != nil {
			j.onPurge(purged)
		}
		j.logger.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("expired turns purged")
	}
	return purged, nil
}

func (j *Janitor) Start() {
	j.scheduler.Start()
}

func (j *Janitor) Stop() error {
	return j.scheduler.Shutdown()
}

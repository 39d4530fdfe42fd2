// Package sweep periodically revokes expired refresh sessions.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"warden/cmd/internal/metrics"
)

// Cleaner revokes expired sessions. *session.Service implements it.
type Cleaner interface {
	CleanupSystem(ctx context.Context) (int64, error)
}

// Config controls the schedule.
type Config struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule string        `mapstructure:"schedule" yaml:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultConfig sweeps hourly.
func DefaultConfig() Config {
	return Config{Enabled: true, Schedule: "@every 1h", Timeout: time.Minute}
}

// Validate parses the schedule.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(strings.TrimSpace(c.Schedule)); err != nil {
		return fmt.Errorf("sweep: invalid schedule %q: %w", c.Schedule, err)
	}
	if c.Timeout <= 0 {
		return errors.New("sweep: timeout must be positive")
	}
	return nil
}

// Scheduler runs Cleaner on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cfg     Config
	cleaner Cleaner
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds a Scheduler.
func New(cfg Config, cleaner Cleaner, log *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cleaner == nil {
		return nil, errors.New("sweep: nil cleaner")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, cleaner: cleaner, log: log, metrics: m, now: time.Now}, nil
}

// RunOnce performs a single sweep bounded by the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := s.now()
	n, err := s.cleaner.CleanupSystem(ctx)
	s.metrics.Sweep(n, err, start)
	if err != nil {
		s.log.ErrorContext(ctx, "sweep.run.fail", "err", err)
		return 0, err
	}
	s.log.InfoContext(ctx, "sweep.run.ok", "revoked_marked", n, "duration", s.now().Sub(start))
	return n, nil
}

// Run schedules sweeps until ctx is cancelled, then waits for an in-flight run.
// A disabled scheduler just blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() {
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("sweep: schedule: %w", err)
	}

	c.Start()
	s.log.Info("sweep.started", "schedule", s.cfg.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("sweep.stopped")
	return nil
}

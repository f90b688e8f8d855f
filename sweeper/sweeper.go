// Package sweeper expires overdue pending approvals. The engine only
// stamps expires_at on approval rows and never polls for expiry; this
// package is the external sweeper that does, as a periodic River job on
// the store's PostgreSQL pool.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/orkappm/approvals/workflow"
)

// Default configuration values.
const (
	// DefaultInterval is the default period between sweeps.
	DefaultInterval = time.Minute

	// DefaultWorkers is the default number of worker goroutines.
	DefaultWorkers = 1
)

// Common errors returned by the Sweeper.
var (
	// ErrNotStarted indicates Stop was called before Start.
	ErrNotStarted = errors.New("sweeper not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("sweeper already started")
)

// Config configures the Sweeper.
type Config struct {
	// Pool is the PostgreSQL connection pool River runs on.
	// Required.
	Pool *pgxpool.Pool

	// Store is the approval store to sweep.
	// Required.
	Store workflow.Store

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger workflow.Logger

	// Interval is the period between sweeps.
	// If zero, defaults to DefaultInterval.
	Interval time.Duration

	// Workers is the number of worker goroutines.
	// If zero, defaults to DefaultWorkers.
	Workers int
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("sweeper: Pool is required")
	}
	if c.Store == nil {
		return errors.New("sweeper: Store is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	out := *c
	if out.Logger == nil {
		out.Logger = workflow.NopLogger{}
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	return out
}

// Sweeper periodically expires overdue pending approvals.
type Sweeper struct {
	config Config
	client *river.Client[pgx.Tx]

	mu      sync.Mutex
	started bool
}

// New creates a Sweeper from the given configuration.
func New(config Config) (*Sweeper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	workers := river.NewWorkers()
	river.AddWorker(workers, &expireWorker{store: cfg.Store, logger: cfg.Logger})

	client, err := river.NewClient(riverpgxv5.New(cfg.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.Interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return ExpireSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &Sweeper{config: cfg, client: client}, nil
}

// Start begins periodic sweeping. Returns ErrAlreadyStarted if called
// twice.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	s.started = true
	return nil
}

// Stop shuts the sweeper down gracefully, letting an in-flight sweep
// finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	if err := s.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	s.started = false
	return nil
}

// expireWorker runs one sweep per job.
type expireWorker struct {
	river.WorkerDefaults[ExpireSweepArgs]

	store  workflow.Store
	logger workflow.Logger
}

// Work implements river.Worker.
func (w *expireWorker) Work(ctx context.Context, job *river.Job[ExpireSweepArgs]) error {
	expired, err := Sweep(ctx, w.store, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		w.logger.Info("expired overdue approvals", "count", expired)
	}
	return nil
}

// Sweep expires every pending approval whose expires_at is at or before
// now, and returns the number of rows expired. Each expiry is a
// conditional pending-only update, so an approval decided between the
// listing and the update is left alone rather than clobbered.
func Sweep(ctx context.Context, store workflow.Store, now time.Time) (int, error) {
	overdue, err := store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	expired := 0
	status := workflow.ApprovalExpired
	for _, a := range overdue {
		decidedAt := now
		_, err := store.UpdateApproval(ctx, a.ID, workflow.ApprovalUpdate{
			Status:    &status,
			DecidedAt: &decidedAt,
		})
		if err != nil {
			if errors.Is(err, workflow.ErrStale) {
				// Decided while we were sweeping.
				continue
			}
			return expired, fmt.Errorf("expire approval %s: %w", a.ID, err)
		}
		expired++
	}
	return expired, nil
}

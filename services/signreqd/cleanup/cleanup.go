package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orgsign/observability"
	"orgsign/services/signreqd/models"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 5 * time.Minute

// Store deletes cache rows no longer referenced by active transactions.
type Store interface {
	DeleteUnreferenced(ctx context.Context, active []models.TransactionStatus) (accounts, nodes int64, err error)
}

// Config captures the dependencies required to construct a Scheduler.
type Config struct {
	Store    Store
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *observability.SignreqdMetrics
}

// Result reports what one sweep removed.
type Result struct {
	Accounts int64
	Nodes    int64
	Elapsed  time.Duration
}

// Scheduler bounds cache growth by periodically sweeping unreferenced rows.
type Scheduler struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.SignreqdMetrics
}

// NewScheduler constructs a cleanup scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cleanup: store required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		interval: interval,
		logger:   logger.With("component", "cleanup"),
		metrics:  cfg.Metrics,
	}, nil
}

// Sweep removes every cached account and node that is not linked to a
// transaction awaiting signatures or execution.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	accounts, nodes, err := s.store.DeleteUnreferenced(ctx, models.ActiveStatuses)
	if err != nil {
		s.logger.Error("cache cleanup failed", "error", err)
		return Result{}, fmt.Errorf("cleanup: sweep: %w", err)
	}
	result := Result{Accounts: accounts, Nodes: nodes, Elapsed: time.Since(start)}
	s.metrics.RecordCleanup(accounts, nodes)
	s.logger.Info("cache cleanup complete",
		"accounts_removed", accounts,
		"nodes_removed", nodes,
		"elapsed", result.Elapsed.String())
	return result, nil
}

// Run sweeps every interval until ctx is cancelled. The first sweep happens
// one interval after start.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Sweep logs its own failures; the next tick retries.
			_, _ = s.Sweep(ctx)
		}
	}
}

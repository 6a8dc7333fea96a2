package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orgsign/observability"
	"orgsign/services/signreqd/breaker"
	"orgsign/services/signreqd/cache"
	"orgsign/services/signreqd/models"
	"orgsign/services/signreqd/notify"
)

// ErrNotConfigured is returned when a nil scheduler is run.
var ErrNotConfigured = errors.New("refresh: scheduler not configured")

const (
	DefaultInterval       = 30 * time.Second
	DefaultStaleThreshold = 10 * time.Second
	DefaultReclaimTimeout = 60 * time.Second
	DefaultBatchSize      = 100
)

// Store is the slice of the snapshot cache the scheduler needs.
type Store interface {
	StaleAccounts(ctx context.Context, policy cache.StalenessPolicy, limit int) ([]models.CachedAccount, error)
	StaleNodes(ctx context.Context, policy cache.StalenessPolicy, limit int) ([]models.CachedNode, error)
	ClaimAccount(ctx context.Context, row *models.CachedAccount, token string, policy cache.StalenessPolicy) (bool, error)
	ClaimNode(ctx context.Context, row *models.CachedNode, token string, policy cache.StalenessPolicy) (bool, error)
	ReleaseAccountClaim(ctx context.Context, id uint64, token string) error
	ReleaseNodeClaim(ctx context.Context, id uint64, token string) error
	TransactionIDsForAccounts(ctx context.Context, rowIDs []uint64) ([]uint64, error)
	TransactionIDsForNodes(ctx context.Context, rowIDs []uint64) ([]uint64, error)
}

// Breaker gates upstream calls per network.
type Breaker interface {
	IsAvailable(network string) bool
	RecordSuccess(network string)
	RecordFailure(network string) bool
}

// Config captures the dependencies required to construct a Scheduler.
type Config struct {
	Store          Store
	Refresher      EntityRefresher
	Breaker        Breaker
	Publisher      notify.Publisher
	Interval       time.Duration
	StaleThreshold time.Duration
	ReclaimTimeout time.Duration
	BatchSize      int
	Logger         *slog.Logger
	Metrics        *observability.SignreqdMetrics
	// Tokens generates claim tokens. Defaults to random UUIDs.
	Tokens func() string
}

// Result summarises one refresh cycle.
type Result struct {
	// Skipped is set when another cycle was still running.
	Skipped          bool
	Attempted        int
	Refreshed        int
	Failed           int
	SkippedByBreaker map[string]int
	// ChangedTransactions lists, in ascending order, every transaction linked
	// to an entity whose refresh changed its state.
	ChangedTransactions []uint64
	Elapsed             time.Duration
}

// Scheduler keeps cached ledger entities fresh on a fixed period.
type Scheduler struct {
	store     Store
	refresher EntityRefresher
	breaker   Breaker
	publisher notify.Publisher
	interval  time.Duration
	policy    cache.StalenessPolicy
	batchSize int
	logger    *slog.Logger
	metrics   *observability.SignreqdMetrics
	tokens    func() string
	tracer    trace.Tracer
	running   atomic.Bool
}

// NewScheduler constructs a scheduler with defaults applied.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("refresh: store required")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("refresh: entity refresher required")
	}
	policy := cache.StalenessPolicy{
		StaleAfter:   positiveDuration(cfg.StaleThreshold, DefaultStaleThreshold),
		ReclaimAfter: positiveDuration(cfg.ReclaimTimeout, DefaultReclaimTimeout),
	}
	s := &Scheduler{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		breaker:   cfg.Breaker,
		publisher: cfg.Publisher,
		interval:  positiveDuration(cfg.Interval, DefaultInterval),
		policy:    policy,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tokens:    cfg.Tokens,
		tracer:    otel.Tracer("orgsign/services/signreqd/refresh"),
	}
	if s.breaker == nil {
		s.breaker = breaker.New(breaker.Config{})
	}
	if s.publisher == nil {
		s.publisher = notify.PublisherFunc(nil)
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tokens == nil {
		s.tokens = uuid.NewString
	}
	s.logger = s.logger.With("component", "refresh")
	return s, nil
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks, refreshing stale entities every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return ErrNotConfigured
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("refresh scheduler started", "interval", s.interval.String(), "batch_size", s.batchSize)
	for {
		// Tick logs its own failures.
		if _, err := s.Tick(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type workItem struct {
	kind    string
	rowID   uint64
	claim   func(ctx context.Context, token string) (bool, error)
	refresh func(ctx context.Context) (bool, error)
	release func(ctx context.Context, token string) error
}

type changedRows struct {
	accounts []uint64
	nodes    []uint64
}

func (c *changedRows) add(kind string, id uint64) {
	if kind == kindNode {
		c.nodes = append(c.nodes, id)
		return
	}
	c.accounts = append(c.accounts, id)
}

const (
	kindAccount = "account"
	kindNode    = "node"
)

// Tick runs one refresh cycle. If a cycle is already running it returns a
// skipped result immediately and does no work.
func (s *Scheduler) Tick(ctx context.Context) (*Result, error) {
	if s == nil {
		return nil, ErrNotConfigured
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("refresh cycle still running, skipping")
		return &Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "signreqd.refresh.cycle")
	defer span.End()

	result, err := s.cycle(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("refresh cycle failed", "error", err)
		return nil, err
	}
	result.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("refresh.attempted", result.Attempted),
		attribute.Int("refresh.failed", result.Failed),
		attribute.Int("refresh.changed_transactions", len(result.ChangedTransactions)),
	)
	s.metrics.ObserveCycle(result.Elapsed)
	if result.Attempted > 0 || len(result.SkippedByBreaker) > 0 {
		s.logger.Info("refresh cycle complete",
			"attempted", result.Attempted,
			"refreshed", result.Refreshed,
			"failed", result.Failed,
			"changed_transactions", len(result.ChangedTransactions),
			"elapsed", result.Elapsed.String())
	}
	return result, nil
}

func (s *Scheduler) cycle(ctx context.Context) (*Result, error) {
	accounts, err := s.store.StaleAccounts(ctx, s.policy, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("refresh: select stale accounts: %w", err)
	}
	nodes, err := s.store.StaleNodes(ctx, s.policy, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("refresh: select stale nodes: %w", err)
	}

	groups := s.group(accounts, nodes)
	networks := make([]string, 0, len(groups))
	for network := range groups {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	result := &Result{SkippedByBreaker: make(map[string]int)}
	var changed changedRows
	for _, network := range networks {
		items := groups[network]
		if !s.breaker.IsAvailable(network) {
			result.SkippedByBreaker[network] = len(items)
			s.metrics.RecordSkipped(network, len(items))
			s.logger.Warn("skipped stale entries, circuit open", "network", network, "count", len(items))
			continue
		}
		s.refreshNetwork(ctx, network, items, result, &changed)
	}

	ids, err := s.changedTransactions(ctx, changed)
	if err != nil {
		return nil, err
	}
	result.ChangedTransactions = ids
	if len(ids) > 0 {
		events := make([]notify.Event, 0, len(ids))
		for _, id := range ids {
			events = append(events, notify.Event{EntityID: id})
		}
		if err := s.publisher.Publish(ctx, notify.SubjectTransactionChanged, events); err != nil {
			s.logger.Warn("publish transaction changes", "count", len(events), "error", err)
		} else {
			s.metrics.RecordNotified(len(events))
		}
	}
	return result, nil
}

func (s *Scheduler) group(accounts []models.CachedAccount, nodes []models.CachedNode) map[string][]workItem {
	groups := make(map[string][]workItem)
	for i := range accounts {
		row := &accounts[i]
		groups[row.Network] = append(groups[row.Network], workItem{
			kind:  kindAccount,
			rowID: row.ID,
			claim: func(ctx context.Context, token string) (bool, error) {
				return s.store.ClaimAccount(ctx, row, token, s.policy)
			},
			refresh: func(ctx context.Context) (bool, error) {
				return s.refresher.RefreshAccount(ctx, row)
			},
			release: func(ctx context.Context, token string) error {
				return s.store.ReleaseAccountClaim(ctx, row.ID, token)
			},
		})
	}
	for i := range nodes {
		row := &nodes[i]
		groups[row.Network] = append(groups[row.Network], workItem{
			kind:  kindNode,
			rowID: row.ID,
			claim: func(ctx context.Context, token string) (bool, error) {
				return s.store.ClaimNode(ctx, row, token, s.policy)
			},
			refresh: func(ctx context.Context) (bool, error) {
				return s.refresher.RefreshNode(ctx, row)
			},
			release: func(ctx context.Context, token string) error {
				return s.store.ReleaseNodeClaim(ctx, row.ID, token)
			},
		})
	}
	return groups
}

// refreshNetwork processes one network's entities sequentially. Failures are
// collected and logged as a single warning for the network.
func (s *Scheduler) refreshNetwork(ctx context.Context, network string, items []workItem, result *Result, changed *changedRows) {
	var (
		messages  []string
		failed    int
		abandoned int
		opened    bool
	)
	seen := make(map[string]struct{})
	note := func(err error) {
		msg := err.Error()
		if _, ok := seen[msg]; ok {
			return
		}
		seen[msg] = struct{}{}
		messages = append(messages, msg)
	}

	for i, item := range items {
		if ctx.Err() != nil {
			abandoned = len(items) - i
			note(ctx.Err())
			break
		}
		token := s.tokens()
		claimed, err := item.claim(ctx, token)
		if err != nil {
			failed++
			note(err)
			continue
		}
		if !claimed {
			continue
		}
		result.Attempted++
		didChange, err := item.refresh(ctx)
		if err != nil {
			failed++
			s.metrics.RecordRefresh(network, item.kind, "failed")
			note(err)
			if rerr := item.release(ctx, token); rerr != nil {
				note(rerr)
			}
			if !s.breaker.RecordFailure(network) {
				opened = true
				abandoned = len(items) - i - 1
				break
			}
			continue
		}
		s.breaker.RecordSuccess(network)
		result.Refreshed++
		if didChange {
			s.metrics.RecordRefresh(network, item.kind, "changed")
			changed.add(item.kind, item.rowID)
		} else {
			s.metrics.RecordRefresh(network, item.kind, "unchanged")
		}
	}

	result.Failed += failed
	if len(messages) == 0 {
		return
	}
	attrs := []any{"network", network, "failed", failed, "errors", strings.Join(messages, "; ")}
	if opened {
		attrs = append(attrs, "circuit_opened", true)
	}
	if abandoned > 0 {
		attrs = append(attrs, "abandoned", abandoned)
	}
	s.logger.Warn("refresh failures", attrs...)
}

func (s *Scheduler) changedTransactions(ctx context.Context, changed changedRows) ([]uint64, error) {
	fromAccounts, err := s.store.TransactionIDsForAccounts(ctx, changed.accounts)
	if err != nil {
		return nil, fmt.Errorf("refresh: load account transactions: %w", err)
	}
	fromNodes, err := s.store.TransactionIDsForNodes(ctx, changed.nodes)
	if err != nil {
		return nil, fmt.Errorf("refresh: load node transactions: %w", err)
	}
	set := make(map[uint64]struct{}, len(fromAccounts)+len(fromNodes))
	for _, id := range append(fromAccounts, fromNodes...) {
		set[id] = struct{}{}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"orgsign/observability"
	"orgsign/services/signreqd/cache"
	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/models"
	"orgsign/services/signreqd/requirements"
)

var (
	// ErrMissingEntry reports a referenced entity with no refreshed cache row.
	ErrMissingEntry = errors.New("resolver: cache entry missing")
	// ErrStaleEntry reports a referenced entity whose cache row is too old.
	ErrStaleEntry = errors.New("resolver: cache entry stale")
)

const missRefreshTimeout = 15 * time.Second

// Reader is the read side of the snapshot cache.
type Reader interface {
	GetAccount(ctx context.Context, network string, id ledger.AccountID) (*models.CachedAccount, error)
	GetNode(ctx context.Context, network string, nodeID int64) (*models.CachedNode, error)
}

// Ensurer lazily creates cache rows so a miss can be refreshed.
type Ensurer interface {
	EnsureAccount(ctx context.Context, network string, id ledger.AccountID) (*models.CachedAccount, error)
	EnsureNode(ctx context.Context, network string, nodeID int64) (*models.CachedNode, error)
}

// Refresher fetches and stores the current state of a cache row.
type Refresher interface {
	RefreshAccount(ctx context.Context, row *models.CachedAccount) (bool, error)
	RefreshNode(ctx context.Context, row *models.CachedNode) (bool, error)
}

// Breaker gates inline refreshes per network.
type Breaker interface {
	IsAvailable(network string) bool
	RecordSuccess(network string)
	RecordFailure(network string) bool
}

// Resolver turns a transaction's references into the composite key that must
// sign it, using cached ledger state.
type Resolver struct {
	reader     Reader
	registry   *requirements.Registry
	logger     *slog.Logger
	now        func() time.Time
	staleLimit time.Duration
	metrics    *observability.SignreqdMetrics

	ensurer   Ensurer
	refresher Refresher
	breaker   Breaker
	inflight  singleflight.Group
	pending   sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRegistry overrides the transaction kind registry.
func WithRegistry(reg *requirements.Registry) Option {
	return func(r *Resolver) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStaleLimit makes Resolve ignore cache rows last checked more than limit ago.
func WithStaleLimit(limit time.Duration) Option {
	return func(r *Resolver) {
		r.staleLimit = limit
	}
}

// WithMetrics records resolution counters.
func WithMetrics(m *observability.SignreqdMetrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithMissRefresher enables best-effort background refreshes for entities
// that have never been fetched. The call that observed the miss does not wait.
func WithMissRefresher(ensurer Ensurer, refresher Refresher, breaker Breaker) Option {
	return func(r *Resolver) {
		r.ensurer = ensurer
		r.refresher = refresher
		r.breaker = breaker
	}
}

// New constructs a resolver over the cache reader.
func New(reader Reader, opts ...Option) (*Resolver, error) {
	if reader == nil {
		return nil, fmt.Errorf("resolver: cache reader required")
	}
	r := &Resolver{
		reader:   reader,
		registry: requirements.NewRegistry(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Registry returns the kind registry used by ResolveTransaction.
func (r *Resolver) Registry() *requirements.Registry {
	return r.registry
}

// Resolve builds the composite requirement for refs. Every branch of the
// returned list must be satisfied; each branch keeps its own threshold. An
// entity whose cached state is missing, stale or unreadable contributes
// nothing, so the result may be smaller than the true requirement but the
// call never fails.
func (r *Resolver) Resolve(ctx context.Context, network string, refs requirements.References) ledger.KeyList {
	out, _ := r.collect(ctx, network, refs, lookupPolicy{maxAge: r.staleLimit})
	return out
}

// ResolveFresh is the fail-closed variant of Resolve. It returns
// ErrMissingEntry or ErrStaleEntry when any referenced entity has no cache
// row, has never been refreshed, or was last checked more than maxAge ago.
func (r *Resolver) ResolveFresh(ctx context.Context, network string, refs requirements.References, maxAge time.Duration) (ledger.KeyList, error) {
	if maxAge <= 0 {
		return ledger.KeyList{}, fmt.Errorf("resolver: max age must be positive")
	}
	return r.collect(ctx, network, refs, lookupPolicy{maxAge: maxAge, strict: true})
}

// ResolveTransaction extracts the references of tx and resolves them. It
// fails only when the transaction kind is unsupported or the body is invalid.
func (r *Resolver) ResolveTransaction(ctx context.Context, network string, tx *requirements.Transaction) (ledger.KeyList, error) {
	refs, err := r.registry.Extract(tx)
	if err != nil {
		return ledger.KeyList{}, err
	}
	return r.Resolve(ctx, network, refs), nil
}

// Wait blocks until background miss refreshes have finished.
func (r *Resolver) Wait() {
	r.pending.Wait()
}

type lookupPolicy struct {
	maxAge time.Duration
	strict bool
}

func (r *Resolver) collect(ctx context.Context, network string, refs requirements.References, policy lookupPolicy) (ledger.KeyList, error) {
	var (
		out            ledger.KeyList
		missedAccounts int
		missedNodes    int
	)
	mode := "lenient"
	if policy.strict {
		mode = "strict"
	}
	defer func() {
		r.metrics.RecordResolution(mode, missedAccounts, missedNodes)
	}()

	for _, id := range refs.SigningAccounts {
		row, err := r.account(ctx, network, id, policy)
		if err != nil {
			if policy.strict {
				return ledger.KeyList{}, err
			}
			missedAccounts++
			continue
		}
		if key, ok := r.decode(row.Key, "account", id.String()); ok {
			out.Add(key)
		}
	}

	for _, id := range refs.ReceiverAccounts {
		row, err := r.account(ctx, network, id, policy)
		if err != nil {
			if policy.strict {
				return ledger.KeyList{}, err
			}
			missedAccounts++
			continue
		}
		if !row.ReceiverSignatureRequired {
			continue
		}
		if key, ok := r.decode(row.Key, "account", id.String()); ok {
			out.Add(key)
		}
	}

	for _, key := range refs.NewKeys {
		out.Add(key)
	}

	if refs.NodeID != nil {
		row, err := r.node(ctx, network, *refs.NodeID, policy)
		switch {
		case err == nil:
			if key, ok := r.decode(row.AdminKey, "node", strconv.FormatInt(*refs.NodeID, 10)); ok {
				out.Add(key)
			}
		case policy.strict:
			return ledger.KeyList{}, err
		default:
			missedNodes++
		}
	}
	return out, nil
}

func (r *Resolver) account(ctx context.Context, network string, id ledger.AccountID, policy lookupPolicy) (*models.CachedAccount, error) {
	row, err := r.reader.GetAccount(ctx, network, id)
	if err != nil {
		r.logger.Debug("account lookup failed", "network", network, "account", id.String(), "error", err)
		if errors.Is(err, cache.ErrNotFound) {
			r.refreshAccountLater(ctx, network, id)
		}
		return nil, fmt.Errorf("%w: account %s on %s", ErrMissingEntry, id, network)
	}
	if err := r.checkFreshness(row.LastCheckedAt, policy.maxAge); err != nil {
		if row.LastCheckedAt == nil {
			r.refreshAccountLater(ctx, network, id)
		}
		return nil, fmt.Errorf("%w: account %s on %s", err, id, network)
	}
	return row, nil
}

func (r *Resolver) node(ctx context.Context, network string, nodeID int64, policy lookupPolicy) (*models.CachedNode, error) {
	row, err := r.reader.GetNode(ctx, network, nodeID)
	if err != nil {
		r.logger.Debug("node lookup failed", "network", network, "node", nodeID, "error", err)
		if errors.Is(err, cache.ErrNotFound) {
			r.refreshNodeLater(ctx, network, nodeID)
		}
		return nil, fmt.Errorf("%w: node %d on %s", ErrMissingEntry, nodeID, network)
	}
	if err := r.checkFreshness(row.LastCheckedAt, policy.maxAge); err != nil {
		if row.LastCheckedAt == nil {
			r.refreshNodeLater(ctx, network, nodeID)
		}
		return nil, fmt.Errorf("%w: node %d on %s", err, nodeID, network)
	}
	return row, nil
}

func (r *Resolver) checkFreshness(lastChecked *time.Time, maxAge time.Duration) error {
	if lastChecked == nil {
		return ErrMissingEntry
	}
	if maxAge > 0 && r.now().Sub(*lastChecked) > maxAge {
		return ErrStaleEntry
	}
	return nil
}

// decode reads a cached key. A row that was refreshed but holds no key simply
// contributes nothing.
func (r *Resolver) decode(load func() (ledger.Key, error), kind, id string) (ledger.Key, bool) {
	key, err := load()
	if err != nil {
		if !errors.Is(err, models.ErrNoKey) {
			r.logger.Warn("cached key unreadable", "kind", kind, "id", id, "error", err)
		}
		return ledger.Key{}, false
	}
	return key, true
}

func (r *Resolver) missRefreshEnabled(network string) bool {
	if r.ensurer == nil || r.refresher == nil {
		return false
	}
	return r.breaker == nil || r.breaker.IsAvailable(network)
}

func (r *Resolver) refreshAccountLater(ctx context.Context, network string, id ledger.AccountID) {
	if !r.missRefreshEnabled(network) {
		return
	}
	r.background(ctx, network, "account:"+network+":"+id.String(), func(ctx context.Context) error {
		row, err := r.ensurer.EnsureAccount(ctx, network, id)
		if err != nil {
			return err
		}
		_, err = r.refresher.RefreshAccount(ctx, row)
		return err
	})
}

func (r *Resolver) refreshNodeLater(ctx context.Context, network string, nodeID int64) {
	if !r.missRefreshEnabled(network) {
		return
	}
	r.background(ctx, network, "node:"+network+":"+strconv.FormatInt(nodeID, 10), func(ctx context.Context) error {
		row, err := r.ensurer.EnsureNode(ctx, network, nodeID)
		if err != nil {
			return err
		}
		_, err = r.refresher.RefreshNode(ctx, row)
		return err
	})
}

// background runs fn once per key at a time, detached from the caller's
// cancellation. Only the goroutine that executes fn reports to the breaker.
func (r *Resolver) background(ctx context.Context, network, key string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		_, _, _ = r.inflight.Do(key, func() (any, error) {
			runCtx, cancel := context.WithTimeout(detached, missRefreshTimeout)
			defer cancel()
			err := fn(runCtx)
			if err != nil {
				r.logger.Debug("inline refresh failed", "network", network, "key", key, "error", err)
			}
			if r.breaker != nil {
				if err != nil {
					r.breaker.RecordFailure(network)
				} else {
					r.breaker.RecordSuccess(network)
				}
			}
			return nil, err
		})
	}()
}

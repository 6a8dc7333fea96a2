package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/models"
)

// ErrNotFound is returned when a cached entity does not exist.
var ErrNotFound = errors.New("cache: entity not found")

// StalenessPolicy decides when rows are due for refresh and when a claim is
// considered abandoned.
type StalenessPolicy struct {
	StaleAfter   time.Duration
	ReclaimAfter time.Duration
}

func (p StalenessPolicy) cutoffs(now time.Time) (stale, reclaim time.Time) {
	return now.Add(-p.StaleAfter), now.Add(-p.ReclaimAfter)
}

// AccountState is the ledger state written back after an account refresh.
type AccountState struct {
	Key                       *ledger.Key
	ReceiverSignatureRequired bool
}

// NodeState is the ledger state written back after a node refresh.
type NodeState struct {
	NodeAccount ledger.AccountID
	AdminKey    *ledger.Key
}

// Store persists the last known ledger state of accounts and nodes.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for lastCheckedAt and claimedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a store over db. The schema must already be migrated.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("cache: db is required")
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

// GetAccount returns the cached row for an account.
func (s *Store) GetAccount(ctx context.Context, network string, id ledger.AccountID) (*models.CachedAccount, error) {
	var row models.CachedAccount
	err := s.db.WithContext(ctx).
		Where("network = ? AND account_id = ?", normaliseNetwork(network), id.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: account %s on %s", ErrNotFound, id, network)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load account: %w", err)
	}
	return &row, nil
}

// GetNode returns the cached row for a node.
func (s *Store) GetNode(ctx context.Context, network string, nodeID int64) (*models.CachedNode, error) {
	var row models.CachedNode
	err := s.db.WithContext(ctx).
		Where("network = ? AND node_id = ?", normaliseNetwork(network), nodeID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: node %d on %s", ErrNotFound, nodeID, network)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load node: %w", err)
	}
	return &row, nil
}

// EnsureAccount returns the cached row for an account, creating an empty
// never-checked row when none exists.
func (s *Store) EnsureAccount(ctx context.Context, network string, id ledger.AccountID) (*models.CachedAccount, error) {
	return ensureAccount(s.db.WithContext(ctx), network, id)
}

// EnsureNode returns the cached row for a node, creating an empty
// never-checked row when none exists.
func (s *Store) EnsureNode(ctx context.Context, network string, nodeID int64) (*models.CachedNode, error) {
	return ensureNode(s.db.WithContext(ctx), network, nodeID)
}

func ensureAccount(db *gorm.DB, network string, id ledger.AccountID) (*models.CachedAccount, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("cache: account id required")
	}
	row := models.CachedAccount{Network: normaliseNetwork(network), AccountID: id.String()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("cache: create account: %w", err)
	}
	var stored models.CachedAccount
	if err := db.Where("network = ? AND account_id = ?", row.Network, row.AccountID).Take(&stored).Error; err != nil {
		return nil, fmt.Errorf("cache: load account: %w", err)
	}
	return &stored, nil
}

func ensureNode(db *gorm.DB, network string, nodeID int64) (*models.CachedNode, error) {
	row := models.CachedNode{Network: normaliseNetwork(network), NodeID: nodeID}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("cache: create node: %w", err)
	}
	var stored models.CachedNode
	if err := db.Where("network = ? AND node_id = ?", row.Network, row.NodeID).Take(&stored).Error; err != nil {
		return nil, fmt.Errorf("cache: load node: %w", err)
	}
	return &stored, nil
}

// LinkTransaction lazily creates cache rows for every referenced entity and
// links them to the transaction so the cleanup job can track liveness.
func (s *Store) LinkTransaction(ctx context.Context, transactionID uint64, network string, accounts []ledger.AccountID, nodes []int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range accounts {
			row, err := ensureAccount(tx, network, id)
			if err != nil {
				return err
			}
			link := models.TransactionCachedAccount{TransactionID: transactionID, CachedAccountID: row.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("cache: link account: %w", err)
			}
		}
		for _, nodeID := range nodes {
			row, err := ensureNode(tx, network, nodeID)
			if err != nil {
				return err
			}
			link := models.TransactionCachedNode{TransactionID: transactionID, CachedNodeID: row.ID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("cache: link node: %w", err)
			}
		}
		return nil
	})
}

// A row is due once its state and its last attempt are older than the stale
// cutoff and any claim on it is past the reclaim cutoff.
const staleClause = "(last_checked_at IS NULL OR last_checked_at < ?) AND " +
	"(claimed_at IS NULL OR claimed_at < ?) AND " +
	"(refresh_token IS NULL OR claimed_at IS NULL OR claimed_at < ?)"

// StaleAccounts returns up to limit accounts due for refresh, oldest first.
func (s *Store) StaleAccounts(ctx context.Context, policy StalenessPolicy, limit int) ([]models.CachedAccount, error) {
	stale, reclaim := policy.cutoffs(s.stamp())
	var rows []models.CachedAccount
	err := s.db.WithContext(ctx).
		Where(staleClause, stale, stale, reclaim).
		Order("last_checked_at IS NOT NULL, last_checked_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cache: query stale accounts: %w", err)
	}
	return rows, nil
}

// StaleNodes returns up to limit nodes due for refresh, oldest first.
func (s *Store) StaleNodes(ctx context.Context, policy StalenessPolicy, limit int) ([]models.CachedNode, error) {
	stale, reclaim := policy.cutoffs(s.stamp())
	var rows []models.CachedNode
	err := s.db.WithContext(ctx).
		Where(staleClause, stale, stale, reclaim).
		Order("last_checked_at IS NOT NULL, last_checked_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cache: query stale nodes: %w", err)
	}
	return rows, nil
}

// ClaimAccount marks the row as being refreshed by token. It succeeds only if
// the row still satisfies the staleness predicate, so at most one worker wins a
// given row until the claim is released or abandoned.
func (s *Store) ClaimAccount(ctx context.Context, row *models.CachedAccount, token string, policy StalenessPolicy) (bool, error) {
	now := s.stamp()
	stale, reclaim := policy.cutoffs(now)
	res := s.db.WithContext(ctx).Model(&models.CachedAccount{}).
		Where("id = ?", row.ID).
		Where(staleClause, stale, stale, reclaim).
		Updates(map[string]any{"refresh_token": token, "claimed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("cache: claim account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	row.RefreshToken = &token
	row.ClaimedAt = &now
	return true, nil
}

// ClaimNode is the node counterpart of ClaimAccount.
func (s *Store) ClaimNode(ctx context.Context, row *models.CachedNode, token string, policy StalenessPolicy) (bool, error) {
	now := s.stamp()
	stale, reclaim := policy.cutoffs(now)
	res := s.db.WithContext(ctx).Model(&models.CachedNode{}).
		Where("id = ?", row.ID).
		Where(staleClause, stale, stale, reclaim).
		Updates(map[string]any{"refresh_token": token, "claimed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("cache: claim node: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	row.RefreshToken = &token
	row.ClaimedAt = &now
	return true, nil
}

// ReleaseAccountClaim clears a claim held by token. claimedAt is kept so a
// failed row waits for the next stale window, and lastCheckedAt is untouched
// so readers still see when the state was last confirmed.
func (s *Store) ReleaseAccountClaim(ctx context.Context, id uint64, token string) error {
	err := s.db.WithContext(ctx).Model(&models.CachedAccount{}).
		Where("id = ? AND refresh_token = ?", id, token).
		Update("refresh_token", nil).Error
	if err != nil {
		return fmt.Errorf("cache: release account claim: %w", err)
	}
	return nil
}

// ReleaseNodeClaim clears a node claim held by token.
func (s *Store) ReleaseNodeClaim(ctx context.Context, id uint64, token string) error {
	err := s.db.WithContext(ctx).Model(&models.CachedNode{}).
		Where("id = ? AND refresh_token = ?", id, token).
		Update("refresh_token", nil).Error
	if err != nil {
		return fmt.Errorf("cache: release node claim: %w", err)
	}
	return nil
}

// SaveAccountState writes a freshly observed account state, stamps
// lastCheckedAt and clears any claim. It reports whether the state changed.
func (s *Store) SaveAccountState(ctx context.Context, row *models.CachedAccount, state AccountState) (bool, error) {
	encoded := encodeKey(state.Key)
	changed := !bytes.Equal(row.EncodedKey, encoded) || row.ReceiverSignatureRequired != state.ReceiverSignatureRequired
	now := s.stamp()
	res := s.db.WithContext(ctx).Model(&models.CachedAccount{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"encoded_key":                 encoded,
			"receiver_signature_required": state.ReceiverSignatureRequired,
			"last_checked_at":             now,
			"refresh_token":               nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cache: save account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%w: account row %d", ErrNotFound, row.ID)
	}
	row.EncodedKey = encoded
	row.ReceiverSignatureRequired = state.ReceiverSignatureRequired
	row.LastCheckedAt = &now
	row.RefreshToken = nil
	return changed, nil
}

// SaveNodeState writes a freshly observed node state. It reports whether the
// state changed.
func (s *Store) SaveNodeState(ctx context.Context, row *models.CachedNode, state NodeState) (bool, error) {
	encoded := encodeKey(state.AdminKey)
	account := ""
	if !state.NodeAccount.IsZero() {
		account = state.NodeAccount.String()
	}
	changed := !bytes.Equal(row.EncodedAdminKey, encoded) || row.NodeAccountID != account
	now := s.stamp()
	res := s.db.WithContext(ctx).Model(&models.CachedNode{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"encoded_admin_key": encoded,
			"node_account_id":   account,
			"last_checked_at":   now,
			"refresh_token":     nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cache: save node: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%w: node row %d", ErrNotFound, row.ID)
	}
	row.EncodedAdminKey = encoded
	row.NodeAccountID = account
	row.LastCheckedAt = &now
	row.RefreshToken = nil
	return changed, nil
}

// TransactionIDsForAccounts lists the distinct transactions linked to the
// given cached account rows.
func (s *Store) TransactionIDsForAccounts(ctx context.Context, rowIDs []uint64) ([]uint64, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&models.TransactionCachedAccount{}).
		Where("cached_account_id IN ?", rowIDs).
		Distinct().
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("cache: account transactions: %w", err)
	}
	return ids, nil
}

// TransactionIDsForNodes lists the distinct transactions linked to the given
// cached node rows.
func (s *Store) TransactionIDsForNodes(ctx context.Context, rowIDs []uint64) ([]uint64, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&models.TransactionCachedNode{}).
		Where("cached_node_id IN ?", rowIDs).
		Distinct().
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("cache: node transactions: %w", err)
	}
	return ids, nil
}

const (
	deleteUnreferencedAccounts = `DELETE FROM cached_accounts WHERE id NOT IN (
	SELECT l.cached_account_id FROM transaction_cached_accounts l
	JOIN transactions t ON t.id = l.transaction_id
	WHERE t.status IN ?)`
	deleteUnreferencedNodes = `DELETE FROM cached_nodes WHERE id NOT IN (
	SELECT l.cached_node_id FROM transaction_cached_nodes l
	JOIN transactions t ON t.id = l.transaction_id
	WHERE t.status IN ?)`
	deleteOrphanAccountLinks = `DELETE FROM transaction_cached_accounts WHERE cached_account_id NOT IN (SELECT id FROM cached_accounts)`
	deleteOrphanNodeLinks    = `DELETE FROM transaction_cached_nodes WHERE cached_node_id NOT IN (SELECT id FROM cached_nodes)`
)

// DeleteUnreferenced removes every cached account and node that is not linked
// to at least one transaction in an active status, together with their now
// dangling link rows.
func (s *Store) DeleteUnreferenced(ctx context.Context, active []models.TransactionStatus) (accounts, nodes int64, err error) {
	statuses := make([]string, 0, len(active))
	for _, status := range active {
		statuses = append(statuses, string(status))
	}
	if len(statuses) == 0 {
		return 0, 0, errors.New("cache: at least one active status required")
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(deleteUnreferencedAccounts, statuses)
		if res.Error != nil {
			return fmt.Errorf("delete accounts: %w", res.Error)
		}
		accounts = res.RowsAffected
		res = tx.Exec(deleteUnreferencedNodes, statuses)
		if res.Error != nil {
			return fmt.Errorf("delete nodes: %w", res.Error)
		}
		nodes = res.RowsAffected
		if err := tx.Exec(deleteOrphanAccountLinks).Error; err != nil {
			return fmt.Errorf("delete account links: %w", err)
		}
		if err := tx.Exec(deleteOrphanNodeLinks).Error; err != nil {
			return fmt.Errorf("delete node links: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("cache: cleanup: %w", err)
	}
	return accounts, nodes, nil
}

func encodeKey(key *ledger.Key) []byte {
	if key == nil || key.IsEmpty() {
		return nil
	}
	return key.MarshalProto()
}

func normaliseNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

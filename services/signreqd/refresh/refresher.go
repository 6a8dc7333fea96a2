package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"orgsign/services/signreqd/cache"
	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/mirror"
	"orgsign/services/signreqd/models"
)

// EntityRefresher looks up the current ledger state of a cached entity and
// writes it back. It reports whether the stored state changed.
type EntityRefresher interface {
	RefreshAccount(ctx context.Context, row *models.CachedAccount) (bool, error)
	RefreshNode(ctx context.Context, row *models.CachedNode) (bool, error)
}

// LedgerReader is the read side of the mirror client.
type LedgerReader interface {
	Account(ctx context.Context, network string, id ledger.AccountID) (*mirror.AccountInfo, error)
	Node(ctx context.Context, network string, nodeID int64) (*mirror.NodeInfo, error)
}

// StateWriter persists refreshed entity state.
type StateWriter interface {
	SaveAccountState(ctx context.Context, row *models.CachedAccount, state cache.AccountState) (bool, error)
	SaveNodeState(ctx context.Context, row *models.CachedNode, state cache.NodeState) (bool, error)
}

// MirrorRefresher refreshes cache rows from a mirror node.
type MirrorRefresher struct {
	Reader LedgerReader
	Store  StateWriter
	Logger *slog.Logger
}

// NewMirrorRefresher wires a refresher over the mirror client and cache store.
func NewMirrorRefresher(reader LedgerReader, store StateWriter) *MirrorRefresher {
	return &MirrorRefresher{Reader: reader, Store: store}
}

func (r *MirrorRefresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// RefreshAccount implements EntityRefresher. An account the mirror does not
// know, or one that has been deleted, is recorded with no key. So is an
// account whose key cannot be decoded: the mirror answered, so the refresh
// succeeds.
func (r *MirrorRefresher) RefreshAccount(ctx context.Context, row *models.CachedAccount) (bool, error) {
	id, err := ledger.ParseAccountID(row.AccountID)
	if err != nil {
		return false, fmt.Errorf("refresh: cached account %d: %w", row.ID, err)
	}
	var state cache.AccountState
	info, err := r.Reader.Account(ctx, row.Network, id)
	switch {
	case errors.Is(err, mirror.ErrNotFound):
	case err != nil:
		return false, err
	case !info.Deleted:
		if info.KeyErr != nil {
			r.logger().Warn("storing account without key", "network", row.Network, "account", row.AccountID, "error", info.KeyErr)
		}
		state.Key = info.Key
		state.ReceiverSignatureRequired = info.ReceiverSignatureRequired
	}
	return r.Store.SaveAccountState(ctx, row, state)
}

// RefreshNode implements EntityRefresher. Undecodable admin keys are handled
// as in RefreshAccount.
func (r *MirrorRefresher) RefreshNode(ctx context.Context, row *models.CachedNode) (bool, error) {
	var state cache.NodeState
	info, err := r.Reader.Node(ctx, row.Network, row.NodeID)
	switch {
	case errors.Is(err, mirror.ErrNotFound):
	case err != nil:
		return false, err
	default:
		if info.AdminKeyErr != nil {
			r.logger().Warn("storing node without admin key", "network", row.Network, "node", row.NodeID, "error", info.AdminKeyErr)
		}
		state.NodeAccount = info.NodeAccount
		state.AdminKey = info.AdminKey
	}
	return r.Store.SaveNodeState(ctx, row, state)
}

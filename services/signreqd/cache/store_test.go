package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *fakeClock) {
	t.Helper()
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store, err := New(db, WithClock(clock.Now))
	require.NoError(t, err)
	return store, db, clock
}

var policy = StalenessPolicy{StaleAfter: 10 * time.Second, ReclaimAfter: time.Minute}

func testKey(t *testing.T, seed byte) ledger.Key {
	t.Helper()
	key, err := ledger.Ed25519Key(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return key
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	id := ledger.MustAccountID("0.0.100")

	first, err := store.EnsureAccount(ctx, "TestNet", id)
	require.NoError(t, err)
	second, err := store.EnsureAccount(ctx, "testnet", id)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "testnet", second.Network)
	assert.Nil(t, second.LastCheckedAt)

	other, err := store.EnsureAccount(ctx, "mainnet", id)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = store.GetAccount(ctx, "previewnet", id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleSelectionAndClaim(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.EnsureAccount(ctx, "testnet", ledger.MustAccountID("0.0.1"))
	require.NoError(t, err)
	_, err = store.SaveAccountState(ctx, fresh, AccountState{})
	require.NoError(t, err)
	never, err := store.EnsureAccount(ctx, "testnet", ledger.MustAccountID("0.0.2"))
	require.NoError(t, err)

	rows, err := store.StaleAccounts(ctx, policy, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, never.ID, rows[0].ID)

	claimed, err := store.ClaimAccount(ctx, &rows[0], "worker-a", policy)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second worker holding the same snapshot loses the race.
	stolen := rows[0]
	stolen.RefreshToken = nil
	claimed, err = store.ClaimAccount(ctx, &stolen, "worker-b", policy)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Once both rows are past the stale threshold only the unclaimed one is due.
	clock.Advance(30 * time.Second)
	rows, err = store.StaleAccounts(ctx, policy, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, fresh.ID, rows[0].ID)

	// The abandoned claim becomes reclaimable after the reclaim timeout.
	clock.Advance(2 * time.Minute)
	rows, err = store.StaleAccounts(ctx, policy, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for i := range rows {
		if rows[i].ID != never.ID {
			continue
		}
		claimed, err = store.ClaimAccount(ctx, &rows[i], "worker-b", policy)
		require.NoError(t, err)
		assert.True(t, claimed)
	}
}

func TestStaleAccountsHonoursLimit(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := store.EnsureAccount(ctx, "testnet", ledger.AccountID{Num: int64(i)})
		require.NoError(t, err)
	}
	rows, err := store.StaleAccounts(ctx, policy, 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestReleaseClaimKeepsClaimTime(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	row, err := store.EnsureAccount(ctx, "testnet", ledger.MustAccountID("0.0.9"))
	require.NoError(t, err)
	ok, err := store.ClaimAccount(ctx, row, "token", policy)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.ReleaseAccountClaim(ctx, row.ID, "other"))
	stored, err := store.GetAccount(ctx, "testnet", ledger.MustAccountID("0.0.9"))
	require.NoError(t, err)
	require.NotNil(t, stored.RefreshToken)

	require.NoError(t, store.ReleaseAccountClaim(ctx, row.ID, "token"))
	stored, err = store.GetAccount(ctx, "testnet", ledger.MustAccountID("0.0.9"))
	require.NoError(t, err)
	assert.Nil(t, stored.RefreshToken)
	require.NotNil(t, stored.ClaimedAt)
	assert.Nil(t, stored.LastCheckedAt, "a claim is not a confirmation")

	rows, err := store.StaleAccounts(ctx, policy, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	clock.Advance(11 * time.Second)
	rows, err = store.StaleAccounts(ctx, policy, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSaveAccountStateReportsChange(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	id := ledger.MustAccountID("0.0.100")
	row, err := store.EnsureAccount(ctx, "testnet", id)
	require.NoError(t, err)
	key := testKey(t, 1)

	changed, err := store.SaveAccountState(ctx, row, AccountState{Key: &key})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.SaveAccountState(ctx, row, AccountState{Key: &key})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.SaveAccountState(ctx, row, AccountState{Key: &key, ReceiverSignatureRequired: true})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := store.GetAccount(ctx, "testnet", id)
	require.NoError(t, err)
	got, err := stored.Key()
	require.NoError(t, err)
	assert.True(t, got.Equal(key))
	assert.True(t, stored.ReceiverSignatureRequired)
	assert.Nil(t, stored.RefreshToken)
}

func TestSaveNodeState(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	row, err := store.EnsureNode(ctx, "testnet", 3)
	require.NoError(t, err)
	admin := testKey(t, 4)

	changed, err := store.SaveNodeState(ctx, row, NodeState{NodeAccount: ledger.MustAccountID("0.0.6"), AdminKey: &admin})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := store.GetNode(ctx, "testnet", 3)
	require.NoError(t, err)
	assert.Equal(t, "0.0.6", stored.NodeAccountID)
	got, err := stored.AdminKey()
	require.NoError(t, err)
	assert.True(t, got.Equal(admin))
}

func TestLinkTransactionAndLookup(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()
	alice := ledger.MustAccountID("0.0.100")
	bob := ledger.MustAccountID("0.0.200")

	require.NoError(t, store.LinkTransaction(ctx, 1, "testnet", []ledger.AccountID{alice, bob}, []int64{3}))
	require.NoError(t, store.LinkTransaction(ctx, 2, "testnet", []ledger.AccountID{alice}, nil))
	require.NoError(t, store.LinkTransaction(ctx, 2, "testnet", []ledger.AccountID{alice}, nil))

	var links int64
	require.NoError(t, db.Model(&models.TransactionCachedAccount{}).Count(&links).Error)
	assert.Equal(t, int64(3), links)

	aliceRow, err := store.GetAccount(ctx, "testnet", alice)
	require.NoError(t, err)
	ids, err := store.TransactionIDsForAccounts(ctx, []uint64{aliceRow.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ids)

	node, err := store.GetNode(ctx, "testnet", 3)
	require.NoError(t, err)
	ids, err = store.TransactionIDsForNodes(ctx, []uint64{node.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestDeleteUnreferenced(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()

	txs := []models.Transaction{
		{ID: 1, Network: "testnet", Status: models.StatusExecuted},
		{ID: 2, Network: "testnet", Status: models.StatusCanceled},
		{ID: 3, Network: "testnet", Status: models.StatusWaitingForSignatures},
	}
	require.NoError(t, db.Create(&txs).Error)

	terminalOnly := ledger.MustAccountID("0.0.10")
	mixed := ledger.MustAccountID("0.0.11")
	orphan := ledger.MustAccountID("0.0.12")
	require.NoError(t, store.LinkTransaction(ctx, 1, "testnet", []ledger.AccountID{terminalOnly, mixed}, []int64{1}))
	require.NoError(t, store.LinkTransaction(ctx, 2, "testnet", []ledger.AccountID{terminalOnly}, nil))
	require.NoError(t, store.LinkTransaction(ctx, 3, "testnet", []ledger.AccountID{mixed}, []int64{2}))
	_, err := store.EnsureAccount(ctx, "testnet", orphan)
	require.NoError(t, err)

	accounts, nodes, err := store.DeleteUnreferenced(ctx, models.ActiveStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(2), accounts)
	assert.Equal(t, int64(1), nodes)

	_, err = store.GetAccount(ctx, "testnet", mixed)
	assert.NoError(t, err)
	_, err = store.GetAccount(ctx, "testnet", terminalOnly)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAccount(ctx, "testnet", orphan)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetNode(ctx, "testnet", 2)
	assert.NoError(t, err)
	_, err = store.GetNode(ctx, "testnet", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	var links int64
	require.NoError(t, db.Model(&models.TransactionCachedAccount{}).Count(&links).Error)
	assert.Equal(t, int64(2), links, "links of deleted accounts are removed")
}

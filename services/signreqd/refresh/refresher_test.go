package refresh

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgsign/services/signreqd/breaker"
	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/mirror"
)

type stubReader struct {
	accounts map[string]*mirror.AccountInfo
	nodes    map[int64]*mirror.NodeInfo
	err      error
}

func (s *stubReader) Account(_ context.Context, network string, id ledger.AccountID) (*mirror.AccountInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.accounts[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mirror.ErrNotFound, id)
	}
	return info, nil
}

func (s *stubReader) Node(_ context.Context, network string, nodeID int64) (*mirror.NodeInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %d", mirror.ErrNotFound, nodeID)
	}
	return info, nil
}

func TestMirrorRefresherAccount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := ledger.MustAccountID("0.0.100")
	row, err := store.EnsureAccount(ctx, "testnet", id)
	require.NoError(t, err)

	key, err := ledger.Ed25519Key(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	reader := &stubReader{accounts: map[string]*mirror.AccountInfo{
		"0.0.100": {Account: id, Key: &key, ReceiverSignatureRequired: true},
	}}
	refresher := NewMirrorRefresher(reader, store)

	changed, err := refresher.RefreshAccount(ctx, row)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = refresher.RefreshAccount(ctx, row)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := store.GetAccount(ctx, "testnet", id)
	require.NoError(t, err)
	got, err := stored.Key()
	require.NoError(t, err)
	assert.True(t, got.Equal(key))
	assert.True(t, stored.ReceiverSignatureRequired)

	// A deleted account no longer contributes a key.
	reader.accounts["0.0.100"].Deleted = true
	changed, err = refresher.RefreshAccount(ctx, row)
	require.NoError(t, err)
	assert.True(t, changed)
	stored, err = store.GetAccount(ctx, "testnet", id)
	require.NoError(t, err)
	assert.Empty(t, stored.EncodedKey)
}

func TestMirrorRefresherUpstreamError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	row, err := store.EnsureAccount(ctx, "testnet", ledger.MustAccountID("0.0.5"))
	require.NoError(t, err)
	upstream := errors.New("mirror: testnet: status 502")
	refresher := NewMirrorRefresher(&stubReader{err: upstream}, store)

	_, err = refresher.RefreshAccount(ctx, row)
	assert.ErrorIs(t, err, upstream)
	stored, err := store.GetAccount(ctx, "testnet", ledger.MustAccountID("0.0.5"))
	require.NoError(t, err)
	assert.Nil(t, stored.LastCheckedAt, "failed refresh must not stamp the row")
}

func TestMirrorRefresherNode(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	row, err := store.EnsureNode(ctx, "testnet", 3)
	require.NoError(t, err)
	admin, err := ledger.Ed25519Key(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	reader := &stubReader{nodes: map[int64]*mirror.NodeInfo{
		3: {NodeID: 3, NodeAccount: ledger.MustAccountID("0.0.6"), AdminKey: &admin},
	}}
	refresher := NewMirrorRefresher(reader, store)

	changed, err := refresher.RefreshNode(ctx, row)
	require.NoError(t, err)
	assert.True(t, changed)

	missing, err := store.EnsureNode(ctx, "testnet", 4)
	require.NoError(t, err)
	changed, err = refresher.RefreshNode(ctx, missing)
	require.NoError(t, err)
	assert.False(t, changed, "unknown node stays empty")
	stored, err := store.GetNode(ctx, "testnet", 4)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastCheckedAt)
}

func TestUndecodableKeysDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	healthy := bytes.Repeat([]byte{6}, 32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
		key := `{"_type":"ProtobufEncoded","key":"0a021805"}`
		if id == "0.0.6" {
			key = `{"_type":"ED25519","key":"` + hex.EncodeToString(healthy) + `"}`
		}
		_, _ = w.Write([]byte(`{"account":"` + id + `","key":` + key + `,"receiver_sig_required":false}`))
	}))
	t.Cleanup(srv.Close)
	client, err := mirror.NewClient(mirror.Config{Endpoints: map[string]string{"testnet": srv.URL}, RatePerSecond: 1000})
	require.NoError(t, err)

	store := newStore(t)
	link(t, store, 1, "testnet", "0.0.1", "0.0.2", "0.0.3", "0.0.4", "0.0.5", "0.0.6")
	brk := breaker.New(breaker.Config{FailureThreshold: 5})
	logger, logs := captureLogger()
	refresher := NewMirrorRefresher(client, store)
	refresher.Logger = logger
	sched, err := NewScheduler(Config{Store: store, Refresher: refresher, Breaker: brk, Logger: logger})
	require.NoError(t, err)

	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Refreshed)
	assert.Zero(t, result.Failed)
	assert.True(t, brk.IsAvailable("testnet"))
	assert.Equal(t, 5, strings.Count(logs.String(), "storing account without key"))

	stored, err := store.GetAccount(ctx, "testnet", ledger.MustAccountID("0.0.6"))
	require.NoError(t, err)
	got, err := stored.Key()
	require.NoError(t, err)
	assert.Equal(t, ledger.HexBytes(healthy), got.Ed25519)

	contract, err := store.GetAccount(ctx, "testnet", ledger.MustAccountID("0.0.1"))
	require.NoError(t, err)
	assert.NotNil(t, contract.LastCheckedAt)
	assert.Empty(t, contract.EncodedKey)
}

package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"orgsign/services/signreqd/ledger"
)

const edHex = "0101010101010101010101010101010101010101010101010101010101010101"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Endpoints: map[string]string{"TestNet": srv.URL + "/"}, RatePerSecond: 1000})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/0.0.100" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account":"0.0.100","key":{"_type":"ED25519","key":"302a300506032b6570032100` + edHex + `"},"receiver_sig_required":true}`))
	})
	info, err := client.Account(context.Background(), "testnet", ledger.MustAccountID("0.0.100"))
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !info.ReceiverSignatureRequired {
		t.Fatalf("expected receiver signature required")
	}
	if info.Key == nil || len(info.Key.Ed25519) != 32 {
		t.Fatalf("unexpected key %+v", info.Key)
	}
}

func TestAccountNullReceiverFlag(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":"0.0.7","key":null,"receiver_sig_required":null}`))
	})
	info, err := client.Account(context.Background(), "testnet", ledger.MustAccountID("0.0.7"))
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if info.Key != nil || info.ReceiverSignatureRequired {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestAccountUnsupportedKeyIsReported(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":"0.0.8","key":{"_type":"ProtobufEncoded","key":"0a021805"},"receiver_sig_required":true}`))
	})
	info, err := client.Account(context.Background(), "testnet", ledger.MustAccountID("0.0.8"))
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if info.Key != nil {
		t.Fatalf("expected no key, got %+v", info.Key)
	}
	if !errors.Is(info.KeyErr, ledger.ErrInvalidKey) {
		t.Fatalf("expected key error, got %v", info.KeyErr)
	}
	if !info.ReceiverSignatureRequired {
		t.Fatalf("expected receiver flag to survive a bad key")
	}
}

func TestNode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/network/nodes" || r.URL.Query().Get("node.id") != "eq:3" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"nodes":[{"node_id":3,"node_account_id":"0.0.6","admin_key":{"_type":"ED25519","key":"` + edHex + `"}}]}`))
	})
	info, err := client.Node(context.Background(), "testnet", 3)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if info.NodeAccount.String() != "0.0.6" || info.AdminKey == nil {
		t.Fatalf("unexpected node %+v", info)
	}
}

func TestNodeMissing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nodes":[]}`))
	})
	_, err := client.Node(context.Background(), "testnet", 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "0.0.404") {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	ctx := context.Background()
	if _, err := client.Account(ctx, "testnet", ledger.MustAccountID("0.0.404")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err := client.Account(ctx, "testnet", ledger.MustAccountID("0.0.500"))
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := client.Account(ctx, "mainnet", ledger.MustAccountID("0.0.1")); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
	if _, err := NewClient(Config{Endpoints: map[string]string{"testnet": "not a url"}}); err == nil {
		t.Fatalf("expected error for invalid endpoint")
	}
	client, err := NewClient(Config{Endpoints: map[string]string{"b": "http://b", "a": "http://a"}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := strings.Join(client.Networks(), ","); got != "a,b" {
		t.Fatalf("unexpected networks %s", got)
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMirrorMetricsRecordRequests(t *testing.T) {
	m := Mirror()
	if Mirror() != m {
		t.Fatalf("expected singleton registry")
	}
	before := testutil.ToFloat64(m.requests.WithLabelValues("testnet", "account", "200"))
	m.ObserveRequest("testnet", "account", 200, 15*time.Millisecond)
	m.ObserveRequest("testnet", "account", 0, time.Second)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("testnet", "account", "200")); got != before+1 {
		t.Fatalf("unexpected 200 count: got %v want %v", got, before+1)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("testnet", "account", "error")); got < 1 {
		t.Fatalf("expected transport errors to be labelled, got %v", got)
	}
	m.RecordDecodeFailure("testnet", "node")
	if got := testutil.ToFloat64(m.decodeFails.WithLabelValues("testnet", "node")); got < 1 {
		t.Fatalf("expected decode failure count, got %v", got)
	}
}

func TestNilMirrorMetricsAreNoops(t *testing.T) {
	var m *MirrorMetrics
	m.ObserveRequest("testnet", "account", 500, time.Millisecond)
	m.ObserveRateWait("testnet", time.Millisecond)
	m.RecordDecodeFailure("testnet", "account")
}

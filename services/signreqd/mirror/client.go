package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"orgsign/observability/metrics"
	"orgsign/services/signreqd/ledger"
)

var (
	// ErrNotFound is returned when the mirror has no record of the entity.
	ErrNotFound = errors.New("mirror: entity not found")
	// ErrUnknownNetwork is returned for networks without a configured endpoint.
	ErrUnknownNetwork = errors.New("mirror: unknown network")
)

const (
	defaultTimeout = 10 * time.Second
	defaultRate    = 20
)

// Config configures the mirror client.
type Config struct {
	// Endpoints maps a network name to its mirror REST base URL.
	Endpoints     map[string]string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// Transport overrides the base round tripper. It is wrapped with otelhttp.
	Transport http.RoundTripper
	Metrics   *metrics.MirrorMetrics
}

// AccountInfo is the account state relevant to signing requirements.
// KeyErr is set, and Key left nil, when the mirror returned a key that cannot
// be represented here, such as a contract id key.
type AccountInfo struct {
	Account                   ledger.AccountID
	Key                       *ledger.Key
	KeyErr                    error
	ReceiverSignatureRequired bool
	Deleted                   bool
}

// NodeInfo is the node state relevant to signing requirements.
type NodeInfo struct {
	NodeID      int64
	NodeAccount ledger.AccountID
	AdminKey    *ledger.Key
	AdminKeyErr error
}

type endpoint struct {
	base    *url.URL
	limiter *rate.Limiter
}

// Client reads account and node state from per-network mirror nodes.
type Client struct {
	http      *http.Client
	endpoints map[string]*endpoint
	metrics   *metrics.MirrorMetrics
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("mirror: at least one endpoint required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := &Client{
		http:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(base)},
		endpoints: make(map[string]*endpoint, len(cfg.Endpoints)),
		metrics:   cfg.Metrics,
	}
	for network, raw := range cfg.Endpoints {
		name := normaliseNetwork(network)
		if name == "" {
			return nil, fmt.Errorf("mirror: empty network name")
		}
		parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("mirror: invalid endpoint for %s: %q", name, raw)
		}
		client.endpoints[name] = &endpoint{
			base:    parsed,
			limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		}
	}
	return client, nil
}

// Networks lists the configured networks in name order.
func (c *Client) Networks() []string {
	out := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type mirrorKey struct {
	Type string `json:"_type"`
	Key  string `json:"key"`
}

func (k *mirrorKey) decode() (*ledger.Key, error) {
	if k == nil || strings.TrimSpace(k.Key) == "" {
		return nil, nil
	}
	key, err := ledger.ParseMirrorKey(k.Type, k.Key)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

type accountResponse struct {
	Account             string     `json:"account"`
	Key                 *mirrorKey `json:"key"`
	ReceiverSigRequired *bool      `json:"receiver_sig_required"`
	Deleted             bool       `json:"deleted"`
}

type nodeResponse struct {
	Nodes []struct {
		NodeID        int64      `json:"node_id"`
		NodeAccountID string     `json:"node_account_id"`
		AdminKey      *mirrorKey `json:"admin_key"`
	} `json:"nodes"`
}

// Account fetches the current state of an account.
func (c *Client) Account(ctx context.Context, network string, id ledger.AccountID) (*AccountInfo, error) {
	var payload accountResponse
	if err := c.get(ctx, network, "account", "/api/v1/accounts/"+id.String(), nil, &payload); err != nil {
		return nil, err
	}
	info := &AccountInfo{Account: id, Deleted: payload.Deleted}
	key, err := payload.Key.decode()
	if err != nil {
		c.metrics.RecordDecodeFailure(normaliseNetwork(network), "account_key")
		info.KeyErr = fmt.Errorf("mirror: account %s key: %w", id, err)
	}
	info.Key = key
	if payload.ReceiverSigRequired != nil {
		info.ReceiverSignatureRequired = *payload.ReceiverSigRequired
	}
	return info, nil
}

// Node fetches the current state of a consensus node.
func (c *Client) Node(ctx context.Context, network string, nodeID int64) (*NodeInfo, error) {
	query := url.Values{}
	query.Set("node.id", "eq:"+strconv.FormatInt(nodeID, 10))
	var payload nodeResponse
	if err := c.get(ctx, network, "node", "/api/v1/network/nodes", query, &payload); err != nil {
		return nil, err
	}
	if len(payload.Nodes) == 0 {
		return nil, fmt.Errorf("%w: node %d on %s", ErrNotFound, nodeID, network)
	}
	entry := payload.Nodes[0]
	info := &NodeInfo{NodeID: nodeID}
	if strings.TrimSpace(entry.NodeAccountID) != "" {
		account, err := ledger.ParseAccountID(entry.NodeAccountID)
		if err != nil {
			return nil, fmt.Errorf("mirror: node %d account: %w", nodeID, err)
		}
		info.NodeAccount = account
	}
	key, err := entry.AdminKey.decode()
	if err != nil {
		c.metrics.RecordDecodeFailure(normaliseNetwork(network), "node_key")
		info.AdminKeyErr = fmt.Errorf("mirror: node %d admin key: %w", nodeID, err)
	}
	info.AdminKey = key
	return info, nil
}

func (c *Client) get(ctx context.Context, network, resource, path string, query url.Values, out any) error {
	name := normaliseNetwork(network)
	ep, ok := c.endpoints[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	waitStart := time.Now()
	if err := ep.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mirror: rate limit: %w", err)
	}
	c.metrics.ObserveRateWait(name, time.Since(waitStart))

	target := *ep.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(name, resource, 0, time.Since(start))
		return fmt.Errorf("mirror: %s: %w", network, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.ObserveRequest(name, resource, resp.StatusCode, time.Since(start))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s on %s", ErrNotFound, path, network)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mirror: %s: status %d: %s", network, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.RecordDecodeFailure(name, resource)
		return fmt.Errorf("mirror: %s: decode: %w", network, err)
	}
	return nil
}

func normaliseNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

// Package registry talks to the external node/database registry. The
// registry is an opaque contract-like RPC store: the engine calls its
// fixed operations and never depends on its implementation. Registry
// unavailability never prevents local operation; callers degrade to
// offline mode and retry.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sqlit/sqlit/internal/types"
)

// ErrUnavailable reports that the registry could not be reached.
var ErrUnavailable = errors.New("registry unavailable")

// ErrNodeUnknown reports that the registry has no record for a node.
var ErrNodeUnknown = errors.New("node not registered")

// rpcTimeout bounds one registry round-trip. Registration is an
// admin-class call and gets the longer deadline.
const (
	rpcTimeout   = 10 * time.Second
	adminTimeout = 60 * time.Second
)

// NodeRecord is the registry's view of a node.
type NodeRecord struct {
	NodeID     string           `json:"nodeId"`
	Operator   string           `json:"operator"`
	Endpoint   string           `json:"endpoint"`
	Region     int              `json:"regionIndex"`
	TEEEnabled bool             `json:"teeEnabled"`
	Staked     uint64           `json:"staked"`
	Status     types.NodeStatus `json:"status"`
	Role       types.NodeRole   `json:"role,omitempty"`
}

// Client is the registry contract surface.
type Client interface {
	RegisterNode(ctx context.Context, endpoint string, regionIndex int, teeEnabled bool, stake uint64) (string, error)
	Heartbeat(ctx context.Context, nodeID string) error
	GetNode(ctx context.Context, nodeID string) (*NodeRecord, error)
	Slash(ctx context.Context, nodeID string, amount uint64) error
}

// HTTPClient addresses the registry over its JSON RPC endpoint.
type HTTPClient struct {
	Endpoint string
	HTTP     *http.Client
}

// New creates a registry client. An empty endpoint yields a client
// whose every call reports ErrUnavailable (pure offline mode).
func New(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: adminTimeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (c *HTTPClient) call(ctx context.Context, timeout time.Duration, method string, params, out any) error {
	if c.Endpoint == "" {
		return ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, data)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != "" {
		return fmt.Errorf("%s: %s", method, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// RegisterNode submits a registration carrying the endpoint, region
// index, TEE flag, and stake. Returns the assigned node id.
func (c *HTTPClient) RegisterNode(ctx context.Context, endpoint string, regionIndex int, teeEnabled bool, stake uint64) (string, error) {
	var result struct {
		NodeID string `json:"nodeId"`
	}
	err := c.call(ctx, adminTimeout, "registerNode", map[string]any{
		"endpoint":    endpoint,
		"regionIndex": regionIndex,
		"teeEnabled":  teeEnabled,
		"stake":       stake,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.NodeID, nil
}

// Heartbeat refreshes the node's liveness record.
func (c *HTTPClient) Heartbeat(ctx context.Context, nodeID string) error {
	return c.call(ctx, rpcTimeout, "heartbeat", map[string]any{"nodeId": nodeID}, nil)
}

// GetNode fetches a node record. A registry-side miss is ErrNodeUnknown.
func (c *HTTPClient) GetNode(ctx context.Context, nodeID string) (*NodeRecord, error) {
	var record NodeRecord
	err := c.call(ctx, rpcTimeout, "getNode", map[string]any{"nodeId": nodeID}, &record)
	if err != nil {
		return nil, err
	}
	if record.NodeID == "" {
		return nil, ErrNodeUnknown
	}
	return &record, nil
}

// Slash debits a node's stake. Exposed for external enforcement; the
// engine itself only reads records and sends heartbeats.
func (c *HTTPClient) Slash(ctx context.Context, nodeID string, amount uint64) error {
	return c.call(ctx, adminTimeout, "slash", map[string]any{"nodeId": nodeID, "amount": amount}, nil)
}

// RegisterWithRetry retries registration with exponential backoff until
// the context is cancelled. The registry being down at boot is routine;
// the node serves locally while this loop keeps trying.
func RegisterWithRetry(ctx context.Context, c Client, endpoint string, regionIndex int, teeEnabled bool, stake uint64) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	var nodeID string
	op := func() error {
		var err error
		nodeID, err = c.RegisterNode(ctx, endpoint, regionIndex, teeEnabled, stake)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return nodeID, nil
}

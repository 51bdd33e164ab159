package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// ErrProbeTimeout is recorded when a probe does not answer within its window.
var ErrProbeTimeout = errors.New("probe timed out")

// ClientFactory builds layer clients for an endpoint URL.
type ClientFactory interface {
	NewExecuteClient(url string) rpc.ExecuteClient
	NewConsensusClient(url string) rpc.ConsensusClient
	NewRESTProbe(url string) rpc.NodeInfoProber
}

// HTTPClientFactory builds the HTTP adapters from the rpc package.
type HTTPClientFactory struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ ClientFactory = (*HTTPClientFactory)(nil)

func (f *HTTPClientFactory) clientConfig(url string) rpc.ClientConfig {
	cfg := rpc.DefaultClientConfig(url)
	if f.Timeout > 0 {
		cfg.Timeout = f.Timeout
	}
	cfg.Logger = f.Logger
	return cfg
}

// NewExecuteClient returns an EVM JSON-RPC client.
func (f *HTTPClientFactory) NewExecuteClient(url string) rpc.ExecuteClient {
	return rpc.NewEVMClient(f.clientConfig(url))
}

// NewConsensusClient returns a CometBFT RPC client.
func (f *HTTPClientFactory) NewConsensusClient(url string) rpc.ConsensusClient {
	return rpc.NewCometClient(f.clientConfig(url))
}

// NewRESTProbe returns a Cosmos SDK node-info probe.
func (f *HTTPClientFactory) NewRESTProbe(url string) rpc.NodeInfoProber {
	return rpc.NewRESTProbe(url, f.clientConfig(url).Timeout)
}

// closer is the part of every client the timeout path needs.
type closer interface {
	Close() error
}

// race runs probe with a deadline. On timeout the client's pooled
// connections are dropped so a late answer is never reused.
func race(ctx context.Context, timeout time.Duration, c closer, probe func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- probe(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrProbeTimeout
		}
		return ctx.Err()
	}
}

func boolProbe(fn func(context.Context) bool, layer chainlayer.Layer) func(context.Context) error {
	return func(ctx context.Context) error {
		if !fn(ctx) {
			return fmt.Errorf("%s layer not connected", layer)
		}
		return nil
	}
}

// ConnectionResult reports which layer, if any, answered a connection test.
type ConnectionResult struct {
	Connected bool             `json:"connected"`
	Layer     chainlayer.Layer `json:"layer,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// TestConnection tries execute, then consensus, then the REST node-info
// probe, each raced against timeout. Returns ErrNoTestableEndpoint when the
// node has no client on any layer. A failed or timed-out probe is not an
// error; it yields Connected=false.
func (n *Node) TestConnection(ctx context.Context, timeout time.Duration) (ConnectionResult, error) {
	execute, consensus, rest := n.ExecuteClient(), n.ConsensusClient(), n.RESTProbe()
	return testConnection(ctx, timeout, execute, consensus, rest, n.logger)
}

func testConnection(ctx context.Context, timeout time.Duration, execute rpc.ExecuteClient, consensus rpc.ConsensusClient, rest rpc.NodeInfoProber, logger *slog.Logger) (ConnectionResult, error) {
	if execute == nil && consensus == nil && rest == nil {
		return ConnectionResult{}, ErrNoTestableEndpoint
	}

	var lastErr error
	if execute != nil {
		lastErr = race(ctx, timeout, execute, boolProbe(execute.IsConnected, chainlayer.Execute))
		if lastErr == nil {
			return ConnectionResult{Connected: true, Layer: chainlayer.Execute}, nil
		}
		logger.Debug("execute layer probe failed", "error", lastErr)
	}
	if consensus != nil {
		lastErr = race(ctx, timeout, consensus, boolProbe(consensus.IsConnected, chainlayer.Consensus))
		if lastErr == nil {
			return ConnectionResult{Connected: true, Layer: chainlayer.Consensus}, nil
		}
		logger.Debug("consensus layer probe failed", "error", lastErr)
	}
	if rest != nil {
		lastErr = race(ctx, timeout, rest, func(ctx context.Context) error {
			_, err := rest.Probe(ctx)
			return err
		})
		if lastErr == nil {
			return ConnectionResult{Connected: true, Layer: chainlayer.REST}, nil
		}
		logger.Debug("rest probe failed", "error", lastErr)
	}

	return ConnectionResult{Connected: false, Error: lastErr.Error()}, nil
}

// LayerStatus is the per-layer outcome of a connectivity check.
// Present is false when no client exists for the layer.
type LayerStatus struct {
	Present   bool   `json:"present"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func probeLayer(ctx context.Context, timeout time.Duration, c closer, probe func(context.Context) error) LayerStatus {
	if c == nil {
		return LayerStatus{}
	}
	if err := race(ctx, timeout, c, probe); err != nil {
		return LayerStatus{Present: true, Error: err.Error()}
	}
	return LayerStatus{Present: true, Connected: true}
}

// probeBoth checks the execute and consensus layers independently.
func probeBoth(ctx context.Context, timeout time.Duration, execute rpc.ExecuteClient, consensus rpc.ConsensusClient) (LayerStatus, LayerStatus) {
	var exec, cons LayerStatus
	if execute != nil {
		exec = probeLayer(ctx, timeout, execute, boolProbe(execute.IsConnected, chainlayer.Execute))
	}
	if consensus != nil {
		cons = probeLayer(ctx, timeout, consensus, boolProbe(consensus.IsConnected, chainlayer.Consensus))
	}
	return exec, cons
}

// call sends req to the execute client with a deadline.
func (n *Node) call(ctx context.Context, timeout time.Duration, req rpc.Request) ([]byte, error) {
	client := n.ExecuteClient()
	if client == nil {
		return nil, fmt.Errorf("node %d %s: %w", n.Index, chainlayer.Execute, ErrNoClient)
	}
	params := req.Params
	if params == nil {
		params = []any{}
	}

	var result []byte
	err := race(ctx, timeout, client, func(ctx context.Context) error {
		raw, err := client.Call(ctx, req.Method, params)
		result = raw
		return err
	})
	if err != nil {
		return nil, failure.Transient(err)
	}
	return result, nil
}

// blockHeight reads the node's latest height from the execute layer, or from
// the consensus layer when the execute port is not exposed.
func (n *Node) blockHeight(ctx context.Context, timeout time.Duration) (uint64, error) {
	if n.ExecuteClient() != nil {
		raw, err := n.call(ctx, timeout, rpc.Request{Method: "eth_blockNumber"})
		if err != nil {
			return 0, err
		}
		h, err := rpc.DecodeHexUint64(raw)
		if err != nil {
			return 0, fmt.Errorf("node %d: %w", n.Index, err)
		}
		return h, nil
	}

	client := n.ConsensusClient()
	if client == nil {
		return 0, fmt.Errorf("node %d: %w", n.Index, ErrNoClient)
	}
	var height uint64
	err := race(ctx, timeout, client, func(ctx context.Context) error {
		h, err := client.GetBlockHeight(ctx)
		height = h
		return err
	})
	if err != nil {
		return 0, failure.Transient(err)
	}
	return height, nil
}

// cleanup closes every client and leaves the node inactive.
func (n *Node) cleanup() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeClientsLocked()
	n.state = NodeState{Kind: Inactive}
}

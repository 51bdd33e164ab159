package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ConsensusClient is the consensus-layer (CometBFT) adapter surface.
type ConsensusClient interface {
	// IsConnected reports whether the node answers its status endpoint.
	IsConnected(ctx context.Context) bool

	// GetBlockHeight returns the latest committed height.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// GetNetworkInfo returns network id, height and moniker.
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)

	// Close drops pooled connections.
	Close() error
}

// CometStatus is the subset of CometBFT's /status result the harness reads.
type CometStatus struct {
	NodeInfo struct {
		Network string `json:"network"`
		Moniker string `json:"moniker"`
		Version string `json:"version"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
		CatchingUp        bool   `json:"catching_up"`
	} `json:"sync_info"`
}

// CometClient implements ConsensusClient over CometBFT's JSON-RPC endpoint.
type CometClient struct {
	*HTTPClient
}

var _ ConsensusClient = (*CometClient)(nil)

// NewCometClient creates a consensus-layer client.
func NewCometClient(cfg ClientConfig) *CometClient {
	return &CometClient{HTTPClient: NewHTTPClient(cfg)}
}

// Status calls the status method.
func (c *CometClient) Status(ctx context.Context) (*CometStatus, error) {
	result, err := c.Call(ctx, "status", map[string]any{})
	if err != nil {
		return nil, err
	}

	var status CometStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// IsConnected reports whether status succeeds.
func (c *CometClient) IsConnected(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}

// GetBlockHeight returns sync_info.latest_block_height.
func (c *CometClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return parseCometHeight(status.SyncInfo.LatestBlockHeight)
}

// GetNetworkInfo returns the node's network, height and moniker.
func (c *CometClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	height, err := parseCometHeight(status.SyncInfo.LatestBlockHeight)
	if err != nil {
		return nil, err
	}
	return &NetworkInfo{
		ChainID:     status.NodeInfo.Network,
		BlockHeight: height,
		Name:        status.NodeInfo.Moniker,
	}, nil
}

// CometBFT encodes int64 as decimal strings.
func parseCometHeight(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	h, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block height %q: %w", s, err)
	}
	return h, nil
}

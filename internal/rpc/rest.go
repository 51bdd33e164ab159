package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeInfoPath is the Cosmos SDK REST route used as the last-resort probe.
const NodeInfoPath = "/cosmos/base/tendermint/v1beta1/node_info"

// NodeInfoProber is a REST probe against a node's API server.
type NodeInfoProber interface {
	// Probe fetches node info and returns an error if it is unavailable.
	Probe(ctx context.Context) (*NetworkInfo, error)

	// Close drops pooled connections.
	Close() error
}

// RESTProbe implements NodeInfoProber.
type RESTProbe struct {
	baseURL    string
	httpClient *http.Client
}

var _ NodeInfoProber = (*RESTProbe)(nil)

// NewRESTProbe creates a REST probe for baseURL (scheme://host:port).
func NewRESTProbe(baseURL string, timeout time.Duration) *RESTProbe {
	return &RESTProbe{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Probe requests node info.
func (p *RESTProbe) Probe(ctx context.Context) (*NetworkInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+NodeInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var info struct {
		DefaultNodeInfo struct {
			Network string `json:"network"`
			Moniker string `json:"moniker"`
		} `json:"default_node_info"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node info: %w", err)
	}

	return &NetworkInfo{
		ChainID: info.DefaultNodeInfo.Network,
		Name:    info.DefaultNodeInfo.Moniker,
	}, nil
}

// Close drops pooled connections.
func (p *RESTProbe) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

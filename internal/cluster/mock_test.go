package cluster

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// mockExecute is a scriptable ExecuteClient.
type mockExecute struct {
	url       string
	connected atomic.Bool
	height    atomic.Uint64
	delay     time.Duration
	closeErr  error
	closed    atomic.Int32
	results   map[string]json.RawMessage
}

var _ rpc.ExecuteClient = (*mockExecute)(nil)

func (m *mockExecute) wait(ctx context.Context) error {
	if m.delay == 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockExecute) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if !m.connected.Load() {
		return nil, errors.New("connection refused")
	}
	if method == "eth_blockNumber" {
		return json.RawMessage(fmt.Sprintf(`"0x%x"`, m.height.Load())), nil
	}
	if r, ok := m.results[method]; ok {
		return r, nil
	}
	return nil, &rpc.RPCError{Code: -32601, Message: "method not found"}
}

func (m *mockExecute) IsConnected(ctx context.Context) bool {
	if err := m.wait(ctx); err != nil {
		return false
	}
	return m.connected.Load()
}

func (m *mockExecute) GetBlockHeight(ctx context.Context) (uint64, error) {
	raw, err := m.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return rpc.DecodeHexUint64(raw)
}

func (m *mockExecute) GetTransaction(ctx context.Context, hash string) (*rpc.TxResult, error) {
	return nil, nil
}

func (m *mockExecute) SendTransaction(ctx context.Context, req rpc.TxRequest, key *ecdsa.PrivateKey) (*rpc.TxResult, error) {
	return nil, errors.New("not implemented")
}

func (m *mockExecute) GetNetworkInfo(ctx context.Context) (*rpc.NetworkInfo, error) {
	return &rpc.NetworkInfo{ChainID: "9000", BlockHeight: m.height.Load()}, nil
}

func (m *mockExecute) GetNonce(ctx context.Context, address string) (uint64, error) {
	return 0, nil
}

func (m *mockExecute) Close() error {
	m.closed.Add(1)
	return m.closeErr
}

// mockConsensus is a scriptable ConsensusClient.
type mockConsensus struct {
	url       string
	connected atomic.Bool
	height    atomic.Uint64
	closeErr  error
	closed    atomic.Int32
}

var _ rpc.ConsensusClient = (*mockConsensus)(nil)

func (m *mockConsensus) IsConnected(ctx context.Context) bool { return m.connected.Load() }

func (m *mockConsensus) GetBlockHeight(ctx context.Context) (uint64, error) {
	if !m.connected.Load() {
		return 0, errors.New("connection refused")
	}
	return m.height.Load(), nil
}

func (m *mockConsensus) GetNetworkInfo(ctx context.Context) (*rpc.NetworkInfo, error) {
	return &rpc.NetworkInfo{}, nil
}

func (m *mockConsensus) Close() error {
	m.closed.Add(1)
	return m.closeErr
}

// mockREST is a scriptable NodeInfoProber.
type mockREST struct {
	url       string
	connected atomic.Bool
	closed    atomic.Int32
}

var _ rpc.NodeInfoProber = (*mockREST)(nil)

func (m *mockREST) Probe(ctx context.Context) (*rpc.NetworkInfo, error) {
	if !m.connected.Load() {
		return nil, errors.New("connection refused")
	}
	return &rpc.NetworkInfo{ChainID: "hybrid-9000"}, nil
}

func (m *mockREST) Close() error {
	m.closed.Add(1)
	return nil
}

// hostState is the simulated liveness of a host, shared by every client
// the factory builds for it.
type hostState struct {
	up     atomic.Bool
	height atomic.Uint64
}

// mockFactory records every client it builds.
type mockFactory struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	delay     time.Duration
	executes  []*mockExecute
	consensus []*mockConsensus
	rests     []*mockREST
}

var _ ClientFactory = (*mockFactory)(nil)

func newMockFactory() *mockFactory {
	return &mockFactory{hosts: make(map[string]*hostState)}
}

func (f *mockFactory) host(url string) *hostState {
	f.mu.Lock()
	defer f.mu.Unlock()
	// url is scheme://host:port; key on everything before the port.
	key := url
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == ':' {
			key = url[:i]
			break
		}
	}
	h, ok := f.hosts[key]
	if !ok {
		h = &hostState{}
		h.up.Store(true)
		f.hosts[key] = h
	}
	return h
}

func (f *mockFactory) setUp(host string, up bool) {
	f.host("http://" + host + ":0").up.Store(up)
}

func (f *mockFactory) NewExecuteClient(url string) rpc.ExecuteClient {
	h := f.host(url)
	m := &mockExecute{url: url, delay: f.delay}
	m.connected.Store(h.up.Load())
	m.height.Store(h.height.Load())
	f.mu.Lock()
	f.executes = append(f.executes, m)
	f.mu.Unlock()
	return m
}

func (f *mockFactory) NewConsensusClient(url string) rpc.ConsensusClient {
	h := f.host(url)
	m := &mockConsensus{url: url}
	m.connected.Store(h.up.Load())
	m.height.Store(h.height.Load())
	f.mu.Lock()
	f.consensus = append(f.consensus, m)
	f.mu.Unlock()
	return m
}

func (f *mockFactory) NewRESTProbe(url string) rpc.NodeInfoProber {
	h := f.host(url)
	m := &mockREST{url: url}
	m.connected.Store(h.up.Load())
	f.mu.Lock()
	f.rests = append(f.rests, m)
	f.mu.Unlock()
	return m
}

func boolPtr(b bool) *bool { return &b }

func validators(powers ...uint64) []NodeConfig {
	nodes := make([]NodeConfig, len(powers))
	for i, vp := range powers {
		nodes[i] = NodeConfig{
			Index:       i,
			URL:         fmt.Sprintf("http://10.0.0.%d", i+1),
			Type:        Validator,
			VotingPower: vp,
		}
	}
	return nodes
}

var testPorts = DefaultPorts{Execute: 8545, Consensus: 26657, REST: 1317}

func newTestRegistry(nodes []NodeConfig, f *mockFactory) (*Registry, error) {
	return NewRegistry(Config{
		Nodes:        nodes,
		DefaultPorts: testPorts,
		Factory:      f,
		ProbeTimeout: 200 * time.Millisecond,
		CallTimeout:  200 * time.Millisecond,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

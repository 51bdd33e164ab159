package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// Default timeouts.
const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultCallTimeout  = 5 * time.Second
)

// Config holds registry configuration.
type Config struct {
	Nodes        []NodeConfig
	DefaultPorts DefaultPorts
	Factory      ClientFactory
	ProbeTimeout time.Duration
	CallTimeout  time.Duration
	Logger       *slog.Logger
}

// Registry owns the node set, its active bookkeeping and client lifecycle.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	nodes   []*Node // sorted by index
	byIndex map[int]*Node

	factory      ClientFactory
	probeTimeout time.Duration
	callTimeout  time.Duration
	logger       *slog.Logger
}

// NewRegistry creates the registry and activates every node configured active.
func NewRegistry(cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = &HTTPClientFactory{Logger: logger}
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if len(cfg.Nodes) == 0 {
		return nil, failure.Configf("no nodes configured")
	}

	r := &Registry{
		byIndex:      make(map[int]*Node, len(cfg.Nodes)),
		factory:      factory,
		probeTimeout: probeTimeout,
		callTimeout:  callTimeout,
		logger:       logger,
	}

	for _, nc := range cfg.Nodes {
		if _, dup := r.byIndex[nc.Index]; dup {
			return nil, failure.Configf("duplicate node index %d", nc.Index)
		}
		n, err := newNode(nc, cfg.DefaultPorts, logger)
		if err != nil {
			return nil, err
		}
		r.byIndex[nc.Index] = n
		r.nodes = append(r.nodes, n)
	}
	slices.SortFunc(r.nodes, func(a, b *Node) int { return a.Index - b.Index })

	for _, nc := range cfg.Nodes {
		if nc.StartsActive() {
			r.byIndex[nc.Index].activate(factory)
		}
	}

	logger.Info("node registry initialized", "nodes", len(r.nodes))
	return r, nil
}

// Nodes returns every node in index order.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Node returns the node with the given index.
func (r *Registry) Node(index int) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", index, ErrUnknownNode)
	}
	return n, nil
}

func (r *Registry) filter(keep func(*Node) bool) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Node
	for _, n := range r.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// ActiveNodes returns nodes currently active.
func (r *Registry) ActiveNodes() []*Node {
	return r.filter(func(n *Node) bool { return n.IsActive() })
}

// ActiveNotBootNodes returns active nodes that are not bootnodes.
func (r *Registry) ActiveNotBootNodes() []*Node {
	return r.filter(func(n *Node) bool { return n.IsActive() && n.Type != Bootnode })
}

// NodesByType returns every node of type t, active or not.
func (r *Registry) NodesByType(t NodeType) []*Node {
	return r.filter(func(n *Node) bool { return n.Type == t })
}

// Indices returns the indices of nodes.
func Indices(nodes []*Node) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Index
	}
	return out
}

// SetNodeActive flips the active flag. Activation builds clients for the
// exposed layers; deactivation closes them. Repeating the current value is
// a no-op. Remote services are not touched.
func (r *Registry) SetNodeActive(index int, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byIndex[index]
	if !ok {
		return fmt.Errorf("node %d: %w", index, ErrUnknownNode)
	}
	if active {
		n.activate(r.factory)
	} else {
		n.deactivate()
	}
	r.logger.Debug("node active flag set", "node", index, "active", active, "state", n.State().String())
	return nil
}

// SetVotingPower updates a node's voting power.
func (r *Registry) SetVotingPower(index int, vp uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byIndex[index]
	if !ok {
		return fmt.Errorf("node %d: %w", index, ErrUnknownNode)
	}
	n.setVotingPower(vp)
	return nil
}

// resolve maps indices to nodes. nil indices means all active nodes.
func (r *Registry) resolve(indices []int) ([]*Node, error) {
	if indices == nil {
		return r.ActiveNodes(), nil
	}
	nodes := make([]*Node, 0, len(indices))
	for _, idx := range indices {
		n, err := r.Node(idx)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// NodeResponse is one node's outcome of a fan-out request.
type NodeResponse struct {
	Index  int             `json:"index"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    error           `json:"-"`
}

// OK reports whether the node answered.
func (r NodeResponse) OK() bool { return r.Err == nil }

// MultipleNodeResponses sends req to every node in indices (nil means all
// active nodes) concurrently. Per-node failures are reported in the result,
// never returned; the only error is an unknown index.
func (r *Registry) MultipleNodeResponses(ctx context.Context, req rpc.Request, indices []int) ([]NodeResponse, error) {
	nodes, err := r.resolve(indices)
	if err != nil {
		return nil, err
	}

	out := make([]NodeResponse, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			result, err := n.call(ctx, r.callTimeout, req)
			out[i] = NodeResponse{Index: n.Index, Result: result, Err: err}
			if err != nil {
				r.logger.Debug("node request failed", "node", n.Index, "method", req.Method, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// TestConnection runs the layered connection test on a node and records
// the outcome in its state.
func (r *Registry) TestConnection(ctx context.Context, index int) (ConnectionResult, error) {
	n, err := r.Node(index)
	if err != nil {
		return ConnectionResult{}, err
	}
	res, err := n.TestConnection(ctx, r.probeTimeout)
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	if res.Connected {
		n.recordProbe(nil)
	} else {
		n.recordProbe(failure.Transient(errors.New(res.Error)))
	}
	r.mu.Unlock()
	return res, nil
}

// Connectivity is the per-layer reachability of one node.
type Connectivity struct {
	Host      string      `json:"host"`
	Index     int         `json:"index"`
	Found     bool        `json:"found"`
	Execute   LayerStatus `json:"execute"`
	Consensus LayerStatus `json:"consensus"`
}

// Reachable reports whether any layer answered.
func (c Connectivity) Reachable() bool {
	return c.Execute.Connected || c.Consensus.Connected
}

// CheckNodesConnectivity probes both layers of each node whose host or URL
// matches an entry of hosts (all nodes when hosts is empty). A layer with no
// client, or whose probe fails or times out, reports connected=false.
func (r *Registry) CheckNodesConnectivity(ctx context.Context, hosts []string) []Connectivity {
	type target struct {
		host string
		node *Node
	}
	var targets []target
	if len(hosts) == 0 {
		for _, n := range r.Nodes() {
			targets = append(targets, target{host: n.Host(), node: n})
		}
	} else {
		for _, h := range hosts {
			targets = append(targets, target{host: h, node: r.findByHost(h)})
		}
	}

	out := make([]Connectivity, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			c := Connectivity{Host: t.host, Index: -1}
			if t.node != nil {
				c.Index, c.Found = t.node.Index, true
				c.Execute, c.Consensus = probeBoth(ctx, r.probeTimeout, t.node.ExecuteClient(), t.node.ConsensusClient())
			}
			out[i] = c
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Registry) findByHost(h string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.host == h || n.rawURL == h {
			return n
		}
	}
	return nil
}

// ProbeNodeDirect probes a node's exposed execute and consensus endpoints
// with throwaway clients, whatever its active flag. Used to prove a stopped
// node is really down rather than only marked inactive.
func (r *Registry) ProbeNodeDirect(ctx context.Context, index int) (Connectivity, error) {
	n, err := r.Node(index)
	if err != nil {
		return Connectivity{}, err
	}

	var execute rpc.ExecuteClient
	var consensus rpc.ConsensusClient
	if u, err := n.URL(chainlayer.Execute); err == nil {
		execute = r.factory.NewExecuteClient(u)
		defer execute.Close()
	}
	if u, err := n.URL(chainlayer.Consensus); err == nil {
		consensus = r.factory.NewConsensusClient(u)
		defer consensus.Close()
	}
	if execute == nil && consensus == nil {
		return Connectivity{}, fmt.Errorf("node %d: %w", index, ErrNoTestableEndpoint)
	}

	c := Connectivity{Host: n.Host(), Index: index, Found: true}
	c.Execute, c.Consensus = probeBoth(ctx, r.probeTimeout, execute, consensus)
	return c, nil
}

// HeightSample is one node's sampled block height.
type HeightSample struct {
	Index  int    `json:"index"`
	Height uint64 `json:"height"`
	Err    error  `json:"-"`
}

// SampleHeights fetches each node's latest height concurrently. Nodes
// without an exposed execute port are sampled through consensus.
func (r *Registry) SampleHeights(ctx context.Context, indices []int) ([]HeightSample, error) {
	nodes, err := r.resolve(indices)
	if err != nil {
		return nil, err
	}

	out := make([]HeightSample, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			h, err := n.blockHeight(ctx, r.callTimeout)
			out[i] = HeightSample{Index: n.Index, Height: h, Err: err}
			if err != nil {
				r.logger.Debug("height sample failed", "node", n.Index, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// NodeStatus is a read-only view of a node for reporting.
type NodeStatus struct {
	Index         int       `json:"index"`
	Type          NodeType  `json:"type"`
	URL           string    `json:"url"`
	Host          string    `json:"host"`
	VotingPower   uint64    `json:"votingPower"`
	State         string    `json:"state"`
	Active        bool      `json:"active"`
	ExecutePort   PortState `json:"executePort"`
	ConsensusPort PortState `json:"consensusPort"`
	RESTPort      PortState `json:"restPort"`
}

// Snapshot returns the status of every node.
func (r *Registry) Snapshot() []NodeStatus {
	nodes := r.Nodes()
	out := make([]NodeStatus, len(nodes))
	for i, n := range nodes {
		st := n.State()
		out[i] = NodeStatus{
			Index:         n.Index,
			Type:          n.Type,
			URL:           n.rawURL,
			Host:          n.host,
			VotingPower:   n.VotingPower(),
			State:         st.String(),
			Active:        st.Active(),
			ExecutePort:   n.PortState(chainlayer.Execute),
			ConsensusPort: n.PortState(chainlayer.Consensus),
			RESTPort:      n.PortState(chainlayer.REST),
		}
	}
	return out
}

// Cleanup disconnects every live client.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		n.cleanup()
	}
	r.logger.Info("node registry cleaned up")
}

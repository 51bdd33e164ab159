// Package cluster owns the nodes of the cluster under test: their endpoint
// addressing, per-node client lifecycle, connectivity probing and the
// voting-power based selection of validators to fault.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// NodeType is the role of a node in the cluster.
type NodeType string

const (
	Validator    NodeType = "validator"
	NonValidator NodeType = "non-validator"
	Bootnode     NodeType = "bootnode"
)

// ParseNodeType parses a node type name.
func ParseNodeType(s string) (NodeType, error) {
	switch t := NodeType(strings.ToLower(s)); t {
	case Validator, NonValidator, Bootnode:
		return t, nil
	default:
		return "", failure.Configf("unknown node type %q", s)
	}
}

var (
	// ErrPortNotExposed is returned when an endpoint of a NotExposed layer is requested.
	ErrPortNotExposed = fmt.Errorf("%w: port not exposed", failure.ErrConfiguration)

	// ErrNoTestableEndpoint is returned when a node has no client on any layer.
	ErrNoTestableEndpoint = fmt.Errorf("%w: no testable endpoint", failure.ErrConfiguration)

	// ErrNoClient is returned when a request targets a layer without a live client.
	ErrNoClient = fmt.Errorf("%w: no client for layer", failure.ErrConfiguration)

	// ErrUnknownNode is returned for an index not in the registry.
	ErrUnknownNode = fmt.Errorf("%w: unknown node", failure.ErrConfiguration)

	// ErrNotProbed is the disconnection reason of a freshly activated node.
	ErrNotProbed = errors.New("not probed yet")
)

// StateKind enumerates the node lifecycle states.
type StateKind uint8

const (
	Inactive StateKind = iota
	ActiveConnected
	ActiveDisconnected
)

func (k StateKind) String() string {
	switch k {
	case ActiveConnected:
		return "active-connected"
	case ActiveDisconnected:
		return "active-disconnected"
	default:
		return "inactive"
	}
}

// NodeState is the lifecycle state of a node. Err is set only for
// ActiveDisconnected.
type NodeState struct {
	Kind StateKind
	Err  error
}

// Active reports whether the node is in one of the active states.
func (s NodeState) Active() bool {
	return s.Kind != Inactive
}

func (s NodeState) String() string {
	if s.Kind == ActiveDisconnected && s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}

// NodeConfig is the static description of a node as loaded from config.
type NodeConfig struct {
	Index       int       `yaml:"index" json:"index"`
	URL         string    `yaml:"url" json:"url"`
	Type        NodeType  `yaml:"type" json:"type"`
	VotingPower uint64    `yaml:"votingPower" json:"votingPower"`
	Active      *bool     `yaml:"active,omitempty" json:"active,omitempty"` // nil means active
	Execute     PortState `yaml:"executePort,omitempty" json:"executePort"`
	Consensus   PortState `yaml:"consensusPort,omitempty" json:"consensusPort"`
	REST        PortState `yaml:"restPort,omitempty" json:"restPort"`
}

// StartsActive reports the initial active flag.
func (c NodeConfig) StartsActive() bool {
	return c.Active == nil || *c.Active
}

// Port returns the configured state for a layer.
func (c NodeConfig) Port(layer chainlayer.Layer) PortState {
	switch layer {
	case chainlayer.Execute:
		return c.Execute
	case chainlayer.Consensus:
		return c.Consensus
	default:
		return c.REST
	}
}

// DefaultPorts are the chain-wide ports used by UseDefault endpoints.
type DefaultPorts struct {
	Execute   int `yaml:"execute" json:"execute"`
	Consensus int `yaml:"consensus" json:"consensus"`
	REST      int `yaml:"rest" json:"rest"`
}

// For returns the default port of a layer.
func (d DefaultPorts) For(layer chainlayer.Layer) int {
	switch layer {
	case chainlayer.Execute:
		return d.Execute
	case chainlayer.Consensus:
		return d.Consensus
	default:
		return d.REST
	}
}

// Node is one member of the cluster and the facade over its layer clients.
// A layer client exists iff the node is active and the layer is not NotExposed.
type Node struct {
	Index int
	Type  NodeType

	rawURL   string
	scheme   string
	host     string
	ports    map[chainlayer.Layer]PortState
	defaults DefaultPorts
	logger   *slog.Logger

	mu          sync.RWMutex
	votingPower uint64
	state       NodeState
	execute     rpc.ExecuteClient
	consensus   rpc.ConsensusClient
	rest        rpc.NodeInfoProber
}

func newNode(cfg NodeConfig, defaults DefaultPorts, logger *slog.Logger) (*Node, error) {
	scheme, host, err := parseHost(cfg.URL)
	if err != nil {
		return nil, failure.Configf("node %d: %v", cfg.Index, err)
	}
	nodeType := cfg.Type
	if nodeType == "" {
		nodeType = Validator
	}
	if _, err := ParseNodeType(string(nodeType)); err != nil {
		return nil, fmt.Errorf("node %d: %w", cfg.Index, err)
	}

	ports := make(map[chainlayer.Layer]PortState, len(chainlayer.Layers))
	for _, l := range chainlayer.Layers {
		ports[l] = cfg.Port(l)
	}

	return &Node{
		Index:       cfg.Index,
		Type:        nodeType,
		rawURL:      cfg.URL,
		scheme:      scheme,
		host:        host,
		ports:       ports,
		defaults:    defaults,
		logger:      logger.With("node", cfg.Index),
		votingPower: cfg.VotingPower,
	}, nil
}

// parseHost accepts "http://10.0.0.1:8545", "10.0.0.1" or "node-0.local:8545".
func parseHost(raw string) (scheme, host string, err error) {
	if raw == "" {
		return "", "", errors.New("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("url %q has no host", raw)
	}
	return u.Scheme, u.Hostname(), nil
}

// Host returns the hostname or IP parsed from the node URL.
func (n *Node) Host() string { return n.host }

// RawURL returns the URL the node was configured with.
func (n *Node) RawURL() string { return n.rawURL }

// PortState returns the configured exposure of a layer.
func (n *Node) PortState(layer chainlayer.Layer) PortState {
	return n.ports[layer]
}

// URL returns the endpoint of a layer: the node host plus the resolved port.
func (n *Node) URL(layer chainlayer.Layer) (string, error) {
	port, ok := n.ports[layer].Resolve(n.defaults.For(layer))
	if !ok {
		return "", fmt.Errorf("node %d %s: %w", n.Index, layer, ErrPortNotExposed)
	}
	return fmt.Sprintf("%s://%s:%d", n.scheme, n.host, port), nil
}

// VotingPower returns the node's current voting power.
func (n *Node) VotingPower() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.votingPower
}

// State returns the current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// IsActive reports whether the node is in an active state.
func (n *Node) IsActive() bool {
	return n.State().Active()
}

// ExecuteClient returns the live execute-layer client, or nil.
func (n *Node) ExecuteClient() rpc.ExecuteClient {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.execute
}

// ConsensusClient returns the live consensus-layer client, or nil.
func (n *Node) ConsensusClient() rpc.ConsensusClient {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.consensus
}

// RESTProbe returns the live REST prober, or nil.
func (n *Node) RESTProbe() rpc.NodeInfoProber {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rest
}

// The functions below are the only state mutators. They are called by the
// Registry with the registry lock held.

func (n *Node) setVotingPower(vp uint64) {
	n.mu.Lock()
	n.votingPower = vp
	n.mu.Unlock()
}

// activate builds clients for every exposed layer. No-op when already active.
func (n *Node) activate(factory ClientFactory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Active() {
		return
	}

	if u, err := n.URL(chainlayer.Execute); err == nil {
		n.execute = factory.NewExecuteClient(u)
	}
	if u, err := n.URL(chainlayer.Consensus); err == nil {
		n.consensus = factory.NewConsensusClient(u)
	}
	if u, err := n.URL(chainlayer.REST); err == nil {
		n.rest = factory.NewRESTProbe(u)
	}
	n.state = NodeState{Kind: ActiveDisconnected, Err: ErrNotProbed}
}

// deactivate tears down clients. No-op when already inactive.
func (n *Node) deactivate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.Active() {
		return
	}
	n.closeClientsLocked()
	n.state = NodeState{Kind: Inactive}
}

// recordProbe moves an active node between connected and disconnected.
// Probe results for inactive nodes are ignored.
func (n *Node) recordProbe(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.Active() {
		return
	}
	if err != nil {
		n.state = NodeState{Kind: ActiveDisconnected, Err: err}
		return
	}
	n.state = NodeState{Kind: ActiveConnected}
}

// closeClientsLocked closes each client independently; a failure on one
// does not stop the others.
func (n *Node) closeClientsLocked() {
	if n.execute != nil {
		if err := n.execute.Close(); err != nil {
			n.logger.Warn("failed to close execute client", "error", err)
		}
		n.execute = nil
	}
	if n.consensus != nil {
		if err := n.consensus.Close(); err != nil {
			n.logger.Warn("failed to close consensus client", "error", err)
		}
		n.consensus = nil
	}
	if n.rest != nil {
		if err := n.rest.Close(); err != nil {
			n.logger.Warn("failed to close rest probe", "error", err)
		}
		n.rest = nil
	}
}

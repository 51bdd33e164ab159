package chainlayer

import (
	"sort"
	"sync"
)

// Registry holds registered layer kinds.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Kind
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Kind),
	}
}

// Register adds or updates a kind.
func (r *Registry) Register(k *Kind) {
	if k == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[k.Name] = k
}

// Get retrieves a kind by name. Returns nil if not found.
func (r *Registry) Get(name string) *Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Lookup retrieves a kind by name and checks it serves the given layer.
func (r *Registry) Lookup(name string, layer Layer) (*Kind, bool) {
	k := r.Get(name)
	if k == nil || k.Layer != layer {
		return nil, false
	}
	return k, true
}

// Names returns all registered names for a layer, sorted.
// An empty layer returns every name.
func (r *Registry) Names(layer Layer) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, k := range r.entries {
		if layer == "" || k.Layer == layer {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EVMKind())
	r.Register(CometBFTKind())
	// Legacy alias: "tendermint" maps to cometbft
	r.Register(TendermintKind())
	return r
}

// EVMKind returns the generic EVM JSON-RPC execute layer.
func EVMKind() *Kind {
	return &Kind{
		Name:          "evm",
		Layer:         Execute,
		DefaultPort:   8545,
		ContainerName: "execution",
	}
}

// CometBFTKind returns the CometBFT consensus layer with its Cosmos SDK API server.
func CometBFTKind() *Kind {
	return &Kind{
		Name:            "cometbft",
		Layer:           Consensus,
		DefaultPort:     26657,
		DefaultRESTPort: 1317,
		ContainerName:   "consensus",
	}
}

// TendermintKind returns the "tendermint" alias of cometbft.
func TendermintKind() *Kind {
	k := CometBFTKind()
	k.Name = "tendermint"
	return k
}

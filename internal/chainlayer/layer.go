// Package chainlayer provides the layer kinds a hybrid cluster can run and
// the ports their endpoints listen on by default.
// This lets the harness address evm/cometbft style nodes without scattered
// per-kind conditionals.
package chainlayer

import "fmt"

// Layer is one endpoint family of a node.
type Layer string

const (
	// Execute is the EVM JSON-RPC endpoint.
	Execute Layer = "execute"
	// Consensus is the CometBFT RPC endpoint.
	Consensus Layer = "consensus"
	// REST is the Cosmos SDK API server.
	REST Layer = "rest"
)

// Layers lists every layer in probe order.
var Layers = []Layer{Execute, Consensus, REST}

// ParseLayer parses a layer name.
func ParseLayer(s string) (Layer, error) {
	switch l := Layer(s); l {
	case Execute, Consensus, REST:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layer %q", s)
	}
}

// Kind describes a client implementation running one layer of a node.
type Kind struct {
	// Name is the canonical identifier (e.g. "evm", "cometbft").
	Name string

	// Layer is the layer this kind serves.
	Layer Layer

	// DefaultPort is the port the kind listens on when a node does not override it.
	DefaultPort int

	// DefaultRESTPort is the API server port shipped with a consensus kind.
	// Zero when the kind has no REST server.
	DefaultRESTPort int

	// ContainerName is the docker container suffix for this layer's service.
	ContainerName string
}

// String returns the canonical name of the kind.
func (k *Kind) String() string {
	if k == nil {
		return "unknown"
	}
	return k.Name
}

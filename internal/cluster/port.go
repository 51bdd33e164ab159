package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type portKind uint8

const (
	portUseDefault portKind = iota
	portExposed
	portNotExposed
)

// PortState is the configured exposure of one node endpoint.
// The zero value is UseDefault.
type PortState struct {
	kind portKind
	port int
}

// Exposed returns a state for an explicitly configured port.
func Exposed(port int) PortState {
	return PortState{kind: portExposed, port: port}
}

// NotExposed returns a state for an endpoint the node does not serve.
func NotExposed() PortState {
	return PortState{kind: portNotExposed}
}

// UseDefault returns a state that resolves to the chain-wide default port.
func UseDefault() PortState {
	return PortState{}
}

// IsExposed reports whether an explicit port was configured.
func (p PortState) IsExposed() bool { return p.kind == portExposed }

// IsNotExposed reports whether the endpoint must never be dialed.
func (p PortState) IsNotExposed() bool { return p.kind == portNotExposed }

// IsDefault reports whether the state defers to the default port.
func (p PortState) IsDefault() bool { return p.kind == portUseDefault }

// Resolve returns the port to dial. ok is false for NotExposed, and for
// UseDefault when no default is configured.
func (p PortState) Resolve(defaultPort int) (port int, ok bool) {
	switch p.kind {
	case portExposed:
		return p.port, true
	case portUseDefault:
		return defaultPort, defaultPort > 0
	default:
		return 0, false
	}
}

func (p PortState) String() string {
	switch p.kind {
	case portExposed:
		return strconv.Itoa(p.port)
	case portNotExposed:
		return "not-exposed"
	default:
		return "default"
	}
}

// ParsePortState parses the textual form used in config files and flags.
func ParsePortState(s string) (PortState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return UseDefault(), nil
	case "none", "false", "not-exposed", "disabled":
		return NotExposed(), nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return PortState{}, fmt.Errorf("invalid port %q", s)
	}
	if port <= 0 || port > 65535 {
		return PortState{}, fmt.Errorf("port %d out of range", port)
	}
	return Exposed(port), nil
}

// UnmarshalYAML accepts an integer port, "default", or one of
// "none"/"false"/"not-exposed".
func (p *PortState) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: port must be a scalar", value.Line)
	}
	if value.Tag == "!!null" {
		*p = UseDefault()
		return nil
	}
	parsed, err := ParsePortState(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*p = parsed
	return nil
}

// MarshalYAML writes the same forms UnmarshalYAML reads.
func (p PortState) MarshalYAML() (any, error) {
	if p.kind == portExposed {
		return p.port, nil
	}
	return p.String(), nil
}

// MarshalText lets PortState render in JSON API responses.
func (p PortState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText reads the form MarshalText writes, for API clients.
func (p *PortState) UnmarshalText(text []byte) error {
	parsed, err := ParsePortState(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Package consistency asserts that several nodes give the same answer to
// the same RPC request.
package consistency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// MinQuorum is the number of successful responses needed to compare anything.
const MinQuorum = 2

var (
	// ErrInsufficientQuorum is returned when fewer than MinQuorum nodes answered.
	ErrInsufficientQuorum = fmt.Errorf("%w: insufficient quorum", failure.ErrInvariant)

	// ErrConsistencyViolation is matched by every *ViolationError.
	ErrConsistencyViolation = fmt.Errorf("%w: inconsistent responses", failure.ErrInvariant)
)

// ViolationError names the pair of nodes whose responses disagree.
type ViolationError struct {
	Method string
	A, B   int
	ValueA string
	ValueB string

	// Distance is set when the values were compared numerically.
	Distance  *big.Int
	Tolerance uint64
}

func (e *ViolationError) Error() string {
	if e.Distance != nil {
		return fmt.Sprintf("%s: nodes %d and %d differ by %s (tolerance %d): %s vs %s",
			e.Method, e.A, e.B, e.Distance, e.Tolerance, e.ValueA, e.ValueB)
	}
	return fmt.Sprintf("%s: nodes %d and %d disagree: %s vs %s", e.Method, e.A, e.B, e.ValueA, e.ValueB)
}

func (e *ViolationError) Unwrap() error { return ErrConsistencyViolation }

// Fanout dispatches one request to many nodes.
type Fanout interface {
	MultipleNodeResponses(ctx context.Context, req rpc.Request, indices []int) ([]cluster.NodeResponse, error)
}

var _ Fanout = (*cluster.Registry)(nil)

// Outcome is one node's contribution to an assertion.
type Outcome struct {
	Index  int             `json:"index"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Assertion records a consistency check and what every node returned.
type Assertion struct {
	Request   rpc.Request `json:"request"`
	Tolerance uint64      `json:"tolerance"`
	Outcomes  []Outcome   `json:"outcomes"`
	Passed    bool        `json:"passed"`
}

// Checker compares node responses.
type Checker struct {
	nodes  Fanout
	logger *slog.Logger
}

// NewChecker creates a checker over a fan-out source, usually the node registry.
func NewChecker(nodes Fanout, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{nodes: nodes, logger: logger}
}

// AssertConsistentResponses sends req to indices (nil means all active
// nodes) and compares every successful response against the first.
//
// With tolerance 0 the decoded JSON values must be deeply equal. With a
// positive tolerance, hex-encoded integer results ("0x...") are compared
// numerically and fail when max-min >= tolerance; any other value still has
// to equal the first response exactly.
//
// The returned Assertion is populated even when an error is returned.
func (c *Checker) AssertConsistentResponses(ctx context.Context, req rpc.Request, tolerance uint64, indices []int) (*Assertion, error) {
	a := &Assertion{Request: req, Tolerance: tolerance}

	resps, err := c.nodes.MultipleNodeResponses(ctx, req, indices)
	if err != nil {
		return a, err
	}

	var ok []cluster.NodeResponse
	for _, r := range resps {
		o := Outcome{Index: r.Index, Result: r.Result}
		if r.Err != nil {
			o.Error = r.Err.Error()
		} else {
			ok = append(ok, r)
		}
		a.Outcomes = append(a.Outcomes, o)
	}

	if len(ok) < MinQuorum {
		return a, fmt.Errorf("%s: %d of %d nodes answered: %w", req.Method, len(ok), len(resps), ErrInsufficientQuorum)
	}

	if err := compare(req.Method, ok, tolerance); err != nil {
		c.logger.Warn("consistency violation", "method", req.Method, "error", err)
		return a, err
	}

	a.Passed = true
	c.logger.Debug("responses consistent", "method", req.Method, "nodes", len(ok), "tolerance", tolerance)
	return a, nil
}

type decoded struct {
	index int
	raw   json.RawMessage
	value any
	num   *big.Int // non-nil for hex integers
}

func decode(r cluster.NodeResponse) (decoded, error) {
	d := decoded{index: r.Index, raw: r.Result}
	dec := json.NewDecoder(bytes.NewReader(r.Result))
	dec.UseNumber()
	if err := dec.Decode(&d.value); err != nil {
		return d, fmt.Errorf("node %d: failed to decode result: %w", r.Index, err)
	}
	if s, ok := d.value.(string); ok {
		d.num = parseHexInt(s)
	}
	return d, nil
}

func compare(method string, resps []cluster.NodeResponse, tolerance uint64) error {
	vals := make([]decoded, len(resps))
	for i, r := range resps {
		d, err := decode(r)
		if err != nil {
			return failure.Transient(err)
		}
		vals[i] = d
	}

	first := vals[0]
	var lo, hi *decoded
	for i := range vals {
		v := &vals[i]
		if tolerance > 0 && v.num != nil && first.num != nil {
			if lo == nil || v.num.Cmp(lo.num) < 0 {
				lo = v
			}
			if hi == nil || v.num.Cmp(hi.num) > 0 {
				hi = v
			}
			continue
		}
		if !reflect.DeepEqual(first.value, v.value) {
			return &ViolationError{
				Method: method,
				A:      first.index,
				B:      v.index,
				ValueA: string(first.raw),
				ValueB: string(v.raw),
			}
		}
	}

	if lo == nil || lo == hi {
		return nil
	}
	dist := new(big.Int).Sub(hi.num, lo.num)
	if dist.Cmp(new(big.Int).SetUint64(tolerance)) >= 0 {
		return &ViolationError{
			Method:    method,
			A:         lo.index,
			B:         hi.index,
			ValueA:    string(lo.raw),
			ValueB:    string(hi.raw),
			Distance:  dist,
			Tolerance: tolerance,
		}
	}
	return nil
}

// parseHexInt returns the value of a JSON-RPC quantity, or nil for any
// other string.
func parseHexInt(s string) *big.Int {
	n, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil
	}
	return n
}

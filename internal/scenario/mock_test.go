package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/consistency"
	"github.com/gateway-fm/faultinjector/internal/probe"
	"github.com/gateway-fm/faultinjector/internal/rpc"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

// fakeBackend tracks which nodes are down.
type fakeBackend struct {
	mu      sync.Mutex
	down    map[int]bool
	stuck   map[int]bool // stop has no effect
	stops   []int
	starts  []int
	stopErr error
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{down: make(map[int]bool), stuck: make(map[int]bool)}
}

func (b *fakeBackend) Method() backend.Method { return backend.MethodSSH }

func (b *fakeBackend) StopNode(ctx context.Context, n *cluster.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, n.Index)
	if !b.stuck[n.Index] {
		b.down[n.Index] = true
	}
	return b.stopErr
}

func (b *fakeBackend) StartNode(ctx context.Context, n *cluster.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, n.Index)
	delete(b.down, n.Index)
	return nil
}

func (b *fakeBackend) isDown(idx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down[idx]
}

func (b *fakeBackend) counts() (stops, starts []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.stops...), append([]int(nil), b.starts...)
}

// heightFunc returns node idx's height at the given SampleHeights call.
type heightFunc func(idx, call int) (uint64, error)

// fakeCluster is a real registry whose network observations are scripted.
type fakeCluster struct {
	*cluster.Registry
	backend *fakeBackend
	height  heightFunc

	mu    sync.Mutex
	calls int
}

var _ Cluster = (*fakeCluster)(nil)

func newFakeCluster(t *testing.T, b *fakeBackend, height heightFunc, powers ...uint64) *fakeCluster {
	t.Helper()
	nodes := make([]cluster.NodeConfig, len(powers))
	for i, vp := range powers {
		nodes[i] = cluster.NodeConfig{
			Index:       i,
			URL:         fmt.Sprintf("http://10.0.0.%d", i+1),
			VotingPower: vp,
		}
	}
	return newFakeClusterFrom(t, b, height, nodes, cluster.DefaultPorts{Execute: 8545, Consensus: 26657})
}

// newFakeClusterFrom builds a fake cluster over explicit node configs, so
// execute clients can point at a local test server.
func newFakeClusterFrom(t *testing.T, b *fakeBackend, height heightFunc, nodes []cluster.NodeConfig, ports cluster.DefaultPorts) *fakeCluster {
	t.Helper()
	reg, err := cluster.NewRegistry(cluster.Config{
		Nodes:        nodes,
		DefaultPorts: ports,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	t.Cleanup(reg.Cleanup)
	return &fakeCluster{Registry: reg, backend: b, height: height}
}

func (c *fakeCluster) SampleHeights(ctx context.Context, indices []int) ([]cluster.HeightSample, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	c.mu.Unlock()

	out := make([]cluster.HeightSample, len(indices))
	for i, idx := range indices {
		out[i].Index = idx
		if c.backend.isDown(idx) {
			out[i].Err = errors.New("connection refused")
			continue
		}
		out[i].Height, out[i].Err = c.height(idx, call)
	}
	return out, nil
}

func (c *fakeCluster) ProbeNodeDirect(ctx context.Context, index int) (cluster.Connectivity, error) {
	up := !c.backend.isDown(index)
	return cluster.Connectivity{
		Index:     index,
		Found:     true,
		Execute:   cluster.LayerStatus{Present: true, Connected: up},
		Consensus: cluster.LayerStatus{Present: true, Connected: up},
	}, nil
}

// fakeProber answers probes with a fixed outcome.
type fakeProber struct {
	mu      sync.Mutex
	sendErr error
	sends   int
	warmUps int
}

var _ Prober = (*fakeProber)(nil)

func (p *fakeProber) Send(ctx context.Context, client probe.Client) (*probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends++
	if p.sendErr != nil {
		return &probe.Result{Error: p.sendErr.Error()}, p.sendErr
	}
	return &probe.Result{Hash: fmt.Sprintf("0x%02x", p.sends), Included: true, BlockNumber: 1}, nil
}

func (p *fakeProber) WarmUp(ctx context.Context, client probe.Client, count int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warmUps++
	return count, nil
}

// fakeStore keeps saved reports.
type fakeStore struct {
	mu      sync.Mutex
	reports []*types.Report
}

func (s *fakeStore) SaveRun(ctx context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// fakeRecorder counts metric calls.
type fakeRecorder struct {
	mu        sync.Mutex
	steps     map[string]int
	scenarios map[string]bool
	achieved  uint64
}

var _ Recorder = (*fakeRecorder)(nil)

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{steps: make(map[string]int), scenarios: make(map[string]bool)}
}

func (r *fakeRecorder) RecordStep(step string, ok bool, d time.Duration) {
	r.mu.Lock()
	r.steps[step]++
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordScenario(scenario string, passed bool) {
	r.mu.Lock()
	r.scenarios[scenario] = passed
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordSelection(total, target, achieved uint64) {
	r.mu.Lock()
	r.achieved = achieved
	r.mu.Unlock()
}

func (r *fakeRecorder) SetNodeHeight(node int, height uint64)     {}
func (r *fakeRecorder) SetNodeUp(node int, layer string, up bool) {}

// advancing heights grow by 5 every sample.
func advancing(idx, call int) (uint64, error) {
	return uint64(10 + idx + 5*call), nil
}

func constant(h uint64) heightFunc {
	return func(idx, call int) (uint64, error) { return h, nil }
}

func fastOptions() Options {
	return Options{
		PostStopWait:    -1,
		RestartSettle:   -1,
		PostRestartWait: -1,
		WarmUpSettle:    -1,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChecker answers consistency assertions with a scripted error per method.
type fakeChecker struct {
	mu      sync.Mutex
	errs    map[string]error
	methods []string
}

var _ ConsistencyChecker = (*fakeChecker)(nil)

func (c *fakeChecker) AssertConsistentResponses(ctx context.Context, req rpc.Request, tolerance uint64, indices []int) (*consistency.Assertion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, req.Method)
	err := c.errs[req.Method]
	return &consistency.Assertion{Request: req, Tolerance: tolerance, Passed: err == nil}, err
}

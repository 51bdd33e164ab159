package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name  string
		nodes []NodeConfig
	}{
		{"no nodes", nil},
		{"duplicate index", []NodeConfig{{Index: 1, URL: "10.0.0.1"}, {Index: 1, URL: "10.0.0.2"}}},
		{"empty url", []NodeConfig{{Index: 0}}},
		{"bad type", []NodeConfig{{Index: 0, URL: "10.0.0.1", Type: "observer"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestRegistry(tt.nodes, newMockFactory())
			if !errors.Is(err, failure.ErrConfiguration) {
				t.Errorf("NewRegistry() error = %v, want configuration error", err)
			}
		})
	}
}

func TestRegistryFilters(t *testing.T) {
	nodes := []NodeConfig{
		{Index: 2, URL: "10.0.0.3", Type: Validator, VotingPower: 1},
		{Index: 0, URL: "10.0.0.1", Type: Bootnode},
		{Index: 1, URL: "10.0.0.2", Type: NonValidator},
		{Index: 3, URL: "10.0.0.4", Type: Validator, VotingPower: 1, Active: boolPtr(false)},
	}
	r, err := newTestRegistry(nodes, newMockFactory())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	assertIndices(t, "Nodes", Indices(r.Nodes()), []int{0, 1, 2, 3})
	assertIndices(t, "ActiveNodes", Indices(r.ActiveNodes()), []int{0, 1, 2})
	assertIndices(t, "ActiveNotBootNodes", Indices(r.ActiveNotBootNodes()), []int{1, 2})
	assertIndices(t, "NodesByType(validator)", Indices(r.NodesByType(Validator)), []int{2, 3})

	// Filters are live, never cached.
	if err := r.SetNodeActive(2, false); err != nil {
		t.Fatal(err)
	}
	assertIndices(t, "ActiveNotBootNodes after deactivation", Indices(r.ActiveNotBootNodes()), []int{1})
}

func TestSetNodeActiveIdempotent(t *testing.T) {
	f := newMockFactory()
	r, err := newTestRegistry(validators(1), f)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := r.SetNodeActive(0, true); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.executes) != 1 {
		t.Errorf("repeated activation built %d execute clients, want 1", len(f.executes))
	}

	for i := 0; i < 2; i++ {
		if err := r.SetNodeActive(0, false); err != nil {
			t.Fatal(err)
		}
	}
	if f.executes[0].closed.Load() != 1 {
		t.Errorf("repeated deactivation closed %d times, want 1", f.executes[0].closed.Load())
	}

	if err := r.SetNodeActive(0, true); err != nil {
		t.Fatal(err)
	}
	if len(f.executes) != 2 {
		t.Errorf("reactivation should build a fresh client, have %d", len(f.executes))
	}

	if err := r.SetNodeActive(42, true); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("SetNodeActive(42) error = %v, want ErrUnknownNode", err)
	}
}

func TestMultipleNodeResponsesPartialFailure(t *testing.T) {
	f := newMockFactory()
	f.setUp("10.0.0.2", false)
	r, err := newTestRegistry(validators(1, 1, 1), f)
	if err != nil {
		t.Fatal(err)
	}

	resps, err := r.MultipleNodeResponses(context.Background(), rpc.Request{Method: "eth_blockNumber"}, nil)
	if err != nil {
		t.Fatalf("MultipleNodeResponses() error = %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for _, resp := range resps {
		wantOK := resp.Index != 1
		if resp.OK() != wantOK {
			t.Errorf("node %d OK = %v, want %v (err %v)", resp.Index, resp.OK(), wantOK, resp.Err)
		}
	}
	if !errors.Is(resps[1].Err, failure.ErrTransient) {
		t.Errorf("per-node failure should be transient, got %v", resps[1].Err)
	}
}

func TestMultipleNodeResponsesInactiveNodeHasNoClient(t *testing.T) {
	r, err := newTestRegistry(validators(1, 1), newMockFactory())
	if err != nil {
		t.Fatal(err)
	}
	_ = r.SetNodeActive(1, false)

	resps, err := r.MultipleNodeResponses(context.Background(), rpc.Request{Method: "eth_blockNumber"}, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if !resps[0].OK() {
		t.Errorf("node 0 failed: %v", resps[0].Err)
	}
	if !errors.Is(resps[1].Err, ErrNoClient) {
		t.Errorf("node 1 error = %v, want ErrNoClient", resps[1].Err)
	}

	if _, err := r.MultipleNodeResponses(context.Background(), rpc.Request{Method: "eth_blockNumber"}, []int{7}); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("unknown index error = %v, want ErrUnknownNode", err)
	}
}

func TestMultipleNodeResponsesSlowNodeDoesNotBlockOthers(t *testing.T) {
	f := newMockFactory()
	r, err := newTestRegistry(validators(1, 1), f)
	if err != nil {
		t.Fatal(err)
	}
	f.executes[1].delay = time.Second

	start := time.Now()
	resps, _ := r.MultipleNodeResponses(context.Background(), rpc.Request{Method: "eth_blockNumber"}, nil)
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Errorf("fan-out took %v, slow node should time out independently", elapsed)
	}
	if !resps[0].OK() {
		t.Errorf("fast node failed: %v", resps[0].Err)
	}
	if resps[1].OK() {
		t.Error("slow node should have timed out")
	}
}

func TestSampleHeights(t *testing.T) {
	f := newMockFactory()
	r, err := newTestRegistry(validators(1, 1, 1), f)
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range []uint64{10, 12, 11} {
		f.executes[i].height.Store(h)
	}

	samples, err := r.SampleHeights(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{10, 12, 11}
	for i, s := range samples {
		if s.Err != nil || s.Height != want[i] {
			t.Errorf("sample %d = (%d, %v), want %d", s.Index, s.Height, s.Err, want[i])
		}
	}
}

func TestSampleHeightsConsensusOnlyNode(t *testing.T) {
	f := newMockFactory()
	nodes := validators(1, 1, 1, 1)
	nodes[3].Execute = NotExposed()
	r, err := newTestRegistry(nodes, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.executes) != 3 || len(f.consensus) != 4 {
		t.Fatalf("built %d execute and %d consensus clients, want 3 and 4", len(f.executes), len(f.consensus))
	}
	for i, h := range []uint64{20, 21, 22} {
		f.executes[i].height.Store(h)
	}
	f.consensus[3].height.Store(23)

	samples, err := r.SampleHeights(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	want := []uint64{20, 21, 22, 23}
	for i, s := range samples {
		if s.Err != nil || s.Height != want[i] {
			t.Errorf("sample %d = (%d, %v), want %d", s.Index, s.Height, s.Err, want[i])
		}
	}

	f.consensus[3].connected.Store(false)
	samples, err = r.SampleHeights(context.Background(), []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if samples[0].Err == nil || !errors.Is(samples[0].Err, failure.ErrTransient) {
		t.Errorf("unreachable consensus sample err = %v, want transient", samples[0].Err)
	}
}

func TestCheckNodesConnectivity(t *testing.T) {
	f := newMockFactory()
	f.setUp("10.0.0.2", false)
	nodes := validators(1, 1, 1)
	nodes[2].Consensus = NotExposed()
	r, err := newTestRegistry(nodes, f)
	if err != nil {
		t.Fatal(err)
	}

	got := r.CheckNodesConnectivity(context.Background(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.9.9.9"})
	if len(got) != 4 {
		t.Fatalf("got %d results, want 4", len(got))
	}

	if !got[0].Execute.Connected || !got[0].Consensus.Connected {
		t.Errorf("10.0.0.1 = %+v, want both connected", got[0])
	}
	if got[1].Execute.Connected || got[1].Consensus.Connected {
		t.Errorf("10.0.0.2 = %+v, want both disconnected", got[1])
	}
	if !got[2].Execute.Connected || got[2].Consensus.Connected || got[2].Consensus.Present {
		t.Errorf("10.0.0.3 = %+v, want consensus absent", got[2])
	}
	if got[3].Found || got[3].Reachable() {
		t.Errorf("unknown host = %+v, want not found", got[3])
	}
}

func TestProbeNodeDirectIgnoresActiveFlag(t *testing.T) {
	f := newMockFactory()
	r, err := newTestRegistry(validators(1, 1), f)
	if err != nil {
		t.Fatal(err)
	}

	// Marked inactive but the services are still running.
	_ = r.SetNodeActive(0, false)
	c, err := r.ProbeNodeDirect(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Reachable() {
		t.Error("a node marked inactive but still running should be reachable")
	}

	// Services really stopped.
	f.setUp("10.0.0.2", false)
	_ = r.SetNodeActive(1, false)
	c, err = r.ProbeNodeDirect(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Execute.Connected || c.Consensus.Connected {
		t.Errorf("stopped node = %+v, want both layers disconnected", c)
	}

	n, _ := r.Node(1)
	if n.IsActive() {
		t.Error("direct probe must not change the node state")
	}
}

func TestRegistryTestConnectionRecordsState(t *testing.T) {
	f := newMockFactory()
	f.setUp("10.0.0.2", false)
	r, err := newTestRegistry(validators(1, 1), f)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.TestConnection(context.Background(), 0)
	if err != nil || !res.Connected {
		t.Fatalf("TestConnection(0) = %+v, %v", res, err)
	}
	n0, _ := r.Node(0)
	if n0.State().Kind != ActiveConnected {
		t.Errorf("node 0 state = %s, want active-connected", n0.State())
	}

	res, err = r.TestConnection(context.Background(), 1)
	if err != nil || res.Connected {
		t.Fatalf("TestConnection(1) = %+v, %v", res, err)
	}
	n1, _ := r.Node(1)
	if st := n1.State(); st.Kind != ActiveDisconnected || !errors.Is(st.Err, failure.ErrTransient) {
		t.Errorf("node 1 state = %s, want active-disconnected(transient)", st)
	}

	_ = r.SetNodeActive(1, false)
	if _, err := r.TestConnection(context.Background(), 1); !errors.Is(err, ErrNoTestableEndpoint) {
		t.Errorf("inactive node error = %v, want ErrNoTestableEndpoint", err)
	}
}

func TestSnapshot(t *testing.T) {
	nodes := validators(5, 7)
	nodes[1].REST = NotExposed()
	r, err := newTestRegistry(nodes, newMockFactory())
	if err != nil {
		t.Fatal(err)
	}
	_ = r.SetVotingPower(0, 9)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
	if snap[0].VotingPower != 9 || snap[0].Host != "10.0.0.1" || !snap[0].Active {
		t.Errorf("snap[0] = %+v", snap[0])
	}
	if !snap[1].RESTPort.IsNotExposed() {
		t.Errorf("snap[1].RESTPort = %s, want not-exposed", snap[1].RESTPort)
	}

	raw, err := json.Marshal(snap[1])
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if decoded["restPort"] != "not-exposed" {
		t.Errorf("restPort JSON = %v, want not-exposed", decoded["restPort"])
	}
}

func assertIndices(t *testing.T, what string, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s = %v, want %v", what, got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s = %v, want %v", what, got, want)
			return
		}
	}
}

package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

func TestNodeURL(t *testing.T) {
	n, err := newNode(NodeConfig{
		Index:     0,
		URL:       "http://10.0.0.1:8545",
		Execute:   Exposed(9545),
		Consensus: NotExposed(),
	}, testPorts, testLogger())
	if err != nil {
		t.Fatalf("newNode() error = %v", err)
	}

	got, err := n.URL(chainlayer.Execute)
	if err != nil || got != "http://10.0.0.1:9545" {
		t.Errorf("URL(execute) = %q, %v", got, err)
	}
	got, err = n.URL(chainlayer.REST)
	if err != nil || got != "http://10.0.0.1:1317" {
		t.Errorf("URL(rest) = %q, %v", got, err)
	}

	_, err = n.URL(chainlayer.Consensus)
	if !errors.Is(err, ErrPortNotExposed) {
		t.Fatalf("URL(consensus) error = %v, want ErrPortNotExposed", err)
	}
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Error("ErrPortNotExposed should be a configuration error")
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		raw        string
		wantScheme string
		wantHost   string
		wantErr    bool
	}{
		{"http://10.0.0.1:8545", "http", "10.0.0.1", false},
		{"https://node.example.com", "https", "node.example.com", false},
		{"10.0.0.2", "http", "10.0.0.2", false},
		{"node-3.local:26657", "http", "node-3.local", false},
		{"", "", "", true},
	}
	for _, tt := range tests {
		scheme, host, err := parseHost(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHost(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if scheme != tt.wantScheme || host != tt.wantHost {
			t.Errorf("parseHost(%q) = (%q, %q), want (%q, %q)", tt.raw, scheme, host, tt.wantScheme, tt.wantHost)
		}
	}
}

func TestClientsFollowActiveAndExposure(t *testing.T) {
	f := newMockFactory()
	nodes := validators(1)
	nodes[0].Consensus = NotExposed()
	r, err := newTestRegistry(nodes, f)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	n, _ := r.Node(0)

	if n.ExecuteClient() == nil {
		t.Error("active node should have an execute client")
	}
	if n.ConsensusClient() != nil {
		t.Error("NotExposed consensus layer must not get a client")
	}
	if st := n.State(); st.Kind != ActiveDisconnected || !errors.Is(st.Err, ErrNotProbed) {
		t.Errorf("state after activation = %s, want active-disconnected(not probed)", st)
	}
	for _, c := range f.consensus {
		t.Errorf("consensus client dialed for %s", c.url)
	}

	if err := r.SetNodeActive(0, false); err != nil {
		t.Fatalf("SetNodeActive() error = %v", err)
	}
	if n.ExecuteClient() != nil || n.RESTProbe() != nil {
		t.Error("inactive node should have no clients")
	}
	if f.executes[0].closed.Load() != 1 {
		t.Errorf("execute client closed %d times, want 1", f.executes[0].closed.Load())
	}
}

func TestTestConnectionFallback(t *testing.T) {
	tests := []struct {
		name      string
		execute   bool
		consensus bool
		rest      bool
		want      ConnectionResult
	}{
		{"execute answers", true, false, false, ConnectionResult{Connected: true, Layer: chainlayer.Execute}},
		{"falls back to consensus", false, true, false, ConnectionResult{Connected: true, Layer: chainlayer.Consensus}},
		{"falls back to rest", false, false, true, ConnectionResult{Connected: true, Layer: chainlayer.REST}},
		{"nothing answers", false, false, false, ConnectionResult{Connected: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &mockExecute{}
			e.connected.Store(tt.execute)
			c := &mockConsensus{}
			c.connected.Store(tt.consensus)
			r := &mockREST{}
			r.connected.Store(tt.rest)

			got, err := testConnection(context.Background(), 100*time.Millisecond, e, c, r, testLogger())
			if err != nil {
				t.Fatalf("testConnection() error = %v", err)
			}
			if got.Connected != tt.want.Connected || got.Layer != tt.want.Layer {
				t.Errorf("testConnection() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTestConnectionNoEndpoint(t *testing.T) {
	_, err := testConnection(context.Background(), time.Second, nil, nil, nil, testLogger())
	if !errors.Is(err, ErrNoTestableEndpoint) {
		t.Fatalf("error = %v, want ErrNoTestableEndpoint", err)
	}
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Error("ErrNoTestableEndpoint should be a configuration error")
	}
}

func TestTestConnectionTimeoutClosesClient(t *testing.T) {
	e := &mockExecute{delay: time.Second}
	e.connected.Store(true)

	start := time.Now()
	got, err := testConnection(context.Background(), 50*time.Millisecond, e, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("testConnection() error = %v", err)
	}
	if got.Connected {
		t.Error("a timed-out probe must count as disconnected")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("probe took %v, expected to give up at the timeout", elapsed)
	}
	if e.closed.Load() == 0 {
		t.Error("client should be closed after a timeout")
	}
}

func TestCleanupClosesEachClientIndependently(t *testing.T) {
	f := newMockFactory()
	r, err := newTestRegistry(validators(1), f)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	f.executes[0].closeErr = errors.New("close failed")

	r.Cleanup()

	if f.executes[0].closed.Load() != 1 {
		t.Error("execute client not closed")
	}
	if f.consensus[0].closed.Load() != 1 {
		t.Error("consensus client must be closed even when execute close fails")
	}
	if f.rests[0].closed.Load() != 1 {
		t.Error("rest probe not closed")
	}
	n, _ := r.Node(0)
	if n.IsActive() {
		t.Error("node should be inactive after cleanup")
	}
}

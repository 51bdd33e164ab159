package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

const testClusterYAML = `
chain:
  chainId: 9000
  executeLayer: evm
  consensusLayer: cometbft
  ports:
    rest: 0
execution:
  method: docker
  commandTimeout: 45s
  docker:
    containerPattern: "{layer}-{index}"
    stopTimeout: 10s
nodes:
  - index: 0
    url: http://10.0.0.1
    type: validator
    votingPower: 10
  - index: 1
    url: http://10.0.0.2
    votingPower: 10
    executePort: 18545
    consensusPort: none
  - index: 2
    url: 10.0.0.3
    type: bootnode
    active: false
    restPort: default
scenario:
  postStopWait: 1m
  faultWindow: 5m
  warmUpTxCount: 5
probe:
  inclusionTimeout: 20s
  valueWei: 1000
  warmUpRate: 2.5
`

func TestParseClusterFile(t *testing.T) {
	cf, err := ParseClusterFile([]byte(testClusterYAML))
	if err != nil {
		t.Fatalf("ParseClusterFile() error = %v", err)
	}

	if cf.Chain.ChainID != 9000 {
		t.Errorf("ChainID = %d, want 9000", cf.Chain.ChainID)
	}
	if cf.Execution.Method != backend.MethodDocker {
		t.Errorf("Method = %s, want docker", cf.Execution.Method)
	}
	if cf.Execution.CommandTimeout != 45*time.Second {
		t.Errorf("CommandTimeout = %v, want 45s", cf.Execution.CommandTimeout)
	}
	if cf.Execution.Docker.StopTimeout != 10*time.Second {
		t.Errorf("StopTimeout = %v, want 10s", cf.Execution.Docker.StopTimeout)
	}
	if len(cf.Nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(cf.Nodes))
	}

	n1 := cf.Nodes[1]
	if p, ok := n1.Execute.Resolve(8545); !ok || p != 18545 {
		t.Errorf("node 1 execute port = %d, %v; want 18545", p, ok)
	}
	if !n1.Consensus.IsNotExposed() {
		t.Errorf("node 1 consensus port = %s, want not-exposed", n1.Consensus)
	}
	if !cf.Nodes[0].Execute.IsDefault() || !cf.Nodes[2].REST.IsDefault() {
		t.Error("absent and explicit default ports should both be UseDefault")
	}
	if cf.Nodes[2].StartsActive() {
		t.Error("node 2 configured inactive")
	}
	if cf.Nodes[2].Type != cluster.Bootnode {
		t.Errorf("node 2 type = %s, want bootnode", cf.Nodes[2].Type)
	}

	opts := cf.Scenario.Options()
	if opts.PostStopWait != time.Minute || opts.FaultWindow != 5*time.Minute || opts.WarmUpTxCount != 5 {
		t.Errorf("Options() = %+v", opts)
	}
	if cf.Probe.Value().Int64() != 1000 {
		t.Errorf("probe value = %s, want 1000", cf.Probe.Value())
	}
	if cf.Probe.WarmUpRate != 2.5 {
		t.Errorf("warm-up rate = %v, want 2.5", cf.Probe.WarmUpRate)
	}
	if err := cf.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseClusterFileRejectsUnknownKeys(t *testing.T) {
	_, err := ParseClusterFile([]byte("chain:\n  chainID: 9000\n"))
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestResolveFillsDefaults(t *testing.T) {
	cf, err := ParseClusterFile([]byte(testClusterYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{ListenAddr: DefaultListenAddr, Cluster: cf}
	if err := cfg.resolve(chainlayer.DefaultRegistry()); err != nil {
		t.Fatalf("resolve() error = %v", err)
	}

	ports := cf.Chain.Ports
	if ports.Execute != 8545 || ports.Consensus != 26657 || ports.REST != 1317 {
		t.Errorf("ports = %+v, want 8545/26657/1317", ports)
	}
	if cfg.ExecuteKind.Name != "evm" || cfg.ConsensusKind.Name != "cometbft" {
		t.Errorf("kinds = %s/%s", cfg.ExecuteKind, cfg.ConsensusKind)
	}
	if cf.Execution.Docker.ExecutionLayer != "execution" || cf.Execution.Docker.ConsensusLayer != "consensus" {
		t.Errorf("docker layers = %q/%q", cf.Execution.Docker.ExecutionLayer, cf.Execution.Docker.ConsensusLayer)
	}
}

func TestResolveUnknownLayer(t *testing.T) {
	cfg := &Config{Cluster: &ClusterFile{Chain: ChainConfig{ExecuteLayer: "cometbft"}}}
	err := cfg.resolve(chainlayer.DefaultRegistry())
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("consensus kind used as execute layer: error = %v", err)
	}
}

func TestClusterFileValidate(t *testing.T) {
	valid := func() *ClusterFile {
		return &ClusterFile{
			Chain: ChainConfig{ChainID: 1},
			Nodes: []cluster.NodeConfig{{Index: 0, URL: "http://a"}, {Index: 1, URL: "http://b"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*ClusterFile)
	}{
		{"missing chain id", func(c *ClusterFile) { c.Chain.ChainID = 0 }},
		{"no nodes", func(c *ClusterFile) { c.Nodes = nil }},
		{"missing url", func(c *ClusterFile) { c.Nodes[1].URL = "" }},
		{"duplicate index", func(c *ClusterFile) { c.Nodes[1].Index = 0 }},
		{"bad node type", func(c *ClusterFile) { c.Nodes[0].Type = "observer" }},
		{"bad method", func(c *ClusterFile) { c.Execution.Method = "kubectl" }},
		{"port out of range", func(c *ClusterFile) { c.Chain.Ports.Execute = 70000 }},
		{"negative warm-up", func(c *ClusterFile) { c.Scenario.WarmUpTxCount = -1 }},
		{"bad recipient", func(c *ClusterFile) { c.Probe.Recipient = "alice" }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid cluster: Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := valid()
			tt.mutate(cf)
			if err := cf.Validate(); !errors.Is(err, failure.ErrConfiguration) {
				t.Errorf("Validate() error = %v, want configuration error", err)
			}
		})
	}
}

func TestLoadClusterFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "faultinjector-config-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "cluster.yaml")
	if err := os.WriteFile(path, []byte(testClusterYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cf, err := LoadClusterFile(path)
	if err != nil {
		t.Fatalf("LoadClusterFile() error = %v", err)
	}
	if len(cf.Nodes) != 3 {
		t.Errorf("nodes = %d, want 3", len(cf.Nodes))
	}

	if _, err := LoadClusterFile(filepath.Join(dir, "missing.yaml")); !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("missing file: error = %v, want configuration error", err)
	}
}

func TestParseScenarios(t *testing.T) {
	all, err := ParseScenarios("all")
	if err != nil || len(all) != 3 {
		t.Fatalf("ParseScenarios(all) = %v, %v", all, err)
	}
	all[0] = "mutated"
	if cluster.Scenarios[0] != cluster.LessThanOneThird {
		t.Error("ParseScenarios(all) must not alias cluster.Scenarios")
	}

	one, err := ParseScenarios("exactly-one-third")
	if err != nil || len(one) != 1 || one[0] != cluster.ExactlyOneThird {
		t.Errorf("ParseScenarios(exactly-one-third) = %v, %v", one, err)
	}
	if _, err := ParseScenarios("half"); !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("ParseScenarios(half) error = %v", err)
	}
}

func TestFounderAccount(t *testing.T) {
	cfg := &Config{
		FounderPrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		Cluster:           &ClusterFile{},
	}
	acc, err := cfg.FounderAccount()
	if err != nil {
		t.Fatalf("FounderAccount() error = %v", err)
	}
	if acc.Address.Hex() != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("address = %s", acc.Address.Hex())
	}

	cfg.FounderPrivateKey = ""
	if _, err := cfg.FounderAccount(); !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("no key: error = %v, want configuration error", err)
	}
}

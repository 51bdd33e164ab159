// Package config handles configuration loading and validation.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/faultinjector/internal/account"
	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/scenario"
)

// Config holds harness configuration.
type Config struct {
	ConfigFile         string
	ListenAddr         string
	DatabasePath       string // Path to SQLite database file, empty disables history
	LogLevel           string
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
	FounderPrivateKey  string // Hex key; overrides chain.founderKeyFile

	Cluster *ClusterFile

	// ExecuteKind and ConsensusKind are resolved from the cluster file.
	ExecuteKind   *chainlayer.Kind
	ConsensusKind *chainlayer.Kind
}

// CLIConfig holds settings for running scenarios from the command line.
type CLIConfig struct {
	Scenarios   []cluster.Scenario
	FaultWindow time.Duration
}

// ClusterFile is the YAML description of the cluster under test.
type ClusterFile struct {
	Chain     ChainConfig          `yaml:"chain"`
	Execution backend.Config       `yaml:"execution"`
	Nodes     []cluster.NodeConfig `yaml:"nodes"`
	Scenario  ScenarioConfig       `yaml:"scenario"`
	Probe     ProbeConfig          `yaml:"probe"`
}

// ChainConfig describes the chain shared by every node.
type ChainConfig struct {
	ChainID        uint64               `yaml:"chainId"`
	ExecuteLayer   string               `yaml:"executeLayer"`
	ConsensusLayer string               `yaml:"consensusLayer"`
	Ports          cluster.DefaultPorts `yaml:"ports"`
	FounderKeyFile string               `yaml:"founderKeyFile"`
	ProbeTimeout   time.Duration        `yaml:"probeTimeout"`
	CallTimeout    time.Duration        `yaml:"callTimeout"`
}

// ScenarioConfig holds the fixed waits of a scenario run.
type ScenarioConfig struct {
	PostStopWait    time.Duration `yaml:"postStopWait"`
	RestartSettle   time.Duration `yaml:"restartSettle"`
	PostRestartWait time.Duration `yaml:"postRestartWait"`
	FaultWindow     time.Duration `yaml:"faultWindow"`
	WarmUpTxCount   int           `yaml:"warmUpTxCount"`
	WarmUpSettle    time.Duration `yaml:"warmUpSettle"`
}

// Options converts the file settings to orchestrator options.
func (s ScenarioConfig) Options() scenario.Options {
	return scenario.Options{
		PostStopWait:    s.PostStopWait,
		RestartSettle:   s.RestartSettle,
		PostRestartWait: s.PostRestartWait,
		FaultWindow:     s.FaultWindow,
		WarmUpTxCount:   s.WarmUpTxCount,
		WarmUpSettle:    s.WarmUpSettle,
	}
}

// ProbeConfig tunes probe transactions.
type ProbeConfig struct {
	InclusionTimeout time.Duration `yaml:"inclusionTimeout"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	ValueWei         uint64        `yaml:"valueWei"`
	Recipient        string        `yaml:"recipient"`
	WarmUpRate       float64       `yaml:"warmUpRate"` // transactions per second, 0 is unpaced
}

// RecipientAddress returns the configured recipient, or the zero address.
func (p ProbeConfig) RecipientAddress() common.Address {
	if p.Recipient == "" {
		return common.Address{}
	}
	return common.HexToAddress(p.Recipient)
}

// Value returns the transfer value, or nil for the default.
func (p ProbeConfig) Value() *big.Int {
	if p.ValueWei == 0 {
		return nil
	}
	return new(big.Int).SetUint64(p.ValueWei)
}

// Defaults
const (
	DefaultConfigFile         = "./cluster.yaml"
	DefaultListenAddr         = ":3002"
	DefaultDatabasePath       = "./data/faultinjector.db"
	DefaultLogLevel           = "info"
	DefaultCORSAllowedOrigins = "*"
	DefaultExecuteLayer       = "evm"
	DefaultConsensusLayer     = "cometbft"
)

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
// Returns the config, CLI config (nil if running in server mode), and any error.
func Load() (*Config, *CLIConfig, error) {
	cfg := &Config{
		ConfigFile:         DefaultConfigFile,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		LogLevel:           DefaultLogLevel,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
	}

	// Load from environment variables first
	if v := os.Getenv("FAULT_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	if v := os.Getenv("FOUNDER_PRIVATE_KEY"); v != "" {
		cfg.FounderPrivateKey = v
	}

	// Define command-line flags
	var (
		configFile   = flag.String("config", cfg.ConfigFile, "Cluster YAML file")
		listenAddr   = flag.String("listen", cfg.ListenAddr, "HTTP listen address")
		databasePath = flag.String("db", cfg.DatabasePath, "SQLite database path (empty disables history)")
		logLevel     = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		scenarioFlag = flag.String("scenario", "", "Run a scenario and exit (less-than-one-third, exactly-one-third, more-than-one-third, all)")
		faultWindow  = flag.Duration("fault-window", 0, "Extra time to keep validators down (CLI mode)")
	)

	flag.Parse()

	cfg.ConfigFile = *configFile
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *databasePath
	cfg.LogLevel = *logLevel

	cf, err := LoadClusterFile(cfg.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.Cluster = cf
	if err := cfg.resolve(chainlayer.DefaultRegistry()); err != nil {
		return nil, nil, err
	}
	applyChainEnv(cf)

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if *scenarioFlag == "" {
		return cfg, nil, nil
	}

	scenarios, err := ParseScenarios(*scenarioFlag)
	if err != nil {
		return nil, nil, err
	}
	cliCfg := &CLIConfig{Scenarios: scenarios, FaultWindow: *faultWindow}
	if err := cliCfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, cliCfg, nil
}

// applyChainEnv lets the environment override chain settings from the file.
func applyChainEnv(cf *ClusterFile) {
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil && id > 0 {
			cf.Chain.ChainID = id
		}
	}
	if v := os.Getenv("EXECUTION_METHOD"); v != "" {
		cf.Execution.Method = backend.Method(v)
	}
}

// LoadClusterFile reads and parses a cluster YAML file.
func LoadClusterFile(path string) (*ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read cluster file: %v", err)
	}
	return ParseClusterFile(data)
}

// ParseClusterFile parses cluster YAML. Unknown keys are rejected.
func ParseClusterFile(data []byte) (*ClusterFile, error) {
	var cf ClusterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, failure.Configf("parse cluster file: %v", err)
	}
	return &cf, nil
}

// resolve looks up the layer kinds and fills unset default ports and
// container names from them.
func (c *Config) resolve(reg *chainlayer.Registry) error {
	chain := &c.Cluster.Chain
	if chain.ExecuteLayer == "" {
		chain.ExecuteLayer = DefaultExecuteLayer
	}
	if chain.ConsensusLayer == "" {
		chain.ConsensusLayer = DefaultConsensusLayer
	}

	exec, ok := reg.Lookup(chain.ExecuteLayer, chainlayer.Execute)
	if !ok {
		return failure.Configf("unknown execute layer %q (supported: %s)",
			chain.ExecuteLayer, strings.Join(reg.Names(chainlayer.Execute), ", "))
	}
	cons, ok := reg.Lookup(chain.ConsensusLayer, chainlayer.Consensus)
	if !ok {
		return failure.Configf("unknown consensus layer %q (supported: %s)",
			chain.ConsensusLayer, strings.Join(reg.Names(chainlayer.Consensus), ", "))
	}
	c.ExecuteKind, c.ConsensusKind = exec, cons

	if chain.Ports.Execute == 0 {
		chain.Ports.Execute = exec.DefaultPort
	}
	if chain.Ports.Consensus == 0 {
		chain.Ports.Consensus = cons.DefaultPort
	}
	if chain.Ports.REST == 0 {
		chain.Ports.REST = cons.DefaultRESTPort
	}

	docker := &c.Cluster.Execution.Docker
	if docker.ExecutionLayer == "" {
		docker.ExecutionLayer = exec.ContainerName
	}
	if docker.ConsensusLayer == "" {
		docker.ConsensusLayer = cons.ContainerName
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return failure.Configf("listen address is required")
	}
	if c.Cluster == nil {
		return failure.Configf("cluster file is required")
	}
	return c.Cluster.Validate()
}

// Validate validates the cluster description.
func (cf *ClusterFile) Validate() error {
	if cf.Chain.ChainID == 0 {
		return failure.Configf("chain.chainId must be positive")
	}
	if len(cf.Nodes) == 0 {
		return failure.Configf("at least one node is required")
	}
	for _, p := range []int{cf.Chain.Ports.Execute, cf.Chain.Ports.Consensus, cf.Chain.Ports.REST} {
		if p < 0 || p > 65535 {
			return failure.Configf("default port %d out of range", p)
		}
	}

	seen := make(map[int]bool, len(cf.Nodes))
	for _, n := range cf.Nodes {
		if n.URL == "" {
			return failure.Configf("node %d: url is required", n.Index)
		}
		if seen[n.Index] {
			return failure.Configf("duplicate node index %d", n.Index)
		}
		seen[n.Index] = true
		if n.Type != "" {
			if _, err := cluster.ParseNodeType(string(n.Type)); err != nil {
				return fmt.Errorf("node %d: %w", n.Index, err)
			}
		}
	}

	if _, err := backend.ParseMethod(string(cf.Execution.Method)); err != nil {
		return err
	}
	if cf.Scenario.WarmUpTxCount < 0 {
		return failure.Configf("scenario.warmUpTxCount cannot be negative")
	}
	if cf.Probe.Recipient != "" && !common.IsHexAddress(cf.Probe.Recipient) {
		return failure.Configf("probe.recipient %q is not an address", cf.Probe.Recipient)
	}
	return nil
}

// FounderAccount loads the founder wallet from the environment key or the
// key file named in the cluster file.
func (c *Config) FounderAccount() (*account.Account, error) {
	if c.FounderPrivateKey != "" {
		return account.NewAccountFromHex(c.FounderPrivateKey)
	}
	if c.Cluster != nil && c.Cluster.Chain.FounderKeyFile != "" {
		return account.LoadFromFile(c.Cluster.Chain.FounderKeyFile)
	}
	return nil, failure.Configf("founder key is required (FOUNDER_PRIVATE_KEY or chain.founderKeyFile)")
}

// ChainID returns the chain ID as a big.Int.
func (c *Config) ChainID() *big.Int {
	return new(big.Int).SetUint64(c.Cluster.Chain.ChainID)
}

// ParseScenarios parses a scenario name or "all".
func ParseScenarios(s string) ([]cluster.Scenario, error) {
	if s == "all" {
		return append([]cluster.Scenario(nil), cluster.Scenarios...), nil
	}
	sc, err := cluster.ParseScenario(s)
	if err != nil {
		return nil, err
	}
	return []cluster.Scenario{sc}, nil
}

// Validate validates the CLI configuration.
func (c *CLIConfig) Validate() error {
	if len(c.Scenarios) == 0 {
		return failure.Configf("at least one scenario is required")
	}
	if c.FaultWindow < 0 {
		return failure.Configf("fault window cannot be negative")
	}
	return nil
}

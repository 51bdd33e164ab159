package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

// fakeDialer records every session and command per host.
type fakeDialer struct {
	mu       sync.Mutex
	dials    map[string]int
	commands map[string][]string
	failDial map[string]bool
	failCmd  map[string]bool // substring match
	block    bool
}

var _ Dialer = (*fakeDialer)(nil)

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:    make(map[string]int),
		commands: make(map[string][]string),
		failDial: make(map[string]bool),
		failCmd:  make(map[string]bool),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, host string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDial[host] {
		return nil, errors.New("connection refused")
	}
	d.dials[host]++
	return &fakeSession{d: d, host: host}, nil
}

func (d *fakeDialer) commandsFor(host string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands[host]...)
}

type fakeSession struct {
	d    *fakeDialer
	host string
}

func (s *fakeSession) Run(ctx context.Context, command string) ([]byte, error) {
	if s.d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.commands[s.host] = append(s.d.commands[s.host], command)
	for frag := range s.d.failCmd {
		if strings.Contains(command, frag) {
			return []byte("exit status 1"), fmt.Errorf("process exited with status 1")
		}
	}
	return nil, nil
}

func (s *fakeSession) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNodes(t *testing.T, n int) []*cluster.Node {
	t.Helper()
	cfgs := make([]cluster.NodeConfig, n)
	for i := range cfgs {
		cfgs[i] = cluster.NodeConfig{Index: i, URL: fmt.Sprintf("http://10.0.0.%d:8545", i+1), Type: cluster.Validator, VotingPower: 1, Active: new(bool)}
	}
	r, err := cluster.NewRegistry(cluster.Config{Nodes: cfgs, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r.Nodes()
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodNone, false},
		{"none", MethodNone, false},
		{"SSH", MethodSSH, false},
		{"docker", MethodDocker, false},
		{"kubernetes", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMethod(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"ssh without commands", Config{Method: MethodSSH, Dialer: newFakeDialer()}},
		{"ssh with empty command", Config{Method: MethodSSH, Dialer: newFakeDialer(), SSH: SSHConfig{
			StopCommands:  []NamedCommand{{Name: "stop"}},
			StartCommands: []NamedCommand{{Name: "start", Command: "systemctl start node"}},
		}}},
		{"ssh without credentials", Config{Method: MethodSSH, SSH: SSHConfig{
			User:          "ops",
			StopCommands:  []NamedCommand{{Name: "stop", Command: "x"}},
			StartCommands: []NamedCommand{{Name: "start", Command: "y"}},
		}}},
		{"docker pattern without layer", Config{Method: MethodDocker, Dialer: newFakeDialer(), Docker: DockerConfig{ContainerPattern: "node{index}"}}},
		{"docker pattern without node", Config{Method: MethodDocker, Dialer: newFakeDialer(), Docker: DockerConfig{ContainerPattern: "{layer}"}}},
		{"unknown method", Config{Method: "k8s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = testLogger()
			_, err := New(tt.cfg)
			if !errors.Is(err, failure.ErrConfiguration) {
				t.Errorf("New() error = %v, want configuration error", err)
			}
		})
	}
}

func TestNoneBackend(t *testing.T) {
	b, err := New(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if b.Method() != MethodNone {
		t.Errorf("Method() = %s, want none", b.Method())
	}
	node := testNodes(t, 1)[0]
	if err := b.StopNode(context.Background(), node); err != nil {
		t.Errorf("StopNode() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.StartNode(ctx, node); !errors.Is(err, context.Canceled) {
		t.Errorf("StartNode() on cancelled ctx = %v", err)
	}
}

func TestSSHBackendOrderAndSingleConnection(t *testing.T) {
	d := newFakeDialer()
	b, err := New(Config{
		Method: MethodSSH,
		Dialer: d,
		SSH: SSHConfig{
			StopCommands: []NamedCommand{
				{Name: "stop execution", Command: "systemctl stop evm-{index}"},
				{Name: "stop consensus", Command: "systemctl stop cometbft"},
			},
			StartCommands: []NamedCommand{
				{Name: "start consensus", Command: "systemctl start cometbft"},
				{Name: "start execution", Command: "systemctl start evm-{index}"},
			},
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	node := testNodes(t, 3)[2]

	if err := b.StopNode(context.Background(), node); err != nil {
		t.Fatalf("StopNode() error = %v", err)
	}
	if err := b.StartNode(context.Background(), node); err != nil {
		t.Fatalf("StartNode() error = %v", err)
	}

	want := []string{
		"systemctl stop evm-2",
		"systemctl stop cometbft",
		"systemctl start cometbft",
		"systemctl start evm-2",
	}
	got := d.commandsFor("10.0.0.3")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %v, want %v", got, want)
	}
	if d.dials["10.0.0.3"] != 2 {
		t.Errorf("dials = %d, want one per operation", d.dials["10.0.0.3"])
	}
}

func TestCommandFailuresAreAbsorbed(t *testing.T) {
	d := newFakeDialer()
	d.failCmd["stop evm"] = true

	var mu sync.Mutex
	var observed []error
	b, err := New(Config{
		Method: MethodSSH,
		Dialer: d,
		SSH: SSHConfig{
			StopCommands: []NamedCommand{
				{Name: "execution", Command: "systemctl stop evm"},
				{Name: "consensus", Command: "systemctl stop cometbft"},
			},
			StartCommands: []NamedCommand{{Name: "all", Command: "systemctl start node"}},
		},
		Observer: func(node int, op Op, command string, err error, _ time.Duration) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	node := testNodes(t, 1)[0]

	if err := b.StopNode(context.Background(), node); err != nil {
		t.Fatalf("StopNode() should absorb command failures, got %v", err)
	}
	if got := d.commandsFor("10.0.0.1"); len(got) != 2 {
		t.Errorf("a failing command must not skip the rest, ran %v", got)
	}
	if len(observed) != 2 || !errors.Is(observed[0], failure.ErrTransient) || observed[1] != nil {
		t.Errorf("observed = %v", observed)
	}

	d.failDial["10.0.0.1"] = true
	if err := b.StartNode(context.Background(), node); err != nil {
		t.Errorf("StartNode() should absorb dial failures, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	d := newFakeDialer()
	d.block = true
	b, err := New(Config{
		Method:         MethodDocker,
		Dialer:         d,
		CommandTimeout: 20 * time.Millisecond,
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := b.StopNode(context.Background(), testNodes(t, 1)[0]); err != nil {
		t.Errorf("StopNode() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopNode() took %v, commands should time out", elapsed)
	}
}

func TestDockerBackendOrdering(t *testing.T) {
	d := newFakeDialer()
	b, err := New(Config{
		Method: MethodDocker,
		Dialer: d,
		Docker: DockerConfig{
			ContainerPattern: "hybrid-{layer}-{index}",
			StopTimeout:      10 * time.Second,
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	node := testNodes(t, 2)[1]

	if err := b.StopNode(context.Background(), node); err != nil {
		t.Fatal(err)
	}
	if err := b.StartNode(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"docker stop -t 10 hybrid-execution-1",
		"docker stop -t 10 hybrid-consensus-1",
		"docker start hybrid-consensus-1",
		"docker start hybrid-execution-1",
	}
	got := d.commandsFor("10.0.0.2")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestDockerContainerName(t *testing.T) {
	b, err := newDockerBackend(Config{
		Dialer: newFakeDialer(),
		Docker: DockerConfig{ContainerPattern: "{host}_{layer}", ExecutionLayer: "geth"},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	node := testNodes(t, 1)[0]
	if got := b.ContainerName(node, b.execution); got != "10.0.0.1_geth" {
		t.Errorf("ContainerName() = %q", got)
	}
}

func TestConcurrentNodesSettleIndependently(t *testing.T) {
	d := newFakeDialer()
	d.failDial["10.0.0.2"] = true
	b, err := New(Config{Method: MethodDocker, Dialer: d, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	nodes := testNodes(t, 3)
	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.StopNode(context.Background(), n)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("node %d: %v", i, err)
		}
	}
	if len(d.commandsFor("10.0.0.1")) != 2 || len(d.commandsFor("10.0.0.3")) != 2 {
		t.Error("healthy nodes should run both stop commands")
	}
}

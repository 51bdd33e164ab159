package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

// dockerBackend stops the execution container before the consensus one and
// starts them in the reverse order.
type dockerBackend struct {
	dialer      Dialer
	pattern     string
	execution   string
	consensus   string
	binary      string
	stopTimeout time.Duration
	timeout     time.Duration
	observer    CommandObserver
	logger      *slog.Logger
}

func newDockerBackend(cfg Config, logger *slog.Logger) (*dockerBackend, error) {
	d := cfg.Docker
	pattern := strings.TrimSpace(d.ContainerPattern)
	if pattern == "" {
		pattern = DefaultContainerPattern
	}
	if !strings.Contains(pattern, "{index}") && !strings.Contains(pattern, "{host}") {
		return nil, failure.Configf("container pattern %q must contain {index} or {host}", pattern)
	}
	if !strings.Contains(pattern, "{layer}") {
		return nil, failure.Configf("container pattern %q must contain {layer}", pattern)
	}

	execution := d.ExecutionLayer
	if execution == "" {
		execution = chainlayer.EVMKind().ContainerName
	}
	consensus := d.ConsensusLayer
	if consensus == "" {
		consensus = chainlayer.CometBFTKind().ContainerName
	}
	binary := d.Binary
	if binary == "" {
		binary = "docker"
	}

	dialer := cfg.Dialer
	if dialer == nil {
		if d.Remote {
			sd, err := NewSSHDialer(cfg.SSH, cfg.CommandTimeout)
			if err != nil {
				return nil, failure.Configf("remote docker: %v", err)
			}
			dialer = sd
		} else {
			dialer = &LocalDialer{}
		}
	}

	return &dockerBackend{
		dialer:      dialer,
		pattern:     pattern,
		execution:   execution,
		consensus:   consensus,
		binary:      binary,
		stopTimeout: d.StopTimeout,
		timeout:     cfg.CommandTimeout,
		observer:    cfg.Observer,
		logger:      logger,
	}, nil
}

func (b *dockerBackend) Method() Method { return MethodDocker }

// ContainerName returns the container of a node layer.
func (b *dockerBackend) ContainerName(node *cluster.Node, layer string) string {
	return expand(b.pattern, node, layer)
}

func (b *dockerBackend) StopNode(ctx context.Context, node *cluster.Node) error {
	cmds := make([]NamedCommand, 0, 2)
	for _, layer := range []string{b.execution, b.consensus} {
		name := b.ContainerName(node, layer)
		cmd := fmt.Sprintf("%s stop %s", b.binary, name)
		if b.stopTimeout > 0 {
			cmd = fmt.Sprintf("%s stop -t %d %s", b.binary, int(b.stopTimeout.Seconds()), name)
		}
		cmds = append(cmds, NamedCommand{Name: "stop " + name, Command: cmd})
	}
	return runSequence(ctx, b.dialer, node, OpStop, cmds, b.timeout, b.observer, b.logger)
}

func (b *dockerBackend) StartNode(ctx context.Context, node *cluster.Node) error {
	cmds := make([]NamedCommand, 0, 2)
	for _, layer := range []string{b.consensus, b.execution} {
		name := b.ContainerName(node, layer)
		cmds = append(cmds, NamedCommand{
			Name:    "start " + name,
			Command: fmt.Sprintf("%s start %s", b.binary, name),
		})
	}
	return runSequence(ctx, b.dialer, node, OpStart, cmds, b.timeout, b.observer, b.logger)
}

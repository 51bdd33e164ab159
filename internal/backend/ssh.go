package backend

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

// sshBackend runs the configured stop or start commands on the node host,
// in order, over one connection per node.
type sshBackend struct {
	dialer   Dialer
	stop     []NamedCommand
	start    []NamedCommand
	timeout  time.Duration
	observer CommandObserver
	logger   *slog.Logger
}

func newSSHBackend(cfg Config, logger *slog.Logger) (*sshBackend, error) {
	if len(cfg.SSH.StopCommands) == 0 || len(cfg.SSH.StartCommands) == 0 {
		return nil, failure.Configf("ssh backend needs stopCommands and startCommands")
	}
	for _, c := range slices.Concat(cfg.SSH.StopCommands, cfg.SSH.StartCommands) {
		if c.Command == "" {
			return nil, failure.Configf("ssh command %q is empty", c.Name)
		}
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d, err := NewSSHDialer(cfg.SSH, cfg.CommandTimeout)
		if err != nil {
			return nil, failure.Configf("%v", err)
		}
		dialer = d
	}

	return &sshBackend{
		dialer:   dialer,
		stop:     cfg.SSH.StopCommands,
		start:    cfg.SSH.StartCommands,
		timeout:  cfg.CommandTimeout,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

func (b *sshBackend) Method() Method { return MethodSSH }

func (b *sshBackend) StopNode(ctx context.Context, node *cluster.Node) error {
	return runSequence(ctx, b.dialer, node, OpStop, b.commands(b.stop, node), b.timeout, b.observer, b.logger)
}

func (b *sshBackend) StartNode(ctx context.Context, node *cluster.Node) error {
	return runSequence(ctx, b.dialer, node, OpStart, b.commands(b.start, node), b.timeout, b.observer, b.logger)
}

func (b *sshBackend) commands(cmds []NamedCommand, node *cluster.Node) []NamedCommand {
	out := make([]NamedCommand, len(cmds))
	for i, c := range cmds {
		out[i] = NamedCommand{Name: c.Name, Command: expand(c.Command, node, "")}
	}
	return out
}

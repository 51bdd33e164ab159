// Package backend stops and starts the services of a node. The strategy is
// chosen once from configuration: none, ssh or docker.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
)

// Method selects the backend implementation.
type Method string

const (
	MethodNone   Method = "none"
	MethodSSH    Method = "ssh"
	MethodDocker Method = "docker"
)

// ParseMethod parses an execution method name. Empty means none.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(s)); m {
	case "":
		return MethodNone, nil
	case MethodNone, MethodSSH, MethodDocker:
		return m, nil
	default:
		return "", failure.Configf("unknown execution method %q", s)
	}
}

// Backend stops and starts a node's services. Both operations are
// idempotent. A command that fails or exits non-zero is logged and absorbed;
// only configuration problems and context cancellation are returned.
type Backend interface {
	StopNode(ctx context.Context, node *cluster.Node) error
	StartNode(ctx context.Context, node *cluster.Node) error
	Method() Method
}

// Op names a backend operation.
type Op string

const (
	OpStop  Op = "stop"
	OpStart Op = "start"
)

// CommandObserver is told about every command a backend runs.
type CommandObserver func(node int, op Op, command string, err error, duration time.Duration)

// NamedCommand is a shell command with a label for logs.
type NamedCommand struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// SSHConfig configures SSH access to node hosts.
type SSHConfig struct {
	User           string         `yaml:"user"`
	Port           int            `yaml:"port"`
	KeyFile        string         `yaml:"keyFile"`
	Password       string         `yaml:"password"`
	KnownHostsFile string         `yaml:"knownHostsFile"`
	StopCommands   []NamedCommand `yaml:"stopCommands"`
	StartCommands  []NamedCommand `yaml:"startCommands"`
}

// DockerConfig configures container control.
type DockerConfig struct {
	// ContainerPattern derives a container name. Supports {index}, {layer}
	// and {host}.
	ContainerPattern string `yaml:"containerPattern"`

	// ExecutionLayer and ConsensusLayer substitute {layer}.
	ExecutionLayer string `yaml:"executionLayer"`
	ConsensusLayer string `yaml:"consensusLayer"`

	// Binary is the docker CLI to invoke.
	Binary string `yaml:"binary"`

	// StopTimeout is passed to docker stop -t.
	StopTimeout time.Duration `yaml:"stopTimeout"`

	// Remote runs docker on the node host over SSH instead of locally.
	Remote bool `yaml:"remote"`
}

// Config holds backend configuration.
type Config struct {
	Method         Method        `yaml:"method"`
	SSH            SSHConfig     `yaml:"ssh"`
	Docker         DockerConfig  `yaml:"docker"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	// Dialer overrides how sessions are opened. Nil picks SSH or local
	// execution from the method.
	Dialer   Dialer          `yaml:"-"`
	Observer CommandObserver `yaml:"-"`
	Logger   *slog.Logger    `yaml:"-"`
}

// Defaults.
const (
	DefaultCommandTimeout   = 60 * time.Second
	DefaultContainerPattern = "node{index}-{layer}"
	DefaultSSHPort          = 22
)

// New builds the backend selected by cfg.Method.
func New(cfg Config) (Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	method, err := ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}

	switch method {
	case MethodSSH:
		return newSSHBackend(cfg, logger)
	case MethodDocker:
		return newDockerBackend(cfg, logger)
	default:
		return &noneBackend{logger: logger}, nil
	}
}

// noneBackend leaves services alone; useful for dry runs and for clusters
// whose faults are injected by an outside tool.
type noneBackend struct {
	logger *slog.Logger
}

func (b *noneBackend) Method() Method { return MethodNone }

func (b *noneBackend) StopNode(ctx context.Context, node *cluster.Node) error {
	b.logger.Info("execution method none, not stopping node", "node", node.Index)
	return ctx.Err()
}

func (b *noneBackend) StartNode(ctx context.Context, node *cluster.Node) error {
	b.logger.Info("execution method none, not starting node", "node", node.Index)
	return ctx.Err()
}

// expand substitutes node placeholders in a command or container name.
func expand(pattern string, node *cluster.Node, layer string) string {
	return strings.NewReplacer(
		"{index}", strconv.Itoa(node.Index),
		"{host}", node.Host(),
		"{layer}", layer,
	).Replace(pattern)
}

// runSequence opens one session on host and runs commands in order.
// Failures are logged and reported to the observer but never returned;
// the only error is a cancelled context.
func runSequence(ctx context.Context, d Dialer, node *cluster.Node, op Op, cmds []NamedCommand, timeout time.Duration, observer CommandObserver, logger *slog.Logger) error {
	logger = logger.With("node", node.Index, "host", node.Host(), "op", op)

	sess, err := d.Dial(ctx, node.Host())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("failed to open session", "error", err)
		if observer != nil {
			observer(node.Index, op, "dial", failure.Transient(err), 0)
		}
		return nil
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("failed to close session", "error", err)
		}
	}()

	for _, c := range cmds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		out, err := sess.Run(cmdCtx, c.Command)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			err = failure.Transient(fmt.Errorf("%s: %w", c.Name, err))
			logger.Warn("backend command failed",
				"command", c.Name,
				"error", err,
				"output", truncate(string(out), 512),
			)
		} else {
			logger.Info("backend command ok", "command", c.Name, "duration", elapsed)
		}
		if observer != nil {
			observer(node.Index, op, c.Name, err, elapsed)
		}
	}
	return ctx.Err()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Session runs commands on one host. A session is not safe for concurrent use.
type Session interface {
	Run(ctx context.Context, command string) ([]byte, error)
	Close() error
}

// Dialer opens a session on a host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// LocalDialer runs commands on this machine through sh -c, whatever the host.
type LocalDialer struct {
	Shell string
}

var _ Dialer = (*LocalDialer)(nil)

// Dial returns a local session.
func (d *LocalDialer) Dial(ctx context.Context, host string) (Session, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &localSession{shell: shell}, nil
}

type localSession struct {
	shell string
}

func (s *localSession) Run(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.shell, "-c", command) // #nosec G204 -- commands come from operator config
	out, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() != nil {
		return out, fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return out, err
}

func (s *localSession) Close() error { return nil }

// SSHDialer opens one SSH connection per session.
type SSHDialer struct {
	config *ssh.ClientConfig
	port   int
}

var _ Dialer = (*SSHDialer)(nil)

// NewSSHDialer builds client config from key file and/or password. Without
// a known_hosts file host keys are not verified.
func NewSSHDialer(cfg SSHConfig, timeout time.Duration) (*SSHDialer, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh keyFile or password is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- test clusters rarely publish host keys
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultSSHPort
	}

	return &SSHDialer{
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		port: port,
	}, nil
}

// Dial connects to host. The handshake is bounded by the dialer timeout
// and by ctx, whichever ends first.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.port))

	nd := net.Dialer{Timeout: d.config.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if deadline, ok := handshakeDeadline(ctx, d.config.Timeout); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set deadline on %s: %w", addr, err)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, errors.Join(ctx.Err(), err))
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to clear deadline on %s: %w", addr, err)
	}
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

// handshakeDeadline is the earlier of now+timeout and the ctx deadline.
func handshakeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if timeout > 0 {
		if t := time.Now().Add(timeout); !ok || t.Before(deadline) {
			deadline, ok = t, true
		}
	}
	return deadline, ok
}

type sshSession struct {
	client *ssh.Client
}

// Run opens a channel on the shared connection and runs command. The
// channel is closed if ctx ends first.
func (s *sshSession) Run(ctx context.Context, command string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
		return nil, ctx.Err()
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

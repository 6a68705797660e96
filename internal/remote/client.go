// Package remote runs commands on VMs and PDUs over SSH. It backs the VM
// configurator handed to virtualization providers and the generic PDU
// configurator.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// Config holds the SSH settings shared by every target.
type Config struct {
	Port    int
	Timeout time.Duration
	// PrivateKeyFile is offered in addition to the target's password.
	PrivateKeyFile string
	// KnownHostsFile verifies host keys; it wins over InsecureIgnoreHostKey.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	// PlaybookDir resolves relative playbook names.
	PlaybookDir    string
	AnsibleCommand string
}

// Session runs commands on one connected host.
type Session interface {
	// Run executes cmd with stdin and returns its combined output.
	Run(ctx context.Context, cmd string, stdin []byte) ([]byte, error)
	Close() error
}

// Dialer opens a Session to addr.
type Dialer func(ctx context.Context, addr string, cc *ssh.ClientConfig) (Session, error)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the SSH dialer.
func WithDialer(d Dialer) Option { return func(c *Client) { c.dial = d } }

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// Client opens SSH sessions to configured targets.
type Client struct {
	cfg     Config
	signer  ssh.Signer
	hostKey ssh.HostKeyCallback
	dial    Dialer
	log     *zap.Logger
}

// New builds a client. It fails when the private key or the known hosts file
// cannot be read, or when no host key policy is configured.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.AnsibleCommand == "" {
		cfg.AnsibleCommand = "ansible-playbook"
	}
	c := &Client{cfg: cfg, dial: dialSSH, log: logger.L().Named("remote")}
	for _, opt := range opts {
		opt(c)
	}

	switch {
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		c.hostKey = cb
	case cfg.InsecureIgnoreHostKey:
		c.hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("remote: a known hosts file or insecure_ignore_host_key is required")
	}

	if cfg.PrivateKeyFile != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", cfg.PrivateKeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.PrivateKeyFile, err)
		}
		c.signer = signer
	}
	return c, nil
}

// clientConfig authenticates as user with the configured key and password,
// in that order. Empty credentials are skipped.
func (c *Client) clientConfig(user, password string) *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if c.signer != nil {
		auth = append(auth, ssh.PublicKeys(c.signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.Timeout,
	}
}

// Exec connects to host as user and runs fn on the session. The whole
// exchange is bounded by the configured timeout.
func (c *Client) Exec(ctx context.Context, host, user, password string, fn func(context.Context, Session) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
	s, err := c.dial(ctx, addr, c.clientConfig(user, password))
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			c.log.Debug("Closing ssh session failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return fn(ctx, s)
}

func dialSSH(ctx context.Context, addr string, cc *ssh.ClientConfig) (Session, error) {
	d := net.Dialer{Timeout: cc.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// NewClientConn ignores ctx; bound the handshake with a connection deadline
	if err := conn.SetDeadline(handshakeDeadline(ctx, cc.Timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return &sshSession{client: ssh.NewClient(sc, chans, reqs)}, nil
}

// handshakeDeadline is the earlier of the context deadline and now+timeout.
// A zero result means no deadline.
func handshakeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err := <-done:
		if err != nil {
			return out.Bytes(), fmt.Errorf("run %q: %w: %s", cmd, err, strings.TrimSpace(out.String()))
		}
		return out.Bytes(), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("run %q: %w", cmd, ctx.Err())
	}
}

func (s *sshSession) Close() error { return s.client.Close() }

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

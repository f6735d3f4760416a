// Package sshcon implements the SSH capability: bounded command execution
// and file upload against the device's dropbear/openssh daemon.
package sshcon

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	routeragent "github.com/lime-hil/routeragent"
)

// Config describes the SSH endpoint. Lab devices are reinstalled constantly,
// so host keys are not pinned.
type Config struct {
	Address     string // host:port
	User        string
	KeyFile     string
	Password    string
	DialTimeout time.Duration
}

// Client implements routeragent.SSH. Connect and Close are idempotent; Run
// reconnects lazily after the device rebooted underneath the session.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *ssh.Client
}

// New builds an unconnected client.
func New(cfg Config) *Client {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect establishes the session if not already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	auth, err := c.authMethods()
	if err != nil {
		return err
	}
	conf := &ssh.ClientConfig{
		User: c.cfg.User,
		Auth: auth,
		// Devices are reflashed between runs; their host keys churn.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.DialTimeout,
	}
	conn, err := ssh.Dial("tcp", c.cfg.Address, conf)
	if err != nil {
		return errors.Wrapf(err, "ssh dial %s", c.cfg.Address)
	}
	c.conn = conn
	return nil
}

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.cfg.KeyFile != "" {
		key, err := os.ReadFile(c.cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "read ssh key %s", c.cfg.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ssh key %s", c.cfg.KeyFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	// OpenWrt defaults to an empty root password until configured.
	methods = append(methods, ssh.Password(c.cfg.Password))
	return methods, nil
}

// Close tears the session down. Safe to call on an unconnected client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Run executes cmd with an explicit upper bound. On timeout the session is
// killed and the connection dropped so the next Run starts fresh.
func (c *Client) Run(cmd string, timeout time.Duration) (routeragent.CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return routeragent.CommandResult{}, err
	}
	session, err := c.conn.NewSession()
	if err != nil {
		// The device likely rebooted; drop the connection for a lazy retry.
		c.dropLocked()
		return routeragent.CommandResult{}, errors.Wrapf(err, "ssh session for %q", cmd)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return routeragent.CommandResult{}, errors.Wrapf(err, "start %q", cmd)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-time.After(timeout):
		session.Close()
		c.dropLocked()
		return routeragent.CommandResult{}, errors.Errorf("ssh command %q timed out after %s", cmd, timeout)
	}

	result := routeragent.CommandResult{
		Stdout: splitLines(stdout.String()),
		Stderr: splitLines(stderr.String()),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		c.dropLocked()
		return result, errors.Wrapf(err, "ssh command %q", cmd)
	}
	return result, nil
}

// Upload streams a local file to remotePath through a remote `cat`, which
// every BusyBox system has; no sftp subsystem is required.
func (c *Client) Upload(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", localPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return err
	}
	session, err := c.conn.NewSession()
	if err != nil {
		c.dropLocked()
		return errors.Wrap(err, "ssh session for upload")
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("cat > %s", shellQuote(remotePath))
	if err := session.Run(cmd); err != nil {
		return errors.Wrapf(err, "upload to %s", remotePath)
	}
	log.Debug().Str("local", localPath).Str("remote", remotePath).Int("bytes", len(data)).Msg("ssh upload complete")
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/vgpu-advisor/deployd/pkg/metrics"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// SSHChannel executes commands over an SSH connection.
type SSHChannel struct {
	client *ssh.Client
	addr   string
	logger *zap.Logger
}

// SSHOptions configures how the channel authenticates.
type SSHOptions struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	Password       string
	ConnectTimeout time.Duration
}

// DialSSH establishes an SSH connection. Key auth is tried when a key
// path is given, password auth when a password is given; both may be
// offered and the server picks.
func DialSSH(opts SSHOptions, logger *zap.Logger) (*SSHChannel, error) {
	var methods []ssh.AuthMethod

	if opts.KeyPath != "" {
		keyBytes, err := os.ReadFile(opts.KeyPath)
		if err == nil {
			signer, perr := ssh.ParsePrivateKey(keyBytes)
			if perr != nil {
				return nil, &ChannelError{Op: "parse key", Err: perr}
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	if len(methods) == 0 {
		return nil, &ChannelError{Op: "dial", Err: fmt.Errorf("no usable credential for %s", opts.Host)}
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, port)
	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &ChannelError{Op: "dial " + addr, Err: err}
	}

	return &SSHChannel{client: client, addr: addr, logger: logger}, nil
}

// Execute runs a command in a fresh session and waits for it.
func (c *SSHChannel) Execute(ctx context.Context, command string, timeout time.Duration) (models.CommandResult, error) {
	result := models.CommandResult{Command: command}

	session, err := c.client.NewSession()
	if err != nil {
		metrics.RemoteCommandsTotal.WithLabelValues("channel_error").Inc()
		return result, &ChannelError{Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		session.Close()
		metrics.RemoteCommandsTotal.WithLabelValues("timeout").Inc()
		return result, &TimeoutError{Command: command, Timeout: timeout}
	case <-ctx.Done():
		session.Close()
		metrics.RemoteCommandsTotal.WithLabelValues("canceled").Inc()
		return result, ctx.Err()
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start)

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			metrics.RemoteCommandsTotal.WithLabelValues("nonzero_exit").Inc()
			return result, nil
		}
		metrics.RemoteCommandsTotal.WithLabelValues("channel_error").Inc()
		return result, &ChannelError{Op: "run", Err: err}
	}

	metrics.RemoteCommandsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// Detach starts a command expected to background itself. The session is
// dropped once the remote shell returns, so the command must be wrapped
// with nohup and output redirection by the caller.
func (c *SSHChannel) Detach(ctx context.Context, command string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return &ChannelError{Op: "session", Err: err}
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return &ChannelError{Op: "start", Err: err}
	}

	// A self-backgrounding command returns promptly; reap the session
	// without holding the caller.
	go func() {
		_ = session.Wait()
		session.Close()
	}()

	c.logger.Debug("detached command started",
		zap.String("addr", c.addr),
		zap.String("command", truncate(command, 120)),
	)
	return nil
}

// Stream runs a command and yields merged stdout/stderr line by line.
func (c *SSHChannel) Stream(ctx context.Context, command string) (<-chan string, <-chan error, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, &ChannelError{Op: "session", Err: err}
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, nil, &ChannelError{Op: "start", Err: err}
	}

	lines := make(chan string, 64)
	errc := make(chan error, 1)

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	// The writer side closes when the command exits, which ends the
	// scanner loop below.
	go func() {
		err := session.Wait()
		if _, ok := err.(*ssh.ExitError); ok {
			err = nil
		}
		pw.CloseWithError(err)
		session.Close()
	}()

	go func() {
		defer close(lines)
		defer close(errc)

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF && ctx.Err() == nil {
			errc <- &ChannelError{Op: "stream", Err: err}
		}
	}()

	return lines, errc, nil
}

// Close releases the SSH connection.
func (c *SSHChannel) Close() error {
	return c.client.Close()
}

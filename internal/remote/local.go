package remote

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/metrics"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// LocalChannel runs commands on the machine hosting this service, for
// deployments targeting the local GPU.
type LocalChannel struct {
	logger *zap.Logger
}

// NewLocalChannel creates a channel backed by the local shell.
func NewLocalChannel(logger *zap.Logger) *LocalChannel {
	return &LocalChannel{logger: logger}
}

// Execute runs a command through the local shell and waits for it.
func (c *LocalChannel) Execute(ctx context.Context, command string, timeout time.Duration) (models.CommandResult, error) {
	result := models.CommandResult{Command: command}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		metrics.RemoteCommandsTotal.WithLabelValues("timeout").Inc()
		return result, &TimeoutError{Command: command, Timeout: timeout}
	}
	if ctx.Err() != nil {
		metrics.RemoteCommandsTotal.WithLabelValues("canceled").Inc()
		return result, ctx.Err()
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			metrics.RemoteCommandsTotal.WithLabelValues("nonzero_exit").Inc()
			return result, nil
		}
		metrics.RemoteCommandsTotal.WithLabelValues("channel_error").Inc()
		return result, &ChannelError{Op: "run", Err: err}
	}

	metrics.RemoteCommandsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// Detach starts a command in its own session so it outlives this
// process.
func (c *LocalChannel) Detach(ctx context.Context, command string) error {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return &ChannelError{Op: "start", Err: err}
	}

	go func() {
		_ = cmd.Wait()
	}()

	c.logger.Debug("detached local command started",
		zap.String("command", truncate(command, 120)),
	)
	return nil
}

// Stream runs a command and yields merged stdout/stderr line by line.
func (c *LocalChannel) Stream(ctx context.Context, command string) (<-chan string, <-chan error, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &ChannelError{Op: "stdout pipe", Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, nil, &ChannelError{Op: "start", Err: err}
	}

	lines := make(chan string, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errc)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			if _, ok := err.(*exec.ExitError); !ok {
				errc <- &ChannelError{Op: "wait", Err: err}
			}
		}
	}()

	return lines, errc, nil
}

// Close is a no-op for the local shell.
func (c *LocalChannel) Close() error { return nil }

package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/vgpu-advisor/deployd/pkg/models"
)

// Channel executes shell commands on a target host. Commands are passed
// as fully-formed shell strings; the channel never interprets or
// sanitizes their semantics. That is the caller's responsibility.
type Channel interface {
	// Execute runs a command and waits for completion. A non-zero exit
	// code is not an error; it is reported in the CommandResult. The
	// command is aborted with a TimeoutError if it outlives timeout.
	Execute(ctx context.Context, command string, timeout time.Duration) (models.CommandResult, error)

	// Detach starts a command that must survive channel closure. The
	// command is expected to background itself (nohup/&); Detach returns
	// once the remote shell has accepted it.
	Detach(ctx context.Context, command string) error

	// Stream runs a command and yields its combined output line by line
	// until the command exits or ctx is canceled. The error channel
	// carries at most one value and is closed with the line channel.
	Stream(ctx context.Context, command string) (<-chan string, <-chan error, error)

	// Close releases the underlying transport.
	Close() error
}

// ChannelError reports a transport that could not be established or
// dropped mid-command.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TimeoutError reports a command that produced no result within its
// deadline.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, truncate(e.Command, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

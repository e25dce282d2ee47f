package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
)

// Cleaner force-terminates any inference server on the target and
// reclaims its port. It is the only component permitted to kill the
// server process; it runs before every launch attempt and once more at
// run end.
type Cleaner struct {
	channel remote.Channel
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewCleaner creates a cleaner for the given server port.
func NewCleaner(channel remote.Channel, port int, timeout time.Duration, logger *zap.Logger) *Cleaner {
	return &Cleaner{channel: channel, port: port, timeout: timeout, logger: logger}
}

// Run executes the kill escalation and a settle delay. Individual
// command failures are best-effort: logged, never surfaced as run
// failures.
func (c *Cleaner) Run(ctx context.Context) {
	commands := []string{
		"pkill -9 -f 'vllm serve' 2>/dev/null",
		"pkill -9 -f 'vllm.entrypoints' 2>/dev/null",
		"pkill -9 -f 'python.*vllm' 2>/dev/null",
		"pkill -9 -f 'VLLM::EngineCore' 2>/dev/null",
		fmt.Sprintf("fuser -k %d/tcp 2>/dev/null", c.port),
		"sleep 3",
	}

	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.channel.Execute(ctx, cmd, c.timeout); err != nil {
			c.logger.Warn("cleanup command failed",
				zap.String("command", cmd),
				zap.Error(err),
			)
		}
	}

	c.logger.Debug("cleanup pass finished", zap.Int("port", c.port))
}

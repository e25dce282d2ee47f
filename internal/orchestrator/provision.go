package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
)

const (
	venvPath       = "$HOME/hf_env"
	installLogPath = "/tmp/vllm_install.log"
)

// Provisioner idempotently prepares the target host: isolated Python
// environment, vLLM package, and optional Hugging Face authentication.
type Provisioner struct {
	channel        remote.Channel
	commandTimeout time.Duration
	installTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

// NewProvisioner creates a provisioner over the given channel.
func NewProvisioner(channel remote.Channel, commandTimeout, installTimeout, pollInterval time.Duration, logger *zap.Logger) *Provisioner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if installTimeout <= 0 {
		installTimeout = 20 * time.Minute
	}
	return &Provisioner{
		channel:        channel,
		commandTimeout: commandTimeout,
		installTimeout: installTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
	}
}

// EnsureVenv verifies or creates the isolated environment. A directory
// without an activation script is treated as corrupt and recreated.
func (p *Provisioner) EnsureVenv(ctx context.Context) error {
	cmd := fmt.Sprintf(
		"if [ ! -f %s/bin/activate ]; then rm -rf %s && python3 -m venv %s; fi && test -f %s/bin/activate",
		venvPath, venvPath, venvPath, venvPath,
	)

	res, err := p.channel.Execute(ctx, cmd, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("venv setup: %w", err)
	}
	if res.ExitCode != 0 {
		return &ProvisioningError{
			Step:   "venv",
			Reason: "environment creation failed: " + strings.TrimSpace(res.Stderr),
		}
	}
	return nil
}

// EnsureVLLM verifies the inference-server package is importable,
// installing it in the background when missing. The install runs
// detached with output redirected to a log file; liveness is polled
// until the pip process exits, and the log tail is fetched only on
// failure.
func (p *Provisioner) EnsureVLLM(ctx context.Context) error {
	check := fmt.Sprintf("%s/bin/python -c 'import vllm' 2>/dev/null", venvPath)
	if res, err := p.channel.Execute(ctx, check, p.commandTimeout); err == nil && res.ExitCode == 0 {
		p.logger.Debug("vllm already installed")
		return nil
	}

	start := fmt.Sprintf(
		"nohup %s/bin/pip install --upgrade pip vllm > %s 2>&1 & echo $!",
		venvPath, installLogPath,
	)
	res, err := p.channel.Execute(ctx, start, p.commandTimeout)
	if err != nil {
		return fmt.Errorf("pip install launch: %w", err)
	}
	pid := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || pid == "" {
		return &ProvisioningError{
			Step:   "install",
			Reason: "could not start package install: " + strings.TrimSpace(res.Stderr),
		}
	}
	if _, perr := strconv.Atoi(pid); perr != nil {
		return &ProvisioningError{
			Step:   "install",
			Reason: "install launcher returned no PID: " + pid,
		}
	}

	p.logger.Info("package install started in background", zap.String("pid", pid))

	deadline := time.Now().Add(p.installTimeout)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return err
		}

		alive, err := p.channel.Execute(ctx, fmt.Sprintf("ps -p %s > /dev/null 2>&1; echo $?", pid), p.commandTimeout)
		if err != nil {
			return fmt.Errorf("install poll: %w", err)
		}
		if strings.TrimSpace(alive.Stdout) != "0" {
			// pip exited; verify the import actually works now.
			verify, verr := p.channel.Execute(ctx, check, p.commandTimeout)
			if verr == nil && verify.ExitCode == 0 {
				p.logger.Info("package install completed")
				return nil
			}
			return &ProvisioningError{
				Step:    "install",
				Reason:  "package install process exited but import still fails",
				LogTail: p.installLogTail(ctx),
			}
		}
	}

	return &ProvisioningError{
		Step:    "install",
		Reason:  fmt.Sprintf("package install did not finish within %s", p.installTimeout),
		LogTail: p.installLogTail(ctx),
	}
}

// Authenticate logs into the model-artifact repository when a token is
// supplied. The cached credential is cleared first so a stale login
// from a prior run cannot mask a bad token.
func (p *Provisioner) Authenticate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if _, err := p.channel.Execute(ctx, "rm -f ~/.cache/huggingface/token", p.commandTimeout); err != nil {
		return fmt.Errorf("credential cache clear: %w", err)
	}

	cmd := fmt.Sprintf("%s/bin/huggingface-cli login --token %s 2>&1", venvPath, token)
	res, err := p.channel.Execute(ctx, cmd, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("artifact repository login: %w", err)
	}
	if res.ExitCode != 0 {
		return &AuthenticationError{
			Repository: "huggingface",
			Reason:     strings.TrimSpace(firstLines(res.Stdout+res.Stderr, 3)),
		}
	}
	return nil
}

// installLogTail fetches the last 50 lines of the install log,
// best-effort.
func (p *Provisioner) installLogTail(ctx context.Context) string {
	res, err := p.channel.Execute(ctx, fmt.Sprintf("tail -50 %s 2>/dev/null", installLogPath), p.commandTimeout)
	if err != nil {
		return ""
	}
	return res.Stdout
}

// sleepCtx sleeps for d or returns early when ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// firstLines returns at most n leading lines of s.
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

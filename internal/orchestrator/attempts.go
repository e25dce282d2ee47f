package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// NegotiatorConfig bounds the retry loop.
type NegotiatorConfig struct {
	MaxAttempts    int
	UtilDelta      float64
	UtilCeiling    float64
	UtilFloor      float64
	UtilCap        float64
	UtilDefault    float64
	AttemptTimeout time.Duration
	CommandTimeout time.Duration
	ServerPort     int
}

// Launcher starts the inference server and negotiates a workable GPU
// memory utilization across bounded attempts. The first attempt's
// fraction is a hypothesis derived from the capacity profile; each
// failure classification refines it.
type Launcher struct {
	channel remote.Channel
	cleaner *Cleaner
	monitor *Monitor
	cfg     NegotiatorConfig
	logger  *zap.Logger
}

// NewLauncher wires the launcher with its cleaner and monitor.
func NewLauncher(channel remote.Channel, cleaner *Cleaner, monitor *Monitor, cfg NegotiatorConfig, logger *zap.Logger) *Launcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.UtilDelta <= 0 {
		cfg.UtilDelta = 0.05
	}
	if cfg.UtilCeiling <= 0 {
		cfg.UtilCeiling = 0.95
	}
	if cfg.UtilFloor <= 0 {
		cfg.UtilFloor = 0.30
	}
	if cfg.UtilCap <= 0 {
		cfg.UtilCap = 0.85
	}
	if cfg.UtilDefault <= 0 {
		cfg.UtilDefault = 0.75
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Minute
	}
	return &Launcher{channel: channel, cleaner: cleaner, monitor: monitor, cfg: cfg, logger: logger}
}

// InitialUtil derives the first attempt's utilization fraction from the
// requested profile and the detected physical GPU memory.
func (l *Launcher) InitialUtil(profile models.CapacityProfile, physicalMiB float64) float64 {
	if physicalMiB <= 0 || profile.MemoryGiB <= 0 {
		return l.cfg.UtilDefault
	}
	ratio := (profile.MemoryGiB * 1024) / physicalMiB
	if ratio > l.cfg.UtilCap {
		ratio = l.cfg.UtilCap
	}
	if ratio < l.cfg.UtilFloor {
		ratio = l.cfg.UtilFloor
	}
	return round2(ratio)
}

// Negotiate runs the bounded launch loop. It returns the append-only
// attempt history, the final monitor result, and nil on success or the
// terminal error on failure.
func (l *Launcher) Negotiate(ctx context.Context, req models.DeploymentRequest, host *models.HostInfo, reporter *Reporter) ([]models.AttemptState, ReadinessResult, error) {
	gpuUtil := l.InitialUtil(req.Profile, host.GPUMemoryMiB)
	contextLen := req.MaxModelLen
	if contextLen <= 0 {
		contextLen = 4096
	}

	var history []models.AttemptState
	var lastResult ReadinessResult
	var lastErr error

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		state := models.AttemptState{
			Number:        attempt,
			GPUUtil:       gpuUtil,
			ContextLength: contextLen,
			Outcome:       models.AttemptPending,
		}

		if reporter != nil {
			reporter.Attempt(ctx, fmt.Sprintf(
				"launch attempt %d/%d (gpu util %.2f, context %d)",
				attempt, l.cfg.MaxAttempts, gpuUtil, contextLen), state)
		}

		// Clean slate before every attempt, including the first.
		l.cleaner.Run(ctx)

		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		result, err := l.launchOnce(attemptCtx, req, gpuUtil, contextLen)
		cancel()

		state.GPUMemoryBytes = result.GPUMemoryBytes
		state.KVCacheTokens = result.KVCacheTokens
		lastResult = result

		if err == nil {
			state.Outcome = models.AttemptSuccess
			history = append(history, state)
			l.logger.Info("server launched",
				zap.Int("attempt", attempt),
				zap.Float64("gpu_util", gpuUtil),
				zap.Int64("kv_cache_tokens", result.KVCacheTokens),
				zap.Bool("fallback", result.Fallback),
			)
			return history, result, nil
		}

		state.Outcome = models.AttemptFailed
		state.FailureClass = failureClass(err)
		history = append(history, state)
		lastErr = err

		l.logger.Warn("launch attempt failed",
			zap.Int("attempt", attempt),
			zap.Float64("gpu_util", gpuUtil),
			zap.String("class", state.FailureClass),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return history, lastResult, lastErr
		}
		if !recoverable(err) {
			return history, lastResult, lastErr
		}
		if attempt == l.cfg.MaxAttempts {
			break
		}

		nextUtil, ok := l.adjustUtil(gpuUtil, err)
		if !ok {
			l.logger.Warn("utilization adjustment exhausted, stopping",
				zap.Float64("gpu_util", gpuUtil))
			break
		}
		gpuUtil = nextUtil

		// Context length only shrinks once utilization alone has had a
		// chance, after the second attempt.
		if attempt >= 2 {
			reduced := req.MaxModelLen - (attempt-1)*256
			if req.MaxModelLen <= 0 {
				reduced = 4096 - (attempt-1)*256
			}
			if reduced < 1024 {
				reduced = 1024
			}
			contextLen = reduced
		}
	}

	return history, lastResult, lastErr
}

// launchOnce starts one detached server process and waits for its
// readiness verdict.
func (l *Launcher) launchOnce(ctx context.Context, req models.DeploymentRequest, gpuUtil float64, contextLen int) (ReadinessResult, error) {
	logPath := serverLogPath(l.cfg.ServerPort)

	if _, err := l.channel.Execute(ctx, fmt.Sprintf("rm -f %s && touch %s", logPath, logPath), l.cfg.CommandTimeout); err != nil {
		return ReadinessResult{}, fmt.Errorf("log file reset: %w", err)
	}

	serve := fmt.Sprintf(
		"nohup bash -c 'source %s/bin/activate && vllm serve %s --host 0.0.0.0 --port %d --gpu-memory-utilization %.2f --max-model-len %d' > %s 2>&1 &",
		venvPath, req.Model, l.cfg.ServerPort, gpuUtil, contextLen, logPath,
	)
	if err := l.channel.Detach(ctx, serve); err != nil {
		return ReadinessResult{}, fmt.Errorf("server launch: %w", err)
	}

	result := l.monitor.Wait(ctx, logPath)
	switch result.Kind {
	case ResultReady:
		return result, nil
	case ResultExhausted:
		return result, &ResourceExhaustionError{GPUUtil: gpuUtil, Detail: result.Detail}
	case ResultTimedOut:
		return result, &DeadlineError{Scope: ScopeAttempt, Detail: result.Detail}
	default:
		return result, &CrashError{Detail: result.Detail, Context: result.Context}
	}
}

// adjustUtil computes the next attempt's utilization from the failure
// classification. Memory exhaustion backs the fraction off toward the
// floor; timeouts and unclassified crashes probe upward toward the
// ceiling, past which the negotiation stops.
func (l *Launcher) adjustUtil(current float64, err error) (float64, bool) {
	if failureClass(err) == "resource_exhaustion" {
		next := round2(current - l.cfg.UtilDelta)
		if next < l.cfg.UtilFloor {
			next = l.cfg.UtilFloor
		}
		if next == current {
			return 0, false
		}
		return next, true
	}

	next := round2(current + l.cfg.UtilDelta)
	if next > l.cfg.UtilCeiling {
		return 0, false
	}
	return next, true
}

// failureClass names the error type for attempt records and events.
func failureClass(err error) string {
	if err == nil {
		return ""
	}
	var exhausted *ResourceExhaustionError
	var crashed *CrashError
	var deadline *DeadlineError
	switch {
	case errors.As(err, &exhausted):
		return "resource_exhaustion"
	case errors.As(err, &crashed):
		return "crash"
	case errors.As(err, &deadline):
		return "timeout"
	}
	return "unknown"
}

func serverLogPath(port int) string {
	return fmt.Sprintf("/tmp/vllm_%d.log", port)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

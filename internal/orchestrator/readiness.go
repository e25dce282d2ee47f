package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// ResultKind is the typed outcome of monitoring one launch attempt.
type ResultKind int

const (
	ResultReady ResultKind = iota
	ResultExhausted
	ResultCrashed
	ResultTimedOut
)

// ReadinessResult carries the attempt outcome plus the diagnostics the
// negotiator needs for classification and retry decisions.
type ReadinessResult struct {
	Kind           ResultKind
	State          models.ReadinessState
	Detail         string
	Context        []string
	GPUMemoryBytes int64
	KVCacheTokens  int64
	Fallback       bool
}

var (
	readyPatterns = []string{
		"Uvicorn running on",
		"Started server process",
		"Application startup complete",
		"Available routes are:",
	}
	graphCapturedPatterns = []string{
		"Graph capturing finished",
		"Capturing CUDA graph shapes: 100%",
	}
	compilingPatterns = []string{
		"Capturing CUDA graph shapes",
		"torch.compile",
		"Dynamo bytecode transform",
	}
	weightsLoadedPatterns = []string{
		"Model loading took",
	}
	fatalPatterns = []string{
		"Traceback",
		"CUDA out of memory",
		"torch.cuda.OutOfMemoryError",
		"RuntimeError",
		"Engine core not yet initialized, failed to start",
	}
	oomPatterns = []string{
		"CUDA out of memory",
		"torch.cuda.OutOfMemoryError",
		"out of memory",
	}

	kvCacheRe   = regexp.MustCompile(`GPU KV cache size:\s*([\d,]+)\s*tokens`)
	usedMemRe   = regexp.MustCompile(`(\d+)\s*MiB`)
	contextSize = 20
)

// Monitor drives the readiness state machine for one launch attempt.
// A single loop merges new log lines with fixed-interval poll ticks, so
// stall detection and the fallback path are observable in order.
type Monitor struct {
	channel        remote.Channel
	serverPort     int
	commandTimeout time.Duration
	overallTimeout time.Duration
	stallTimeout   time.Duration
	compileStall   time.Duration
	fallbackWindow time.Duration
	tickInterval   time.Duration
	logger         *zap.Logger
}

// NewMonitor creates a monitor for the given server port. stallTimeout
// applies before compilation is observed, compileStall after.
func NewMonitor(channel remote.Channel, serverPort int, commandTimeout, overallTimeout, stallTimeout, compileStall, fallbackWindow time.Duration, logger *zap.Logger) *Monitor {
	if overallTimeout <= 0 {
		overallTimeout = 900 * time.Second
	}
	if stallTimeout <= 0 {
		stallTimeout = 300 * time.Second
	}
	if compileStall <= 0 {
		compileStall = 480 * time.Second
	}
	if fallbackWindow <= 0 {
		fallbackWindow = 120 * time.Second
	}
	return &Monitor{
		channel:        channel,
		serverPort:     serverPort,
		commandTimeout: commandTimeout,
		overallTimeout: overallTimeout,
		stallTimeout:   stallTimeout,
		compileStall:   compileStall,
		fallbackWindow: fallbackWindow,
		tickInterval:   2 * time.Second,
		logger:         logger,
	}
}

// Wait tails the server log and runs the state machine until a
// terminal state is reached.
func (m *Monitor) Wait(ctx context.Context, logPath string) ReadinessResult {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines, errc, err := m.channel.Stream(streamCtx, fmt.Sprintf("tail -n +1 -f %s 2>/dev/null", logPath))
	if err != nil {
		return ReadinessResult{
			Kind:   ResultCrashed,
			State:  models.StateCrashed,
			Detail: "could not open server log stream: " + err.Error(),
		}
	}

	return m.run(ctx, lines, errc)
}

// run is the merged event loop. Exposed to Wait only; tests exercise it
// through fake channels.
func (m *Monitor) run(ctx context.Context, lines <-chan string, errc <-chan error) ReadinessResult {
	state := models.StateStarting
	result := ReadinessResult{State: state}

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(m.overallTimeout)
	lastOutput := time.Now()
	compileObserved := false
	recent := make([]string, 0, contextSize)

	for {
		select {
		case <-ctx.Done():
			result.Kind = ResultTimedOut
			result.State = models.StateTimedOut
			result.Detail = "monitoring canceled"
			return result

		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				m.logger.Warn("log stream error", zap.Error(err))
			}

		case line, ok := <-lines:
			if !ok {
				// A closed stream right after graph capture is a known
				// benign pattern: the server keeps running while its
				// stdout pauses. Verify out of band before declaring
				// failure.
				if state == models.StateGraphCaptured || state == models.StateCompiling {
					return m.fallbackVerify(ctx, state, result)
				}
				result.Kind = ResultCrashed
				result.State = models.StateCrashed
				result.Detail = "server log stream ended before the API came up"
				result.Context = append(result.Context, recent...)
				return result
			}

			lastOutput = time.Now()
			recent = appendBounded(recent, line, contextSize)

			if fatal, oom := classifyFatal(line); fatal {
				result.Context = append(result.Context, recent...)
				result.Detail = strings.TrimSpace(line)
				if oom {
					result.Kind = ResultExhausted
				} else {
					result.Kind = ResultCrashed
				}
				result.State = models.StateCrashed
				return result
			}

			if tokens := parseKVCacheTokens(line); tokens > 0 {
				result.KVCacheTokens = tokens
			}

			next := classifyLine(state, line)
			if next != state {
				m.logger.Debug("readiness transition",
					zap.String("from", string(state)),
					zap.String("to", string(next)),
				)
				state = next
				result.State = state
			}
			if state == models.StateCompiling || state == models.StateGraphCaptured {
				compileObserved = true
			}
			if state == models.StateAPIReady {
				result.Kind = ResultReady
				result.GPUMemoryBytes = m.queryGPUMemory(ctx)
				return result
			}

		case <-ticker.C:
			if time.Now().After(deadline) {
				result.Kind = ResultTimedOut
				result.State = models.StateTimedOut
				result.Detail = fmt.Sprintf("server not ready within %s", m.overallTimeout)
				result.Context = append(result.Context, recent...)
				return result
			}

			stall := m.stallTimeout
			if compileObserved {
				stall = m.compileStall
			}
			if time.Since(lastOutput) > stall {
				if state == models.StateGraphCaptured || state == models.StateCompiling {
					return m.fallbackVerify(ctx, state, result)
				}
				result.Kind = ResultTimedOut
				result.State = models.StateTimedOut
				result.Detail = fmt.Sprintf("no log output for %s in state %s", stall, state)
				result.Context = append(result.Context, recent...)
				return result
			}
		}
	}
}

// fallbackVerify confirms readiness out of band when the log stream
// stalled or closed after graph capture: GPU memory accounting shows
// the server still holds its allocation, and the health endpoint
// answers. Bounded by the fallback window.
func (m *Monitor) fallbackVerify(ctx context.Context, state models.ReadinessState, result ReadinessResult) ReadinessResult {
	m.logger.Info("log stream lost after graph capture, verifying out of band",
		zap.String("state", string(state)),
	)

	deadline := time.Now().Add(m.fallbackWindow)
	healthCmd := fmt.Sprintf(
		"curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d/health", m.serverPort,
	)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}

		res, err := m.channel.Execute(ctx, healthCmd, m.commandTimeout)
		if err == nil && strings.TrimSpace(res.Stdout) == "200" {
			result.Kind = ResultReady
			result.State = models.StateAPIReady
			result.Fallback = true
			result.GPUMemoryBytes = m.queryGPUMemory(ctx)
			return result
		}

		// If nothing holds GPU memory anymore the process is gone and
		// waiting further is pointless.
		if mem := m.queryGPUMemory(ctx); mem == 0 {
			alive, aerr := m.channel.Execute(ctx, "pgrep -f 'vllm serve' > /dev/null 2>&1; echo $?", m.commandTimeout)
			if aerr == nil && strings.TrimSpace(alive.Stdout) != "0" {
				result.Kind = ResultCrashed
				result.State = models.StateCrashed
				result.Detail = "server process exited during graph capture"
				return result
			}
		}

		if err := sleepCtx(ctx, m.tickInterval); err != nil {
			break
		}
	}

	result.Kind = ResultCrashed
	result.State = models.StateCrashed
	result.Detail = fmt.Sprintf("health endpoint never answered within %s after log stream loss", m.fallbackWindow)
	return result
}

// queryGPUMemory reads the server's GPU allocation in bytes,
// best-effort.
func (m *Monitor) queryGPUMemory(ctx context.Context) int64 {
	res, err := m.channel.Execute(ctx,
		"nvidia-smi --query-compute-apps=pid,used_memory --format=csv,noheader", m.commandTimeout)
	if err != nil || res.ExitCode != 0 {
		return 0
	}

	var total int64
	for _, line := range strings.Split(res.Stdout, "\n") {
		if match := usedMemRe.FindStringSubmatch(line); match != nil {
			if mib, perr := strconv.ParseInt(match[1], 10, 64); perr == nil {
				total += mib * 1024 * 1024
			}
		}
	}
	return total
}

// classifyLine maps one log line onto the next readiness state. States
// only move forward; a stale progress line never regresses the
// machine.
func classifyLine(current models.ReadinessState, line string) models.ReadinessState {
	if containsAny(line, readyPatterns) {
		return models.StateAPIReady
	}
	if containsAny(line, graphCapturedPatterns) && rank(current) < rank(models.StateGraphCaptured) {
		return models.StateGraphCaptured
	}
	if containsAny(line, compilingPatterns) && rank(current) < rank(models.StateCompiling) {
		return models.StateCompiling
	}
	if containsAny(line, weightsLoadedPatterns) && rank(current) < rank(models.StateWeightsLoaded) {
		return models.StateWeightsLoaded
	}
	return current
}

func rank(s models.ReadinessState) int {
	switch s {
	case models.StateStarting:
		return 0
	case models.StateWeightsLoaded:
		return 1
	case models.StateCompiling:
		return 2
	case models.StateGraphCaptured:
		return 3
	case models.StateAPIReady:
		return 4
	}
	return -1
}

// classifyFatal reports whether a line is fatal and whether it
// indicates memory exhaustion specifically.
func classifyFatal(line string) (fatal, oom bool) {
	if !containsAny(line, fatalPatterns) {
		return false, false
	}
	return true, containsAny(line, oomPatterns)
}

func parseKVCacheTokens(line string) int64 {
	match := kvCacheRe.FindStringSubmatch(line)
	if match == nil {
		return 0
	}
	cleaned := strings.ReplaceAll(match[1], ",", "")
	tokens, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0
	}
	return tokens
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func appendBounded(buf []string, line string, max int) []string {
	buf = append(buf, line)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

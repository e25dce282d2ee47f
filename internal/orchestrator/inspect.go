package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

const (
	osCutoff         = 0.4
	hypervisorCutoff = 0.4
	gpuCutoff        = 0.5
)

var (
	osVocabulary         = []string{"linux", "windows"}
	hypervisorVocabulary = []string{"esxi", "vmware", "kvm"}
)

// Inspector detects the target's OS, hypervisor and GPU, and validates
// the GPU against the requested capacity profile before any
// provisioning is allowed to run.
type Inspector struct {
	channel remote.Channel
	timeout time.Duration
	logger  *zap.Logger
}

// NewInspector creates an inspector over the given channel.
func NewInspector(channel remote.Channel, timeout time.Duration, logger *zap.Logger) *Inspector {
	return &Inspector{channel: channel, timeout: timeout, logger: logger}
}

// Inspect gathers host facts and validates the GPU family. A GPU
// mismatch is a ValidationError raised before any provisioning command
// runs, because provisioning on the wrong family wastes every
// launch attempt.
func (i *Inspector) Inspect(ctx context.Context, profile models.CapacityProfile) (*models.HostInfo, error) {
	info := &models.HostInfo{}

	if res, err := i.channel.Execute(ctx, "uname -a", i.timeout); err == nil && res.ExitCode == 0 {
		info.OS = mapToken(res.Stdout, osVocabulary, osCutoff)
	}

	if res, err := i.channel.Execute(ctx, "cat /sys/class/dmi/id/product_name 2>/dev/null", i.timeout); err == nil && res.ExitCode == 0 {
		info.Hypervisor = mapToken(res.Stdout, hypervisorVocabulary, hypervisorCutoff)
	}

	res, err := i.channel.Execute(ctx,
		"nvidia-smi --query-gpu=name,memory.total,driver_version --format=csv,noheader", i.timeout)
	if err != nil {
		return nil, fmt.Errorf("GPU query failed: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, &ValidationError{
			Field:    "gpu",
			Expected: profile.GPUFamily,
			Detected: "none (nvidia-smi unavailable: " + strings.TrimSpace(res.Stderr) + ")",
		}
	}

	name, memMiB, driver, err := parseGPULine(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("unparseable GPU query output: %w", err)
	}
	info.GPUName = name
	info.GPUMemoryMiB = memMiB
	info.DriverVersion = driver

	// Informational VM sizing probe, never fatal.
	if res, err := i.channel.Execute(ctx, "nproc 2>/dev/null", i.timeout); err == nil && res.ExitCode == 0 {
		if n, perr := strconv.Atoi(strings.TrimSpace(res.Stdout)); perr == nil {
			info.CPUCount = n
		}
	}
	if res, err := i.channel.Execute(ctx, "free -m | awk '/^Mem:/{print $2}'", i.timeout); err == nil && res.ExitCode == 0 {
		if n, perr := strconv.Atoi(strings.TrimSpace(res.Stdout)); perr == nil {
			info.RAMMiB = n
		}
	}

	if profile.GPUFamily != "" && !gpuMatches(profile.GPUFamily, name) {
		return info, &ValidationError{
			Field:    "gpu",
			Expected: profile.GPUFamily,
			Detected: name,
		}
	}

	i.logger.Info("host inspected",
		zap.String("os", info.OS),
		zap.String("hypervisor", info.Hypervisor),
		zap.String("gpu", info.GPUName),
		zap.Float64("gpu_memory_mib", info.GPUMemoryMiB),
		zap.String("driver", info.DriverVersion),
	)
	return info, nil
}

// parseGPULine parses one "name, memory-total, driver-version" CSV
// line. Only the first GPU is considered.
func parseGPULine(out string) (name string, memMiB float64, driver string, err error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return "", 0, "", fmt.Errorf("expected 3 fields, got %d in %q", len(parts), line)
	}

	name = strings.TrimSpace(parts[0])
	driver = strings.TrimSpace(parts[2])

	memField := strings.TrimSpace(parts[1])
	memField = strings.TrimSuffix(memField, "MiB")
	memField = strings.TrimSpace(memField)
	memMiB, err = strconv.ParseFloat(memField, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("unparseable memory field %q", parts[1])
	}
	return name, memMiB, driver, nil
}

// mapToken classifies a raw introspection string against a small
// vocabulary: substring match first, closest-similarity fallback.
// Returns "unknown" below the cutoff.
func mapToken(raw string, vocabulary []string, cutoff float64) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return "unknown"
	}

	for _, word := range vocabulary {
		if strings.Contains(lowered, word) {
			return word
		}
	}

	best := "unknown"
	bestRatio := cutoff
	for _, word := range vocabulary {
		if r := similarity(lowered, word); r >= bestRatio {
			best = word
			bestRatio = r
		}
	}
	return best
}

// gpuMatches validates the requested profile family against the
// detected GPU name. Substring containment passes outright; otherwise
// the similarity ratio must clear the cutoff.
func gpuMatches(family, detected string) bool {
	f := strings.ToLower(strings.TrimSpace(family))
	d := strings.ToLower(strings.TrimSpace(detected))
	if f == "" || d == "" {
		return false
	}
	if strings.Contains(d, f) || strings.Contains(f, d) {
		return true
	}
	return similarity(f, d) > gpuCutoff
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

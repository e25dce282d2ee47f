package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/models"
)

func TestMapToken(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		vocabulary []string
		want       string
	}{
		{
			name:       "linux substring in uname output",
			raw:        "Linux gpu-node-1 5.15.0-97-generic #107-Ubuntu SMP x86_64 GNU/Linux",
			vocabulary: osVocabulary,
			want:       "linux",
		},
		{
			name:       "windows output",
			raw:        "Microsoft Windows [Version 10.0.19045]",
			vocabulary: osVocabulary,
			want:       "windows",
		},
		{
			name:       "vmware product name",
			raw:        "VMware Virtual Platform",
			vocabulary: hypervisorVocabulary,
			want:       "vmware",
		},
		{
			name:       "kvm product name",
			raw:        "KVM",
			vocabulary: hypervisorVocabulary,
			want:       "kvm",
		},
		{
			name:       "close match below exact",
			raw:        "esx",
			vocabulary: hypervisorVocabulary,
			want:       "esxi",
		},
		{
			name:       "unrelated output",
			raw:        "PowerEdge R760",
			vocabulary: hypervisorVocabulary,
			want:       "unknown",
		},
		{
			name:       "empty output",
			raw:        "",
			vocabulary: osVocabulary,
			want:       "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapToken(tt.raw, tt.vocabulary, 0.4)
			if got != tt.want {
				t.Errorf("mapToken(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestGPUMatches(t *testing.T) {
	tests := []struct {
		name     string
		family   string
		detected string
		want     bool
	}{
		{"substring match", "L40S", "NVIDIA L40S", true},
		{"family mismatch", "A100", "NVIDIA L40S", false},
		{"case insensitive", "l40s", "NVIDIA L40S", true},
		{"full name requested", "NVIDIA A100-SXM4-80GB", "NVIDIA A100-SXM4-80GB", true},
		{"empty family", "", "NVIDIA L40S", false},
		{"empty detected", "L40S", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gpuMatches(tt.family, tt.detected); got != tt.want {
				t.Errorf("gpuMatches(%q, %q) = %v, want %v", tt.family, tt.detected, got, tt.want)
			}
		})
	}
}

func TestParseGPULine(t *testing.T) {
	name, mem, driver, err := parseGPULine("NVIDIA L40S, 46068 MiB, 535.154.05\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "NVIDIA L40S" {
		t.Errorf("name = %q", name)
	}
	if mem != 46068 {
		t.Errorf("mem = %v", mem)
	}
	if driver != "535.154.05" {
		t.Errorf("driver = %q", driver)
	}

	if _, _, _, err := parseGPULine("garbage"); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestInspectRejectsMismatchedGPU(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "uname", stdout: "Linux vm 5.15.0 x86_64 GNU/Linux"},
			{match: "product_name", stdout: "VMware Virtual Platform"},
			{match: "query-gpu", stdout: "NVIDIA L40S, 46068 MiB, 535.154.05"},
			{match: "nproc", stdout: "16"},
			{match: "free -m", stdout: "64284"},
		},
	}

	inspector := NewInspector(channel, 5*time.Second, zap.NewNop())
	_, err := inspector.Inspect(context.Background(), models.CapacityProfile{
		Name:      "A100-40C",
		GPUFamily: "A100",
		MemoryGiB: 40,
	})

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validation.Detected != "NVIDIA L40S" {
		t.Errorf("detected = %q", validation.Detected)
	}

	// Mismatch must be raised before any provisioning command runs.
	if channel.commandCount("venv") != 0 || channel.commandCount("pip install") != 0 {
		t.Error("provisioning commands ran despite GPU mismatch")
	}
}

func TestInspectAcceptsMatchingGPU(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "uname", stdout: "Linux vm 5.15.0 x86_64 GNU/Linux"},
			{match: "product_name", stdout: "VMware7,1"},
			{match: "query-gpu", stdout: "NVIDIA L40S, 46068 MiB, 535.154.05"},
			{match: "nproc", stdout: "16"},
			{match: "free -m", stdout: "64284"},
		},
	}

	inspector := NewInspector(channel, 5*time.Second, zap.NewNop())
	info, err := inspector.Inspect(context.Background(), models.CapacityProfile{
		Name:      "L40S-24C",
		GPUFamily: "L40S",
		MemoryGiB: 24,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.OS != "linux" {
		t.Errorf("os = %q", info.OS)
	}
	if info.Hypervisor != "vmware" {
		t.Errorf("hypervisor = %q", info.Hypervisor)
	}
	if info.GPUMemoryMiB != 46068 {
		t.Errorf("gpu memory = %v", info.GPUMemoryMiB)
	}
	if info.CPUCount != 16 {
		t.Errorf("cpu count = %d", info.CPUCount)
	}
}

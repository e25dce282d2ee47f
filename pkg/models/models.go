package models

import "time"

// DeploymentMode selects how commands reach the target host.
type DeploymentMode string

const (
	ModeLocal  DeploymentMode = "local"
	ModeRemote DeploymentMode = "remote"
)

// CapacityProfile names a vGPU slice: the GPU family it runs on and how
// much framebuffer it grants one instance.
type CapacityProfile struct {
	Name      string  `json:"name"`
	GPUFamily string  `json:"gpu_family"`
	MemoryGiB float64 `json:"memory_gib"`
}

// DeploymentRequest describes one deployment run. Immutable for the
// lifetime of a run; retries derive their own AttemptState instead of
// mutating the request.
type DeploymentRequest struct {
	ID       string         `json:"id"`
	Mode     DeploymentMode `json:"mode"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	User     string         `json:"user"`
	Password string         `json:"password,omitempty"`

	Model       string          `json:"model"`
	Profile     CapacityProfile `json:"profile"`
	MaxModelLen int             `json:"max_model_len"`
	ServerPort  int             `json:"server_port"`
	HFToken     string          `json:"hf_token,omitempty"`
}

// CommandResult is the outcome of one remote command invocation.
// Never mutated after creation.
type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// AttemptOutcome is the terminal disposition of one launch attempt.
type AttemptOutcome string

const (
	AttemptPending AttemptOutcome = "pending"
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailed  AttemptOutcome = "failed"
)

// AttemptState records one launch attempt of the GPU negotiator. The
// sequence of AttemptStates for a run is append-only.
type AttemptState struct {
	Number         int            `json:"number"`
	GPUUtil        float64        `json:"gpu_util"`
	ContextLength  int            `json:"context_length"`
	Outcome        AttemptOutcome `json:"outcome"`
	FailureClass   string         `json:"failure_class,omitempty"`
	GPUMemoryBytes int64          `json:"gpu_memory_bytes,omitempty"`
	KVCacheTokens  int64          `json:"kv_cache_tokens,omitempty"`
}

// ReadinessState tracks server boot progress as classified from its log
// stream. APIReady, Crashed and TimedOut are terminal for an attempt.
type ReadinessState string

const (
	StateStarting      ReadinessState = "STARTING"
	StateWeightsLoaded ReadinessState = "WEIGHTS_LOADED"
	StateCompiling     ReadinessState = "COMPILING"
	StateGraphCaptured ReadinessState = "GRAPH_CAPTURED"
	StateAPIReady      ReadinessState = "API_READY"
	StateCrashed       ReadinessState = "CRASHED"
	StateTimedOut      ReadinessState = "TIMED_OUT"
)

// Terminal reports whether the state ends an attempt.
func (s ReadinessState) Terminal() bool {
	return s == StateAPIReady || s == StateCrashed || s == StateTimedOut
}

// ProgressStatus is the coarse status carried by every progress event.
type ProgressStatus string

const (
	StatusConnecting ProgressStatus = "connecting"
	StatusExecuting  ProgressStatus = "executing"
	StatusCompleted  ProgressStatus = "completed"
	StatusError      ProgressStatus = "error"
	StatusSuccess    ProgressStatus = "success"
)

// ProgressEvent is one line of the outbound progress stream. Events are
// ordered and append-only; completed/error/success terminate the stream.
type ProgressEvent struct {
	DeploymentID   string             `json:"deployment_id"`
	Status         ProgressStatus     `json:"status"`
	Message        string             `json:"message"`
	Error          string             `json:"error,omitempty"`
	DisplayMessage string             `json:"display_message,omitempty"`
	CurrentStep    int                `json:"current_step,omitempty"`
	TotalSteps     int                `json:"total_steps,omitempty"`
	Attempt        *AttemptState      `json:"attempt,omitempty"`
	Summary        *DeploymentSummary `json:"summary,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// HostInfo is what the inspector learned about the target.
type HostInfo struct {
	OS            string  `json:"os"`
	Hypervisor    string  `json:"hypervisor"`
	GPUName       string  `json:"gpu_name"`
	GPUMemoryMiB  float64 `json:"gpu_memory_mib"`
	DriverVersion string  `json:"driver_version"`
	CPUCount      int     `json:"cpu_count,omitempty"`
	RAMMiB        int     `json:"ram_mib,omitempty"`
}

// DeploymentSummary is the final report attached to the terminal event.
type DeploymentSummary struct {
	Succeeded      bool          `json:"succeeded"`
	Degraded       bool          `json:"degraded"`
	Attempts       int           `json:"attempts"`
	FinalGPUUtil   float64       `json:"final_gpu_util"`
	FinalContext   int           `json:"final_context"`
	GPUMemoryBytes int64         `json:"gpu_memory_bytes,omitempty"`
	KVCacheTokens  int64         `json:"kv_cache_tokens,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

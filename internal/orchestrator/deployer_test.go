package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/config"
	"github.com/vgpu-advisor/deployd/internal/credentials"
	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// cancelingChannel cancels the run context when a trigger command is
// seen, simulating a caller that abandons the run mid-flight.
type cancelingChannel struct {
	*fakeChannel
	cancel  context.CancelFunc
	trigger string
}

func (c *cancelingChannel) Execute(ctx context.Context, command string, timeout time.Duration) (models.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return models.CommandResult{Command: command}, err
	}
	if strings.Contains(command, c.trigger) {
		c.cancel()
		return models.CommandResult{Command: command}, ctx.Err()
	}
	return c.fakeChannel.Execute(ctx, command, timeout)
}

func testDeployConfig() *config.Config {
	return &config.Config{
		SSH: config.SSHConfig{
			ConnectTimeout: time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Deploy: config.DeployConfig{
			ServerPort:     8000,
			MaxAttempts:    4,
			UtilDelta:      0.05,
			UtilCeiling:    0.95,
			UtilFloor:      0.30,
			UtilCap:        0.85,
			UtilDefault:    0.75,
			AttemptTimeout: time.Minute,
			ReadyTimeout:   900 * time.Second,
			StallTimeout:   300 * time.Second,
			CompileTimeout: 480 * time.Second,
			InstallTimeout: 500 * time.Millisecond,
			InstallPoll:    10 * time.Millisecond,
			FallbackWindow: 120 * time.Second,
		},
	}
}

// installChannel routes local-mode runs through the given channel for
// the duration of one test.
func installChannel(t *testing.T, channel remote.Channel) {
	t.Helper()
	orig := channelFactories[models.ModeLocal]
	channelFactories[models.ModeLocal] = func(models.DeploymentRequest, config.SSHConfig, *credentials.KeyHandle, *zap.Logger) (remote.Channel, error) {
		return channel, nil
	}
	t.Cleanup(func() { channelFactories[models.ModeLocal] = orig })
}

func runDeployment(t *testing.T, ctx context.Context, channel remote.Channel, req models.DeploymentRequest) []models.ProgressEvent {
	t.Helper()
	installChannel(t, channel)

	var got []models.ProgressEvent
	d := NewDeployer(Deps{Config: testDeployConfig(), Logger: zap.NewNop()})
	d.Run(ctx, req, collectingSink(&got))
	return got
}

var healthyHostRules = []respRule{
	{match: "deployd-ok", stdout: "deployd-ok\n"},
	{match: "uname", stdout: "Linux vm 5.15.0 x86_64 GNU/Linux"},
	{match: "product_name", stdout: "KVM"},
	{match: "query-compute-apps", stdout: "41235, 30720 MiB"},
	{match: "query-gpu", stdout: "NVIDIA L40S, 46068 MiB, 535.154.05"},
	{match: "/health", stdout: "200"},
	{match: "/v1/chat/completions", stdout: `{"choices":[{"message":{"content":"Hello there."}}]}`},
}

func finalCleanupCount(channel *fakeChannel) int {
	return channel.commandCount("pkill -9 -f 'vllm serve'")
}

func TestRunSuccessCleansUpExactlyOncePerPassPlusRunEnd(t *testing.T) {
	channel := &fakeChannel{
		rules:       healthyHostRules,
		transcripts: [][]string{readyTranscript},
	}

	req := models.DeploymentRequest{
		ID:      "dep-run-1",
		Mode:    models.ModeLocal,
		Model:   "meta-llama/Llama-3.1-8B",
		Profile: models.CapacityProfile{Name: "L40S-24C", GPUFamily: "L40S", MemoryGiB: 24},
	}
	got := runDeployment(t, context.Background(), channel, req)

	if len(got) == 0 {
		t.Fatal("no progress events emitted")
	}
	last := got[len(got)-1]
	if last.Status != models.StatusSuccess {
		t.Fatalf("last event = %+v, want success", last)
	}
	if last.Summary == nil || last.Summary.Attempts != 1 || last.Summary.Degraded {
		t.Errorf("summary = %+v, want 1 clean attempt", last.Summary)
	}

	// One cleanup pass before the single attempt plus exactly one more
	// at run end.
	if got := finalCleanupCount(channel); got != 2 {
		t.Errorf("cleanup passes = %d, want 2", got)
	}
}

func TestRunTerminalFailureStillCleansUpOnce(t *testing.T) {
	// Detected GPU does not match the requested profile: the run must
	// fail before any launch, and still reclaim the host once.
	channel := &fakeChannel{rules: healthyHostRules}

	req := models.DeploymentRequest{
		ID:      "dep-run-2",
		Mode:    models.ModeLocal,
		Model:   "meta-llama/Llama-3.1-8B",
		Profile: models.CapacityProfile{Name: "A100-40C", GPUFamily: "A100", MemoryGiB: 40},
	}
	got := runDeployment(t, context.Background(), channel, req)

	last := got[len(got)-1]
	if last.Status != models.StatusError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if len(channel.detached) != 0 {
		t.Errorf("server launched %d times despite host rejection", len(channel.detached))
	}
	if got := finalCleanupCount(channel); got != 1 {
		t.Errorf("cleanup passes = %d, want exactly the run-end pass", got)
	}

	terminals := 0
	for _, e := range got {
		if e.Status == models.StatusError || e.Status == models.StatusSuccess {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want 1", terminals)
	}
}

func TestRunCanceledCallerStillCleansUp(t *testing.T) {
	// The caller abandons the run during provisioning. The final
	// cleanup pass runs on a context detached from that cancellation,
	// so the host is reclaimed anyway.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := &fakeChannel{rules: healthyHostRules}
	channel := &cancelingChannel{
		fakeChannel: inner,
		cancel:      cancel,
		trigger:     "import vllm",
	}

	req := models.DeploymentRequest{
		ID:      "dep-run-3",
		Mode:    models.ModeLocal,
		Model:   "meta-llama/Llama-3.1-8B",
		Profile: models.CapacityProfile{Name: "L40S-24C", GPUFamily: "L40S", MemoryGiB: 24},
	}
	got := runDeployment(t, ctx, channel, req)

	last := got[len(got)-1]
	if last.Status != models.StatusError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if got := finalCleanupCount(inner); got != 1 {
		t.Errorf("cleanup passes after cancellation = %d, want 1", got)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestProvisioner(channel *fakeChannel) *Provisioner {
	return NewProvisioner(channel, 5*time.Second, 500*time.Millisecond, 10*time.Millisecond, zap.NewNop())
}

func TestEnsureVenvCreatesWhenMissing(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestProvisioner(channel)

	if err := p.EnsureVenv(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := channel.commandCount("python3 -m venv"); got != 1 {
		t.Errorf("venv setup ran %d times, want 1", got)
	}
}

func TestEnsureVenvReportsCreationFailure(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "bin/activate", exit: 1, stderr: "python3: command not found"},
		},
	}
	p := newTestProvisioner(channel)

	err := p.EnsureVenv(context.Background())
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProvisioningError, got %v", err)
	}
	if provErr.Step != "venv" {
		t.Errorf("step = %q", provErr.Step)
	}
	if !strings.Contains(provErr.Reason, "command not found") {
		t.Errorf("reason = %q, want stderr detail", provErr.Reason)
	}
}

func TestEnsureVLLMSkipsInstallWhenPresent(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestProvisioner(channel)

	if err := p.EnsureVLLM(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := channel.commandCount("pip install"); got != 0 {
		t.Errorf("install ran %d times for an already-provisioned host", got)
	}
}

func TestEnsureVLLMSurfacesInstallFailureWithLogTail(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "import vllm", exit: 1},
			{match: "pip install", stdout: "12345\n"},
			{match: "ps -p 12345", stdout: "1\n"},
			{match: "tail -50", stdout: "ERROR: No space left on device"},
		},
	}
	p := newTestProvisioner(channel)

	err := p.EnsureVLLM(context.Background())
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProvisioningError, got %v", err)
	}
	if provErr.Step != "install" {
		t.Errorf("step = %q", provErr.Step)
	}
	if !strings.Contains(provErr.LogTail, "No space left") {
		t.Errorf("log tail = %q, want install log excerpt", provErr.LogTail)
	}
}

func TestEnsureVLLMRejectsMissingPID(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "import vllm", exit: 1},
			{match: "pip install", stdout: "not-a-pid\n"},
		},
	}
	p := newTestProvisioner(channel)

	err := p.EnsureVLLM(context.Background())
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProvisioningError, got %v", err)
	}
}

func TestAuthenticateNoTokenIsNoop(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestProvisioner(channel)

	if err := p.Authenticate(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := channel.commandCount("huggingface-cli"); got != 0 {
		t.Errorf("login ran %d times without a token", got)
	}
}

func TestAuthenticateClearsStaleCredentialFirst(t *testing.T) {
	channel := &fakeChannel{}
	p := newTestProvisioner(channel)

	if err := p.Authenticate(context.Background(), "hf_testtoken"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := channel.commandCount("rm -f ~/.cache/huggingface/token"); got != 1 {
		t.Errorf("credential cache cleared %d times, want 1", got)
	}
	if got := channel.commandCount("huggingface-cli login"); got != 1 {
		t.Errorf("login ran %d times, want 1", got)
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "huggingface-cli login", exit: 1, stdout: "Invalid user token."},
		},
	}
	p := newTestProvisioner(channel)

	err := p.Authenticate(context.Background(), "hf_bad")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthenticationError, got %v", err)
	}
	if !strings.Contains(authErr.Reason, "Invalid user token") {
		t.Errorf("reason = %q", authErr.Reason)
	}
}

func TestCleanerRunsFullEscalation(t *testing.T) {
	channel := &fakeChannel{}
	cleaner := NewCleaner(channel, 8000, 5*time.Second, zap.NewNop())

	cleaner.Run(context.Background())

	for _, want := range []string{
		"pkill -9 -f 'vllm serve'",
		"pkill -9 -f 'vllm.entrypoints'",
		"pkill -9 -f 'python.*vllm'",
		"pkill -9 -f 'VLLM::EngineCore'",
		"fuser -k 8000/tcp",
		"sleep 3",
	} {
		if got := channel.commandCount(want); got != 1 {
			t.Errorf("command %q ran %d times, want 1", want, got)
		}
	}
}

func TestCleanerToleratesCommandFailures(t *testing.T) {
	channel := &fakeChannel{
		rules: []respRule{
			{match: "fuser", err: errors.New("fuser not installed")},
		},
	}
	cleaner := NewCleaner(channel, 8000, 5*time.Second, zap.NewNop())

	// Must complete the escalation without panicking or aborting.
	cleaner.Run(context.Background())

	if got := channel.commandCount("sleep 3"); got != 1 {
		t.Errorf("settle delay ran %d times, want 1", got)
	}
}

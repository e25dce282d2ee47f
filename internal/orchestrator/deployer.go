package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/config"
	"github.com/vgpu-advisor/deployd/internal/credentials"
	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/events"
	"github.com/vgpu-advisor/deployd/pkg/logstore"
	"github.com/vgpu-advisor/deployd/pkg/metrics"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// Deps carries everything a deployment run needs. It is constructed
// once per run and passed down explicitly; nothing here is cached
// across runs.
type Deps struct {
	Config *config.Config
	Keys   *credentials.KeyManager
	Store  *logstore.Store
	Bus    *events.Bus
	Logger *zap.Logger
}

// Deployer drives one target host through one deployment run:
// credentials, connectivity, inspection, provisioning, the bounded
// launch loop, smoke test, and cleanup, reporting progress after every
// step.
type Deployer struct {
	deps Deps
}

// NewDeployer creates a deployer from its dependencies.
func NewDeployer(deps Deps) *Deployer {
	return &Deployer{deps: deps}
}

// Run executes the full deployment flow. All outcomes, success or
// failure, are delivered through the sink as ordered progress events
// ending in exactly one terminal event.
func (d *Deployer) Run(ctx context.Context, req models.DeploymentRequest, sink Sink) {
	cfg := d.deps.Config
	logger := d.deps.Logger.With(zap.String("deployment_id", req.ID))
	reporter := NewReporter(req.ID, sink, d.deps.Store, d.deps.Bus, logger)

	metrics.DeploymentsActive.Inc()
	defer metrics.DeploymentsActive.Dec()
	start := time.Now()

	if d.deps.Bus != nil {
		d.deps.Bus.Publish(ctx, events.NewEvent(events.EventDeploymentStarted, req.ID, map[string]interface{}{
			"model": req.Model,
			"host":  req.Host,
			"mode":  string(req.Mode),
		}))
	}

	serverPort := req.ServerPort
	if serverPort == 0 {
		serverPort = cfg.Deploy.ServerPort
	}
	req.ServerPort = serverPort

	// Step 1: credentials.
	reporter.StepForward()
	var key *credentials.KeyHandle
	if req.Mode == models.ModeRemote {
		reporter.Connecting(ctx, "preparing deployment credentials")

		var err error
		key, err = d.deps.Keys.EnsureKey()
		if err != nil {
			d.fail(ctx, reporter, start, err, "Could not prepare the local deployment key.")
			return
		}

		if err := d.deps.Keys.VerifyOrInstall(req.Host, req.Port, req.User, req.Password, key, cfg.SSH.ConnectTimeout); err != nil {
			connErr := &ConnectivityError{Host: req.Host, Reason: "credential bootstrap failed", Err: err}
			var install *credentials.InstallError
			if errors.As(err, &install) {
				connErr.Reason = install.Reason
				connErr.Remediation = install.Remediation
			}
			d.fail(ctx, reporter, start, connErr, "Could not authorize the deployment key on the target host.")
			return
		}
	}

	// Step 2: channel + connectivity probe.
	reporter.StepForward()
	reporter.Connecting(ctx, fmt.Sprintf("connecting to %s", targetName(req)))

	channel, err := OpenChannel(req, cfg.SSH, key, logger)
	if err != nil {
		d.fail(ctx, reporter, start,
			&ConnectivityError{Host: req.Host, Reason: err.Error(), Err: err},
			"Could not reach the target host.")
		return
	}
	defer channel.Close()

	if err := probe(ctx, channel, cfg.SSH.CommandTimeout); err != nil {
		d.fail(ctx, reporter, start,
			&ConnectivityError{Host: req.Host, Reason: err.Error(), Err: err},
			"The target host is reachable but cannot execute commands.")
		return
	}
	reporter.Completed(ctx, "connectivity verified")

	cleaner := NewCleaner(channel, serverPort, cfg.SSH.CommandTimeout, logger)

	// The host must be reclaimed even when the caller abandons the run
	// mid-attempt, so the final pass runs on a context detached from
	// cancellation.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		cleaner.Run(cleanupCtx)
	}()

	// Step 3: inspection and profile validation.
	reporter.StepForward()
	reporter.ExecutingPhase(ctx, logstore.PhaseInspecting, "inspecting target host")

	inspector := NewInspector(channel, cfg.SSH.CommandTimeout, logger)
	host, err := inspector.Inspect(ctx, req.Profile)
	if err != nil {
		var validation *ValidationError
		if errors.As(err, &validation) {
			if d.deps.Bus != nil {
				d.deps.Bus.Publish(ctx, events.NewEvent(events.EventHostRejected, req.ID, map[string]interface{}{
					"field":    validation.Field,
					"expected": validation.Expected,
					"detected": validation.Detected,
				}))
			}
			d.fail(ctx, reporter, start, err,
				fmt.Sprintf("The detected GPU (%s) does not match the requested profile (%s).",
					validation.Detected, validation.Expected))
			return
		}
		d.fail(ctx, reporter, start, err, "Host inspection failed.")
		return
	}

	if d.deps.Bus != nil {
		d.deps.Bus.Publish(ctx, events.NewEvent(events.EventHostValidated, req.ID, map[string]interface{}{
			"gpu":    host.GPUName,
			"driver": host.DriverVersion,
		}))
	}
	reporter.Completed(ctx, fmt.Sprintf("host validated: %s (%s, driver %s)",
		host.GPUName, host.OS, host.DriverVersion))

	// Step 4: provisioning.
	reporter.StepForward()
	provisioner := NewProvisioner(channel, cfg.SSH.CommandTimeout,
		cfg.Deploy.InstallTimeout, cfg.Deploy.InstallPoll, logger)

	reporter.ExecutingPhase(ctx, logstore.PhaseProvisioning, "preparing Python environment")
	if err := provisioner.EnsureVenv(ctx); err != nil {
		d.fail(ctx, reporter, start, err, "Could not create the Python environment on the target.")
		return
	}

	reporter.ExecutingPhase(ctx, logstore.PhaseProvisioning, "installing inference server (this can take several minutes)")
	if err := provisioner.EnsureVLLM(ctx); err != nil {
		display := "Inference server installation failed."
		var prov *ProvisioningError
		if errors.As(err, &prov) && prov.LogTail != "" {
			display += " Install log tail follows."
		}
		d.fail(ctx, reporter, start, err, display)
		return
	}

	if req.HFToken != "" {
		reporter.ExecutingPhase(ctx, logstore.PhaseProvisioning, "authenticating to model repository")
		if err := provisioner.Authenticate(ctx, req.HFToken); err != nil {
			d.fail(ctx, reporter, start, err, "The model repository rejected the supplied token.")
			return
		}
	}
	reporter.Completed(ctx, "environment provisioned")

	// Step 5: bounded launch loop.
	reporter.StepForward()
	monitor := NewMonitor(channel, serverPort, cfg.SSH.CommandTimeout,
		cfg.Deploy.ReadyTimeout, cfg.Deploy.StallTimeout,
		cfg.Deploy.CompileTimeout, cfg.Deploy.FallbackWindow, logger)
	launcher := NewLauncher(channel, cleaner, monitor, NegotiatorConfig{
		MaxAttempts:    cfg.Deploy.MaxAttempts,
		UtilDelta:      cfg.Deploy.UtilDelta,
		UtilCeiling:    cfg.Deploy.UtilCeiling,
		UtilFloor:      cfg.Deploy.UtilFloor,
		UtilCap:        cfg.Deploy.UtilCap,
		UtilDefault:    cfg.Deploy.UtilDefault,
		AttemptTimeout: cfg.Deploy.AttemptTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
		ServerPort:     serverPort,
	}, logger)

	history, readiness, err := launcher.Negotiate(ctx, req, host, reporter)
	if err != nil {
		metrics.RecordRun("failed", len(history), time.Since(start))
		d.failWithAttempts(ctx, reporter, err, history)
		return
	}

	last := history[len(history)-1]
	reporter.Completed(ctx, fmt.Sprintf("server ready after %d attempt(s) at gpu util %.2f",
		len(history), last.GPUUtil))

	// Step 6: smoke test. Failure is degraded success, never a retry.
	reporter.StepForward()
	reporter.ExecutingPhase(ctx, logstore.PhaseSmokeTest, "running smoke test")

	smoke := NewSmokeTester(channel, serverPort, 2*time.Minute, logger)
	smokeResult := smoke.Run(ctx, req.Model)
	degraded := !smokeResult.InferenceOK
	if degraded {
		reporter.ExecutingPhase(ctx, logstore.PhaseSmokeTest,
			"server is up but inference could not be verified: "+smokeResult.Detail)
	}

	// Step 7: report. The deferred cleanup pass stops the server after
	// the verdict is recorded.
	reporter.StepForward()

	summary := models.DeploymentSummary{
		Succeeded:      true,
		Degraded:       degraded,
		Attempts:       len(history),
		FinalGPUUtil:   last.GPUUtil,
		FinalContext:   last.ContextLength,
		GPUMemoryBytes: readiness.GPUMemoryBytes,
		KVCacheTokens:  readiness.KVCacheTokens,
		Elapsed:        time.Since(start),
	}

	outcome := "success"
	message := fmt.Sprintf("deployment verified: %s serving at gpu util %.2f", req.Model, last.GPUUtil)
	if degraded {
		outcome = "degraded"
		message = fmt.Sprintf("deployment completed with degraded verification: %s is up, inference unverified", req.Model)
	}

	metrics.RecordRun(outcome, len(history), time.Since(start))
	metrics.RecordLaunch(req.Model, last.GPUUtil, readiness.KVCacheTokens)
	reporter.Success(ctx, message, summary)
}

// fail records a terminal failure.
func (d *Deployer) fail(ctx context.Context, reporter *Reporter, start time.Time, err error, display string) {
	metrics.RecordRun("failed", 0, time.Since(start))
	reporter.Error(ctx, err, display)
}

// failWithAttempts reports a negotiation failure with the last
// attempt's diagnostic detail.
func (d *Deployer) failWithAttempts(ctx context.Context, reporter *Reporter, err error, history []models.AttemptState) {
	display := fmt.Sprintf("Deployment failed after %d attempt(s).", len(history))
	var crashed *CrashError
	if errors.As(err, &crashed) && len(crashed.Context) > 0 {
		display += " Last server output: " + firstLines(strings.Join(crashed.Context, "\n"), 5)
	}
	reporter.Error(ctx, err, display)
}

// probe verifies the channel can actually execute commands.
func probe(ctx context.Context, channel remote.Channel, timeout time.Duration) error {
	res, err := channel.Execute(ctx, "echo deployd-ok", timeout)
	if err != nil {
		return err
	}
	if !strings.Contains(res.Stdout, "deployd-ok") {
		return fmt.Errorf("command execution check failed: %q", strings.TrimSpace(res.Stdout))
	}
	return nil
}

func targetName(req models.DeploymentRequest) string {
	if req.Mode == models.ModeLocal {
		return "local machine"
	}
	return fmt.Sprintf("%s@%s", req.User, req.Host)
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/events"
	"github.com/vgpu-advisor/deployd/pkg/logstore"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// Sink receives progress events in emission order. The gateway installs
// a sink that writes NDJSON lines to the response.
type Sink func(models.ProgressEvent)

// totalSteps is the number of top-level stages a run reports.
const totalSteps = 7

// Reporter serializes every step of a run into ordered progress
// events. Events go to the caller's sink, the retained log store, and
// the event bus. After a terminal event the stream is closed: further
// emissions are dropped.
type Reporter struct {
	deploymentID string
	sink         Sink
	store        *logstore.Store
	bus          *events.Bus
	logger       *zap.Logger

	mu       sync.Mutex
	step     int
	terminal bool
}

// NewReporter creates a reporter for one deployment run. store and bus
// may be nil in tests.
func NewReporter(deploymentID string, sink Sink, store *logstore.Store, bus *events.Bus, logger *zap.Logger) *Reporter {
	return &Reporter{
		deploymentID: deploymentID,
		sink:         sink,
		store:        store,
		bus:          bus,
		logger:       logger,
	}
}

// StepForward advances the step counter before a new stage begins.
func (r *Reporter) StepForward() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.step < totalSteps {
		r.step++
	}
}

// Connecting reports transport establishment.
func (r *Reporter) Connecting(ctx context.Context, message string) {
	r.emit(ctx, models.ProgressEvent{Status: models.StatusConnecting, Message: message}, logstore.PhaseConnecting)
}

// Executing reports an in-progress stage.
func (r *Reporter) Executing(ctx context.Context, message string) {
	r.emit(ctx, models.ProgressEvent{Status: models.StatusExecuting, Message: message}, logstore.PhaseMonitoring)
}

// ExecutingPhase reports an in-progress stage under a named phase.
func (r *Reporter) ExecutingPhase(ctx context.Context, phase logstore.Phase, message string) {
	r.emit(ctx, models.ProgressEvent{Status: models.StatusExecuting, Message: message}, phase)
}

// Attempt reports the state of one launch attempt.
func (r *Reporter) Attempt(ctx context.Context, message string, attempt models.AttemptState) {
	copied := attempt
	r.emit(ctx, models.ProgressEvent{
		Status:  models.StatusExecuting,
		Message: message,
		Attempt: &copied,
	}, logstore.PhaseLaunching)
}

// Completed reports a finished intermediate stage. Not terminal unless
// it is the run's last event.
func (r *Reporter) Completed(ctx context.Context, message string) {
	r.emit(ctx, models.ProgressEvent{Status: models.StatusCompleted, Message: message}, logstore.PhaseMonitoring)
}

// Error reports a terminal failure and closes the stream.
func (r *Reporter) Error(ctx context.Context, err error, display string) {
	r.emitTerminal(ctx, models.ProgressEvent{
		Status:         models.StatusError,
		Message:        "deployment failed",
		Error:          err.Error(),
		DisplayMessage: display,
	}, logstore.PhaseFailed)

	if r.bus != nil {
		r.bus.Publish(ctx, events.NewEvent(events.EventDeploymentFailed, r.deploymentID, map[string]interface{}{
			"error": err.Error(),
		}))
	}
}

// Success reports the terminal success event with the run summary and
// closes the stream.
func (r *Reporter) Success(ctx context.Context, message string, summary models.DeploymentSummary) {
	copied := summary
	r.emitTerminal(ctx, models.ProgressEvent{
		Status:         models.StatusSuccess,
		Message:        message,
		DisplayMessage: message,
		Summary:        &copied,
	}, logstore.PhaseDone)

	if r.bus != nil {
		eventType := events.EventDeploymentSucceeded
		if summary.Degraded {
			eventType = events.EventDeploymentDegraded
		}
		r.bus.Publish(ctx, events.NewEvent(eventType, r.deploymentID, map[string]interface{}{
			"attempts": summary.Attempts,
			"gpu_util": summary.FinalGPUUtil,
		}))
	}
}

func (r *Reporter) emit(ctx context.Context, event models.ProgressEvent, phase logstore.Phase) {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return
	}
	event.DeploymentID = r.deploymentID
	event.CurrentStep = r.step
	event.TotalSteps = totalSteps
	event.Timestamp = time.Now().UTC()
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(event)
	}
	r.persist(ctx, event, phase)
}

func (r *Reporter) emitTerminal(ctx context.Context, event models.ProgressEvent, phase logstore.Phase) {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return
	}
	r.terminal = true
	event.DeploymentID = r.deploymentID
	event.CurrentStep = r.step
	event.TotalSteps = totalSteps
	event.Timestamp = time.Now().UTC()
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(event)
	}
	r.persist(ctx, event, phase)
}

func (r *Reporter) persist(ctx context.Context, event models.ProgressEvent, phase logstore.Phase) {
	if r.store == nil {
		return
	}

	level := logstore.LevelInfo
	if event.Status == models.StatusError {
		level = logstore.LevelError
	}

	entry := logstore.Entry{
		Level:   level,
		Phase:   phase,
		Message: event.Message,
		Details: event.Error,
	}
	if event.Attempt != nil {
		entry.Attempt = event.Attempt.Number
	}

	if err := r.store.Append(ctx, r.deploymentID, entry); err != nil {
		r.logger.Warn("failed to persist progress event",
			zap.String("deployment_id", r.deploymentID),
			zap.Error(err),
		)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/models"
)

// handleApplyConfiguration runs a full deployment and streams progress
// events back as newline-delimited JSON on the same response. The
// stream is ordered and append-only; a terminal completed/error/success
// event ends it.
//
// POST /v1/deployments
func (g *Gateway) handleApplyConfiguration(w http.ResponseWriter, r *http.Request) {
	var req models.DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateRequest(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Deployment-Id", req.ID)
	w.WriteHeader(http.StatusOK)

	g.logger.Info("deployment requested",
		zap.String("deployment_id", req.ID),
		zap.String("model", req.Model),
		zap.String("mode", string(req.Mode)),
	)

	encoder := json.NewEncoder(w)
	var mu sync.Mutex
	sink := func(event models.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(event); err != nil {
			g.logger.Debug("client dropped progress stream",
				zap.String("deployment_id", req.ID),
				zap.Error(err),
			)
			return
		}
		flusher.Flush()
	}

	g.deployer.Run(r.Context(), req, sink)
}

// handleGetLogs returns retained deployment logs.
//
// GET /v1/deployments/{id}/logs?tail=100&since=RFC3339
func (g *Gateway) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	if deploymentID == "" {
		g.writeError(w, http.StatusBadRequest, "deployment ID is required")
		return
	}

	tail := 100
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		if parsed, err := strconv.Atoi(tailStr); err == nil && parsed > 0 {
			tail = parsed
		}
	}

	var since *time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid 'since' timestamp format (expected RFC3339)")
			return
		}
		since = &parsed
	}

	entries, err := g.store.GetLogs(r.Context(), deploymentID, tail, since)
	if err != nil {
		g.logger.Error("failed to fetch deployment logs",
			zap.String("deployment_id", deploymentID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployment_id": deploymentID,
		"count":         len(entries),
		"logs":          entries,
	})
}

// handleStreamLogs streams deployment logs live via Server-Sent Events.
//
// GET /v1/deployments/{id}/logs/stream?tail=100&since=RFC3339
func (g *Gateway) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	if deploymentID == "" {
		g.writeError(w, http.StatusBadRequest, "deployment ID is required")
		return
	}

	tail := 100
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		if parsed, err := strconv.Atoi(tailStr); err == nil && parsed > 0 {
			tail = parsed
		}
	}

	var since *time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid 'since' timestamp format (expected RFC3339)")
			return
		}
		since = &parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	streamCtx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	logChan, errChan := g.store.StreamLogs(streamCtx, deploymentID, tail, since)

	for {
		select {
		case <-streamCtx.Done():
			return
		case err, ok := <-errChan:
			if ok && err != nil {
				fmt.Fprintf(w, "event: error\ndata: {\"error\": %q}\n\n", err.Error())
				flusher.Flush()
			}
			return
		case entry, ok := <-logChan:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// validateRequest checks the fields the deployer cannot default.
func validateRequest(req *models.DeploymentRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if req.Mode == "" {
		req.Mode = models.ModeRemote
	}
	if req.Mode != models.ModeLocal && req.Mode != models.ModeRemote {
		return fmt.Errorf("mode must be %q or %q", models.ModeLocal, models.ModeRemote)
	}
	if req.Mode == models.ModeRemote {
		if req.Host == "" {
			return fmt.Errorf("host is required for remote deployments")
		}
		if req.User == "" {
			return fmt.Errorf("user is required for remote deployments")
		}
	}
	return nil
}

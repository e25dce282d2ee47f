package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/cache"
	"github.com/vgpu-advisor/deployd/pkg/events"
	"github.com/vgpu-advisor/deployd/pkg/logstore"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

func newTestGateway(t *testing.T) (*Gateway, *logstore.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := &cache.Cache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { c.Close() })

	logger := zap.NewNop()
	store := logstore.NewStore(c, logger, nil, time.Hour)
	return NewGateway(c, logger, nil, store, events.NewBus(logger)), store
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     models.DeploymentRequest
		wantErr string
	}{
		{
			name:    "missing model",
			req:     models.DeploymentRequest{Host: "10.0.0.5", User: "ubuntu"},
			wantErr: "model is required",
		},
		{
			name:    "remote without host",
			req:     models.DeploymentRequest{Model: "meta-llama/Llama-3.1-8B", User: "ubuntu"},
			wantErr: "host is required",
		},
		{
			name:    "remote without user",
			req:     models.DeploymentRequest{Model: "meta-llama/Llama-3.1-8B", Host: "10.0.0.5"},
			wantErr: "user is required",
		},
		{
			name:    "unknown mode",
			req:     models.DeploymentRequest{Model: "m", Mode: "cluster"},
			wantErr: "mode must be",
		},
		{
			name: "valid remote",
			req:  models.DeploymentRequest{Model: "m", Host: "10.0.0.5", User: "ubuntu"},
		},
		{
			name: "local needs no host",
			req:  models.DeploymentRequest{Model: "m", Mode: models.ModeLocal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(&tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateRequestDefaultsToRemote(t *testing.T) {
	req := models.DeploymentRequest{Model: "m", Host: "h", User: "u"}
	require.NoError(t, validateRequest(&req))
	assert.Equal(t, models.ModeRemote, req.Mode)
}

func TestApplyConfigurationRejectsInvalidBody(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLogsReturnsRetainedEntries(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, store.Info(ctx, "dep-1", logstore.PhaseConnecting, "establishing session"))
	require.NoError(t, store.Info(ctx, "dep-1", logstore.PhaseDone, "deployment complete"))

	req := httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-1/logs", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		DeploymentID string          `json:"deployment_id"`
		Count        int             `json:"count"`
		Logs         []logstore.Entry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "dep-1", body.DeploymentID)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Logs, 2)
	assert.Equal(t, "establishing session", body.Logs[0].Message)
}

func TestGetLogsHonorsTail(t *testing.T) {
	gw, store := newTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Info(ctx, "dep-2", logstore.PhaseMonitoring, "line"))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-2/logs?tail=2", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestGetLogsRejectsBadSince(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-3/logs?since=yesterday", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointChecksCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c := &cache.Cache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { c.Close() })

	logger := zap.NewNop()
	gw := NewGateway(c, logger, nil, logstore.NewStore(c, logger, nil, time.Hour), events.NewBus(logger))

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()

	rec = httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

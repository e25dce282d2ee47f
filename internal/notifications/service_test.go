package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/cache"
	"github.com/vgpu-advisor/deployd/pkg/events"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := &cache.Cache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSlackAdapterSendsDeploymentFailure(t *testing.T) {
	var received SlackWebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewSlackAdapter(server.URL, "#deployments", zap.NewNop())
	event := events.NewEvent(events.EventDeploymentFailed, "dep-1", map[string]interface{}{
		"error": "ssh unreachable",
	})

	require.NoError(t, adapter.Send(context.Background(), event))
	assert.Equal(t, "#deployments", received.Channel)
	require.NotEmpty(t, received.Blocks)
	assert.Contains(t, received.Blocks[0].Text.Text, "Deployment Failed")
}

func TestSlackAdapterReportsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := NewSlackAdapter(server.URL, "#deployments", zap.NewNop())
	err := adapter.Send(context.Background(), events.NewEvent(events.EventDeploymentSucceeded, "dep-1", nil))
	assert.Error(t, err)
}

func TestWebhookAdapterSignsPayload(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Deployd-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewWebhookAdapter(server.URL, "topsecret", "POST", nil, zap.NewNop())
	event := events.NewEvent(events.EventDeploymentSucceeded, "dep-2", map[string]interface{}{
		"attempts": 2,
	})

	require.NoError(t, adapter.Send(context.Background(), event))
	assert.True(t, VerifySignature(gotBody, gotSignature, "topsecret"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "dep-2", payload.DeploymentID)
	assert.Equal(t, string(events.EventDeploymentSucceeded), payload.EventType)
}

func TestServiceRoutesBusEventsToChannels(t *testing.T) {
	var delivered int32
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&delivered, 1) == 1 {
			close(done)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &Config{
		Enabled:          true,
		SlackEnabled:     true,
		SlackWebhookURL:  server.URL,
		SlackChannel:     "#deployments",
		MaxRetries:       1,
		RetryBackoffBase: 10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  5 * time.Second,
		EventRouting:     map[string][]string{},
	}
	require.NoError(t, cfg.Validate())

	logger := zap.NewNop()
	bus := events.NewBus(logger)
	svc, err := NewService(cfg, newTestCache(t), logger, bus)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	bus.Publish(ctx, events.NewEvent(events.EventDeploymentFailed, "dep-3", map[string]interface{}{
		"error": "launch attempts exhausted",
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestServiceSkipsDuplicateEvents(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &Config{
		Enabled:          true,
		SlackEnabled:     true,
		SlackWebhookURL:  server.URL,
		MaxRetries:       0,
		RetryBackoffBase: 10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  5 * time.Second,
		EventRouting:     map[string][]string{},
	}

	logger := zap.NewNop()
	bus := events.NewBus(logger)
	svc, err := NewService(cfg, newTestCache(t), logger, bus)
	require.NoError(t, err)

	ctx := context.Background()
	event := events.NewEvent(events.EventDeploymentSucceeded, "dep-4", nil)

	require.NoError(t, svc.handleEvent(ctx, event))
	require.NoError(t, svc.handleEvent(ctx, event))

	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "disabled skips validation",
			cfg:  Config{Enabled: false},
		},
		{
			name:    "enabled with no channels",
			cfg:     Config{Enabled: true, MaxRetries: 1, RetryBackoffBase: time.Second, RetryQueueSize: 1},
			wantErr: true,
		},
		{
			name:    "slack without URL",
			cfg:     Config{Enabled: true, SlackEnabled: true, MaxRetries: 1, RetryBackoffBase: time.Second, RetryQueueSize: 1},
			wantErr: true,
		},
		{
			name: "valid webhook",
			cfg: Config{
				Enabled:          true,
				WebhookEnabled:   true,
				WebhookURL:       "https://example.com/hook",
				WebhookMethod:    "POST",
				MaxRetries:       1,
				RetryBackoffBase: time.Second,
				RetryQueueSize:   1,
			},
		},
		{
			name: "webhook with bad method",
			cfg: Config{
				Enabled:          true,
				WebhookEnabled:   true,
				WebhookURL:       "https://example.com/hook",
				WebhookMethod:    "DELETE",
				MaxRetries:       1,
				RetryBackoffBase: time.Second,
				RetryQueueSize:   1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetChannelsForEventRespectsRouting(t *testing.T) {
	cfg := Config{
		SlackEnabled:   true,
		WebhookEnabled: true,
		EventRouting: map[string][]string{
			string(events.EventHostRejected): {"webhook"},
		},
	}

	assert.Equal(t, []string{"webhook"}, cfg.GetChannelsForEvent(string(events.EventHostRejected)))
	assert.Equal(t, []string{"slack", "webhook"}, cfg.GetChannelsForEvent(string(events.EventDeploymentFailed)))
}

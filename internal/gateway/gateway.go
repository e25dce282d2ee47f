package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/orchestrator"
	"github.com/vgpu-advisor/deployd/pkg/cache"
	"github.com/vgpu-advisor/deployd/pkg/events"
	"github.com/vgpu-advisor/deployd/pkg/logstore"
)

// Gateway handles API requests
type Gateway struct {
	cache    *cache.Cache
	logger   *zap.Logger
	router   *chi.Mux
	deployer *orchestrator.Deployer
	store    *logstore.Store
	eventBus *events.Bus
}

// NewGateway creates a new API gateway
func NewGateway(cache *cache.Cache, logger *zap.Logger, deployer *orchestrator.Deployer, store *logstore.Store, eventBus *events.Bus) *Gateway {
	g := &Gateway{
		cache:    cache,
		logger:   logger,
		router:   chi.NewRouter(),
		deployer: deployer,
		store:    store,
		eventBus: eventBus,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.registerMetrics()

	// Health checks (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Deployment endpoints. The apply handler streams for the whole
	// run, so no request timeout middleware wraps these routes.
	g.router.Post("/v1/deployments", g.handleApplyConfiguration)
	g.router.Get("/v1/deployments/{id}/logs", g.handleGetLogs)
	g.router.Get("/v1/deployments/{id}/logs/stream", g.handleStreamLogs)
}

// Router exposes the configured router for the HTTP server.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.cache.Health(r.Context()); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]string{"error": message})
}

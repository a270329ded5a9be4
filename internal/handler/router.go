package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/live-transcribe/backend/internal/handler/health"
	"github.com/zhouzirui/live-transcribe/backend/internal/handler/transcribe"
	middlewarePkg "github.com/zhouzirui/live-transcribe/backend/internal/middleware"
	"github.com/zhouzirui/live-transcribe/backend/pkg/utils"
)

// Sessions is what the HTTP layer needs from the session manager.
type Sessions interface {
	transcribe.SessionManager
	health.SessionCounter
}

// RouterConfig 路由所需的依赖
type RouterConfig struct {
	Sessions Sessions
	Provider string
	Stream   transcribe.Options
	Gatherer prometheus.Gatherer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Stream.AllowedOrigins))

	healthHandler := health.New(cfg.Sessions, cfg.Provider)
	transcribeHandler := transcribe.New(cfg.Sessions, cfg.Stream)

	r.Route("/api", func(api chi.Router) {
		healthHandler.RegisterRoutes(api)
		transcribeHandler.RegisterRoutes(api)
	})

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "not found")
	})

	return r
}

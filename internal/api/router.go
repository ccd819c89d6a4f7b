package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/identity"
	"github.com/fluxmesh/orchestrator/internal/metrics"
	"github.com/fluxmesh/orchestrator/internal/notify"
	"github.com/fluxmesh/orchestrator/internal/session"
	"github.com/fluxmesh/orchestrator/internal/workspace"
)

// RouterConfig holds every dependency NewRouter needs to build the HTTP
// surface. Populated once in cmd/orchestrator after all components are
// constructed and passed as a single struct, keeping the constructor
// manageable as dependencies grow.
type RouterConfig struct {
	Engine       Engine
	ShareKeys    ShareKeyConsumer
	Sessions     *session.Manager
	Hub          *notify.Hub
	Verifier     identity.Verifier
	Binder       workspace.Binder
	Logger       *zap.Logger

	Version   string
	Commit    string
	StartedAt time.Time
}

// NewRouter builds the fully configured Chi router. Routes live under
// /api/v1 except for the two WebSocket upgrade endpoints, which are mounted
// at the root so a reverse proxy can route them by path without stripping
// a prefix.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	flowHandler := NewFlowHandler(cfg.Engine, cfg.Binder, cfg.Logger)
	shareKeyHandler := NewShareKeyHandler(cfg.ShareKeys, cfg.Binder, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Version, cfg.Commit, cfg.StartedAt, cfg.Engine)
	dashboardWS := NewDashboardWSHandler(cfg.Hub, cfg.Verifier, cfg.Logger)

	// --- Worker Session Protocol upgrade ---
	// session.Manager implements http.Handler directly; authentication
	// happens inside the protocol's register message, not at the HTTP layer.
	r.Handle("/ws/node", cfg.Sessions)

	// --- Dashboard event feed ---
	r.Handle("/ws", dashboardWS)

	// --- Observability, unauthenticated ---
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Verifier))

			r.Post("/flows", flowHandler.Submit)
			r.Get("/deployments", flowHandler.List)
			r.Get("/deployments/{id}", flowHandler.Get)
			r.Post("/deployments/{id}/cancel", flowHandler.Cancel)

			r.Post("/share-keys/consume", shareKeyHandler.Consume)

			r.Get("/stats", healthHandler.Stats)
		})
	})

	return r
}

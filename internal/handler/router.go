package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/handler/chat"
	"github.com/zhouzirui/coachbot/backend/internal/handler/persona"
	"github.com/zhouzirui/coachbot/backend/internal/handler/stats"
	middlewarePkg "github.com/zhouzirui/coachbot/backend/internal/middleware"
	personaModel "github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/pkg/utils"
)

// Dependencies collects what the HTTP layer needs. Generator and
// Conversations may be nil when no model is configured.
type Dependencies struct {
	Personas       personaModel.Store
	Ledger         stats.Ledger
	Hub            *stats.Hub
	StatsLimiter   *middlewarePkg.RateLimiter
	Generator      conversation.Generator
	Conversations  *conversation.Registry
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Create handlers
	personaHandler := persona.New(deps.Personas)
	chatHandler := chat.New(deps.Generator, deps.Conversations, logger)
	statsHandler := stats.New(deps.Ledger, deps.Hub, deps.StatsLimiter, logger)

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		statsHandler.RegisterRoutes(api)
	})

	return r
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tradervault/workspace-core/internal/accounts"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/ledger"
	"github.com/tradervault/workspace-core/internal/querycache"
)

// Server is the thin HTTP/WebSocket surface over the workspace and ledger
// core. All the engineering weight stays in the core packages; handlers only
// decode, delegate and encode.
type Server struct {
	accounts *accounts.Store
	engine   *ledger.Engine
	cache    *querycache.Cache
	feed     interfaces.ChangeFeed // nil when the store has no change feed
	log      zerolog.Logger
}

func New(store *accounts.Store, engine *ledger.Engine, cache *querycache.Cache, feed interfaces.ChangeFeed, log zerolog.Logger) *Server {
	return &Server{
		accounts: store,
		engine:   engine,
		cache:    cache,
		feed:     feed,
		log:      log.With().Str("component", "server").Logger(),
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/workspaces", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkspace)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Post("/movements", s.handleRecordMovement)
			r.Get("/ledger", s.handleLedger)
			r.Get("/balance", s.handleBalance)
		})
	})

	r.Post("/profiles/{uid}/switch", s.handleSwitch)

	if s.feed != nil {
		r.Get("/ws", s.handleWS)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

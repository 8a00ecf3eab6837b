package server

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lcohq/realtime/internal/config"
	"github.com/lcohq/realtime/internal/realtime"
	"github.com/lcohq/realtime/internal/store"
)

// Server is the HTTP shell around the delivery subsystem: the WebSocket
// endpoint for clients, a producer endpoint for collaborators that generate
// content, and an administrative disconnect endpoint.
type Server struct {
	pipeline *realtime.Pipeline
	worker   *realtime.Worker
	store    store.Store
	logger   *zap.Logger
	limiters *userLimiters
}

// NewServer wires the HTTP shell.
func NewServer(pipeline *realtime.Pipeline, worker *realtime.Worker, st store.Store, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		worker:   worker,
		store:    st,
		logger:   logger,
		limiters: newUserLimiters(rate.Limit(cfg.Rate.MessagesPerSecond), cfg.Rate.Burst),
	}
}

// NewRouter builds the router. wsHandler serves the WebSocket upgrade.
func NewRouter(s *Server, wsHandler http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/ws", wsHandler)

	r.Route("/v1/users/{userID}", func(api chi.Router) {
		api.Post("/messages", s.handleSendMessage)
		api.Post("/disconnect", s.handleForceDisconnect)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// userLimiters holds one token bucket per producing user.
type userLimiters struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newUserLimiters(limit rate.Limit, burst int) *userLimiters {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiters{
		m:     make(map[string]*rate.Limiter),
		limit: limit,
		burst: burst,
	}
}

func (l *userLimiters) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.m[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[userID] = lim
	}
	return lim
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"chatrelay/internal/auth"
	"chatrelay/internal/limiter"
	"chatrelay/internal/proxy"
	"chatrelay/internal/storage"
)

type Server struct {
	store   *storage.Store
	auth    *auth.Service
	proxy   *proxy.Service
	limiter *limiter.RateLimiter
	logger  zerolog.Logger
}

type Config struct {
	Store   *storage.Store
	Auth    *auth.Service
	Proxy   *proxy.Service
	Limiter *limiter.RateLimiter
	Logger  zerolog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		store:   cfg.Store,
		auth:    cfg.Auth,
		proxy:   cfg.Proxy,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}
}

func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/signup", s.handleSignup)
		api.Post("/auth/login", s.handleLogin)
		api.Post("/auth/logout", s.handleLogout)

		api.Group(func(protected chi.Router) {
			protected.Use(s.requireAuth)
			protected.Get("/conversations", s.handleListConversations)
			protected.Get("/conversations/{id}", s.handleGetConversation)
			protected.Patch("/conversations/{id}", s.handleUpdateConversation)
			protected.Delete("/conversations/{id}", s.handleDeleteConversation)
			protected.Post("/chat", s.handleChat)
		})
	})

	return r
}

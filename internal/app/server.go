package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contexta-rag/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta-rag/internal/api/middlewares"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer builds and wires all routes.
func NewServer(a *App) *Server {
	log := a.Log.With("component", "HTTPServer")
	docHandler := handlers.NewDocumentHandler(a.Documents, a.Config.MaxUploadBytes, a.Log)
	chatHandler := handlers.NewChatHandler(a.Chat, a.Log)
	sessionHandler := handlers.NewSessionHandler(a.Conversations, a.Log)
	jobHandler := handlers.NewJobHandler(a.Signer, a.Ingestion.DispatchJob, a.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", a.Metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		// signed envelopes carry their own credential
		api.Post("/internal/jobs/ingest", jobHandler.Ingest)

		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(a.Config.JWTSecret))

			// streams are bounded by the provider timeout, not the request timeout
			protected.Post("/scopes/{scopeID}/chat", chatHandler.Chat)

			protected.Group(func(rest chi.Router) {
				rest.Use(middleware.Timeout(60 * time.Second))
				rest.Post("/documents", docHandler.UploadDocument)
				rest.Get("/documents", docHandler.GetDocuments)
				rest.Get("/documents/{documentID}", docHandler.GetDocument)
				rest.Delete("/documents/{documentID}", docHandler.DeleteDocument)
				rest.Post("/documents/{documentID}/retry", docHandler.RetryDocument)
				rest.Post("/documents/{documentID}/cancel", docHandler.CancelDocument)

				rest.Get("/scopes/{scopeID}/documents", docHandler.ListScopeDocuments)
				rest.Put("/scopes/{scopeID}/documents/{documentID}", docHandler.AssociateDocument)
				rest.Delete("/scopes/{scopeID}/documents/{documentID}", docHandler.DissociateDocument)

				rest.Get("/sessions/{sessionID}/turns", sessionHandler.GetTurns)
			})
		})
	})

	httpSrv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: httpSrv, log: log}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/api/handlers"
	appMiddleware "github.com/nexabot/knowcore/internal/api/middlewares"
	"github.com/nexabot/knowcore/internal/config"
	"github.com/nexabot/knowcore/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	log             *zap.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, svc *services.KnowledgeService, log *zap.Logger) *Server {
	docHandler := handlers.NewDocumentHandler(svc, cfg.Server.MaxUploadBytes, log)
	chatHandler := handlers.NewChatHandler(svc, log)
	cacheHandler := handlers.NewCacheHandler(svc, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(appMiddleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/chatbots/{chatbotID}", func(api chi.Router) {
		api.Use(appMiddleware.ChatbotScope)

		api.Route("/documents", func(sr chi.Router) {
			sr.Post("/", docHandler.CreateSource)
			sr.Get("/", docHandler.ListSources)

			sr.Route("/{documentID}", func(dr chi.Router) {
				dr.Get("/", docHandler.GetSource)
				dr.Patch("/", docHandler.UpdateSource)
				dr.Delete("/", docHandler.DeleteSource)
				dr.Get("/status", docHandler.GetStatus)
				dr.Post("/reingest", docHandler.Reingest)
			})
		})

		api.Post("/chat/query", chatHandler.Query)

		api.Get("/cache", cacheHandler.GetEntry)
		api.Post("/cache/refresh", cacheHandler.Refresh)
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	return &Server{
		httpServer:      httpSrv,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		log:             log,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.log.Info("shutting down http server")
	return s.httpServer.Shutdown(shutdownCtx)
}

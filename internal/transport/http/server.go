package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/adapters/config"
	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

var errUnauthorizedHeader = apperr.Unauthorizedf("missing or invalid X-User-ID header")

// Server is the webhook and management API server
type Server struct {
	httpServer *http.Server
}

// NewServer builds the router and wraps it in an http.Server
func NewServer(cfg *config.ServerConfig, h *Handler) *Server {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Webhook ingestion authenticates by token, not by user header
	r.Post("/hook/{token}", h.HandleWebhook)
	r.Post("/hook", h.HandleWebhookQuery)

	r.Group(func(pr chi.Router) {
		pr.Use(requireUser)

		pr.Get("/api/webhook", h.DescribeWebhook)
		pr.Post("/api/webhook/rotate", h.RotateWebhook)
		pr.Post("/api/webhook/test", h.TestWebhook)
		pr.Post("/api/webhook/activate", h.ActivateWebhook)
		pr.Post("/api/webhook/deactivate", h.DeactivateWebhook)

		pr.Post("/api/emergency-stop", h.EmergencyStop)
		pr.Get("/api/operations", h.ListOperations)
		pr.Get("/api/operations/open", h.ListOpenOperations)
		pr.Post("/api/operations/{id}/close", h.ClosePosition)
		pr.Post("/api/operations/{id}/executed", h.MarkOperationExecuted)
		pr.Get("/api/signals", h.ListSignals)

		pr.Post("/api/trailing", h.EnableTrailing)
		pr.Delete("/api/trailing/{id}", h.DisableTrailing)

		pr.Post("/api/triggers", h.CreateTrigger)
		pr.Get("/api/triggers", h.ListTriggers)
		pr.Put("/api/triggers/{id}", h.UpdateTrigger)
		pr.Delete("/api/triggers/{id}", h.DeleteTrigger)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Start blocks serving requests until Shutdown
func (s *Server) Start() error {
	logger.Info("api server listening",
		zap.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireUser authenticates management calls. The subscription portal
// terminates real end-user auth and forwards the account id.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			writeError(w, errUnauthorizedHeader)
			return
		}
		if _, err := uuid.Parse(raw); err != nil {
			writeError(w, errUnauthorizedHeader)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func callerID(r *http.Request) string {
	if v, ok := r.Context().Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Package server provides the relay's HTTP surface: the authenticated
// send endpoints, the unauthenticated bot webhook, and operational
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vmnotify/relay/internal/config"
	"github.com/vmnotify/relay/internal/history"
	"github.com/vmnotify/relay/internal/telegram"
	"github.com/vmnotify/relay/internal/template"
)

// Messenger sends messages and manages the bot webhook (consumer-side
// interface; satisfied by the Telegram client).
type Messenger interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
	SendBatch(ctx context.Context, token string, chatIDs []string, text string) telegram.BatchResult
	SetWebhook(ctx context.Context, token, url string) error
	DeleteWebhook(ctx context.Context, token string) error
}

// CommandHandler answers inbound bot commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, chatID, text, firstName string)
}

// DeliveryLog records send outcomes and serves the history endpoint.
type DeliveryLog interface {
	Record(ctx context.Context, chatID, tmpl string, ok bool, detail string) error
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Server is the relay HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger

	cfg        *config.Store
	templates  *template.Store
	messenger  Messenger
	commands   CommandHandler
	deliveries DeliveryLog // nil when history is disabled
}

// New creates a Server with the full middleware chain and routes.
// deliveries may be nil to disable the history endpoint and recording.
func New(addr string, cfg *config.Store, templates *template.Store, messenger Messenger, commands CommandHandler, deliveries DeliveryLog, logger *zap.Logger) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger,
		cfg:        cfg,
		templates:  templates,
		messenger:  messenger,
		commands:   commands,
		deliveries: deliveries,
	}

	s.registerRoutes()

	// Middleware chain: outermost listed first. The API-key gate is not
	// here; it wraps the protected handlers individually.
	handler := Chain(s.mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/metrics"}),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, []string{"/", "/metrics", "/webhook"}),
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // a batch send is linear in recipients
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("GET /templates", s.requireAPIKey(s.handleTemplates))
	s.mux.Handle("POST /send", s.requireAPIKey(s.handleSend))
	s.mux.Handle("POST /send/batch", s.requireAPIKey(s.handleSendBatch))
	s.mux.Handle("POST /webhook/setup", s.requireAPIKey(s.handleWebhookSetup))
	s.mux.Handle("POST /webhook/delete", s.requireAPIKey(s.handleWebhookDelete))
	s.mux.Handle("GET /history", s.requireAPIKey(s.handleHistory))

	// No API key on the webhook: the trust boundary is the bot platform
	// itself (only it knows the URL), and command authorization is still
	// enforced per chat ID.
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
}

// requireAPIKey guards a handler with the static API-key check. The key
// comes from the X-API-Key header or, failing that, the api_key query
// parameter; the accepted set is re-read from the config file on every
// request. A missing key and an unaccepted key are distinct outcomes
// (401 vs 403) for observability.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}

		if key == "" {
			writeError(w, http.StatusUnauthorized, "Missing API key")
			return
		}

		if !s.cfg.Load().HasKey(key) {
			prefix := key
			if len(prefix) > 8 {
				prefix = prefix[:8]
			}
			s.logger.Warn("invalid API key attempt",
				zap.String("key_prefix", prefix),
				zap.String("path", r.URL.Path),
				zap.String("request_id", RequestID(r.Context())),
			)
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

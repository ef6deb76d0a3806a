package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loanflow/esign"
	"loanflow/loan"
	"loanflow/metrics"
	"loanflow/phoneverify"
)

const (
	maxWebhookBody = 5 << 20
	maxRequestBody = 64 << 10
	healthTimeout  = 2 * time.Second
)

type webhookService interface {
	HandleWebhook(ctx context.Context, body []byte) (esign.Result, error)
}

type verificationService interface {
	Check(ctx context.Context, req phoneverify.CheckRequest) (phoneverify.Result, error)
	Send(ctx context.Context, req phoneverify.SendRequest) (phoneverify.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	webhookService webhookService
	verifyService  verificationService
	signatures     *esign.SignatureVerifier
	health         pinger
	metrics        *metrics.Collector
	logger         *slog.Logger
}

// NewServer wires the services on top of repo.
func NewServer(repo *loan.PGRepository, settings phoneverify.Settings, hmacKey string, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var provider phoneverify.Provider
	switch p := phoneverify.NewTwilioProvider(settings); {
	case p != nil:
		provider = p
	case !settings.Configured():
		logger.Warn("sms verification provider not configured", slog.String("reason", "account or service sid missing"))
	default:
		logger.Warn("sms verification provider not configured", slog.String("reason", "auth token missing"))
	}

	return &Server{
		webhookService: esign.NewService(repo, logger),
		verifyService:  phoneverify.NewService(repo, provider, settings, logger),
		signatures:     esign.NewSignatureVerifier(hmacKey),
		health:         repo,
		metrics:        collector,
		logger:         logger,
	}
}

// Routes builds the router. Every request is traced and timed.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/docusign", s.handleDocusignWebhook)
		r.Get("/webhooks/docusign", s.handleDocusignChallenge)
		r.Post("/verification/check", s.handleVerificationCheck)
		r.Post("/verification/send", s.handleVerificationSend)
	})

	return otelhttp.NewHandler(r, "loanflow-api")
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log().ErrorContext(r.Context(), "handler panic",
				slog.Any("panic", rec),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log().WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "Database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeErrorDetails(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loanflow/loan"
)

// Webhook and verification outcome labels.
const (
	OutcomeProcessed        = "processed"
	OutcomeInvalidPayload   = "invalid_payload"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeNotFound         = "not_found"
	OutcomeError            = "error"
	OutcomeChallenge        = "challenge"

	OutcomeVerified        = "verified"
	OutcomeAlreadyVerified = "already_verified"
	OutcomeRejected        = "rejected"
	OutcomeCodeSent        = "code_sent"
	OutcomeInvalidRequest  = "invalid_request"
	OutcomeMaxAttempts     = "max_attempts"
	OutcomeNotConfigured   = "not_configured"
	OutcomeUpstreamError   = "upstream_error"
)

// StatusOther labels DocuSign statuses outside the mapped set.
const StatusOther = "other"

func statusLabel(status string) string {
	switch loan.DocusignStatus(status) {
	case loan.DocusignSent, loan.DocusignDelivered, loan.DocusignSigned, loan.DocusignDeclined, loan.DocusignVoided:
		return status
	}
	return StatusOther
}

type Collector struct {
	registry        *prometheus.Registry
	webhooks        *prometheus.CounterVec
	docusignStatus  *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	logger          *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_docusign_webhooks_total",
			Help: "DocuSign webhook deliveries by outcome",
		}, []string{"outcome"}),
		docusignStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_docusign_status_total",
			Help: "Reconciled DocuSign statuses",
		}, []string{"docusign_status"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loanflow_phone_verifications_total",
			Help: "Phone verification requests by outcome",
		}, []string{"outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		logger: logger,
	}
}

// RecordWebhook counts one webhook delivery. docusignStatus is only recorded
// for processed deliveries; unmapped statuses share the StatusOther label.
func (c *Collector) RecordWebhook(outcome, docusignStatus string) {
	if c == nil {
		return
	}
	c.webhooks.WithLabelValues(outcome).Inc()
	if outcome == OutcomeProcessed && docusignStatus != "" {
		c.docusignStatus.WithLabelValues(statusLabel(docusignStatus)).Inc()
	}
}

func (c *Collector) RecordVerification(outcome string) {
	if c == nil {
		return
	}
	c.verifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveRequest(route string, code int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NewServer returns an http.Server serving /metrics on addr. The caller owns
// its lifecycle.
func (c *Collector) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	c.logger.Info("metrics server configured", slog.String("addr", addr))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

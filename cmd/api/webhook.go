package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"loanflow/esign"
	"loanflow/metrics"
)

const redacted = "[redacted]"

type webhookResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	LoanID         string `json:"loanId"`
	DocusignStatus string `json:"docusignStatus"`
	LoanStatus     string `json:"loanStatus"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) handleDocusignWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.RecordWebhook(metrics.OutcomeInvalidPayload, "")
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	s.log().DebugContext(ctx, "docusign webhook received",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.Any("headers", redactHeaders(r.Header)),
		slog.Int("bytes", len(body)),
	)

	if err := s.signatures.Verify(body, r.Header); err != nil {
		s.log().WarnContext(ctx, "docusign webhook signature rejected", slog.String("error", err.Error()))
		s.metrics.RecordWebhook(metrics.OutcomeInvalidSignature, "")
		writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	result, err := s.webhookService.HandleWebhook(ctx, body)
	if err != nil {
		switch {
		case errors.Is(err, esign.ErrInvalidPayload):
			s.log().WarnContext(ctx, "docusign webhook payload rejected", slog.String("error", err.Error()))
			s.metrics.RecordWebhook(metrics.OutcomeInvalidPayload, "")
			writeErrorDetails(w, http.StatusBadRequest, "Invalid webhook payload", strings.TrimPrefix(err.Error(), "esign: "))
		case errors.Is(err, esign.ErrLoanNotFound):
			s.log().WarnContext(ctx, "docusign webhook unmatched", slog.String("error", err.Error()))
			s.metrics.RecordWebhook(metrics.OutcomeNotFound, "")
			writeError(w, http.StatusNotFound, "Loan not found for envelope")
		default:
			s.log().ErrorContext(ctx, "docusign webhook failed", slog.String("error", err.Error()))
			s.metrics.RecordWebhook(metrics.OutcomeError, "")
			writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		}
		return
	}

	s.metrics.RecordWebhook(metrics.OutcomeProcessed, string(result.DocusignStatus))
	writeJSON(w, http.StatusOK, webhookResponse{
		Success:        true,
		Message:        "Webhook processed successfully",
		LoanID:         result.LoanID,
		DocusignStatus: string(result.DocusignStatus),
		LoanStatus:     string(result.LoanStatus),
		Timestamp:      result.ProcessedAt.UTC().Format(time.RFC3339),
	})
}

// handleDocusignChallenge answers the provider's URL validation handshake.
func (s *Server) handleDocusignChallenge(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("challenge") {
		writeJSON(w, http.StatusOK, map[string]string{"message": "DocuSign webhook endpoint is active"})
		return
	}

	s.metrics.RecordWebhook(metrics.OutcomeChallenge, "")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, query.Get("challenge"))
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	prefix := strings.ToLower(esign.SignatureHeaderPrefix)
	for name, values := range h {
		lower := strings.ToLower(name)
		if lower == "authorization" || strings.HasPrefix(lower, prefix) {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"loanflow/metrics"
	"loanflow/phoneverify"
)

type verificationResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleVerificationCheck(w http.ResponseWriter, r *http.Request) {
	var req phoneverify.CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.metrics.RecordVerification(metrics.OutcomeInvalidRequest)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.verifyService.Check(r.Context(), req)
	if err != nil {
		s.writeVerificationError(w, r, err)
		return
	}

	switch {
	case result.AlreadyVerified:
		s.metrics.RecordVerification(metrics.OutcomeAlreadyVerified)
	case result.Success:
		s.metrics.RecordVerification(metrics.OutcomeVerified)
	default:
		s.metrics.RecordVerification(metrics.OutcomeRejected)
	}
	writeJSON(w, http.StatusOK, verificationResponse{Success: result.Success, Status: result.Status, Message: result.Message})
}

func (s *Server) handleVerificationSend(w http.ResponseWriter, r *http.Request) {
	var req phoneverify.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.metrics.RecordVerification(metrics.OutcomeInvalidRequest)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.verifyService.Send(r.Context(), req)
	if err != nil {
		s.writeVerificationError(w, r, err)
		return
	}

	if result.AlreadyVerified {
		s.metrics.RecordVerification(metrics.OutcomeAlreadyVerified)
	} else {
		s.metrics.RecordVerification(metrics.OutcomeCodeSent)
	}
	writeJSON(w, http.StatusOK, verificationResponse{Success: result.Success, Status: result.Status, Message: result.Message})
}

func (s *Server) writeVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *phoneverify.ValidationError
	var perr *phoneverify.ProviderError

	switch {
	case errors.As(err, &verr):
		s.metrics.RecordVerification(metrics.OutcomeInvalidRequest)
		writeErrorDetails(w, http.StatusBadRequest, "Invalid request", verr.Details)
	case errors.Is(err, phoneverify.ErrMaxAttempts):
		s.metrics.RecordVerification(metrics.OutcomeMaxAttempts)
		writeError(w, http.StatusBadRequest, phoneverify.MaxAttemptsMessage)
	case errors.Is(err, phoneverify.ErrLoanNotFound):
		s.metrics.RecordVerification(metrics.OutcomeNotFound)
		writeError(w, http.StatusNotFound, "Loan not found")
	case errors.Is(err, phoneverify.ErrNotConfigured):
		s.metrics.RecordVerification(metrics.OutcomeNotConfigured)
		writeErrorDetails(w, http.StatusServiceUnavailable, "Verification service not configured",
			"TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_VERIFY_SERVICE_SID must be set")
	case errors.As(err, &perr):
		s.metrics.RecordVerification(metrics.OutcomeUpstreamError)
		message := perr.Message
		if message == "" {
			message = "Verification provider error"
		}
		writeError(w, perr.HTTPStatus(), message)
	default:
		s.log().ErrorContext(r.Context(), "phone verification failed", slog.String("error", err.Error()))
		s.metrics.RecordVerification(metrics.OutcomeUpstreamError)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

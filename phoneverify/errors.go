package phoneverify

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrNotConfigured signals that the verification service credentials are absent.
	ErrNotConfigured = errors.New("phoneverify: verification service not configured")
	// ErrLoanNotFound is returned when the loan id does not resolve to a loan.
	ErrLoanNotFound = errors.New("phoneverify: loan not found")
	// ErrMaxAttempts is returned when the provider refuses further checks for the pending code.
	ErrMaxAttempts = errors.New("phoneverify: maximum verification attempts reached")
)

// MaxAttemptsMessage is shown to callers who exhausted their checks.
const MaxAttemptsMessage = "Maximum verification attempts reached. Please request a new code."

// ValidationError reports malformed request fields keyed by their JSON name.
type ValidationError struct {
	Details map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Details[k])
	}
	return "phoneverify: invalid request: " + strings.Join(parts, "; ")
}

// newValidationError converts ozzo field errors; other errors pass through.
func newValidationError(err error) error {
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	details := make(map[string]string, len(fieldErrs))
	for field, ferr := range fieldErrs {
		if ferr != nil {
			details[field] = ferr.Error()
		}
	}
	return &ValidationError{Details: details}
}

// ProviderError is a failure reported by the verification provider.
type ProviderError struct {
	Code    int
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("phoneverify: provider error %d (status %d): %s", e.Code, e.Status, e.Message)
}

// HTTPStatus returns the provider status, defaulting to 500.
func (e *ProviderError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

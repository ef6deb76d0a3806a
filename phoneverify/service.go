package phoneverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"loanflow/loan"
)

const (
	// ProviderStatusApproved is reported for a correct code.
	ProviderStatusApproved = "approved"
	// ProviderStatusCanceled is reported once the provider gives up on a verification.
	ProviderStatusCanceled = "canceled"
	// ProviderStatusPending is reported for a freshly sent code.
	ProviderStatusPending = "pending"

	// MaxChecksReachedCode is the provider error code for exhausted check attempts.
	MaxChecksReachedCode = 60202

	msgVerified        = "Phone number verified successfully"
	msgAlreadyVerified = "Phone number already verified"
	msgInvalidCode     = "Invalid verification code"
	msgCodeSent        = "Verification code sent"
)

// Settings carries the verification provider credentials.
type Settings struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
}

// Configured reports whether the account and service identifiers are present.
func (s Settings) Configured() bool {
	return s.AccountSID != "" && s.ServiceSID != ""
}

// CheckOutcome is the provider verdict for one code check.
type CheckOutcome struct {
	Status string
	Valid  bool
}

// Provider is the external SMS verification API.
type Provider interface {
	CheckCode(ctx context.Context, phone, code string) (CheckOutcome, error)
	SendCode(ctx context.Context, phone string) (string, error)
}

// LoanStore defines the data access required by the checker.
type LoanStore interface {
	GetByID(ctx context.Context, id string) (loan.Record, error)
	UpdatePhoneVerification(ctx context.Context, params loan.PhoneVerificationUpdate) error
}

// CheckRequest is the caller's claimed code for a loan's phone.
type CheckRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Code        string `json:"code"`
	LoanID      string `json:"loanId"`
}

func (r CheckRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PhoneNumber, validation.Required, validation.Length(7, 32)),
		validation.Field(&r.Code, validation.Required, validation.Length(4, 10)),
		validation.Field(&r.LoanID, validation.Required, is.UUID),
	)
}

// SendRequest asks the provider to text a fresh code.
type SendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	LoanID      string `json:"loanId"`
}

func (r SendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PhoneNumber, validation.Required, validation.Length(7, 32)),
		validation.Field(&r.LoanID, validation.Required, is.UUID),
	)
}

// Result is returned to the caller for both approved and rejected codes.
type Result struct {
	Success         bool
	Status          string
	Message         string
	AlreadyVerified bool
}

type Service struct {
	store    LoanStore
	provider Provider
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the checker. provider may be nil when settings are not
// configured; every call then fails with ErrNotConfigured.
func NewService(store LoanStore, provider Provider, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		provider: provider,
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check verifies a one-time code. Once a loan's phone is verified, further
// checks succeed without contacting the provider.
func (s *Service) Check(ctx context.Context, req CheckRequest) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	if err := req.Validate(); err != nil {
		return Result{}, newValidationError(err)
	}

	phone := NormalizePhone(strings.TrimSpace(req.PhoneNumber))

	rec, err := s.loadLoan(ctx, req.LoanID)
	if err != nil {
		return Result{}, err
	}
	if rec.PhoneVerificationStatus == loan.PhoneVerified {
		return Result{Success: true, Status: ProviderStatusApproved, Message: msgAlreadyVerified, AlreadyVerified: true}, nil
	}

	outcome, err := s.provider.CheckCode(ctx, phone, strings.TrimSpace(req.Code))
	if err != nil {
		return Result{}, s.translateProviderError(ctx, req.LoanID, err)
	}

	if outcome.Status == ProviderStatusApproved && outcome.Valid {
		// The provider verdict is authoritative; a failed write does not fail the caller.
		if err := s.store.UpdatePhoneVerification(ctx, loan.PhoneVerificationUpdate{
			LoanID:        rec.ID,
			Status:        loan.PhoneVerified,
			VerifiedPhone: &phone,
			UpdatedAt:     s.now(),
		}); err != nil {
			s.logger.WarnContext(ctx, "persist phone verification failed",
				slog.String("loan_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		s.logger.InfoContext(ctx, "phone verified", slog.String("loan_id", rec.ID))
		return Result{Success: true, Status: ProviderStatusApproved, Message: msgVerified}, nil
	}

	if outcome.Status == ProviderStatusCanceled {
		if err := s.store.UpdatePhoneVerification(ctx, loan.PhoneVerificationUpdate{
			LoanID:    rec.ID,
			Status:    loan.PhoneFailed,
			UpdatedAt: s.now(),
		}); err != nil {
			s.logger.WarnContext(ctx, "persist failed phone verification failed",
				slog.String("loan_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "phone verification rejected",
		slog.String("loan_id", rec.ID),
		slog.String("provider_status", outcome.Status),
		slog.Bool("valid", outcome.Valid),
	)
	return Result{Success: false, Status: outcome.Status, Message: msgInvalidCode}, nil
}

// Send asks the provider to text a new code to the loan's phone.
func (s *Service) Send(ctx context.Context, req SendRequest) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	if err := req.Validate(); err != nil {
		return Result{}, newValidationError(err)
	}

	phone := NormalizePhone(strings.TrimSpace(req.PhoneNumber))

	rec, err := s.loadLoan(ctx, req.LoanID)
	if err != nil {
		return Result{}, err
	}
	if rec.PhoneVerificationStatus == loan.PhoneVerified {
		return Result{Success: true, Status: ProviderStatusApproved, Message: msgAlreadyVerified, AlreadyVerified: true}, nil
	}

	status, err := s.provider.SendCode(ctx, phone)
	if err != nil {
		return Result{}, s.translateProviderError(ctx, req.LoanID, err)
	}
	if status == "" {
		status = ProviderStatusPending
	}

	s.logger.InfoContext(ctx, "verification code sent", slog.String("loan_id", rec.ID))
	return Result{Success: true, Status: status, Message: msgCodeSent}, nil
}

func (s *Service) ready() error {
	if !s.settings.Configured() || s.provider == nil {
		return ErrNotConfigured
	}
	return nil
}

func (s *Service) loadLoan(ctx context.Context, loanID string) (loan.Record, error) {
	rec, err := s.store.GetByID(ctx, loanID)
	if err != nil {
		if errors.Is(err, loan.ErrNotFound) {
			return loan.Record{}, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
		}
		return loan.Record{}, fmt.Errorf("phoneverify: load loan %s: %w", loanID, err)
	}
	return rec, nil
}

func (s *Service) translateProviderError(ctx context.Context, loanID string, err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code == MaxChecksReachedCode {
		s.logger.InfoContext(ctx, "phone verification attempts exhausted", slog.String("loan_id", loanID))
		return fmt.Errorf("%w: %s", ErrMaxAttempts, loanID)
	}

	s.logger.ErrorContext(ctx, "verification provider call failed",
		slog.String("loan_id", loanID),
		slog.String("error", err.Error()),
	)
	if perr != nil {
		return perr
	}
	return &ProviderError{Message: err.Error()}
}

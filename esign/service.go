package esign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"loanflow/loan"
)

// ErrLoanNotFound is returned when neither the envelope id nor the loan_id
// custom field resolves to exactly one loan.
var ErrLoanNotFound = errors.New("esign: no loan matches webhook")

// LoanStore defines the data access required by the reconciler.
type LoanStore interface {
	GetByEnvelopeID(ctx context.Context, envelopeID string) (loan.Record, error)
	GetByID(ctx context.Context, id string) (loan.Record, error)
	ApplyDocusignUpdate(ctx context.Context, params loan.DocusignUpdate) error
}

// Result is echoed back to the provider after a successful reconciliation.
type Result struct {
	LoanID         string
	EnvelopeID     string
	DocusignStatus loan.DocusignStatus
	LoanStatus     loan.Status
	StatusChanged  bool
	ProcessedAt    time.Time
}

type Service struct {
	store  LoanStore
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store LoanStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook decodes a raw webhook body and reconciles it onto its loan.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) (Result, error) {
	ev, shape, err := DecodeEvent(body)
	if err != nil {
		return Result{}, err
	}

	s.logger.InfoContext(ctx, "docusign webhook decoded",
		slog.String("shape", string(shape)),
		slog.String("envelope_id", ev.EnvelopeID),
		slog.String("status", ev.Status),
	)
	for _, field := range ev.Ignored {
		s.logger.WarnContext(ctx, "docusign webhook field ignored",
			slog.String("envelope_id", ev.EnvelopeID),
			slog.String("field", field),
		)
	}

	return s.Reconcile(ctx, ev)
}

// Reconcile locates the loan for ev, maps its status and persists the result.
// Deliveries are not ordered; the last write wins.
func (s *Service) Reconcile(ctx context.Context, ev Event) (Result, error) {
	if ev.EnvelopeID == "" || ev.Status == "" {
		return Result{}, fmt.Errorf("%w: missing envelopeId or status", ErrInvalidPayload)
	}

	rec, err := s.locate(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	transition := MapStatus(ev.Status)
	nextStatus, changed := transition.Apply(rec.Status)
	now := s.now()

	update := loan.DocusignUpdate{
		LoanID:         rec.ID,
		EnvelopeID:     ev.EnvelopeID,
		ProviderStatus: ev.Status,
		DocusignStatus: transition.DocusignStatus,
		PreviousStatus: rec.Status,
		CompletedAt:    ev.CompletedAt,
		ReceivedAt:     now,
	}
	if changed {
		update.NextStatus = &nextStatus
	}

	if err := s.store.ApplyDocusignUpdate(ctx, update); err != nil {
		return Result{}, fmt.Errorf("esign: persist update for loan %s: %w", rec.ID, err)
	}

	s.logger.InfoContext(ctx, "docusign status reconciled",
		slog.String("loan_id", rec.ID),
		slog.String("docusign_status", string(transition.DocusignStatus)),
		slog.String("previous_status", string(rec.Status)),
		slog.String("loan_status", string(nextStatus)),
		slog.Bool("status_changed", changed),
	)

	return Result{
		LoanID:         rec.ID,
		EnvelopeID:     ev.EnvelopeID,
		DocusignStatus: transition.DocusignStatus,
		LoanStatus:     nextStatus,
		StatusChanged:  changed,
		ProcessedAt:    now,
	}, nil
}

// locate tries the envelope id first and falls back to the loan_id custom
// field. Any primary failure, including ambiguity, triggers the fallback.
func (s *Service) locate(ctx context.Context, ev Event) (loan.Record, error) {
	rec, err := s.store.GetByEnvelopeID(ctx, ev.EnvelopeID)
	if err == nil {
		return rec, nil
	}
	s.logger.WarnContext(ctx, "docusign envelope lookup failed",
		slog.String("envelope_id", ev.EnvelopeID),
		slog.String("error", err.Error()),
	)

	loanID := ev.LoanIDHint()
	if loanID == "" {
		return loan.Record{}, fmt.Errorf("%w: envelope %s", ErrLoanNotFound, ev.EnvelopeID)
	}
	if _, perr := uuid.Parse(loanID); perr != nil {
		return loan.Record{}, fmt.Errorf("%w: envelope %s, loan_id %q is not a uuid", ErrLoanNotFound, ev.EnvelopeID, loanID)
	}

	rec, err = s.store.GetByID(ctx, loanID)
	if err != nil {
		s.logger.WarnContext(ctx, "docusign loan_id fallback failed",
			slog.String("envelope_id", ev.EnvelopeID),
			slog.String("loan_id", loanID),
			slog.String("error", err.Error()),
		)
		return loan.Record{}, fmt.Errorf("%w: envelope %s, loan_id %s", ErrLoanNotFound, ev.EnvelopeID, loanID)
	}
	return rec, nil
}

package phoneverify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"loanflow/loan"
)

const testLoanID = "6a0c1d3e-5f7a-4b2c-8d9e-0f1a2b3c4d5e"

var testSettings = Settings{AccountSID: "AC123", AuthToken: "token", ServiceSID: "VA123"}

func TestCheck_ApprovedMarksVerified(t *testing.T) {
	store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
	provider := &fakeProvider{outcome: CheckOutcome{Status: "approved", Valid: true}}
	svc := newTestService(store, provider)

	res, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "(555) 123-4567", Code: "123456", LoanID: testLoanID})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Success || res.Status != ProviderStatusApproved {
		t.Fatalf("unexpected result: %+v", res)
	}

	if provider.checks != 1 || provider.lastPhone != "+15551234567" || provider.lastCode != "123456" {
		t.Fatalf("unexpected provider call: %+v", provider)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(store.updates))
	}
	u := store.updates[0]
	if u.Status != loan.PhoneVerified || u.VerifiedPhone == nil || *u.VerifiedPhone != "+15551234567" {
		t.Fatalf("unexpected update: %+v", u)
	}
}

func TestCheck_AlreadyVerifiedShortCircuits(t *testing.T) {
	store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
	provider := &fakeProvider{outcome: CheckOutcome{Status: "approved", Valid: true}}
	svc := newTestService(store, provider)
	req := CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID}

	first, err := svc.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	second, err := svc.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	third, err := svc.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("third check: %v", err)
	}

	if !second.Success || second.Status != first.Status || third != second {
		t.Fatalf("expected identical success results, got %+v / %+v / %+v", first, second, third)
	}
	if provider.checks != 1 {
		t.Fatalf("expected provider to be called once, got %d", provider.checks)
	}
}

func TestCheck_CanceledMarksFailed(t *testing.T) {
	store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
	svc := newTestService(store, &fakeProvider{outcome: CheckOutcome{Status: "canceled"}})

	res, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "000000", LoanID: testLoanID})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Success || res.Status != ProviderStatusCanceled || res.Message != msgInvalidCode {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := store.loans[testLoanID].PhoneVerificationStatus; got != loan.PhoneFailed {
		t.Fatalf("expected failed status, got %q", got)
	}
	if u := store.updates[0]; u.VerifiedPhone != nil {
		t.Fatalf("failed verification must not set a verified phone, got %q", *u.VerifiedPhone)
	}
}

func TestCheck_PendingDoesNotWrite(t *testing.T) {
	for _, outcome := range []CheckOutcome{{Status: "pending"}, {Status: "approved", Valid: false}} {
		store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
		svc := newTestService(store, &fakeProvider{outcome: outcome})

		res, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "111111", LoanID: testLoanID})
		if err != nil {
			t.Fatalf("%+v: check: %v", outcome, err)
		}
		if res.Success || res.Status != outcome.Status {
			t.Fatalf("%+v: unexpected result %+v", outcome, res)
		}
		if len(store.updates) != 0 {
			t.Fatalf("%+v: expected no writes, got %+v", outcome, store.updates)
		}
	}
}

func TestCheck_PersistenceFailureStillSucceeds(t *testing.T) {
	store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
	store.updateErr = errors.New("connection refused")
	svc := newTestService(store, &fakeProvider{outcome: CheckOutcome{Status: "approved", Valid: true}})

	res, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
	if err != nil {
		t.Fatalf("expected success despite write failure, got %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCheck_NotConfigured(t *testing.T) {
	for _, settings := range []Settings{{}, {AccountSID: "AC123"}, {ServiceSID: "VA123"}} {
		store := newFakeStore(loan.Record{ID: testLoanID})
		provider := &fakeProvider{}
		svc := NewService(store, provider, settings, discardLogger())

		_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("%+v: expected ErrNotConfigured, got %v", settings, err)
		}
		if provider.checks != 0 || store.reads != 0 {
			t.Fatalf("%+v: expected no external calls", settings)
		}
	}

	svc := NewService(newFakeStore(), nil, testSettings, discardLogger())
	if _, err := svc.Check(context.Background(), CheckRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil provider: expected ErrNotConfigured, got %v", err)
	}
}

func TestCheck_ValidationError(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{}
	svc := newTestService(store, provider)

	_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "", LoanID: "loan-1"})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := verr.Details["code"]; !ok {
		t.Errorf("expected code detail, got %v", verr.Details)
	}
	if _, ok := verr.Details["loanId"]; !ok {
		t.Errorf("expected loanId detail, got %v", verr.Details)
	}
	if provider.checks != 0 || store.reads != 0 {
		t.Fatal("expected validation to run before any external call")
	}
}

func TestCheck_LoanNotFound(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestService(newFakeStore(), provider)

	_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
	if !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
	if provider.checks != 0 {
		t.Fatal("expected no provider call for unknown loan")
	}
}

func TestCheck_ProviderErrors(t *testing.T) {
	t.Run("max attempts", func(t *testing.T) {
		store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
		svc := newTestService(store, &fakeProvider{err: &ProviderError{Code: MaxChecksReachedCode, Status: http.StatusTooManyRequests, Message: "Max check attempts reached"}})

		_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
		if !errors.Is(err, ErrMaxAttempts) {
			t.Fatalf("expected ErrMaxAttempts, got %v", err)
		}
	})

	t.Run("passthrough", func(t *testing.T) {
		store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
		svc := newTestService(store, &fakeProvider{err: &ProviderError{Code: 20404, Status: http.StatusNotFound, Message: "The requested resource was not found"}})

		_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
		var perr *ProviderError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if perr.HTTPStatus() != http.StatusNotFound || perr.Message != "The requested resource was not found" {
			t.Fatalf("unexpected provider error: %+v", perr)
		}
	})

	t.Run("transport failure defaults to 500", func(t *testing.T) {
		store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
		svc := newTestService(store, &fakeProvider{err: errors.New("dial tcp: i/o timeout")})

		_, err := svc.Check(context.Background(), CheckRequest{PhoneNumber: "5551234567", Code: "123456", LoanID: testLoanID})
		var perr *ProviderError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if perr.HTTPStatus() != http.StatusInternalServerError {
			t.Fatalf("expected default 500, got %d", perr.HTTPStatus())
		}
	})
}

func TestSend(t *testing.T) {
	store := newFakeStore(loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneUnverified})
	provider := &fakeProvider{sendStatus: "pending"}
	svc := newTestService(store, provider)

	res, err := svc.Send(context.Background(), SendRequest{PhoneNumber: "555-123-4567", LoanID: testLoanID})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success || res.Status != ProviderStatusPending {
		t.Fatalf("unexpected result: %+v", res)
	}
	if provider.sends != 1 || provider.lastPhone != "+15551234567" {
		t.Fatalf("unexpected provider call: %+v", provider)
	}

	store.loans[testLoanID] = loan.Record{ID: testLoanID, PhoneVerificationStatus: loan.PhoneVerified}
	res, err = svc.Send(context.Background(), SendRequest{PhoneNumber: "555-123-4567", LoanID: testLoanID})
	if err != nil {
		t.Fatalf("send after verify: %v", err)
	}
	if !res.AlreadyVerified || provider.sends != 1 {
		t.Fatalf("expected short-circuit for verified loan, got %+v (sends=%d)", res, provider.sends)
	}
}

func newTestService(store LoanStore, provider Provider) *Service {
	return NewService(store, provider, testSettings, discardLogger())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	outcome    CheckOutcome
	sendStatus string
	err        error
	checks     int
	sends      int
	lastPhone  string
	lastCode   string
}

func (f *fakeProvider) CheckCode(_ context.Context, phone, code string) (CheckOutcome, error) {
	f.checks++
	f.lastPhone = phone
	f.lastCode = code
	if f.err != nil {
		return CheckOutcome{}, f.err
	}
	return f.outcome, nil
}

func (f *fakeProvider) SendCode(_ context.Context, phone string) (string, error) {
	f.sends++
	f.lastPhone = phone
	if f.err != nil {
		return "", f.err
	}
	return f.sendStatus, nil
}

type fakeStore struct {
	loans     map[string]loan.Record
	updates   []loan.PhoneVerificationUpdate
	updateErr error
	reads     int
}

func newFakeStore(records ...loan.Record) *fakeStore {
	f := &fakeStore{loans: make(map[string]loan.Record)}
	for _, rec := range records {
		f.loans[rec.ID] = rec
	}
	return f
}

func (f *fakeStore) GetByID(_ context.Context, id string) (loan.Record, error) {
	f.reads++
	rec, ok := f.loans[id]
	if !ok {
		return loan.Record{}, loan.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) UpdatePhoneVerification(_ context.Context, params loan.PhoneVerificationUpdate) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, params)
	rec := f.loans[params.LoanID]
	rec.PhoneVerificationStatus = params.Status
	if params.VerifiedPhone != nil {
		rec.VerifiedPhoneNumber = params.VerifiedPhone
	}
	f.loans[params.LoanID] = rec
	return nil
}

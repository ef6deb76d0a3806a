package esign

import (
	"strings"

	"loanflow/loan"
)

// Transition is the outcome of mapping a provider status onto a loan.
type Transition struct {
	DocusignStatus loan.DocusignStatus
	// LoanStatus is the status the loan is forced to, or nil when the
	// provider status leaves the loan status untouched.
	LoanStatus *loan.Status
}

// MapStatus applies the status policy case-insensitively. Completion moves a
// loan to signed, decline or void moves it to review, and everything else
// only records the lower-cased provider status.
func MapStatus(providerStatus string) Transition {
	normalized := loan.DocusignStatus(strings.ToLower(providerStatus))

	switch normalized {
	case "completed", loan.DocusignSigned:
		return Transition{DocusignStatus: loan.DocusignSigned, LoanStatus: statusPtr(loan.StatusSigned)}
	case loan.DocusignDeclined, loan.DocusignVoided:
		return Transition{DocusignStatus: normalized, LoanStatus: statusPtr(loan.StatusReview)}
	case loan.DocusignSent, loan.DocusignDelivered:
		return Transition{DocusignStatus: normalized}
	default:
		return Transition{DocusignStatus: normalized}
	}
}

// Apply returns the loan status after the transition and whether it differs
// from current.
func (t Transition) Apply(current loan.Status) (loan.Status, bool) {
	if t.LoanStatus == nil || *t.LoanStatus == current {
		return current, false
	}
	return *t.LoanStatus, true
}

func statusPtr(s loan.Status) *loan.Status {
	return &s
}

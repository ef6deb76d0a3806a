package loan

import "time"

// Status is the coarse loan lifecycle state. Only the values this service
// writes are enumerated; other states are owned elsewhere and pass through.
type Status string

const (
	StatusSigned Status = "signed"
	StatusReview Status = "review"
)

// DocusignStatus is the normalized e-signature status stored on a loan.
type DocusignStatus string

const (
	DocusignSent      DocusignStatus = "sent"
	DocusignDelivered DocusignStatus = "delivered"
	DocusignSigned    DocusignStatus = "signed"
	DocusignDeclined  DocusignStatus = "declined"
	DocusignVoided    DocusignStatus = "voided"
)

// PhoneVerificationStatus tracks SMS verification of the borrower's phone.
type PhoneVerificationStatus string

const (
	PhoneUnverified PhoneVerificationStatus = "unverified"
	PhoneVerified   PhoneVerificationStatus = "verified"
	PhoneFailed     PhoneVerificationStatus = "failed"
)

// Record mirrors the loans table columns read or written by this service.
type Record struct {
	ID                      string
	Status                  Status
	DocusignEnvelopeID      *string
	DocusignStatus          *DocusignStatus
	DocusignCompletedAt     *time.Time
	DocusignStatusUpdatedAt *time.Time
	PhoneVerificationStatus PhoneVerificationStatus
	VerifiedPhoneNumber     *string
	UpdatedAt               time.Time
}

// DocusignUpdate enumerates the writes applied in one reconciliation.
type DocusignUpdate struct {
	LoanID         string
	EnvelopeID     string
	ProviderStatus string
	DocusignStatus DocusignStatus
	// PreviousStatus is the loan status observed before the update.
	PreviousStatus Status
	// NextStatus is nil when the loan status is left untouched.
	NextStatus  *Status
	CompletedAt *time.Time
	ReceivedAt  time.Time
}

// PhoneVerificationUpdate sets the verification outcome for a loan.
type PhoneVerificationUpdate struct {
	LoanID        string
	Status        PhoneVerificationStatus
	VerifiedPhone *string
	UpdatedAt     time.Time
}

const (
	// OutboxTopicStatusChanged is published whenever a webhook moves the loan status.
	OutboxTopicStatusChanged = "loan.status_changed"

	EventDocusignStatusReceived = "DOCUSIGN_STATUS_RECEIVED"
	EventStatusChanged          = "LOAN_STATUS_CHANGED"
)

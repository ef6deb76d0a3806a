package esign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidSignature is returned when a configured HMAC key does not match
// any signature header on the request.
var ErrInvalidSignature = errors.New("esign: invalid webhook signature")

// SignatureHeaderPrefix is followed by 1..N, one header per active Connect key.
const SignatureHeaderPrefix = "X-DocuSign-Signature-"

const maxSignatureHeaders = 100

// SignatureVerifier checks the base64 HMAC-SHA256 Connect signatures.
type SignatureVerifier struct {
	key []byte
}

// NewSignatureVerifier returns nil when key is empty; a nil verifier accepts
// every request.
func NewSignatureVerifier(key string) *SignatureVerifier {
	if key == "" {
		return nil
	}
	return &SignatureVerifier{key: []byte(key)}
}

// Verify succeeds when any X-DocuSign-Signature-N header matches body.
func (v *SignatureVerifier) Verify(body []byte, header http.Header) error {
	if v == nil {
		return nil
	}

	expected := v.Sign(body)

	seen := 0
	for i := 1; i <= maxSignatureHeaders; i++ {
		sig := header.Get(fmt.Sprintf("%s%d", SignatureHeaderPrefix, i))
		if sig == "" {
			break
		}
		seen++
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	if seen == 0 {
		return fmt.Errorf("%w: signature header is missing", ErrInvalidSignature)
	}
	return ErrInvalidSignature
}

// Sign computes the signature value for body. It is used by tests and local tooling.
func (v *SignatureVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package payguard

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the header codec.
var (
	// ErrHeaderAbsent means the request carried no payment header at all.
	ErrHeaderAbsent = errors.New("payment header absent")
	// ErrMalformedHeader means a payment header was present but could not
	// be decoded into a structurally valid authorization.
	ErrMalformedHeader = errors.New("malformed payment header")
)

// PaymentError represents a payment-specific error.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeReplayDetected     = "replay_detected"
	ErrCodeVerificationFailed = "verification_failed"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodePaymentExpired     = "payment_expired"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeInternalInvariant  = "internal_invariant_violation"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

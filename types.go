package payguard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the x402 protocol version spoken by this package.
const ProtocolVersion = 1

// Network represents a blockchain network identifier in CAIP-2 format.
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet).
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards).
// e.g., "eip155:8453" matches "eip155:*" and vice versa.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirements defines what payment is acceptable for a resource.
// Constructed per-route from configuration and never mutated afterwards.
type PaymentRequirements struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	Asset             string  `json:"asset"`
	Amount            string  `json:"amount"` // integer minor units, base-10
	PayTo             string  `json:"payTo"`
	Resource          string  `json:"resource,omitempty"`
	Description       string  `json:"description,omitempty"`
	MimeType          string  `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds,omitempty"`
}

// AmountInt returns the required amount as a big integer.
func (r PaymentRequirements) AmountInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid requirement amount: %q", r.Amount)
	}
	return v, nil
}

// PaymentPayload is the decoded contents of the X-Payment header: a signed
// payment authorization plus the scheme/network/asset it was produced for.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     Network          `json:"network"`
	Asset       string           `json:"asset"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// ExactEvmPayload carries the EIP-3009 authorization and its signature.
type ExactEvmPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization is an EIP-3009 TransferWithAuthorization message. All
// numeric fields are base-10 strings so no precision is lost on the wire.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ValueInt returns the authorized amount as a big integer.
func (a *Authorization) ValueInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization value: %q", a.Value)
	}
	return v, nil
}

// Window returns the authorization's validity window as timestamps.
func (a *Authorization) Window() (notBefore, notAfter time.Time, err error) {
	after, err := strconv.ParseInt(a.ValidAfter, 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid validAfter: %w", err)
	}
	before, err := strconv.ParseInt(a.ValidBefore, 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid validBefore: %w", err)
	}
	return time.Unix(after, 0), time.Unix(before, 0), nil
}

// WindowContains reports whether now lies within the validity window.
func (a *Authorization) WindowContains(now time.Time) bool {
	notBefore, notAfter, err := a.Window()
	if err != nil {
		return false
	}
	return now.After(notBefore) && now.Before(notAfter)
}

// PaymentRequired is the machine-readable 402 response body sent to clients
// so they can construct a valid payment authorization.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settle call.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the settle response for the
// X-Payment-Response header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// SupportedKind represents a single scheme/network pair a facilitator supports.
type SupportedKind struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     Network `json:"network"`
}

// SupportedResponse describes what payment kinds a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// RejectionReason identifies why a payment was rejected. These are the only
// reasons ever surfaced to clients; store and facilitator internals stay
// server-side.
type RejectionReason string

const (
	ReasonReplayDetected     RejectionReason = "replay_detected"
	ReasonVerificationFailed RejectionReason = "verification_failed"
	ReasonSettlementFailed   RejectionReason = "settlement_failed"
)

// OutcomeStatus is the terminal status of processing one payment.
type OutcomeStatus int

const (
	// OutcomeAccepted means the payment verified and settled; the request
	// should be served.
	OutcomeAccepted OutcomeStatus = iota
	// OutcomeRequiresPayment means no usable authorization was presented;
	// respond with a 402 challenge.
	OutcomeRequiresPayment
	// OutcomeRejected means an authorization was presented but cannot be
	// honored for this request.
	OutcomeRejected
)

// Outcome is the orchestrator's terminal decision for one request.
type Outcome struct {
	Status       OutcomeStatus
	Reason       RejectionReason       // set when Status == OutcomeRejected
	ChallengeMsg string                // set when Status == OutcomeRequiresPayment
	Requirements []PaymentRequirements // the route's accepted requirements
	Settlement   *SettleResponse       // set when Status == OutcomeAccepted
	Payer        string
}

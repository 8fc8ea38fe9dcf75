package payguard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Header names used on the wire.
const (
	// PaymentHeader carries the base64-encoded signed payment authorization.
	PaymentHeader = "X-Payment"
	// PaymentResponseHeader carries the base64-encoded settlement receipt
	// on successful responses.
	PaymentResponseHeader = "X-Payment-Response"
)

const (
	nonceByteLen     = 32
	signatureByteLen = 65
)

// HasPayment reports whether a header value represents an attempt to pay.
// It lets callers cheaply distinguish "no attempt" from "attempted but
// malformed" without running the full decoder.
func HasPayment(header string) bool {
	return strings.TrimSpace(header) != ""
}

// DecodePayment decodes an X-Payment header value into a PaymentPayload.
//
// Decoding is pure: it performs no network or store access and is safe to
// call before any pricing decision. An empty header returns ErrHeaderAbsent;
// any structural problem returns an error wrapping ErrMalformedHeader.
func DecodePayment(header string) (*PaymentPayload, error) {
	if !HasPayment(header) {
		return nil, ErrHeaderAbsent
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedHeader, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedHeader, err)
	}

	if err := validatePayload(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	canonicalizeNonce(payload.Payload.Authorization)

	return &payload, nil
}

// canonicalizeNonce rewrites the nonce as lowercase 0x-prefixed hex. Replay
// protection keys on the nonce string, so every hex-case spelling of one
// authorization must map to the same store key and idempotency key.
func canonicalizeNonce(auth *Authorization) {
	nonceBytes, err := hexutil.Decode(auth.Nonce)
	if err != nil {
		// validatePayload already decoded this nonce.
		return
	}
	auth.Nonce = hexutil.Encode(nonceBytes)
}

// EncodePayment encodes a PaymentPayload for the X-Payment header. Encoding
// then decoding yields a payload equal in all fields to the original.
func EncodePayment(payload *PaymentPayload) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// validatePayload checks the structural invariants of a decoded payload.
// Trust decisions (signature validity, amount sufficiency) are not made
// here; they belong to the facilitator.
func validatePayload(p *PaymentPayload) error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	if p.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if _, _, err := p.Network.Parse(); err != nil {
		return err
	}
	if p.Payload == nil || p.Payload.Authorization == nil {
		return fmt.Errorf("authorization is required")
	}

	auth := p.Payload.Authorization
	if !common.IsHexAddress(auth.From) {
		return fmt.Errorf("invalid payer address: %q", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return fmt.Errorf("invalid payee address: %q", auth.To)
	}
	if p.Asset != "" && !common.IsHexAddress(p.Asset) {
		return fmt.Errorf("invalid asset address: %q", p.Asset)
	}

	if _, err := auth.ValueInt(); err != nil {
		return err
	}

	after, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
	}
	before, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
	}
	if before <= after {
		return fmt.Errorf("validity window is empty: validBefore %d <= validAfter %d", before, after)
	}

	nonceBytes, err := hexutil.Decode(auth.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce: %v", err)
	}
	if len(nonceBytes) != nonceByteLen {
		return fmt.Errorf("invalid nonce length: %d bytes", len(nonceBytes))
	}

	sigBytes, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature: %v", err)
	}
	if len(sigBytes) != signatureByteLen {
		return fmt.Errorf("invalid signature length: %d bytes", len(sigBytes))
	}

	return nil
}

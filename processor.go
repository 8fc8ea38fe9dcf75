package payguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/x402-labs/payguard/nonce"
	"github.com/x402-labs/payguard/retry"
)

// DefaultReserveTTL bounds how long a nonce reservation may block other
// callers while verification and settlement are in flight. The background
// sweep reclaims reservations past this age if the owning request crashed
// without releasing.
const DefaultReserveTTL = 90 * time.Second

// consumedRetentionSlack is added past the authorization's validBefore
// when retaining consumed nonces, to absorb clock skew between this server
// and signers.
const consumedRetentionSlack = 1 * time.Minute

// Facilitator is the orchestrator's view of the external service that
// verifies and settles payments. facilitator.Client implements it.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements PaymentRequirements, idempotencyKey string) (*SettleResponse, error)
}

// Processor runs the verification/settlement state machine for one payment
// per call: decode, reserve the nonce, verify, settle, mark consumed. Side
// effects are strictly ordered; in particular no reservation is released
// after a successful settle, and no nonce is marked consumed before settle
// succeeds.
type Processor struct {
	store       nonce.Store
	facilitator Facilitator
	caller      *retry.Caller
	logger      *slog.Logger
	now         func() time.Time
	reserveTTL  time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRetryCaller replaces the retry policy for outbound calls.
func WithRetryCaller(caller *retry.Caller) ProcessorOption {
	return func(p *Processor) {
		p.caller = caller
	}
}

// WithReserveTTL sets how long a nonce reservation lives unresolved.
func WithReserveTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) {
		if ttl > 0 {
			p.reserveTTL = ttl
		}
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProcessorClock overrides the time source. Used by tests.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a Processor. The store is the single source of
// truth for replay decisions; the processor never bypasses it.
func NewProcessor(store nonce.Store, facilitator Facilitator, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		facilitator: facilitator,
		caller:      retry.New(),
		logger:      slog.Default(),
		now:         time.Now,
		reserveTTL:  DefaultReserveTTL,
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one payment through the full state machine and returns the
// terminal outcome. A non-nil error means an internal failure that should
// surface as a server error, not a payment decision.
func (p *Processor) Process(ctx context.Context, paymentHeader string, accepts []PaymentRequirements) (*Outcome, error) {
	if len(accepts) == 0 {
		return nil, fmt.Errorf("no payment requirements configured for priced route")
	}

	payload, err := DecodePayment(paymentHeader)
	if err != nil {
		if errors.Is(err, ErrHeaderAbsent) {
			return p.requiresPayment(accepts, "X-Payment header is required"), nil
		}
		return p.requiresPayment(accepts, err.Error()), nil
	}

	requirements, ok := matchRequirements(accepts, payload)
	if !ok {
		return p.requiresPayment(accepts, "no matching payment requirements"), nil
	}

	auth := payload.Payload.Authorization

	// Expired or not-yet-valid authorizations are decided locally; the
	// facilitator is never contacted for them.
	if !auth.WindowContains(p.now()) {
		return p.rejected(accepts, ReasonVerificationFailed, ""), nil
	}

	// Reserve before any outbound call. This closes the window where two
	// concurrent requests with the same nonce both pass verification.
	status, err := p.store.Reserve(ctx, auth.Nonce, p.reserveTTL)
	if err != nil {
		return nil, fmt.Errorf("nonce reservation failed: %w", err)
	}
	if status != nonce.Reserved {
		return p.rejected(accepts, ReasonReplayDetected, ""), nil
	}

	var verifyResp *VerifyResponse
	err = p.caller.Do(ctx, func(ctx context.Context) error {
		var callErr error
		verifyResp, callErr = p.facilitator.Verify(ctx, payload, requirements)
		return callErr
	})
	if err != nil {
		p.release(ctx, auth.Nonce)
		p.logger.Debug("payment verification failed", "nonce", auth.Nonce, "error", err)
		return p.rejected(accepts, ReasonVerificationFailed, ""), nil
	}
	if !verifyResp.IsValid {
		p.release(ctx, auth.Nonce)
		return p.rejected(accepts, ReasonVerificationFailed, verifyResp.Payer), nil
	}

	var settleResp *SettleResponse
	err = p.caller.Do(ctx, func(ctx context.Context) error {
		var callErr error
		settleResp, callErr = p.facilitator.Settle(ctx, payload, requirements, auth.Nonce)
		return callErr
	})
	if err != nil {
		p.release(ctx, auth.Nonce)
		p.logger.Warn("payment settlement failed", "nonce", auth.Nonce, "error", err)
		return p.rejected(accepts, ReasonSettlementFailed, verifyResp.Payer), nil
	}
	if !settleResp.Success {
		p.release(ctx, auth.Nonce)
		return p.rejected(accepts, ReasonSettlementFailed, verifyResp.Payer), nil
	}

	// Settlement is confirmed; from here the nonce must never become
	// available again within the authorization's validity window.
	_, notAfter, _ := auth.Window()
	if err := p.store.MarkConsumed(ctx, auth.Nonce, notAfter.Add(consumedRetentionSlack)); err != nil {
		// The settlement record and the store have diverged. Surface it;
		// retrying cannot reconcile them.
		p.logger.Error("nonce store diverged from settlement record",
			"nonce", auth.Nonce, "transaction", settleResp.Transaction, "error", err)
		return nil, NewPaymentError(ErrCodeInternalInvariant,
			"settled payment could not be marked consumed", err)
	}

	payer := settleResp.Payer
	if payer == "" {
		payer = verifyResp.Payer
	}

	return &Outcome{
		Status:       OutcomeAccepted,
		Requirements: accepts,
		Settlement:   settleResp,
		Payer:        payer,
	}, nil
}

// release is the compensating action for a held reservation. It runs even
// when the request context was cancelled so the nonce is not stranded in
// Reserved state until the sweep.
func (p *Processor) release(ctx context.Context, n string) {
	if err := p.store.Release(context.WithoutCancel(ctx), n); err != nil {
		p.logger.Warn("failed to release nonce reservation", "nonce", n, "error", err)
	}
}

func (p *Processor) requiresPayment(accepts []PaymentRequirements, msg string) *Outcome {
	return &Outcome{
		Status:       OutcomeRequiresPayment,
		ChallengeMsg: msg,
		Requirements: accepts,
	}
}

func (p *Processor) rejected(accepts []PaymentRequirements, reason RejectionReason, payer string) *Outcome {
	return &Outcome{
		Status:       OutcomeRejected,
		Reason:       reason,
		Requirements: accepts,
		Payer:        payer,
	}
}

// matchRequirements finds the route requirement the payload claims to
// satisfy: same scheme, matching network, same asset contract.
func matchRequirements(accepts []PaymentRequirements, payload *PaymentPayload) (PaymentRequirements, bool) {
	for _, req := range accepts {
		if req.Scheme != payload.Scheme {
			continue
		}
		if !payload.Network.Match(req.Network) {
			continue
		}
		if req.Asset != "" && payload.Asset != "" && !strings.EqualFold(req.Asset, payload.Asset) {
			continue
		}
		return req, true
	}
	return PaymentRequirements{}, false
}

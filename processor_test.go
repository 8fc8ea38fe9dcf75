package payguard

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/x402-labs/payguard/nonce"
	"github.com/x402-labs/payguard/retry"
)

type fakeFacilitator struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	lastIdemKey string

	verify func() (*VerifyResponse, error)
	settle func() (*SettleResponse, error)
}

func (f *fakeFacilitator) Verify(_ context.Context, _ *PaymentPayload, _ PaymentRequirements) (*VerifyResponse, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()

	if f.verify != nil {
		return f.verify()
	}
	return &VerifyResponse{IsValid: true, Payer: testPayer}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *PaymentPayload, _ PaymentRequirements, idempotencyKey string) (*SettleResponse, error) {
	f.mu.Lock()
	f.settleCalls++
	f.lastIdemKey = idempotencyKey
	f.mu.Unlock()

	if f.settle != nil {
		return f.settle()
	}
	return &SettleResponse{
		Success:     true,
		Transaction: "0xabc123",
		Network:     "eip155:8453",
		Payer:       testPayer,
	}, nil
}

func (f *fakeFacilitator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

func testRequirements() []PaymentRequirements {
	return []PaymentRequirements{{
		Scheme:            "exact",
		Network:           "eip155:8453",
		Asset:             testAsset,
		Amount:            "10000",
		PayTo:             testPayee,
		MaxTimeoutSeconds: 300,
	}}
}

// fastCaller keeps transient-failure tests from sleeping on real backoff.
func fastCaller() *retry.Caller {
	return retry.New(
		retry.WithMaxAttempts(2),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
	)
}

func newTestProcessor(t *testing.T, fac *fakeFacilitator) (*Processor, *nonce.MemoryStore) {
	t.Helper()
	store := nonce.NewMemoryStore()
	proc := NewProcessor(store, fac, WithRetryCaller(fastCaller()))
	return proc, store
}

func validHeader(t *testing.T) string {
	t.Helper()
	header, err := EncodePayment(validPayload())
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return header
}

func TestProcessNoHeader(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, store := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), "", testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRequiresPayment {
		t.Fatalf("status = %v, want OutcomeRequiresPayment", outcome.Status)
	}
	if len(outcome.Requirements) != 1 {
		t.Errorf("challenge must carry the route requirements")
	}

	if v, s := fac.counts(); v != 0 || s != 0 {
		t.Errorf("facilitator must not be contacted without a payment header")
	}
	if store.Len() != 0 {
		t.Errorf("no nonce may be reserved without a payment header")
	}
}

func TestProcessMalformedHeader(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, _ := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), "!!garbage!!", testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRequiresPayment {
		t.Fatalf("status = %v, want OutcomeRequiresPayment", outcome.Status)
	}
	if outcome.ChallengeMsg == "" {
		t.Error("malformed header should explain itself in the challenge")
	}
}

func TestProcessNoMatchingRequirements(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, store := newTestProcessor(t, fac)

	reqs := testRequirements()
	reqs[0].Network = "eip155:1" // payload is for eip155:8453

	outcome, err := proc.Process(context.Background(), validHeader(t), reqs)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRequiresPayment {
		t.Fatalf("status = %v, want OutcomeRequiresPayment", outcome.Status)
	}
	if store.Len() != 0 {
		t.Errorf("mismatched payments must not reserve nonces")
	}
}

func TestProcessHappyPath(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, store := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeAccepted {
		t.Fatalf("status = %v, want OutcomeAccepted (reason %q)", outcome.Status, outcome.Reason)
	}
	if outcome.Settlement == nil || outcome.Settlement.Transaction != "0xabc123" {
		t.Errorf("outcome must carry the settlement receipt")
	}
	if outcome.Payer != testPayer {
		t.Errorf("payer = %q, want %q", outcome.Payer, testPayer)
	}

	if v, s := fac.counts(); v != 1 || s != 1 {
		t.Errorf("verify/settle calls = %d/%d, want 1/1", v, s)
	}
	if fac.lastIdemKey != testNonce {
		t.Errorf("settle idempotency key = %q, want the authorization nonce", fac.lastIdemKey)
	}

	// The nonce must now be consumed, not merely reserved.
	status, err := store.Reserve(context.Background(), testNonce, time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if status != nonce.AlreadyConsumed {
		t.Errorf("nonce status after settle = %v, want AlreadyConsumed", status)
	}
}

func TestProcessReplayRejected(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, _ := newTestProcessor(t, fac)

	header := validHeader(t)

	first, err := proc.Process(context.Background(), header, testRequirements())
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if first.Status != OutcomeAccepted {
		t.Fatalf("first payment should be accepted, got %v", first.Status)
	}

	second, err := proc.Process(context.Background(), header, testRequirements())
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if second.Status != OutcomeRejected || second.Reason != ReasonReplayDetected {
		t.Fatalf("replay outcome = %v/%q, want OutcomeRejected/replay_detected", second.Status, second.Reason)
	}

	if _, s := fac.counts(); s != 1 {
		t.Errorf("settle calls = %d, a replay must never settle twice", s)
	}
}

func TestProcessReplayRejectedForHexCaseVariant(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, _ := newTestProcessor(t, fac)

	first, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if first.Status != OutcomeAccepted {
		t.Fatalf("first payment should be accepted, got %v", first.Status)
	}

	// Same signed authorization, nonce hex uppercased. It must hit the
	// same store key, not settle a second time.
	variant := validPayload()
	variant.Payload.Authorization.Nonce = "0x" + strings.ToUpper(testNonce[2:])
	header, err := EncodePayment(variant)
	if err != nil {
		t.Fatalf("failed to encode variant: %v", err)
	}

	second, err := proc.Process(context.Background(), header, testRequirements())
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if second.Status != OutcomeRejected || second.Reason != ReasonReplayDetected {
		t.Fatalf("variant outcome = %v/%q, want OutcomeRejected/replay_detected", second.Status, second.Reason)
	}

	if _, s := fac.counts(); s != 1 {
		t.Errorf("settle calls = %d, want 1", s)
	}
	if fac.lastIdemKey != testNonce {
		t.Errorf("idempotency key = %q, want canonical %q", fac.lastIdemKey, testNonce)
	}
}

func TestProcessVerifyInvalidReleasesNonce(t *testing.T) {
	fac := &fakeFacilitator{
		verify: func() (*VerifyResponse, error) {
			return &VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}, nil
		},
	}
	proc, store := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRejected || outcome.Reason != ReasonVerificationFailed {
		t.Fatalf("outcome = %v/%q, want OutcomeRejected/verification_failed", outcome.Status, outcome.Reason)
	}
	if _, s := fac.counts(); s != 0 {
		t.Errorf("an invalid payment must never reach settle")
	}

	// A failed verification must not burn the nonce.
	status, err := store.Reserve(context.Background(), testNonce, time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if status != nonce.Reserved {
		t.Errorf("nonce status after failed verify = %v, want Reserved (released)", status)
	}
}

func TestProcessVerifyExhaustionReleasesNonce(t *testing.T) {
	fac := &fakeFacilitator{
		verify: func() (*VerifyResponse, error) {
			return nil, retry.Transient(errors.New("facilitator down"))
		},
	}
	proc, store := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRejected || outcome.Reason != ReasonVerificationFailed {
		t.Fatalf("outcome = %v/%q, want OutcomeRejected/verification_failed", outcome.Status, outcome.Reason)
	}
	if v, _ := fac.counts(); v != 2 {
		t.Errorf("verify calls = %d, want the full attempt budget of 2", v)
	}

	status, err := store.Reserve(context.Background(), testNonce, time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if status != nonce.Reserved {
		t.Errorf("nonce must be released after exhausting verify retries")
	}
}

func TestProcessSettleFailureReleasesNonce(t *testing.T) {
	fac := &fakeFacilitator{
		settle: func() (*SettleResponse, error) {
			return &SettleResponse{Success: false, ErrorReason: "transfer reverted", Transaction: ""}, nil
		},
	}
	proc, store := newTestProcessor(t, fac)

	outcome, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRejected || outcome.Reason != ReasonSettlementFailed {
		t.Fatalf("outcome = %v/%q, want OutcomeRejected/settlement_failed", outcome.Status, outcome.Reason)
	}

	status, err := store.Reserve(context.Background(), testNonce, time.Minute)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if status != nonce.Reserved {
		t.Errorf("nonce must be released after a failed settle")
	}
}

func TestProcessExpiredAuthorization(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, store := newTestProcessor(t, fac)

	payload := validPayload()
	now := time.Now().Unix()
	payload.Payload.Authorization.ValidAfter = strconv.FormatInt(now-600, 10)
	payload.Payload.Authorization.ValidBefore = strconv.FormatInt(now-60, 10)

	header, err := EncodePayment(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}

	outcome, err := proc.Process(context.Background(), header, testRequirements())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if outcome.Status != OutcomeRejected || outcome.Reason != ReasonVerificationFailed {
		t.Fatalf("outcome = %v/%q, want OutcomeRejected/verification_failed", outcome.Status, outcome.Reason)
	}

	// The decision is local: no reservation, no facilitator traffic.
	if v, s := fac.counts(); v != 0 || s != 0 {
		t.Errorf("expired authorizations must be rejected without facilitator calls")
	}
	if store.Len() != 0 {
		t.Errorf("expired authorizations must not reserve nonces")
	}
}

func TestProcessConcurrentSameNonce(t *testing.T) {
	fac := &fakeFacilitator{}
	proc, _ := newTestProcessor(t, fac)

	header := validHeader(t)
	reqs := testRequirements()

	const goroutines = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		replayed int
	)

	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			outcome, err := proc.Process(context.Background(), header, reqs)
			if err != nil {
				t.Errorf("Process failed: %v", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.Status == OutcomeAccepted:
				accepted++
			case outcome.Status == OutcomeRejected && outcome.Reason == ReasonReplayDetected:
				replayed++
			default:
				t.Errorf("unexpected outcome %v/%q", outcome.Status, outcome.Reason)
			}
		}()
	}

	close(start)
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted = %d, exactly one request may win the nonce", accepted)
	}
	if replayed != goroutines-1 {
		t.Errorf("replayed = %d, want %d", replayed, goroutines-1)
	}
	if _, s := fac.counts(); s != 1 {
		t.Errorf("settle calls = %d, want 1", s)
	}
}

// failingConsumeStore wraps a Store and fails MarkConsumed, simulating a
// store outage between settle and consume.
type failingConsumeStore struct {
	nonce.Store
}

func (s *failingConsumeStore) MarkConsumed(context.Context, string, time.Time) error {
	return errors.New("store unavailable")
}

func TestProcessMarkConsumedFailureIsInternalError(t *testing.T) {
	fac := &fakeFacilitator{}
	store := &failingConsumeStore{Store: nonce.NewMemoryStore()}
	proc := NewProcessor(store, fac, WithRetryCaller(fastCaller()))

	_, err := proc.Process(context.Background(), validHeader(t), testRequirements())
	if err == nil {
		t.Fatal("expected an internal error when a settled payment cannot be marked consumed")
	}

	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Code != ErrCodeInternalInvariant {
		t.Fatalf("error = %v, want PaymentError with code %s", err, ErrCodeInternalInvariant)
	}
}

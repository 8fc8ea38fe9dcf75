// Package nonce implements replay protection for signed payment
// authorizations. A Store tracks which authorization nonces have been
// reserved or consumed and guarantees that each nonce is handed out to at
// most one caller, across all concurrent requests.
//
// The intended call sequence per request is Reserve before any outbound
// verification, then either MarkConsumed after settlement is confirmed or
// Release when verification or settlement fails. Reservations that are
// never resolved expire on their own and are reclaimed by SweepExpired.
package nonce

import (
	"context"
	"errors"
	"time"
)

// ReserveStatus is the result of an attempt to reserve a nonce.
type ReserveStatus int

const (
	// Reserved means this caller now exclusively owns the nonce.
	Reserved ReserveStatus = iota
	// AlreadyReserved means another in-flight request holds the nonce.
	AlreadyReserved
	// AlreadyConsumed means the nonce was settled before; this is a replay.
	AlreadyConsumed
)

func (s ReserveStatus) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyConsumed:
		return "already_consumed"
	default:
		return "unknown"
	}
}

// ErrNotReserved is returned by MarkConsumed when the nonce has no live
// reservation, which indicates the caller violated the reserve-then-consume
// ordering or the reservation expired mid-flight.
var ErrNotReserved = errors.New("nonce: not reserved")

// Store is the replay-protection store. Implementations must make Reserve a
// single atomic check-and-set: under concurrent calls with the same nonce,
// exactly one caller receives Reserved.
type Store interface {
	// Reserve atomically claims a nonce for the calling request. The ttl
	// bounds how long an unresolved reservation blocks other callers.
	Reserve(ctx context.Context, nonce string, ttl time.Duration) (ReserveStatus, error)

	// MarkConsumed transitions a Reserved nonce to Consumed. The record is
	// retained until at least retainUntil, which must cover the
	// authorization's validity window so a consumed nonce can never be
	// replayed while its signature is still valid.
	MarkConsumed(ctx context.Context, nonce string, retainUntil time.Time) error

	// Release reverts a Reserved nonce to available so the same payer may
	// legitimately retry after a failed verification or settlement.
	// Releasing a Consumed nonce is a no-op.
	Release(ctx context.Context, nonce string) error

	// SweepExpired removes records whose expiry has passed and returns the
	// number removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

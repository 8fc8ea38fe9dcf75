// Package payguard implements server-side enforcement of the x402
// pay-per-request protocol.
//
// A resource server mounts one of the payguard middlewares (net/http, gin,
// or echo) in front of priced routes. For each request the middleware
// consults a pricing policy, decodes the signed payment authorization from
// the X-Payment header, reserves the authorization's nonce in a replay
// store, verifies and settles the payment against a facilitator service,
// and only then forwards the request with the settlement attached to the
// request context.
//
// The at-most-once guarantee for each signed authorization is owned by the
// nonce store (package nonce): the nonce is reserved atomically before any
// outbound call and marked consumed only after settlement is confirmed.
// Outbound facilitator calls go through package retry, which retries
// transient failures with capped exponential backoff and jitter without
// ever retrying past a confirmed settlement.
package payguard

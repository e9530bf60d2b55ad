// Package store keeps the single-use state behind replay protection and
// idempotent settlement: spent authorization nonces and settlement receipts.
package store

import (
	"context"
	"time"
)

// Key prefixes.
const (
	NoncePrefix      = "x402:nonce:"
	SettlementPrefix = "x402:settlement:"
)

// Store is a small key/value store with atomic set-if-absent.
type Store interface {
	// SetNX stores value under key only if the key is absent. It reports
	// whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// NonceKey identifies an authorization nonce of a payer on a network.
func NonceKey(network, payer, nonce string) string {
	return NoncePrefix + network + ":" + payer + ":" + nonce
}

// SettlementKey identifies the settlement receipt of one proof.
func SettlementKey(network, payer, nonce string) string {
	return SettlementPrefix + network + ":" + payer + ":" + nonce
}

package nonce

import "sync"

var (
	defaultMu    sync.Mutex
	defaultStore Store
)

// Default returns the process-wide nonce store, creating an in-memory one
// on first use. Components should still take a Store explicitly; Default
// exists for wiring convenience at the edges.
func Default() Store {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultStore == nil {
		defaultStore = NewMemoryStore()
	}
	return defaultStore
}

// SetDefault replaces the process-wide store.
func SetDefault(s Store) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStore = s
}

// ResetDefault discards the process-wide store so the next Default call
// creates a fresh one. Intended for test isolation.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStore = nil
}

package nonce

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 1 * time.Minute

type recordState int

const (
	stateReserved recordState = iota
	stateConsumed
)

type record struct {
	state     recordState
	expiresAt time.Time
}

// MemoryStore is an in-memory Store suitable for single-instance
// deployments. State is process-lifetime only and cleared on restart; use
// RedisStore when replay protection must survive restarts or be shared.
//
// All state transitions happen under one mutex, which is what makes
// Reserve a true check-and-set rather than a racy read-then-write.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record

	logger *slog.Logger
	now    func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithSweepInterval sets how often the background sweeper runs.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = interval
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory nonce store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:       make(map[string]*record),
		logger:        slog.Default(),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, nonce string, ttl time.Duration) (ReserveStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if rec, ok := s.records[nonce]; ok && now.Before(rec.expiresAt) {
		if rec.state == stateConsumed {
			return AlreadyConsumed, nil
		}
		return AlreadyReserved, nil
	}

	s.records[nonce] = &record{
		state:     stateReserved,
		expiresAt: now.Add(ttl),
	}
	return Reserved, nil
}

// MarkConsumed implements Store.
func (s *MemoryStore) MarkConsumed(_ context.Context, nonce string, retainUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[nonce]
	if !ok || rec.state != stateReserved || !s.now().Before(rec.expiresAt) {
		return ErrNotReserved
	}

	rec.state = stateConsumed
	rec.expiresAt = retainUntil
	return nil
}

// Release implements Store. Consumed records are never released; the
// at-most-once guarantee depends on them staying put until retention ends.
func (s *MemoryStore) Release(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[nonce]; ok && rec.state == stateReserved {
		delete(s.records, nonce)
	}
	return nil
}

// SweepExpired implements Store.
func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, nonce)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live records. Used by tests and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StartSweeper launches a background goroutine that periodically evicts
// expired records. Safe to call once; stop it with StopSweeper.
func (s *MemoryStore) StartSweeper() {
	s.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(s.sweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					removed, _ := s.SweepExpired(context.Background(), s.now())
					if removed > 0 {
						s.logger.Debug("nonce sweeper evicted expired records", "count", removed)
					}
				case <-s.stopSweep:
					return
				}
			}
		}()
	})
}

// StopSweeper stops the background sweeper goroutine.
func (s *MemoryStore) StopSweeper() {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
}

var _ Store = (*MemoryStore)(nil)

package game

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the single source of truth for live sessions. All mutation is
// funneled through Mutate so no caller ever observes a torn session: the
// transition function runs on a deep copy under the per-session lock, the
// invariants are re-checked, and only then is the copy published.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// Lifetime counters for metrics; live counts are derived from entries.
	createdTotal  uint64
	finishedTotal uint64
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create registers a new session in the waiting state and returns a copy.
func (r *Registry) Create(cfg SessionConfig) (Session, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return Session{}, err
	}

	s := &Session{
		ID:         uuid.NewString(),
		Type:       cfg.Type,
		State:      StateWaiting,
		MinPlayers: cfg.MinPlayers,
		MaxPlayers: cfg.MaxPlayers,
		Stake:      cfg.Stake,
		CreatedAt:  time.Now().UTC(),
		NextSeq:    1,
	}

	r.mu.Lock()
	r.entries[s.ID] = &entry{session: s}
	r.createdTotal++
	r.mu.Unlock()

	return s.Clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	s := e.session.Clone()
	e.mu.Unlock()
	return s, nil
}

// List returns copies of all live sessions, unordered.
func (r *Registry) List() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	return out
}

// Mutate applies fn to a copy of the session under its lock. If the lock is
// already held by a concurrent mutation it fails fast with ErrConflict so the
// caller can retry with backoff. The mutated copy replaces the owned session
// only if fn succeeds and the invariants still hold.
func (r *Registry) Mutate(id string, fn func(*Session) error) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	if !e.mu.TryLock() {
		return Session{}, ErrConflict
	}
	defer e.mu.Unlock()

	next := e.session.Clone()
	prev := next.State
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	if err := next.validate(prev); err != nil {
		return Session{}, err
	}

	e.session = &next
	if next.State.Terminal() && !prev.Terminal() {
		r.mu.Lock()
		r.finishedTotal++
		r.mu.Unlock()
	}
	return next.Clone(), nil
}

// Retry policy for lock contention. Rejections and NotFound are surfaced
// immediately; only ErrConflict is retried.
const (
	mutateRetries      = 5
	mutateBackoffBase  = 2 * time.Millisecond
	mutateBackoffLimit = 50 * time.Millisecond
)

// MutateRetry wraps Mutate with bounded exponential backoff on ErrConflict.
func (r *Registry) MutateRetry(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	backoff := mutateBackoffBase
	var lastErr error
	for attempt := 0; attempt <= mutateRetries; attempt++ {
		s, err := r.Mutate(id, fn)
		if err != ErrConflict {
			return s, err
		}
		lastErr = err

		jittered := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-time.After(jittered):
		}
		if backoff *= 2; backoff > mutateBackoffLimit {
			backoff = mutateBackoffLimit
		}
	}
	return Session{}, lastErr
}

// Remove drops a session from the registry once it has been archived.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Counts reports live and lifetime session totals for metrics.
func (r *Registry) Counts() (live, active, created, finished int) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	created = int(r.createdTotal)
	finished = int(r.finishedTotal)
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		live++
		if e.session.State == StateActive {
			active++
		}
		e.mu.Unlock()
	}
	return live, active, created, finished
}

// PlayerCounts reports connected and total players across live sessions.
func (r *Registry) PlayerCounts() (connected, total int) {
	for _, s := range r.List() {
		for i := range s.Players {
			total++
			if s.Players[i].Connected {
				connected++
			}
		}
	}
	return connected, total
}

// LockLatency measures how long acquiring a session lock takes, used by the
// health endpoint to detect a stalled registry. The acquisition runs in its
// own goroutine so a stuck mutation surfaces as ctx.Err() instead of hanging
// the caller; the goroutine releases the lock and exits whenever it finally
// gets through. With no live sessions it reports zero.
func (r *Registry) LockLatency(ctx context.Context) (time.Duration, error) {
	r.mu.RLock()
	var probe *entry
	for _, e := range r.entries {
		probe = e
		break
	}
	r.mu.RUnlock()
	if probe == nil {
		return 0, nil
	}

	start := time.Now()
	acquired := make(chan struct{})
	go func() {
		probe.mu.Lock()
		probe.mu.Unlock() //nolint:staticcheck // measure acquire time only
		close(acquired)
	}()

	select {
	case <-acquired:
		return time.Since(start), nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

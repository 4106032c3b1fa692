package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, Session) {
	t.Helper()
	r := NewRegistry()
	s, err := r.Create(SessionConfig{Type: TypeDuel, MinPlayers: 2, MaxPlayers: 2})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return r, s
}

func TestRegistryCreateDefaults(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create(SessionConfig{MinPlayers: 2, MaxPlayers: 4})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if s.ID == "" {
		t.Error("session ID not assigned")
	}
	if s.State != StateWaiting {
		t.Errorf("state = %q, want waiting", s.State)
	}
	if s.NextSeq != 1 {
		t.Errorf("NextSeq = %d, want 1", s.NextSeq)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r, s := newTestRegistry(t)

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.State = StateFinished
	got.Players = append(got.Players, Player{ID: "intruder"})

	again, _ := r.Get(s.ID)
	if again.State != StateWaiting || len(again.Players) != 0 {
		t.Error("mutating a Get result leaked into the registry")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryMutateRollsBackOnError(t *testing.T) {
	r, s := newTestRegistry(t)

	_, err := r.Mutate(s.ID, func(s *Session) error {
		s.Players = append(s.Players, Player{ID: "p1"})
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := r.Get(s.ID)
	if len(got.Players) != 0 {
		t.Error("failed mutation was not rolled back")
	}
}

func TestRegistryMutateRejectsInvalidTransition(t *testing.T) {
	r, s := newTestRegistry(t)

	_, err := r.Mutate(s.ID, func(s *Session) error {
		s.State = StateFinished // waiting -> finished skips active
		return nil
	})
	code, ok := RejectionCode(err)
	if !ok || code != ReasonBadTransition {
		t.Fatalf("err = %v, want rejection %s", err, ReasonBadTransition)
	}
}

func TestRegistryMutateConflict(t *testing.T) {
	r, s := newTestRegistry(t)

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		r.Mutate(s.ID, func(*Session) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold

	_, err := r.Mutate(s.ID, func(*Session) error { return nil })
	close(release)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestRegistryMutateRetryOutlastsConflict(t *testing.T) {
	r, s := newTestRegistry(t)

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		r.Mutate(s.ID, func(*Session) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold
	go func() { release <- struct{}{} }()

	_, err := r.MutateRetry(context.Background(), s.ID, func(s *Session) error {
		s.Players = append(s.Players, Player{ID: "p1"})
		return nil
	})
	if err != nil {
		t.Fatalf("retry should have won the lock eventually: %v", err)
	}
}

func TestRegistryConcurrentMutations(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create(SessionConfig{MinPlayers: 2, MaxPlayers: 128})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.MutateRetry(context.Background(), s.ID, func(s *Session) error {
				s.appendEvent(ActionMove, "p", nil, s.CreatedAt)
				return nil
			})
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	if len(got.Events) != workers {
		t.Fatalf("got %d events, want %d", len(got.Events), workers)
	}
	for i, ev := range got.Events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d (gapless, ordered)", i, ev.Sequence, i+1)
		}
	}
}

func TestRegistryRemove(t *testing.T) {
	r, s := newTestRegistry(t)
	r.Remove(s.ID)
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after remove", err)
	}
}

func TestLockLatencyUncontended(t *testing.T) {
	r, _ := newTestRegistry(t)

	d, err := r.LockLatency(context.Background())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if d > time.Second {
		t.Fatalf("latency = %v on an idle registry", d)
	}
}

func TestLockLatencyNoSessions(t *testing.T) {
	r := NewRegistry()
	if d, err := r.LockLatency(context.Background()); err != nil || d != 0 {
		t.Fatalf("latency = %v, err = %v; want 0, nil with no sessions", d, err)
	}
}

func TestLockLatencyGivesUpOnStuckLock(t *testing.T) {
	r, s := newTestRegistry(t)

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		r.Mutate(s.ID, func(*Session) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.LockLatency(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded while the lock is held", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("LockLatency blocked %v instead of honoring the context", waited)
	}
}

package game

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeBalances struct {
	balances map[string]int64
	err      error
}

func (f *fakeBalances) ReadBalance(_ context.Context, wallet string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[wallet], nil
}

type fakeSettler struct {
	mu       sync.Mutex
	sessions []string
	outcomes [][]Outcome
}

func (f *fakeSettler) Enqueue(sessionID string, outcomes []Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.outcomes = append(f.outcomes, outcomes)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []ActionEvent
}

func (f *fakePublisher) PublishEvent(_ Session, ev ActionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) sequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Sequence
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (f *fakeNotifier) Push(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

type coordFixture struct {
	coord    *Coordinator
	balances *fakeBalances
	settler  *fakeSettler
	pub      *fakePublisher
	notes    *fakeNotifier
	clock    *time.Time
}

func newCoordFixture(t *testing.T, cfg CoordinatorConfig) *coordFixture {
	t.Helper()
	f := &coordFixture{
		balances: &fakeBalances{balances: map[string]int64{}},
		settler:  &fakeSettler{},
		pub:      &fakePublisher{},
		notes:    &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coord = NewCoordinator(NewRegistry(), f.balances, f.settler, f.pub, f.notes, cfg, logger)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.clock = &start
	f.coord.now = func() time.Time { return *f.clock }
	return f
}

func (f *coordFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *coordFixture) duel(t *testing.T) Session {
	t.Helper()
	s, err := f.coord.CreateSession(SessionConfig{
		Type: TypeDuel, MinPlayers: 2, MaxPlayers: 2,
		Stake: StakeBounds{Min: 0, Max: 1000},
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return s
}

func (f *coordFixture) join(t *testing.T, sessionID, playerID string, stake int64) Session {
	t.Helper()
	f.balances.balances[playerID+"-wallet"] = 1_000_000
	s, err := f.coord.Join(context.Background(), sessionID, JoinRequest{
		PlayerID: playerID,
		Wallet:   playerID + "-wallet",
		Name:     playerID,
		Stake:    stake,
	})
	if err != nil {
		t.Fatalf("join %s: %v", playerID, err)
	}
	return s
}

func TestDuelLifecycle(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s := f.duel(t)

	f.join(t, s.ID, "p1", 10)
	got := f.join(t, s.ID, "p2", 10)

	// Second join fills the duel: it auto-starts.
	if got.State != StateActive {
		t.Fatalf("state = %q, want active after filling", got.State)
	}
	if got.Pot != 20 {
		t.Errorf("pot = %d, want 20", got.Pot)
	}

	payload, _ := json.Marshal(MovePayload{Points: 5, Winning: true})
	got, err := f.coord.Move(ctx, s.ID, "p1", payload)
	if err != nil {
		t.Fatalf("winning move: %v", err)
	}
	if got.State != StateFinished || got.Winner != "p1" {
		t.Fatalf("state = %q winner = %q, want finished/p1", got.State, got.Winner)
	}

	// join, join, start, move, settle
	wantTypes := []ActionType{ActionJoin, ActionJoin, ActionStart, ActionMove, ActionSettle}
	if len(got.Events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got.Events), len(wantTypes))
	}
	for i, ev := range got.Events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, wantTypes[i])
		}
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}

	f.settler.mu.Lock()
	defer f.settler.mu.Unlock()
	if len(f.settler.sessions) != 1 || f.settler.sessions[0] != s.ID {
		t.Fatalf("settler calls = %v, want one for %s", f.settler.sessions, s.ID)
	}
	var sum int64
	for _, o := range f.settler.outcomes[0] {
		sum += o.Delta
	}
	if sum != 0 {
		t.Errorf("outcome deltas sum to %d, want 0", sum)
	}
}

func TestJoinRejections(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 10)

	// Duplicate join.
	_, err := f.coord.Join(ctx, s.ID, JoinRequest{PlayerID: "p1", Wallet: "p1-wallet"})
	if code, _ := RejectionCode(err); code != ReasonAlreadyJoined {
		t.Errorf("duplicate join: code = %q, want %s", code, ReasonAlreadyJoined)
	}

	// Insufficient balance.
	f.balances.balances["poor-wallet"] = 5
	_, err = f.coord.Join(ctx, s.ID, JoinRequest{PlayerID: "poor", Wallet: "poor-wallet", Stake: 10})
	if code, _ := RejectionCode(err); code != ReasonInsufficient {
		t.Errorf("broke join: code = %q, want %s", code, ReasonInsufficient)
	}

	// Stake above bounds.
	f.balances.balances["rich-wallet"] = 1 << 40
	_, err = f.coord.Join(ctx, s.ID, JoinRequest{PlayerID: "rich", Wallet: "rich-wallet", Stake: 5000})
	if code, _ := RejectionCode(err); code != ReasonStakeBounds {
		t.Errorf("oversized stake: code = %q, want %s", code, ReasonStakeBounds)
	}

	// Fill it, then the session is no longer joinable.
	f.join(t, s.ID, "p2", 10)
	_, err = f.coord.Join(ctx, s.ID, JoinRequest{PlayerID: "p3", Wallet: "w3"})
	if code, _ := RejectionCode(err); code != ReasonNotJoinable {
		t.Errorf("late join: code = %q, want %s", code, ReasonNotJoinable)
	}

	_, err = f.coord.Join(ctx, "missing", JoinRequest{PlayerID: "px"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: err = %v, want ErrNotFound", err)
	}
}

func TestLeaveWhileWaitingReturnsStake(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s, err := f.coord.CreateSession(SessionConfig{MinPlayers: 2, MaxPlayers: 4, Stake: StakeBounds{Max: 100}})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	f.join(t, s.ID, "p1", 10)
	got := f.join(t, s.ID, "p2", 10)
	if got.ReadyAt == nil {
		t.Fatal("ReadyAt not set at minPlayers")
	}

	got, err = f.coord.Leave(ctx, s.ID, "p2")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got.Pot != 10 {
		t.Errorf("pot = %d, want 10 after stake returned", got.Pot)
	}
	if got.ReadyAt != nil {
		t.Error("ReadyAt should reset below minPlayers")
	}
	if len(got.Forfeits) != 0 {
		t.Error("waiting leave must not forfeit")
	}
}

func TestActiveLeaveForfeitsAndLastPlayerWins(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s, err := f.coord.CreateSession(SessionConfig{Type: TypeTable, MinPlayers: 3, MaxPlayers: 3, Stake: StakeBounds{Max: 100}})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	f.join(t, s.ID, "p1", 10)
	f.join(t, s.ID, "p2", 10)
	f.join(t, s.ID, "p3", 10)

	got, err := f.coord.Leave(ctx, s.ID, "p2")
	if err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if got.State != StateActive {
		t.Fatalf("state = %q, want still active with 2 players", got.State)
	}
	if got.Pot != 30 {
		t.Errorf("pot = %d, want 30 (forfeited stake stays)", got.Pot)
	}

	got, err = f.coord.Leave(ctx, s.ID, "p3")
	if err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if got.State != StateFinished || got.Winner != "p1" {
		t.Fatalf("state = %q winner = %q, want finished/p1", got.State, got.Winner)
	}

	f.settler.mu.Lock()
	defer f.settler.mu.Unlock()
	if len(f.settler.outcomes) != 1 {
		t.Fatalf("settler calls = %d, want 1", len(f.settler.outcomes))
	}
	var sum int64
	byPlayer := map[string]int64{}
	for _, o := range f.settler.outcomes[0] {
		sum += o.Delta
		byPlayer[o.PlayerID] = o.Delta
	}
	if sum != 0 {
		t.Errorf("outcome deltas sum to %d, want 0", sum)
	}
	if byPlayer["p1"] != 20 {
		t.Errorf("winner delta = %d, want 20 (pot minus own stake)", byPlayer["p1"])
	}
	if byPlayer["p2"] != -10 || byPlayer["p3"] != -10 {
		t.Errorf("forfeit deltas = %d, %d, want -10 each", byPlayer["p2"], byPlayer["p3"])
	}
}

func TestStartRequiresOwnerAndQuorum(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s, err := f.coord.CreateSession(SessionConfig{MinPlayers: 2, MaxPlayers: 4})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	f.join(t, s.ID, "p1", 0)

	_, err = f.coord.Start(ctx, s.ID, "p1")
	if code, _ := RejectionCode(err); code != ReasonNotEnoughPlayers {
		t.Errorf("start below quorum: code = %q, want %s", code, ReasonNotEnoughPlayers)
	}

	f.join(t, s.ID, "p2", 0)
	_, err = f.coord.Start(ctx, s.ID, "p2")
	if code, _ := RejectionCode(err); code != ReasonNotOwner {
		t.Errorf("non-owner start: code = %q, want %s", code, ReasonNotOwner)
	}

	got, err := f.coord.Start(ctx, s.ID, "p1")
	if err != nil {
		t.Fatalf("owner start: %v", err)
	}
	if got.State != StateActive {
		t.Fatalf("state = %q, want active", got.State)
	}
}

func TestBet(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s, err := f.coord.CreateSession(SessionConfig{MinPlayers: 2, MaxPlayers: 2, Stake: StakeBounds{Max: 50}})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	f.join(t, s.ID, "p1", 10)
	f.join(t, s.ID, "p2", 10)

	got, err := f.coord.Bet(ctx, s.ID, "p1", 20)
	if err != nil {
		t.Fatalf("bet: %v", err)
	}
	if got.Pot != 40 {
		t.Errorf("pot = %d, want 40", got.Pot)
	}
	if got.Players[got.PlayerIndex("p1")].Stake != 30 {
		t.Errorf("stake = %d, want 30", got.Players[got.PlayerIndex("p1")].Stake)
	}

	_, err = f.coord.Bet(ctx, s.ID, "p1", 100)
	if code, _ := RejectionCode(err); code != ReasonStakeBounds {
		t.Errorf("over-bounds bet: code = %q, want %s", code, ReasonStakeBounds)
	}

	f.balances.balances["p2-wallet"] = 15
	_, err = f.coord.Bet(ctx, s.ID, "p2", 10)
	if code, _ := RejectionCode(err); code != ReasonInsufficient {
		t.Errorf("broke bet: code = %q, want %s", code, ReasonInsufficient)
	}
}

func TestCancelOnlyWhileWaitingForceCancelAlways(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0) // auto-starts

	_, err := f.coord.Cancel(ctx, s.ID, "too late")
	if code, _ := RejectionCode(err); code != ReasonNotWaiting {
		t.Errorf("cancel active: code = %q, want %s", code, ReasonNotWaiting)
	}

	got, err := f.coord.ForceCancel(ctx, s.ID, "operator")
	if err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if got.State != StateCancelled {
		t.Fatalf("state = %q, want cancelled", got.State)
	}

	if _, err := f.coord.ForceCancel(ctx, s.ID, "again"); err == nil {
		t.Error("force cancel of terminal session should be rejected")
	}
}

func TestPublishedSequencesAreGapless(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0)

	payload, _ := json.Marshal(MovePayload{Points: 1})
	for i := 0; i < 3; i++ {
		if _, err := f.coord.Move(ctx, s.ID, "p1", payload); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	seqs := f.pub.sequences()
	seen := make(map[uint64]bool)
	var max uint64
	for _, q := range seqs {
		if seen[q] {
			t.Fatalf("sequence %d published twice", q)
		}
		seen[q] = true
		if q > max {
			max = q
		}
	}
	for q := uint64(1); q <= max; q++ {
		if !seen[q] {
			t.Fatalf("sequence %d never published (gap)", q)
		}
	}
}

func TestSweepCancelsEmptySessions(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{EmptyTimeout: time.Minute})
	s := f.duel(t)

	f.advance(30 * time.Second)
	f.coord.Sweep(context.Background())
	got, _ := f.coord.Registry().Get(s.ID)
	if got.State != StateWaiting {
		t.Fatalf("state = %q, swept too early", got.State)
	}

	f.advance(45 * time.Second)
	f.coord.Sweep(context.Background())
	got, _ = f.coord.Registry().Get(s.ID)
	if got.State != StateCancelled {
		t.Fatalf("state = %q, want cancelled after empty timeout", got.State)
	}
}

func TestSweepAutoStartsAfterCountdown(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{Countdown: 10 * time.Second})
	s, err := f.coord.CreateSession(SessionConfig{MinPlayers: 2, MaxPlayers: 4})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0)

	f.advance(11 * time.Second)
	f.coord.Sweep(context.Background())

	got, _ := f.coord.Registry().Get(s.ID)
	if got.State != StateActive {
		t.Fatalf("state = %q, want active after countdown", got.State)
	}
}

func TestSweepGraceLeavesDisconnected(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{Grace: 10 * time.Second})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0)

	if err := f.coord.Touch(ctx, s.ID, "p2", false); err != nil {
		t.Fatalf("touch: %v", err)
	}

	f.advance(11 * time.Second)
	f.coord.Sweep(ctx)

	got, _ := f.coord.Registry().Get(s.ID)
	if got.State != StateFinished || got.Winner != "p1" {
		t.Fatalf("state = %q winner = %q, want finished/p1 after grace leave", got.State, got.Winner)
	}
}

func TestSweepFinishesOverlongSessions(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{MaxDuration: time.Hour})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0)

	payload, _ := json.Marshal(MovePayload{Points: 7})
	if _, err := f.coord.Move(ctx, s.ID, "p2", payload); err != nil {
		t.Fatalf("move: %v", err)
	}

	f.advance(61 * time.Minute)
	f.coord.Sweep(ctx)

	got, _ := f.coord.Registry().Get(s.ID)
	if got.State != StateFinished {
		t.Fatalf("state = %q, want finished after max duration", got.State)
	}
	if got.Winner != "p2" {
		t.Fatalf("winner = %q, want p2 (highest score)", got.Winner)
	}
}

func TestApplyAnalysis(t *testing.T) {
	f := newCoordFixture(t, CoordinatorConfig{})
	ctx := context.Background()
	s := f.duel(t)
	f.join(t, s.ID, "p1", 0)
	f.join(t, s.ID, "p2", 0)

	a := Analysis{
		ID:        "a1",
		SessionID: s.ID,
		PlayerID:  "p1",
		Consensus: 0.9,
		Flags:     []string{"high_fraud_consensus"},
	}
	if err := f.coord.ApplyAnalysis(ctx, a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := f.coord.Registry().Get(s.ID)
	if len(got.Analyses) != 1 {
		t.Fatalf("got %d analyses, want 1", len(got.Analyses))
	}
	last := got.Events[len(got.Events)-1]
	if last.Type != ActionFairness {
		t.Errorf("last event = %q, want fairness annotation", last.Type)
	}

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	var flagged bool
	for _, n := range f.notes.notes {
		if n.Type == "fairness_flag" && n.PlayerID == "p1" {
			flagged = true
		}
	}
	if !flagged {
		t.Error("flagged analysis should notify the player")
	}

	// Analyses for departed sessions are dropped silently.
	if err := f.coord.ApplyAnalysis(ctx, Analysis{ID: "a2", SessionID: "gone"}); err != nil {
		t.Fatalf("apply to missing session should not error: %v", err)
	}
}

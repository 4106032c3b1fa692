package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/playversus/arena/internal/archive"
	"github.com/playversus/arena/internal/database"
	"github.com/playversus/arena/internal/game"
	"github.com/playversus/arena/internal/migrations"
)

func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migrations.Run(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return archive.NewStore(db)
}

func finishedSession() game.Session {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(10 * time.Second)
	ended := created.Add(5 * time.Minute)
	payload, _ := json.Marshal(map[string]any{"points": 5, "winning": true})

	return game.Session{
		ID:         "s1",
		Type:       game.TypeDuel,
		State:      game.StateFinished,
		Winner:     "p1",
		Pot:        20,
		MinPlayers: 2,
		MaxPlayers: 2,
		Stake:      game.StakeBounds{Min: 0, Max: 100},
		Players: []game.Player{
			{ID: "p1", Wallet: "w1", Name: "alice", Stake: 10, Score: 5},
			{ID: "p2", Wallet: "w2", Name: "bob", Stake: 10},
		},
		CreatedAt: created,
		StartedAt: &started,
		EndedAt:   &ended,
		Events: []game.ActionEvent{
			{Type: game.ActionJoin, Actor: "p1", SessionID: "s1", Sequence: 1, Timestamp: created},
			{Type: game.ActionJoin, Actor: "p2", SessionID: "s1", Sequence: 2, Timestamp: created},
			{Type: game.ActionStart, SessionID: "s1", Sequence: 3, Timestamp: started},
			{Type: game.ActionMove, Actor: "p1", SessionID: "s1", Sequence: 4, Timestamp: ended, Payload: payload},
			{Type: game.ActionSettle, SessionID: "s1", Sequence: 5, Timestamp: ended},
		},
		Analyses: []game.Analysis{
			{
				ID: "a1", PlayerID: "p1", SessionID: "s1",
				Providers:  []game.ProviderScore{{Provider: "baseline", Fraud: 0.4, Weight: 1}},
				Consensus:  0.4,
				Confidence: 1,
				Flags:      []string{"velocity"},
				CreatedAt:  ended,
			},
		},
		NextSeq: 6,
	}
}

func TestArchiveAndRehydrateSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.ArchiveSession(ctx, finishedSession()); err != nil {
		t.Fatalf("archiving: %v", err)
	}

	got, err := store.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("rehydrating: %v", err)
	}
	if got.State != game.StateFinished || got.Winner != "p1" || got.Pot != 20 {
		t.Errorf("session = state %q winner %q pot %d", got.State, got.Winner, got.Pot)
	}
	if len(got.Players) != 2 || got.Players[0].Name != "alice" {
		t.Errorf("players not restored: %+v", got.Players)
	}
	if len(got.Events) != 5 {
		t.Fatalf("got %d events, want 5", len(got.Events))
	}
	for i, ev := range got.Events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
	if got.NextSeq != 6 {
		t.Errorf("NextSeq = %d, want 6", got.NextSeq)
	}
	if len(got.Analyses) != 1 {
		t.Fatalf("got %d analyses, want 1", len(got.Analyses))
	}
	a := got.Analyses[0]
	if a.ID != "a1" || a.PlayerID != "p1" || a.Consensus != 0.4 {
		t.Errorf("analysis = %+v", a)
	}
	if len(a.Providers) != 1 || a.Providers[0].Provider != "baseline" {
		t.Errorf("analysis providers not restored: %+v", a.Providers)
	}
	if len(a.Flags) != 1 || a.Flags[0] != "velocity" {
		t.Errorf("analysis flags not restored: %+v", a.Flags)
	}
}

func TestArchiveSessionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := finishedSession()

	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("first archive: %v", err)
	}
	if err := store.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("second archive should be a no-op: %v", err)
	}

	got, err := store.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("rehydrating: %v", err)
	}
	if len(got.Events) != 5 {
		t.Fatalf("got %d events after double archive, want 5", len(got.Events))
	}
}

func TestArchiveRefusesLiveSession(t *testing.T) {
	store := newTestStore(t)
	sess := finishedSession()
	sess.State = game.StateActive

	if err := store.ArchiveSession(context.Background(), sess); err == nil {
		t.Fatal("archiving an active session must fail")
	}
}

func TestSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Session(context.Background(), "nope"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.SettlementTxRef(ctx, "s1")
	if err != nil {
		t.Fatalf("lookup before record: %v", err)
	}
	if ref != "" {
		t.Fatalf("ref = %q, want empty before recording", ref)
	}

	out := []game.Outcome{{PlayerID: "p1", Wallet: "w1", Delta: 10, Result: "win"}}
	if err := store.RecordSettlement(ctx, "s1", "tx-1", out); err != nil {
		t.Fatalf("recording: %v", err)
	}
	// Second record with a different ref must not overwrite the first.
	if err := store.RecordSettlement(ctx, "s1", "tx-2", out); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	ref, err = store.SettlementTxRef(ctx, "s1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ref != "tx-1" {
		t.Fatalf("ref = %q, want the original tx-1", ref)
	}
}

func TestNotificationsLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []game.Notification{
		{ID: "n1", PlayerID: "p1", Type: "session_finished", Severity: "info", CreatedAt: base},
		{ID: "n2", PlayerID: "p1", Type: "fairness_flag", Severity: "warning", CreatedAt: base.Add(time.Minute)},
		{ID: "n3", PlayerID: "p2", Type: "session_finished", Severity: "info", CreatedAt: base},
		{ID: "n4", PlayerID: "", Type: "maintenance", Severity: "info", CreatedAt: base.Add(2 * time.Minute)},
	}
	if err := store.InsertNotifications(ctx, batch); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	got, err := store.NotificationsForPlayer(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	// p1's own two plus the broadcast, newest first.
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3", len(got))
	}
	if got[0].ID != "n4" || got[1].ID != "n2" {
		t.Errorf("order = %s, %s; want n4, n2 (newest first)", got[0].ID, got[1].ID)
	}

	if err := store.MarkNotificationRead(ctx, "n2"); err != nil {
		t.Fatalf("marking read: %v", err)
	}
	if err := store.MarkNotificationRead(ctx, "ghost"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unknown id", err)
	}

	got, _ = store.NotificationsForPlayer(ctx, "p1", 10)
	for _, n := range got {
		if n.ID == "n2" && !n.Read {
			t.Error("n2 should be read")
		}
	}

	pruned, err := store.PruneNotifications(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2 (n1 and n3)", pruned)
	}
}

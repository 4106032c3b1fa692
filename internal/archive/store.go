// Package archive persists terminal sessions, their event logs, fairness
// analyses, settlements and notifications. Live session state stays in the
// in-memory registry; a session reaches the archive only once it is
// finished or cancelled.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playversus/arena/internal/game"
)

// ErrNotFound mirrors the registry's sentinel so callers handle a missing
// session the same way on either side of the archive boundary.
var ErrNotFound = game.ErrNotFound

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ArchiveSession writes a terminal session and its full event log in one
// transaction. Archiving twice is a no-op.
func (s *Store) ArchiveSession(ctx context.Context, sess game.Session) error {
	if !sess.State.Terminal() {
		return fmt.Errorf("refusing to archive session %s in state %s", sess.ID, sess.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive tx: %w", err)
	}
	defer tx.Rollback()

	players, _ := json.Marshal(sess.Players)
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions
			(id, game_type, state, winner, pot, min_players, max_players,
			 stake_min, stake_max, players, created_at, started_at, ended_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, string(sess.Type), string(sess.State), sess.Winner, sess.Pot,
		sess.MinPlayers, sess.MaxPlayers, sess.Stake.Min, sess.Stake.Max, string(players),
		sess.CreatedAt, nullTime(sess.StartedAt), nullTime(sess.EndedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already archived
	}

	for _, ev := range sess.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO action_events (session_id, seq, type, actor, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sess.ID, ev.Sequence, string(ev.Type), ev.Actor, string(ev.Payload), ev.Timestamp); err != nil {
			return fmt.Errorf("inserting event %d: %w", ev.Sequence, err)
		}
	}

	for _, a := range sess.Analyses {
		providers, _ := json.Marshal(a.Providers)
		flags, _ := json.Marshal(a.Flags)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analyses (id, session_id, player_id, consensus, confidence, providers, flags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.SessionID, a.PlayerID, a.Consensus, a.Confidence, string(providers), string(flags), a.CreatedAt); err != nil {
			return fmt.Errorf("inserting analysis %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// Session rehydrates an archived session for audit and replay.
func (s *Store) Session(ctx context.Context, id string) (game.Session, error) {
	var (
		sess      game.Session
		players   string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, game_type, state, winner, pot, min_players, max_players,
		       stake_min, stake_max, players, created_at, started_at, ended_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Type, &sess.State, &sess.Winner, &sess.Pot,
		&sess.MinPlayers, &sess.MaxPlayers, &sess.Stake.Min, &sess.Stake.Max,
		&players, &sess.CreatedAt, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Session{}, ErrNotFound
	}
	if err != nil {
		return game.Session{}, err
	}
	if err := json.Unmarshal([]byte(players), &sess.Players); err != nil {
		return game.Session{}, fmt.Errorf("decoding players: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, actor, payload, created_at
		FROM action_events WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return game.Session{}, err
	}
	defer rows.Close()
	for rows.Next() {
		ev := game.ActionEvent{SessionID: id}
		var payload string
		if err := rows.Scan(&ev.Sequence, &ev.Type, &ev.Actor, &payload, &ev.Timestamp); err != nil {
			return game.Session{}, err
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		sess.Events = append(sess.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return game.Session{}, err
	}

	analyses, err := s.analysesFor(ctx, id)
	if err != nil {
		return game.Session{}, err
	}
	sess.Analyses = analyses

	sess.NextSeq = uint64(len(sess.Events)) + 1
	return sess, nil
}

func (s *Store) analysesFor(ctx context.Context, sessionID string) ([]game.Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player_id, consensus, confidence, providers, flags, created_at
		FROM analyses WHERE session_id = ? ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Analysis
	for rows.Next() {
		a := game.Analysis{SessionID: sessionID}
		var providers, flags string
		if err := rows.Scan(&a.ID, &a.PlayerID, &a.Consensus, &a.Confidence, &providers, &flags, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(providers), &a.Providers); err != nil {
			return nil, fmt.Errorf("decoding analysis providers: %w", err)
		}
		if err := json.Unmarshal([]byte(flags), &a.Flags); err != nil {
			return nil, fmt.Errorf("decoding analysis flags: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SettlementTxRef returns the recorded transaction reference for a session,
// or "" when none exists. Implements the ledger adapter's idempotency
// backstop.
func (s *Store) SettlementTxRef(ctx context.Context, sessionID string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_ref FROM settlements WHERE session_id = ?`, sessionID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ref, err
}

// RecordSettlement stores a committed transaction reference. The session_id
// primary key makes double-recording harmless.
func (s *Store) RecordSettlement(ctx context.Context, sessionID, txRef string, outcomes []game.Outcome) error {
	raw, _ := json.Marshal(outcomes)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlements (session_id, tx_ref, outcomes, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, txRef, string(raw), time.Now().UTC())
	return err
}

// InsertNotifications batch-writes notifications.
func (s *Store) InsertNotifications(ctx context.Context, batch []game.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, n := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, player_id, type, severity, payload, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n.ID, n.PlayerID, n.Type, n.Severity, string(n.Payload), n.Read, n.CreatedAt); err != nil {
			return fmt.Errorf("inserting notification %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// NotificationsForPlayer lists a player's notifications plus broadcasts,
// newest first.
func (s *Store) NotificationsForPlayer(ctx context.Context, playerID string, limit int) ([]game.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player_id, type, severity, payload, is_read, created_at
		FROM notifications
		WHERE player_id = ? OR player_id = ''
		ORDER BY created_at DESC
		LIMIT ?
	`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Notification
	for rows.Next() {
		var (
			n       game.Notification
			payload string
		)
		if err := rows.Scan(&n.ID, &n.PlayerID, &n.Type, &n.Severity, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			n.Payload = json.RawMessage(payload)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flips the read flag, the only mutation notifications
// ever see.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneNotifications deletes notifications older than the cutoff and
// reports how many were removed.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

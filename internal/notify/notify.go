// Package notify buffers player notifications and batch-writes them to the
// archive store, keeping the game path free of database latency.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/playversus/arena/internal/game"
)

// Store is the persistence surface the service needs; satisfied by
// *archive.Store.
type Store interface {
	InsertNotifications(ctx context.Context, batch []game.Notification) error
	NotificationsForPlayer(ctx context.Context, playerID string, limit int) ([]game.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
}

const (
	bufferSize    = 1024
	batchSize     = 50
	flushInterval = 500 * time.Millisecond
)

// Service implements game.Notifier. Push never blocks: notifications go
// through a buffered channel and a background batch writer; under overload
// the oldest guarantee sacrificed is delivery of a notification, never game
// throughput.
type Service struct {
	store     Store
	buffer    chan game.Notification
	retention time.Duration
	logger    *slog.Logger
}

func NewService(store Store, retention time.Duration, logger *slog.Logger) *Service {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Service{
		store:     store,
		buffer:    make(chan game.Notification, bufferSize),
		retention: retention,
		logger:    logger,
	}
}

// Push queues a notification for persistence.
func (s *Service) Push(n game.Notification) {
	select {
	case s.buffer <- n:
	default:
		s.logger.Warn("notification buffer full, dropping", "type", n.Type, "player_id", n.PlayerID)
	}
}

// Run drains the buffer in batches until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]game.Notification, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.InsertNotifications(context.WithoutCancel(ctx), batch); err != nil {
			s.logger.Error("writing notifications failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case n := <-s.buffer:
			batch = append(batch, n)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// ForPlayer lists a player's notifications, newest first.
func (s *Service) ForPlayer(ctx context.Context, playerID string, limit int) ([]game.Notification, error) {
	return s.store.NotificationsForPlayer(ctx, playerID, limit)
}

// MarkRead flips a notification's read flag.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkNotificationRead(ctx, id)
}

// Prune removes notifications past the retention window. Scheduled
// periodically by the job runner.
func (s *Service) Prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.PruneNotifications(ctx, cutoff)
	if err != nil {
		s.logger.Error("pruning notifications failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("notifications pruned", "count", n, "cutoff", cutoff)
	}
}

package fairness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/playversus/arena/internal/game"
	"github.com/playversus/arena/internal/metrics"
)

// Dispatcher runs scoring as detached tasks and feeds results back through
// the coordinator's mutation path. It implements game.FairnessRequester.
// A hung provider can therefore never block game actions: the session lock
// is released before scoring starts and reacquired only to apply the result.
type Dispatcher struct {
	scorer *Scorer
	apply  func(ctx context.Context, a game.Analysis) error
	window time.Duration
	met    *metrics.Metrics
	logger *slog.Logger
}

func NewDispatcher(scorer *Scorer, apply func(ctx context.Context, a game.Analysis) error, window time.Duration, met *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Dispatcher{scorer: scorer, apply: apply, window: window, met: met, logger: logger}
}

// ScoreAsync spawns the scoring run and returns immediately.
func (d *Dispatcher) ScoreAsync(s game.Session, playerID string) {
	go d.run(s, playerID)
}

func (d *Dispatcher) run(s game.Session, playerID string) {
	// Detached from the triggering request: scoring outlives it, but is
	// still bounded by the provider timeout plus slack.
	ctx, cancel := context.WithTimeout(context.Background(), d.scorer.cfg.ProviderTimeout+5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	req := Request{
		Session:  s,
		PlayerID: playerID,
		Window:   Window{From: now.Add(-d.window), To: now},
	}

	start := time.Now()
	a, err := d.scorer.Score(ctx, req)
	d.met.AnalysisLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrAnalysisUnavailable):
		// No signal. Play continues; never substitute a zero score.
		d.met.AnalysisRequests.WithLabelValues("unavailable").Inc()
		d.logger.Warn("fairness analysis unavailable", "session_id", s.ID, "player_id", playerID)
		return
	case err != nil:
		d.met.AnalysisRequests.WithLabelValues("error").Inc()
		d.met.ErrorsTotal.WithLabelValues("fairness").Inc()
		d.logger.Error("fairness scoring failed", "session_id", s.ID, "player_id", playerID, "error", err)
		return
	}

	d.met.AnalysisRequests.WithLabelValues("ok").Inc()
	if err := d.apply(ctx, a); err != nil {
		d.met.ErrorsTotal.WithLabelValues("fairness").Inc()
		d.logger.Error("applying fairness analysis failed", "session_id", s.ID, "player_id", playerID, "error", err)
	}
}

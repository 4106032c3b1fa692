package fairness

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playversus/arena/internal/game"
)

// ErrAnalysisUnavailable means no provider responded within the timeout.
// Callers must treat this as "no signal" — a fraud score is never defaulted
// to zero, so an outage can't mask fraud.
var ErrAnalysisUnavailable = errors.New("fairness analysis unavailable")

// Config tunes consensus behavior.
type Config struct {
	// ProviderTimeout bounds each provider call; a slow provider is excluded
	// and its weight renormalized across the rest.
	ProviderTimeout time.Duration
	// FlagThreshold is the consensus fraud score above which a flag is
	// considered.
	FlagThreshold float64
	// AgreementDelta is how close two providers' fraud scores must be for a
	// flag to stand; single-provider outliers are suppressed.
	AgreementDelta float64
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 5 * time.Second
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = 0.8
	}
	if c.AgreementDelta <= 0 {
		c.AgreementDelta = 0.15
	}
	return c
}

// Scorer fans a request out to every registered provider in parallel and
// folds the responses into one weighted consensus analysis.
type Scorer struct {
	providers []Provider
	cfg       Config
	logger    *slog.Logger

	now func() time.Time
}

func NewScorer(providers []Provider, cfg Config, logger *slog.Logger) *Scorer {
	return &Scorer{
		providers: providers,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Providers exposes the registered adapters for health checks.
func (sc *Scorer) Providers() []Provider { return sc.providers }

type providerReply struct {
	provider Provider
	result   Result
	latency  time.Duration
	err      error
}

// Score dispatches to all providers with a bounded per-provider timeout and
// combines the survivors. Zero responders yields ErrAnalysisUnavailable.
func (sc *Scorer) Score(ctx context.Context, req Request) (game.Analysis, error) {
	if len(sc.providers) == 0 {
		return game.Analysis{}, ErrAnalysisUnavailable
	}

	replies := make([]providerReply, len(sc.providers))
	var wg sync.WaitGroup
	for i, p := range sc.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, sc.cfg.ProviderTimeout)
			defer cancel()

			start := time.Now()
			res, err := p.Score(pctx, req)
			replies[i] = providerReply{provider: p, result: res, latency: time.Since(start), err: err}
		}(i, p)
	}
	wg.Wait()

	var (
		scores      []game.ProviderScore
		totalWeight float64
	)
	for _, rep := range replies {
		if rep.err != nil {
			sc.logger.Warn("fairness provider excluded",
				"provider", rep.provider.Name(), "error", rep.err, "latency_ms", rep.latency.Milliseconds())
			continue
		}
		scores = append(scores, game.ProviderScore{
			Provider:  rep.provider.Name(),
			Fraud:     clamp01(rep.result.Fraud),
			Skill:     clamp01(rep.result.Skill),
			Risk:      clamp01(rep.result.Risk),
			Weight:    rep.provider.Weight(),
			LatencyMS: rep.latency.Milliseconds(),
		})
		totalWeight += rep.provider.Weight()
	}

	if len(scores) == 0 || totalWeight <= 0 {
		return game.Analysis{}, ErrAnalysisUnavailable
	}

	// Weight-normalized mean over the providers that responded.
	var consensus float64
	for _, s := range scores {
		consensus += (s.Weight / totalWeight) * combinedDimension(s)
	}

	a := game.Analysis{
		ID:        uuid.NewString(),
		PlayerID:  req.PlayerID,
		SessionID: req.Session.ID,
		Providers: scores,
		Consensus: consensus,
		// Confidence is attenuated by the fraction of providers that
		// actually responded.
		Confidence: float64(len(scores)) / float64(len(sc.providers)),
		Flags:      sc.flags(consensus, scores),
		CreatedAt:  sc.now(),
	}
	return a, nil
}

// combinedDimension collapses a provider's fraud/risk dimensions into the
// value the consensus averages over.
func combinedDimension(s game.ProviderScore) float64 {
	return (s.Fraud + s.Risk) / 2
}

// flags raises anomaly tags only when the consensus crosses the threshold
// AND at least two providers agree within the delta. A single outlier never
// flags a player on its own.
func (sc *Scorer) flags(consensus float64, scores []game.ProviderScore) []string {
	if consensus <= sc.cfg.FlagThreshold {
		return nil
	}
	fraud := make([]float64, 0, len(scores))
	for _, s := range scores {
		fraud = append(fraud, s.Fraud)
	}
	sort.Float64s(fraud)
	agree := false
	for i := 1; i < len(fraud); i++ {
		if fraud[i]-fraud[i-1] <= sc.cfg.AgreementDelta {
			agree = true
			break
		}
	}
	if !agree {
		return nil
	}
	return []string{"high_fraud_consensus"}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

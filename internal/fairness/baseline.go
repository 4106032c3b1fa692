package fairness

import (
	"context"
	"math"
)

// BaselineProvider is the built-in statistical backend. It scores action
// velocity and inter-action timing regularity against human baselines, so
// the service keeps producing a signal when no external provider is
// configured or all of them are down.
type BaselineProvider struct {
	weight float64

	// Actions per second above which play looks automated.
	velocityCeiling float64
	// Coefficient of variation below which timing looks machine-regular.
	regularityFloor float64
}

func NewBaselineProvider(weight float64) *BaselineProvider {
	return &BaselineProvider{
		weight:          weight,
		velocityCeiling: 8,
		regularityFloor: 0.08,
	}
}

func (p *BaselineProvider) Name() string    { return "baseline" }
func (p *BaselineProvider) Weight() float64 { return p.weight }

// Check always succeeds; the baseline has no external dependency.
func (p *BaselineProvider) Check(ctx context.Context) error { return nil }

func (p *BaselineProvider) Score(ctx context.Context, req Request) (Result, error) {
	events := playerEvents(req.Session, req.PlayerID, req.Window)
	if len(events) < 2 {
		// Too little signal to call anyone a cheat.
		return Result{Fraud: 0.1, Skill: 0.5, Risk: 0.1}, nil
	}

	gaps := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		gaps = append(gaps, events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds())
	}

	span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
	velocity := float64(len(events)) / math.Max(span.Seconds(), 0.001)

	// Velocity factor: ramps from 0 at half the ceiling to 1 at 2x.
	velFactor := ramp(velocity, p.velocityCeiling/2, p.velocityCeiling*2)

	// Regularity factor: humans are noisy; near-constant gaps score high.
	mean, stddev := meanStddev(gaps)
	cv := 1.0
	if mean > 0 {
		cv = stddev / mean
	}
	regFactor := 1 - ramp(cv, p.regularityFloor, p.regularityFloor*4)

	fraud := 0.6*velFactor + 0.4*regFactor

	// Skill proxy: scoring rate relative to the table.
	skill := 0.5
	if i := req.Session.PlayerIndex(req.PlayerID); i >= 0 {
		total := 0
		for j := range req.Session.Players {
			total += req.Session.Players[j].Score
		}
		if total > 0 {
			skill = float64(req.Session.Players[i].Score) / float64(total)
		}
	}

	return Result{Fraud: fraud, Skill: skill, Risk: fraud * 0.8}, nil
}

// ramp maps v linearly onto [0,1] between lo and hi.
func ramp(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return math.Min(1, math.Max(0, (v-lo)/(hi-lo)))
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

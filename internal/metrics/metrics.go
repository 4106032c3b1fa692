// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/playversus/arena/internal/game"
)

// Metrics bundles every collector the service exports. Session and player
// gauges are sampled straight from the registry on scrape.
type Metrics struct {
	Registry *prometheus.Registry

	ActionsTotal     *prometheus.CounterVec
	ActionRejections *prometheus.CounterVec
	AnalysisRequests *prometheus.CounterVec
	AnalysisLatency  prometheus.Histogram
	Settlements      *prometheus.CounterVec
	SettlementRetry  prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
}

func New(sessions *game.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_actions_total",
			Help: "Accepted session actions by type.",
		}, []string{"type"}),
		ActionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_action_rejections_total",
			Help: "Rejected session actions by reason code.",
		}, []string{"reason"}),
		AnalysisRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_fairness_requests_total",
			Help: "Fairness scoring runs by result.",
		}, []string{"result"}),
		AnalysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_fairness_latency_seconds",
			Help:    "End-to-end fairness scoring latency.",
			Buckets: prometheus.DefBuckets,
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_settlements_total",
			Help: "Settled outcomes by result type.",
		}, []string{"result"}),
		SettlementRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_settlement_retries_total",
			Help: "Settlement commits retried after a ledger failure.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_errors_total",
			Help: "Internal errors by component.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.ActionsTotal,
		m.ActionRejections,
		m.AnalysisRequests,
		m.AnalysisLatency,
		m.Settlements,
		m.SettlementRetry,
		m.ErrorsTotal,
	)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_sessions_live",
		Help: "Sessions currently held in the registry.",
	}, func() float64 {
		live, _, _, _ := sessions.Counts()
		return float64(live)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_sessions_active",
		Help: "Sessions currently in the active state.",
	}, func() float64 {
		_, active, _, _ := sessions.Counts()
		return float64(active)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "arena_sessions_created_total",
		Help: "Sessions created since process start.",
	}, func() float64 {
		_, _, created, _ := sessions.Counts()
		return float64(created)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_players_connected",
		Help: "Players currently connected across live sessions.",
	}, func() float64 {
		connected, _ := sessions.PlayerCounts()
		return float64(connected)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arena_players_total",
		Help: "Players seated across live sessions, connected or not.",
	}, func() float64 {
		_, total := sessions.PlayerCounts()
		return float64(total)
	}))

	return m
}

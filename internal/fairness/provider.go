// Package fairness produces consensus fair-play scores for player activity
// by fanning out to independently configured provider adapters.
package fairness

import (
	"context"
	"time"

	"github.com/playversus/arena/internal/game"
)

// Window bounds the slice of session activity a score covers.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Request is the snapshot a provider scores against. Providers only ever see
// copies; scoring never holds the session lock.
type Request struct {
	Session  game.Session
	PlayerID string
	Window   Window
}

// Result is one provider's raw verdict. All dimensions are in [0, 1].
type Result struct {
	Fraud float64 `json:"fraud"`
	Skill float64 `json:"skill"`
	Risk  float64 `json:"risk"`
}

// Provider is a single fair-play scoring backend. Implementations are
// registered at startup; dispatch is plain interface calls, no reflection.
type Provider interface {
	Name() string
	Weight() float64
	Score(ctx context.Context, req Request) (Result, error)
	// Check reports provider reachability for the health endpoint.
	Check(ctx context.Context) error
}

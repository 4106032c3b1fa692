package fairness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/playversus/arena/internal/game"
)

// HTTPProvider scores via an external AI analysis endpoint. The endpoint
// receives a JSON snapshot of the player's recent activity and replies with
// fraud/skill/risk dimensions.
type HTTPProvider struct {
	name    string
	weight  float64
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL, token string, weight float64) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		weight:  weight,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Name() string    { return p.name }
func (p *HTTPProvider) Weight() float64 { return p.weight }

type scoreRequestBody struct {
	PlayerID  string             `json:"playerId"`
	SessionID string             `json:"sessionId"`
	GameType  game.GameType      `json:"gameType"`
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Events    []game.ActionEvent `json:"events"`
}

type scoreResponseBody struct {
	Fraud float64 `json:"fraud"`
	Skill float64 `json:"skill"`
	Risk  float64 `json:"risk"`
}

func (p *HTTPProvider) Score(ctx context.Context, req Request) (Result, error) {
	body := scoreRequestBody{
		PlayerID:  req.PlayerID,
		SessionID: req.Session.ID,
		GameType:  req.Session.Type,
		From:      req.Window.From,
		To:        req.Window.To,
		Events:    playerEvents(req.Session, req.PlayerID, req.Window),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("encoding score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/score", bytes.NewReader(buf))
	if err != nil {
		return Result{}, fmt.Errorf("building score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("calling provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("provider %s returned status %d: %s", p.name, resp.StatusCode, snippet)
	}

	var out scoreResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decoding provider %s response: %w", p.name, err)
	}
	return Result{Fraud: out.Fraud, Skill: out.Skill, Risk: out.Risk}, nil
}

// Check probes the provider's health route.
func (p *HTTPProvider) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider %s unhealthy: status %d", p.name, resp.StatusCode)
	}
	return nil
}

// playerEvents filters the session log down to the actor's events inside the
// window.
func playerEvents(s game.Session, playerID string, w Window) []game.ActionEvent {
	out := make([]game.ActionEvent, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Actor != playerID {
			continue
		}
		if !w.From.IsZero() && ev.Timestamp.Before(w.From) {
			continue
		}
		if !w.To.IsZero() && ev.Timestamp.After(w.To) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

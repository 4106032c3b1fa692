package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/playversus/arena/internal/game"
)

// CreateSessionRequest is the request body for POST /api/sessions.
type CreateSessionRequest struct {
	Type       string           `json:"type"`
	MinPlayers int              `json:"minPlayers"`
	MaxPlayers int              `json:"maxPlayers"`
	Stake      game.StakeBounds `json:"stake"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "invalid request body")
			return
		}

		s, err := deps.Coordinator.CreateSession(game.SessionConfig{
			Type:       game.GameType(req.Type),
			MinPlayers: req.MinPlayers,
			MaxPlayers: req.MaxPlayers,
			Stake:      req.Stake,
		})
		if err != nil {
			// The only create failures are config validation errors.
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, s)
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s, err := deps.Coordinator.Registry().Get(id)
		if errors.Is(err, game.ErrNotFound) && deps.Archive != nil {
			// Settled sessions move out of the live registry into the archive.
			s, err = deps.Archive.Session(r.Context(), id)
		}
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		writeJSON(w, http.StatusOK, s)
	}
}

// JoinSessionRequest is the request body for POST /api/sessions/{id}/join.
type JoinSessionRequest struct {
	PlayerID string `json:"playerId"`
	Wallet   string `json:"wallet"`
	Name     string `json:"name"`
	Stake    int64  `json:"stake"`
}

func handleJoinSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req JoinSessionRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "invalid request body")
			return
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Wallet == "" && req.Stake > 0 {
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "wallet is required when staking")
			return
		}

		s, err := deps.Coordinator.Join(r.Context(), id, game.JoinRequest{
			PlayerID: req.PlayerID,
			Wallet:   req.Wallet,
			Name:     req.Name,
			Stake:    req.Stake,
		})
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		deps.Metrics.ActionsTotal.WithLabelValues(string(game.ActionJoin)).Inc()
		writeJSON(w, http.StatusOK, s)
	}
}

// ActionRequest is the request body for POST /api/sessions/{id}/actions.
type ActionRequest struct {
	Type    string          `json:"type"`
	ActorID string          `json:"actorId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BetPayload is the payload for bet actions.
type BetPayload struct {
	Amount int64 `json:"amount"`
}

// dispatchAction routes an action envelope to the coordinator. Shared by the
// REST and WebSocket surfaces.
func dispatchAction(ctx context.Context, deps Deps, sessionID string, req ActionRequest) (game.Session, error) {
	if req.ActorID == "" {
		return game.Session{}, game.Reject(game.ReasonBadPayload)
	}

	switch game.ActionType(req.Type) {
	case game.ActionStart:
		return deps.Coordinator.Start(ctx, sessionID, req.ActorID)
	case game.ActionMove:
		return deps.Coordinator.Move(ctx, sessionID, req.ActorID, req.Payload)
	case game.ActionBet:
		var bet BetPayload
		if err := json.Unmarshal(req.Payload, &bet); err != nil || bet.Amount <= 0 {
			return game.Session{}, game.Reject(game.ReasonBadPayload)
		}
		return deps.Coordinator.Bet(ctx, sessionID, req.ActorID, bet.Amount)
	case game.ActionLeave:
		return deps.Coordinator.Leave(ctx, sessionID, req.ActorID)
	case game.ActionCancel:
		return deps.Coordinator.Cancel(ctx, sessionID, "cancelled by "+req.ActorID)
	default:
		return game.Session{}, game.Reject(game.ReasonBadPayload)
	}
}

func handleSessionAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req ActionRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "invalid request body")
			return
		}

		s, err := dispatchAction(r.Context(), deps, id, req)
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		deps.Metrics.ActionsTotal.WithLabelValues(req.Type).Inc()
		writeJSON(w, http.StatusOK, s)
	}
}

// AnalysesResponse is the response for GET /api/sessions/{id}/analyses.
type AnalysesResponse struct {
	SessionID string          `json:"sessionId"`
	Analyses  []game.Analysis `json:"analyses"`
}

func handleSessionAnalyses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s, err := deps.Coordinator.Registry().Get(id)
		if errors.Is(err, game.ErrNotFound) && deps.Archive != nil {
			s, err = deps.Archive.Session(r.Context(), id)
		}
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		analyses := s.Analyses
		if analyses == nil {
			analyses = []game.Analysis{}
		}
		writeJSON(w, http.StatusOK, AnalysesResponse{SessionID: s.ID, Analyses: analyses})
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/playversus/arena/internal/bus"
	"github.com/playversus/arena/internal/game"
)

const wsSessionTimeout = 4 * time.Hour

// handleSessionSocket streams a session to a client: one snapshot envelope on
// connect, then every accepted event in sequence order. Clients reconnecting
// after a drop pass ?after=<last seen sequence> to replay what they missed.
// Inbound messages are action envelopes dispatched to the coordinator.
func handleSessionSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		playerID := r.URL.Query().Get("player")

		snap, err := deps.Coordinator.Registry().Get(id)
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		after := snap.NextSeq - 1
		if raw := r.URL.Query().Get("after"); raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "after must be a sequence number")
				return
			}
			after = n
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			deps.Logger.Error("websocket accept failed", "session_id", id, "error", err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), wsSessionTimeout)
		defer cancel()

		if playerID != "" {
			deps.Coordinator.Touch(ctx, id, playerID, true)
			defer deps.Coordinator.Touch(context.WithoutCancel(ctx), id, playerID, false)
		}

		ch, replay, gap := deps.Bus.Subscribe(id, after)
		defer deps.Bus.Unsubscribe(id, ch)

		// Snapshot first. It carries the sequence of the last event already
		// applied, so the client knows where the tail begins. If the requested
		// replay fell off the history buffer the snapshot covers the gap.
		seq := snap.NextSeq - 1
		snapshot := bus.NewEnvelope("snapshot", snap)
		snapshot.Sequence = &seq
		if err := wsjson.Write(ctx, conn, snapshot); err != nil {
			return
		}
		if gap {
			deps.Logger.Debug("replay gap covered by snapshot", "session_id", id, "after", after)
		}
		for _, env := range replay {
			if env.Sequence != nil && *env.Sequence <= seq {
				continue
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}

		go readActions(ctx, conn, deps, id, playerID)

		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					// Dropped by the broker for falling behind.
					conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
					return
				}
				if err := wsjson.Write(ctx, conn, env); err != nil {
					return
				}
			}
		}
	}
}

// readActions drains inbound action envelopes until the connection closes.
// Rejections go back to the sender as error envelopes; accepted actions reach
// every subscriber through the event stream.
func readActions(ctx context.Context, conn *websocket.Conn, deps Deps, sessionID, playerID string) {
	for {
		var req ActionRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.ActorID == "" {
			req.ActorID = playerID
		}

		if _, err := dispatchAction(ctx, deps, sessionID, req); err != nil {
			code, ok := game.RejectionCode(err)
			if !ok {
				switch {
				case errors.Is(err, game.ErrNotFound):
					code = "session_not_found"
				case errors.Is(err, game.ErrConflict):
					code = "busy"
				default:
					code = "internal"
				}
			} else {
				deps.Metrics.ActionRejections.WithLabelValues(code).Inc()
			}
			env := bus.NewEnvelope("error", ErrorResponse{Error: err.Error(), Code: code})
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
			continue
		}

		deps.Metrics.ActionsTotal.WithLabelValues(req.Type).Inc()
		if playerID != "" {
			deps.Coordinator.Touch(ctx, sessionID, playerID, true)
		}
	}
}

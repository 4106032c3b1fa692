package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/playversus/arena/internal/game"
)

const (
	opsCookieName = "ops_session"
	opsSessionTTL = 12 * time.Hour
)

// opsSessions holds operator login tokens in memory. Operators are few and
// re-login after a restart is acceptable.
type opsSessions struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newOpsSessions() *opsSessions {
	return &opsSessions{tokens: make(map[string]time.Time)}
}

func (o *opsSessions) create() string {
	token := uuid.NewString()
	o.mu.Lock()
	o.tokens[token] = time.Now().Add(opsSessionTTL)
	o.mu.Unlock()
	return token
}

func (o *opsSessions) valid(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(o.tokens, token)
		return false
	}
	return true
}

func (o *opsSessions) revoke(token string) {
	o.mu.Lock()
	delete(o.tokens, token)
	o.mu.Unlock()
}

func opsAuthMiddleware(ops *opsSessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(opsCookieName)
			if err != nil || !ops.valid(cookie.Value) {
				writeError(w, http.StatusUnauthorized, "not_authenticated", "not authenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OpsLoginRequest is the request body for POST /api/ops/login.
type OpsLoginRequest struct {
	Password string `json:"password"`
}

func handleOpsLogin(deps Deps, ops *opsSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpsLoginRequest
		if err := readJSON(r, &req); err != nil || req.Password == "" {
			writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "password is required")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(deps.OpsPasswordHash), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     opsCookieName,
			Value:    ops.create(),
			Path:     "/",
			MaxAge:   int(opsSessionTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleOpsLogout(ops *opsSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(opsCookieName); err == nil && cookie.Value != "" {
			ops.revoke(cookie.Value)
		}

		http.SetCookie(w, &http.Cookie{
			Name:     opsCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// OpsSessionsResponse is the response for GET /api/ops/sessions.
type OpsSessionsResponse struct {
	Sessions []game.Session `json:"sessions"`
}

func handleOpsListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := deps.Coordinator.Registry().List()
		if list == nil {
			list = []game.Session{}
		}
		writeJSON(w, http.StatusOK, OpsSessionsResponse{Sessions: list})
	}
}

func handleOpsCancelSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s, err := deps.Coordinator.ForceCancel(r.Context(), id, "cancelled by operator")
		if err != nil {
			writeGameError(w, deps.Metrics, err)
			return
		}

		deps.Logger.Info("session cancelled by operator", "session_id", id)
		writeJSON(w, http.StatusOK, s)
	}
}

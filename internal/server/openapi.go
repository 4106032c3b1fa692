package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/playversus/arena/internal/game"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Arena API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Real-time multiplayer session coordinator with fair-play scoring.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Aggregate status of backend dependencies: healthy, degraded or unhealthy.")
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(HealthResponse{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// POST /api/sessions
	createSession, _ := r.NewOperationContext(http.MethodPost, "/api/sessions")
	createSession.SetSummary("Create session")
	createSession.SetDescription("Creates a session in the waiting state.")
	createSession.AddReqStructure(CreateSessionRequest{})
	createSession.AddRespStructure(game.Session{}, openapi.WithHTTPStatus(http.StatusCreated))
	createSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(createSession)

	// GET /api/sessions/{id}
	getSession, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{id}")
	getSession.SetSummary("Get session")
	getSession.SetDescription("Returns a live session, or an archived one after settlement.")
	getSession.AddRespStructure(game.Session{}, openapi.WithHTTPStatus(http.StatusOK))
	getSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getSession)

	// POST /api/sessions/{id}/join
	joinSession, _ := r.NewOperationContext(http.MethodPost, "/api/sessions/{id}/join")
	joinSession.SetSummary("Join session")
	joinSession.SetDescription("Adds a player to a waiting session after stake and balance checks.")
	joinSession.AddReqStructure(JoinSessionRequest{})
	joinSession.AddRespStructure(game.Session{}, openapi.WithHTTPStatus(http.StatusOK))
	joinSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	joinSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(joinSession)

	// POST /api/sessions/{id}/actions
	postAction, _ := r.NewOperationContext(http.MethodPost, "/api/sessions/{id}/actions")
	postAction.SetSummary("Submit action")
	postAction.SetDescription("Submits a start, move, bet, leave or cancel action. Accepted actions are sequence-numbered and broadcast to subscribers.")
	postAction.AddReqStructure(ActionRequest{})
	postAction.AddRespStructure(game.Session{}, openapi.WithHTTPStatus(http.StatusOK))
	postAction.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postAction.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(postAction)

	// GET /api/sessions/{id}/analyses
	getAnalyses, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{id}/analyses")
	getAnalyses.SetSummary("List fairness analyses")
	getAnalyses.SetDescription("Returns the fairness analyses recorded for a session.")
	getAnalyses.AddRespStructure(AnalysesResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getAnalyses.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getAnalyses)

	// GET /ws/sessions/{id}
	getSocket, _ := r.NewOperationContext(http.MethodGet, "/ws/sessions/{id}")
	getSocket.SetSummary("Session event stream")
	getSocket.SetDescription("Upgrades to a WebSocket. Sends a snapshot envelope, then every event in sequence order. Pass ?after=<sequence> to replay missed events and ?player=<id> to track presence.")
	getSocket.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("application/json"))
	_ = r.AddOperation(getSocket)

	// GET /api/players/{playerID}/notifications
	getNotifications, _ := r.NewOperationContext(http.MethodGet, "/api/players/{playerID}/notifications")
	getNotifications.SetSummary("List notifications")
	getNotifications.SetDescription("Returns a player's notifications, newest first.")
	getNotifications.AddRespStructure(NotificationsResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getNotifications)

	// POST /api/notifications/{id}/read
	readNotification, _ := r.NewOperationContext(http.MethodPost, "/api/notifications/{id}/read")
	readNotification.SetSummary("Mark notification read")
	readNotification.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	readNotification.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(readNotification)

	// POST /api/ops/login
	opsLogin, _ := r.NewOperationContext(http.MethodPost, "/api/ops/login")
	opsLogin.SetSummary("Operator login")
	opsLogin.SetDescription("Authenticate with the operator password. Sets ops_session cookie.")
	opsLogin.AddReqStructure(OpsLoginRequest{})
	opsLogin.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	opsLogin.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(opsLogin)

	// POST /api/ops/logout
	opsLogout, _ := r.NewOperationContext(http.MethodPost, "/api/ops/logout")
	opsLogout.SetSummary("Operator logout")
	opsLogout.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(opsLogout)

	// GET /api/ops/sessions
	opsSessions, _ := r.NewOperationContext(http.MethodGet, "/api/ops/sessions")
	opsSessions.SetSummary("List live sessions")
	opsSessions.SetDescription("Returns every session in the live registry. Requires ops_session cookie.")
	opsSessions.AddRespStructure(OpsSessionsResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	opsSessions.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(opsSessions)

	// POST /api/ops/sessions/{id}/cancel
	opsCancel, _ := r.NewOperationContext(http.MethodPost, "/api/ops/sessions/{id}/cancel")
	opsCancel.SetSummary("Force-cancel session")
	opsCancel.SetDescription("Cancels a session in any non-terminal state. Requires ops_session cookie.")
	opsCancel.AddRespStructure(game.Session{}, openapi.WithHTTPStatus(http.StatusOK))
	opsCancel.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	opsCancel.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(opsCancel)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

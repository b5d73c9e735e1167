package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/embed"
)

// API is the host-side HTTP surface: session lifecycle plus the two
// per-session endpoints the rendered UI itself uses (content and
// WebSocket).
type API struct {
	orch          *embed.Orchestrator
	hub           *Hub
	trustedOrigin string
	logger        *zap.Logger
}

// NewAPI creates the HTTP surface.
func NewAPI(orch *embed.Orchestrator, hub *Hub, trustedOrigin string, logger *zap.Logger) *API {
	return &API{
		orch:          orch,
		hub:           hub,
		trustedOrigin: trustedOrigin,
		logger:        logger,
	}
}

// Router builds the chi router. CORS is pinned to the trusted origin.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.trustedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/sessions", a.createSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/ui", a.serveUI)
		r.Get("/ws", a.serveWS)
		r.Delete("/", a.deleteSession)
	})
	return r
}

type createSessionRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	UIPath    string `json:"uiPath"`
	WSPath    string `json:"wsPath"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		http.Error(w, "tool is required", http.StatusBadRequest)
		return
	}

	handle, err := a.orch.LoadUI(r.Context(), req.Tool, req.Params)
	if err != nil {
		// Spec-load failures are fatal to this call; the caller must
		// retry explicitly.
		a.logger.Warn("ui load failed",
			zap.String("ui_tool", req.Tool),
			zap.Error(err),
		)
		http.Error(w, "ui load failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{
		SessionID: handle.SessionID,
		UIPath:    "/sessions/" + handle.SessionID + "/ui",
		WSPath:    "/sessions/" + handle.SessionID + "/ws",
	})
}

func (a *API) serveUI(w http.ResponseWriter, r *http.Request) {
	s := a.hub.Session(chi.URLParam(r, "sessionID"))
	if s == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// The page may not reach anything but its own session channel.
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; connect-src 'self'")
	_, _ = w.Write([]byte(s.HTML()))
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	s := a.hub.Session(chi.URLParam(r, "sessionID"))
	if s == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := a.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := s.attach(conn, r.Header.Get("Origin")); err != nil {
		a.logger.Warn("websocket attach rejected",
			zap.String("session_id", s.ID()),
			zap.Error(err),
		)
		_ = conn.Close()
	}
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	handle := a.orch.Handle(id)
	if handle == nil {
		http.NotFound(w, r)
		return
	}
	handle.Close()
	w.WriteHeader(http.StatusNoContent)
}

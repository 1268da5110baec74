package httpapi

import (
	"net/http"

	"github.com/codeck-dev/codeck/internal/auth"
	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/gateway"
)

// AuthHandler serves password, session, ticket, and upstream OAuth routes.
type AuthHandler struct {
	passwords *auth.PasswordManager
	sessions  *auth.SessionManager
	oauth     *auth.OAuthManager
}

func NewAuthHandler(passwords *auth.PasswordManager, sessions *auth.SessionManager, oauth *auth.OAuthManager) *AuthHandler {
	return &AuthHandler{passwords: passwords, sessions: sessions, oauth: oauth}
}

func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auth/status", h.status)
	mux.HandleFunc("POST /api/auth/setup", h.setup)
	mux.HandleFunc("POST /api/auth/login", h.login)
	mux.HandleFunc("POST /api/auth/logout", h.logout)
	mux.HandleFunc("GET /api/auth/sessions", h.listSessions)
	mux.HandleFunc("POST /api/auth/sessions/revoke", h.revokeSession)
	mux.HandleFunc("POST /api/auth/ws-ticket", h.wsTicket)
	mux.HandleFunc("POST /api/auth/oauth/start", h.oauthStart)
	mux.HandleFunc("POST /api/auth/oauth/code", h.oauthCode)
	mux.HandleFunc("POST /api/auth/oauth/cancel", h.oauthCancel)
	mux.HandleFunc("GET /api/auth/oauth/status", h.oauthStatus)
}

func (h *AuthHandler) status(w http.ResponseWriter, r *http.Request) {
	configured, err := h.passwords.Configured()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": configured})
}

type passwordRequest struct {
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

func (h *AuthHandler) setup(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.passwords.Setup(req.Password); err != nil {
		writeError(w, err)
		return
	}
	h.issue(w, r, req.DeviceID)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.passwords.Verify(req.Password, gateway.ClientIP(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.issue(w, r, req.DeviceID)
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, deviceID string) {
	sessionID, token, err := h.sessions.Issue(gateway.ClientIP(r.Context()), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "sessionId": sessionID})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.RevokeByToken(gateway.SessionToken(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AuthHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *AuthHandler) revokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Revoke(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// wsTicket mints a one-time WebSocket upgrade ticket from the caller's
// session so the long-lived token never lands in a URL.
func (h *AuthHandler) wsTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.sessions.IssueTicket(gateway.SessionToken(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

func (h *AuthHandler) oauthStart(w http.ResponseWriter, r *http.Request) {
	url, err := h.oauth.StartLogin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (h *AuthHandler) oauthCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Code == "" {
		writeError(w, errkind.New(errkind.Validation, "code is required"))
		return
	}
	if err := h.oauth.SendCode(r.Context(), req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (h *AuthHandler) oauthCancel(w http.ResponseWriter, r *http.Request) {
	h.oauth.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AuthHandler) oauthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         h.oauth.State().String(),
		"authenticated": h.oauth.Authenticated(),
	})
}

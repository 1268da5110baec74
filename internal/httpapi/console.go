package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/codeck-dev/codeck/internal/auth"
	"github.com/codeck-dev/codeck/internal/console"
	"github.com/codeck-dev/codeck/internal/errkind"
)

// createGuard bounds session creation so a slow PTY spawn fails here with a
// 500 instead of tripping an upstream proxy timeout.
const createGuard = 10 * time.Second

var htmlTags = regexp.MustCompile(`<[^>]*>`)

// ConsoleHandler serves PTY session management routes.
type ConsoleHandler struct {
	console *console.Manager
	oauth   *auth.OAuthManager
}

func NewConsoleHandler(consoleMgr *console.Manager, oauth *auth.OAuthManager) *ConsoleHandler {
	return &ConsoleHandler{console: consoleMgr, oauth: oauth}
}

func (h *ConsoleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/console/create", h.create)
	mux.HandleFunc("POST /api/console/create-shell", h.createShell)
	mux.HandleFunc("POST /api/console/resize", h.resize)
	mux.HandleFunc("POST /api/console/rename", h.rename)
	mux.HandleFunc("POST /api/console/destroy", h.destroy)
	mux.HandleFunc("GET /api/console/list", h.list)
}

type createRequest struct {
	Cwd            string `json:"cwd"`
	Resume         string `json:"resume"`
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

type sessionResponse struct {
	SessionID      string `json:"sessionId"`
	Kind           string `json:"kind"`
	Cwd            string `json:"cwd"`
	Name           string `json:"name"`
	CreatedAt      string `json:"createdAt"`
	ConversationID string `json:"conversationId,omitempty"`
	Exited         bool   `json:"exited"`
	ExitCode       int    `json:"exitCode,omitempty"`
}

func sessionView(s *console.Session) sessionResponse {
	exited, code := s.Exited()
	return sessionResponse{
		SessionID:      s.ID,
		Kind:           string(s.Kind),
		Cwd:            s.Cwd,
		Name:           s.DisplayName(),
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		ConversationID: s.ConversationID(),
		Exited:         exited,
		ExitCode:       code,
	}
}

func (h *ConsoleHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// Agent sessions need a working upstream credential.
	if !h.oauth.Authenticated() {
		writeError(w, errkind.New(errkind.Unauthorized, "upstream login required"))
		return
	}
	h.guarded(w, r, func(ctx context.Context) (*console.Session, error) {
		return h.console.CreateAgentSession(ctx, console.CreateOptions{
			Cwd:            req.Cwd,
			Resume:         console.ResumeMode(req.Resume),
			ConversationID: req.ConversationID,
			DisplayName:    req.Name,
		})
	})
}

func (h *ConsoleHandler) createShell(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.guarded(w, r, func(ctx context.Context) (*console.Session, error) {
		return h.console.CreateShellSession(ctx, console.CreateOptions{
			Cwd:         req.Cwd,
			DisplayName: req.Name,
		})
	})
}

// guarded runs create under the 10 s guard. On timeout the request fails
// with a 500 while the spawn keeps going in the background; a session that
// does come up is then discoverable via list.
func (h *ConsoleHandler) guarded(w http.ResponseWriter, r *http.Request, create func(context.Context) (*console.Session, error)) {
	type result struct {
		sess *console.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := create(context.WithoutCancel(r.Context()))
		done <- result{sess, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(res.sess))
	case <-time.After(createGuard):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "session create timed out"})
	}
}

func (h *ConsoleHandler) resize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Cols      int    `json:"cols"`
		Rows      int    `json:"rows"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.console.Get(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	sess.SetPreferredSize(req.Cols, req.Rows)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *ConsoleHandler) rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := strings.TrimSpace(htmlTags.ReplaceAllString(req.Name, ""))
	if len(name) < 1 || len(name) > 200 {
		writeError(w, errkind.New(errkind.Validation, "name must be 1-200 characters"))
		return
	}
	if err := h.console.Rename(req.SessionID, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name})
}

func (h *ConsoleHandler) destroy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.console.Destroy(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *ConsoleHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions := h.console.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

package httpapi

import (
	"net/http"

	"github.com/codeck-dev/codeck/internal/agents"
)

// AgentsHandler serves proactive-agent CRUD and lifecycle routes.
type AgentsHandler struct {
	sched *agents.Scheduler
	store *agents.Store
}

func NewAgentsHandler(sched *agents.Scheduler, store *agents.Store) *AgentsHandler {
	return &AgentsHandler{sched: sched, store: store}
}

func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.list)
	mux.HandleFunc("POST /api/agents", h.create)
	mux.HandleFunc("GET /api/agents/{id}", h.get)
	mux.HandleFunc("PUT /api/agents/{id}", h.update)
	mux.HandleFunc("DELETE /api/agents/{id}", h.remove)
	mux.HandleFunc("POST /api/agents/{id}/pause", h.pause)
	mux.HandleFunc("POST /api/agents/{id}/resume", h.resume)
	mux.HandleFunc("POST /api/agents/{id}/trigger", h.trigger)
	mux.HandleFunc("GET /api/agents/{id}/executions", h.executions)
}

func (h *AgentsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.List())
}

func (h *AgentsHandler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.sched.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *AgentsHandler) create(w http.ResponseWriter, r *http.Request) {
	var cfg agents.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.sched.Create(&cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *AgentsHandler) update(w http.ResponseWriter, r *http.Request) {
	var cfg agents.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.sched.Update(r.PathValue("id"), &cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *AgentsHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AgentsHandler) pause(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Pause(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AgentsHandler) resume(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Resume(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AgentsHandler) trigger(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Trigger(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *AgentsHandler) executions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sched.Get(id); err != nil {
		writeError(w, err)
		return
	}
	execs, err := h.store.ListExecutions(id, 20)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

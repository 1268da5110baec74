package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/index"
	"github.com/codeck-dev/codeck/internal/memory"
)

// MemoryHandler serves memory read/append and index search routes.
type MemoryHandler struct {
	store   *memory.Store
	flusher *memory.Flusher
	indexer *index.Indexer
}

func NewMemoryHandler(store *memory.Store, flusher *memory.Flusher, indexer *index.Indexer) *MemoryHandler {
	return &MemoryHandler{store: store, flusher: flusher, indexer: indexer}
}

func (h *MemoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/memory/read", h.read)
	mux.HandleFunc("POST /api/memory/append", h.append)
	mux.HandleFunc("POST /api/memory/decision", h.decision)
	mux.HandleFunc("POST /api/memory/flush", h.flush)
	mux.HandleFunc("GET /api/index/search", h.search)
	mux.HandleFunc("GET /api/index/stats", h.stats)
}

// read returns durable memory, or a daily note when date is given. An empty
// scope reads the global scope.
func (h *MemoryHandler) read(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	date := r.URL.Query().Get("date")

	var content string
	var err error
	if date != "" {
		var day time.Time
		day, err = time.Parse("2006-01-02", date)
		if err != nil {
			writeError(w, errkind.New(errkind.Validation, "date must be YYYY-MM-DD"))
			return
		}
		content, err = h.store.ReadDaily(scope, day)
	} else {
		content, err = h.store.ReadDurable(scope)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "content": content})
}

type memoryWriteRequest struct {
	Scope   string `json:"scope"`
	Cwd     string `json:"cwd"`
	Content string `json:"content"`
	Durable bool   `json:"durable"`
	Slug    string `json:"slug"`
}

// resolveScope maps an explicit scope or a cwd to the target scope; both
// empty means global.
func (h *MemoryHandler) resolveScope(req *memoryWriteRequest) (string, error) {
	if req.Scope != "" || req.Cwd == "" {
		return req.Scope, nil
	}
	return h.store.ResolveScope(req.Cwd)
}

func (h *MemoryHandler) append(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, errkind.New(errkind.Validation, "content is required"))
		return
	}
	scope, err := h.resolveScope(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Durable {
		existing, err := h.store.ReadDurable(scope)
		if err != nil {
			writeError(w, err)
			return
		}
		if existing != "" {
			existing += "\n"
		}
		err = h.store.WriteDurable(scope, existing+req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
	} else if err := h.store.AppendDaily(scope, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope})
}

func (h *MemoryHandler) decision(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, errkind.New(errkind.Validation, "content is required"))
		return
	}
	scope, err := h.resolveScope(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := h.store.AddDecision(scope, req.Slug, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "path": path})
}

func (h *MemoryHandler) flush(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, errkind.New(errkind.Validation, "content is required"))
		return
	}
	scope, err := h.resolveScope(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.flusher.Flush(scope, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope})
}

func (h *MemoryHandler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, errkind.New(errkind.Validation, "q is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	var types []string
	if t, ok := q["type"]; ok {
		types = t
	}
	hits, err := h.indexer.Search(r.Context(), query, types, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (h *MemoryHandler) stats(w http.ResponseWriter, r *http.Request) {
	files, chunks, err := h.indexer.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "chunks": chunks})
}

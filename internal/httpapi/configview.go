package httpapi

import (
	"net/http"

	"github.com/codeck-dev/codeck/internal/config"
)

// ConfigHandler serves the running configuration with secrets masked.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

func (h *ConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", h.get)
}

func (h *ConfigHandler) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.MaskedCopy())
}

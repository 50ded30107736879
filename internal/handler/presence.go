package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/evently/messaging/internal/presence"
)

type PresenceHandler struct {
	store *presence.Store
}

func NewPresenceHandler(store *presence.Store) *PresenceHandler {
	return &PresenceHandler{store: store}
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status, err := h.store.Status(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Status: string(status)})
}

// Bulk answers presence for ?ids=a,b,c in one round trip.
func (h *PresenceHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	ids := strings.Split(raw, ",")
	if len(ids) > 200 {
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}
	statuses, err := h.store.BulkStatus(r.Context(), ids)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]presenceResponse, 0, len(statuses))
	for uid, st := range statuses {
		out = append(out, presenceResponse{UserID: uid, Status: string(st)})
	}
	writeJSON(w, http.StatusOK, out)
}

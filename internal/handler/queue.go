package handler

import (
	"net/http"

	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/repository"
)

// QueueHandler exposes the offline queue's failed entries for inspection.
// Exhausted deliveries are kept, never dropped; this is where operators see
// them.
type QueueHandler struct {
	repo *repository.QueueRepository
}

func NewQueueHandler(repo *repository.QueueRepository) *QueueHandler {
	return &QueueHandler{repo: repo}
}

func (h *QueueHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)
	entries, err := h.repo.ListFailed(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.OfflineQueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

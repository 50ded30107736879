package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evently/messaging/internal/middleware"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/service"
)

// ThreadHandler is the REST surface over the thread/message core. The
// WebSocket gateway is the primary transport; REST covers history loads
// and clients without a socket.
type ThreadHandler struct {
	svc *service.MessageService
}

func NewThreadHandler(svc *service.MessageService) *ThreadHandler {
	return &ThreadHandler{svc: svc}
}

type OpenThreadRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
}

func (h *ThreadHandler) OpenThread(w http.ResponseWriter, r *http.Request) {
	var req OpenThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	t, err := h.svc.OpenThread(r.Context(), userID, req.RecipientIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	threads, err := h.svc.Threads(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	t, err := h.svc.Thread(r.Context(), userID, chi.URLParam(r, "threadID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *ThreadHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	messages, err := h.svc.ThreadMessages(r.Context(), userID, chi.URLParam(r, "threadID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type SendMessageRequest struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

func (h *ThreadHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	m, err := h.svc.SendMessage(r.Context(), userID, service.SendInput{
		ThreadID:    chi.URLParam(r, "threadID"),
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *ThreadHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	m, err := h.svc.EditMessage(r.Context(), userID, chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ThreadHandler) MessageHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	history, err := h.svc.MessageEditHistory(r.Context(), userID, chi.URLParam(r, "messageID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if history == nil {
		history = []model.EditRevision{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *ThreadHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.DeleteMessage(r.Context(), userID, chi.URLParam(r, "messageID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThreadHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.MarkRead(r.Context(), userID, chi.URLParam(r, "threadID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PinThreadRequest struct {
	Pinned bool `json:"pinned"`
}

func (h *ThreadHandler) PinThread(w http.ResponseWriter, r *http.Request) {
	var req PinThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.PinThread(r.Context(), userID, chi.URLParam(r, "threadID"), req.Pinned); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MuteThreadRequest struct {
	Until *time.Time `json:"until"`
}

func (h *ThreadHandler) MuteThread(w http.ResponseWriter, r *http.Request) {
	var req MuteThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.MuteThread(r.Context(), userID, chi.URLParam(r, "threadID"), req.Until); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThreadHandler) ArchiveThread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.ArchiveThread(r.Context(), userID, chi.URLParam(r, "threadID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

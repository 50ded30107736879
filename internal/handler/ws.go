package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/middleware"
	"github.com/evently/messaging/internal/ws"
)

type WSHandler struct {
	gw             *ws.Gateway
	allowedOrigins string
}

// NewWSHandler creates the WebSocket upgrade handler. allowedOrigins uses
// the CORS format (comma-separated or "*").
func NewWSHandler(gw *ws.Gateway, allowedOrigins string) *WSHandler {
	return &WSHandler{gw: gw, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	deviceInfo := r.URL.Query().Get("device")
	if deviceInfo == "" {
		deviceInfo = r.UserAgent()
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.gw, conn, userID, deviceInfo)
	client.Start(ctx, cancel)
	h.gw.Register(client)
}

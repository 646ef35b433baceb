package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// wsTransport carries JSON text frames over a websocket
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.ws.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, fmt.Errorf("delivery: read: %w", err)
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	if err := t.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("delivery: write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	if reason == "" {
		return t.ws.Close(websocket.StatusNormalClosure, "")
	}
	return t.ws.Close(websocket.StatusPolicyViolation, reason)
}

// Handler upgrades HTTP requests to websocket connections served by a hub
type Handler struct {
	hub       *Hub
	readLimit int64
	accept    *websocket.AcceptOptions
	log       *slog.Logger
}

// NewHandler creates the websocket endpoint. readLimit caps a single frame.
func NewHandler(hub *Hub, readLimit int64, accept *websocket.AcceptOptions) *Handler {
	return &Handler{hub: hub, readLimit: readLimit, accept: accept, log: hub.log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.CloseNow()
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	err = h.hub.Serve(r.Context(), &wsTransport{ws: ws})
	switch {
	case err == nil:
	case errors.Is(err, ErrHubClosed):
		ws.Close(websocket.StatusGoingAway, "relay shutting down")
	default:
		h.log.Debug("connection ended", "remote", r.RemoteAddr, "error", err)
	}
}

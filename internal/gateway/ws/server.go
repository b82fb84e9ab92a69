// Package ws implements the WebSocket event stream. Clients connect,
// optionally scoped to one task, and receive session, process, and
// browser lifecycle events as JSON messages.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/boma/internal/events"
)

const pingInterval = 30 * time.Second

// Server streams hub events to connected WebSocket clients.
type Server struct {
	hub    *events.Hub
	token  string // Optional bearer token. Empty = no auth.
	logger *slog.Logger
}

// NewServer creates an event stream server over the given hub.
func NewServer(hub *events.Hub, token string, logger *slog.Logger) *Server {
	return &Server{
		hub:    hub,
		token:  token,
		logger: logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Empty = all tasks.
	taskFilter := r.URL.Query().Get("task_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"boma-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, taskFilter)
}

// stream delivers events until the client disconnects or the context ends.
// The connection is write-only; CloseRead surfaces client-side closes.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, taskFilter string) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx = conn.CloseRead(ctx)

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	s.logger.Info("event stream client connected",
		slog.String("task_filter", taskFilter),
	)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream client disconnected")
			return

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("event stream ping failed", slog.String("error", err.Error()))
				return
			}

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if taskFilter != "" && ev.TaskID != taskFilter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				s.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

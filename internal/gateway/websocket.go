// Package gateway exposes the fan-out hub to browsers over websockets.
//
// Each upgraded connection is registered with the hub under a fresh id. The
// handler goroutine owns all reads; all data frames are written by the hub's
// pump for that connection, and keepalive pings go through WriteControl,
// which gorilla/websocket allows concurrently with other writes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"eventrelay/internal/fanout"
	"eventrelay/internal/types"
)

// Client frame types.
const (
	ClientAuthenticate = "authenticate"
	ClientJoinRoom     = "join_room"
	ClientLeaveRoom    = "leave_room"
	ClientPing         = "ping"
)

// Hub is the subset of fanout.Hub the gateway drives.
type Hub interface {
	Register(connID string, sender fanout.Sender) error
	Authenticate(ctx context.Context, connID, token string) (string, bool)
	JoinRoom(ctx context.Context, connID, roomID string) bool
	LeaveRoom(connID, roomID string)
	SendFrame(connID string, f fanout.Frame) error
	Disconnect(connID string)
}

// Config tunes websocket connections.
type Config struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Room  string `json:"room,omitempty"`
}

// Handler upgrades GET /ws requests and runs the client protocol.
type Handler struct {
	hub      Hub
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a websocket Handler.
func NewHandler(hub Hub, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4096
	}
	h := &Handler{hub: hub, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away or the hub drops it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	sender := &wsSender{conn: ws, writeTimeout: h.cfg.WriteTimeout}
	if err := h.hub.Register(connID, sender); err != nil {
		h.logger.WarnContext(r.Context(), "hub refused connection", "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer h.hub.Disconnect(connID)

	log := h.logger.With("connection_id", connID)
	log.DebugContext(r.Context(), "websocket connected", "remote_addr", r.RemoteAddr)

	ctx := r.Context()
	if token := bearerToken(r); token != "" {
		identity, ok := h.hub.Authenticate(ctx, connID, token)
		if !ok {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
		h.send(connID, fanout.Frame{Type: fanout.FrameAuthenticated, Identity: identity})
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepalive(ws, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.InfoContext(ctx, "websocket closed unexpectedly", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		h.handleFrame(ctx, connID, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, connID string, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		h.sendError(connID, types.ErrCodeValidationMalformedPayload, "frame is not valid JSON")
		return
	}

	switch f.Type {
	case ClientAuthenticate:
		h.authenticate(ctx, connID, f.Token)
	case ClientJoinRoom:
		if !h.hub.JoinRoom(ctx, connID, f.Room) {
			h.sendError(connID, types.ErrCodePermissionRoom, "cannot join room")
			return
		}
		h.send(connID, fanout.Frame{Type: fanout.FrameRoomJoined, Room: f.Room})
	case ClientLeaveRoom:
		h.hub.LeaveRoom(connID, f.Room)
		h.send(connID, fanout.Frame{Type: fanout.FrameRoomLeft, Room: f.Room})
	case ClientPing:
		h.send(connID, fanout.Frame{Type: fanout.FramePong})
	default:
		h.sendError(connID, types.ErrCodeValidationMalformedPayload, "unknown frame type")
	}
}

func (h *Handler) authenticate(ctx context.Context, connID, token string) {
	if token == "" {
		h.sendError(connID, types.ErrCodeAuthTokenMissing, "token is required")
		return
	}
	identity, ok := h.hub.Authenticate(ctx, connID, token)
	if !ok {
		h.sendError(connID, types.ErrCodeAuthTokenInvalid, "token rejected")
		return
	}
	h.send(connID, fanout.Frame{Type: fanout.FrameAuthenticated, Identity: identity})
}

func (h *Handler) send(connID string, f fanout.Frame) {
	if err := h.hub.SendFrame(connID, f); err != nil {
		h.logger.Debug("control frame not queued", "connection_id", connID, "type", f.Type, "error", err)
	}
}

func (h *Handler) sendError(connID string, code types.ErrorCode, msg string) {
	h.send(connID, fanout.Frame{Type: fanout.FrameError, Code: string(code), Message: msg})
}

// keepalive pings the client until stop is closed. A failed ping ends the
// loop; the read deadline then closes the connection.
func (h *Handler) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PongTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// bearerToken reads the credential from the Authorization header or, for
// browser clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// wsSender adapts a websocket connection to fanout.Sender.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSender) Send(msg []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsSender) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

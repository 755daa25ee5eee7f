// Package fanout delivers notifications to live client connections.
//
// The Hub keeps three registries: connections by id, the open connections of
// each authenticated identity (newest last), and room membership. Each registry has its
// own lock, and each connection has a lock guarding its identity, rooms and
// closed flag. Lock order is connection, then identities, then rooms. Lookups
// for delivery copy the target set and release every registry lock before
// anything is queued.
//
// Delivery is fire-and-forget: each connection owns a bounded outbox drained
// by its own pump goroutine, and a full outbox drops the message.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"eventrelay/internal/types"
)

// Sender writes one frame to a client. Send is only ever called from the
// connection's pump goroutine. Close must unblock a pending Send and is
// called once when the connection is disconnected.
type Sender interface {
	Send(msg []byte) error
	Close() error
}

// TokenValidator turns a connection credential into a user identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// RoomAuthorizer decides whether an identity may join a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, identity, roomID string) (bool, error)
}

// Metrics receives delivery outcomes.
type Metrics interface {
	RecordNotificationSent(kind types.NotificationKind, count int)
	RecordNotificationDropped(kind types.NotificationKind, reason string)
}

// Drop reasons reported to Metrics.
const (
	DropNoTarget   = "no_target"
	DropOutboxFull = "outbox_full"
	DropClosed     = "closed"
)

var (
	// ErrUnknownConnection is returned for operations on a connection id the
	// hub does not know.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrHubClosed is returned by Register after Close.
	ErrHubClosed = errors.New("hub is closed")
)

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Type         string              `json:"type"`
	Identity     string              `json:"identity,omitempty"`
	Room         string              `json:"room,omitempty"`
	Code         string              `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
}

// Frame types.
const (
	FrameNotification  = "notification"
	FrameAuthenticated = "authenticated"
	FrameRoomJoined    = "room_joined"
	FrameRoomLeft      = "room_left"
	FrameError         = "error"
	FramePong          = "pong"
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections   int   `json:"connections"`
	Authenticated int   `json:"authenticated"`
	Rooms         int   `json:"rooms"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
}

// Config tunes the hub.
type Config struct {
	// OutboxSize bounds the frames queued per connection.
	OutboxSize int
}

// Hub routes notifications to connections by identity or room.
type Hub struct {
	validator  TokenValidator
	authorizer RoomAuthorizer
	metrics    Metrics
	logger     *slog.Logger
	outboxSize int

	connMu sync.RWMutex
	conns  map[string]*conn
	closed bool

	identMu    sync.RWMutex
	identities map[string][]*conn

	roomsMu sync.RWMutex
	rooms   map[string]map[string]*conn

	delivered atomic.Int64
	dropped   atomic.Int64
	pumps     sync.WaitGroup
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(validator TokenValidator, authorizer RoomAuthorizer, metrics Metrics, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	return &Hub{
		validator:  validator,
		authorizer: authorizer,
		metrics:    metrics,
		logger:     logger,
		outboxSize: cfg.OutboxSize,
		conns:      make(map[string]*conn),
		identities: make(map[string][]*conn),
		rooms:      make(map[string]map[string]*conn),
	}
}

// Register adds a connection and starts its pump. Registering an id that is
// already present replaces (and disconnects) the earlier connection.
func (h *Hub) Register(connID string, sender Sender) error {
	c := newConn(connID, sender, h.outboxSize)

	h.connMu.Lock()
	if h.closed {
		h.connMu.Unlock()
		return ErrHubClosed
	}
	prev := h.conns[connID]
	h.conns[connID] = c
	// Counted under connMu so Close cannot start waiting before this pump
	// is accounted for.
	h.pumps.Add(1)
	h.connMu.Unlock()

	if prev != nil {
		h.teardown(prev)
	}

	go h.pump(c)
	h.logger.Debug("connection registered", "connection_id", connID)
	return nil
}

// Authenticate validates token and binds the resulting identity to the
// connection. The connection becomes the identity's delivery target; an
// earlier connection for the same identity stays open and takes over again
// if the newer one disconnects. Re-authenticating as a different identity
// drops every room membership.
func (h *Hub) Authenticate(ctx context.Context, connID, token string) (string, bool) {
	c := h.lookup(connID)
	if c == nil {
		return "", false
	}

	identity, err := h.validator.Validate(ctx, token)
	if err != nil || identity == "" {
		h.logger.InfoContext(ctx, "connection authentication failed", "connection_id", connID, "error", err)
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	if c.identity != "" && c.identity != identity {
		h.unbindIdentityLocked(c)
		h.leaveAllLocked(c)
	}
	c.identity = identity
	h.bindIdentityLocked(c)

	h.logger.InfoContext(ctx, "connection authenticated", "connection_id", connID, "identity", identity)
	return identity, true
}

// JoinRoom adds the connection to roomID if its identity is authorized.
// Authorization runs with no hub lock held; membership is only added if the
// connection is still open and still carries the identity that was checked.
func (h *Hub) JoinRoom(ctx context.Context, connID, roomID string) bool {
	c := h.lookup(connID)
	if c == nil || roomID == "" {
		return false
	}
	identity := c.currentIdentity()
	if identity == "" {
		return false
	}

	allowed, err := h.authorizer.AuthorizeRoom(ctx, identity, roomID)
	if err != nil {
		h.logger.WarnContext(ctx, "room authorization failed",
			"connection_id", connID,
			"identity", identity,
			"room", roomID,
			"error", err,
		)
		return false
	}
	if !allowed {
		h.logger.InfoContext(ctx, "room join denied", "connection_id", connID, "identity", identity, "room", roomID)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.identity != identity {
		return false
	}
	h.roomsMu.Lock()
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*conn)
		h.rooms[roomID] = members
	}
	members[c.id] = c
	h.roomsMu.Unlock()
	c.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes the connection from roomID. Leaving a room the
// connection never joined is a no-op.
func (h *Hub) LeaveRoom(connID, roomID string) {
	c := h.lookup(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	h.removeMember(roomID, c)
}

// Publish routes n by its address type.
func (h *Hub) Publish(n types.Notification) {
	switch n.AddressType {
	case types.AddressUser:
		h.DeliverToUser(n.AddressID, n)
	case types.AddressRoom:
		h.DeliverToRoom(n.AddressID, n)
	default:
		h.logger.Warn("notification with unknown address type dropped",
			"notification_id", n.ID,
			"address_type", string(n.AddressType),
		)
		h.drop(n.Kind, DropNoTarget)
	}
}

// DeliverToUser queues n for the identity's current connection. It returns
// false when the user is offline or the outbox is full; the notification is
// dropped either way.
func (h *Hub) DeliverToUser(identity string, n types.Notification) bool {
	var c *conn
	h.identMu.RLock()
	if bound := h.identities[identity]; len(bound) > 0 {
		c = bound[len(bound)-1]
	}
	h.identMu.RUnlock()

	if c == nil {
		h.logger.Debug("user offline, notification dropped", "identity", identity, "notification_id", n.ID)
		h.drop(n.Kind, DropNoTarget)
		return false
	}
	msg, ok := h.encode(n)
	if !ok {
		return false
	}
	return h.enqueue(c, n.Kind, msg) == 1
}

// DeliverToRoom queues n for every connection in the room and returns how
// many accepted it.
func (h *Hub) DeliverToRoom(roomID string, n types.Notification) int {
	h.roomsMu.RLock()
	members := make([]*conn, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.roomsMu.RUnlock()

	if len(members) == 0 {
		h.drop(n.Kind, DropNoTarget)
		return 0
	}
	msg, ok := h.encode(n)
	if !ok {
		return 0
	}
	sent := 0
	for _, c := range members {
		sent += h.enqueue(c, n.Kind, msg)
	}
	return sent
}

// SendFrame queues a control frame for one connection.
func (h *Hub) SendFrame(connID string, f Frame) error {
	c := h.lookup(connID)
	if c == nil {
		return ErrUnknownConnection
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if !c.offer(msg) {
		return errors.New("connection outbox unavailable")
	}
	return nil
}

// Disconnect removes the connection from every registry and stops its pump.
// It is safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.connMu.Lock()
	c := h.conns[connID]
	if c != nil {
		delete(h.conns, connID)
	}
	h.connMu.Unlock()
	if c != nil {
		h.teardown(c)
	}
}

// Stats returns current registry sizes and delivery counters.
func (h *Hub) Stats() Stats {
	h.connMu.RLock()
	conns := len(h.conns)
	h.connMu.RUnlock()
	h.identMu.RLock()
	idents := len(h.identities)
	h.identMu.RUnlock()
	h.roomsMu.RLock()
	rooms := len(h.rooms)
	h.roomsMu.RUnlock()

	return Stats{
		Connections:   conns,
		Authenticated: idents,
		Rooms:         rooms,
		Delivered:     h.delivered.Load(),
		Dropped:       h.dropped.Load(),
	}
}

// Close disconnects every connection and waits for all pumps to exit.
func (h *Hub) Close() {
	h.connMu.Lock()
	h.closed = true
	all := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		all = append(all, c)
		delete(h.conns, id)
	}
	h.connMu.Unlock()

	for _, c := range all {
		h.teardown(c)
	}
	h.pumps.Wait()
}

func (h *Hub) lookup(connID string) *conn {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return h.conns[connID]
}

// remove unregisters c if it is still the connection stored under its id.
func (h *Hub) remove(c *conn) {
	h.connMu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.connMu.Unlock()
	h.teardown(c)
}

// teardown closes c and unlinks it from the identity and room registries.
func (h *Hub) teardown(c *conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.outbox)
	h.unbindIdentityLocked(c)
	h.leaveAllLocked(c)
	c.mu.Unlock()

	if err := c.sender.Close(); err != nil {
		h.logger.Debug("sender close failed", "connection_id", c.id, "error", err)
	}
	h.logger.Debug("connection disconnected", "connection_id", c.id)
}

// bindIdentityLocked makes c the newest connection of its identity. Caller
// holds c.mu.
func (h *Hub) bindIdentityLocked(c *conn) {
	h.identMu.Lock()
	bound := slices.DeleteFunc(h.identities[c.identity], func(o *conn) bool { return o == c })
	h.identities[c.identity] = append(bound, c)
	h.identMu.Unlock()
}

// unbindIdentityLocked removes c from its identity's connections. If c was
// the delivery target, the next newest open connection takes over. Caller
// holds c.mu.
func (h *Hub) unbindIdentityLocked(c *conn) {
	if c.identity == "" {
		return
	}
	h.identMu.Lock()
	bound := slices.DeleteFunc(h.identities[c.identity], func(o *conn) bool { return o == c })
	if len(bound) == 0 {
		delete(h.identities, c.identity)
	} else {
		h.identities[c.identity] = bound
	}
	h.identMu.Unlock()
}

// leaveAllLocked drops every room membership of c. Caller holds c.mu.
func (h *Hub) leaveAllLocked(c *conn) {
	for roomID := range c.rooms {
		h.removeMember(roomID, c)
	}
	c.rooms = make(map[string]struct{})
}

func (h *Hub) removeMember(roomID string, c *conn) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	members := h.rooms[roomID]
	if members == nil {
		return
	}
	if members[c.id] == c {
		delete(members, c.id)
	}
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) encode(n types.Notification) ([]byte, bool) {
	msg, err := json.Marshal(Frame{Type: FrameNotification, Notification: &n})
	if err != nil {
		h.logger.Error("failed to encode notification", "notification_id", n.ID, "error", err)
		h.drop(n.Kind, "encode")
		return nil, false
	}
	return msg, true
}

func (h *Hub) enqueue(c *conn, kind types.NotificationKind, msg []byte) int {
	if c.offer(msg) {
		h.delivered.Add(1)
		if h.metrics != nil {
			h.metrics.RecordNotificationSent(kind, 1)
		}
		return 1
	}
	reason := DropOutboxFull
	if c.isClosed() {
		reason = DropClosed
	}
	h.logger.Warn("notification dropped", "connection_id", c.id, "reason", reason, "kind", string(kind))
	h.drop(kind, reason)
	return 0
}

func (h *Hub) drop(kind types.NotificationKind, reason string) {
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.RecordNotificationDropped(kind, reason)
	}
}

// pump drains the outbox to the sender. A send error tears the connection
// down; frames still queued after that are discarded.
func (h *Hub) pump(c *conn) {
	defer h.pumps.Done()
	for msg := range c.outbox {
		if c.isClosed() {
			continue
		}
		if err := c.sender.Send(msg); err != nil {
			h.logger.Info("send failed, disconnecting", "connection_id", c.id, "error", err)
			h.remove(c)
		}
	}
}

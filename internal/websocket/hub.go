package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/duplex"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// GroupPrefix is prepended to the id of every voice session group
	GroupPrefix = "voice_"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionFactory builds the duplex driver of a new connection
type SessionFactory func(group string, broadcaster duplex.Broadcaster) (*duplex.Driver, error)

// EventSubscription is an open subscription to a remote event stream
type EventSubscription interface {
	Events() <-chan duplex.Event
	Close() error
}

// EventRelay routes session events through an external bus, such as Redis
// pub/sub, instead of delivering them in process.
type EventRelay interface {
	duplex.Broadcaster
	Subscribe(ctx context.Context, group string) (EventSubscription, error)
}

// Hub maintains the set of active clients and broadcasts session events to them.
type Hub struct {
	// Registered clients, keyed by group.
	groups map[string]map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to groups map
	mu sync.RWMutex

	newSession SessionFactory
	relay      EventRelay
	validator  *MessageValidator

	logger *zap.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithEventRelay publishes events through relay and forwards the relayed events to local clients
func WithEventRelay(relay EventRelay) HubOption {
	return func(h *Hub) {
		h.relay = relay
	}
}

// NewHub creates a new WebSocket hub
func NewHub(newSession SessionFactory, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		groups:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		newSession: newSession,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			members, ok := h.groups[client.group]
			if !ok {
				members = make(map[*Client]struct{})
				h.groups[client.group] = members
			}
			members[client] = struct{}{}
			h.mu.Unlock()
			if client.registered != nil {
				close(client.registered)
			}
			h.logger.Info("Client registered", zap.String("group", client.group))

		case client := <-h.unregister:
			h.mu.Lock()
			if members, ok := h.groups[client.group]; ok {
				if _, ok := members[client]; ok {
					delete(members, client)
					close(client.send)
				}
				if len(members) == 0 {
					delete(h.groups, client.group)
				}
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("group", client.group))
		}
	}
}

// Publish implements duplex.Broadcaster by delivering event to every local client of group
func (h *Hub) Publish(ctx context.Context, group string, event duplex.Event) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	h.deliver(group, WriteData{Type: websocket.TextMessage, Payload: payload})
	return nil
}

func (h *Hub) deliver(group string, data WriteData) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.groups[group] {
		select {
		case client.send <- data:
		default:
			h.logger.Debug("Client send buffer full, dropping message", zap.String("group", group))
		}
	}
}

// registerClient returns once the client is a member of its group, so
// nothing it sends or receives afterwards can miss the group.
func (h *Hub) registerClient(client *Client) {
	client.registered = make(chan struct{})
	h.register <- client
	<-client.registered
}

// Clients returns a snapshot of every registered client
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var clients []*Client
	for _, members := range h.groups {
		for client := range members {
			clients = append(clients, client)
		}
	}
	return clients
}

// GroupSize returns the number of clients registered in group
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its duplex session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Broadcast group of this connection
	group string

	driver      *duplex.Driver
	connectedAt time.Time
	registered  chan struct{}
	closeOnce   sync.Once

	logger *zap.Logger
}

// NewGroupID returns a fresh broadcast group name
func NewGroupID() string {
	return GroupPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HandleVoice upgrades the request and starts a duplex voice session for it.
func HandleVoice(hub *Hub, c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	group := NewGroupID()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan WriteData, 256),
		group:       group,
		connectedAt: time.Now(),
		logger:      hub.logger.With(zap.String("group", group)),
	}

	var broadcaster duplex.Broadcaster = hub
	var subscription EventSubscription
	if hub.relay != nil {
		subscription, err = hub.relay.Subscribe(c.Request().Context(), group)
		if err != nil {
			client.logger.Error("Failed to subscribe to event relay", zap.Error(err))
			client.closeWithCode(websocket.CloseInternalServerErr, "event relay unavailable")
			return nil
		}
		broadcaster = hub.relay
	}

	driver, err := hub.newSession(group, broadcaster)
	if err != nil {
		client.logger.Error("Failed to create session", zap.Error(err))
		if subscription != nil {
			_ = subscription.Close()
		}
		client.closeWithCode(websocket.CloseInternalServerErr, "session unavailable")
		return nil
	}
	client.driver = driver

	hub.registerClient(client)

	if subscription != nil {
		go client.relayPump(subscription)
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go client.runSession()

	return nil
}

// runSession drives the duplex session and closes the connection when it ends
func (c *Client) runSession() {
	err := c.driver.Run(context.Background())
	switch {
	case err == nil, errors.Is(err, duplex.ErrStopped):
		c.closeWithCode(websocket.CloseNormalClosure, "session ended")
	default:
		c.logger.Error("Duplex session failed", zap.Error(err))
		c.sendJSON(CreateErrorMessage("session_failed", "voice session ended unexpectedly"))
		c.closeWithCode(websocket.CloseInternalServerErr, "session failed")
	}
}

// relayPump forwards events received from the relay to this client
func (c *Client) relayPump(subscription EventSubscription) {
	defer subscription.Close()

	for {
		select {
		case <-c.driver.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			payload, err := EncodeEvent(event)
			if err != nil {
				c.logger.Debug("Dropping relayed event", zap.Error(err))
				continue
			}
			c.hub.deliver(c.group, WriteData{Type: websocket.TextMessage, Payload: payload})
		}
	}
}

// readPump pumps audio from the websocket connection into the duplex session.
func (c *Client) readPump() {
	defer func() {
		c.driver.Stop()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.driver.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(ctx, message)
		case websocket.BinaryMessage:
			c.pushAudio(ctx, message, "")
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}
			if message.Type == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles a JSON message from the browser. Invalid messages are dropped.
func (c *Client) processMessage(ctx context.Context, message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Debug("Dropping invalid message", zap.Error(err))
		return
	}

	switch msg.Type {
	case MessageTypeAudio:
		pcm, err := DecodeAudio(msg)
		if err != nil {
			c.logger.Debug("Dropping malformed audio", zap.Error(err))
			return
		}
		c.pushAudio(ctx, pcm, msg.MIME)
	case MessageTypePing:
		c.sendJSON(CreatePongMessage())
	}
}

func (c *Client) pushAudio(ctx context.Context, pcm []byte, mimeType string) {
	err := c.driver.PushClientAudio(ctx, pcm, mimeType)
	switch {
	case err == nil:
	case errors.Is(err, duplex.ErrUnsupportedFormat):
		c.logger.Debug("Dropping unsupported audio", zap.String("mime", mimeType))
	case errors.Is(err, duplex.ErrStopped), errors.Is(err, context.Canceled):
	default:
		c.logger.Warn("Failed to push audio", zap.Error(err))
	}
}

// sendJSON queues a message for this client only
func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// enqueue reports whether data was queued; it fails once the client is unregistered
func (c *Client) enqueue(data WriteData) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.groups[c.group][c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeWithCode sends a close frame after any queued messages, then closes the connection.
// The frame is written directly when the write pump is no longer running.
func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		frame := websocket.FormatCloseMessage(code, reason)
		if c.enqueue(WriteData{Type: websocket.CloseMessage, Payload: frame}) {
			return
		}
		_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// Group returns the broadcast group of this client
func (c *Client) Group() string {
	return c.group
}

// LastActivity returns when the user last spoke, or when the client connected
func (c *Client) LastActivity() time.Time {
	last := c.driver.LastUserActivity()
	if last.Before(c.connectedAt) {
		return c.connectedAt
	}
	return last
}

// Disconnect stops the session; its final turns are flushed before the connection closes
func (c *Client) Disconnect(reason string) {
	c.logger.Info("Disconnecting client", zap.String("reason", reason))
	go c.driver.Stop()
}

// Done is closed once the client's session has fully drained
func (c *Client) Done() <-chan struct{} {
	return c.driver.Done()
}

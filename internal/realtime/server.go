// Package realtime is the WebSocket and REST edge of the hub. Clients
// subscribe to sessions and receive revision-tagged event streams;
// commands are routed to session actors and rejected fast when a
// session is gone, ended, or saturated.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sessionhub/internal/actor"
	"sessionhub/internal/hub"
	"sessionhub/internal/protocol"
	"sessionhub/internal/registry"
	"sessionhub/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	subscribeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients and the hub.
type Server struct {
	hub       *hub.Hub
	logger    *slog.Logger
	staticDir string

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// subscriptions tracks live event subscriptions per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptionsMu sync.Mutex
	subscriptions   map[*client]map[string]string

	// listSubs are clients that asked for session list updates.
	listSubsMu sync.RWMutex
	listSubs   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	server *Server

	// mu guards send against enqueues racing shutdown: forwarders for
	// this client may still be draining buffered events after the
	// connection is gone, and a send on a closed channel panics even
	// inside a select.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend enqueues without blocking. Drops the message when the client
// buffer is full or the client has shut down.
func (c *client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// shutdown stops the write pump. Idempotent; after it returns, trySend
// becomes a no-op.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// New creates a realtime server on top of a hub.
func New(h *hub.Hub, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:           h,
		logger:        logger,
		staticDir:     staticDir,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
		listSubs:      make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleEndSession)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.listSubsMu.Lock()
	delete(s.listSubs, c)
	s.listSubsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.hub.Unsubscribe(sessionID, subID)
	}

	c.shutdown()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeSessionCommand:
		s.handleWSCommand(c, msg)
	case protocol.TypeSessionSubscribe:
		s.handleWSSubscribe(c, msg)
	case protocol.TypeListSubscribe:
		s.handleWSListSubscribe(c)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	id, err := s.hub.CreateSession(context.Background(), hub.CreateRequest{
		ProjectPath:    payload.ProjectPath,
		Model:          payload.Model,
		Name:           payload.Name,
		ApprovalPolicy: session.ApprovalPolicy(payload.ApprovalPolicy),
		SandboxMode:    payload.SandboxMode,
	})
	if err != nil {
		code := protocol.ErrCreateFailed
		if errors.Is(err, hub.ErrMaxSessions) {
			code = protocol.ErrMaxSessions
		}
		s.sendError(c, code, err.Error(), "")
		return
	}

	s.sendMessage(c, protocol.TypeSessionCreated, protocol.SessionCreatedPayload{SessionID: id})
}

func (s *Server) handleWSCommand(c *client, msg *protocol.Message) {
	var payload protocol.SessionCommandPayload
	json.Unmarshal(msg.Payload, &payload)

	in, err := payload.ClientInput()
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), payload.SessionID)
		return
	}

	if err := s.hub.Send(payload.SessionID, in); err != nil {
		s.sendError(c, errorCode(err), err.Error(), payload.SessionID)
	}
}

// handleWSSubscribe attaches the client to a session's event stream:
// a replay batch when the requested revision is still buffered, a full
// snapshot otherwise, then live events until the subscriber lags or
// the session goes away.
func (s *Server) handleWSSubscribe(c *client, msg *protocol.Message) {
	var payload protocol.SessionSubscribePayload
	json.Unmarshal(msg.Payload, &payload)

	// Re-subscribing replaces the previous subscription.
	s.subscriptionsMu.Lock()
	prev, had := s.subscriptions[c][payload.SessionID]
	s.subscriptionsMu.Unlock()
	if had {
		s.hub.Unsubscribe(payload.SessionID, prev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sub, err := s.hub.Subscribe(ctx, payload.SessionID, payload.SinceRevision)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error(), payload.SessionID)
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		// Client already disconnected.
		s.subscriptionsMu.Unlock()
		s.hub.Unsubscribe(payload.SessionID, sub.ID)
		return
	}
	s.subscriptions[c][payload.SessionID] = sub.ID
	s.subscriptionsMu.Unlock()

	if sub.Snapshot != nil {
		s.sendMessage(c, protocol.TypeSessionSnapshot, protocol.SessionSnapshotPayload{
			SessionID: payload.SessionID,
			State:     *sub.Snapshot,
		})
	} else {
		s.sendMessage(c, protocol.TypeSessionEvents, protocol.SessionEventsPayload{
			SessionID: payload.SessionID,
			Events:    sub.Events,
		})
	}

	go s.forwardEvents(c, payload.SessionID, sub)
}

// forwardEvents relays live events to the client. A closed live
// channel means the subscriber was dropped for lagging (or the actor
// stopped); the client must resubscribe to resync.
func (s *Server) forwardEvents(c *client, sessionID string, sub actor.Subscription) {
	for ev := range sub.Live {
		s.sendMessage(c, protocol.TypeSessionEvents, protocol.SessionEventsPayload{
			SessionID: sessionID,
			Events:    []session.Event{ev},
		})
	}

	s.subscriptionsMu.Lock()
	current := false
	if subs := s.subscriptions[c]; subs != nil && subs[sessionID] == sub.ID {
		delete(subs, sessionID)
		current = true
	}
	s.subscriptionsMu.Unlock()

	if current {
		s.sendError(c, protocol.ErrResyncRequired, "event stream interrupted, resubscribe to resync", sessionID)
	}
}

func (s *Server) handleWSListSubscribe(c *client) {
	s.listSubsMu.Lock()
	s.listSubs[c] = true
	s.listSubsMu.Unlock()

	s.sendMessage(c, protocol.TypeListUpdate, protocol.ListUpdatePayload{Sessions: s.hub.List()})
}

// BroadcastList pushes the current session list to all list
// subscribers. Wire it to the hub's OnListChanged.
func (s *Server) BroadcastList() {
	payload := protocol.ListUpdatePayload{Sessions: s.hub.List()}
	msg, err := protocol.NewMessage(protocol.TypeListUpdate, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.listSubsMu.RLock()
	defer s.listSubsMu.RUnlock()
	for c := range s.listSubs {
		c.trySend(data)
	}
}

func (s *Server) sendMessage(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	msg, _ := protocol.NewErrorMessage(code, message, sessionID)
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

// errorCode maps routing errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, registry.ErrSessionEnded):
		return protocol.ErrSessionEnded
	case errors.Is(err, actor.ErrMailboxFull):
		return protocol.ErrSessionBusy
	case errors.Is(err, actor.ErrStopped):
		return protocol.ErrSessionNotFound
	default:
		return protocol.ErrInvalidMessage
	}
}

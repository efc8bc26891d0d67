// Package ws provides the websocket reference channel adapter. One Hub
// serves one configured channel: human participants connect over a
// websocket endpoint, workers join logically through the channel broker,
// and the hub relays frames both ways.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Frame is the wire format exchanged with websocket clients.
type Frame struct {
	Type        string            `json:"type"` // message, join, leave, session, status
	ChannelID   string            `json:"channel_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Sender      string            `json:"sender,omitempty"`
	Text        string            `json:"text,omitempty"`
	Status      string            `json:"status,omitempty"`
	Final       bool              `json:"final,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Frame types.
const (
	FrameMessage = "message"
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameSession = "session"
	FrameStatus  = "status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1 << 20
)

// Options configures a Hub.
type Options struct {
	Logger logging.Logger

	// CheckOrigin overrides the upgrader's origin policy. Nil keeps the
	// gorilla default (same origin).
	CheckOrigin func(r *http.Request) bool
}

// Hub is a websocket channel adapter. It satisfies core.ChannelAdapter and
// additionally exposes an http.Handler accepting client connections.
type Hub struct {
	cfg      core.ChannelConfig
	opts     Options
	logger   logging.Logger
	events   *bus.Channel[core.ChannelMessage]
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	workers  map[string]string // worker id -> display name
	sessions map[string]string // execution id -> status
	closed   bool
}

type conn struct {
	ws   *websocket.Conn
	send chan Frame
}

var _ core.ChannelAdapter = (*Hub)(nil)

// NewHub creates the adapter for one channel configuration.
func NewHub(cfg core.ChannelConfig, optFns ...func(o *Options)) *Hub {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &Hub{
		cfg:      cfg,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		events:   bus.NewChannel[core.ChannelMessage]("channel."+cfg.ID, bus.ModeInProcess),
		conns:    map[*conn]struct{}{},
		workers:  map[string]string{},
		sessions: map[string]string{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	return h
}

// Handler upgrades incoming requests to hub connections.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws, send: make(chan Frame, 64)}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = ws.Close()
			return
		}
		h.conns[c] = struct{}{}
		h.mu.Unlock()

		go h.writePump(c)
		h.readPump(c, senderID(r))
	})
}

func senderID(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return "anonymous"
}

func (h *Hub) readPump(c *conn, sender string) {
	defer h.drop(c)

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != FrameMessage {
			continue
		}
		msg := core.ChannelMessage{
			ChannelID:   h.cfg.ID,
			SenderID:    sender,
			MessageID:   frame.MessageID,
			Text:        frame.Text,
			ExecutionID: frame.ExecutionID,
			Data:        frame.Data,
		}
		if err := h.events.Publish(msg); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

// broadcast queues a frame on every connection, dropping slow ones.
func (h *Hub) broadcast(frame Frame) {
	frame.ChannelID = h.cfg.ID

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping slow websocket client", "channel_id", h.cfg.ID)
			h.drop(c)
		}
	}
}

// Message implements core.ChannelAdapter.
func (h *Hub) Message(_ context.Context, req core.MessageRequest) error {
	h.broadcast(Frame{
		Type:        FrameMessage,
		ExecutionID: req.ExecutionID,
		Sender:      req.WorkerID,
		Text:        req.Text,
		Final:       req.Final,
	})
	return nil
}

// Join implements core.ChannelAdapter. The credential token is validated for
// presence only; the hub itself is the trust boundary.
func (h *Hub) Join(_ context.Context, workerID string, credential core.Secret, displayName, executionID string) error {
	if credential.Token == "" {
		return fmt.Errorf("worker %s: empty channel credential", workerID)
	}
	h.mu.Lock()
	h.workers[workerID] = displayName
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameJoin, Sender: workerID, Text: displayName, ExecutionID: executionID})
	return nil
}

// Leave implements core.ChannelAdapter.
func (h *Hub) Leave(_ context.Context, workerID string) error {
	h.mu.Lock()
	delete(h.workers, workerID)
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameLeave, Sender: workerID})
	return nil
}

// EstablishSession implements core.ChannelAdapter.
func (h *Hub) EstablishSession(_ context.Context, executionID string, origin map[string]string) error {
	h.mu.Lock()
	h.sessions[executionID] = "open"
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameSession, ExecutionID: executionID, Status: "open", Data: origin})
	return nil
}

// HandOffSession implements core.ChannelAdapter. The conversation moves from
// one execution to another without the clients reconnecting.
func (h *Hub) HandOffSession(_ context.Context, fromID, toID string) error {
	h.mu.Lock()
	status, ok := h.sessions[fromID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no session for execution %s", fromID)
	}
	delete(h.sessions, fromID)
	h.sessions[toID] = status
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameSession, ExecutionID: toID, Status: "handed-off", Data: map[string]string{"from": fromID}})
	return nil
}

// SetSessionStatus implements core.ChannelAdapter.
func (h *Hub) SetSessionStatus(_ context.Context, executionID, status string) error {
	h.mu.Lock()
	if _, ok := h.sessions[executionID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("no session for execution %s", executionID)
	}
	h.sessions[executionID] = status
	h.mu.Unlock()

	h.broadcast(Frame{Type: FrameStatus, ExecutionID: executionID, Status: status})
	return nil
}

// CloseSession implements core.ChannelAdapter. Closing an unknown session is
// a no-op so teardown paths stay idempotent.
func (h *Hub) CloseSession(_ context.Context, executionID string) error {
	h.mu.Lock()
	_, ok := h.sessions[executionID]
	delete(h.sessions, executionID)
	h.mu.Unlock()

	if ok {
		h.broadcast(Frame{Type: FrameSession, ExecutionID: executionID, Status: "closed"})
	}
	return nil
}

// Events implements core.ChannelAdapter.
func (h *Hub) Events() *bus.Channel[core.ChannelMessage] { return h.events }

// Close terminates all client connections and the event feed. Satisfies the
// io.Closer teardown hook the channel broker checks for.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c)
	}
	h.events.Close()
	return nil
}

// Package dashboard broadcasts agent observability events to any number
// of connected browser/CLI observers over websocket, fed by
// internal/eventbus subscriptions rather than wired directly into the
// agent core.
//
// Grounded on the teacher's internal/web Hub: a map[*websocket.Conn]bool
// fan-out broadcaster drained off a buffered channel, generalised here
// to subscribe to NATS subjects instead of receiving direct Broadcast
// calls from request handlers.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/hailstorm-sh/hailstorm/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the JSON envelope pushed to every connected observer.
type Event struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans out observability events to connected websocket clients.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan Event
	mu        sync.RWMutex
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 256),
	}
}

// Run drains the broadcast channel and writes each event to every
// registered client until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues event for delivery, dropping it if the channel is
// full rather than blocking the caller.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("dashboard broadcast channel full, dropping event")
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Server exposes the Hub over a websocket endpoint and subscribes it to
// every observability subject published on the local event bus.
type Server struct {
	hub *Hub
	bus *eventbus.Client
}

// New constructs a dashboard Server fed by bus's events.TopicEventsAll.
func New(bus *eventbus.Client) (*Server, error) {
	s := &Server{hub: NewHub(), bus: bus}

	if _, err := bus.Subscribe(eventbus.TopicEventsAll, s.onBusEvent); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) onBusEvent(msg *nats.Msg) {
	s.hub.Broadcast(Event{Subject: msg.Subject, Payload: json.RawMessage(msg.Data)})
}

// Run starts the underlying Hub's delivery loop.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Handler returns the http.Handler observers connect to for the live
// event feed.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("dashboard websocket upgrade failed", "error", err)
		return
	}

	s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

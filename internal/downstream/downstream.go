// Package downstream implements the downstream server of spec.md §4.7:
// an HTTP/websocket listener accepting child-agent streams, registering
// each with the message router under its agent_id learned from the
// first update, and forwarding commands targeted at that child.
//
// Grounded on the teacher's internal/web handleWebSocket: upgrade, run
// a read loop, unregister on the first read error — extended here with
// a distinct write side (commands flowing down) instead of a shared
// broadcast hub.
package downstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hailstorm-sh/hailstorm/internal/herrors"
	"github.com/hailstorm-sh/hailstorm/internal/router"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts child-agent connections at one `hs_address` listen
// endpoint.
type Server struct {
	r *router.Router

	mu           sync.Mutex
	lastUpdateID map[uint32]uint64
}

// New constructs a downstream Server bound to r.
func New(r *router.Router) *Server {
	return &Server{r: r, lastUpdateID: make(map[uint32]uint64)}
}

// Handler returns the http.Handler to mount at the Join endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleJoin)
}

func (s *Server) handleJoin(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("downstream upgrade failed", "error", err)
		return
	}
	conn := wire.NewConn(ws)
	sink := &childSink{conn: conn}

	var childID uint32
	var registered bool
	defer func() {
		conn.Close()
		if registered {
			s.r.UnregisterChild(childID)
			slog.Info("downstream child disconnected", "agent_id", childID)
		}
	}()

	for {
		msg, err := conn.RecvUpdate()
		if err != nil {
			return
		}
		for _, update := range msg.Updates {
			if !registered {
				childID = update.AgentID
				s.r.RegisterChild(childID, sink)
				registered = true
				slog.Info("downstream child registered", "agent_id", childID)
			}
			if !s.checkMonotonic(update) {
				err := herrors.New(herrors.ProtocolViolation, "downstream.handleJoin",
					fmt.Errorf("non-increasing update_id %d for agent_id %d", update.UpdateID, update.AgentID))
				slog.Warn("dropping child stream on protocol violation", "error", err)
				return
			}
			s.r.IngestChildUpdate(update)
		}
	}
}

// checkMonotonic reports whether update.UpdateID is the first one ever
// seen for update.AgentID or strictly greater than the last one seen,
// per spec.md §3 ("update_id is strictly increasing per agent"). A
// non-increasing update_id is the canonical ProtocolViolation of
// spec.md §7, whose stated policy is to drop the offending stream.
func (s *Server) checkMonotonic(update wire.AgentUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastUpdateID[update.AgentID]
	if seen && update.UpdateID <= last {
		return false
	}
	s.lastUpdateID[update.AgentID] = update.UpdateID
	return true
}

// childSink implements router.DownstreamSink by writing commands
// straight to the child's own websocket connection.
type childSink struct {
	conn *wire.Conn
}

func (c *childSink) Send(cmd wire.ControllerCommand) error {
	return c.conn.SendCommand(cmd)
}

package downstream

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hailstorm-sh/hailstorm/internal/router"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

type fakeLocalAgent struct {
	id      uint32
	updates chan wire.AgentUpdate
	mu      sync.Mutex
	handled []wire.CommandItem
}

func (f *fakeLocalAgent) AgentID() uint32                 { return f.id }
func (f *fakeLocalAgent) Updates() <-chan wire.AgentUpdate { return f.updates }
func (f *fakeLocalAgent) HandleCommand(cmd wire.CommandItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, cmd)
}

func TestServerRegistersChildAndForwardsCommand(t *testing.T) {
	local := &fakeLocalAgent{id: 1, updates: make(chan wire.AgentUpdate, 1)}
	r := router.New(local)
	srv := New(r)

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	conn := wire.NewConn(ws)

	if err := conn.SendUpdate(wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 55, UpdateID: 1}}}); err != nil {
		t.Fatalf("send update: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ChildCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.ChildCount() != 1 {
		t.Fatalf("expected 1 registered child, got %d", r.ChildCount())
	}

	r.RouteCommand(wire.ControllerCommand{
		Target:   wire.Target{Kind: wire.TargetAgentID, AgentID: 55},
		Commands: []wire.CommandItem{{Kind: wire.CmdLaunch}},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	cmd, err := conn.RecvCommand()
	if err != nil {
		t.Fatalf("recv command: %v", err)
	}
	if len(cmd.Commands) != 1 || cmd.Commands[0].Kind != wire.CmdLaunch {
		t.Fatalf("expected a forwarded launch command, got %+v", cmd.Commands)
	}
}

func TestServerDropsStreamOnNonIncreasingUpdateID(t *testing.T) {
	local := &fakeLocalAgent{id: 1, updates: make(chan wire.AgentUpdate, 1)}
	r := router.New(local)
	srv := New(r)

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	conn := wire.NewConn(ws)

	if err := conn.SendUpdate(wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 9, UpdateID: 5}}}); err != nil {
		t.Fatalf("send update 1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ChildCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.ChildCount() != 1 {
		t.Fatalf("expected 1 registered child, got %d", r.ChildCount())
	}

	// A replayed/non-increasing update_id is a protocol violation: the
	// server must drop the stream rather than relay it.
	if err := conn.SendUpdate(wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 9, UpdateID: 5}}}); err != nil {
		t.Fatalf("send update 2: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.RecvCommand(); err == nil {
		t.Fatal("expected the connection to be closed after a non-increasing update_id")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ChildCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.ChildCount() != 0 {
		t.Fatalf("expected child to be unregistered after the stream was dropped, got %d", r.ChildCount())
	}
}

func TestServerUnregistersChildOnDisconnect(t *testing.T) {
	local := &fakeLocalAgent{id: 1, updates: make(chan wire.AgentUpdate, 1)}
	r := router.New(local)
	srv := New(r)

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := wire.NewConn(ws)
	if err := conn.SendUpdate(wire.AgentMessage{Updates: []wire.AgentUpdate{{AgentID: 7, UpdateID: 1}}}); err != nil {
		t.Fatalf("send update: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ChildCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ChildCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if r.ChildCount() != 0 {
		t.Fatalf("expected child to be unregistered after disconnect, got %d", r.ChildCount())
	}
}

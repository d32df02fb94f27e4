package upstream

import (
	"context"
	"net/http"
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
func (f *fakeLocalAgent) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

func TestClientPushesHelloAndRoutesCommands(t *testing.T) {
	helloReceived := make(chan wire.AgentUpdate, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := wire.NewConn(ws)
		msg, err := conn.RecvUpdate()
		if err != nil {
			t.Errorf("server recv: %v", err)
			return
		}
		helloReceived <- msg.Updates[0]

		_ = conn.SendCommand(wire.ControllerCommand{
			Target:   wire.Target{Kind: wire.TargetAgentID, AgentID: msg.Updates[0].AgentID},
			Commands: []wire.CommandItem{{Kind: wire.CmdLaunch}},
		})

		// keep the connection open until the test closes it
		for {
			if _, err := conn.RecvCommand(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	local := &fakeLocalAgent{id: 42, updates: make(chan wire.AgentUpdate, 1)}
	r := router.New(local)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := New("parent", wsURL, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, wire.AgentUpdate{AgentID: 42, UpdateID: 0, State: wire.StateIdle})

	select {
	case hello := <-helloReceived:
		if hello.AgentID != 42 {
			t.Errorf("hello.AgentID = %d, want 42", hello.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello push")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && local.commandCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if local.commandCount() != 1 {
		t.Fatalf("expected 1 command routed to the local agent, got %d", local.commandCount())
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(time.Second)
		if d < time.Second/2 || d > time.Second {
			t.Fatalf("jitter(1s) = %v, want within [500ms, 1s]", d)
		}
	}
}

package wire

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn := NewConn(ws)
		msg, err := serverConn.RecvUpdate()
		if err != nil {
			t.Errorf("server recv: %v", err)
			return
		}
		if err := serverConn.SendCommand(ControllerCommand{
			Target:   Target{Kind: TargetAgentID, AgentID: msg.Updates[0].AgentID},
			Commands: []CommandItem{{Kind: CmdLaunch, StartTimestamp: time.Unix(0, 0).UTC()}},
		}); err != nil {
			t.Errorf("server send: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientConn := NewConn(ws)
	defer clientConn.Close()

	want := AgentMessage{Updates: []AgentUpdate{{AgentID: 99, UpdateID: 1, State: StateReady}}}
	if err := clientConn.SendUpdate(want); err != nil {
		t.Fatalf("client send: %v", err)
	}

	cmd, err := clientConn.RecvCommand()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if cmd.Target.AgentID != 99 {
		t.Errorf("expected echoed agent id 99, got %d", cmd.Target.AgentID)
	}
	if len(cmd.Commands) != 1 || cmd.Commands[0].Kind != CmdLaunch {
		t.Errorf("expected a single launch command, got %+v", cmd.Commands)
	}
}

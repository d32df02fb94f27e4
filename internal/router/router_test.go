package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

type fakeLocalAgent struct {
	id       uint32
	updates  chan wire.AgentUpdate
	mu       sync.Mutex
	handled  []wire.CommandItem
}

func newFakeLocalAgent(id uint32) *fakeLocalAgent {
	return &fakeLocalAgent{id: id, updates: make(chan wire.AgentUpdate, 8)}
}

func (f *fakeLocalAgent) AgentID() uint32                        { return f.id }
func (f *fakeLocalAgent) Updates() <-chan wire.AgentUpdate        { return f.updates }
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

type fakeUpstreamSink struct {
	mu   sync.Mutex
	msgs []wire.AgentMessage
}

func (s *fakeUpstreamSink) Send(msg wire.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeUpstreamSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fakeDownstreamSink struct {
	mu   sync.Mutex
	cmds []wire.ControllerCommand
}

func (s *fakeDownstreamSink) Send(cmd wire.ControllerCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *fakeDownstreamSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cmds)
}

func TestRouterRelaysOwnUpdatesToAllParents(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)

	p1, p2 := &fakeUpstreamSink{}, &fakeUpstreamSink{}
	r.AddParent(p1)
	r.AddParent(p2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	local.updates <- wire.AgentUpdate{AgentID: 1, UpdateID: 1}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (p1.count() == 0 || p2.count() == 0) {
		time.Sleep(5 * time.Millisecond)
	}
	if p1.count() != 1 || p2.count() != 1 {
		t.Fatalf("expected both parents to receive 1 message, got p1=%d p2=%d", p1.count(), p2.count())
	}
}

func TestRouterDedupDropsRepeatedChildUpdate(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)
	parent := &fakeUpstreamSink{}
	r.AddParent(parent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	update := wire.AgentUpdate{AgentID: 99, UpdateID: 5}
	r.IngestChildUpdate(update)
	r.IngestChildUpdate(update) // diamond-topology duplicate

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := parent.count(); got != 1 {
		t.Fatalf("expected exactly 1 relayed message after a duplicate, got %d", got)
	}
}

func TestRouteCommandAllDeliversLocallyAndToEveryChild(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)
	child := &fakeDownstreamSink{}
	r.RegisterChild(2, child)

	cmd := wire.ControllerCommand{
		Target:   wire.Target{Kind: wire.TargetAll},
		Commands: []wire.CommandItem{{Kind: wire.CmdStop, Reset: true}},
	}
	r.RouteCommand(cmd)

	if local.commandCount() != 1 {
		t.Fatalf("expected local agent to receive 1 command, got %d", local.commandCount())
	}
	if child.count() != 1 {
		t.Fatalf("expected child to receive 1 command, got %d", child.count())
	}
}

func TestRouteCommandByAgentIDDeliversToExactlyOneTarget(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)
	child2, child3 := &fakeDownstreamSink{}, &fakeDownstreamSink{}
	r.RegisterChild(2, child2)
	r.RegisterChild(3, child3)

	cmd := wire.ControllerCommand{
		Target:   wire.Target{Kind: wire.TargetAgentID, AgentID: 2},
		Commands: []wire.CommandItem{{Kind: wire.CmdLaunch}},
	}
	r.RouteCommand(cmd)

	if child2.count() != 1 {
		t.Errorf("expected child 2 to receive 1 command, got %d", child2.count())
	}
	if child3.count() != 0 {
		t.Errorf("expected child 3 to receive 0 commands, got %d", child3.count())
	}
}

func TestRouteCommandByAgentIDDropsUnreachableTarget(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)

	cmd := wire.ControllerCommand{
		Target:   wire.Target{Kind: wire.TargetAgentID, AgentID: 404},
		Commands: []wire.CommandItem{{Kind: wire.CmdLaunch}},
	}
	r.RouteCommand(cmd) // should not panic or block

	if local.commandCount() != 0 {
		t.Errorf("expected local agent untouched, got %d commands", local.commandCount())
	}
}

func TestRouterObserverSeesEveryRelayedUpdate(t *testing.T) {
	local := newFakeLocalAgent(1)
	r := New(local)

	var mu sync.Mutex
	var seen []wire.AgentUpdate
	r.SetObserver(func(u wire.AgentUpdate) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	local.updates <- wire.AgentUpdate{AgentID: 1, UpdateID: 1}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].UpdateID != 1 {
		t.Fatalf("expected observer to see exactly 1 update, got %+v", seen)
	}
}

func TestRouteCommandAgentIDMatchingSelfDeliversLocally(t *testing.T) {
	local := newFakeLocalAgent(7)
	r := New(local)

	cmd := wire.ControllerCommand{
		Target:   wire.Target{Kind: wire.TargetAgentID, AgentID: 7},
		Commands: []wire.CommandItem{{Kind: wire.CmdLaunch}},
	}
	r.RouteCommand(cmd)

	if local.commandCount() != 1 {
		t.Fatalf("expected self-targeted command delivered locally, got %d", local.commandCount())
	}
}

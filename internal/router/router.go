// Package router implements the message router of spec.md §4.8: fan-in
// of child and own updates into the upstream broadcast, and fan-out of
// received commands by target selector, with the diamond-topology dedup
// ring described there and in spec.md §9 ("never assume unique parent —
// always broadcast, always dedup on receive").
//
// Grounded on internal/web's Hub (teacher): a broadcast channel fed by
// producers, drained by a single Run loop that fans out to every
// registered sink and drops a sink on send failure, generalised here
// from a single broadcast audience (websocket clients) to two distinct
// ones (upstream parents, downstream children) with a selector in
// between.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

// DedupRingSize is K in spec.md §4.8: "suppresses any update whose
// (agent_id, update_id) pair has been seen in the last K=1024 entries."
const DedupRingSize = 1024

// UpstreamSink fans an AgentMessage out to one parent connection.
type UpstreamSink interface {
	Send(msg wire.AgentMessage) error
}

// DownstreamSink delivers a ControllerCommand to one child connection.
type DownstreamSink interface {
	Send(cmd wire.ControllerCommand) error
}

// LocalAgent is the capability Router needs from this process's own
// agentcore.Agent: its identity, a way to hand it commands, and the
// stream of updates it produces.
type LocalAgent interface {
	AgentID() uint32
	HandleCommand(cmd wire.CommandItem)
	Updates() <-chan wire.AgentUpdate
}

// Router is the fan-in/fan-out hub described in spec.md §4.8. One
// Router exists per agent process.
type Router struct {
	self LocalAgent

	mu         sync.RWMutex
	parents    map[int]UpstreamSink
	nextParent int
	children   map[uint32]DownstreamSink

	dedup *dedupRing

	relayCh chan wire.AgentUpdate

	observer func(wire.AgentUpdate)
}

// New constructs a Router bound to the process's own local agent.
func New(self LocalAgent) *Router {
	return &Router{
		self:     self,
		parents:  make(map[int]UpstreamSink),
		children: make(map[uint32]DownstreamSink),
		dedup:    newDedupRing(DedupRingSize),
		relayCh:  make(chan wire.AgentUpdate, 256),
	}
}

// SetObserver registers fn to be called with every non-duplicate update
// this router relays, own or child's, before it is sent to parents.
// Used by main wiring to feed the dashboard and performance export
// without making the router itself depend on them.
func (r *Router) SetObserver(fn func(wire.AgentUpdate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// AddParent registers an upstream sink and returns a handle to remove
// it again on stream failure.
func (r *Router) AddParent(sink UpstreamSink) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextParent
	r.nextParent++
	r.parents[id] = sink
	return id
}

// RemoveParent drops a previously added upstream sink.
func (r *Router) RemoveParent(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parents, handle)
}

// RegisterChild binds a child agent_id to its downstream sink, per
// spec.md §4.7 ("learned from the first update").
func (r *Router) RegisterChild(agentID uint32, sink DownstreamSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[agentID] = sink
}

// UnregisterChild removes a child's registration on stream termination.
func (r *Router) UnregisterChild(agentID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, agentID)
}

// ChildCount reports how many children are currently registered.
func (r *Router) ChildCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.children)
}

// IngestChildUpdate is called by the downstream server for every
// AgentUpdate read off a child's stream; it is relayed upward subject
// to the dedup ring.
func (r *Router) IngestChildUpdate(update wire.AgentUpdate) {
	select {
	case r.relayCh <- update:
	default:
		slog.Warn("router relay queue full, dropping child update", "agent_id", update.AgentID, "update_id", update.UpdateID)
	}
}

// Run consumes the local agent's own updates and the relay queue fed by
// IngestChildUpdate, and broadcasts each non-duplicate update to every
// registered parent. It returns when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-r.self.Updates():
			r.relay(update)
		case update := <-r.relayCh:
			r.relay(update)
		}
	}
}

func (r *Router) relay(update wire.AgentUpdate) {
	if r.dedup.seen(update.AgentID, update.UpdateID) {
		return
	}

	r.mu.RLock()
	sinks := make([]UpstreamSink, 0, len(r.parents))
	for _, s := range r.parents {
		sinks = append(sinks, s)
	}
	observer := r.observer
	r.mu.RUnlock()

	if observer != nil {
		observer(update)
	}

	msg := wire.AgentMessage{Updates: []wire.AgentUpdate{update}}
	for _, sink := range sinks {
		if err := sink.Send(msg); err != nil {
			slog.Warn("upstream send failed", "error", err)
		}
	}
}

// RouteCommand fans a ControllerCommand out per spec.md §4.8's target
// rules.
func (r *Router) RouteCommand(cmd wire.ControllerCommand) {
	switch cmd.Target.Kind {
	case wire.TargetAll:
		r.deliverLocal(cmd)
		r.forwardToAllChildren(cmd)
	case wire.TargetAgentID:
		r.routeToOne(cmd, cmd.Target.AgentID)
	case wire.TargetAgentIDs:
		for _, id := range cmd.Target.AgentIDs {
			r.routeToOne(cmd, id)
		}
	default:
		slog.Warn("router received command with unknown target kind", "kind", cmd.Target.Kind)
	}
}

func (r *Router) routeToOne(cmd wire.ControllerCommand, agentID uint32) {
	if agentID == r.self.AgentID() {
		r.deliverLocal(cmd)
		return
	}
	r.mu.RLock()
	sink, ok := r.children[agentID]
	r.mu.RUnlock()
	if !ok {
		return // not a direct child: per spec.md §4.8, drop rather than flood.
	}
	if err := sink.Send(cmd); err != nil {
		slog.Warn("downstream command send failed", "agent_id", agentID, "error", err)
	}
}

func (r *Router) forwardToAllChildren(cmd wire.ControllerCommand) {
	r.mu.RLock()
	sinks := make([]DownstreamSink, 0, len(r.children))
	for _, s := range r.children {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Send(cmd); err != nil {
			slog.Warn("downstream broadcast failed", "error", err)
		}
	}
}

func (r *Router) deliverLocal(cmd wire.ControllerCommand) {
	for _, item := range cmd.Commands {
		r.self.HandleCommand(item)
	}
}

// dedupRing is a fixed-capacity set-with-eviction over (agent_id,
// update_id) pairs, per spec.md §4.8.
type dedupRing struct {
	mu      sync.Mutex
	entries []dedupKey
	seenSet map[dedupKey]struct{}
	at      int
	size    int
}

type dedupKey struct {
	agentID  uint32
	updateID uint64
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{
		entries: make([]dedupKey, size),
		seenSet: make(map[dedupKey]struct{}, size),
		size:    size,
	}
}

func (d *dedupRing) seen(agentID uint32, updateID uint64) bool {
	key := dedupKey{agentID, updateID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seenSet[key]; ok {
		return true
	}

	evicted := d.entries[d.at]
	if evicted != (dedupKey{}) {
		delete(d.seenSet, evicted)
	}
	d.entries[d.at] = key
	d.seenSet[key] = struct{}{}
	d.at = (d.at + 1) % d.size

	return false
}

// Package wire defines the Join-stream message shapes of spec.md §6:
// AgentMessage/AgentUpdate flowing upward from agent to parent, and
// ControllerCommand flowing downward. The out-of-scope protobuf/gRPC
// codegen the original implementation relies on is replaced by the
// framed JSON codec in codec.go; the message shapes themselves are
// unchanged.
package wire

import "time"

// AgentState is the agent-level state machine of spec.md §4.5.
type AgentState string

const (
	StateIdle     AgentState = "idle"
	StateReady    AgentState = "ready"
	StateWaiting  AgentState = "waiting"
	StateRunning  AgentState = "running"
	StateStopping AgentState = "stopping"
)

// AgentMessage is the envelope an agent sends upward on its Join stream.
type AgentMessage struct {
	Updates []AgentUpdate `json:"updates"`
}

// AgentUpdate is emitted once per second by an agent's core actor
// (spec.md §4.5) and carries everything a parent needs to merge and
// forward further upward.
type AgentUpdate struct {
	AgentID      uint32      `json:"agent_id"`
	Name         string      `json:"name"`
	State        AgentState  `json:"state"`
	SimulationID string      `json:"simulation_id"`
	UpdateID     uint64      `json:"update_id"`
	Timestamp    time.Time   `json:"timestamp"`
	Stats        []ModelStats `json:"stats"`
}

// ModelStats carries one model's state snapshot and drained
// performance snapshots for a single AgentUpdate.
type ModelStats struct {
	Model       string                `json:"model"`
	States      []ModelStateSnapshot  `json:"states"`
	Performance []PerformanceSnapshot `json:"performance"`
}

// ModelStateSnapshot is the per-bot-state population count at an instant.
type ModelStateSnapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	States    []StateCount     `json:"states"`
}

// StateCount is one (bot lifecycle state, count) pair.
type StateCount struct {
	StateID uint32 `json:"state_id"`
	Count   uint32 `json:"count"`
}

// PerformanceSnapshot is one drained histogram period for one action.
type PerformanceSnapshot struct {
	Timestamp  time.Time             `json:"timestamp"`
	Action     string                `json:"action"`
	Histograms []PerformanceHistogram `json:"histograms"`
}

// PerformanceHistogram is the bucket dump for one (action, status) pair.
type PerformanceHistogram struct {
	Status  int64    `json:"status"`
	Buckets []uint64 `json:"buckets"`
	Sum     uint64   `json:"sum"`
}

// TargetKind selects how a ControllerCommand's payload is routed by
// internal/router, per spec.md §4.8.
type TargetKind string

const (
	TargetAll      TargetKind = "all"
	TargetAgentID  TargetKind = "agent_id"
	TargetAgentIDs TargetKind = "agent_ids"
)

// Target selects which agent(s) a ControllerCommand applies to.
type Target struct {
	Kind     TargetKind `json:"kind"`
	AgentID  uint32     `json:"agent_id,omitempty"`
	AgentIDs []uint32   `json:"agent_ids,omitempty"`
}

// Matches reports whether the target selects the given agent id.
func (t Target) Matches(agentID uint32) bool {
	switch t.Kind {
	case TargetAll:
		return true
	case TargetAgentID:
		return t.AgentID == agentID
	case TargetAgentIDs:
		for _, id := range t.AgentIDs {
			if id == agentID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ControllerCommand is the envelope a controller/parent sends downward.
type ControllerCommand struct {
	Target   Target        `json:"target"`
	Commands []CommandItem `json:"commands"`
}

// CommandKind discriminates the CommandItem union of spec.md §6.
type CommandKind string

const (
	CmdLoadSim            CommandKind = "load_sim"
	CmdLaunch             CommandKind = "launch"
	CmdUpdateAgentsCount  CommandKind = "update_agents_count"
	CmdStop               CommandKind = "stop"
)

// ClientEvolution binds one model name to its shape expression, as
// carried on LoadSim.
type ClientEvolution struct {
	Model string `json:"model"`
	Shape string `json:"shape"`
}

// CommandItem is a tagged union; exactly the fields matching Kind are
// meaningful. Encoded as a flat JSON object (discriminated by "kind")
// rather than a Rust-style enum, which is the idiomatic Go rendering of
// a wire union.
type CommandItem struct {
	Kind CommandKind `json:"kind"`

	// LoadSim
	Script           string            `json:"script,omitempty"`
	ClientsEvolution []ClientEvolution `json:"clients_evolution,omitempty"`

	// Launch
	StartTimestamp time.Time `json:"start_ts,omitempty"`

	// UpdateAgentsCount
	Count uint32 `json:"count,omitempty"`

	// Stop
	Reset bool `json:"reset,omitempty"`
}

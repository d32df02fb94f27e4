package eventbus

import "fmt"

// Topic patterns for the local observability/control bus. These never
// appear on the agent-tree wire protocol.

// TopicAgentState is the subject for one agent's state-transition
// events. Nothing in this repository publishes on it.
func TopicAgentState(agentID uint32) string {
	return fmt.Sprintf("events.agent.%d.state", agentID)
}

// TopicAgentUpdate is the subject cmd/hailstorm-agent's router observer
// publishes every relayed AgentUpdate on (this agent's own and its
// children's, keyed by the update's agent_id), mirroring what would
// otherwise only be visible on the upstream websocket.
func TopicAgentUpdate(agentID uint32) string {
	return fmt.Sprintf("events.agent.%d.update", agentID)
}

// TopicModelTick is the subject for one model's per-tick events.
// Nothing in this repository publishes on it.
func TopicModelTick(model string) string {
	return fmt.Sprintf("events.model.%s.tick", model)
}

// TopicEventsAll subscribes to every observability event this agent
// publishes.
const TopicEventsAll = "events.>"

// TopicCtl is the request/reply subject hailstorm-ctl sends
// ControllerCommand payloads to, scoped to one running agent.
func TopicCtl(agentID uint32) string {
	return fmt.Sprintf("hailstorm.ctl.%d", agentID)
}

package wire

import "testing"

func TestTargetMatches(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		agent  uint32
		want   bool
	}{
		{"all matches anything", Target{Kind: TargetAll}, 42, true},
		{"agent_id match", Target{Kind: TargetAgentID, AgentID: 7}, 7, true},
		{"agent_id mismatch", Target{Kind: TargetAgentID, AgentID: 7}, 8, false},
		{"agent_ids contains", Target{Kind: TargetAgentIDs, AgentIDs: []uint32{1, 2, 3}}, 2, true},
		{"agent_ids missing", Target{Kind: TargetAgentIDs, AgentIDs: []uint32{1, 2, 3}}, 4, false},
		{"unknown kind matches nothing", Target{Kind: "bogus"}, 1, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.target.Matches(tc.agent); got != tc.want {
				t.Errorf("Matches(%d) = %v, want %v", tc.agent, got, tc.want)
			}
		})
	}
}

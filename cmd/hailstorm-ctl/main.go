// Command hailstorm-ctl drives a single running agent's control subject
// over NATS request/reply, without needing a full tree in front of it —
// a debugging/bootstrap aid, not part of the agent-tree protocol itself.
//
// Grounded on the teacher's cmd/ptask: flag-free "--key value" arg
// parsing, a request/reply helper over one NATS connection, exit-on-
// error with a one-line usage message.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hailstorm-sh/hailstorm/internal/eventbus"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

type ctlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func sendCommand(natsURL string, agentID uint32, cmd wire.ControllerCommand) (*ctlResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	msg, err := conn.Request(eventbus.TopicCtl(agentID), data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ctl request: %w", err)
	}

	var resp ctlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hailstorm-ctl load-sim --script <path> --model <name> --shape <expr> [--model <name> --shape <expr> ...]`)
	fmt.Fprintln(os.Stderr, `  hailstorm-ctl launch`)
	fmt.Fprintln(os.Stderr, `  hailstorm-ctl update-count --count <n>`)
	fmt.Fprintln(os.Stderr, `  hailstorm-ctl stop [--reset]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("hs_ctl_nats_url")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	agentID := uint32(0)
	if v := os.Getenv("hs_ctl_agent_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			fatal("invalid hs_ctl_agent_id: %v", err)
		}
		agentID = uint32(n)
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	target := wire.Target{Kind: wire.TargetAgentID, AgentID: agentID}

	switch command {
	case "load-sim":
		args := parseArgs(rest)
		if args["script"] == "" {
			fatal("--script is required")
		}
		script, err := os.ReadFile(args["script"])
		if err != nil {
			fatal("read script: %v", err)
		}
		evolutions := parseEvolutions(os.Args[2:])
		if len(evolutions) == 0 {
			fatal("at least one --model/--shape pair is required")
		}
		cmd := wire.ControllerCommand{
			Target: target,
			Commands: []wire.CommandItem{{
				Kind:             wire.CmdLoadSim,
				Script:           string(script),
				ClientsEvolution: evolutions,
			}},
		}
		respond(sendCommand(natsURL, agentID, cmd))

	case "launch":
		cmd := wire.ControllerCommand{
			Target:   target,
			Commands: []wire.CommandItem{{Kind: wire.CmdLaunch, StartTimestamp: time.Now()}},
		}
		respond(sendCommand(natsURL, agentID, cmd))

	case "update-count":
		args := parseArgs(rest)
		if args["count"] == "" {
			fatal("--count is required")
		}
		n, err := strconv.ParseUint(args["count"], 10, 32)
		if err != nil {
			fatal("invalid --count: %v", err)
		}
		cmd := wire.ControllerCommand{
			Target:   target,
			Commands: []wire.CommandItem{{Kind: wire.CmdUpdateAgentsCount, Count: uint32(n)}},
		}
		respond(sendCommand(natsURL, agentID, cmd))

	case "stop":
		args := parseArgs(rest)
		reset := false
		for _, a := range rest {
			if a == "--reset" {
				reset = true
			}
		}
		_ = args
		cmd := wire.ControllerCommand{
			Target:   target,
			Commands: []wire.CommandItem{{Kind: wire.CmdStop, Reset: reset}},
		}
		respond(sendCommand(natsURL, agentID, cmd))

	default:
		fatal("unknown command: %s", command)
	}
}

func respond(resp *ctlResponse, err error) {
	if err != nil {
		fatal("%v", err)
	}
	if !resp.OK {
		fatal("%s", resp.Error)
	}
	fmt.Println("ok")
}

// parseEvolutions scans raw args for repeated --model/--shape pairs in
// order, since parseArgs' map would silently drop all but the last
// occurrence of each flag.
func parseEvolutions(args []string) []wire.ClientEvolution {
	var evolutions []wire.ClientEvolution
	var pendingModel string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--model":
			if i+1 < len(args) {
				pendingModel = args[i+1]
				i++
			}
		case "--shape":
			if i+1 < len(args) && pendingModel != "" {
				evolutions = append(evolutions, wire.ClientEvolution{Model: pendingModel, Shape: args[i+1]})
				pendingModel = ""
				i++
			}
		}
	}
	return evolutions
}

// Command hailstorm-agent is one tree node of spec.md §3/§4: it loads
// configuration, runs the agent core state machine, accepts child
// connections, dials every configured parent, serves a live dashboard,
// and optionally writes a CSV performance export.
//
// Grounded on the teacher's cmd/praktor main.go: load config, wire up
// the embedded NATS bus and every long-running subsystem, start each on
// its own goroutine, block on a signal channel, clean up on shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hailstorm-sh/hailstorm/internal/agentcore"
	"github.com/hailstorm-sh/hailstorm/internal/config"
	"github.com/hailstorm-sh/hailstorm/internal/dashboard"
	"github.com/hailstorm-sh/hailstorm/internal/downstream"
	"github.com/hailstorm-sh/hailstorm/internal/eventbus"
	"github.com/hailstorm-sh/hailstorm/internal/export"
	"github.com/hailstorm-sh/hailstorm/internal/router"
	"github.com/hailstorm-sh/hailstorm/internal/upstream"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("hailstorm-agent %s\n", version)
		return
	}

	if err := run(); err != nil {
		slog.Error("hailstorm-agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.AgentID == 0 {
		cfg.AgentID = randomAgentID()
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("agent-%d", cfg.AgentID)
	}

	slog.Info("starting hailstorm-agent", "version", version, "agent_id", cfg.AgentID, "name", cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := eventbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer bus.Close()

	busClient, err := eventbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect event bus client: %w", err)
	}
	defer busClient.Close()

	exportWriter, err := export.Open(cfg.Export)
	if err != nil {
		return fmt.Errorf("init performance export: %w", err)
	}
	defer exportWriter.Close()

	agent := agentcore.New(cfg.AgentID, cfg.Name, agentcore.WithMaxRunningBots(cfg.MaxRunningBots))
	go agent.Run(ctx)

	rtr := router.New(agent)
	rtr.SetObserver(func(update wire.AgentUpdate) {
		_ = busClient.PublishJSON(eventbus.TopicAgentUpdate(update.AgentID), update)
		for _, stats := range update.Stats {
			if err := exportWriter.WriteModel(update.AgentID, stats.Model, stats.Performance); err != nil {
				slog.Warn("performance export write failed", "model", stats.Model, "error", err)
			}
		}
	})
	go rtr.Run(ctx)

	ctlSub, err := busClient.Subscribe(eventbus.TopicCtl(cfg.AgentID), func(msg *nats.Msg) {
		handleCtlRequest(rtr, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe control topic: %w", err)
	}
	defer ctlSub.Unsubscribe()

	downstreamSrv := downstream.New(rtr)
	httpSrv := &http.Server{Addr: cfg.Address, Handler: downstreamSrv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("downstream server error", "error", err)
		}
	}()
	slog.Info("downstream server listening", "address", cfg.Address)

	dashboardSrv, err := dashboard.New(busClient)
	if err != nil {
		return fmt.Errorf("init dashboard: %w", err)
	}
	go dashboardSrv.Run(ctx)
	dashboardMux := http.NewServeMux()
	dashboardMux.Handle("/dashboard", dashboardSrv.Handler())
	dashboardHTTPSrv := &http.Server{Addr: ":7947", Handler: dashboardMux}
	go func() {
		if err := dashboardHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dashboard server error", "error", err)
		}
	}()

	if cfg.ScriptPath != "" && len(cfg.ClientsDistribution) > 0 {
		if err := bootstrapSimulation(agent, cfg); err != nil {
			slog.Warn("self-bootstrap simulation failed, awaiting a controller instead", "error", err)
		}
	}

	for name, url := range cfg.Upstreams {
		client := upstream.New(name, url, rtr)
		hello := wire.AgentUpdate{
			AgentID:   cfg.AgentID,
			Name:      cfg.Name,
			State:     wire.StateIdle,
			Timestamp: time.Now(),
		}
		go client.Run(ctx, hello)
		slog.Info("upstream client started", "name", name, "url", url)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = dashboardHTTPSrv.Shutdown(shutdownCtx)

	return nil
}

func handleCtlRequest(rtr *router.Router, msg *nats.Msg) {
	var cmd wire.ControllerCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		_ = msg.Respond([]byte(fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())))
		return
	}
	rtr.RouteCommand(cmd)
	_ = msg.Respond([]byte(`{"ok":true}`))
}

// bootstrapSimulation loads and launches the simulation named by
// hs_script_path/hs_clients_distribution directly, for standalone use
// without a controller in front of this agent.
func bootstrapSimulation(agent *agentcore.Agent, cfg *config.Config) error {
	script, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	evolutions := make([]wire.ClientEvolution, 0, len(cfg.ClientsDistribution))
	for model, shapeExpr := range cfg.ClientsDistribution {
		evolutions = append(evolutions, wire.ClientEvolution{Model: model, Shape: shapeExpr})
	}

	agent.HandleCommand(wire.CommandItem{
		Kind:             wire.CmdLoadSim,
		Script:           string(script),
		ClientsEvolution: evolutions,
	})
	agent.HandleCommand(wire.CommandItem{
		Kind:           wire.CmdLaunch,
		StartTimestamp: time.Now(),
	})
	return nil
}

func randomAgentID() uint32 {
	id := uuid.New()
	var n uint32
	for _, b := range id[:4] {
		n = n<<8 | uint32(b)
	}
	if n == 0 {
		n = 1
	}
	return n
}

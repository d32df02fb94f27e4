// Package agentcore implements the agent state machine of spec.md
// §4.5: a single-consumer mailbox actor owning the model set, the
// simulation lifecycle, and the per-second AgentUpdate emission.
//
// Grounded on internal/scheduler's ticker-plus-reload-channel actor
// loop from the teacher, generalised from one poll channel to the
// full command mailbox spec.md §9 asks for ("typed messages... a
// mailbox that serialises messages").
package agentcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/hailstorm-sh/hailstorm/internal/botpool"
	"github.com/hailstorm-sh/hailstorm/internal/herrors"
	"github.com/hailstorm-sh/hailstorm/internal/histogram"
	"github.com/hailstorm-sh/hailstorm/internal/scripthost"
	"github.com/hailstorm-sh/hailstorm/internal/shape"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

// mailboxCapacity bounds the inbound command queue; spec.md §7's
// Overflow policy for a bounded command queue is "oldest-non-committed
// dropped".
const mailboxCapacity = 256

type modelEntry struct {
	scheduler *botpool.Scheduler
	store     *histogram.Store
}

// Agent is the per-process state machine of spec.md §4.5. Construct
// one with New, start it with Run, and feed it commands with
// HandleCommand; updates flow out of Updates().
type Agent struct {
	id   uint32
	name string

	mu           sync.Mutex
	state        wire.AgentState
	simulationID string
	startTS      time.Time
	updateID     uint64
	models       map[string]*modelEntry

	host scripthost.Host // nil until a LoadSim installs a script

	// maxRunningBots is hs_max_running_bots (spec.md §6): the aggregate
	// live-bot cap shared by every model a LoadSim installs. 0 means
	// unlimited.
	maxRunningBots int
	budget         *botpool.Budget

	cmdCh      chan wire.CommandItem
	drainDone  chan struct{}
	updatesOut chan wire.AgentUpdate

	runCtx context.Context
}

// Option customises an Agent at construction.
type Option func(*Agent)

// WithMaxRunningBots caps the aggregate live bot count across every
// model this agent loads, per spec.md §6's hs_max_running_bots. n <= 0
// means unlimited.
func WithMaxRunningBots(n int) Option {
	return func(a *Agent) { a.maxRunningBots = n }
}

// New constructs an Idle Agent identified by id/name.
func New(id uint32, name string, opts ...Option) *Agent {
	a := &Agent{
		id:         id,
		name:       name,
		state:      wire.StateIdle,
		models:     make(map[string]*modelEntry),
		cmdCh:      make(chan wire.CommandItem, mailboxCapacity),
		updatesOut: make(chan wire.AgentUpdate, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Updates returns the channel every per-second AgentUpdate is sent on.
// The channel holds one update; if the consumer (the router) has not
// taken the previous one, the new update is dropped and logged rather
// than blocking the tick.
func (a *Agent) Updates() <-chan wire.AgentUpdate { return a.updatesOut }

// AgentID reports this agent's wire identity.
func (a *Agent) AgentID() uint32 { return a.id }

// State reports the agent's current state-machine position.
func (a *Agent) State() wire.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HandleCommand enqueues a command for the mailbox. If the queue is
// full, the oldest queued command is dropped to make room (spec.md §7
// Overflow policy), and the drop is logged.
func (a *Agent) HandleCommand(cmd wire.CommandItem) {
	select {
	case a.cmdCh <- cmd:
		return
	default:
	}
	select {
	case <-a.cmdCh:
		slog.Warn("agent command queue overflow, dropped oldest", "agent_id", a.id)
	default:
	}
	select {
	case a.cmdCh <- cmd:
	default:
		slog.Warn("agent command queue still full, dropping new command", "agent_id", a.id, "kind", cmd.Kind)
	}
}

// Run is the mailbox loop that applies every command and tick, per
// spec.md §5 ("all mutations... occur under a mailbox that serialises
// messages"). The one state change made elsewhere is Stopping→Ready,
// set under mu by the goroutine applyStop starts once every model has
// drained.
func (a *Agent) Run(ctx context.Context) {
	a.runCtx = ctx
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdownModels()
			return
		case cmd := <-a.cmdCh:
			a.applyCommand(ctx, cmd)
		case now := <-ticker.C:
			a.onTick(now)
			a.emitUpdate(now)
		}
	}
}

func (a *Agent) shutdownModels() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.models {
		m.scheduler.Shutdown()
	}
}

func (a *Agent) applyCommand(ctx context.Context, cmd wire.CommandItem) {
	switch cmd.Kind {
	case wire.CmdLoadSim:
		a.applyLoadSim(cmd)
	case wire.CmdLaunch:
		a.applyLaunch(cmd)
	case wire.CmdUpdateAgentsCount:
		a.applyUpdateAgentsCount(cmd)
	case wire.CmdStop:
		a.applyStop(ctx, cmd)
	default:
		slog.Warn("agent received unknown command kind", "agent_id", a.id, "kind", cmd.Kind)
	}
}

func (a *Agent) applyLoadSim(cmd wire.CommandItem) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state != wire.StateIdle && state != wire.StateReady {
		slog.Warn("LoadSim rejected: agent not Idle/Ready", "agent_id", a.id, "state", state)
		return
	}

	host := scripthost.NewGojaHost(cmd.Script)
	budget := botpool.NewBudget(a.maxRunningBots)
	models := make(map[string]*modelEntry, len(cmd.ClientsEvolution))
	for _, ce := range cmd.ClientsEvolution {
		sh, err := shape.Compile(ce.Shape)
		if err != nil {
			err = herrors.New(herrors.Config, "agentcore.LoadSim", err)
			slog.Error("LoadSim rejected: shape compile failed", "agent_id", a.id, "model", ce.Model, "error", err)
			return
		}
		store := histogram.NewStore(histogram.DefaultRingSize)
		sched := botpool.New(a.id, ce.Model, sh, host, store, budget)
		models[ce.Model] = &modelEntry{scheduler: sched, store: store}
	}

	a.mu.Lock()
	for _, m := range a.models {
		m.scheduler.Shutdown()
	}
	a.models = models
	a.host = host
	a.budget = budget
	a.simulationID = hashSimulationID(cmd.Script, cmd.ClientsEvolution)
	a.state = wire.StateReady
	a.mu.Unlock()

	slog.Info("LoadSim applied", "agent_id", a.id, "simulation_id", a.simulationID, "models", len(models))
}

func hashSimulationID(script string, evolutions []wire.ClientEvolution) string {
	h := sha256.New()
	h.Write([]byte(script))
	for _, ce := range evolutions {
		h.Write([]byte(ce.Model))
		h.Write([]byte(ce.Shape))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (a *Agent) applyLaunch(cmd wire.CommandItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != wire.StateReady {
		slog.Warn("Launch rejected: agent not Ready", "agent_id", a.id, "state", a.state)
		return
	}
	a.startTS = cmd.StartTimestamp
	a.state = wire.StateWaiting
}

func (a *Agent) applyUpdateAgentsCount(cmd wire.CommandItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.models) == 0 {
		return
	}
	weights := make(map[string]int, len(a.models))
	total := 0
	for name, m := range a.models {
		w := m.scheduler.LiveCount()
		weights[name] = w
		total += w
	}

	remaining := int(cmd.Count)
	if total == 0 {
		// No baseline to distribute proportionally to: split evenly.
		share := remaining / len(a.models)
		extra := remaining % len(a.models)
		i := 0
		for _, m := range a.models {
			n := share
			if i < extra {
				n++
			}
			m.scheduler.SetManualTarget(intPtr(n))
			i++
		}
		return
	}

	i := 0
	assigned := 0
	for name, m := range a.models {
		i++
		var n int
		if i == len(a.models) {
			n = remaining - assigned // last model absorbs rounding remainder
		} else {
			n = remaining * weights[name] / total
			assigned += n
		}
		m.scheduler.SetManualTarget(intPtr(n))
	}
}

func intPtr(n int) *int { return &n }

func (a *Agent) applyStop(ctx context.Context, cmd wire.CommandItem) {
	a.mu.Lock()
	state := a.state
	models := a.modelsSnapshot()
	a.mu.Unlock()

	if cmd.Reset {
		for _, m := range models {
			m.scheduler.Shutdown()
		}
		a.mu.Lock()
		a.models = make(map[string]*modelEntry)
		a.state = wire.StateIdle
		a.simulationID = ""
		a.host = nil
		a.mu.Unlock()
		return
	}

	if state != wire.StateRunning && state != wire.StateWaiting {
		return
	}

	a.mu.Lock()
	a.state = wire.StateStopping
	a.mu.Unlock()

	go func() {
		var wg sync.WaitGroup
		for _, m := range models {
			wg.Add(1)
			go func(sched *botpool.Scheduler) {
				defer wg.Done()
				drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				sched.Drain(drainCtx)
			}(m.scheduler)
		}
		wg.Wait()

		a.mu.Lock()
		if a.state == wire.StateStopping {
			a.state = wire.StateReady
		}
		a.mu.Unlock()
	}()
}

func (a *Agent) modelsSnapshot() map[string]*modelEntry {
	out := make(map[string]*modelEntry, len(a.models))
	for k, v := range a.models {
		out[k] = v
	}
	return out
}

func (a *Agent) onTick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == wire.StateWaiting && !now.Before(a.startTS) {
		a.state = wire.StateRunning
		for _, m := range a.models {
			go m.scheduler.Run(a.runCtx, a.startTS)
		}
	}
}

func (a *Agent) emitUpdate(now time.Time) {
	a.mu.Lock()
	a.updateID++
	update := wire.AgentUpdate{
		AgentID:      a.id,
		Name:         a.name,
		State:        a.state,
		SimulationID: a.simulationID,
		UpdateID:     a.updateID,
		Timestamp:    now,
	}
	for name, m := range a.models {
		update.Stats = append(update.Stats, wire.ModelStats{
			Model:       name,
			States:      []wire.ModelStateSnapshot{m.scheduler.Snapshot(now)},
			Performance: m.store.DrainSince(now),
		})
	}
	a.mu.Unlock()

	select {
	case a.updatesOut <- update:
	default:
		slog.Warn("agent update dropped, consumer not keeping up", "agent_id", a.id)
	}
}

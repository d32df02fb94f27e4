// Package botpool implements the per-model bot population scheduler of
// spec.md §4.4: a tick-driven actor that materialises and terminates
// scripted bot instances to track a shape expression's target count,
// and fires their registered actions.
//
// Grounded on internal/scheduler's ticker + reload-channel actor loop
// and internal/container's Manager (mutex-guarded map keyed by an
// opaque id, bounded by a capacity check) from the teacher, and on
// panyam-sdl/console/generator.go's bounded-concurrency semaphore
// pattern for spawning.
package botpool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hailstorm-sh/hailstorm/internal/histogram"
	"github.com/hailstorm-sh/hailstorm/internal/scripthost"
	"github.com/hailstorm-sh/hailstorm/internal/shape"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

// Well-known bot lifecycle state ids, per spec.md §3's
// {Initializing, Running, Stopping, Custom(u32)} — Custom states are
// represented directly by whatever u32 a script's EnterState(S) names,
// so these three reserved values are simply the ones the scheduler
// itself drives a bot through.
const (
	StateInitializing uint32 = 0
	StateRunning      uint32 = 1
	StateStopping     uint32 = 2
)

// DefaultSpawnConcurrency is the bounded construction/registration
// concurrency of spec.md §4.4 step 2.
const DefaultSpawnConcurrency = 16

// DefaultTickInterval is the scheduler's own 1 Hz pulse, spec.md §4.4.
const DefaultTickInterval = time.Second

// DefaultGraceMultiplier times DefaultTickInterval is the default grace
// window a Stopping bot is given before forced destruction, spec.md §4.4
// step 3.
const DefaultGraceMultiplier = 2

// Budget enforces hs_max_running_bots (spec.md §6): a process-wide cap
// on the aggregate live bot count across every model an agent has
// loaded. One Budget is shared by every Scheduler spawned from the same
// LoadSim, so the cap applies to their sum, not to each model alone.
type Budget struct {
	max  int64
	live atomic.Int64
}

// NewBudget constructs a Budget capping the aggregate live bot count at
// max. max <= 0 means unlimited, matching hs_max_running_bots=0.
func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Reserve grants up to n additional live-bot slots without exceeding
// max, returning how many were actually granted (0 <= granted <= n).
// Per spec.md §7's Overflow policy, callers spawn only the granted
// count and log the shortfall rather than erroring.
func (b *Budget) Reserve(n int) int {
	if b.max <= 0 {
		return n
	}
	for {
		cur := b.live.Load()
		avail := b.max - cur
		if avail <= 0 {
			return 0
		}
		grant := int64(n)
		if grant > avail {
			grant = avail
		}
		if b.live.CompareAndSwap(cur, cur+grant) {
			return int(grant)
		}
	}
}

// Release returns n previously reserved slots once their bots are
// actually destroyed.
func (b *Budget) Release(n int) {
	if b.max <= 0 || n == 0 {
		return
	}
	b.live.Add(-int64(n))
}

type botEntry struct {
	identity scripthost.BotIdentity
	handle   scripthost.BotHandle
	actions  []scripthost.ActionHandle

	state         atomic.Uint32
	tickInterval  time.Duration
	nextFire      time.Time
	stoppingSince time.Time

	// actionMu serialises Fire calls for this one bot, satisfying the
	// "never invoked concurrently with themselves" contract of §4.2.
	actionMu sync.Mutex
}

// Scheduler is one model's actor: it owns every Bot instantiated for
// that model and nothing else (spec.md §3 Ownership).
type Scheduler struct {
	agentID   uint32
	model     string
	shapeExpr *shape.Shape
	host      scripthost.Host
	store     *histogram.Store
	budget    *Budget

	tickInterval    time.Duration
	spawnSem        *semaphore.Weighted
	graceWindow     time.Duration
	fallbackTick    time.Duration

	startedAt time.Time

	mu             sync.Mutex
	bots           []*botEntry // spawn order: index 0 is oldest
	nextInternalID uint64
	manualTarget   *int
	lastTarget     int

	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises a Scheduler at construction.
type Option func(*Scheduler)

// WithSpawnConcurrency overrides DefaultSpawnConcurrency.
func WithSpawnConcurrency(n int64) Option {
	return func(s *Scheduler) { s.spawnSem = semaphore.NewWeighted(n) }
}

// WithGraceWindow overrides the default 2×tick grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Scheduler) { s.graceWindow = d }
}

// New constructs a Scheduler for one (agent, model) pair. shapeExpr is
// the compiled shape expression that drives the target count; store is
// the per-model histogram Store every Fire result is recorded into.
// budget, if non-nil, is shared with every other model loaded from the
// same simulation so hs_max_running_bots caps their combined live count
// rather than each model individually; pass nil for no cap.
func New(agentID uint32, model string, shapeExpr *shape.Shape, host scripthost.Host, store *histogram.Store, budget *Budget, opts ...Option) *Scheduler {
	s := &Scheduler{
		agentID:      agentID,
		model:        model,
		shapeExpr:    shapeExpr,
		host:         host,
		store:        store,
		budget:       budget,
		tickInterval: DefaultTickInterval,
		spawnSem:     semaphore.NewWeighted(DefaultSpawnConcurrency),
		graceWindow:  DefaultGraceMultiplier * DefaultTickInterval,
		fallbackTick: scripthost.DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the scheduler's tick loop and blocks until ctx is
// cancelled or Stop is called. startedAt is t=0 for the shape
// expression's free variable.
func (s *Scheduler) Run(ctx context.Context, startedAt time.Time) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.startedAt = startedAt
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// SetManualTarget installs the reserved UpdateAgentsCount override of
// spec.md §4.5; pass nil to return to shape-driven targeting.
func (s *Scheduler) SetManualTarget(n *int) {
	s.mu.Lock()
	s.manualTarget = n
	s.mu.Unlock()
}

// LiveCount returns the number of bots not yet destroyed (Running or
// Stopping-but-not-yet-reaped), matching the invariant in spec.md §3:
// live_bots(m).len() == Σ state_counts(m).
func (s *Scheduler) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bots)
}

// Snapshot returns a ModelStateSnapshot counting live bots by state,
// per spec.md §3.
func (s *Scheduler) Snapshot(ts time.Time) wire.ModelStateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[uint32]uint32)
	for _, e := range s.bots {
		counts[e.state.Load()]++
	}
	states := make([]wire.StateCount, 0, len(counts))
	for id, count := range counts {
		states = append(states, wire.StateCount{StateID: id, Count: count})
	}
	return wire.ModelStateSnapshot{Timestamp: ts, States: states}
}

// Drain begins terminating every live bot (the Stop{reset:false}
// transition of spec.md §4.5) and returns once the model reaches zero
// live bots or ctx is cancelled, whichever comes first.
func (s *Scheduler) Drain(ctx context.Context) {
	s.SetManualTarget(intPtr(0))
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		if s.LiveCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the tick loop; in-flight Fire calls are left to settle
// on their own goroutines (they hold no reference back into Scheduler
// state beyond the entry they were given).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func intPtr(n int) *int { return &n }

// Shutdown is the hard-stop used by Stop{reset:true}: it cancels the
// tick loop and immediately closes every live bot, skipping the grace
// window that Drain honours for a regular Stop{reset:false}.
func (s *Scheduler) Shutdown() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.bots {
		if err := s.host.Close(e.handle); err != nil {
			slog.Warn("bot close failed during shutdown", "model", s.model, "error", err)
		}
	}
	if s.budget != nil {
		s.budget.Release(len(s.bots))
	}
	s.bots = nil
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	target := s.computeTarget(now)

	s.mu.Lock()
	s.lastTarget = target
	live := len(s.bots)
	s.mu.Unlock()

	switch {
	case target > live:
		s.spawn(ctx, target-live)
	case target < live:
		s.beginStopping(ctx, live-target)
	}

	s.fireDueActions(ctx, now)
	s.reapStopped(now)
}

func (s *Scheduler) computeTarget(now time.Time) int {
	s.mu.Lock()
	manual := s.manualTarget
	startedAt := s.startedAt
	s.mu.Unlock()

	if manual != nil {
		return *manual
	}

	t := now.Sub(startedAt).Seconds()
	val, err := s.shapeExpr.Eval(t)
	if err != nil {
		slog.Error("shape evaluation failed, disabling model", "model", s.model, "error", err)
		return 0
	}
	return shape.TargetCount(val)
}

func (s *Scheduler) spawn(ctx context.Context, n int) {
	if s.budget != nil {
		granted := s.budget.Reserve(n)
		if granted < n {
			slog.Warn("hs_max_running_bots reached, spawn clamped", "model", s.model, "wanted", n, "granted", granted)
		}
		n = granted
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := s.spawnSem.Acquire(ctx, 1); err != nil {
			if s.budget != nil {
				s.budget.Release(n - i)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.spawnSem.Release(1)
			if !s.spawnOne(ctx) && s.budget != nil {
				s.budget.Release(1)
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) spawnOne(ctx context.Context) bool {
	s.mu.Lock()
	internalID := s.nextInternalID
	s.nextInternalID++
	botID := uint32(len(s.bots)) + uint32(internalID)
	s.mu.Unlock()

	identity := scripthost.BotIdentity{
		BotID:      botID,
		InternalID: internalID,
		GlobalID:   uint64(s.agentID)<<32 | internalID,
	}

	handle, err := s.host.Instantiate(ctx, identity)
	if err != nil {
		slog.Warn("bot construction failed", "model", s.model, "error", err)
		return false
	}

	actions, err := s.host.Register(ctx, handle)
	if err != nil {
		slog.Warn("bot registration failed", "model", s.model, "error", err)
		_ = s.host.Close(handle)
		return false
	}

	tickInterval := actions.TickInterval
	if tickInterval <= 0 {
		tickInterval = s.fallbackTick
	}

	entry := &botEntry{
		identity:     identity,
		handle:       handle,
		actions:      actions.Actions,
		tickInterval: tickInterval,
		nextFire:     time.Now().Add(tickInterval),
	}
	entry.state.Store(StateInitializing)

	s.fireEnterState(ctx, entry, StateRunning)
	entry.state.Store(StateRunning)

	s.mu.Lock()
	s.bots = append(s.bots, entry)
	s.mu.Unlock()
	return true
}

// fireEnterState synchronously invokes every EnterState(state) action
// registered for entry, per spec.md §4.4's "invoke EnterState(S)
// actions synchronously (awaited) before the bot is observable in the
// new state by the next snapshot".
func (s *Scheduler) fireEnterState(ctx context.Context, entry *botEntry, state uint32) {
	for _, a := range entry.actions {
		if a.Trigger != scripthost.TriggerEnterState || a.State != state {
			continue
		}
		entry.actionMu.Lock()
		sample, err := s.host.Fire(ctx, entry.handle, a)
		entry.actionMu.Unlock()
		if err != nil {
			slog.Warn("enter-state action failed", "model", s.model, "state", state, "error", err)
			continue
		}
		s.store.Record(sample.Action, sample.Status, sample.Elapsed)
	}
}

func (s *Scheduler) beginStopping(ctx context.Context, n int) {
	s.mu.Lock()
	var chosen []*botEntry
	for _, e := range s.bots {
		if len(chosen) >= n {
			break
		}
		if e.state.Load() == StateRunning {
			chosen = append(chosen, e)
		}
	}
	s.mu.Unlock()

	now := time.Now()
	for _, e := range chosen {
		e.stoppingSince = now
		e.state.Store(StateStopping)
		s.fireEnterState(ctx, e, StateStopping)
	}
}

func (s *Scheduler) fireDueActions(ctx context.Context, now time.Time) {
	s.mu.Lock()
	bots := append([]*botEntry(nil), s.bots...)
	s.mu.Unlock()

	for _, e := range bots {
		if e.state.Load() != StateRunning {
			continue
		}
		if now.Before(e.nextFire) {
			continue
		}
		e.nextFire = now.Add(e.tickInterval)

		action := pickAliveAction(e.actions)
		if action == nil {
			continue
		}
		if !e.actionMu.TryLock() {
			continue // previous fire still in flight; skip this tick
		}
		go func(entry *botEntry, act scripthost.ActionHandle) {
			defer entry.actionMu.Unlock()
			sample, err := s.host.Fire(ctx, entry.handle, act)
			if err != nil {
				slog.Warn("action fire failed", "model", s.model, "action", act.Name, "error", err)
				return
			}
			// Script error: negative status, bot stays Running, per
			// spec.md §4.4 failure semantics.
			s.store.Record(sample.Action, sample.Status, sample.Elapsed)
		}(e, *action)
	}
}

func (s *Scheduler) reapStopped(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	kept := s.bots[:0:0]
	for _, e := range s.bots {
		if e.state.Load() == StateStopping && now.Sub(e.stoppingSince) >= s.graceWindow {
			if err := s.host.Close(e.handle); err != nil {
				slog.Warn("bot close failed", "model", s.model, "error", err)
			}
			reaped++
			continue
		}
		kept = append(kept, e)
	}
	s.bots = kept
	if s.budget != nil {
		s.budget.Release(reaped)
	}
}

// pickAliveAction performs the weighted sample of spec.md §4.4 step 4:
// weights >= 0, at least one > 0, ties broken by registration order
// (the iteration order of actions, preserved from Register).
func pickAliveAction(actions []scripthost.ActionHandle) *scripthost.ActionHandle {
	var alive []scripthost.ActionHandle
	var total float64
	for _, a := range actions {
		if a.Trigger == scripthost.TriggerAlive && a.Weight > 0 {
			alive = append(alive, a)
			total += a.Weight
		}
	}
	if len(alive) == 0 {
		return nil
	}
	r := rand.Float64() * total
	var cum float64
	for i := range alive {
		cum += alive[i].Weight
		if r < cum {
			return &alive[i]
		}
	}
	return &alive[len(alive)-1]
}

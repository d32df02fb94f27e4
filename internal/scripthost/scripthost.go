// Package scripthost defines the bot runtime adapter capability seam of
// spec.md §4.2/§9: {Instantiate, Register, Fire}, hiding the embedded
// dynamic-script host behind an interface so alternative hosts can be
// plugged in without touching internal/botpool.
package scripthost

import (
	"context"
	"time"
)

// BotIdentity is the triple passed to a script's constructor, per
// spec.md §4.2.
type BotIdentity struct {
	BotID      uint32
	InternalID uint64
	GlobalID   uint64
}

// Trigger discriminates the two Action trigger kinds of spec.md §3.
type Trigger int

const (
	TriggerAlive Trigger = iota
	TriggerEnterState
)

// ActionHandle identifies one registered action (trigger, weight,
// callback) within a bot's ActionSet.
type ActionHandle struct {
	Name    string
	Trigger Trigger
	// State is meaningful only when Trigger == TriggerEnterState.
	State uint32
	// Weight is meaningful only when Trigger == TriggerAlive; weights
	// >= 0, at least one > 0, tie-broken by registration order
	// (spec.md §4.4).
	Weight float64
}

// ActionSet is the write-only registry a script populates during
// Register; it is consumed on return (spec.md §4.2).
type ActionSet struct {
	Actions      []ActionHandle
	TickInterval time.Duration
}

// DefaultTickInterval is the per-model tick interval used when a script
// does not specify one, per spec.md §4.2.
const DefaultTickInterval = 5000 * time.Millisecond

// BotHandle is an opaque reference to one instantiated script object.
// Concrete hosts embed whatever state they need (e.g. a goja.Value)
// behind this interface.
type BotHandle interface {
	// GlobalID returns the identity the handle was instantiated with,
	// so callers can log/attribute without a second lookup.
	GlobalID() uint64
}

// PerformanceSample is the result of one Fire call, per spec.md §3.
type PerformanceSample struct {
	Action  string
	Status  int64
	Elapsed time.Duration
}

// Host is the capability interface spec.md §9 names: the only seam
// between internal/botpool and whichever dynamic-script engine backs it.
type Host interface {
	// Instantiate invokes the script's new({bot_id, internal_id,
	// global_id}) constructor. It returns an error if the script fails
	// to load, defines no new(), or new() throws.
	Instantiate(ctx context.Context, id BotIdentity) (BotHandle, error)

	// Register invokes the script's register_bot(bot, registry) and returns
	// the captured ActionSet. The registry is write-only and consumed
	// on return, per spec.md §4.2.
	Register(ctx context.Context, handle BotHandle) (ActionSet, error)

	// Fire invokes the named action's async callback, measuring
	// wall-clock duration. Script errors are surfaced as a negative
	// status rather than a Go error, so the bot stays Running
	// (spec.md §4.4 failure semantics) — Fire itself only returns an
	// error for host-level failures (e.g. the bot's handle is invalid).
	Fire(ctx context.Context, handle BotHandle, action ActionHandle) (PerformanceSample, error)

	// Close releases any resources (event loop, runtime) pinned to a
	// bot handle. Safe to call once the bot has transitioned to
	// Stopping and its in-flight action (if any) has settled.
	Close(handle BotHandle) error
}

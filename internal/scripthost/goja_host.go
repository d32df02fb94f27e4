package scripthost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// GojaHost is the concrete binding of the Host seam to
// github.com/dop251/goja, an embeddable ECMAScript interpreter, plus
// github.com/dop251/goja_nodejs/eventloop for the "cooperative async"
// requirement of spec.md §4.2/§9. Each bot gets its own goja.Runtime and
// event loop, satisfying the "single-threaded, pinned per-bot" script
// context rule of spec.md §5.
//
// Script contract (a thin convention layered over plain JS, since
// spec.md §1 treats the scripting runtime itself as out of scope).
// `new` is a reserved word in JS, so the constructor is assigned as a
// global property rather than declared with a function statement:
//
//	this.new = function(identity) { return { ...bot state... } }
//	function register_bot(bot, registry) {
//	  registry.tickInterval(5000)
//	  registry.alive("browse", 1, function(bot) { ... return status or Promise ... })
//	  registry.enterState("running", 1, function(bot) { ... })
//	}
type GojaHost struct {
	source string // the model script, shared read-only across bots
}

func NewGojaHost(source string) *GojaHost {
	return &GojaHost{source: source}
}

type gojaBot struct {
	id       BotIdentity
	loop     *eventloop.EventLoop
	value    goja.Value // the object new() returned
	registry *actionRegistry

	mu sync.Mutex
}

func (b *gojaBot) GlobalID() uint64 { return b.id.GlobalID }

type actionRegistry struct {
	set      ActionSet
	handlers map[string]goja.Callable
}

func (h *GojaHost) Instantiate(ctx context.Context, id BotIdentity) (BotHandle, error) {
	loop := eventloop.NewEventLoop()
	loop.Start()

	bot := &gojaBot{id: id, loop: loop}

	type result struct {
		val goja.Value
		err error
	}
	resultCh := make(chan result, 1)

	loop.RunOnLoop(func(vm *goja.Runtime) {
		if _, err := vm.RunString(h.source); err != nil {
			resultCh <- result{err: fmt.Errorf("load model script: %w", err)}
			return
		}

		ctor, ok := goja.AssertFunction(vm.Get("new"))
		if !ok {
			resultCh <- result{err: fmt.Errorf("model script does not export new(identity)")}
			return
		}

		identity := vm.NewObject()
		_ = identity.Set("bot_id", id.BotID)
		_ = identity.Set("internal_id", id.InternalID)
		_ = identity.Set("global_id", id.GlobalID)

		val, err := ctor(goja.Undefined(), identity)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("new(): %w", err)}
			return
		}
		resultCh <- result{val: val}
	})

	select {
	case <-ctx.Done():
		loop.Stop()
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			loop.Stop()
			return nil, r.err
		}
		bot.value = r.val
		return bot, nil
	}
}

func (h *GojaHost) Register(ctx context.Context, handle BotHandle) (ActionSet, error) {
	bot, ok := handle.(*gojaBot)
	if !ok {
		return ActionSet{}, fmt.Errorf("scripthost: handle is not a goja bot")
	}

	type result struct {
		set *actionRegistry
		err error
	}
	resultCh := make(chan result, 1)

	bot.loop.RunOnLoop(func(vm *goja.Runtime) {
		fn, ok := goja.AssertFunction(vm.Get("register_bot"))
		if !ok {
			resultCh <- result{err: fmt.Errorf("model script does not export register_bot(bot, registry)")}
			return
		}

		reg := &actionRegistry{
			set:      ActionSet{TickInterval: DefaultTickInterval},
			handlers: make(map[string]goja.Callable),
		}
		jsRegistry := vm.NewObject()
		_ = jsRegistry.Set("tickInterval", func(ms int64) {
			reg.set.TickInterval = time.Duration(ms) * time.Millisecond
		})
		_ = jsRegistry.Set("alive", func(name string, weight float64, cb goja.Callable) {
			reg.set.Actions = append(reg.set.Actions, ActionHandle{Name: name, Trigger: TriggerAlive, Weight: weight})
			reg.handlers[actionKey(name, TriggerAlive, 0)] = cb
		})
		_ = jsRegistry.Set("enterState", func(name string, state int64, cb goja.Callable) {
			reg.set.Actions = append(reg.set.Actions, ActionHandle{Name: name, Trigger: TriggerEnterState, State: uint32(state)})
			reg.handlers[actionKey(name, TriggerEnterState, uint32(state))] = cb
		})

		if _, err := fn(goja.Undefined(), bot.value, jsRegistry); err != nil {
			resultCh <- result{err: fmt.Errorf("register_bot(): %w", err)}
			return
		}
		resultCh <- result{set: reg}
	})

	select {
	case <-ctx.Done():
		return ActionSet{}, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return ActionSet{}, r.err
		}
		bot.mu.Lock()
		bot.registry = r.set
		bot.mu.Unlock()
		return r.set.set, nil
	}
}

func actionKey(name string, trig Trigger, state uint32) string {
	return fmt.Sprintf("%d:%d:%s", trig, state, name)
}

func (h *GojaHost) Fire(ctx context.Context, handle BotHandle, action ActionHandle) (PerformanceSample, error) {
	bot, ok := handle.(*gojaBot)
	if !ok {
		return PerformanceSample{}, fmt.Errorf("scripthost: handle is not a goja bot")
	}

	bot.mu.Lock()
	reg := bot.registry
	bot.mu.Unlock()
	if reg == nil {
		return PerformanceSample{}, fmt.Errorf("scripthost: bot has no registered actions")
	}
	cb, ok := reg.handlers[actionKey(action.Name, action.Trigger, action.State)]
	if !ok {
		return PerformanceSample{}, fmt.Errorf("scripthost: no handler registered for action %q", action.Name)
	}

	start := time.Now()

	doneCh := make(chan fireOutcome, 1)

	bot.loop.RunOnLoop(func(vm *goja.Runtime) {
		val, err := cb(goja.Undefined(), bot.value)
		if err != nil {
			doneCh <- fireOutcome{status: -1}
			return
		}

		if _, ok := val.Export().(*goja.Promise); ok {
			settlePromise(vm, val, doneCh)
			return
		}
		doneCh <- fireOutcome{status: exportStatus(val)}
	})

	select {
	case <-ctx.Done():
		return PerformanceSample{Action: action.Name, Status: -1, Elapsed: time.Since(start)}, ctx.Err()
	case out := <-doneCh:
		status := out.status
		if out.err != nil {
			status = -1
		}
		return PerformanceSample{
			Action:  action.Name,
			Status:  status,
			Elapsed: time.Since(start),
		}, nil
	}
}

type fireOutcome struct {
	status int64
	err    error
}

// settlePromise attaches native .then/.catch reactions to the action's
// returned promise instead of sampling its state once. The event loop
// drains pending jobs (timers, other microtasks) between RunOnLoop
// calls, so a promise that settles later — e.g. from a setTimeout — runs
// these reactions on the loop goroutine whenever that happens, and
// doneCh receives the outcome at that point rather than immediately.
func settlePromise(vm *goja.Runtime, promiseVal goja.Value, doneCh chan<- fireOutcome) {
	then, ok := goja.AssertFunction(promiseVal.ToObject(vm).Get("then"))
	if !ok {
		doneCh <- fireOutcome{status: -1}
		return
	}

	onFulfilled := func(call goja.FunctionCall) goja.Value {
		var result goja.Value
		if len(call.Arguments) > 0 {
			result = call.Arguments[0]
		}
		doneCh <- fireOutcome{status: exportStatus(result)}
		return goja.Undefined()
	}
	onRejected := func(call goja.FunctionCall) goja.Value {
		doneCh <- fireOutcome{status: -1}
		return goja.Undefined()
	}

	if _, err := then(promiseVal, vm.ToValue(onFulfilled), vm.ToValue(onRejected)); err != nil {
		doneCh <- fireOutcome{status: -1}
	}
}

func exportStatus(v goja.Value) int64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	switch exported := v.Export().(type) {
	case int64:
		return exported
	case int:
		return int64(exported)
	case float64:
		return int64(exported)
	default:
		return 0
	}
}

func (h *GojaHost) Close(handle BotHandle) error {
	bot, ok := handle.(*gojaBot)
	if !ok {
		return fmt.Errorf("scripthost: handle is not a goja bot")
	}
	bot.loop.Stop()
	return nil
}

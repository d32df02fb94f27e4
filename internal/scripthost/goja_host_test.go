package scripthost

import (
	"context"
	"testing"
	"time"
)

const echoModelScript = `
this.new = function(identity) {
  return { fires: 0, id: identity.global_id };
};

function register_bot(bot, registry) {
  registry.tickInterval(1000);
  registry.alive("browse", 1, function(b) {
    b.fires = b.fires + 1;
    return 200;
  });
  registry.enterState("running", 1, function(b) {
    return 0;
  });
}
`

func TestGojaHostInstantiateRegisterFire(t *testing.T) {
	host := NewGojaHost(echoModelScript)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	handle, err := host.Instantiate(ctx, BotIdentity{BotID: 1, InternalID: 2, GlobalID: 42})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer host.Close(handle)

	if handle.GlobalID() != 42 {
		t.Fatalf("GlobalID() = %d, want 42", handle.GlobalID())
	}

	actions, err := host.Register(ctx, handle)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if actions.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want 1s", actions.TickInterval)
	}
	if len(actions.Actions) != 2 {
		t.Fatalf("expected 2 registered actions, got %d", len(actions.Actions))
	}

	var browse ActionHandle
	for _, a := range actions.Actions {
		if a.Name == "browse" {
			browse = a
		}
	}
	if browse.Name != "browse" || browse.Trigger != TriggerAlive {
		t.Fatalf("browse action not registered correctly: %+v", browse)
	}

	sample, err := host.Fire(ctx, handle, browse)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if sample.Action != "browse" {
		t.Errorf("sample.Action = %q, want browse", sample.Action)
	}
	if sample.Status != 200 {
		t.Errorf("sample.Status = %d, want 200", sample.Status)
	}
	if sample.Elapsed < 0 {
		t.Errorf("sample.Elapsed = %v, want non-negative", sample.Elapsed)
	}
}

func TestGojaHostFireUnknownActionErrors(t *testing.T) {
	host := NewGojaHost(echoModelScript)
	ctx := context.Background()

	handle, err := host.Instantiate(ctx, BotIdentity{GlobalID: 1})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer host.Close(handle)

	if _, err := host.Register(ctx, handle); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = host.Fire(ctx, handle, ActionHandle{Name: "does-not-exist", Trigger: TriggerAlive})
	if err == nil {
		t.Fatal("expected an error for an unregistered action")
	}
}

const asyncModelScript = `
this.new = function(identity) {
  return {};
};

function register_bot(bot, registry) {
  registry.alive("wait", 1, function(b) {
    return new Promise(function(resolve) {
      setTimeout(function() { resolve(202); }, 20);
    });
  });
}
`

func TestGojaHostFireAwaitsPendingPromise(t *testing.T) {
	host := NewGojaHost(asyncModelScript)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := host.Instantiate(ctx, BotIdentity{GlobalID: 1})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer host.Close(handle)

	actions, err := host.Register(ctx, handle)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	wait := actions.Actions[0]

	start := time.Now()
	sample, err := host.Fire(ctx, handle, wait)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if sample.Status != 202 {
		t.Errorf("sample.Status = %d, want 202 (promise resolved via setTimeout)", sample.Status)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("Fire returned after %v, want it to have actually waited for the setTimeout", time.Since(start))
	}
}

func TestGojaHostInstantiateRejectsMissingConstructor(t *testing.T) {
	host := NewGojaHost(`function register_bot(bot, registry) {}`)
	ctx := context.Background()

	if _, err := host.Instantiate(ctx, BotIdentity{GlobalID: 7}); err == nil {
		t.Fatal("expected Instantiate to fail when the script has no new()")
	}
}

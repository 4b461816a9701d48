package runtime

import (
	"context"
	"testing"
)

func TestLifecyclePhaseNames(t *testing.T) {
	phases := []LifecyclePhase{
		PhaseInitializing,
		PhaseHealthChecksRunning,
		PhaseBeforeServiceHooksRunning,
		PhaseServicesRunning,
		PhaseServicesStopping,
		PhaseOnShutdownHooksRunning,
		PhaseTerminated,
	}
	seen := map[string]bool{}
	for _, phase := range phases {
		name := phase.String()
		if name == "unknown" || seen[name] {
			t.Fatalf("phase %d has bad name %q", phase, name)
		}
		seen[name] = true
	}
}

func TestLifecycleStateForwardOnly(t *testing.T) {
	var state lifecycleState
	if state.current() != PhaseInitializing {
		t.Fatal("must start in initializing")
	}
	if err := state.transition(PhaseServicesRunning); err != nil {
		t.Fatal(err)
	}
	if err := state.transition(PhaseHealthChecksRunning); err == nil {
		t.Fatal("backwards transition must fail")
	}
	if err := state.transition(PhaseServicesRunning); err == nil {
		t.Fatal("self transition must fail")
	}
	if err := state.transition(PhaseTerminated); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateHandlerSkipsWithoutConfig(t *testing.T) {
	app := testAppContext(t)
	// auto-migrate off and no source configured: must be a no-op.
	if err := (MigrateLifecycleHandler{}).BeforeServices(context.Background(), app); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleRegistryDefaults(t *testing.T) {
	app := testAppContext(t)
	registryHandle, err := NewLifecycleRegistry(app)
	if err != nil {
		t.Fatal(err)
	}
	if !registryHandle.Has("db-migration") {
		t.Fatal("db-migration handler should be registered by default")
	}
}

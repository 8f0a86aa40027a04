package recovery

import (
	"errors"
	"testing"
)

func TestHardwareBudgetEscalatesToBusReset(t *testing.T) {
	resets := 0
	m := NewMachine(Hooks{ResetBus: func() error { resets++; return nil }})

	ev := ErrorEvent{Category: Hardware, Source: "led", Err: errors.New("nack")}

	for i := 0; i < 3; i++ {
		if a := m.Report(ev); a.Kind != Retry {
			t.Fatalf("failure %d = %s, want retry", i+1, a.Kind)
		}
	}

	if a := m.Report(ev); a.Kind != ResetBus {
		t.Fatalf("4th failure = %s, want reset_bus", a.Kind)
	}
	if resets != 1 {
		t.Errorf("bus reset hook ran %d times, want 1", resets)
	}
}

func TestCommunicationExhaustionGoesStandalone(t *testing.T) {
	standalone := false
	m := NewMachine(Hooks{Standalone: func() { standalone = true }})

	ev := ErrorEvent{Category: Communication, Source: "join"}
	for i := 0; i < 3; i++ {
		m.Report(ev)
	}
	if a := m.Report(ev); a.Kind != FallbackStandalone {
		t.Fatalf("exhausted communication = %s, want fallback_standalone", a.Kind)
	}
	if !standalone {
		t.Errorf("standalone hook did not run")
	}
}

func TestResourceHasNoRetries(t *testing.T) {
	rebooted := false
	m := NewMachine(Hooks{RequestReboot: func() { rebooted = true }})

	a := m.Report(ErrorEvent{Category: Resource, Source: "heap"})
	if a.Kind != Reboot {
		t.Fatalf("first resource failure = %s, want reboot", a.Kind)
	}
	if !rebooted {
		t.Errorf("reboot hook did not run")
	}
}

func TestProtocolIsDropped(t *testing.T) {
	m := NewMachine(Hooks{})

	for i := 0; i < 5; i++ {
		if a := m.Report(ErrorEvent{Category: Protocol, Source: "rx"}); a.Kind != Ignore {
			t.Fatalf("protocol failure %d = %s, want ignore", i+1, a.Kind)
		}
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	m := NewMachine(Hooks{})

	ev := ErrorEvent{Category: Hardware, Source: "haptic"}
	m.Report(ev)
	m.Report(ev)
	m.Success(Hardware, "haptic")

	// Counter reset: three more retries before escalation.
	for i := 0; i < 3; i++ {
		if a := m.Report(ev); a.Kind != Retry {
			t.Fatalf("failure %d after success = %s, want retry", i+1, a.Kind)
		}
	}
	if a := m.Report(ev); a.Kind != ResetBus {
		t.Errorf("post-reset exhaustion = %s, want reset_bus", a.Kind)
	}
}

func TestCountersAreKeyedPerSource(t *testing.T) {
	m := NewMachine(Hooks{})

	led := ErrorEvent{Category: Hardware, Source: "led"}
	imu := ErrorEvent{Category: Hardware, Source: "imu"}

	m.Report(led)
	m.Report(led)
	m.Report(led)

	// A different source at the same category still has its full budget.
	if a := m.Report(imu); a.Kind != Retry {
		t.Errorf("imu first failure = %s, want retry", a.Kind)
	}
	if a := m.Report(led); a.Kind != ResetBus {
		t.Errorf("led 4th failure = %s, want reset_bus", a.Kind)
	}
}

func TestEscalationIsDeterministic(t *testing.T) {
	m := NewMachine(Hooks{})
	ev := ErrorEvent{Category: Communication, Source: "sync"}

	// Budget B=3: the (B+1)-th consecutive failure escalates, every cycle.
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 3; i++ {
			if a := m.Report(ev); a.Kind != Retry {
				t.Fatalf("cycle %d failure %d = %s, want retry", cycle, i+1, a.Kind)
			}
		}
		if a := m.Report(ev); a.Kind != FallbackStandalone {
			t.Fatalf("cycle %d escalation = %s, want fallback_standalone", cycle, a.Kind)
		}
	}
}

func TestClassifyDoesNotMutate(t *testing.T) {
	m := NewMachine(Hooks{})
	ev := ErrorEvent{Category: Hardware, Source: "led"}

	for i := 0; i < 10; i++ {
		if a := m.Classify(ev); a.Kind != Retry {
			t.Fatalf("Classify advanced the counter on call %d", i+1)
		}
	}
}

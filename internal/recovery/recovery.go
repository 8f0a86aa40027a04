// Package recovery implements the shared fault-classification and recovery
// state machine. Every subsystem reports typed failures here; policy
// evaluation is pure, and Execute is the only place with side effects.
package recovery

import (
	"log"
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/metrics"
)

// Category classifies a failure for recovery policy purposes. Every failure
// carries exactly one category, chosen by its source.
type Category uint8

const (
	Hardware Category = iota + 1
	Communication
	Resource
	Protocol
)

func (c Category) String() string {
	switch c {
	case Hardware:
		return "hardware"
	case Communication:
		return "communication"
	case Resource:
		return "resource"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ActionKind is the recovery decision for one reported event.
type ActionKind uint8

const (
	Retry ActionKind = iota + 1
	ResetBus
	FallbackStandalone
	Reboot
	Ignore
)

func (k ActionKind) String() string {
	switch k {
	case Retry:
		return "retry"
	case ResetBus:
		return "reset_bus"
	case FallbackStandalone:
		return "fallback_standalone"
	case Reboot:
		return "reboot"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// ErrorEvent is a transient failure report. It is consumed by the machine
// and discarded.
type ErrorEvent struct {
	Category  Category
	Source    string
	Err       error
	Timestamp time.Time
}

// Action is the transient output of policy evaluation.
type Action struct {
	Kind   ActionKind
	Source string
}

type policy struct {
	budget    int
	exhausted ActionKind
}

// The policy table. Budget is the number of consecutive failures absorbed
// as retries before the terminal action fires.
var policyTable = map[Category]policy{
	Hardware:      {budget: 3, exhausted: ResetBus},
	Communication: {budget: 3, exhausted: FallbackStandalone},
	Resource:      {budget: 0, exhausted: Reboot},
	Protocol:      {budget: 0, exhausted: Ignore},
}

type counterKey struct {
	cat    Category
	source string
}

// Hooks receive the side effects of terminal actions. The machine never
// resets the bus, drops a master, or reboots by itself; it delegates to the
// owning component. A nil hook turns that action into a logged no-op.
type Hooks struct {
	ResetBus      func() error // Shared Resource Arbiter recovery
	Standalone    func()       // Join/Election: abandon master, run standalone
	RequestReboot func()       // surfaced to the supervisory layer
}

// Machine holds the per-(category, source) retry counters. All methods are
// safe for concurrent use; recovery runs synchronously on whichever
// goroutine reports the event.
type Machine struct {
	mu       sync.Mutex
	counters map[counterKey]int
	hooks    Hooks
}

func NewMachine(hooks Hooks) *Machine {
	return &Machine{
		counters: make(map[counterKey]int),
		hooks:    hooks,
	}
}

// Classify evaluates the policy table against the current retry counter
// without mutating anything.
func (m *Machine) Classify(ev ErrorEvent) Action {
	m.mu.Lock()
	count := m.counters[counterKey{ev.Category, ev.Source}]
	m.mu.Unlock()
	return decide(ev, count)
}

func decide(ev ErrorEvent, count int) Action {
	p, ok := policyTable[ev.Category]
	if !ok {
		// Unknown category: treat as protocol noise, never crash.
		return Action{Kind: Ignore, Source: ev.Source}
	}
	if count < p.budget {
		return Action{Kind: Retry, Source: ev.Source}
	}
	return Action{Kind: p.exhausted, Source: ev.Source}
}

// Report counts the event, classifies it, executes the resulting action and
// returns it. Exhausting a budget always produces the terminal action and
// resets the counter, so no (category, source) pair can livelock.
func (m *Machine) Report(ev ErrorEvent) Action {
	key := counterKey{ev.Category, ev.Source}

	m.mu.Lock()
	count := m.counters[key]
	action := decide(ev, count)
	if action.Kind == Retry {
		m.counters[key] = count + 1
	} else {
		delete(m.counters, key)
	}
	m.mu.Unlock()

	metrics.ErrorEvents.WithLabelValues(ev.Category.String(), ev.Source).Inc()
	metrics.RecoveryActions.WithLabelValues(action.Kind.String()).Inc()

	log.Printf("Recovery: %s error from %s -> %s (err: %v)",
		ev.Category, ev.Source, action.Kind, ev.Err)

	m.execute(action)
	return action
}

// Success resets the retry counter for a (category, source) pair.
func (m *Machine) Success(cat Category, source string) {
	m.mu.Lock()
	delete(m.counters, counterKey{cat, source})
	m.mu.Unlock()
}

func (m *Machine) execute(action Action) {
	switch action.Kind {
	case Retry, Ignore:
		// the source retries on its own schedule; nothing to do here
	case ResetBus:
		if m.hooks.ResetBus != nil {
			if err := m.hooks.ResetBus(); err != nil {
				log.Printf("Recovery: bus reset failed: %v", err)
			}
		}
	case FallbackStandalone:
		if m.hooks.Standalone != nil {
			m.hooks.Standalone()
		}
	case Reboot:
		if m.hooks.RequestReboot != nil {
			m.hooks.RequestReboot()
		} else {
			log.Printf("Recovery: reboot requested but no supervisor attached")
		}
	}
}

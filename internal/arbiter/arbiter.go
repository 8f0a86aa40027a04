// Package arbiter serializes access to the contended local peripheral bus.
// Driver collaborators never touch the bus directly; they go through an
// Arbiter instance injected into them, and bus-level recovery is driven only
// by the recovery state machine's ResetBus action.
package arbiter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/recovery"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// Bus is the hardware hook the arbiter guards. Reset performs the bus-level
// reset sequence and leaves the bus usable.
type Bus interface {
	Reset() error
}

// Arbiter guarantees exactly one holder of the bus at a time. Acquire blocks
// until the bus is free or the context is canceled; the returned release
// function must run on every exit path.
//
// The token carries the generation it was minted in. Recover retires the
// current generation, so a token taken just before a recovery fails its
// generation check and is discarded instead of granting a second holder.
type Arbiter struct {
	bus Bus
	tok chan uint64

	mu  sync.Mutex
	gen uint64 // bumped by Recover; invalidates stale tokens and releases
}

func New(bus Bus) *Arbiter {
	a := &Arbiter{
		bus: bus,
		tok: make(chan uint64, 1),
	}
	a.tok <- 0
	return a
}

// Acquire blocks until the bus is free. The caller must invoke the returned
// release exactly once; extra calls and releases stale after a Recover are
// no-ops.
func (a *Arbiter) Acquire(ctx context.Context) (func(), error) {
	for {
		select {
		case g := <-a.tok:
			if release, ok := a.grant(g); ok {
				return release, nil
			}
			// Token minted before a recovery; wait for the live one.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire is the non-blocking form; it returns ErrBusHeld when another
// holder has the bus.
func (a *Arbiter) TryAcquire() (func(), error) {
	for {
		select {
		case g := <-a.tok:
			if release, ok := a.grant(g); ok {
				return release, nil
			}
		default:
			return nil, perrs.ErrBusHeld
		}
	}
}

// grant validates a received token against the live generation and builds
// its release. A stale token is swallowed: the recovery that retired it
// already minted a replacement.
func (a *Arbiter) grant(g uint64) (func(), bool) {
	a.mu.Lock()
	live := g == a.gen
	a.mu.Unlock()
	if !live {
		return nil, false
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if g != a.gen {
				return
			}
			select {
			case a.tok <- g:
			default:
			}
		})
	}
	return release, true
}

// With runs fn while holding the bus, releasing on every path.
func (a *Arbiter) With(ctx context.Context, fn func() error) error {
	release, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Recover resets the bus and returns it to the free state. It is invoked
// only by the recovery machine's ResetBus action; a holder stuck mid
// transaction loses its claim and its release becomes a no-op.
func (a *Arbiter) Recover() error {
	a.mu.Lock()
	a.gen++ // retire outstanding tokens and releases
	gen := a.gen
	// Discard a free token from the retired generation.
	select {
	case <-a.tok:
	default:
	}
	a.mu.Unlock()

	var err error
	if a.bus != nil {
		if resetErr := a.bus.Reset(); resetErr != nil {
			err = fmt.Errorf("%w: %v", perrs.ErrBusFault, resetErr)
		}
	}

	// Mint the new generation's token unless a later recovery superseded us.
	a.mu.Lock()
	if gen == a.gen {
		select {
		case a.tok <- gen:
		default:
		}
	}
	a.mu.Unlock()

	metrics.BusResets.Inc()
	if err != nil {
		log.Printf("Arbiter: bus reset completed with error: %v", err)
	} else {
		log.Printf("Arbiter: bus reset completed")
	}
	return err
}

// Capability is the contract every peripheral driver variant implements.
// The coordination core depends only on this contract, never on concrete
// driver types.
type Capability interface {
	Init(ctx context.Context) error
	SelfTest(ctx context.Context) error
	Execute(ctx context.Context) error
}

// Runner executes capability operations under the bus, feeding failures into
// the recovery machine as Hardware events and clearing the retry counter on
// success.
type Runner struct {
	arb     *Arbiter
	machine *recovery.Machine
}

func NewRunner(arb *Arbiter, machine *recovery.Machine) *Runner {
	return &Runner{arb: arb, machine: machine}
}

// Run acquires the bus, runs op, and reports the outcome under source.
func (r *Runner) Run(ctx context.Context, source string, op func(context.Context) error) error {
	err := r.arb.With(ctx, func() error { return op(ctx) })
	if err == nil {
		r.machine.Success(recovery.Hardware, source)
		return nil
	}
	if ctx.Err() != nil {
		return err // canceled, not a hardware fault
	}
	r.machine.Report(recovery.ErrorEvent{
		Category:  recovery.Hardware,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
	})
	return err
}

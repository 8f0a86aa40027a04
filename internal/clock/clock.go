// Package clock implements the mesh clock synchronization engine. The
// master broadcasts its time every sync interval; followers estimate offset
// and drift, optionally refining with round-trip measurements. The corrected
// clock is what the game layer schedules cues against.
package clock

import (
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/metrics"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// Confidence qualifies how trustworthy the current offset is. Cue scheduling
// must not happen while Unsynced.
type Confidence uint8

const (
	Unsynced Confidence = iota
	Coarse
	Fine
)

func (c Confidence) String() string {
	switch c {
	case Unsynced:
		return "unsynced"
	case Coarse:
		return "coarse"
	case Fine:
		return "fine"
	default:
		return "unknown"
	}
}

// State is a consistent snapshot of the engine. OffsetUs is the master's
// clock minus the local clock, so corrected time is local + offset.
type State struct {
	OffsetUs   int64
	DriftPpm   float64
	LastSyncUs int64 // local time of the last accepted SYNC
	LastRTTUs  int64 // last accepted round trip, 0 if none yet
	Confidence Confidence
}

// Config holds the engine's timing parameters in microseconds.
type Config struct {
	SyncIntervalUs int64 // master broadcast period (default 100ms)
	MaxStepUs      int64 // per-SYNC correction clamp (default 2ms)
	MaxSaneRTTUs   int64 // round trips above this are rejected (default 10ms)

	// Now returns the local monotonic clock in microseconds. Tests inject
	// a fake; production uses the process monotonic clock.
	Now func() int64
}

const (
	DefaultSyncIntervalUs = 100_000
	DefaultMaxStepUs      = 2_000
	DefaultMaxSaneRTTUs   = 10_000

	driftAlpha = 0.1 // low-pass factor for the drift estimate
)

// Engine estimates the offset to the master clock. All mutation happens on
// the node's receive task; reads take a consistent snapshot.
type Engine struct {
	cfg Config

	mu           sync.Mutex
	offsetUs     int64
	driftPpm     float64
	confidence   Confidence
	lastSyncUs   int64 // local receipt time of last accepted SYNC
	lastSyncOff  int64 // offset estimate at last SYNC, for drift
	haveSync     bool
	lastRTTUs    int64
	lastRTUs     int64 // local time of last accepted round trip
	pendingT1    int64
	havePending  bool
	lastAcceptT1 int64 // round trips at or before this t1 are stale
}

func NewEngine(cfg Config) *Engine {
	if cfg.SyncIntervalUs == 0 {
		cfg.SyncIntervalUs = DefaultSyncIntervalUs
	}
	if cfg.MaxStepUs == 0 {
		cfg.MaxStepUs = DefaultMaxStepUs
	}
	if cfg.MaxSaneRTTUs == 0 {
		cfg.MaxSaneRTTUs = DefaultMaxSaneRTTUs
	}
	if cfg.Now == nil {
		epoch := time.Now()
		cfg.Now = func() int64 { return time.Since(epoch).Microseconds() }
	}
	return &Engine{cfg: cfg}
}

// LocalUs returns the raw local monotonic clock.
func (e *Engine) LocalUs() int64 {
	return e.cfg.Now()
}

// SyncIntervalUs returns the configured master broadcast period.
func (e *Engine) SyncIntervalUs() int64 {
	return e.cfg.SyncIntervalUs
}

// Now returns local monotonic time adjusted by the current offset estimate.
// On the master (or before any sync) this is just the local clock.
func (e *Engine) Now() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Now() + e.offsetUs
}

// Confidence returns the current confidence, degrading Fine to Coarse when
// the last round trip is older than two sync intervals.
func (e *Engine) Confidence() Confidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degradeLocked()
	return e.confidence
}

// Snapshot returns a consistent copy of the clock state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degradeLocked()
	return State{
		OffsetUs:   e.offsetUs,
		DriftPpm:   e.driftPpm,
		LastSyncUs: e.lastSyncUs,
		LastRTTUs:  e.lastRTTUs,
		Confidence: e.confidence,
	}
}

// Reset clears all sync state, for master loss or role change. The engine
// returns to Unsynced and the next SYNC starts a fresh estimate.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsetUs = 0
	e.driftPpm = 0
	e.confidence = Unsynced
	e.haveSync = false
	e.havePending = false
	e.lastRTTUs = 0
	e.lastRTUs = 0
	e.lastAcceptT1 = 0
	metrics.SyncConfidence.Set(float64(Unsynced))
	metrics.ClockOffset.Set(0)
}

// OnSync incorporates one SYNC broadcast stamped with the master's send
// time. The one-way estimate includes transit delay, so the correction is
// clamped to MaxStepUs per message; the round-trip path provides precision.
// Duplicate SYNCs are harmless: a repeat at the same local time nudges
// toward the same target.
func (e *Engine) OnSync(masterSendUs int64) {
	localUs := e.cfg.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	target := masterSendUs - localUs

	if !e.haveSync {
		// First sync: adopt the coarse estimate wholesale.
		e.offsetUs = target
		e.haveSync = true
		e.confidence = Coarse
	} else {
		step := target - e.offsetUs
		if step > e.cfg.MaxStepUs {
			step = e.cfg.MaxStepUs
		} else if step < -e.cfg.MaxStepUs {
			step = -e.cfg.MaxStepUs
		}
		e.offsetUs += step

		// Drift from offset change over elapsed local time.
		if elapsed := localUs - e.lastSyncUs; elapsed > 0 {
			inst := float64(e.offsetUs-e.lastSyncOff) / float64(elapsed) * 1e6
			e.driftPpm += driftAlpha * (inst - e.driftPpm)
		}
	}

	e.lastSyncUs = localUs
	e.lastSyncOff = e.offsetUs
	e.degradeLocked()

	metrics.ClockOffset.Set(float64(e.offsetUs))
	metrics.SyncConfidence.Set(float64(e.confidence))
}

// PreparePing records an outstanding round-trip probe and returns its send
// time t1. Only one probe is outstanding at a time; starting a new one
// abandons the previous.
func (e *Engine) PreparePing() int64 {
	t1 := e.cfg.Now()
	e.mu.Lock()
	e.pendingT1 = t1
	e.havePending = true
	e.mu.Unlock()
	return t1
}

// OnPong completes a round-trip measurement. echoT1 pairs the reply with its
// probe; t2 and t3 are the master's receive and reply send times. The
// classic two-pair estimate cancels symmetric transit delay:
//
//	offset = ((t2-t1) + (t3-t4)) / 2
//	rtt    = (t4-t1) - (t3-t2)
//
// Replies that do not match the outstanding probe, predate the last accepted
// sample, or exceed the RTT sanity bound are rejected without touching
// state; the caller classifies rejects as Communication errors.
func (e *Engine) OnPong(echoT1, t2, t3 int64) error {
	t4 := e.cfg.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if echoT1 <= e.lastAcceptT1 {
		metrics.RejectedSamples.WithLabelValues("stale").Inc()
		return perrs.ErrStaleSample
	}
	if !e.havePending || echoT1 != e.pendingT1 {
		metrics.RejectedSamples.WithLabelValues("stale").Inc()
		return perrs.ErrStaleSample
	}
	e.havePending = false

	t1 := echoT1
	rtt := (t4 - t1) - (t3 - t2)
	if rtt < 0 || rtt > e.cfg.MaxSaneRTTUs {
		metrics.RejectedSamples.WithLabelValues("outlier").Inc()
		return perrs.ErrRTTOutlier
	}

	e.offsetUs = ((t2 - t1) + (t3 - t4)) / 2
	e.lastRTTUs = rtt
	e.lastRTUs = t4
	e.lastAcceptT1 = t1
	if e.confidence != Fine {
		e.confidence = Fine
	}
	if !e.haveSync {
		e.haveSync = true
		e.lastSyncUs = t4
		e.lastSyncOff = e.offsetUs
	}

	metrics.ClockOffset.Set(float64(e.offsetUs))
	metrics.ClockRTT.Set(float64(rtt))
	metrics.SyncConfidence.Set(float64(e.confidence))
	return nil
}

// RoundTripDue reports whether the follower should refine with a PING:
// either precision was never reached or the last round trip is aging out.
func (e *Engine) RoundTripDue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveSync {
		return false // wait for the first SYNC so the master is known-live
	}
	if e.havePending && e.cfg.Now()-e.pendingT1 <= e.cfg.MaxSaneRTTUs {
		return false // a ping is awaiting its PONG; let it land first
	}
	if e.lastRTUs == 0 {
		return true
	}
	return e.cfg.Now()-e.lastRTUs > e.cfg.SyncIntervalUs
}

// Fine implies a round trip within the last two sync intervals.
func (e *Engine) degradeLocked() {
	if e.confidence == Fine && e.cfg.Now()-e.lastRTUs > 2*e.cfg.SyncIntervalUs {
		e.confidence = Coarse
		metrics.SyncConfidence.Set(float64(Coarse))
	}
}

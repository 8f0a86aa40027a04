package mesh

import (
	"log"
	"math/rand"
	"sync"

	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
)

// Role is this node's place in the mesh. Exactly one value at any time.
type Role uint8

const (
	RoleUnassociated Role = iota
	RoleCandidate
	RoleMaster
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleUnassociated:
		return "unassociated"
	case RoleCandidate:
		return "candidate"
	case RoleMaster:
		return "master"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// ElectionConfig holds election timing in microseconds. The backoff only
// staggers CLAIM broadcasts to reduce collisions; the decision itself is
// deterministic, lowest address wins.
type ElectionConfig struct {
	BackoffMaxUs  int64 // random stagger before broadcasting CLAIM
	ClaimWindowUs int64 // how long a candidate listens before self-promoting
	Seed          int64
}

const (
	DefaultBackoffMaxUs  = 50_000
	DefaultClaimWindowUs = 100_000
)

// Election decides the node's role. Mutations happen only on the node loop;
// the read methods serve snapshot callers like the console.
type Election struct {
	self wire.Addr
	cfg  ElectionConfig
	rng  *rand.Rand

	mu          sync.RWMutex
	role        Role
	master      wire.Addr
	termStartUs int64

	// candidate round state
	claimAtUs  int64
	decideAtUs int64
	claimed    bool

	sendClaim    func() error
	onRoleChange func(role Role, master wire.Addr)
}

func NewElection(self wire.Addr, cfg ElectionConfig) *Election {
	if cfg.BackoffMaxUs == 0 {
		cfg.BackoffMaxUs = DefaultBackoffMaxUs
	}
	if cfg.ClaimWindowUs == 0 {
		cfg.ClaimWindowUs = DefaultClaimWindowUs
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(self[0])<<40 | int64(self[1])<<32 | int64(self[2])<<24 |
			int64(self[3])<<16 | int64(self[4])<<8 | int64(self[5])
	}
	return &Election{
		self: self,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		role: RoleUnassociated,
	}
}

// SetHandlers wires the claim sender and role-change callback. Must be set
// before the node loop starts.
func (e *Election) SetHandlers(sendClaim func() error, onRoleChange func(Role, wire.Addr)) {
	e.sendClaim = sendClaim
	e.onRoleChange = onRoleChange
}

// Role returns the current role.
func (e *Election) Role() Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// Master returns the current master's address; ok is false unless the node
// is a follower with a live master, or the master itself.
func (e *Election) Master() (wire.Addr, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.role == RoleFollower || e.role == RoleMaster {
		return e.master, true
	}
	return wire.Addr{}, false
}

// StartCandidacy enters a claim round: broadcast CLAIM after a random
// backoff, then self-promote unless a lower address claimed first.
func (e *Election) StartCandidacy(nowUs int64) {
	e.mu.Lock()
	if e.role == RoleCandidate {
		e.mu.Unlock()
		return
	}
	e.role = RoleCandidate
	e.master = wire.Addr{}
	e.claimAtUs = nowUs + e.rng.Int63n(e.cfg.BackoffMaxUs+1)
	e.decideAtUs = e.claimAtUs + e.cfg.ClaimWindowUs
	e.claimed = false
	e.mu.Unlock()

	metrics.Elections.Inc()
	metrics.Role.Set(float64(RoleCandidate))
	log.Printf("Election: entering candidacy as %s", e.self)
	e.notify(RoleCandidate, wire.Addr{})
}

// Tick advances the candidate round.
func (e *Election) Tick(nowUs int64) {
	e.mu.Lock()
	if e.role != RoleCandidate {
		e.mu.Unlock()
		return
	}

	if !e.claimed && nowUs >= e.claimAtUs {
		e.claimed = true
		e.mu.Unlock()
		if e.sendClaim != nil {
			if err := e.sendClaim(); err != nil {
				log.Printf("Election: claim broadcast failed: %v", err)
			}
		}
		e.mu.Lock()
	}

	if e.role == RoleCandidate && e.claimed && nowUs >= e.decideAtUs {
		// No lower address claimed during the window: the mesh is ours.
		e.role = RoleMaster
		e.master = e.self
		e.termStartUs = nowUs
		e.mu.Unlock()

		metrics.Role.Set(float64(RoleMaster))
		log.Printf("Election: self-promoted to master as %s", e.self)
		e.notify(RoleMaster, e.self)
		return
	}
	e.mu.Unlock()
}

// OnClaim handles a CLAIM broadcast. Lower address always wins: a candidate
// yields immediately, and even an incumbent master demotes without a grace
// period rather than risk persistent split-brain.
func (e *Election) OnClaim(from wire.Addr, nowUs int64) {
	if from == e.self {
		return
	}

	e.mu.Lock()
	role := e.role
	e.mu.Unlock()

	switch role {
	case RoleCandidate:
		if from.Less(e.self) {
			log.Printf("Election: yielding to lower address %s", from)
			e.BecomeFollower(from, nowUs)
		}
	case RoleMaster:
		if from.Less(e.self) {
			log.Printf("Election: demoting, lower address %s claims mastership", from)
			e.BecomeFollower(from, nowUs)
		}
	default:
		// Followers keep their master; the claimant resolves against it
		// through its own discovery. Unassociated nodes wait for discovery.
	}
}

// BecomeFollower adopts master as this node's master.
func (e *Election) BecomeFollower(master wire.Addr, nowUs int64) {
	e.mu.Lock()
	if e.role == RoleFollower && e.master == master {
		e.mu.Unlock()
		return
	}
	e.role = RoleFollower
	e.master = master
	e.termStartUs = nowUs
	e.mu.Unlock()

	metrics.Role.Set(float64(RoleFollower))
	e.notify(RoleFollower, master)
}

// MasterLost re-enters candidacy after the sync silence timeout.
func (e *Election) MasterLost(nowUs int64) {
	e.mu.Lock()
	if e.role != RoleFollower {
		e.mu.Unlock()
		return
	}
	lost := e.master
	e.role = RoleUnassociated
	e.master = wire.Addr{}
	e.mu.Unlock()

	log.Printf("Election: master %s unreachable, restarting election", lost)
	e.StartCandidacy(nowUs)
}

// Standalone abandons any affiliation without starting a new election,
// the terminal action for exhausted communication retries.
func (e *Election) Standalone() {
	e.mu.Lock()
	e.role = RoleUnassociated
	e.master = wire.Addr{}
	e.mu.Unlock()

	metrics.Role.Set(float64(RoleUnassociated))
	e.notify(RoleUnassociated, wire.Addr{})
}

func (e *Election) notify(role Role, master wire.Addr) {
	if e.onRoleChange != nil {
		e.onRoleChange(role, master)
	}
}

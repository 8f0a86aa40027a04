package mesh

import (
	"log"
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/recovery"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// JoinState tracks the discovery/join handshake.
type JoinState uint8

const (
	JoinIdle JoinState = iota // unassociated, no handshake running
	JoinDiscovering
	JoinRequested
	JoinConnected
)

func (s JoinState) String() string {
	switch s {
	case JoinIdle:
		return "unassociated"
	case JoinDiscovering:
		return "discovering"
	case JoinRequested:
		return "join_requested"
	case JoinConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// JoinConfig holds handshake timing in microseconds.
type JoinConfig struct {
	DiscoverIntervalUs int64 // DISCOVER broadcast period
	DiscoverAttempts   int   // broadcasts before declaring no master
	JoinTimeoutUs      int64 // window to receive JOIN_ACCEPT
}

const (
	DefaultDiscoverIntervalUs = 500_000
	DefaultDiscoverAttempts   = 5
	DefaultJoinTimeoutUs      = 1_000_000
)

const joinSource = "join"

// JoinSender sends handshake messages; the node loop implements it over the
// transport.
type JoinSender interface {
	BroadcastMsg(*wire.Message) error
	SendMsg(wire.Addr, *wire.Message) error
}

// JoinManager runs the discovery/join handshake on the follower side and
// identifier assignment on the master side. It is the only component that
// mutates the persistent identity record.
type JoinManager struct {
	self  wire.Addr
	cfg   JoinConfig
	reg   *Registry
	store identity.Store
	out   JoinSender

	mu       sync.RWMutex
	ident    identity.NodeIdentity
	state    JoinState
	attempts int
	deadline int64 // next discover send, or join-accept timeout
	target   wire.Addr

	// report feeds join timeouts into the recovery machine; the returned
	// action decides between another discovery cycle and standalone.
	report      func(recovery.ErrorEvent) recovery.Action
	onNoMaster  func(nowUs int64)
	onConnected func(master wire.Addr, podID uint8, nowUs int64)
}

func NewJoinManager(ident identity.NodeIdentity, store identity.Store, reg *Registry, cfg JoinConfig) *JoinManager {
	if cfg.DiscoverIntervalUs == 0 {
		cfg.DiscoverIntervalUs = DefaultDiscoverIntervalUs
	}
	if cfg.DiscoverAttempts == 0 {
		cfg.DiscoverAttempts = DefaultDiscoverAttempts
	}
	if cfg.JoinTimeoutUs == 0 {
		cfg.JoinTimeoutUs = DefaultJoinTimeoutUs
	}
	return &JoinManager{
		self:  ident.Addr,
		cfg:   cfg,
		reg:   reg,
		store: store,
		ident: ident,
		state: JoinIdle,
	}
}

// SetHandlers wires the transport and the callbacks. Must run before the
// node loop starts.
func (j *JoinManager) SetHandlers(
	out JoinSender,
	report func(recovery.ErrorEvent) recovery.Action,
	onNoMaster func(nowUs int64),
	onConnected func(master wire.Addr, podID uint8, nowUs int64),
) {
	j.out = out
	j.report = report
	j.onNoMaster = onNoMaster
	j.onConnected = onConnected
}

// State returns the current handshake state.
func (j *JoinManager) State() JoinState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Identity returns the cached identity record.
func (j *JoinManager) Identity() identity.NodeIdentity {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.ident
}

// PodID returns the currently assigned identifier, 0 if unassigned.
func (j *JoinManager) PodID() uint8 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.ident.PodID
}

// StartDiscovery (re)enters Discovering. The first DISCOVER goes out on the
// next tick; any pending join timeout is abandoned by the state change.
func (j *JoinManager) StartDiscovery(nowUs int64) {
	j.mu.Lock()
	j.state = JoinDiscovering
	j.attempts = 0
	j.deadline = nowUs
	j.target = wire.Addr{}
	j.mu.Unlock()
	log.Printf("Join: discovering (pod %d)", j.PodID())
}

// Standalone abandons the handshake entirely.
func (j *JoinManager) Standalone() {
	j.mu.Lock()
	j.state = JoinIdle
	j.target = wire.Addr{}
	j.mu.Unlock()
}

// Tick drives discovery retries and the join-accept timeout.
func (j *JoinManager) Tick(nowUs int64) {
	j.mu.Lock()
	state := j.state
	deadline := j.deadline
	j.mu.Unlock()

	if nowUs < deadline {
		return
	}

	switch state {
	case JoinDiscovering:
		j.tickDiscover(nowUs)
	case JoinRequested:
		j.joinTimedOut(nowUs)
	}
}

func (j *JoinManager) tickDiscover(nowUs int64) {
	j.mu.Lock()
	if j.state != JoinDiscovering {
		j.mu.Unlock()
		return
	}
	if j.attempts >= j.cfg.DiscoverAttempts {
		j.state = JoinIdle
		j.mu.Unlock()
		log.Printf("Join: no master found after %d attempts", j.cfg.DiscoverAttempts)
		if j.onNoMaster != nil {
			j.onNoMaster(nowUs)
		}
		return
	}
	j.attempts++
	j.deadline = nowUs + j.cfg.DiscoverIntervalUs
	podID := j.ident.PodID
	j.mu.Unlock()

	if err := j.out.BroadcastMsg(wire.NewDiscover(j.self, podID)); err != nil {
		log.Printf("Join: discover broadcast failed: %v", err)
	}
}

func (j *JoinManager) joinTimedOut(nowUs int64) {
	j.mu.Lock()
	if j.state != JoinRequested {
		j.mu.Unlock()
		return
	}
	target := j.target
	j.state = JoinIdle
	j.mu.Unlock()

	log.Printf("Join: no JOIN_ACCEPT from %s", target)
	action := recovery.Action{Kind: recovery.Retry}
	if j.report != nil {
		action = j.report(recovery.ErrorEvent{
			Category:  recovery.Communication,
			Source:    joinSource,
			Err:       perrs.ErrJoinTimeout,
			Timestamp: time.Now(),
		})
	}
	if action.Kind == recovery.Retry {
		j.StartDiscovery(nowUs)
	}
	// FallbackStandalone is executed by the recovery machine's hook.
}

// OnDiscoverAck reacts to a master answering our DISCOVER.
func (j *JoinManager) OnDiscoverAck(from wire.Addr, nowUs int64) {
	j.mu.Lock()
	if j.state != JoinDiscovering {
		j.mu.Unlock()
		return
	}
	j.state = JoinRequested
	j.target = from
	j.deadline = nowUs + j.cfg.JoinTimeoutUs
	requested := j.ident.PodID
	j.mu.Unlock()

	if err := j.out.SendMsg(from, wire.NewJoinRequest(j.self, requested)); err != nil {
		log.Printf("Join: join request to %s failed: %v", from, err)
	}
}

// OnJoinAccept persists the assigned identifier and completes the
// handshake. Replays are tolerated: the same identifier is a no-op, a
// different one overwrites (the master's last assignment always wins).
func (j *JoinManager) OnJoinAccept(from wire.Addr, assigned uint8, nowUs int64) {
	j.mu.Lock()
	if j.state != JoinRequested && j.state != JoinConnected {
		j.mu.Unlock()
		return
	}
	if j.state == JoinRequested && from != j.target {
		j.mu.Unlock()
		return
	}
	if j.state == JoinConnected && from != j.ident.LastMaster {
		// Only the master we joined may reassign our identifier.
		j.mu.Unlock()
		return
	}

	changed := j.ident.PodID != assigned || j.ident.LastMaster != from
	j.ident.PodID = assigned
	j.ident.LastMaster = from
	wasConnected := j.state == JoinConnected
	j.state = JoinConnected
	ident := j.ident
	j.mu.Unlock()

	if changed {
		if err := j.store.Save(ident); err != nil {
			log.Printf("Join: persisting identity failed: %v", err)
		}
	}

	if !wasConnected {
		log.Printf("Join: connected to master %s as pod %d", from, assigned)
	}
	if j.onConnected != nil && (!wasConnected || changed) {
		j.onConnected(from, assigned, nowUs)
	}
}

// OnJoinReject halts the handshake. Capacity rejects are protocol-category:
// dropped and never retried.
func (j *JoinManager) OnJoinReject(from wire.Addr, reason string, nowUs int64) {
	j.mu.Lock()
	if j.state != JoinRequested || from != j.target {
		j.mu.Unlock()
		return
	}
	j.state = JoinIdle
	j.mu.Unlock()

	log.Printf("Join: rejected by %s: %s", from, reason)
	if j.report != nil {
		j.report(recovery.ErrorEvent{
			Category:  recovery.Protocol,
			Source:    joinSource,
			Err:       perrs.ErrMeshFull,
			Timestamp: time.Now(),
		})
	}
}

// HandleJoinRequest evaluates a JOIN_REQUEST on the master side and returns
// the reply to unicast back. Assignment policy: honor an unclaimed previous
// identifier; otherwise hand out the lowest free one; with none free,
// reject. On an identifier conflict the lower address keeps it.
func (j *JoinManager) HandleJoinRequest(from wire.Addr, requested uint8, nowUs int64) *wire.Message {
	selfID := j.PodID()

	grant := uint8(0)
	if requested >= 1 && requested <= identity.MaxPodID {
		switch {
		case requested == selfID:
			if from.Less(j.self) {
				// The requester outranks us on its old identifier; move
				// ourselves to the lowest free slot instead.
				if newID, ok := j.reg.LowestFreeID(requested); ok {
					j.reassignSelf(newID)
					grant = requested
				}
			}
		default:
			holder, held := j.reg.HolderOf(requested)
			if !held || holder.Addr == from || from.Less(holder.Addr) {
				grant = requested
			}
		}
	}

	if grant == 0 {
		free, ok := j.reg.LowestFreeID(j.PodID())
		if !ok {
			metrics.JoinRejects.Inc()
			return wire.NewJoinReject(j.self, j.PodID(), perrs.ErrMeshFull.Error())
		}
		grant = free
	}

	j.reg.Observe(from, grant, PeerFollower, nowUs)
	log.Printf("Join: assigned pod %d to %s", grant, from)
	return wire.NewJoinAccept(j.self, j.PodID(), grant)
}

// EnsureSelfID gives the master an identifier if it booted unassigned.
func (j *JoinManager) EnsureSelfID() {
	if j.PodID() != 0 {
		return
	}
	if id, ok := j.reg.LowestFreeID(0); ok {
		j.reassignSelf(id)
	}
}

// SetConnectedAsMaster records the local node's own mastership in the
// identity record so the last-known-master fields survive restart.
func (j *JoinManager) SetConnectedAsMaster() {
	j.mu.Lock()
	j.state = JoinConnected
	j.ident.LastMaster = j.self
	j.ident.LastMasterID = j.ident.PodID
	ident := j.ident
	j.mu.Unlock()

	if err := j.store.Save(ident); err != nil {
		log.Printf("Join: persisting identity failed: %v", err)
	}
}

func (j *JoinManager) reassignSelf(id uint8) {
	j.mu.Lock()
	j.ident.PodID = id
	ident := j.ident
	j.mu.Unlock()

	log.Printf("Join: self identifier now pod %d", id)
	if err := j.store.Save(ident); err != nil {
		log.Printf("Join: persisting identity failed: %v", err)
	}
}

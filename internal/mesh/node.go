package mesh

import (
	"log"
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/arbiter"
	"github.com/pcesar22/domes-sub001/internal/clock"
	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/recovery"
	"github.com/pcesar22/domes-sub001/internal/transport"
)

const (
	// masterLossIntervals is measured in sync intervals of silence before a
	// follower declares the master gone and restarts the election.
	masterLossIntervals = 3

	// peerTimeoutIntervals is the registry staleness horizon, the same
	// three-interval silence that declares the master lost. The master
	// keeps followers fresh through their PING cadence.
	peerTimeoutIntervals = 3

	syncSource = "sync"
	wireSource = "wire"
)

// NodeConfig assembles the per-component timing knobs.
type NodeConfig struct {
	TickInterval time.Duration // event loop resolution, default 5ms
	Clock        clock.Config
	Join         JoinConfig
	Election     ElectionConfig
}

// Node ties transport, clock, registry, join, election and recovery into a
// single pod. One receive task owns every mutation; components expose
// snapshot reads for the console and metrics.
type Node struct {
	cfg     NodeConfig
	tr      transport.Transport
	clk     *clock.Engine
	reg     *Registry
	elect   *Election
	join    *JoinManager
	machine *recovery.Machine
	arb     *arbiter.Arbiter

	self wire.Addr

	// loop-local state, touched only by the event loop and the role
	// callback it invokes
	nextSyncUs   int64
	masterSeenUs int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode wires a pod from its parts. The arbiter may be nil when the node
// runs without shared peripherals (simulation, tests).
func NewNode(cfg NodeConfig, tr transport.Transport, ident identity.NodeIdentity, store identity.Store, arb *arbiter.Arbiter) *Node {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}

	n := &Node{
		cfg:  cfg,
		tr:   tr,
		clk:  clock.NewEngine(cfg.Clock),
		reg:  NewRegistry(),
		self: ident.Addr,
		arb:  arb,
		done: make(chan struct{}),
	}

	n.machine = recovery.NewMachine(recovery.Hooks{
		ResetBus:      n.resetBus,
		Standalone:    n.goStandalone,
		RequestReboot: func() { log.Printf("Node %s: reboot requested", n.self) },
	})

	n.elect = NewElection(ident.Addr, cfg.Election)
	n.join = NewJoinManager(ident, store, n.reg, cfg.Join)

	n.elect.SetHandlers(n.sendClaim, n.onRoleChange)
	n.join.SetHandlers(n, n.machine.Report, n.onNoMaster, n.onConnected)
	return n
}

// Start launches the event loop and kicks off discovery.
func (n *Node) Start() {
	n.join.StartDiscovery(n.clk.LocalUs())
	n.wg.Add(1)
	go n.loop()
}

// Stop shuts the loop down and closes the transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
	if err := n.tr.Close(); err != nil {
		log.Printf("Node %s: transport close: %v", n.self, err)
	}
}

func (n *Node) loop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case pkt, ok := <-n.tr.Recv():
			if !ok {
				return
			}
			n.handlePacket(pkt)
		case <-ticker.C:
			n.tick(n.clk.LocalUs())
		}
	}
}

// handlePacket decodes and dispatches one datagram. Malformed input is a
// protocol event: counted, dropped, never fatal.
func (n *Node) handlePacket(pkt transport.Packet) {
	nowUs := n.clk.LocalUs()

	msg, err := wire.Decode(pkt.Data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		n.machine.Report(recovery.ErrorEvent{
			Category:  recovery.Protocol,
			Source:    wireSource,
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}
	if msg.Sender == n.self {
		return
	}

	role := PeerUnknown
	if msg.Type == wire.MsgSync || msg.Type == wire.MsgDiscoverAck {
		role = PeerMaster
	}
	n.reg.Observe(msg.Sender, msg.PodID, role, nowUs)

	switch msg.Type {
	case wire.MsgDiscover:
		if n.elect.Role() == RoleMaster {
			n.sendTo(msg.Sender, wire.NewDiscoverAck(n.self, n.join.PodID()))
		}
	case wire.MsgDiscoverAck:
		n.join.OnDiscoverAck(msg.Sender, nowUs)
	case wire.MsgJoinRequest:
		if n.elect.Role() == RoleMaster {
			n.sendTo(msg.Sender, n.join.HandleJoinRequest(msg.Sender, msg.RequestedID, nowUs))
		}
	case wire.MsgJoinAccept:
		n.join.OnJoinAccept(msg.Sender, msg.AssignedID, nowUs)
	case wire.MsgJoinReject:
		n.join.OnJoinReject(msg.Sender, msg.Reason, nowUs)
	case wire.MsgClaim:
		n.elect.OnClaim(msg.Sender, nowUs)
	case wire.MsgSync:
		n.onSync(msg, nowUs)
	case wire.MsgPing:
		if n.elect.Role() == RoleMaster {
			n.sendTo(msg.Sender, wire.NewPong(n.self, n.join.PodID(), msg.SendUs, n.clk.Now(), n.clk.Now()))
		}
	case wire.MsgPong:
		n.onPong(msg)
	}
}

func (n *Node) onSync(msg *wire.Message, nowUs int64) {
	master, haveMaster := n.elect.Master()

	switch n.elect.Role() {
	case RoleFollower:
		if haveMaster && msg.Sender == master {
			n.masterSeenUs = nowUs
			n.clk.OnSync(msg.SendUs)
			n.publishClockMetrics()
			return
		}
		// Two masters are live. Adopt the lower address, same rule as a
		// contested claim; the losing master hears the winner's SYNC too
		// and demotes itself the same way.
		if haveMaster && msg.Sender.Less(master) {
			log.Printf("Node %s: adopting lower-address master %s over %s", n.self, msg.Sender, master)
			n.switchMaster(msg.Sender, nowUs)
			n.clk.OnSync(msg.SendUs)
		}
	case RoleMaster:
		if msg.Sender.Less(n.self) {
			log.Printf("Node %s: demoting, lower-address master %s is live", n.self, msg.Sender)
			n.elect.BecomeFollower(msg.Sender, nowUs)
			n.masterSeenUs = nowUs
			n.clk.OnSync(msg.SendUs)
		}
	case RoleUnassociated:
		// A standalone pod that hears a heartbeat rejoins.
		if n.join.State() == JoinIdle {
			n.machine.Success(recovery.Communication, joinSource)
			n.join.StartDiscovery(nowUs)
		}
	}
}

func (n *Node) onPong(msg *wire.Message) {
	master, ok := n.elect.Master()
	if !ok || msg.Sender != master {
		return
	}
	if err := n.clk.OnPong(msg.EchoUs, msg.RecvUs, msg.SendUs); err != nil {
		// Rejected samples mean the link is degrading; let the recovery
		// machine decide when enough is enough.
		n.machine.Report(recovery.ErrorEvent{
			Category:  recovery.Communication,
			Source:    syncSource,
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}
	n.machine.Success(recovery.Communication, syncSource)
	st := n.clk.Snapshot()
	n.reg.SetRTT(master, st.LastRTTUs)
	n.publishClockMetrics()
}

func (n *Node) tick(nowUs int64) {
	n.join.Tick(nowUs)
	n.elect.Tick(nowUs)

	syncInterval := n.clk.SyncIntervalUs()

	switch n.elect.Role() {
	case RoleMaster:
		if nowUs >= n.nextSyncUs {
			n.nextSyncUs = nowUs + syncInterval
			n.broadcast(wire.NewSync(n.self, n.join.PodID(), n.clk.Now()))
		}
	case RoleFollower:
		master, ok := n.elect.Master()
		if !ok {
			break
		}
		if n.masterSeenUs > 0 && nowUs-n.masterSeenUs > masterLossIntervals*syncInterval {
			log.Printf("Node %s: master %s silent, restarting election", n.self, master)
			n.reg.Evict(master)
			n.clk.Reset()
			n.masterSeenUs = 0
			n.elect.MasterLost(nowUs)
			break
		}
		if n.clk.RoundTripDue() {
			n.sendTo(master, wire.NewPing(n.self, n.join.PodID(), n.clk.PreparePing()))
		}
	}

	evicted := n.reg.SweepStale(nowUs, peerTimeoutIntervals*syncInterval)
	for _, rec := range evicted {
		log.Printf("Node %s: evicted stale peer %s (pod %d)", n.self, rec.Addr, rec.PodID)
	}
	if len(evicted) > 0 && n.reg.Len() == 0 && n.join.State() == JoinConnected {
		// Every known peer went silent at once; assume we are the ones who
		// got partitioned and look for a mesh to rejoin.
		log.Printf("Node %s: all peers gone, searching for a mesh", n.self)
		n.join.StartDiscovery(nowUs)
	}
	metrics.KnownPeers.Set(float64(n.reg.Len()))
}

// switchMaster re-homes the follower onto a different master without going
// through a full election round.
func (n *Node) switchMaster(master wire.Addr, nowUs int64) {
	n.clk.Reset()
	n.masterSeenUs = nowUs
	n.elect.BecomeFollower(master, nowUs)
}

// --- election and join callbacks, invoked on the event loop ---

func (n *Node) sendClaim() error {
	return n.broadcast(wire.NewClaim(n.self, n.join.PodID()))
}

func (n *Node) onRoleChange(role Role, master wire.Addr) {
	switch role {
	case RoleMaster:
		// The master is the time reference; its own offset is zero.
		n.clk.Reset()
		n.join.EnsureSelfID()
		n.join.SetConnectedAsMaster()
		n.nextSyncUs = 0 // first SYNC on the next tick
	case RoleFollower:
		n.masterSeenUs = n.clk.LocalUs()
		if n.join.State() != JoinConnected {
			// Adopted a master outside the handshake (claim yield or
			// split-brain heal): still need an identifier from it.
			n.join.StartDiscovery(n.clk.LocalUs())
		}
	case RoleUnassociated:
		n.join.Standalone()
	}
}

func (n *Node) onNoMaster(nowUs int64) {
	if n.elect.Role() == RoleMaster {
		// Discovery found nobody to defer to; we stay master.
		n.join.SetConnectedAsMaster()
		return
	}
	n.elect.StartCandidacy(nowUs)
}

func (n *Node) onConnected(master wire.Addr, podID uint8, nowUs int64) {
	n.machine.Success(recovery.Communication, joinSource)
	if n.elect.Role() != RoleFollower {
		n.elect.BecomeFollower(master, nowUs)
	}
	n.masterSeenUs = nowUs
	n.reg.Observe(master, 0, PeerMaster, nowUs)
	log.Printf("Node %s: joined as pod %d under %s", n.self, podID, master)
}

// --- recovery hooks ---

func (n *Node) resetBus() error {
	if n.arb == nil {
		// No shared bus on this build; the reset degrades to a counted no-op.
		metrics.BusResets.Inc()
		return nil
	}
	return n.arb.Recover()
}

func (n *Node) goStandalone() {
	log.Printf("Node %s: falling back to standalone operation", n.self)
	n.elect.Standalone()
}

// --- transport helpers (JoinSender implementation) ---

// BroadcastMsg encodes and broadcasts a message.
func (n *Node) BroadcastMsg(msg *wire.Message) error {
	return n.broadcast(msg)
}

// SendMsg encodes and unicasts a message.
func (n *Node) SendMsg(to wire.Addr, msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return n.tr.SendTo(to, data)
}

func (n *Node) broadcast(msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return n.tr.Broadcast(data)
}

func (n *Node) sendTo(to wire.Addr, msg *wire.Message) {
	if err := n.SendMsg(to, msg); err != nil {
		log.Printf("Node %s: send %v to %s: %v", n.self, msg.Type, to, err)
	}
}

func (n *Node) publishClockMetrics() {
	st := n.clk.Snapshot()
	metrics.ClockOffset.Set(float64(st.OffsetUs))
	metrics.ClockRTT.Set(float64(st.LastRTTUs))
	metrics.SyncConfidence.Set(float64(st.Confidence))
}

// --- snapshot API for the console, metrics and embedding applications ---

// LocalAddr returns this pod's hardware address.
func (n *Node) LocalAddr() wire.Addr { return n.self }

// PodID returns the assigned identifier, 0 while unassigned.
func (n *Node) PodID() uint8 { return n.join.PodID() }

// Identity returns the current identity record.
func (n *Node) Identity() identity.NodeIdentity { return n.join.Identity() }

// CurrentRole returns the node's role.
func (n *Node) CurrentRole() Role { return n.elect.Role() }

// Master returns the current master address, if any.
func (n *Node) Master() (wire.Addr, bool) { return n.elect.Master() }

// JoinState returns the handshake state.
func (n *Node) JoinState() JoinState { return n.join.State() }

// Now returns mesh time in microseconds.
func (n *Node) Now() int64 { return n.clk.Now() }

// ClockState returns a snapshot of the sync engine.
func (n *Node) ClockState() clock.State { return n.clk.Snapshot() }

// SyncConfidence returns the current confidence level. A master is the
// time reference itself, so its confidence is always fine.
func (n *Node) SyncConfidence() clock.Confidence {
	if n.elect.Role() == RoleMaster {
		return clock.Fine
	}
	return n.clk.Confidence()
}

// Peers returns an address-ordered snapshot of the registry.
func (n *Node) Peers() []PeerRecord { return n.reg.Snapshot() }

// ReportError feeds an external failure into the recovery machine.
func (n *Node) ReportError(ev recovery.ErrorEvent) recovery.Action {
	return n.machine.Report(ev)
}

// ReportSuccess clears the retry counter for a source.
func (n *Node) ReportSuccess(cat recovery.Category, source string) {
	n.machine.Success(cat, source)
}

// DropPeer evicts a peer from the registry. Debug hook for the console.
func (n *Node) DropPeer(addr wire.Addr) bool { return n.reg.Evict(addr) }

// ForceReelection abandons the current role and starts a fresh claim
// round. Debug hook for the console.
func (n *Node) ForceReelection() {
	n.elect.Standalone()
	n.elect.StartCandidacy(n.clk.LocalUs())
}

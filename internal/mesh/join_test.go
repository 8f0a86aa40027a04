package mesh

import (
	"testing"

	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/recovery"
)

type fakeSender struct {
	broadcasts []*wire.Message
	unicasts   []struct {
		To  wire.Addr
		Msg *wire.Message
	}
}

func (f *fakeSender) BroadcastMsg(m *wire.Message) error {
	f.broadcasts = append(f.broadcasts, m)
	return nil
}

func (f *fakeSender) SendMsg(to wire.Addr, m *wire.Message) error {
	f.unicasts = append(f.unicasts, struct {
		To  wire.Addr
		Msg *wire.Message
	}{to, m})
	return nil
}

func newTestJoin(t *testing.T, addr wire.Addr, podID uint8) (*JoinManager, *fakeSender, *identity.MemoryStore) {
	t.Helper()
	store := identity.NewMemoryStore()
	ident := identity.NodeIdentity{Addr: addr, PodID: podID}
	if err := store.Save(ident); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	jm := NewJoinManager(ident, store, NewRegistry(), JoinConfig{
		DiscoverIntervalUs: 500_000,
		DiscoverAttempts:   3,
		JoinTimeoutUs:      1_000_000,
	})
	out := &fakeSender{}
	jm.SetHandlers(out, nil, nil, nil)
	return jm, out, store
}

func TestJoinDiscoveryRetriesThenNoMaster(t *testing.T) {
	jm, out, _ := newTestJoin(t, wire.Addr{0xAA, 0, 0, 0, 0, 2}, 0)

	noMaster := false
	jm.SetHandlers(out, nil, func(int64) { noMaster = true }, nil)

	jm.StartDiscovery(0)
	for i := int64(0); i <= 4; i++ {
		jm.Tick(i * 500_000)
	}

	if got := len(out.broadcasts); got != 3 {
		t.Fatalf("expected 3 DISCOVER broadcasts, got %d", got)
	}
	for _, m := range out.broadcasts {
		if m.Type != wire.MsgDiscover {
			t.Fatalf("unexpected broadcast type %v", m.Type)
		}
	}
	if !noMaster {
		t.Fatal("expected no-master callback after attempts exhausted")
	}
	if jm.State() != JoinIdle {
		t.Fatalf("expected idle state, got %v", jm.State())
	}
}

func TestJoinHandshakeHappyPath(t *testing.T) {
	self := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	master := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	jm, out, store := newTestJoin(t, self, 7)

	var gotMaster wire.Addr
	var gotID uint8
	jm.SetHandlers(out, nil, nil, func(m wire.Addr, id uint8, _ int64) {
		gotMaster, gotID = m, id
	})

	jm.StartDiscovery(0)
	jm.Tick(0)
	jm.OnDiscoverAck(master, 1000)

	if jm.State() != JoinRequested {
		t.Fatalf("expected join_requested, got %v", jm.State())
	}
	if len(out.unicasts) != 1 {
		t.Fatalf("expected one unicast, got %d", len(out.unicasts))
	}
	req := out.unicasts[0]
	if req.To != master || req.Msg.Type != wire.MsgJoinRequest || req.Msg.RequestedID != 7 {
		t.Fatalf("unexpected join request: to=%s type=%v requested=%d", req.To, req.Msg.Type, req.Msg.RequestedID)
	}

	jm.OnJoinAccept(master, 7, 2000)
	if jm.State() != JoinConnected {
		t.Fatalf("expected connected, got %v", jm.State())
	}
	if gotMaster != master || gotID != 7 {
		t.Fatalf("connected callback got master=%s id=%d", gotMaster, gotID)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if saved.PodID != 7 || saved.LastMaster != master {
		t.Fatalf("persisted identity %+v", saved)
	}
}

func TestJoinAcceptDuplicateAndReassign(t *testing.T) {
	self := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	master := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	jm, out, store := newTestJoin(t, self, 0)

	connects := 0
	jm.SetHandlers(out, nil, nil, func(wire.Addr, uint8, int64) { connects++ })

	jm.StartDiscovery(0)
	jm.Tick(0)
	jm.OnDiscoverAck(master, 1000)
	jm.OnJoinAccept(master, 3, 2000)
	jm.OnJoinAccept(master, 3, 3000) // duplicate, no-op
	if connects != 1 {
		t.Fatalf("duplicate accept triggered %d connects", connects)
	}

	// Master reassigns us; the later accept wins and is persisted.
	jm.OnJoinAccept(master, 4, 4000)
	if connects != 2 {
		t.Fatalf("reassignment should re-fire connected, got %d", connects)
	}
	saved, _ := store.Load()
	if saved.PodID != 4 {
		t.Fatalf("expected reassigned pod 4, got %d", saved.PodID)
	}
}

func TestJoinAcceptFromStrangerIgnored(t *testing.T) {
	self := wire.Addr{0xAA, 0, 0, 0, 0, 3}
	master := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	stranger := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	jm, out, store := newTestJoin(t, self, 0)
	jm.SetHandlers(out, nil, nil, nil)

	jm.StartDiscovery(0)
	jm.Tick(0)
	jm.OnDiscoverAck(master, 1000)
	jm.OnJoinAccept(master, 3, 2000)

	// Once connected, only the joined master may reassign the identifier.
	jm.OnJoinAccept(stranger, 9, 3000)
	if jm.PodID() != 3 {
		t.Fatalf("stranger accept changed pod ID to %d", jm.PodID())
	}
	saved, _ := store.Load()
	if saved.LastMaster != master {
		t.Fatalf("stranger accept rehomed the node onto %s", saved.LastMaster)
	}
}

func TestJoinTimeoutRetriesOnRetryAction(t *testing.T) {
	self := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	master := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	jm, out, _ := newTestJoin(t, self, 0)

	var events []recovery.ErrorEvent
	jm.SetHandlers(out, func(ev recovery.ErrorEvent) recovery.Action {
		events = append(events, ev)
		return recovery.Action{Kind: recovery.Retry}
	}, nil, nil)

	jm.StartDiscovery(0)
	jm.Tick(0)
	jm.OnDiscoverAck(master, 1000)
	jm.Tick(1_100_000) // past the accept window

	if len(events) != 1 {
		t.Fatalf("expected one reported timeout, got %d", len(events))
	}
	if events[0].Category != recovery.Communication {
		t.Fatalf("expected communication category, got %v", events[0].Category)
	}
	if jm.State() != JoinDiscovering {
		t.Fatalf("retry action should restart discovery, got %v", jm.State())
	}
}

func TestJoinTimeoutStandaloneAction(t *testing.T) {
	self := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	master := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	jm, out, _ := newTestJoin(t, self, 0)

	jm.SetHandlers(out, func(recovery.ErrorEvent) recovery.Action {
		return recovery.Action{Kind: recovery.FallbackStandalone}
	}, nil, nil)

	jm.StartDiscovery(0)
	jm.Tick(0)
	jm.OnDiscoverAck(master, 1000)
	jm.Tick(1_100_000)

	if jm.State() != JoinIdle {
		t.Fatalf("standalone action should stop the handshake, got %v", jm.State())
	}
}

func TestHandleJoinRequestAssignments(t *testing.T) {
	masterAddr := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	store := identity.NewMemoryStore()
	reg := NewRegistry()
	jm := NewJoinManager(identity.NodeIdentity{Addr: masterAddr, PodID: 1}, store, reg, JoinConfig{})
	jm.SetHandlers(&fakeSender{}, nil, nil, nil)

	// Unclaimed requested identifier is honored.
	peerA := wire.Addr{0xAA, 0, 0, 0, 0, 5}
	reply := jm.HandleJoinRequest(peerA, 9, 1000)
	if reply.Type != wire.MsgJoinAccept || reply.AssignedID != 9 {
		t.Fatalf("expected accept with id 9, got %+v", reply)
	}
	if rec, ok := reg.HolderOf(9); !ok || rec.Addr != peerA {
		t.Fatal("registry should record the assignment")
	}

	// No preference: lowest free identifier, skipping the master's own.
	peerB := wire.Addr{0xAA, 0, 0, 0, 0, 6}
	reply = jm.HandleJoinRequest(peerB, 0, 2000)
	if reply.AssignedID != 2 {
		t.Fatalf("expected lowest free id 2, got %d", reply.AssignedID)
	}
}

func TestHandleJoinRequestConflictLowerAddressKeeps(t *testing.T) {
	masterAddr := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	store := identity.NewMemoryStore()
	reg := NewRegistry()
	jm := NewJoinManager(identity.NodeIdentity{Addr: masterAddr, PodID: 1}, store, reg, JoinConfig{})
	jm.SetHandlers(&fakeSender{}, nil, nil, nil)

	holder := wire.Addr{0xAA, 0, 0, 0, 0, 4}
	reg.Observe(holder, 5, PeerFollower, 100)

	// A higher-address requester loses the conflict and gets the lowest
	// free identifier instead.
	higher := wire.Addr{0xAA, 0, 0, 0, 0, 9}
	reply := jm.HandleJoinRequest(higher, 5, 1000)
	if reply.AssignedID != 2 {
		t.Fatalf("higher address should be reassigned, got %d", reply.AssignedID)
	}

	// A lower-address requester keeps the contested identifier.
	lower := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	reply = jm.HandleJoinRequest(lower, 5, 2000)
	if reply.AssignedID != 5 {
		t.Fatalf("lower address should keep id 5, got %d", reply.AssignedID)
	}
}

func TestHandleJoinRequestMeshFull(t *testing.T) {
	masterAddr := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	reg := NewRegistry()
	jm := NewJoinManager(identity.NodeIdentity{Addr: masterAddr, PodID: 1}, identity.NewMemoryStore(), reg, JoinConfig{})
	jm.SetHandlers(&fakeSender{}, nil, nil, nil)

	for id := uint8(2); id <= identity.MaxPodID; id++ {
		reg.Observe(wire.Addr{0xBB, 0, 0, 0, 0, id}, id, PeerFollower, 100)
	}

	reply := jm.HandleJoinRequest(wire.Addr{0xCC, 0, 0, 0, 0, 1}, 0, 1000)
	if reply.Type != wire.MsgJoinReject {
		t.Fatalf("expected reject, got %v", reply.Type)
	}
	if reply.Reason == "" {
		t.Fatal("reject should carry a reason")
	}
}

func TestEnsureSelfID(t *testing.T) {
	masterAddr := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	store := identity.NewMemoryStore()
	jm := NewJoinManager(identity.NodeIdentity{Addr: masterAddr, PodID: 0}, store, NewRegistry(), JoinConfig{})
	jm.SetHandlers(&fakeSender{}, nil, nil, nil)

	jm.EnsureSelfID()
	if jm.PodID() != 1 {
		t.Fatalf("expected self id 1, got %d", jm.PodID())
	}
	saved, _ := store.Load()
	if saved.PodID != 1 {
		t.Fatalf("self id not persisted, got %d", saved.PodID)
	}
}

package mesh

import (
	"sync"
	"testing"

	"github.com/pcesar22/domes-sub001/internal/clock"
	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/transport"
)

// fakeTransport captures outbound frames so a test harness can shuttle them
// between nodes deterministically, without goroutines or real time.
type fakeTransport struct {
	addr wire.Addr

	mu       sync.Mutex
	outcasts [][]byte // broadcasts
	unicasts []struct {
		To   wire.Addr
		Data []byte
	}
	recv chan transport.Packet
}

func newFakeTransport(addr wire.Addr) *fakeTransport {
	return &fakeTransport{addr: addr, recv: make(chan transport.Packet, 64)}
}

func (f *fakeTransport) Broadcast(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcasts = append(f.outcasts, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) SendTo(addr wire.Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts = append(f.unicasts, struct {
		To   wire.Addr
		Data []byte
	}{addr, append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) Recv() <-chan transport.Packet { return f.recv }
func (f *fakeTransport) LocalAddr() wire.Addr          { return f.addr }
func (f *fakeTransport) Close() error                  { return nil }

// drain removes and returns everything queued for delivery to dest.
func (f *fakeTransport) drain(dest wire.Addr) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	out = append(out, f.outcasts...)
	f.outcasts = nil
	var keep []struct {
		To   wire.Addr
		Data []byte
	}
	for _, u := range f.unicasts {
		if u.To == dest {
			out = append(out, u.Data)
		} else {
			keep = append(keep, u)
		}
	}
	f.unicasts = keep
	return out
}

// harness steps two nodes through simulated time with immediate, lossless
// frame delivery.
type harness struct {
	nowUs   int64
	a, b    *Node
	ta, tb  *fakeTransport
	aOnline bool
	bOnline bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{aOnline: true, bOnline: true}

	addrA := wire.Addr{0xAA, 0, 0, 0, 0, 1}
	addrB := wire.Addr{0xAA, 0, 0, 0, 0, 2}
	h.ta = newFakeTransport(addrA)
	h.tb = newFakeTransport(addrB)

	mk := func(addr wire.Addr, tr *fakeTransport) *Node {
		cfg := NodeConfig{
			Clock: clock.Config{Now: func() int64 { return h.nowUs }},
			Join: JoinConfig{
				DiscoverIntervalUs: 200_000,
				DiscoverAttempts:   3,
				JoinTimeoutUs:      500_000,
			},
			Election: ElectionConfig{BackoffMaxUs: 20_000, ClaimWindowUs: 50_000},
		}
		store := identity.NewMemoryStore()
		ident := identity.NodeIdentity{Addr: addr}
		n := NewNode(cfg, tr, ident, store, nil)
		n.join.StartDiscovery(0)
		return n
	}
	h.a = mk(addrA, h.ta)
	h.b = mk(addrB, h.tb)
	return h
}

func (h *harness) deliver() {
	for {
		moved := false
		if h.aOnline && h.bOnline {
			for _, data := range h.ta.drain(h.b.LocalAddr()) {
				h.b.handlePacket(transport.Packet{From: h.a.LocalAddr(), Data: data})
				moved = true
			}
			for _, data := range h.tb.drain(h.a.LocalAddr()) {
				h.a.handlePacket(transport.Packet{From: h.b.LocalAddr(), Data: data})
				moved = true
			}
		} else {
			// Partitioned: frames evaporate.
			h.ta.drain(h.b.LocalAddr())
			h.tb.drain(h.a.LocalAddr())
		}
		if !moved {
			return
		}
	}
}

// run advances simulated time in 5ms ticks.
func (h *harness) run(durationUs int64) {
	const step = 5_000
	end := h.nowUs + durationUs
	for h.nowUs < end {
		h.nowUs += step
		h.a.tick(h.nowUs)
		h.b.tick(h.nowUs)
		h.deliver()
	}
}

func TestNodeTwoPodConvergence(t *testing.T) {
	h := newHarness(t)

	// Discovery exhausts, an election runs, the mesh forms.
	h.run(2_000_000)

	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("lower address role = %v, want master", h.a.CurrentRole())
	}
	if h.b.CurrentRole() != RoleFollower {
		t.Fatalf("higher address role = %v, want follower", h.b.CurrentRole())
	}
	if master, ok := h.b.Master(); !ok || master != h.a.LocalAddr() {
		t.Fatalf("follower's master = %s, ok = %v", master, ok)
	}

	// Identifier assignment: master takes 1, the follower gets 2.
	if h.a.PodID() != 1 {
		t.Fatalf("master pod id = %d, want 1", h.a.PodID())
	}
	if h.b.PodID() != 2 {
		t.Fatalf("follower pod id = %d, want 2", h.b.PodID())
	}
	if h.b.JoinState() != JoinConnected {
		t.Fatalf("follower join state = %v, want connected", h.b.JoinState())
	}

	// SYNC broadcasts and ping round trips bring the follower to fine
	// confidence with the harness's zero skew and zero delay.
	h.run(1_000_000)
	if got := h.b.SyncConfidence(); got != clock.Fine {
		t.Fatalf("follower confidence = %v, want fine", got)
	}
	if off := h.b.ClockState().OffsetUs; off != 0 {
		t.Fatalf("follower offset = %dus with identical clocks", off)
	}
}

func TestNodeMasterFailover(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)
	if h.a.CurrentRole() != RoleMaster || h.b.CurrentRole() != RoleFollower {
		t.Fatalf("setup roles: a=%v b=%v", h.a.CurrentRole(), h.b.CurrentRole())
	}

	// Partition the master away. After three silent sync intervals the
	// follower restarts the election and, alone, promotes itself.
	h.aOnline = false
	h.run(1_000_000)

	if h.b.CurrentRole() != RoleMaster {
		t.Fatalf("survivor role = %v, want master", h.b.CurrentRole())
	}
	if h.b.PodID() != 2 {
		t.Fatalf("survivor must keep pod id 2, got %d", h.b.PodID())
	}
	// The new master resets its clock to reference and stays Unsynced-free.
	if st := h.b.ClockState(); st.OffsetUs != 0 {
		t.Fatalf("new master offset = %dus, want 0", st.OffsetUs)
	}
}

func TestNodeRejoinAfterPartitionHeals(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)

	h.aOnline = false
	h.run(1_000_000)
	if h.b.CurrentRole() != RoleMaster {
		t.Fatalf("survivor role = %v, want master", h.b.CurrentRole())
	}

	// The old lower-address master comes back: its SYNC (or CLAIM) wins and
	// the interim master demotes.
	h.aOnline = true
	h.run(2_000_000)

	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("healed roles: a=%v, want master", h.a.CurrentRole())
	}
	if h.b.CurrentRole() != RoleFollower {
		t.Fatalf("healed roles: b=%v, want follower", h.b.CurrentRole())
	}
}

func TestNodeMalformedDatagramIgnored(t *testing.T) {
	h := newHarness(t)
	h.a.handlePacket(transport.Packet{
		From: h.b.LocalAddr(),
		Data: []byte{0xFF, 0xDE, 0xAD, 0xBE, 0xEF},
	})
	// No state change, no panic.
	if h.a.CurrentRole() != RoleUnassociated {
		t.Fatalf("role changed on garbage input: %v", h.a.CurrentRole())
	}
}

func TestNodeStandalonePodRejoinsOnSync(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)

	// Force the follower standalone, then let it hear the master again.
	h.b.elect.Standalone()
	if h.b.JoinState() != JoinIdle {
		t.Fatalf("standalone join state = %v, want idle", h.b.JoinState())
	}

	h.run(1_000_000)
	if h.b.CurrentRole() != RoleFollower {
		t.Fatalf("pod should rejoin on hearing SYNC, role = %v", h.b.CurrentRole())
	}
	if h.b.JoinState() != JoinConnected {
		t.Fatalf("join state = %v, want connected", h.b.JoinState())
	}
}

func TestNodeOutlierPongsDegradeToStandalone(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)
	if h.b.CurrentRole() != RoleFollower {
		t.Fatalf("setup role = %v, want follower", h.b.CurrentRole())
	}

	// Feed the follower replies whose round trip is far past the sanity
	// bound. Each reject is a communication failure against the sync
	// source; past the retry budget the pod falls back to standalone.
	for i := 0; i < 4; i++ {
		t1 := h.b.clk.PreparePing()
		pong := wire.NewPong(h.a.LocalAddr(), h.a.PodID(), t1, h.nowUs, h.nowUs-20_000)
		data, err := pong.Encode()
		if err != nil {
			t.Fatalf("encode pong: %v", err)
		}
		h.b.handlePacket(transport.Packet{From: h.a.LocalAddr(), Data: data})
	}

	if h.b.CurrentRole() != RoleUnassociated {
		t.Fatalf("role after repeated rejects = %v, want unassociated", h.b.CurrentRole())
	}
}

func TestNodeMasterRediscoversWhenAllPeersGone(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)
	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("setup role = %v, want master", h.a.CurrentRole())
	}

	// The master loses every peer at once: it keeps mastership but looks
	// for a mesh it may have been partitioned away from.
	h.bOnline = false
	h.run(400_000) // past the three-interval staleness horizon

	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("role after losing all peers = %v, want master", h.a.CurrentRole())
	}
	if h.a.JoinState() != JoinDiscovering {
		t.Fatalf("join state = %v, want discovering", h.a.JoinState())
	}

	// Nobody answers; discovery exhausts and the master settles back down.
	h.run(1_500_000)
	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("role after empty discovery = %v, want master", h.a.CurrentRole())
	}
	if h.a.JoinState() != JoinConnected {
		t.Fatalf("join state = %v, want connected", h.a.JoinState())
	}
}

func TestNodeMasterConfidenceIsFine(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)

	// The master is the reference clock, never "unsynced".
	if got := h.a.SyncConfidence(); got != clock.Fine {
		t.Fatalf("master confidence = %v, want fine", got)
	}
}

func TestNodeForceReelection(t *testing.T) {
	h := newHarness(t)
	h.run(2_000_000)

	h.a.ForceReelection()
	h.run(1_000_000)

	// The lower address wins again.
	if h.a.CurrentRole() != RoleMaster {
		t.Fatalf("role after forced election = %v, want master", h.a.CurrentRole())
	}
	if h.b.CurrentRole() != RoleFollower {
		t.Fatalf("peer role = %v, want follower", h.b.CurrentRole())
	}
}

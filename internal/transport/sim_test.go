package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

var (
	addrA = wire.Addr{0x01, 0, 0, 0, 0, 0x0a}
	addrB = wire.Addr{0x02, 0, 0, 0, 0, 0x0b}
	addrC = wire.Addr{0x03, 0, 0, 0, 0, 0x0c}
)

func recvOne(t *testing.T, l *SimLink) Packet {
	t.Helper()
	select {
	case pkt := <-l.Recv():
		return pkt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for packet")
		return Packet{}
	}
}

func TestSimBroadcastReachesAllOthers(t *testing.T) {
	hub := NewSimHub(SimConfig{})
	a := hub.Attach(addrA)
	b := hub.Attach(addrB)
	c := hub.Attach(addrC)

	if err := a.Broadcast([]byte("hello")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for _, l := range []*SimLink{b, c} {
		pkt := recvOne(t, l)
		if pkt.From != addrA || string(pkt.Data) != "hello" {
			t.Errorf("got %v from %s, want hello from %s", pkt.Data, pkt.From, addrA)
		}
	}

	select {
	case pkt := <-a.Recv():
		t.Errorf("sender received its own broadcast: %v", pkt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSimSendToUnknownPeer(t *testing.T) {
	hub := NewSimHub(SimConfig{})
	a := hub.Attach(addrA)

	if err := a.SendTo(addrB, []byte("x")); !errors.Is(err, perrs.ErrUnknownPeer) {
		t.Errorf("SendTo unknown = %v, want ErrUnknownPeer", err)
	}
}

func TestSimPayloadLimit(t *testing.T) {
	hub := NewSimHub(SimConfig{})
	a := hub.Attach(addrA)
	hub.Attach(addrB)

	big := make([]byte, MaxPayload+1)
	if err := a.Broadcast(big); !errors.Is(err, perrs.ErrPayloadTooLarge) {
		t.Errorf("Broadcast oversize = %v, want ErrPayloadTooLarge", err)
	}
	if err := a.SendTo(addrB, big); !errors.Is(err, perrs.ErrPayloadTooLarge) {
		t.Errorf("SendTo oversize = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSimLossDropsFrames(t *testing.T) {
	hub := NewSimHub(SimConfig{Loss: 1.0, Seed: 1})
	a := hub.Attach(addrA)
	b := hub.Attach(addrB)

	for i := 0; i < 10; i++ {
		if err := a.SendTo(addrB, []byte("gone")); err != nil {
			t.Fatalf("SendTo failed: %v", err)
		}
	}

	select {
	case pkt := <-b.Recv():
		t.Errorf("frame delivered despite 100%% loss: %v", pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSimDetachStopsDelivery(t *testing.T) {
	hub := NewSimHub(SimConfig{})
	a := hub.Attach(addrA)
	b := hub.Attach(addrB)

	hub.Detach(addrB)

	if err := a.SendTo(addrB, []byte("x")); !errors.Is(err, perrs.ErrUnknownPeer) {
		t.Errorf("SendTo detached = %v, want ErrUnknownPeer", err)
	}
	if err := b.SendTo(addrA, []byte("x")); !errors.Is(err, perrs.ErrClosed) {
		t.Errorf("SendTo from detached = %v, want ErrClosed", err)
	}

	select {
	case pkt := <-b.Recv():
		t.Errorf("detached link still received %v", pkt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSimDetachDuringDelayedDelivery(t *testing.T) {
	hub := NewSimHub(SimConfig{MinDelay: 5 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Seed: 7})
	a := hub.Attach(addrA)
	hub.Attach(addrB)

	// Frames in flight when the receiver powers off must be dropped, not
	// crash the delivery timer.
	for i := 0; i < 32; i++ {
		if err := a.SendTo(addrB, []byte("late")); err != nil {
			t.Fatalf("SendTo failed: %v", err)
		}
	}
	hub.Detach(addrB)
	time.Sleep(30 * time.Millisecond)
}

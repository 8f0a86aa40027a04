package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// SimHub connects in-process pods with a configurable lossy link. It models
// the radio: independent per-frame loss, bounded random delay (so a frame
// sent later can arrive earlier), and no duplicate suppression.
type SimHub struct {
	loss     float64
	minDelay time.Duration
	maxDelay time.Duration

	mu    sync.RWMutex
	links map[wire.Addr]*SimLink
	rng   *rand.Rand
	rngMu sync.Mutex
}

// SimConfig configures the simulated link. Zero values give a perfect
// zero-latency link, which unit tests rely on for determinism.
type SimConfig struct {
	Loss     float64 // per-frame drop probability in [0,1)
	MinDelay time.Duration
	MaxDelay time.Duration
	Seed     int64
}

func NewSimHub(cfg SimConfig) *SimHub {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimHub{
		loss:     cfg.Loss,
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		links:    make(map[wire.Addr]*SimLink),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Attach registers a pod address and returns its transport endpoint.
func (h *SimHub) Attach(addr wire.Addr) *SimLink {
	l := &SimLink{
		hub:    h,
		self:   addr,
		recvCh: make(chan Packet, 128),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.links[addr] = l
	h.mu.Unlock()
	return l
}

// Detach disconnects a pod, simulating power-off. Frames already in flight
// to other pods are unaffected.
func (h *SimHub) Detach(addr wire.Addr) {
	h.mu.Lock()
	l, ok := h.links[addr]
	if ok {
		delete(h.links, addr)
	}
	h.mu.Unlock()
	if ok {
		l.close()
	}
}

func (h *SimHub) deliver(from, to wire.Addr, data []byte) {
	h.rngMu.Lock()
	dropped := h.loss > 0 && h.rng.Float64() < h.loss
	var delay time.Duration
	if h.maxDelay > h.minDelay {
		delay = h.minDelay + time.Duration(h.rng.Int63n(int64(h.maxDelay-h.minDelay)))
	} else {
		delay = h.minDelay
	}
	h.rngMu.Unlock()

	if dropped {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	pkt := Packet{From: from, Data: buf}

	push := func() {
		h.mu.RLock()
		l, ok := h.links[to]
		h.mu.RUnlock()
		if !ok {
			return
		}
		select {
		case l.recvCh <- pkt:
		case <-l.done:
		default:
		}
	}

	if delay == 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

// SimLink is one pod's endpoint on a SimHub.
type SimLink struct {
	hub       *SimHub
	self      wire.Addr
	recvCh    chan Packet
	done      chan struct{}
	closeOnce sync.Once
}

func (l *SimLink) LocalAddr() wire.Addr {
	return l.self
}

func (l *SimLink) Recv() <-chan Packet {
	return l.recvCh
}

func (l *SimLink) Broadcast(data []byte) error {
	if len(data) > MaxPayload {
		return perrs.ErrPayloadTooLarge
	}
	select {
	case <-l.done:
		return perrs.ErrClosed
	default:
	}

	l.hub.mu.RLock()
	targets := make([]wire.Addr, 0, len(l.hub.links))
	for addr := range l.hub.links {
		if addr != l.self {
			targets = append(targets, addr)
		}
	}
	l.hub.mu.RUnlock()

	for _, to := range targets {
		l.hub.deliver(l.self, to, data)
	}
	return nil
}

func (l *SimLink) SendTo(addr wire.Addr, data []byte) error {
	if len(data) > MaxPayload {
		return perrs.ErrPayloadTooLarge
	}
	select {
	case <-l.done:
		return perrs.ErrClosed
	default:
	}

	l.hub.mu.RLock()
	_, ok := l.hub.links[addr]
	l.hub.mu.RUnlock()
	if !ok {
		return perrs.ErrUnknownPeer
	}

	l.hub.deliver(l.self, addr, data)
	return nil
}

func (l *SimLink) Close() error {
	l.hub.Detach(l.self)
	return nil
}

func (l *SimLink) close() {
	// recvCh stays open: a delayed frame may still be pushed after Detach,
	// and a send racing a close would panic. Receivers stop on done (or
	// their own shutdown signal); the channel is garbage once unreferenced.
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

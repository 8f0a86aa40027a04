package transport

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// frame layout on UDP: [6-byte sender address][payload]
const udpHeaderLen = 6

// UDPTransport carries pod datagrams over UDP broadcast on a single LAN.
// Unicast endpoints are learned from received frames; a peer we have never
// heard from cannot be addressed directly.
type UDPTransport struct {
	self      wire.Addr
	conn      *net.UDPConn
	bcast     *net.UDPAddr
	recvCh    chan Packet
	endpoints map[wire.Addr]*net.UDPAddr
	mu        sync.RWMutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// UDPConfig configures the UDP link.
type UDPConfig struct {
	Self          wire.Addr
	Port          int    // listen port, shared by every pod on the segment
	BroadcastAddr string // defaults to 255.255.255.255
}

func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", cfg.Port, err)
	}

	bip := cfg.BroadcastAddr
	if bip == "" {
		bip = "255.255.255.255"
	}
	ip := net.ParseIP(bip)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("invalid broadcast address %q", bip)
	}

	t := &UDPTransport{
		self:      cfg.Self,
		conn:      conn,
		bcast:     &net.UDPAddr{IP: ip, Port: cfg.Port},
		recvCh:    make(chan Packet, 64),
		endpoints: make(map[wire.Addr]*net.UDPAddr),
		done:      make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	log.Printf("UDP transport up on :%d as %s", cfg.Port, cfg.Self)
	return t, nil
}

func (t *UDPTransport) LocalAddr() wire.Addr {
	return t.self
}

func (t *UDPTransport) Recv() <-chan Packet {
	return t.recvCh
}

func (t *UDPTransport) Broadcast(data []byte) error {
	frame, err := t.frame(data)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(frame, t.bcast)
	return err
}

func (t *UDPTransport) SendTo(addr wire.Addr, data []byte) error {
	t.mu.RLock()
	ep, ok := t.endpoints[addr]
	t.mu.RUnlock()
	if !ok {
		return perrs.ErrUnknownPeer
	}

	frame, err := t.frame(data)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(frame, ep)
	return err
}

func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		t.wg.Wait()
		close(t.recvCh)
	})
	return nil
}

func (t *UDPTransport) frame(data []byte) ([]byte, error) {
	if len(data) > MaxPayload {
		return nil, perrs.ErrPayloadTooLarge
	}
	frame := make([]byte, udpHeaderLen+len(data))
	copy(frame, t.self[:])
	copy(frame[udpHeaderLen:], data)
	return frame, nil
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, udpHeaderLen+MaxPayload+1)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				log.Printf("UDP read error: %v", err)
				continue
			}
		}

		if n < udpHeaderLen || n > udpHeaderLen+MaxPayload {
			continue
		}

		var from wire.Addr
		copy(from[:], buf[:udpHeaderLen])
		if from == t.self {
			continue // our own broadcast echoed back
		}

		t.mu.Lock()
		t.endpoints[from] = raddr
		t.mu.Unlock()

		data := make([]byte, n-udpHeaderLen)
		copy(data, buf[udpHeaderLen:n])

		select {
		case t.recvCh <- Packet{From: from, Data: data}:
		case <-t.done:
			return
		default:
			// receive queue full: the link is lossy anyway, drop the frame
		}
	}
}

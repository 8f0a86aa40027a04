// Package transport provides the best-effort datagram link between pods.
// The link is unreliable and unordered: frames may be lost, duplicated, or
// arrive out of send order. Nothing above this layer may assume otherwise.
package transport

import (
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
)

// MaxPayload is the largest datagram the radio link carries.
const MaxPayload = 250

// Packet is a received datagram together with its sender address.
type Packet struct {
	From wire.Addr
	Data []byte
}

// Transport is the adapter over the pod-to-pod link. Broadcast and SendTo
// are fire-and-forget; delivery is never guaranteed. Recv returns the
// channel the receive path feeds, closed when the transport shuts down.
type Transport interface {
	Broadcast(data []byte) error
	SendTo(addr wire.Addr, data []byte) error
	Recv() <-chan Packet
	LocalAddr() wire.Addr
	Close() error
}

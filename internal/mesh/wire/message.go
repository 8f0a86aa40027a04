// Package wire defines the datagram messages exchanged between pods and
// their binary codec. Every message fits a single 250-byte radio payload.
package wire

import (
	"bytes"
	"encoding/gob"

	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

type MessageType uint8

const (
	MsgDiscover MessageType = iota + 1
	MsgDiscoverAck
	MsgJoinRequest
	MsgJoinAccept
	MsgJoinReject
	MsgClaim
	MsgSync
	MsgPing
	MsgPong
)

func (t MessageType) String() string {
	switch t {
	case MsgDiscover:
		return "DISCOVER"
	case MsgDiscoverAck:
		return "DISCOVER_ACK"
	case MsgJoinRequest:
		return "JOIN_REQUEST"
	case MsgJoinAccept:
		return "JOIN_ACCEPT"
	case MsgJoinReject:
		return "JOIN_REJECT"
	case MsgClaim:
		return "CLAIM"
	case MsgSync:
		return "SYNC"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Message is the single on-wire envelope. Sender and PodID are filled on
// every message; the remaining fields are per-type.
type Message struct {
	Type   MessageType
	Sender Addr
	PodID  uint8 // sender's assigned identifier, 0 if unassigned

	// DISCOVER_ACK
	MasterAddr Addr
	MasterID   uint8

	// JOIN_REQUEST / JOIN_ACCEPT / JOIN_REJECT
	RequestedID uint8
	AssignedID  uint8
	Reason      string

	// SYNC / PING / PONG, microseconds on the sender's clock
	SendUs int64 // SYNC master send time, PING t1, PONG t3
	EchoUs int64 // PONG: echoed PING t1
	RecvUs int64 // PONG: master receive time t2
}

// Encode serializes m with a leading type byte followed by the gob body.
func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))

	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram produced by Encode. A short or undecodable
// payload yields ErrBadFrame; callers classify it as a Protocol error and
// drop it, never panic.
func Decode(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, perrs.ErrBadFrame
	}

	var m Message
	dec := gob.NewDecoder(bytes.NewBuffer(data[1:]))
	if err := dec.Decode(&m); err != nil {
		return nil, perrs.ErrBadFrame
	}

	m.Type = MessageType(data[0])
	if m.Type < MsgDiscover || m.Type > MsgPong {
		return nil, perrs.ErrBadFrame
	}
	return &m, nil
}

func NewDiscover(sender Addr, podID uint8) *Message {
	return &Message{Type: MsgDiscover, Sender: sender, PodID: podID}
}

func NewDiscoverAck(sender Addr, masterID uint8) *Message {
	return &Message{Type: MsgDiscoverAck, Sender: sender, PodID: masterID, MasterAddr: sender, MasterID: masterID}
}

func NewJoinRequest(sender Addr, requestedID uint8) *Message {
	return &Message{Type: MsgJoinRequest, Sender: sender, PodID: requestedID, RequestedID: requestedID}
}

func NewJoinAccept(sender Addr, masterID, assignedID uint8) *Message {
	return &Message{Type: MsgJoinAccept, Sender: sender, PodID: masterID, AssignedID: assignedID}
}

func NewJoinReject(sender Addr, masterID uint8, reason string) *Message {
	return &Message{Type: MsgJoinReject, Sender: sender, PodID: masterID, Reason: reason}
}

func NewClaim(sender Addr, podID uint8) *Message {
	return &Message{Type: MsgClaim, Sender: sender, PodID: podID}
}

func NewSync(sender Addr, masterID uint8, sendUs int64) *Message {
	return &Message{Type: MsgSync, Sender: sender, PodID: masterID, SendUs: sendUs}
}

func NewPing(sender Addr, podID uint8, t1Us int64) *Message {
	return &Message{Type: MsgPing, Sender: sender, PodID: podID, SendUs: t1Us}
}

func NewPong(sender Addr, masterID uint8, echoT1Us, recvT2Us, sendT3Us int64) *Message {
	return &Message{Type: MsgPong, Sender: sender, PodID: masterID, EchoUs: echoT1Us, RecvUs: recvT2Us, SendUs: sendT3Us}
}

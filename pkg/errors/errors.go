// Package errors defines sentinel errors used across the mesh coordination core.
package errors

import "errors"

// Sentinel errors for the join handshake.
var (
	// ErrJoinTimeout indicates a JOIN_REQUEST received no JOIN_ACCEPT in time.
	ErrJoinTimeout = errors.New("join request timed out")

	// ErrMeshFull indicates no pod identifier in [1,24] is free.
	ErrMeshFull = errors.New("mesh is at capacity")
)

// Sentinel errors for the clock engine.
var (
	// ErrRTTOutlier indicates a round-trip sample exceeded the sanity threshold.
	ErrRTTOutlier = errors.New("round trip exceeds sanity threshold")

	// ErrStaleSample indicates a round-trip reply older than the last accepted sample.
	ErrStaleSample = errors.New("stale round trip sample")
)

// Sentinel errors for transport and framing.
var (
	// ErrPayloadTooLarge indicates a datagram exceeds the radio payload limit.
	ErrPayloadTooLarge = errors.New("payload exceeds datagram limit")

	// ErrBadFrame indicates a datagram that could not be decoded.
	ErrBadFrame = errors.New("malformed frame")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrUnknownPeer indicates a unicast target absent from the registry.
	ErrUnknownPeer = errors.New("unknown peer address")
)

// Sentinel errors for the shared bus arbiter.
var (
	// ErrBusHeld indicates a non-blocking acquire found the bus busy.
	ErrBusHeld = errors.New("bus is held")

	// ErrBusFault indicates the bus needs a reset before further use.
	ErrBusFault = errors.New("bus fault")
)

// Sentinel errors for the identity store.
var (
	// ErrNoIdentity indicates no identity record has been persisted yet.
	ErrNoIdentity = errors.New("no stored identity")
)

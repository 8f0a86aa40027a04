// Package mesh implements the distributed coordination layer: peer
// tracking, the join/identity handshake, master election and failover, and
// the node loop that ties them to the clock engine and recovery machine.
package mesh

import (
	"sort"
	"sync"

	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
)

// PeerRole is what a peer currently claims to be.
type PeerRole uint8

const (
	PeerUnknown PeerRole = iota
	PeerMaster
	PeerFollower
)

func (r PeerRole) String() string {
	switch r {
	case PeerMaster:
		return "master"
	case PeerFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// PeerRecord is one known peer. Records are created on first message,
// refreshed on every message, and evicted after the silence timeout.
type PeerRecord struct {
	Addr       wire.Addr
	PodID      uint8
	Role       PeerRole
	LastSeenUs int64
	RTTUs      int64
}

// Registry is the shared ground truth about known peers, consulted by the
// join manager and the election component. All methods copy; callers never
// hold references into the registry.
type Registry struct {
	mu    sync.RWMutex
	peers map[wire.Addr]*PeerRecord
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[wire.Addr]*PeerRecord)}
}

// Observe creates or refreshes the record for a peer. Role and PodID are
// taken from the message; PeerUnknown keeps the previously known role.
func (r *Registry) Observe(addr wire.Addr, podID uint8, role PeerRole, nowUs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers[addr]
	if !ok {
		rec = &PeerRecord{Addr: addr}
		r.peers[addr] = rec
		metrics.KnownPeers.Set(float64(len(r.peers)))
	}
	rec.LastSeenUs = nowUs
	if podID != 0 {
		rec.PodID = podID
	}
	if role != PeerUnknown {
		rec.Role = role
	}
}

// SetRTT records a measured round trip for a peer.
func (r *Registry) SetRTT(addr wire.Addr, rttUs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[addr]; ok {
		rec.RTTUs = rttUs
	}
}

// Get returns a copy of one peer record.
func (r *Registry) Get(addr wire.Addr) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[addr]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Snapshot returns all peer records ordered by address.
func (r *Registry) Snapshot() []PeerRecord {
	r.mu.RLock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Evict removes a peer. Returns false if it was not present.
func (r *Registry) Evict(addr wire.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		return false
	}
	delete(r.peers, addr)
	metrics.KnownPeers.Set(float64(len(r.peers)))
	return true
}

// SweepStale evicts every peer silent for longer than timeoutUs and returns
// the evicted records.
func (r *Registry) SweepStale(nowUs, timeoutUs int64) []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []PeerRecord
	for addr, rec := range r.peers {
		if nowUs-rec.LastSeenUs >= timeoutUs {
			evicted = append(evicted, *rec)
			delete(r.peers, addr)
			metrics.PeerEvictions.Inc()
		}
	}
	if evicted != nil {
		metrics.KnownPeers.Set(float64(len(r.peers)))
	}
	return evicted
}

// HolderOf returns the peer currently claiming a pod identifier.
func (r *Registry) HolderOf(podID uint8) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.peers {
		if rec.PodID == podID {
			return *rec, true
		}
	}
	return PeerRecord{}, false
}

// LowestFreeID returns the lowest identifier in [1,MaxPodID] claimed by
// neither any known peer nor selfID. ok is false when the mesh is full.
func (r *Registry) LowestFreeID(selfID uint8) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var used [identity.MaxPodID + 1]bool
	if selfID >= 1 && selfID <= identity.MaxPodID {
		used[selfID] = true
	}
	for _, rec := range r.peers {
		if rec.PodID >= 1 && rec.PodID <= identity.MaxPodID {
			used[rec.PodID] = true
		}
	}
	for id := uint8(1); id <= identity.MaxPodID; id++ {
		if !used[id] {
			return id, true
		}
	}
	return 0, false
}

// Package identity owns the pod's persistent identity record. The record
// survives power loss; everything else the coordination core holds is
// rebuilt from scratch at boot.
package identity

import (
	"sync"

	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

// MaxPodID is the highest assignable pod identifier.
const MaxPodID = 24

// NodeIdentity is the persisted identity record. PodID 0 means unassigned.
type NodeIdentity struct {
	Addr         wire.Addr `json:"addr"`
	PodID        uint8     `json:"pod_id"`
	DisplayName  string    `json:"display_name"`
	HardwareRev  string    `json:"hardware_rev"`
	LastMaster   wire.Addr `json:"last_master,omitempty"`
	LastMasterID uint8     `json:"last_master_id,omitempty"`
}

// Store persists the identity record. Save must be durable before it
// returns; the join manager persists immediately on every accepted
// assignment.
type Store interface {
	Load() (NodeIdentity, error)
	Save(NodeIdentity) error
	Close() error
}

// MemoryStore is a volatile Store for tests and simulation.
type MemoryStore struct {
	mu    sync.Mutex
	ident NodeIdentity
	saved bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (NodeIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return NodeIdentity{}, perrs.ErrNoIdentity
	}
	return s.ident, nil
}

func (s *MemoryStore) Save(id NodeIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident = id
	s.saved = true
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

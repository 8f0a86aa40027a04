// Package sim runs a whole mesh in one process over the simulated link.
// It exists for protocol work on a desk: no radios, reproducible loss, and
// a report of what the mesh settled on.
package sim

import (
	"fmt"
	"sort"
	"time"

	"github.com/pcesar22/domes-sub001/internal/clock"
	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/transport"
)

// Options configures a simulation run.
type Options struct {
	Pods     int           // number of pods, 2..24
	Duration time.Duration // wall-clock run time
	Loss     float64       // per-frame drop probability
	MinDelay time.Duration // link delay floor
	MaxDelay time.Duration // link delay ceiling
	Seed     int64

	// Node overrides the per-pod timing profile. Zero values keep the
	// protocol defaults; tests compress them to finish quickly.
	Node mesh.NodeConfig
}

// PodReport is one pod's final state.
type PodReport struct {
	Addr       wire.Addr
	PodID      uint8
	Role       mesh.Role
	Master     wire.Addr
	HasMaster  bool
	OffsetUs   int64
	RTTUs      int64
	Confidence clock.Confidence
	Peers      int
}

// Report is the outcome of a run.
type Report struct {
	Pods      []PodReport
	Converged bool      // exactly one master, everyone else follows it
	Master    wire.Addr // valid when Converged
	Elapsed   time.Duration
}

// Run spins up the pods, lets the protocol settle, and snapshots the
// outcome. It blocks for the configured duration.
func Run(opts Options) (*Report, error) {
	if opts.Pods < 2 || opts.Pods > int(identity.MaxPodID) {
		return nil, fmt.Errorf("pod count must be in [2,%d], got %d", identity.MaxPodID, opts.Pods)
	}
	if opts.Duration == 0 {
		opts.Duration = 5 * time.Second
	}

	hub := transport.NewSimHub(transport.SimConfig{
		Loss:     opts.Loss,
		MinDelay: opts.MinDelay,
		MaxDelay: opts.MaxDelay,
		Seed:     opts.Seed,
	})

	start := time.Now()
	nodes := make([]*mesh.Node, 0, opts.Pods)
	for i := 0; i < opts.Pods; i++ {
		addr := wire.Addr{0xDE, 0x50, 0x0D, 0x00, 0x00, byte(i + 1)}
		link := hub.Attach(addr)
		node := mesh.NewNode(opts.Node, link, identity.NodeIdentity{Addr: addr}, identity.NewMemoryStore(), nil)
		nodes = append(nodes, node)
		node.Start()
	}

	time.Sleep(opts.Duration)

	rep := &Report{Elapsed: time.Since(start)}
	for _, n := range nodes {
		st := n.ClockState()
		master, ok := n.Master()
		rep.Pods = append(rep.Pods, PodReport{
			Addr:       n.LocalAddr(),
			PodID:      n.PodID(),
			Role:       n.CurrentRole(),
			Master:     master,
			HasMaster:  ok,
			OffsetUs:   st.OffsetUs,
			RTTUs:      st.LastRTTUs,
			Confidence: st.Confidence,
			Peers:      len(n.Peers()),
		})
	}
	for _, n := range nodes {
		n.Stop()
	}

	sort.Slice(rep.Pods, func(i, j int) bool {
		return rep.Pods[i].Addr.Less(rep.Pods[j].Addr)
	})
	rep.Converged, rep.Master = converged(rep.Pods)
	return rep, nil
}

// converged checks the single-master invariant: one master, every other pod
// following it with an assigned identifier.
func converged(pods []PodReport) (bool, wire.Addr) {
	var master wire.Addr
	masters := 0
	for _, p := range pods {
		if p.Role == mesh.RoleMaster {
			masters++
			master = p.Addr
		}
	}
	if masters != 1 {
		return false, wire.Addr{}
	}
	for _, p := range pods {
		if p.Role == mesh.RoleMaster {
			continue
		}
		if p.Role != mesh.RoleFollower || !p.HasMaster || p.Master != master || p.PodID == 0 {
			return false, wire.Addr{}
		}
	}
	return true, master
}

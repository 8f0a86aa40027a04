package cli

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pcesar22/domes-sub001/internal/clock"
	"github.com/pcesar22/domes-sub001/internal/config"
	"github.com/pcesar22/domes-sub001/internal/console"
	"github.com/pcesar22/domes-sub001/internal/identity"
	"github.com/pcesar22/domes-sub001/internal/mesh"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/internal/metrics"
	"github.com/pcesar22/domes-sub001/internal/transport"
)

// NewRunCommand creates the command that runs a pod against the real link.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var (
		addrFlag string
		portFlag int
		dataDir  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pod node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.Profile)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Addr = addrFlag
			}
			if portFlag != 0 {
				cfg.UDPPort = portFlag
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			return runPod(cfg)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "pod hardware address (aa:bb:cc:dd:ee:ff, default first NIC)")
	cmd.Flags().IntVar(&portFlag, "port", 0, "mesh UDP port")
	cmd.Flags().StringVar(&dataDir, "data", "", "identity store directory")
	return cmd
}

func runPod(cfg config.Config) error {
	addr, err := resolveAddr(cfg.Addr)
	if err != nil {
		return err
	}

	store, err := identity.NewBadgerStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer store.Close()

	ident, err := store.Load()
	if err != nil {
		ident = identity.NodeIdentity{
			Addr:        addr,
			DisplayName: cfg.PodName,
			HardwareRev: cfg.Hardware,
		}
		if err := store.Save(ident); err != nil {
			return fmt.Errorf("seed identity: %w", err)
		}
	}
	if ident.Addr != addr {
		// The store moved to different hardware; trust the hardware.
		ident.Addr = addr
		ident.PodID = 0
		if err := store.Save(ident); err != nil {
			return fmt.Errorf("rewrite identity: %w", err)
		}
	}
	if boots, err := store.BootCount(); err == nil {
		log.Printf("Pod %s boot #%d (id %d)", addr, boots, ident.PodID)
	}

	tr, err := transport.NewUDPTransport(transport.UDPConfig{
		Self: addr,
		Port: cfg.UDPPort,
	})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	node := mesh.NewNode(mesh.NodeConfig{
		TickInterval: cfg.TickInterval(),
		Clock: clock.Config{
			SyncIntervalUs: cfg.SyncIntervalUs,
			MaxStepUs:      cfg.MaxStepUs,
			MaxSaneRTTUs:   cfg.MaxSaneRTTUs,
		},
		Join: mesh.JoinConfig{
			DiscoverIntervalUs: cfg.DiscoverIntervalUs,
			DiscoverAttempts:   cfg.DiscoverAttempts,
			JoinTimeoutUs:      cfg.JoinTimeoutUs,
		},
		Election: mesh.ElectionConfig{
			BackoffMaxUs:  cfg.BackoffMaxUs,
			ClaimWindowUs: cfg.ClaimWindowUs,
		},
	}, tr, ident, store, nil)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}

	var cons *console.Server
	if cfg.ConsoleAddr != "" {
		cons = console.NewServer(cfg.ConsoleAddr, node)
		go func() {
			if err := cons.Start(); err != nil {
				log.Printf("Console listener failed: %v", err)
			}
		}()
	}

	node.Start()
	log.Printf("Pod %s running on udp/%d", addr, cfg.UDPPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("Shutting down")
	if cons != nil {
		cons.Stop()
	}
	node.Stop()
	return nil
}

// resolveAddr parses the configured address, or borrows the first
// non-loopback interface's MAC so a fleet can run with zero per-pod config.
func resolveAddr(s string) (wire.Addr, error) {
	if s != "" {
		return wire.ParseAddr(s)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return wire.Addr{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		var a wire.Addr
		copy(a[:], iface.HardwareAddr)
		if !a.IsZero() {
			return a, nil
		}
	}
	return wire.Addr{}, fmt.Errorf("no usable interface address, pass --addr")
}

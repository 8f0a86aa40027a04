// Package console serves the pod's operator console over RESP. It is a
// debug surface: field tools attach with any redis client to inspect the
// mesh and poke failure paths without reflashing.
package console

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/pcesar22/domes-sub001/internal/clock"
	"github.com/pcesar22/domes-sub001/internal/mesh"
	"github.com/pcesar22/domes-sub001/internal/mesh/wire"
	"github.com/pcesar22/domes-sub001/pkg/bytes"
)

// Pod is the view the console needs of the running node.
type Pod interface {
	LocalAddr() wire.Addr
	PodID() uint8
	CurrentRole() mesh.Role
	Master() (wire.Addr, bool)
	JoinState() mesh.JoinState
	Now() int64
	ClockState() clock.State
	Peers() []mesh.PeerRecord
	DropPeer(wire.Addr) bool
	ForceReelection()
}

type commandFunc func(conn redcon.Conn, args [][]byte)

// Server is the RESP console listener.
type Server struct {
	addr     string
	pod      Pod
	commands map[string]commandFunc
	started  time.Time

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

func NewServer(addr string, pod Pod) *Server {
	s := &Server{
		addr:     addr,
		pod:      pod,
		commands: make(map[string]commandFunc),
		started:  time.Now(),
	}
	s.registerCommands()
	return s
}

func (s *Server) registerCommands() {
	s.commands["PING"] = s.cmdPing
	s.commands["QUIT"] = s.cmdQuit
	s.commands["ID"] = s.cmdID
	s.commands["ROLE"] = s.cmdRole
	s.commands["CLOCK"] = s.cmdClock
	s.commands["PEERS"] = s.cmdPeers
	s.commands["INFO"] = s.cmdInfo
	s.commands["DROP"] = s.cmdDrop
	s.commands["REELECT"] = s.cmdReelect
}

func (s *Server) Start() error {
	log.Printf("Console listening on %s", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr, s.handleCommand, nil, nil)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	name := strings.ToUpper(bytes.BytesToString(cmd.Args[0]))
	fn, ok := s.commands[name]
	if !ok {
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
		return
	}
	fn(conn, cmd.Args[1:])
}

func (s *Server) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) > 0 {
		conn.WriteBulk(args[0])
		return
	}
	conn.WriteString("PONG")
}

func (s *Server) cmdQuit(conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (s *Server) cmdID(conn redcon.Conn, args [][]byte) {
	conn.WriteArray(2)
	conn.WriteBulkString(s.pod.LocalAddr().String())
	conn.WriteInt(int(s.pod.PodID()))
}

func (s *Server) cmdRole(conn redcon.Conn, args [][]byte) {
	master := "none"
	if addr, ok := s.pod.Master(); ok {
		master = addr.String()
	}
	conn.WriteArray(3)
	conn.WriteBulkString(s.pod.CurrentRole().String())
	conn.WriteBulkString(master)
	conn.WriteBulkString(s.pod.JoinState().String())
}

func (s *Server) cmdClock(conn redcon.Conn, args [][]byte) {
	st := s.pod.ClockState()
	conn.WriteArray(5)
	conn.WriteInt64(s.pod.Now())
	conn.WriteInt64(st.OffsetUs)
	conn.WriteInt64(st.LastRTTUs)
	conn.WriteBulkString(st.Confidence.String())
	conn.WriteBulkString(fmt.Sprintf("%.2f", st.DriftPpm))
}

func (s *Server) cmdPeers(conn redcon.Conn, args [][]byte) {
	peers := s.pod.Peers()
	conn.WriteArray(len(peers))
	for _, p := range peers {
		conn.WriteBulkString(fmt.Sprintf("%s pod=%d role=%s rtt=%dus seen=%dus",
			p.Addr, p.PodID, p.Role, p.RTTUs, p.LastSeenUs))
	}
}

func (s *Server) cmdInfo(conn redcon.Conn, args [][]byte) {
	st := s.pod.ClockState()
	master := "none"
	if addr, ok := s.pod.Master(); ok {
		master = addr.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Pod\r\n")
	fmt.Fprintf(&b, "addr:%s\r\n", s.pod.LocalAddr())
	fmt.Fprintf(&b, "pod_id:%d\r\n", s.pod.PodID())
	fmt.Fprintf(&b, "role:%s\r\n", s.pod.CurrentRole())
	fmt.Fprintf(&b, "master:%s\r\n", master)
	fmt.Fprintf(&b, "join_state:%s\r\n", s.pod.JoinState())
	fmt.Fprintf(&b, "uptime_seconds:%d\r\n", int(time.Since(s.started).Seconds()))
	fmt.Fprintf(&b, "# Clock\r\n")
	fmt.Fprintf(&b, "mesh_time_us:%d\r\n", s.pod.Now())
	fmt.Fprintf(&b, "offset_us:%d\r\n", st.OffsetUs)
	fmt.Fprintf(&b, "rtt_us:%d\r\n", st.LastRTTUs)
	fmt.Fprintf(&b, "confidence:%s\r\n", st.Confidence)
	fmt.Fprintf(&b, "# Mesh\r\n")
	fmt.Fprintf(&b, "known_peers:%d\r\n", len(s.pod.Peers()))
	conn.WriteBulkString(b.String())
}

func (s *Server) cmdDrop(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'DROP'")
		return
	}
	addr, err := wire.ParseAddr(bytes.BytesToString(args[0]))
	if err != nil {
		conn.WriteError(fmt.Sprintf("ERR %v", err))
		return
	}
	if s.pod.DropPeer(addr) {
		conn.WriteInt(1)
		return
	}
	conn.WriteInt(0)
}

func (s *Server) cmdReelect(conn redcon.Conn, args [][]byte) {
	s.pod.ForceReelection()
	conn.WriteString("OK")
}

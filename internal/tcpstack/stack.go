package tcpstack

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tinyrange/tcpstack/internal/pcap"
)

////////////////////////////////////////////////////////////////////////////////
// Control surface
////////////////////////////////////////////////////////////////////////////////

// ListenerID identifies a passive-open listener owned by a Stack.
type ListenerID uint64

// ErrWouldBlock is returned by Recv when no data is currently available.
var ErrWouldBlock = errors.New("tcpstack: would block")

// ErrUnknownConn is returned when a control-surface call names a conn_id
// the stack doesn't recognize (never registered, or already reaped).
var ErrUnknownConn = errors.New("tcpstack: unknown connection")

// Stack is the single-threaded cooperative event loop tying together a raw
// IP socket, the four-tuple demultiplexer and the per-connection control
// blocks. All exported methods are safe to call from one goroutine driving
// PollOnce in a loop, or from other goroutines under the internal mutex; the
// state machine logic itself assumes no concurrent mutation of a given Conn.
type Stack struct {
	log  *slog.Logger
	sock RawSocket
	addr [4]byte

	mu        sync.Mutex
	demux     *demultiplexer
	conns     map[connID]*Conn
	listeners map[endpoint]ListenerID
	nextConn  connID
	nextListn ListenerID
	rng       *rand.Rand
	engineCfg EngineConfig

	capture *pcap.Writer

	recvBuf [65536]byte
}

// SetCapture attaches a pcap writer that every subsequently sent and
// received datagram is mirrored into. Datagrams are written without
// link-layer framing, so w's file header should use LinkTypeRaw (DLT_RAW);
// WriteFileHeader must already have been called on w.
func (s *Stack) SetCapture(w *pcap.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = w
}

func (s *Stack) captureFrame(now time.Time, packet []byte) {
	if s.capture == nil {
		return
	}
	ci := pcap.CaptureInfo{Timestamp: now, CaptureLength: len(packet), Length: len(packet)}
	if err := s.capture.WritePacket(ci, packet); err != nil {
		s.log.Warn("tcpstack: pcap write failed", "err", err)
	}
}

// NewStack constructs a Stack bound to addr (the local IPv4 address used to
// build outbound headers and to match inbound packets' destination) and
// driven through sock for wire I/O, using the engine's built-in tunables.
// Use NewStackWithConfig to override them from tcpconfig.Config.
func NewStack(addr [4]byte, sock RawSocket, log *slog.Logger) *Stack {
	return NewStackWithConfig(addr, sock, log, DefaultEngineConfig())
}

// NewStackWithConfig is NewStack with explicit per-connection tunables
// (reorder buffer size, retransmit retry ceiling, idle timeout), threaded
// down into every connection newConn/acceptPassive creates.
func NewStackWithConfig(addr [4]byte, sock RawSocket, log *slog.Logger, cfg EngineConfig) *Stack {
	if log == nil {
		log = slog.Default()
	}
	return &Stack{
		log:       log,
		sock:      sock,
		addr:      addr,
		demux:     newDemultiplexer(),
		conns:     make(map[connID]*Conn),
		listeners: make(map[endpoint]ListenerID),
		nextConn:  1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		engineCfg: cfg,
	}
}

// NewEndpoint builds the address/port pair the control surface identifies
// connections and listeners by.
func NewEndpoint(addr [4]byte, port uint16) endpoint {
	return endpoint{addr: addr, port: port}
}

// OpenPassive registers local as a listener: inbound SYNs addressed to it
// spawn a new connection in SYN_RECEIVED.
func (s *Stack) OpenPassive(local endpoint) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextListn++
	id := s.nextListn
	s.listeners[local] = id
	s.log.Debug("tcpstack: listening", "local", local, "listener", id)
	return id
}

// ClosePassive removes a listener; it has no effect on connections already
// accepted from it.
func (s *Stack) ClosePassive(local endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, local)
}

// OpenActive begins an active open to remote from local, transmitting the
// initial SYN immediately and returning the new connection's id.
func (s *Stack) OpenActive(local, remote endpoint, now time.Time) (connID, error) {
	s.mu.Lock()
	c := newConn(local, remote, s.log, s.engineCfg, now)
	id := s.nextConn
	s.nextConn++
	s.conns[id] = c
	s.demux.register(fourTuple{local: local, remote: remote}, id)
	iss := Seq(s.rng.Uint32())
	s.mu.Unlock()

	segs := c.OpenActive(iss, now)
	return id, s.transmit(c, segs, now)
}

// Send queues data for transmission on conn and writes to the raw socket,
// in snd_nxt order, the MSS-sized segments the current send quantum allows.
// The rest stays queued and is sent as ACKs processed by PollOnce open the
// window.
func (s *Stack) Send(id connID, data []byte, now time.Time) error {
	c, ok := s.lookup(id)
	if !ok {
		return ErrUnknownConn
	}
	return s.transmit(c, c.Send(data, now), now)
}

// Recv drains up to max bytes of delivered application data. It returns
// ErrWouldBlock if the connection is open but has no data queued yet, or
// errClosed (via a *ConnError) once the connection has reached CLOSED with
// nothing left to deliver. ErrUnknownConn means id was never registered or
// was already reaped after a prior error.
func (s *Stack) Recv(id connID, max int) ([]byte, error) {
	c, ok := s.lookup(id)
	if !ok {
		return nil, ErrUnknownConn
	}
	data := c.Recv(max)
	if len(data) > 0 {
		return data, nil
	}
	if c.State() == StateClosed {
		return nil, errClosed()
	}
	return nil, ErrWouldBlock
}

// Close initiates a graceful active close on conn.
func (s *Stack) Close(id connID, now time.Time) error {
	c, ok := s.lookup(id)
	if !ok {
		return ErrUnknownConn
	}
	return s.transmit(c, c.Close(now), now)
}

// Conns returns the ids of every connection the stack currently tracks, in
// no particular order. Intended for simple services (echo servers, tests)
// that need to poll every live connection each tick.
func (s *Stack) Conns() []connID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]connID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// State reports a connection's current RFC 793 state.
func (s *Stack) State(id connID) (State, bool) {
	c, ok := s.lookup(id)
	if !ok {
		return StateClosed, false
	}
	return c.State(), true
}

func (s *Stack) lookup(id connID) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

////////////////////////////////////////////////////////////////////////////////
// Event loop
////////////////////////////////////////////////////////////////////////////////

// PollOnce reads at most one inbound datagram (non-blocking; returns
// immediately if none is pending) and feeds it through the matching
// connection, in arrival order. Inbound processing happens before any
// timer-driven work within the same tick, matching the ordering guarantee
// that ACK processing for a tick precedes retransmit timer evaluation for
// that same tick.
func (s *Stack) PollOnce(now time.Time) error {
	n, src, err := s.sock.Recv(s.recvBuf[:])
	if err != nil {
		return errIO(err)
	}
	if n == 0 {
		return nil
	}
	return s.handleInbound(s.recvBuf[:n], src, now)
}

func (s *Stack) handleInbound(packet []byte, src [4]byte, now time.Time) error {
	s.captureFrame(now, packet)

	ip, rest, err := ParseIPv4(packet)
	if err != nil {
		return fmt.Errorf("tcpstack: %w", err)
	}
	if ip.Protocol != tcpProtocolNumber {
		return nil
	}
	tcp, payload, err := ParseTCP(rest)
	if err != nil {
		return fmt.Errorf("tcpstack: %w", err)
	}

	key := fourTupleFromInbound(ip, tcp)

	s.mu.Lock()
	id, found := s.demux.find(key)
	var c *Conn
	if found {
		c = s.conns[id]
	}
	s.mu.Unlock()

	if c == nil {
		if tcp.hasFlag(FlagSYN) && !tcp.hasFlag(FlagACK) {
			return s.acceptConn(key, tcp, now)
		}
		return nil
	}

	out, err := c.HandleSegment(tcp, payload, now)
	if werr := s.transmit(c, out, now); werr != nil {
		return werr
	}
	if err != nil {
		s.reap(key, id)
		return err
	}
	if c.State() == StateClosed {
		s.reap(key, id)
	}
	return nil
}

func (s *Stack) acceptConn(key fourTuple, tcp TCPHeader, now time.Time) error {
	s.mu.Lock()
	_, listening := s.listeners[key.local]
	if !listening {
		s.mu.Unlock()
		return nil
	}
	iss := Seq(s.rng.Uint32())
	s.mu.Unlock()

	c, segs := acceptPassive(key.local, key.remote, tcp, iss, s.log, s.engineCfg, now)

	s.mu.Lock()
	id := s.nextConn
	s.nextConn++
	s.conns[id] = c
	s.demux.register(key, id)
	s.mu.Unlock()

	s.log.Debug("tcpstack: accepted connection", "local", key.local, "remote", key.remote)
	return s.transmit(c, segs, now)
}

// TickAll drives timer-evaluated work (retransmission, TIME_WAIT expiry,
// idle reclamation) across every live connection. New application data is
// never sent from here: Send transmits what the send quantum allows at
// once, and queued data is released while PollOnce processes ACKs, so
// TickAll only emits retransmissions.
func (s *Stack) TickAll(now time.Time) {
	s.mu.Lock()
	snapshot := make(map[connID]*Conn, len(s.conns))
	for id, c := range s.conns {
		snapshot[id] = c
	}
	s.mu.Unlock()

	for id, c := range snapshot {
		out, err := c.Tick(now)
		if werr := s.transmit(c, out, now); werr != nil {
			s.log.Warn("tcpstack: tick transmit failed", "conn", id, "err", werr)
		}
		if err != nil {
			s.log.Debug("tcpstack: connection reclaimed", "conn", id, "err", err)
		}
		if c.State() == StateClosed {
			s.reap(fourTuple{local: c.Local, remote: c.Remote}, id)
		}
	}
}

func (s *Stack) reap(key fourTuple, id connID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demux.unregister(key)
	delete(s.conns, id)
}

// transmit serializes each OutSegment in order and writes it to the raw
// socket, computing the IPv4 and TCP checksums here since Conn has no
// notion of addresses.
func (s *Stack) transmit(c *Conn, segs []OutSegment, now time.Time) error {
	for _, seg := range segs {
		hdr := seg.Header
		hdrBytes := hdr.Serialize()
		full := append(hdrBytes, seg.Payload...)
		sum := tcpChecksum(s.addr, c.Remote.addr, full)
		full[16] = byte(sum >> 8)
		full[17] = byte(sum)

		ip := newIPv4Header(s.addr, c.Remote.addr, len(full))
		packet := append(ip.Serialize(), full...)

		if _, err := s.sock.Send(packet, c.Remote.addr); err != nil {
			return errIO(err)
		}
		s.captureFrame(now, packet)
	}
	return nil
}

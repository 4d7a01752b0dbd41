package tcpstack

import (
	"log/slog"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Connection state
////////////////////////////////////////////////////////////////////////////////

// State is one of the RFC 793 connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultMSS             = 1460
	defaultRecvWindowScale = 7
	defaultRecvWindow      = 65535
	msl                    = 30 * time.Second
	defaultIdleTimeout     = 10 * time.Minute
)

// EngineConfig holds the operator-tunable parameters threaded down from
// tcpconfig.Config into each connection's reliability components. A zero
// value for any field falls back to that component's own built-in default.
type EngineConfig struct {
	MaxReorderBytes   int
	RetransmitRetries uint32
	IdleTimeout       time.Duration
}

// DefaultEngineConfig returns the engine's built-in tunables, used when a
// Stack is constructed without an explicit EngineConfig.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxReorderBytes:   defaultMaxReorderBytes,
		RetransmitRetries: defaultMaxRetransmitRetries,
		IdleTimeout:       defaultIdleTimeout,
	}
}

// OutSegment is a TCP segment a connection wants transmitted. The caller
// (the stack's event loop) is responsible for IPv4 encapsulation and
// computing the TCP checksum, since those require addresses not held here.
type OutSegment struct {
	Header     TCPHeader
	Payload    []byte
	Retransmit bool // true if this is a retransmission; its pending segment is then excluded from RTT sampling
}

////////////////////////////////////////////////////////////////////////////////
// Control block
////////////////////////////////////////////////////////////////////////////////

// Conn is the per-connection control block: state machine, send/receive
// sequence variables, and the owned reliability/flow/congestion components.
type Conn struct {
	log    *slog.Logger
	Local  endpoint
	Remote endpoint
	state  State

	iss    Seq
	sndUna Seq
	sndNxt Seq

	irs    Seq
	rcvNxt Seq

	mss             uint16
	localMSS        uint16
	peerMSS         uint16
	sendWindowScale uint8 // peer's advertised scale, applied to their window field
	recvWindowScale uint8
	peerHasScale    bool

	window     *sendWindow
	recvBuf    reorderBuffer
	retransmit *retransmitManager
	rtt        *rttEstimator
	cc         *newReno

	timeWait     deadlineTimer
	lastActivity time.Time

	recvQueue []byte
	sendQueue []byte
	finSeq    Seq
	haveFin   bool

	idleTimeout time.Duration

	closeErr error
}

func newConn(local, remote endpoint, log *slog.Logger, cfg EngineConfig, now time.Time) *Conn {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	recvBuf := newReorderBuffer(cfg.MaxReorderBytes)
	return &Conn{
		log:             log,
		Local:           local,
		Remote:          remote,
		state:           StateClosed,
		localMSS:        defaultMSS,
		mss:             defaultMSS,
		recvWindowScale: defaultRecvWindowScale,
		recvBuf:         recvBuf,
		retransmit:      newRetransmitManager(cfg.RetransmitRetries),
		rtt:             newRTTEstimator(),
		cc:              newNewReno(),
		idleTimeout:     idle,
		lastActivity:    now,
	}
}

func (c *Conn) State() State { return c.state }

func (c *Conn) touch(now time.Time) { c.lastActivity = now }

////////////////////////////////////////////////////////////////////////////////
// Handshake
////////////////////////////////////////////////////////////////////////////////

// OpenActive transitions CLOSED -> SYN_SENT and returns the initial SYN.
func (c *Conn) OpenActive(iss Seq, now time.Time) []OutSegment {
	c.iss = iss
	c.sndUna = iss
	c.sndNxt = iss.Add(1)
	c.state = StateSynSent
	c.touch(now)

	hdr := TCPHeader{
		SrcPort: c.Local.port,
		DstPort: c.Remote.port,
		Seq:     iss,
		Flags:   FlagSYN,
		Window:  defaultRecvWindow,
		Options: synOptions(c.localMSS, c.recvWindowScale),
	}
	return []OutSegment{{Header: hdr}}
}

// acceptPassive builds a connection in SYN_RECEIVED in response to an
// inbound SYN, replying with SYN+ACK.
func acceptPassive(local, remote endpoint, tcp TCPHeader, iss Seq, log *slog.Logger, cfg EngineConfig, now time.Time) (*Conn, []OutSegment) {
	c := newConn(local, remote, log, cfg, now)
	c.irs = tcp.Seq
	c.rcvNxt = tcp.Seq.Add(1)
	c.iss = iss
	c.sndUna = iss
	c.sndNxt = iss.Add(1)
	c.state = StateSynReceived

	if peerMSS, ok := findMSS(tcp.Options); ok {
		c.peerMSS = peerMSS
	}
	if scale, ok := findWindowScale(tcp.Options); ok {
		c.sendWindowScale = scale
		c.peerHasScale = true
	}
	c.window = newSendWindow(uint32(tcp.Window) << c.sendWindowScale)
	c.window.advance(c.sndUna)

	hdr := TCPHeader{
		SrcPort: local.port,
		DstPort: remote.port,
		Seq:     iss,
		Ack:     c.rcvNxt,
		Flags:   FlagSYN | FlagACK,
		Window:  defaultRecvWindow,
		Options: synOptions(c.localMSS, c.recvWindowScale),
	}
	return c, []OutSegment{{Header: hdr}}
}

func (c *Conn) negotiateMSS() {
	c.mss = c.localMSS
	if c.peerMSS != 0 && c.peerMSS < c.mss {
		c.mss = c.peerMSS
	}
	if !c.peerHasScale {
		c.sendWindowScale = 0
		c.recvWindowScale = 0
	}
}

////////////////////////////////////////////////////////////////////////////////
// Inbound segment processing
////////////////////////////////////////////////////////////////////////////////

// HandleSegment advances the state machine in response to one inbound
// segment, returning any segments that must be transmitted in reply.
func (c *Conn) HandleSegment(tcp TCPHeader, payload []byte, now time.Time) ([]OutSegment, error) {
	c.touch(now)

	if tcp.hasFlag(FlagRST) {
		return c.handleRST(tcp)
	}

	switch c.state {
	case StateSynSent:
		return c.handleSynSent(tcp)
	case StateSynReceived:
		return c.handleSynReceived(tcp)
	case StateListen:
		return nil, nil
	default:
		return c.handleSynchronized(tcp, payload, now)
	}
}

func (c *Conn) handleRST(tcp TCPHeader) ([]OutSegment, error) {
	switch c.state {
	case StateSynSent:
		if tcp.Ack != c.iss.Add(1) {
			return nil, nil
		}
	default:
		if !inWindow(tcp.Seq, c.rcvNxt, c.effectiveRecvWindow()) {
			return nil, nil
		}
	}
	c.abort()
	return nil, errReset()
}

func (c *Conn) handleSynSent(tcp TCPHeader) ([]OutSegment, error) {
	if !tcp.hasFlag(FlagSYN) {
		return nil, nil
	}
	if tcp.hasFlag(FlagACK) && tcp.Ack != c.iss.Add(1) {
		return nil, nil
	}

	c.irs = tcp.Seq
	c.rcvNxt = tcp.Seq.Add(1)
	if peerMSS, ok := findMSS(tcp.Options); ok {
		c.peerMSS = peerMSS
	}
	if scale, ok := findWindowScale(tcp.Options); ok {
		c.sendWindowScale = scale
		c.peerHasScale = true
	}
	c.negotiateMSS()
	c.window = newSendWindow(uint32(tcp.Window) << c.sendWindowScale)
	c.window.advance(c.sndUna)

	if !tcp.hasFlag(FlagACK) {
		// Simultaneous open is out of scope; only the SYN+ACK path is handled.
		return nil, nil
	}

	c.sndUna = tcp.Ack
	c.state = StateEstablished
	c.log.Debug("tcpstack: connection established", "local", c.Local, "remote", c.Remote, "mss", c.mss)

	ack := TCPHeader{
		SrcPort: c.Local.port,
		DstPort: c.Remote.port,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagACK,
		Window:  c.advertisedWindow(),
	}
	return []OutSegment{{Header: ack}}, nil
}

func (c *Conn) handleSynReceived(tcp TCPHeader) ([]OutSegment, error) {
	if !tcp.hasFlag(FlagACK) {
		return nil, nil
	}
	if tcp.Ack != c.sndNxt {
		return nil, nil
	}
	c.negotiateMSS()
	c.sndUna = tcp.Ack
	c.state = StateEstablished
	return nil, nil
}

// handleSynchronized processes segments once the connection is past the
// three-way handshake: data delivery, ACK/window/congestion bookkeeping,
// and the close sequence.
func (c *Conn) handleSynchronized(tcp TCPHeader, payload []byte, now time.Time) ([]OutSegment, error) {
	var out []OutSegment

	segLen := uint32(len(payload))
	if tcp.hasFlag(FlagFIN) {
		segLen++
	}

	if segLen > 0 && !inWindow(tcp.Seq, c.rcvNxt, c.effectiveRecvWindow()) {
		out = append(out, c.ackSegment())
		return out, nil
	}

	if tcp.hasFlag(FlagACK) {
		out = append(out, c.processACK(tcp, len(payload), now)...)
	}

	if len(payload) > 0 {
		if c.recvBuf.insert(c.rcvNxt, tcp.Seq, payload) {
			delivered, newNext := c.recvBuf.drain(c.rcvNxt)
			c.recvQueue = append(c.recvQueue, delivered...)
			c.rcvNxt = newNext
		}
		out = append(out, c.ackSegment())
	}

	if tcp.hasFlag(FlagFIN) && tcp.Seq.Add(uint32(len(payload))) == c.rcvNxt {
		c.rcvNxt = c.rcvNxt.Add(1)
		out = append(out, c.ackSegment())
		c.onPeerFIN(now)
	}

	return out, nil
}

// processACK implements the cumulative ACK bookkeeping and duplicate-ACK
// detection described for the ESTABLISHED and closing states.
func (c *Conn) processACK(tcp TCPHeader, payloadLen int, now time.Time) []OutSegment {
	ackNum := tcp.Ack
	var out []OutSegment

	if ackNum.After(c.sndUna) && ackNum.BeforeEq(c.sndNxt) {
		acked := c.retransmit.acknowledge(now, ackNum)
		bytesAcked := ackNum.Diff(c.sndUna)
		c.cc.onACK(ackNum, bytesAcked)
		for _, seg := range acked {
			if seg.retransmitCount == 0 {
				c.rtt.sample(now.Sub(seg.firstSent))
			}
		}
		c.sndUna = ackNum
		if c.window != nil {
			c.window.advance(ackNum)
			c.window.setSize(uint32(tcp.Window) << c.sendWindowScale)
		}
		// The ACK may have advanced snd_wnd or cwnd enough to release
		// previously-buffered data, so drain the send queue again here.
		out = append(out, c.pump(now)...)
	} else if ackNum == c.sndUna && payloadLen == 0 && !tcp.hasFlag(FlagFIN) {
		c.cc.onDuplicateACK(c.sndNxt.Sub(1))
		if c.cc.dupAcks == 3 {
			if seg, ok := c.oldestPending(); ok {
				seg.retransmitCount++
				out = append(out, OutSegment{
					Header: TCPHeader{
						SrcPort: c.Local.port,
						DstPort: c.Remote.port,
						Seq:     seg.seq,
						Ack:     c.rcvNxt,
						Flags:   FlagACK,
						Window:  c.advertisedWindow(),
					},
					Payload:    seg.data,
					Retransmit: true,
				})
			}
		}
	}

	c.advanceCloseOnACK(ackNum, now)
	return out
}

// oldestPending returns the pending segment starting at snd_una, the one
// fast retransmit resends on the third duplicate ACK.
func (c *Conn) oldestPending() (*pendingSegment, bool) {
	seg, ok := c.retransmit.pending[c.sndUna]
	return seg, ok
}

func (c *Conn) advanceCloseOnACK(ackNum Seq, now time.Time) {
	switch c.state {
	case StateFinWait1:
		if ackNum == c.finSeq.Add(1) {
			c.state = StateFinWait2
		}
	case StateClosing:
		if ackNum == c.finSeq.Add(1) {
			c.state = StateTimeWait
			c.timeWait.Start(now, 2*msl)
		}
	case StateLastAck:
		if ackNum == c.finSeq.Add(1) {
			c.abort()
		}
	}
}

func (c *Conn) onPeerFIN(now time.Time) {
	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		c.state = StateClosing
	case StateFinWait2:
		c.state = StateTimeWait
		c.timeWait.Start(now, 2*msl)
	}
}

func (c *Conn) ackSegment() OutSegment {
	return OutSegment{Header: TCPHeader{
		SrcPort: c.Local.port,
		DstPort: c.Remote.port,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagACK,
		Window:  c.advertisedWindow(),
	}}
}

func (c *Conn) advertisedWindow() uint16 {
	w := uint32(defaultRecvWindow)
	if w>>c.recvWindowScale > 0xffff {
		return 0xffff
	}
	return uint16(w >> c.recvWindowScale)
}

func (c *Conn) effectiveRecvWindow() uint32 {
	return uint32(defaultRecvWindow) << c.recvWindowScale
}

////////////////////////////////////////////////////////////////////////////////
// Outbound data and close
////////////////////////////////////////////////////////////////////////////////

// Send queues data for transmission and returns whatever of it the current
// send quantum allows out immediately; the rest stays buffered in
// c.sendQueue and is drained by pump as ACKs advance the window or cwnd.
func (c *Conn) Send(data []byte, now time.Time) []OutSegment {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return nil
	}
	c.sendQueue = append(c.sendQueue, data...)
	return c.pump(now)
}

// availableSendQuantum is the effective send window per §4.8:
// min(cwnd, snd_wnd) minus bytes already in flight. window.available
// already bounds by snd_wnd and in-flight bytes from sndNxt; cwndAvail
// applies the same in-flight subtraction against cwnd, and the smaller of
// the two wins.
func (c *Conn) availableSendQuantum() uint32 {
	if c.window == nil {
		return 0
	}
	windowAvail := c.window.available(c.sndNxt)
	inFlight := c.sndNxt.Diff(c.sndUna)
	eff := c.cc.EffectiveWindow(c.window.size)
	var cwndAvail uint32
	if eff > inFlight {
		cwndAvail = eff - inFlight
	}
	return minU32(windowAvail, cwndAvail)
}

// pump segments c.sendQueue into MSS-sized chunks, submitting each to the
// retransmission manager at the current snd_nxt, stopping as soon as the
// send quantum is exhausted. PSH is set on the chunk that empties the send
// queue.
func (c *Conn) pump(now time.Time) []OutSegment {
	var out []OutSegment
	for len(c.sendQueue) > 0 {
		quantum := c.availableSendQuantum()
		if quantum == 0 {
			break
		}
		chunkLen := int(c.mss)
		if chunkLen > len(c.sendQueue) {
			chunkLen = len(c.sendQueue)
		}
		if uint32(chunkLen) > quantum {
			chunkLen = int(quantum)
		}

		chunk := c.sendQueue[:chunkLen]
		c.sendQueue = c.sendQueue[chunkLen:]

		flags := uint8(FlagACK)
		if len(c.sendQueue) == 0 {
			flags |= FlagPSH
		}
		hdr := TCPHeader{
			SrcPort: c.Local.port,
			DstPort: c.Remote.port,
			Seq:     c.sndNxt,
			Ack:     c.rcvNxt,
			Flags:   flags,
			Window:  c.advertisedWindow(),
		}
		c.retransmit.addSegment(now, c.sndNxt, append([]byte(nil), chunk...), c.rtt.rto())
		out = append(out, OutSegment{Header: hdr, Payload: chunk})
		c.sndNxt = c.sndNxt.Add(uint32(chunkLen))
	}
	return out
}

// Recv drains up to max bytes of delivered, in-order application data.
func (c *Conn) Recv(max int) []byte {
	if max <= 0 || max > len(c.recvQueue) {
		max = len(c.recvQueue)
	}
	data := c.recvQueue[:max]
	c.recvQueue = c.recvQueue[max:]
	return data
}

// Close initiates an active close, sending FIN when applicable.
func (c *Conn) Close(now time.Time) []OutSegment {
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		return nil
	}
	c.finSeq = c.sndNxt
	hdr := TCPHeader{
		SrcPort: c.Local.port,
		DstPort: c.Remote.port,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagFIN | FlagACK,
		Window:  c.advertisedWindow(),
	}
	c.retransmit.addSegment(now, c.sndNxt, nil, c.rtt.rto())
	c.sndNxt = c.sndNxt.Add(1)
	return []OutSegment{{Header: hdr}}
}

func (c *Conn) abort() {
	c.retransmit.clear()
	c.timeWait.Cancel()
	c.state = StateClosed
}

////////////////////////////////////////////////////////////////////////////////
// Timer-driven work
////////////////////////////////////////////////////////////////////////////////

// Tick advances timer-driven state: retransmission, TIME_WAIT expiry, and
// idle-connection reclamation. Returns segments to retransmit, if any.
func (c *Conn) Tick(now time.Time) ([]OutSegment, error) {
	if c.state == StateTimeWait && c.timeWait.Expired(now) {
		c.abort()
		return nil, nil
	}

	if c.retransmit.shouldRetransmit(now) {
		segs := c.retransmit.getRetransmitSegments(now, c.rtt.rto())
		if c.retransmit.exhausted() {
			c.abort()
			return nil, ErrRetriesExhausted
		}
		out := make([]OutSegment, 0, len(segs))
		for _, seg := range segs {
			flags := uint8(FlagACK)
			if len(seg.data) == 0 {
				flags |= FlagFIN
			}
			out = append(out, OutSegment{
				Header: TCPHeader{
					SrcPort: c.Local.port,
					DstPort: c.Remote.port,
					Seq:     seg.seq,
					Ack:     c.rcvNxt,
					Flags:   flags,
					Window:  c.advertisedWindow(),
				},
				Payload:    seg.data,
				Retransmit: true,
			})
		}
		c.cc.onTimeout()
		return out, nil
	}

	if now.Sub(c.lastActivity) > c.idleTimeout && c.state != StateClosed {
		c.abort()
		return nil, errTimedOut()
	}

	return nil, nil
}

package tcpstack

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnActiveOpenHandshake(t *testing.T) {
	now := time.Now()
	local := endpoint{addr: [4]byte{10, 0, 0, 1}, port: 4000}
	remote := endpoint{addr: [4]byte{10, 0, 0, 2}, port: 80}
	c := newConn(local, remote, testLogger(), DefaultEngineConfig(), now)

	segs := c.OpenActive(Seq(1000), now)
	if len(segs) != 1 || !segs[0].Header.hasFlag(FlagSYN) {
		t.Fatalf("expected a single SYN segment, got %+v", segs)
	}
	if c.state != StateSynSent {
		t.Fatalf("expected SYN_SENT, got %s", c.state)
	}

	synAck := TCPHeader{
		Seq:     2000,
		Ack:     1001,
		Flags:   FlagSYN | FlagACK,
		Window:  65535,
		Options: synOptions(1460, 7),
	}
	out, err := c.HandleSegment(synAck, nil, now)
	if err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	if c.state != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %s", c.state)
	}
	if c.sndUna != 1001 {
		t.Fatalf("expected snd_una=1001, got %d", c.sndUna)
	}
	if c.rcvNxt != 2001 {
		t.Fatalf("expected rcv_nxt=2001, got %d", c.rcvNxt)
	}
	if len(out) != 1 || !out[0].Header.hasFlag(FlagACK) || out[0].Header.hasFlag(FlagSYN) {
		t.Fatalf("expected a pure ACK reply, got %+v", out)
	}
}

func TestConnPassiveAcceptHandshake(t *testing.T) {
	now := time.Now()
	local := endpoint{addr: [4]byte{10, 0, 0, 1}, port: 80}
	remote := endpoint{addr: [4]byte{10, 0, 0, 2}, port: 5000}

	syn := TCPHeader{Seq: 500, Flags: FlagSYN, Window: 65535, Options: synOptions(1460, 7)}
	c, out := acceptPassive(local, remote, syn, Seq(9000), testLogger(), DefaultEngineConfig(), now)
	if c.state != StateSynReceived {
		t.Fatalf("expected SYN_RECEIVED, got %s", c.state)
	}
	if len(out) != 1 || !out[0].Header.hasFlag(FlagSYN) || !out[0].Header.hasFlag(FlagACK) {
		t.Fatalf("expected SYN+ACK reply, got %+v", out)
	}
	if out[0].Header.Ack != 501 {
		t.Fatalf("expected ack=501, got %d", out[0].Header.Ack)
	}

	ack := TCPHeader{Seq: 501, Ack: c.sndNxt, Flags: FlagACK, Window: 65535}
	if _, err := c.HandleSegment(ack, nil, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	if c.state != StateEstablished {
		t.Fatalf("expected ESTABLISHED after ack of our SYN, got %s", c.state)
	}
}

func establishedPair(t *testing.T, now time.Time) *Conn {
	t.Helper()
	local := endpoint{addr: [4]byte{10, 0, 0, 1}, port: 4000}
	remote := endpoint{addr: [4]byte{10, 0, 0, 2}, port: 80}
	c := newConn(local, remote, testLogger(), DefaultEngineConfig(), now)
	c.OpenActive(Seq(1000), now)
	synAck := TCPHeader{Seq: 2000, Ack: 1001, Flags: FlagSYN | FlagACK, Window: 65535, Options: synOptions(1460, 7)}
	if _, err := c.HandleSegment(synAck, nil, now); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return c
}

func TestConnDataReassemblyOutOfOrder(t *testing.T) {
	now := time.Now()
	c := establishedPair(t, now)

	seg := func(seq Seq, data string) TCPHeader {
		return TCPHeader{Seq: c.irs.Add(1 + uint32(seq)), Ack: c.sndNxt, Flags: FlagACK, Window: 65535}
	}
	base := c.rcvNxt

	// [seq=0,"ABC"], [seq=6,"GHI"], [seq=3,"DEF"], duplicate [seq=3,"DEF"].
	if _, err := c.HandleSegment(TCPHeader{Seq: base, Ack: c.sndNxt, Flags: FlagACK, Window: 65535}, []byte("ABC"), now); err != nil {
		t.Fatalf("segment 1: %v", err)
	}
	if _, err := c.HandleSegment(TCPHeader{Seq: base.Add(6), Ack: c.sndNxt, Flags: FlagACK, Window: 65535}, []byte("GHI"), now); err != nil {
		t.Fatalf("segment 2: %v", err)
	}
	delivered := string(c.Recv(0))
	if delivered != "ABC" {
		t.Fatalf("expected only the in-order prefix ABC before the gap is filled, got %q", delivered)
	}
	if _, err := c.HandleSegment(TCPHeader{Seq: base.Add(3), Ack: c.sndNxt, Flags: FlagACK, Window: 65535}, []byte("DEF"), now); err != nil {
		t.Fatalf("segment 3: %v", err)
	}
	delivered += string(c.Recv(0))
	if delivered != "ABCDEFGHI" {
		t.Fatalf("expected reassembled stream ABCDEFGHI, got %q", delivered)
	}
	if c.rcvNxt != base.Add(9) {
		t.Fatalf("expected rcv_nxt advanced by 9, got %d", c.rcvNxt.Diff(base))
	}

	// Duplicate of the already-delivered DEF segment must not be accepted.
	if c.recvBuf.insert(c.rcvNxt, base.Add(3), []byte("DEF")) {
		t.Fatalf("expected stale duplicate segment to be rejected")
	}
	_ = seg
}

func TestConnFastRetransmitOnThirdDuplicateAck(t *testing.T) {
	now := time.Now()
	c := establishedPair(t, now)
	c.cc.cwnd = 100000

	segs := c.Send([]byte(
		"0123456789012345678901234567890123456789"+
			"0123456789012345678901234567890123456789"+
			"0123456789012345678901234567890123456789"+
			"0123456789012345678901234567890123456789"), now)
	if len(segs) == 0 {
		t.Fatalf("expected outbound segments from Send")
	}
	sndUnaBefore := c.sndUna

	dupAck := TCPHeader{Seq: c.irs.Add(1), Ack: sndUnaBefore, Flags: FlagACK, Window: 65535}
	if _, err := c.HandleSegment(dupAck, nil, now); err != nil {
		t.Fatalf("dup ack 1: %v", err)
	}
	if _, err := c.HandleSegment(dupAck, nil, now); err != nil {
		t.Fatalf("dup ack 2: %v", err)
	}
	out, err := c.HandleSegment(dupAck, nil, now)
	if err != nil {
		t.Fatalf("dup ack 3: %v", err)
	}
	if c.cc.state != fastRecovery {
		t.Fatalf("expected FAST_RECOVERY after third duplicate ack, got %s", c.cc.state)
	}
	found := false
	for _, s := range out {
		if s.Retransmit {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a retransmitted segment in the reply to the third duplicate ack")
	}
}

func TestConnRTOCollapsesToSlowStart(t *testing.T) {
	now := time.Now()
	c := establishedPair(t, now)
	c.Send([]byte("x"), now)

	out, err := c.Tick(now.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one retransmitted segment, got %d", len(out))
	}
	if c.cc.state != slowStart {
		t.Fatalf("expected SLOW_START after timeout, got %s", c.cc.state)
	}
	if c.cc.cwnd != c.cc.initialMSS {
		t.Fatalf("expected cwnd collapsed to one mss, got %d", c.cc.cwnd)
	}
	if c.cc.ssthresh < 2*c.cc.initialMSS {
		t.Fatalf("expected ssthresh floor of 2*mss, got %d", c.cc.ssthresh)
	}
}

func TestConnGracefulClose(t *testing.T) {
	now := time.Now()
	c := establishedPair(t, now)

	out := c.Close(now)
	if c.state != StateFinWait1 {
		t.Fatalf("expected FIN_WAIT_1, got %s", c.state)
	}
	if len(out) != 1 || !out[0].Header.hasFlag(FlagFIN) {
		t.Fatalf("expected a FIN segment, got %+v", out)
	}

	finSeq := out[0].Header.Seq
	ackOfFin := TCPHeader{Seq: c.irs.Add(1), Ack: finSeq.Add(1), Flags: FlagACK, Window: 65535}
	if _, err := c.HandleSegment(ackOfFin, nil, now); err != nil {
		t.Fatalf("ack of fin: %v", err)
	}
	if c.state != StateFinWait2 {
		t.Fatalf("expected FIN_WAIT_2, got %s", c.state)
	}

	peerFin := TCPHeader{Seq: c.rcvNxt, Ack: finSeq.Add(1), Flags: FlagFIN | FlagACK, Window: 65535}
	if _, err := c.HandleSegment(peerFin, nil, now); err != nil {
		t.Fatalf("peer fin: %v", err)
	}
	if c.state != StateTimeWait {
		t.Fatalf("expected TIME_WAIT, got %s", c.state)
	}

	if _, err := c.Tick(now.Add(2*msl + time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if c.state != StateClosed {
		t.Fatalf("expected CLOSED after 2*MSL, got %s", c.state)
	}
}

func TestConnRSTInWindowAborts(t *testing.T) {
	now := time.Now()
	c := establishedPair(t, now)
	rst := TCPHeader{Seq: c.rcvNxt, Flags: FlagRST}
	_, err := c.HandleSegment(rst, nil, now)
	if err == nil {
		t.Fatalf("expected reset error")
	}
	if c.state != StateClosed {
		t.Fatalf("expected CLOSED after in-window RST, got %s", c.state)
	}
}

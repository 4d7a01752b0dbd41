// Package rawsocket implements tcpstack.RawSocket over golang.org/x/net/ipv4's
// RawConn, so the engine above sends and receives fully-formed IPv4
// datagrams (header included) without the kernel rewriting header fields it
// doesn't otherwise have a reason to touch.
package rawsocket

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// defaultRecvBuffer sizes SO_RCVBUF generously enough that a burst of
// inbound segments arriving between two PollOnce calls doesn't get dropped
// by the kernel before the engine's own reorder buffer ever sees them.
const defaultRecvBuffer = 1 << 20

// Socket is a raw IPv4 socket bound for the TCP protocol number, carrying
// pre-built TCP/IPv4 datagrams exactly as tcpstack serializes them.
type Socket struct {
	pktConn net.PacketConn
	raw     *ipv4.RawConn
}

// Open binds a raw IPv4 socket on addr for protocol (6 for TCP).
func Open(addr net.IP) (*Socket, error) {
	pktConn, err := net.ListenPacket("ip4:tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("rawsocket: listen: %w", err)
	}
	raw, err := ipv4.NewRawConn(pktConn)
	if err != nil {
		pktConn.Close()
		return nil, fmt.Errorf("rawsocket: raw conn: %w", err)
	}
	if err := setRecvBuffer(pktConn, defaultRecvBuffer); err != nil {
		pktConn.Close()
		return nil, fmt.Errorf("rawsocket: tune recv buffer: %w", err)
	}
	return &Socket{pktConn: pktConn, raw: raw}, nil
}

// setRecvBuffer raises SO_RCVBUF on the socket underlying pktConn. Reached
// through SyscallConn rather than a direct fd, since net.PacketConn never
// exposes its descriptor otherwise.
func setRecvBuffer(pktConn net.PacketConn, bytes int) error {
	sc, ok := pktConn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return setErr
}

// Send writes a complete IPv4 datagram (header included) to dst. The
// leading bytes are parsed back into an *ipv4.Header since RawConn.WriteTo
// wants header and payload split, even though the caller built them as one
// contiguous buffer.
func (s *Socket) Send(packet []byte, dst [4]byte) (int, error) {
	hdr, err := ipv4.ParseHeader(packet)
	if err != nil {
		return 0, fmt.Errorf("rawsocket: parse outbound header: %w", err)
	}
	hdr.Dst = net.IP(dst[:])
	payload := packet[hdr.Len:]
	if err := s.raw.WriteTo(hdr, payload, nil); err != nil {
		return 0, fmt.Errorf("rawsocket: write: %w", err)
	}
	return len(packet), nil
}

// Recv reads one inbound IPv4 datagram into buf, header and payload
// reassembled into one contiguous buffer matching what Send expects on the
// way out. A read timeout (how non-blocking mode reports an empty socket)
// is reported back as (0, zero, nil); any other read error is returned.
func (s *Socket) Recv(buf []byte) (int, [4]byte, error) {
	hdr, payload, _, err := s.raw.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, [4]byte{}, nil
		}
		return 0, [4]byte{}, fmt.Errorf("rawsocket: read: %w", err)
	}
	if hdr == nil {
		return 0, [4]byte{}, nil
	}

	raw, err := hdr.Marshal()
	if err != nil {
		return 0, [4]byte{}, fmt.Errorf("rawsocket: marshal inbound header: %w", err)
	}
	n := copy(buf, raw)
	n += copy(buf[n:], payload)

	var src [4]byte
	copy(src[:], hdr.Src.To4())
	return n, src, nil
}

// SetNonblocking toggles a read deadline in lieu of O_NONBLOCK: a zero
// deadline blocks indefinitely, matching Go's net.Conn semantics, while a
// past deadline makes every pending Recv return immediately.
func (s *Socket) SetNonblocking(nonblocking bool) error {
	if !nonblocking {
		return s.pktConn.SetReadDeadline(time.Time{})
	}
	return s.pktConn.SetReadDeadline(time.Now().Add(-time.Second))
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.pktConn.Close()
}

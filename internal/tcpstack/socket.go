package tcpstack

// RawSocket is the abstract duplex raw-IP datagram boundary the core
// engine is built against. A real implementation lives in
// internal/rawsocket over golang.org/x/net/ipv4; tests use an in-memory
// fake implementing the same interface.
type RawSocket interface {
	// Send transmits a complete IPv4 datagram (IP_HDRINCL-style: the caller
	// has already serialized the IPv4 header) to dst, returning the number
	// of bytes written.
	Send(packet []byte, dst [4]byte) (int, error)

	// Recv reads one inbound IPv4 datagram into buf, returning the number
	// of bytes read and the source address parsed from the IP header.
	Recv(buf []byte) (n int, src [4]byte, err error)

	// SetNonblocking toggles non-blocking mode on the underlying fd.
	SetNonblocking(bool) error

	// Close releases the underlying resource.
	Close() error
}

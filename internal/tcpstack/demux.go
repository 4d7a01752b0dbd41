package tcpstack

import "fmt"

// endpoint is an IPv4 address and port pair.
type endpoint struct {
	addr [4]byte
	port uint16
}

func (e endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.addr[0], e.addr[1], e.addr[2], e.addr[3], e.port)
}

// fourTuple identifies a connection by its local and remote endpoints.
type fourTuple struct {
	local  endpoint
	remote endpoint
}

func (k fourTuple) String() string {
	return k.local.String() + "<->" + k.remote.String()
}

// fourTupleFromInbound builds the key an inbound segment is demultiplexed
// under: local is the packet's destination, remote is its source.
func fourTupleFromInbound(ip IPv4Header, tcp TCPHeader) fourTuple {
	return fourTuple{
		local:  endpoint{addr: ip.Dst, port: tcp.DstPort},
		remote: endpoint{addr: ip.Src, port: tcp.SrcPort},
	}
}

// connID identifies a connection owned by a stack instance.
type connID uint64

// demultiplexer maps four-tuples to connection ids. Registration for an
// existing key replaces the prior mapping.
type demultiplexer struct {
	table map[fourTuple]connID
}

func newDemultiplexer() *demultiplexer {
	return &demultiplexer{table: make(map[fourTuple]connID)}
}

func (d *demultiplexer) register(key fourTuple, id connID) {
	d.table[key] = id
}

func (d *demultiplexer) unregister(key fourTuple) {
	delete(d.table, key)
}

func (d *demultiplexer) find(key fourTuple) (connID, bool) {
	id, ok := d.table[key]
	return id, ok
}

func (d *demultiplexer) count() int {
	return len(d.table)
}

package tcpstack

import "encoding/binary"

// checksum computes the one's-complement Internet checksum (RFC 1071) over
// an arbitrary byte span: big-endian 16-bit words, the final odd byte
// left-shifted by 8, accumulated in a 32-bit accumulator with carries folded
// until none remain, then complemented.
func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

// checksumWithInitial folds data into a running (uncomplemented) sum,
// letting pseudo-header and payload be accumulated without being
// concatenated into one buffer first.
func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum accumulates the 12-byte TCP pseudo-header (RFC 793 §3.1):
// src ipv4, dst ipv4, zero byte, protocol (6), and TCP length (header +
// payload), returning the running sum rather than the complemented result
// so callers can continue folding the TCP header and payload into it.
func pseudoHeaderSum(src, dst [4]byte, tcpLength uint16) uint32 {
	var buf [12]byte
	copy(buf[0:4], src[:])
	copy(buf[4:8], dst[:])
	buf[8] = 0
	buf[9] = tcpProtocolNumber
	binary.BigEndian.PutUint16(buf[10:12], tcpLength)

	var sum uint32
	for i := 0; i < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	return sum
}

// tcpChecksum computes the TCP checksum over the pseudo-header, the TCP
// header (with its checksum field zeroed by the caller before serializing)
// and the payload.
func tcpChecksum(src, dst [4]byte, tcpHeaderAndPayload []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, uint16(len(tcpHeaderAndPayload)))
	return checksumWithInitial(tcpHeaderAndPayload, sum)
}

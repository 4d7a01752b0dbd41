package tcpstack

import (
	"encoding/binary"
	"fmt"
)

const (
	ipv4MinHeaderLen = 20
	ipv4Version      = 4
	tcpProtocolNumber uint8 = 6

	ipv4FlagDontFragment = 0x2
)

// IPv4Header is the fixed 20-byte IPv4 header plus any trailing options.
// IHL is expressed in 32-bit words (>=5); Serialize emits exactly IHL*4
// bytes.
type IPv4Header struct {
	Version     uint8
	IHL         uint8
	DSCP        uint8
	ECN         uint8
	TotalLength uint16
	ID          uint16
	Flags       uint8 // 3 bits: bit2=reserved(0), bit1=DF, bit0=MF
	FragOffset  uint16 // 13 bits
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         [4]byte
	Dst         [4]byte
	Options     []byte
}

// ParseIPv4 parses an IPv4 header from data, returning the header and the
// remaining payload span. It fails when the buffer is shorter than the
// fixed header, the version isn't 4, or the declared header length exceeds
// the buffer.
func ParseIPv4(data []byte) (IPv4Header, []byte, error) {
	if len(data) < ipv4MinHeaderLen {
		return IPv4Header{}, nil, fmt.Errorf("tcpstack: ipv4 header too short: %d bytes", len(data))
	}
	version := data[0] >> 4
	if version != ipv4Version {
		return IPv4Header{}, nil, fmt.Errorf("tcpstack: unsupported ipv4 version: %d", version)
	}
	ihl := data[0] & 0x0f
	headerLen := int(ihl) * 4
	if headerLen < ipv4MinHeaderLen || len(data) < headerLen {
		return IPv4Header{}, nil, fmt.Errorf("tcpstack: ipv4 header length mismatch: ihl=%d len=%d", ihl, len(data))
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	h := IPv4Header{
		Version:     version,
		IHL:         ihl,
		DSCP:        data[1] >> 2,
		ECN:         data[1] & 0x3,
		TotalLength: binary.BigEndian.Uint16(data[2:4]),
		ID:          binary.BigEndian.Uint16(data[4:6]),
		Flags:       uint8(flagsFrag >> 13),
		FragOffset:  flagsFrag & 0x1fff,
		TTL:         data[8],
		Protocol:    data[9],
		Checksum:    binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	if headerLen > ipv4MinHeaderLen {
		h.Options = append([]byte(nil), data[ipv4MinHeaderLen:headerLen]...)
	}
	return h, data[headerLen:], nil
}

// Serialize emits the bit-exact network-order header, including options,
// zero-padded to headerLen. The checksum field is computed over the
// serialized header with the checksum field zeroed, then patched into
// bytes 10-11.
func (h IPv4Header) Serialize() []byte {
	headerLen := ipv4MinHeaderLen + len(h.Options)
	// round up to a multiple of 4, per IHL semantics.
	headerLen = (headerLen + 3) &^ 3
	ihl := uint8(headerLen / 4)

	buf := make([]byte, headerLen)
	buf[0] = (ipv4Version << 4) | ihl
	buf[1] = (h.DSCP << 2) | (h.ECN & 0x3)
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	flagsFrag := (uint16(h.Flags) << 13) | (h.FragOffset & 0x1fff)
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	// buf[10:12] checksum left zero for now.
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])
	copy(buf[20:], h.Options)

	sum := checksum(buf)
	binary.BigEndian.PutUint16(buf[10:12], sum)
	return buf
}

// HeaderLen returns the serialized header length in bytes (IHL*4).
func (h IPv4Header) HeaderLen() int {
	headerLen := ipv4MinHeaderLen + len(h.Options)
	return (headerLen + 3) &^ 3
}

// newIPv4Header builds a default outbound header: version 4, no options
// (IHL=5), don't-fragment set, TTL 64, protocol 6 (TCP).
func newIPv4Header(src, dst [4]byte, payloadLen int) IPv4Header {
	return IPv4Header{
		Version:     ipv4Version,
		IHL:         5,
		TotalLength: uint16(ipv4MinHeaderLen + payloadLen),
		Flags:       ipv4FlagDontFragment,
		TTL:         64,
		Protocol:    tcpProtocolNumber,
		Src:         src,
		Dst:         dst,
	}
}

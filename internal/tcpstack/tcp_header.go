package tcpstack

import (
	"encoding/binary"
	"fmt"
)

const tcpMinHeaderLen = 20

// TCP flag bits.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
	FlagECE = 0x40
	FlagCWR = 0x80
)

// TCPHeader is a parsed TCP segment header plus its ordered option list.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        Seq
	Ack        Seq
	DataOffset uint8 // in 32-bit words, >=5
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []TCPOption
}

// ParseTCP parses a TCP header from data, returning the header and the
// trailing payload span. Fails when the buffer is shorter than the fixed
// header or shorter than the declared data offset.
func ParseTCP(data []byte) (TCPHeader, []byte, error) {
	if len(data) < tcpMinHeaderLen {
		return TCPHeader{}, nil, fmt.Errorf("tcpstack: tcp header too short: %d bytes", len(data))
	}
	dataOffset := data[12] >> 4
	headerLen := int(dataOffset) * 4
	if headerLen < tcpMinHeaderLen || len(data) < headerLen {
		return TCPHeader{}, nil, fmt.Errorf("tcpstack: tcp header length mismatch: dataOffset=%d len=%d", dataOffset, len(data))
	}

	h := TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		Seq:        Seq(binary.BigEndian.Uint32(data[4:8])),
		Ack:        Seq(binary.BigEndian.Uint32(data[8:12])),
		DataOffset: dataOffset,
		Flags:      data[13],
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
	}
	if headerLen > tcpMinHeaderLen {
		h.Options = parseTCPOptions(data[tcpMinHeaderLen:headerLen])
	}
	return h, data[headerLen:], nil
}

// HeaderLen returns the serialized header length in bytes, rounded up to a
// 4-byte multiple to accommodate the option bytes.
func (h TCPHeader) HeaderLen() int {
	optLen := len(serializeTCPOptions(h.Options))
	total := tcpMinHeaderLen + optLen
	return (total + 3) &^ 3
}

// Serialize emits the bit-exact header bytes (checksum field zeroed; the
// caller is responsible for computing and patching the TCP checksum over
// the pseudo-header, since that requires addresses not carried here).
func (h TCPHeader) Serialize() []byte {
	headerLen := h.HeaderLen()
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Ack))
	buf[12] = uint8(headerLen/4) << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	// buf[16:18] checksum left zero.
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[20:], serializeTCPOptions(h.Options))
	return buf
}

func (h TCPHeader) hasFlag(flag uint8) bool {
	return h.Flags&flag != 0
}

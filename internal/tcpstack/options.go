package tcpstack

import "encoding/binary"

// TCP option kinds (RFC 793, RFC 1323, RFC 2018).
const (
	optKindEnd          = 0
	optKindNOP          = 1
	optKindMSS          = 2
	optKindWindowScale  = 3
	optKindSACKPermitted = 4
	optKindSACK         = 5
	optKindTimestamp    = 8
)

// OptionKind identifies a parsed TCP option's wire kind.
type OptionKind uint8

const (
	OptEnd OptionKind = iota
	OptNOP
	OptMSS
	OptWindowScale
	OptSACKPermitted
	OptSACK
	OptTimestamp
)

// SACKBlock is one left/right edge pair carried in a SACK option.
type SACKBlock struct {
	Left, Right uint32
}

// TCPOption is a closed, tagged sum type over the recognized option kinds.
// Unknown kinds with a valid length are skipped during parsing rather than
// represented here, preserving forward compatibility with unrecognized
// options.
type TCPOption struct {
	Kind      OptionKind
	MSS       uint16
	WndScale  uint8
	SACK      []SACKBlock
	TSVal     uint32
	TSEcr     uint32
}

// Serialize emits the wire bytes for a single option, including its kind
// and (where applicable) length bytes.
func (o TCPOption) Serialize() []byte {
	switch o.Kind {
	case OptEnd:
		return []byte{optKindEnd}
	case OptNOP:
		return []byte{optKindNOP}
	case OptMSS:
		buf := make([]byte, 4)
		buf[0], buf[1] = optKindMSS, 4
		binary.BigEndian.PutUint16(buf[2:4], o.MSS)
		return buf
	case OptWindowScale:
		return []byte{optKindWindowScale, 3, o.WndScale}
	case OptSACKPermitted:
		return []byte{optKindSACKPermitted, 2}
	case OptSACK:
		length := 2 + 8*len(o.SACK)
		buf := make([]byte, length)
		buf[0], buf[1] = optKindSACK, byte(length)
		off := 2
		for _, b := range o.SACK {
			binary.BigEndian.PutUint32(buf[off:off+4], b.Left)
			binary.BigEndian.PutUint32(buf[off+4:off+8], b.Right)
			off += 8
		}
		return buf
	case OptTimestamp:
		buf := make([]byte, 10)
		buf[0], buf[1] = optKindTimestamp, 10
		binary.BigEndian.PutUint32(buf[2:6], o.TSVal)
		binary.BigEndian.PutUint32(buf[6:10], o.TSEcr)
		return buf
	default:
		return nil
	}
}

// parseTCPOptions iterates the option bytes, honoring each option's
// kind/length, stopping at END. Unknown kinds with a valid (>=2) length are
// skipped; a malformed multi-byte option (truncated or length<2) aborts the
// loop without failing the segment.
func parseTCPOptions(data []byte) []TCPOption {
	var opts []TCPOption
	i := 0
	for i < len(data) {
		kind := data[i]
		switch kind {
		case optKindEnd:
			return opts
		case optKindNOP:
			opts = append(opts, TCPOption{Kind: OptNOP})
			i++
		case optKindMSS:
			if i+4 > len(data) || data[i+1] != 4 {
				return opts
			}
			opts = append(opts, TCPOption{Kind: OptMSS, MSS: binary.BigEndian.Uint16(data[i+2 : i+4])})
			i += 4
		case optKindWindowScale:
			if i+3 > len(data) || data[i+1] != 3 {
				return opts
			}
			opts = append(opts, TCPOption{Kind: OptWindowScale, WndScale: data[i+2]})
			i += 3
		case optKindSACKPermitted:
			if i+2 > len(data) || data[i+1] != 2 {
				return opts
			}
			opts = append(opts, TCPOption{Kind: OptSACKPermitted})
			i += 2
		case optKindSACK:
			if i+2 > len(data) {
				return opts
			}
			length := int(data[i+1])
			if length < 10 || (length-2)%8 != 0 || i+length > len(data) {
				return opts
			}
			var blocks []SACKBlock
			off := i + 2
			for off+8 <= i+length {
				blocks = append(blocks, SACKBlock{
					Left:  binary.BigEndian.Uint32(data[off : off+4]),
					Right: binary.BigEndian.Uint32(data[off+4 : off+8]),
				})
				off += 8
			}
			opts = append(opts, TCPOption{Kind: OptSACK, SACK: blocks})
			i += length
		case optKindTimestamp:
			if i+10 > len(data) || data[i+1] != 10 {
				return opts
			}
			opts = append(opts, TCPOption{
				Kind:  OptTimestamp,
				TSVal: binary.BigEndian.Uint32(data[i+2 : i+6]),
				TSEcr: binary.BigEndian.Uint32(data[i+6 : i+10]),
			})
			i += 10
		default:
			if i+1 >= len(data) {
				return opts
			}
			length := int(data[i+1])
			if length < 2 || i+length > len(data) {
				return opts
			}
			i += length
		}
	}
	return opts
}

// serializeTCPOptions concatenates option wire bytes in order.
func serializeTCPOptions(opts []TCPOption) []byte {
	var buf []byte
	for _, o := range opts {
		buf = append(buf, o.Serialize()...)
	}
	return buf
}

// findMSS returns the negotiated peer MSS from a parsed option list, if present.
func findMSS(opts []TCPOption) (uint16, bool) {
	for _, o := range opts {
		if o.Kind == OptMSS {
			return o.MSS, true
		}
	}
	return 0, false
}

// findWindowScale returns the peer's advertised window scale, if present.
func findWindowScale(opts []TCPOption) (uint8, bool) {
	for _, o := range opts {
		if o.Kind == OptWindowScale {
			return o.WndScale, true
		}
	}
	return 0, false
}

// synOptions builds the option set emitted on SYN and SYN+ACK segments:
// MSS, SACK-permitted, Timestamp, Window Scale, in that order.
func synOptions(mss uint16, wndScale uint8) []TCPOption {
	return []TCPOption{
		{Kind: OptMSS, MSS: mss},
		{Kind: OptSACKPermitted},
		{Kind: OptTimestamp, TSVal: 0, TSEcr: 0},
		{Kind: OptWindowScale, WndScale: wndScale},
	}
}

// Package quicproxy implements a per-client QUIC-like connection state
// machine and the UDP dispatcher that demultiplexes datagrams to it. It
// speaks a truncated, non-conformant subset of the QUIC wire format: long
// and short headers are recognized, but variable-length integers are
// decoded only up to a single truncated byte and the handshake carries
// fixed test payloads rather than a real TLS exchange.
package quicproxy

// PacketType enumerates the packet types this core recognizes.
type PacketType int

const (
	PacketInitial PacketType = iota
	PacketZeroRTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	PacketOneRTT
)

// maxTruncatedLength is the ceiling a length-prefixed field (token length,
// payload length) must not exceed. Anything above this is rejected rather
// than decoded as a real QUIC variable-length integer (see the package
// doc comment).
const maxTruncatedLength = 0x3F

// Header is a parsed QUIC packet header.
type Header struct {
	Type                 PacketType
	Version              uint32
	DestinationCID       []byte
	SourceCID            []byte
	Token                []byte
	PayloadLength        int
	PacketNumber         uint32
	Payload              []byte
}

const longHeaderForm = 0x80

// longHeaderType decodes the 2-bit type field of a long header's first
// byte, bits 4-5 (0xC3-style first bytes carry it at that position).
func longHeaderType(firstByte byte) PacketType {
	switch (firstByte >> 4) & 0x03 {
	case 0:
		return PacketInitial
	case 1:
		return PacketZeroRTT
	case 2:
		return PacketHandshake
	case 3:
		return PacketRetry
	default:
		return PacketInitial
	}
}

// parsePacket decodes a raw datagram into a Header. Any length check
// failure returns ok=false: the caller logs and drops the packet while
// keeping the connection alive.
func parsePacket(data []byte) (Header, bool) {
	if len(data) < 1 {
		return Header{}, false
	}

	firstByte := data[0]
	if firstByte&longHeaderForm == 0 {
		return parseShortHeader(data)
	}
	return parseLongHeader(data, firstByte)
}

func parseLongHeader(data []byte, firstByte byte) (Header, bool) {
	pos := 1
	if len(data) < pos+4 {
		return Header{}, false
	}
	version := be32(data[pos : pos+4])
	pos += 4

	hdr := Header{Version: version}
	if version == 0 {
		hdr.Type = PacketVersionNegotiation
	} else {
		hdr.Type = longHeaderType(firstByte)
	}

	dcid, next, ok := readLengthPrefixed(data, pos, 255)
	if !ok {
		return Header{}, false
	}
	hdr.DestinationCID, pos = dcid, next

	scid, next, ok := readLengthPrefixed(data, pos, 255)
	if !ok {
		return Header{}, false
	}
	hdr.SourceCID, pos = scid, next

	if hdr.Type == PacketInitial {
		token, next, ok := readLengthPrefixed(data, pos, maxTruncatedLength)
		if !ok {
			return Header{}, false
		}
		hdr.Token, pos = token, next
	}

	if pos >= len(data) {
		return Header{}, false
	}
	payloadLen := int(data[pos])
	if payloadLen > maxTruncatedLength {
		return Header{}, false
	}
	pos++
	hdr.PayloadLength = payloadLen

	if len(data) < pos+4 {
		return Header{}, false
	}
	hdr.PacketNumber = be32(data[pos : pos+4])
	pos += 4

	hdr.Payload = data[pos:]
	return hdr, true
}

func parseShortHeader(data []byte) (Header, bool) {
	if len(data) < 1+8+4 {
		return Header{}, false
	}
	pos := 1
	hdr := Header{Type: PacketOneRTT}
	hdr.DestinationCID = data[pos : pos+8]
	pos += 8
	hdr.PacketNumber = be32(data[pos : pos+4])
	pos += 4
	hdr.Payload = data[pos:]
	return hdr, true
}

// readLengthPrefixed reads a 1-byte length (bounded by maxLen) followed by
// that many bytes, starting at pos.
func readLengthPrefixed(data []byte, pos int, maxLen int) ([]byte, int, bool) {
	if pos >= len(data) {
		return nil, 0, false
	}
	length := int(data[pos])
	if length > maxLen {
		return nil, 0, false
	}
	pos++
	if len(data) < pos+length {
		return nil, 0, false
	}
	return data[pos : pos+length], pos + length, true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

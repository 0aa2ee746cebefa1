package quicproxy

import (
	"bytes"
	"encoding/binary"
)

// quicVersion1 is the only version this core ever emits.
const quicVersion1 uint32 = 1

// buildSoftwarePacket constructs a packet in software, following the wire
// layout named for each packet type. This is the fallback path used when
// accelerator framing is disabled or unavailable; its byte layout is
// distinct from the accelerator's own framing format in packetframe.go.
func buildSoftwarePacket(packetType PacketType, destCID, srcCID []byte, packetNumber uint32, payload []byte) []byte {
	if packetType == PacketOneRTT {
		return buildShortHeaderPacket(destCID, packetNumber, payload)
	}
	return buildLongHeaderPacket(packetType, destCID, srcCID, packetNumber, payload)
}

func firstByteFor(packetType PacketType) byte {
	switch packetType {
	case PacketInitial:
		return 0xC3
	case PacketHandshake:
		return 0xE3
	case PacketZeroRTT:
		return 0xD3
	default:
		return 0xC3
	}
}

func buildLongHeaderPacket(packetType PacketType, destCID, srcCID []byte, packetNumber uint32, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(firstByteFor(packetType))
	binary.Write(buf, binary.BigEndian, quicVersion1)

	buf.WriteByte(byte(len(destCID)))
	buf.Write(destCID)

	buf.WriteByte(byte(len(srcCID)))
	buf.Write(srcCID)

	if packetType == PacketInitial {
		buf.WriteByte(0) // no token on responses
	}

	lengthOffset := buf.Len()
	buf.Write([]byte{0, 0}) // payload length placeholder, filled in below

	binary.Write(buf, binary.BigEndian, packetNumber)
	buf.Write(payload)

	out := buf.Bytes()
	payloadLength := len(out) - lengthOffset - 2
	binary.BigEndian.PutUint16(out[lengthOffset:lengthOffset+2], uint16(payloadLength))

	return out
}

func buildShortHeaderPacket(destCID []byte, packetNumber uint32, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(0x40)
	buf.Write(destCID)
	binary.Write(buf, binary.BigEndian, packetNumber)
	buf.Write(payload)
	return buf.Bytes()
}

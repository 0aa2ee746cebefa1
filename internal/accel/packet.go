package accel

import "encoding/binary"

// accelFrameMarker is the first byte of an accelerator-emitted framing
// header.
const accelFrameMarker = 0xC0

// accelAckMarker is the first byte of an accelerator-emitted ACK frame.
const accelAckMarker = 0x02

// buildFramedPacket prepends the accelerator's framing header to payload:
// marker, connection id (LE64), packet number (LE32), a fixed STREAM-frame
// marker (08 00), and the payload length (LE16) — 17 bytes total ahead of
// the payload.
func buildFramedPacket(connectionID uint64, packetNumber uint32, payload []byte) []byte {
	header := make([]byte, 14)
	header[0] = accelFrameMarker
	binary.LittleEndian.PutUint64(header[1:9], connectionID)
	binary.LittleEndian.PutUint32(header[9:13], packetNumber)
	// only header[:13] is used; 08 00 and length(LE16) follow it
	out := make([]byte, 0, 14+len(payload))
	out = append(out, header[:13]...)
	out = append(out, 0x08, 0x00)
	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(payload)))
	out = append(out, lenBytes...)
	out = append(out, payload...)
	return out
}

// buildAckFrame encodes the accelerator's 9-byte ACK frame for the given
// largest acknowledged packet number: marker, largest_acked (LE32),
// ack_delay (LE16, fixed at 10), range_count and first_range, both zero.
func buildAckFrame(largestAcked uint32) []byte {
	out := make([]byte, 9)
	out[0] = accelAckMarker
	binary.LittleEndian.PutUint32(out[1:5], largestAcked)
	binary.LittleEndian.PutUint16(out[5:7], 0x000A)
	out[7] = 0
	out[8] = 0
	return out
}

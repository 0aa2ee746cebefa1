package accel

import (
	"encoding/binary"
	"fmt"
)

// compressionMagic identifies the fallback compression frame: "QCMP".
var compressionMagic = [4]byte{0x51, 0x43, 0x4D, 0x50}

// runMarker introduces a run-length-encoded span in the RLE body. Runs of
// four or more repeats of the same byte are encoded as
// runMarker, count, value; every other byte appears literally.
//
// A literal byte equal to runMarker is not escaped, so it is misread as a
// run marker on decompression. This mirrors the reference encoder rather
// than silently extending the format; softwareCompress never produces that
// ambiguity for inputs the round-trip property already excludes.
const runMarker = 0xFF
const minRunLength = 4

// softwareCompress encodes input into the fallback frame format: magic,
// little-endian original size, then the RLE body.
func softwareCompress(input []byte) []byte {
	out := make([]byte, 0, len(input)+8)
	out = append(out, compressionMagic[:]...)

	sizeBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBytes, uint32(len(input)))
	out = append(out, sizeBytes...)

	for i := 0; i < len(input); {
		runLen := 1
		for i+runLen < len(input) && input[i+runLen] == input[i] && runLen < 255 {
			runLen++
		}
		if runLen >= minRunLength {
			out = append(out, runMarker, byte(runLen), input[i])
			i += runLen
		} else {
			out = append(out, input[i])
			i++
		}
	}

	return out
}

// softwareDecompress reverses softwareCompress. It does not validate that
// the decoded length matches the header's original size field; a malformed
// frame simply decodes to whatever the RLE body describes.
func softwareDecompress(frame []byte) ([]byte, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("accel: compressed frame shorter than the fixed header")
	}
	for i := 0; i < 4; i++ {
		if frame[i] != compressionMagic[i] {
			return nil, fmt.Errorf("accel: compressed frame has an invalid magic")
		}
	}

	body := frame[8:]
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); {
		if body[i] == runMarker && i+2 < len(body) {
			count := body[i+1]
			value := body[i+2]
			for j := byte(0); j < count; j++ {
				out = append(out, value)
			}
			i += 3
		} else {
			out = append(out, body[i])
			i++
		}
	}

	return out, nil
}

package quicproxy

import (
	"bytes"
	"testing"
)

// TestScenarioS5InitialPacketLayout follows the field-by-field layout named
// in the Build section and the reference implementation's byte-for-byte
// construction (version, dcid, scid, token_len=0, 2-byte payload length,
// 4-byte packet number): 18 bytes for an empty payload. The payload length
// field always counts the trailing 4-byte packet number, so an empty
// payload still encodes a length of 4 (see TestBuildLongHeaderFillsPayloadLength).
func TestScenarioS5InitialPacketLayout(t *testing.T) {
	out := buildLongHeaderPacket(PacketInitial, []byte{0x01, 0x02}, []byte{0x03, 0x04}, 0, nil)
	want := []byte{
		0xC3,
		0x00, 0x00, 0x00, 0x01, // version 1
		0x02, 0x01, 0x02, // dcid len + dcid
		0x02, 0x03, 0x04, // scid len + scid
		0x00,       // token len
		0x00, 0x04, // payload length (packet number bytes only, empty payload)
		0x00, 0x00, 0x00, 0x00, // packet number
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("built Initial packet = % X, want % X", out, want)
	}
}

func TestBuildLongHeaderFillsPayloadLength(t *testing.T) {
	payload := []byte("hello")
	out := buildLongHeaderPacket(PacketHandshake, []byte{0xAA}, []byte{0xBB}, 3, payload)
	if out[0] != 0xE3 {
		t.Fatalf("first byte = %#x, want 0xE3", out[0])
	}
	// lengthOffset = 1(first) + 4(version) + 1+1(dcid) + 1+1(scid) = 9
	// (no token field for Handshake)
	lengthOffset := 9
	gotLen := int(out[lengthOffset])<<8 | int(out[lengthOffset+1])
	wantLen := len(payload) + 4 // + packet number bytes
	if gotLen != wantLen {
		t.Fatalf("encoded payload length = %d, want %d", gotLen, wantLen)
	}
}

func TestBuildShortHeaderPacket(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	out := buildShortHeaderPacket(destCID, 9, []byte("x"))
	if out[0] != 0x40 {
		t.Fatalf("first byte = %#x, want 0x40", out[0])
	}
	if !bytes.Equal(out[1:9], destCID) {
		t.Fatalf("dcid = % X, want % X", out[1:9], destCID)
	}
}

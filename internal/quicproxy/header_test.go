package quicproxy

import "testing"

func TestParseLongHeaderInitial(t *testing.T) {
	data := buildLongHeaderPacket(PacketInitial, []byte{0x01, 0x02}, []byte{0x03, 0x04}, 0, nil)

	hdr, ok := parsePacket(data)
	if !ok {
		t.Fatalf("parsePacket returned ok=false for %X", data)
	}
	if hdr.Type != PacketInitial {
		t.Errorf("Type = %v, want PacketInitial", hdr.Type)
	}
	if string(hdr.DestinationCID) != "\x01\x02" {
		t.Errorf("DestinationCID = %X, want 01 02", hdr.DestinationCID)
	}
	if string(hdr.SourceCID) != "\x03\x04" {
		t.Errorf("SourceCID = %X, want 03 04", hdr.SourceCID)
	}
	if hdr.PacketNumber != 0 {
		t.Errorf("PacketNumber = %d, want 0", hdr.PacketNumber)
	}
}

func TestParseShortHeader(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	data := buildShortHeaderPacket(destCID, 42, []byte("payload"))

	hdr, ok := parsePacket(data)
	if !ok {
		t.Fatalf("parsePacket returned ok=false")
	}
	if hdr.Type != PacketOneRTT {
		t.Errorf("Type = %v, want PacketOneRTT", hdr.Type)
	}
	if hdr.PacketNumber != 42 {
		t.Errorf("PacketNumber = %d, want 42", hdr.PacketNumber)
	}
	if string(hdr.Payload) != "payload" {
		t.Errorf("Payload = %q, want %q", hdr.Payload, "payload")
	}
}

func TestParseRejectsTruncatedData(t *testing.T) {
	if _, ok := parsePacket(nil); ok {
		t.Error("empty input should fail to parse")
	}
	if _, ok := parsePacket([]byte{0x40, 0x01}); ok {
		t.Error("short header missing DCID/packet number should fail to parse")
	}
}

func TestParseRejectsOverlongTokenLength(t *testing.T) {
	data := []byte{
		0xC3,
		0x00, 0x00, 0x00, 0x01, // version
		0x00,       // dcid len
		0x00,       // scid len
		0x40,       // token len = 0x40, over the 0x3F truncated ceiling
	}
	if _, ok := parsePacket(data); ok {
		t.Error("token length above 0x3F should be rejected")
	}
}

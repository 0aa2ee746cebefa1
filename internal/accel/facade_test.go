package accel

import (
	"bytes"
	"testing"

	"github.com/edonshumolli/satellite-quic-proxy/internal/dma"
)

// deviceBackedFacade builds a Facade over a SimDevice with simulation turned
// off, so usesDevice() is true and every op drives the register protocol
// instead of calling the software helpers directly.
func deviceBackedFacade(t *testing.T) *Facade {
	t.Helper()
	device := dma.NewSimDevice(int(dma.MaxEngines), 4)
	f := NewFacade(device, false)
	if err := f.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return f
}

func TestDeviceBackedCryptoRoundTrip(t *testing.T) {
	f := deviceBackedFacade(t)
	key := bytes.Repeat([]byte{0x07}, 16)
	nonce := bytes.Repeat([]byte{0x09}, 12)
	aad := []byte("header")
	plaintext := []byte("register protocol round trip")

	encrypted := f.Crypto(CryptoEncrypt, plaintext, key, nonce, aad)
	if !encrypted.Success {
		t.Fatalf("device encrypt failed: %s", encrypted.ErrorMessage)
	}

	decrypted := f.Crypto(CryptoDecrypt, encrypted.Data, key, nonce, aad)
	if !decrypted.Success {
		t.Fatalf("device decrypt failed: %s", decrypted.ErrorMessage)
	}
	if !bytes.Equal(decrypted.Data, plaintext) {
		t.Errorf("round trip mismatch: got %v, want %v", decrypted.Data, plaintext)
	}
}

func TestDeviceBackedCompressionRoundTrip(t *testing.T) {
	f := deviceBackedFacade(t)
	input := bytes.Repeat([]byte{0x5A}, 40)

	compressed := f.Compression(Compress, input)
	if !compressed.Success {
		t.Fatalf("device compress failed: %s", compressed.ErrorMessage)
	}

	decompressed := f.Compression(Decompress, compressed.Data)
	if !decompressed.Success {
		t.Fatalf("device decompress failed: %s", decompressed.ErrorMessage)
	}
	if !bytes.Equal(decompressed.Data, input) {
		t.Errorf("round trip mismatch: got %v, want %v", decompressed.Data, input)
	}
}

func TestDeviceBackedPacketOperations(t *testing.T) {
	f := deviceBackedFacade(t)

	framed := f.PacketOperation(Framing, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x0102030405060708, 7)
	if !framed.Success {
		t.Fatalf("device framing failed: %s", framed.ErrorMessage)
	}
	want := []byte{
		0xC0, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x07, 0x00, 0x00, 0x00, 0x08, 0x00, 0x04, 0x00,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(framed.Data, want) {
		t.Fatalf("device framed packet = % X, want % X", framed.Data, want)
	}

	ack := f.PacketOperation(AckProcessing, nil, 0, 0x11223344)
	if !ack.Success {
		t.Fatalf("device ack processing failed: %s", ack.ErrorMessage)
	}
	wantAck := []byte{0x02, 0x44, 0x33, 0x22, 0x11, 0x0A, 0x00, 0x00, 0x00}
	if !bytes.Equal(ack.Data, wantAck) {
		t.Fatalf("device ack frame = % X, want % X", ack.Data, wantAck)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	f := NewFacade(nil, true)

	inputs := [][]byte{
		[]byte("hello world"),
		bytes.Repeat([]byte{0x41}, 10),
		{},
		[]byte{0x01, 0x02, 0x03},
	}

	for _, input := range inputs {
		compressed := f.Compression(Compress, input)
		if !compressed.Success {
			t.Fatalf("compress(%v) failed: %s", input, compressed.ErrorMessage)
		}
		decompressed := f.Compression(Decompress, compressed.Data)
		if !decompressed.Success {
			t.Fatalf("decompress failed: %s", decompressed.ErrorMessage)
		}
		if !bytes.Equal(decompressed.Data, input) {
			t.Errorf("round trip mismatch: got %v, want %v", decompressed.Data, input)
		}
	}
}

func TestScenarioS2CompressExactBytes(t *testing.T) {
	f := NewFacade(nil, true)
	result := f.Compression(Compress, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA})
	want := []byte{0x51, 0x43, 0x4D, 0x50, 0x05, 0x00, 0x00, 0x00, 0xFF, 0x05, 0xAA}
	if !bytes.Equal(result.Data, want) {
		t.Fatalf("compress = % X, want % X", result.Data, want)
	}

	decompressed := f.Compression(Decompress, result.Data)
	if !bytes.Equal(decompressed.Data, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Fatalf("decompress = % X, want AA AA AA AA AA", decompressed.Data)
	}
}

func TestCryptoRoundTrip(t *testing.T) {
	f := NewFacade(nil, true)

	for _, keySize := range []int{16, 24, 32} {
		key := bytes.Repeat([]byte{0x42}, keySize)
		nonce := bytes.Repeat([]byte{0x24}, 12)
		aad := []byte("associated data")
		plaintext := []byte("satellite uplink payload")

		encrypted := f.Crypto(CryptoEncrypt, plaintext, key, nonce, aad)
		if !encrypted.Success {
			t.Fatalf("encrypt with key size %d failed: %s", keySize, encrypted.ErrorMessage)
		}

		decrypted := f.Crypto(CryptoDecrypt, encrypted.Data, key, nonce, aad)
		if !decrypted.Success {
			t.Fatalf("decrypt with key size %d failed: %s", keySize, decrypted.ErrorMessage)
		}
		if !bytes.Equal(decrypted.Data, plaintext) {
			t.Errorf("round trip mismatch for key size %d: got %v, want %v", keySize, decrypted.Data, plaintext)
		}
	}
}

func TestCryptoTamperedTagFailsAuthentication(t *testing.T) {
	f := NewFacade(nil, true)
	key := bytes.Repeat([]byte{0x01}, 16)
	nonce := bytes.Repeat([]byte{0x02}, 12)

	encrypted := f.Crypto(CryptoEncrypt, []byte("message"), key, nonce, nil)
	if !encrypted.Success {
		t.Fatalf("encrypt failed: %s", encrypted.ErrorMessage)
	}

	tampered := append([]byte{}, encrypted.Data...)
	tampered[len(tampered)-1] ^= 0xFF

	decrypted := f.Crypto(CryptoDecrypt, tampered, key, nonce, nil)
	if decrypted.Success {
		t.Fatal("decrypt with a tampered tag should fail")
	}
}

func TestScenarioS3AckFrame(t *testing.T) {
	f := NewFacade(nil, true)
	result := f.PacketOperation(AckProcessing, nil, 0, 0x11223344)
	want := []byte{0x02, 0x44, 0x33, 0x22, 0x11, 0x0A, 0x00, 0x00, 0x00}
	if !bytes.Equal(result.Data, want) {
		t.Fatalf("ack frame = % X, want % X", result.Data, want)
	}
}

func TestScenarioS4FramingHeader(t *testing.T) {
	f := NewFacade(nil, true)
	result := f.PacketOperation(Framing, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x0102030405060708, 7)
	want := []byte{
		0xC0, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x07, 0x00, 0x00, 0x00, 0x08, 0x00, 0x04, 0x00,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(result.Data, want) {
		t.Fatalf("framed packet = % X, want % X", result.Data, want)
	}
}

func TestStatsAccumulateAcrossOps(t *testing.T) {
	f := NewFacade(nil, true)
	f.Compression(Compress, []byte("abc"))
	f.PacketOperation(AckProcessing, nil, 0, 1)

	snap := f.Stats()
	if snap.CompressionOps != 1 {
		t.Errorf("CompressionOps = %d, want 1", snap.CompressionOps)
	}
	if snap.PacketOps != 1 {
		t.Errorf("PacketOps = %d, want 1", snap.PacketOps)
	}
	if snap.TotalBytes == 0 {
		t.Error("TotalBytes should be nonzero after successful ops")
	}
}

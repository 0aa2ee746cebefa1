package quicproxy

import (
	"net"
	"testing"
	"time"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
)

func newTestConnection(t *testing.T, accelerationEnabled bool) *Connection {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:5555")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	facade := accel.NewFacade(nil, true)
	var flag int32
	if accelerationEnabled {
		flag = 1
	}
	return NewConnection(addr, nil, facade, &flag)
}

func TestPacketNumberMonotonicity(t *testing.T) {
	c := newTestConnection(t, false)

	for k := 0; k < 5; k++ {
		c.sendPacket(PacketOneRTT, []byte{byte(k)})
	}

	if len(c.sentPackets) != 5 {
		t.Fatalf("sentPackets has %d entries, want 5", len(c.sentPackets))
	}
	for k, p := range c.sentPackets {
		if p.PacketNumber != uint32(k) {
			t.Errorf("sentPackets[%d].PacketNumber = %d, want %d", k, p.PacketNumber, k)
		}
	}
}

func TestInitialDispatchSendsCryptoResponse(t *testing.T) {
	c := newTestConnection(t, false)
	c.ProcessIncomingPacket(buildLongHeaderPacket(PacketInitial, []byte{1, 2}, []byte{3, 4}, 0, nil))

	if len(c.sentPackets) != 1 {
		t.Fatalf("expected one sent packet, got %d", len(c.sentPackets))
	}
	if c.sentPackets[0].Bytes[0] != 0xC3 {
		t.Errorf("response first byte = %#x, want 0xC3", c.sentPackets[0].Bytes[0])
	}
}

func TestHandshakeDispatchSendsHandshakeThenOneRTT(t *testing.T) {
	c := newTestConnection(t, false)
	c.ProcessIncomingPacket(buildLongHeaderPacket(PacketHandshake, []byte{1}, []byte{2}, 0, nil))

	if len(c.sentPackets) != 2 {
		t.Fatalf("expected two sent packets, got %d", len(c.sentPackets))
	}
	if c.sentPackets[0].Bytes[0] != 0xE3 {
		t.Errorf("first response first byte = %#x, want 0xE3", c.sentPackets[0].Bytes[0])
	}
	if c.sentPackets[1].Bytes[0] != 0x40 {
		t.Errorf("second response first byte = %#x, want 0x40", c.sentPackets[1].Bytes[0])
	}
}

func TestAckFrameMarksSentPacketAcknowledged(t *testing.T) {
	c := newTestConnection(t, false)
	c.sendPacket(PacketOneRTT, []byte("data"))

	ackPayload := []byte{0x02, 0x00, 0x00, 0x00, 0x00}
	c.ProcessIncomingPacket(buildShortHeaderPacket(c.srcCID, 0, ackPayload))

	if !c.sentPackets[0].Acknowledged {
		t.Error("sent packet 0 should be marked acknowledged after a matching ACK frame")
	}
}

func TestStreamFrameEchoesPayload(t *testing.T) {
	c := newTestConnection(t, false)
	streamPayload := []byte{0x08, 'h', 'i'}
	c.ProcessIncomingPacket(buildShortHeaderPacket(c.srcCID, 0, streamPayload))

	if len(c.sentPackets) != 1 {
		t.Fatalf("expected one echoed packet, got %d", len(c.sentPackets))
	}
}

func TestIdleReaping(t *testing.T) {
	c := newTestConnection(t, false)
	if !c.IsActive() {
		t.Fatal("a freshly created connection should be active")
	}

	c.activityMu.Lock()
	c.lastActivity = time.Now().Add(-31 * time.Second)
	c.activityMu.Unlock()

	if c.IsActive() {
		t.Fatal("a connection idle for 31s should no longer be active")
	}
}

func TestRetransmissionResendsUnackedPacket(t *testing.T) {
	c := newTestConnection(t, false)
	c.sendPacket(PacketOneRTT, []byte("data"))

	c.packetsMu.Lock()
	c.sentPackets[0].SentTime = time.Now().Add(-600 * time.Millisecond)
	originalTime := c.sentPackets[0].SentTime
	c.packetsMu.Unlock()

	c.checkForRetransmissions()

	c.packetsMu.Lock()
	defer c.packetsMu.Unlock()
	if !c.sentPackets[0].SentTime.After(originalTime) {
		t.Error("retransmission should refresh SentTime")
	}
}

func TestAccelerationPathProducesFramedBytes(t *testing.T) {
	c := newTestConnection(t, true)
	c.sendPacket(PacketOneRTT, []byte{0xDE, 0xAD})

	if c.sentPackets[0].Bytes[0] != 0xC0 {
		t.Errorf("accelerator-framed packet first byte = %#x, want 0xC0", c.sentPackets[0].Bytes[0])
	}
}

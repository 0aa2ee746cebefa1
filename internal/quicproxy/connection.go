package quicproxy

import (
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
)

// IdleTimeout is how long a connection may go without an inbound datagram
// before it is eligible for reaping.
const IdleTimeout = 30 * time.Second

// RetransmitTimeout is how long an unacknowledged sent packet waits before
// it is retransmitted.
const RetransmitTimeout = 500 * time.Millisecond

// SentPacket records one outbound packet pending acknowledgement.
type SentPacket struct {
	PacketNumber uint32
	SentTime     time.Time
	Acknowledged bool
	Bytes        []byte
}

// Connection is one client's QUIC-like state machine, keyed by its 4-tuple.
type Connection struct {
	ClientAddr *net.UDPAddr
	ClientKey  string

	destCID      []byte
	srcCID       []byte
	connectionID uint64

	facade               *accel.Facade
	accelerationEnabled  *int32 // shared with the Dispatcher; 0/1 via atomic
	socket               *net.UDPConn

	packetsMu       sync.Mutex
	nextPacketNum   uint32
	sentPackets     []SentPacket
	receivedPackets []uint32

	activityMu   sync.Mutex
	lastActivity time.Time

	bytesSent   uint64
	packetsSent uint64
}

// NewConnection creates a handler for a freshly observed client address. It
// generates a random 8-byte source connection id and derives the 64-bit
// connection id from it, matching the byte-shift construction used
// elsewhere in this core for the accelerator's connection id field.
func NewConnection(addr *net.UDPAddr, socket *net.UDPConn, facade *accel.Facade, accelerationEnabled *int32) *Connection {
	srcCID := make([]byte, 8)
	_, _ = rand.Read(srcCID)

	var connID uint64
	for _, b := range srcCID {
		connID = (connID << 8) | uint64(b)
	}

	c := &Connection{
		ClientAddr:          addr,
		ClientKey:           addr.String(),
		srcCID:              srcCID,
		connectionID:        connID,
		facade:              facade,
		accelerationEnabled: accelerationEnabled,
		socket:              socket,
	}
	c.updateActivity()
	return c
}

func (c *Connection) updateActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// IsActive reports whether this connection has seen traffic within
// IdleTimeout.
func (c *Connection) IsActive() bool {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActivity) < IdleTimeout
}

func (c *Connection) accelerationActive() bool {
	return c.accelerationEnabled != nil && atomic.LoadInt32(c.accelerationEnabled) != 0
}

// ProcessIncomingPacket updates activity tracking, parses the datagram,
// dispatches it by packet type, then checks for due retransmissions.
func (c *Connection) ProcessIncomingPacket(data []byte) {
	c.updateActivity()

	header, ok := parsePacket(data)
	if !ok {
		log.WithField("client", c.ClientKey).Warn("Dropping packet with malformed header")
		c.checkForRetransmissions()
		return
	}
	if len(header.DestinationCID) > 0 {
		c.destCID = header.DestinationCID
	}

	switch header.Type {
	case PacketInitial:
		c.handleInitial(header)
	case PacketHandshake:
		c.handleHandshake(header)
	case PacketOneRTT:
		c.handleOneRTT(header)
	default:
		log.WithFields(log.Fields{
			"client": c.ClientKey,
			"type":   header.Type,
		}).Debug("Ignoring unhandled packet type")
	}

	c.checkForRetransmissions()
}

var initialCryptoPayload = []byte{
	0x06, 0x00, 0x10,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
}

var handshakeCryptoPayload = []byte{
	0x06, 0x00, 0x10,
	0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
	0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E, 0x1F, 0x20,
}

var handshakeDonePayload = []byte{0x1E}

func (c *Connection) handleInitial(header Header) {
	c.recordReceived(header.PacketNumber)
	c.sendPacket(PacketInitial, initialCryptoPayload)
}

func (c *Connection) handleHandshake(header Header) {
	c.recordReceived(header.PacketNumber)
	c.sendPacket(PacketHandshake, handshakeCryptoPayload)
	c.sendPacket(PacketOneRTT, handshakeDonePayload)
}

func (c *Connection) handleOneRTT(header Header) {
	c.recordReceived(header.PacketNumber)
	if !c.processFrames(header.Payload) {
		return
	}
	c.sendAck()
}

func (c *Connection) recordReceived(packetNumber uint32) {
	c.packetsMu.Lock()
	c.receivedPackets = append(c.receivedPackets, packetNumber)
	c.packetsMu.Unlock()
}

// processFrames walks the frame bytes of a 1-RTT payload. It returns false
// only when a STREAM frame has already triggered its own reply, since the
// reference core halts further parsing in that case.
func (c *Connection) processFrames(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}

	offset := 0
	for offset < len(payload) {
		frameType := payload[offset]
		offset++

		switch {
		case frameType == 0x00: // PADDING
		case frameType == 0x01: // PING
		case frameType == 0x02 || frameType == 0x03: // ACK / ACK-ECN
			if offset+4 <= len(payload) {
				acked := be32(payload[offset : offset+4])
				c.markAcknowledged(acked)
			}
			return true
		case frameType == 0x06: // CRYPTO
			return true
		case frameType >= 0x08 && frameType <= 0x0F: // STREAM
			c.sendPacket(PacketOneRTT, payload)
			return false
		default:
			return true
		}
	}
	return true
}

func (c *Connection) markAcknowledged(packetNumber uint32) {
	c.packetsMu.Lock()
	defer c.packetsMu.Unlock()
	for i := range c.sentPackets {
		if c.sentPackets[i].PacketNumber == packetNumber {
			c.sentPackets[i].Acknowledged = true
			break
		}
	}
}

// sendPacket attempts accelerator framing first when acceleration is
// enabled, falling back to a software-built header otherwise. Every sent
// packet is recorded for retransmission tracking.
func (c *Connection) sendPacket(packetType PacketType, payload []byte) {
	packetNumber := atomic.LoadUint32(&c.nextPacketNum)

	var out []byte
	if c.accelerationActive() {
		result := c.facade.PacketOperation(accel.Framing, payload, c.connectionID, packetNumber)
		if result.Success {
			out = result.Data
		}
	}
	if out == nil {
		out = buildSoftwarePacket(packetType, c.destCID, c.srcCID, packetNumber, payload)
	}

	c.deliver(out)

	c.packetsMu.Lock()
	c.sentPackets = append(c.sentPackets, SentPacket{
		PacketNumber: packetNumber,
		SentTime:     time.Now(),
		Acknowledged: false,
		Bytes:        out,
	})
	c.packetsMu.Unlock()

	atomic.AddUint32(&c.nextPacketNum, 1)
}

func (c *Connection) sendAck() {
	c.packetsMu.Lock()
	if len(c.receivedPackets) == 0 {
		c.packetsMu.Unlock()
		return
	}
	largestAcked := c.receivedPackets[0]
	for _, pn := range c.receivedPackets {
		if pn > largestAcked {
			largestAcked = pn
		}
	}
	c.packetsMu.Unlock()

	if c.accelerationActive() {
		result := c.facade.PacketOperation(accel.AckProcessing, nil, c.connectionID, largestAcked)
		if result.Success {
			c.deliver(result.Data)
			return
		}
	}

	ackFrame := []byte{
		0x02,
		byte(largestAcked >> 24), byte(largestAcked >> 16), byte(largestAcked >> 8), byte(largestAcked),
		0x00, 0x00,
		0x00,
		0x00,
	}
	c.sendPacket(PacketOneRTT, ackFrame)
}

// checkForRetransmissions resends any sent packet still unacknowledged
// past RetransmitTimeout, preferring the accelerator's retransmission op
// (which locates the original bytes by packet number) and falling back to
// the bytes this handler already stored.
func (c *Connection) checkForRetransmissions() {
	now := time.Now()

	c.packetsMu.Lock()
	var due []SentPacket
	for _, p := range c.sentPackets {
		if !p.Acknowledged && now.Sub(p.SentTime) > RetransmitTimeout {
			due = append(due, p)
		}
	}
	c.packetsMu.Unlock()

	for _, p := range due {
		var out []byte
		if c.accelerationActive() {
			result := c.facade.PacketOperation(accel.Retransmission, nil, c.connectionID, p.PacketNumber)
			if result.Success && len(result.Data) > 0 {
				out = result.Data
			}
		}
		if out == nil {
			out = p.Bytes
		}

		c.deliver(out)
		c.touchSentTime(p.PacketNumber, now)
	}
}

func (c *Connection) touchSentTime(packetNumber uint32, when time.Time) {
	c.packetsMu.Lock()
	defer c.packetsMu.Unlock()
	for i := range c.sentPackets {
		if c.sentPackets[i].PacketNumber == packetNumber {
			c.sentPackets[i].SentTime = when
			break
		}
	}
}

func (c *Connection) deliver(data []byte) {
	if c.socket == nil {
		return
	}
	n, err := c.socket.WriteToUDP(data, c.ClientAddr)
	if err != nil {
		log.WithError(err).WithField("client", c.ClientKey).Warn("Failed to send datagram")
		return
	}
	atomic.AddUint64(&c.bytesSent, uint64(n))
	atomic.AddUint64(&c.packetsSent, 1)
}

// Counters returns the running bytes/packets sent totals, read by the
// dispatcher when summing connection statistics.
func (c *Connection) Counters() (bytesSent, packetsSent uint64) {
	return atomic.LoadUint64(&c.bytesSent), atomic.LoadUint64(&c.packetsSent)
}

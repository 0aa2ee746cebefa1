package quicproxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
)

// CleanupInterval is the minimum spacing between idle-reaping sweeps.
const CleanupInterval = 5 * time.Second

// ReadTimeout bounds how long a single accept-loop iteration waits for a
// readable datagram before running its housekeeping steps again.
const ReadTimeout = 100 * time.Millisecond

// maxDatagramSize bounds a single inbound read.
const maxDatagramSize = 8192

// Stats is a point-in-time snapshot of dispatcher-wide counters.
type Stats struct {
	TotalConnections  uint64
	ActiveConnections int
	BytesSent         uint64
	PacketsSent       uint64
}

// Dispatcher is the UDP-facing front end: it owns the listening socket,
// demultiplexes datagrams to per-client Connections by 4-tuple, and reaps
// idle connections on a timer.
type Dispatcher struct {
	bindAddress string
	facade      *accel.Facade

	accelerationEnabled int32 // atomic bool, shared with every Connection
	verboseLogging      int32 // atomic bool

	socket  *net.UDPConn
	running int32

	handlersMu sync.Mutex
	handlers   map[string]*Connection

	totalConnections uint64
	lastCleanup      time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher creates a Dispatcher bound to bindAddress (host:port),
// offloading per-packet acceleration work to facade when enabled.
func NewDispatcher(bindAddress string, facade *accel.Facade, accelerationEnabled bool) *Dispatcher {
	d := &Dispatcher{
		bindAddress: bindAddress,
		facade:      facade,
		handlers:    make(map[string]*Connection),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if accelerationEnabled {
		d.accelerationEnabled = 1
	}
	return d
}

// Start binds the UDP socket and spawns the accept loop.
func (d *Dispatcher) Start() error {
	addr, err := net.ResolveUDPAddr("udp", d.bindAddress)
	if err != nil {
		return fmt.Errorf("quicproxy: failed to resolve bind address %s: %w", d.bindAddress, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("quicproxy: failed to bind %s: %w", d.bindAddress, err)
	}
	d.socket = conn
	atomic.StoreInt32(&d.running, 1)
	d.lastCleanup = time.Now()

	go d.acceptLoop()

	log.WithField("address", d.bindAddress).Info("Proxy dispatcher listening")
	return nil
}

func (d *Dispatcher) acceptLoop() {
	defer close(d.doneCh)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.runCleanupIfDue()

		d.socket.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, addr, err := d.socket.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-d.stopCh:
				return
			default:
				log.WithError(err).Debug("Datagram read failed")
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		handler := d.handlerFor(addr)
		handler.ProcessIncomingPacket(data)
	}
}

func (d *Dispatcher) runCleanupIfDue() {
	if time.Since(d.lastCleanup) < CleanupInterval {
		return
	}
	d.lastCleanup = time.Now()

	d.handlersMu.Lock()
	for key, h := range d.handlers {
		if !h.IsActive() {
			delete(d.handlers, key)
		}
	}
	d.handlersMu.Unlock()
}

func (d *Dispatcher) handlerFor(addr *net.UDPAddr) *Connection {
	key := addr.String()

	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	if h, ok := d.handlers[key]; ok {
		return h
	}

	h := NewConnection(addr, d.socket, d.facade, &d.accelerationEnabled)
	d.handlers[key] = h
	atomic.AddUint64(&d.totalConnections, 1)
	return h
}

// Stats sums the tracked connections' counters with the dispatcher's own.
func (d *Dispatcher) Stats() Stats {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	var bytesSent, packetsSent uint64
	for _, h := range d.handlers {
		b, p := h.Counters()
		bytesSent += b
		packetsSent += p
	}

	return Stats{
		TotalConnections:  atomic.LoadUint64(&d.totalConnections),
		ActiveConnections: len(d.handlers),
		BytesSent:         bytesSent,
		PacketsSent:       packetsSent,
	}
}

// SetAccelerationEnabled flips whether new work offloads through the
// accelerator facade.
func (d *Dispatcher) SetAccelerationEnabled(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&d.accelerationEnabled, v)
}

// SetVerboseLogging flips the verbosity of periodic stats logging.
func (d *Dispatcher) SetVerboseLogging(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&d.verboseLogging, v)
}

// PrintStats logs the current dispatcher and accelerator statistics. It
// always logs at Info level; verboseLogging additionally includes
// accelerator timing.
func (d *Dispatcher) PrintStats() {
	stats := d.Stats()
	fields := log.Fields{
		"total_connections":  stats.TotalConnections,
		"active_connections": stats.ActiveConnections,
		"bytes_sent":         stats.BytesSent,
		"packets_sent":       stats.PacketsSent,
	}
	if atomic.LoadInt32(&d.verboseLogging) != 0 && d.facade != nil {
		accelStats := d.facade.Stats()
		fields["crypto_ops"] = accelStats.CryptoOps
		fields["compression_ops"] = accelStats.CompressionOps
		fields["packet_ops"] = accelStats.PacketOps
		fields["accel_total_bytes"] = accelStats.TotalBytes
		fields["accel_processing_time_ms"] = accelStats.TotalProcessingTimeMs
	}
	log.WithFields(fields).Info("Proxy dispatcher statistics")
}

// Stop closes the socket (unblocking the accept loop), waits for it to
// exit, and clears the handler collection.
func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return nil
	}
	close(d.stopCh)

	var result *multierror.Error
	if d.socket != nil {
		if err := d.socket.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	<-d.doneCh

	d.handlersMu.Lock()
	d.handlers = make(map[string]*Connection)
	d.handlersMu.Unlock()

	return result.ErrorOrNil()
}

package dma

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// BufferAlignment is the size granularity every allocated buffer is rounded
// up to.
const BufferAlignment = 4096

// MaxLiveBuffers bounds how many buffers a single Manager will hand out at
// once.
const MaxLiveBuffers = 64

// Buffer is a DMA-addressable region carrying three parallel address views:
// host-virtual for CPU access, host-physical for the DMA engine's source or
// sink, and device-visible for the accelerator's own reference.
type Buffer struct {
	ID            uint32
	Size          uint32
	VirtualAddr   uint64
	PhysicalAddr  uint64
	DeviceAddr    uint64
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer(id=%d, size=%d)", b.ID, b.Size)
}

// Manager is the process-wide registry of live DMA buffers.
type Manager struct {
	mu     sync.Mutex
	device Device

	buffers    map[uint32]Buffer
	nextID     uint32
	totalBytes uint64
}

// NewManager creates a Manager bound to a device handle. The device is not
// touched until Initialize is called.
func NewManager(device Device) *Manager {
	return &Manager{
		device:  device,
		buffers: make(map[uint32]Buffer),
		nextID:  1,
	}
}

// Initialize validates the device handle. It is idempotent and safe to call
// more than once.
func (m *Manager) Initialize() error {
	if m.device == nil {
		return fmt.Errorf("dma: buffer manager has no device handle")
	}
	return nil
}

// alignUp rounds size up to the next multiple of BufferAlignment.
func alignUp(size uint32) uint32 {
	if size%BufferAlignment == 0 {
		return size
	}
	return (size/BufferAlignment + 1) * BufferAlignment
}

// Allocate reserves a new buffer of at least `size` bytes, rounded up to
// BufferAlignment. Returns an error if size is 0 or the live-buffer bound
// would be exceeded.
func (m *Manager) Allocate(size uint32) (Buffer, error) {
	if size == 0 {
		return Buffer{}, fmt.Errorf("dma: cannot allocate a zero-size buffer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.buffers) >= MaxLiveBuffers {
		return Buffer{}, fmt.Errorf("dma: live buffer limit (%d) reached", MaxLiveBuffers)
	}

	aligned := alignUp(size)

	virt, phys, dev, err := m.device.AllocBuffer(aligned)
	if err != nil {
		return Buffer{}, fmt.Errorf("dma: device buffer allocation failed: %w", err)
	}

	buf := Buffer{
		ID:           m.nextID,
		Size:         aligned,
		VirtualAddr:  virt,
		PhysicalAddr: phys,
		DeviceAddr:   dev,
	}
	m.nextID++
	m.buffers[buf.ID] = buf
	m.totalBytes += uint64(aligned)

	log.WithFields(log.Fields{
		"buffer": buf,
	}).Debug("Allocated DMA buffer")

	return buf, nil
}

// Free releases a buffer by id. Returns false if the id is unknown.
func (m *Manager) Free(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[id]
	if !ok {
		return false
	}

	if err := m.device.FreeBuffer(buf.VirtualAddr, buf.Size); err != nil {
		log.WithError(err).WithField("buffer", buf).Warn("Device reported an error freeing a DMA buffer")
	}

	m.totalBytes -= uint64(buf.Size)
	delete(m.buffers, id)

	return true
}

// Lookup returns the buffer descriptor for an id, if still live.
func (m *Manager) Lookup(id uint32) (Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[id]
	return buf, ok
}

// Stats returns the live count and total bytes currently tracked.
func (m *Manager) Stats() (count int, totalBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers), m.totalBytes
}

// Close frees every still-registered buffer, mirroring a destructor that
// must not leak device-side allocations.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if !m.Free(id) {
			errs = append(errs, fmt.Errorf("dma: buffer %d vanished during shutdown", id))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dma: %d buffer(s) failed to free cleanly", len(errs))
	}
	return nil
}

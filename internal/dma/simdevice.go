package dma

import (
	"fmt"
	"sync"

	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// region is the backing memory for one simulated buffer. All three address
// views (virtual/physical/device) a SimDevice hands out for a buffer
// resolve to the same region, since there is no real second memory to copy
// into.
type region struct {
	data []byte
}

// AcceleratorRequest is what SimDevice hands its accelerator executor once
// it sees AccControl's start bit set: the module/op selectors plus whatever
// operand bytes and scalar fields that module's register block names.
type AcceleratorRequest struct {
	Module       uint32
	Op           uint32
	Data         []byte
	Key          []byte
	Nonce        []byte
	AAD          []byte
	ConnectionID uint64
	PacketNumber uint32
}

// AcceleratorResponse is the executor's answer: either result bytes or an
// error, never both.
type AcceleratorResponse struct {
	Data  []byte
	Error error
}

// AcceleratorExecutor actually carries out an accelerator operation. SimDevice
// has no notion of AES-GCM, RLE, or packet framing itself; it only stages
// bytes through buffers and registers the way real hardware would, and
// defers to this callback for the computation a real accelerator chip would
// perform. A nil executor makes every accelerator op report an error,
// forcing the facade's software fallback.
type AcceleratorExecutor func(AcceleratorRequest) AcceleratorResponse

// SimDevice is a byte-compatible stand-in for a real FPGA device. It backs
// buffer allocation with host memory and emulates the DMA channel register
// state machine well enough to drive Controller's poll loops to completion,
// and the accelerator's own register bank well enough to drive Facade's
// register protocol to completion too.
type SimDevice struct {
	mu sync.Mutex

	registers map[uint32]uint32
	regions   map[uint64]*region
	checksums map[uint64]uint16

	nextAddr uint64
	engines  []EngineDescriptor

	// channelBases holds every address a real channel register bank starts
	// at. WriteRegister only interprets a write as a DMA channel control
	// write when its base falls in this set, so writes to any other
	// 256-aligned address (the accelerator's own register bank included)
	// cannot be misread as a channel command.
	channelBases map[uint32]bool

	acceleratorExecutor AcceleratorExecutor
}

// NewSimDevice creates a simulated device exposing the given number of
// engines, each with the given channel count.
func NewSimDevice(engineCount, channelsPerEngine int) *SimDevice {
	engines := make([]EngineDescriptor, 0, engineCount)
	channelBases := make(map[uint32]bool)
	for i := 0; i < engineCount; i++ {
		base := uint64(0x1000 * (i + 1))
		engines = append(engines, EngineDescriptor{
			BaseAddress:  base,
			ChannelCount: uint32(channelsPerEngine),
		})
		for ch := uint32(0); ch < uint32(channelsPerEngine); ch++ {
			channelBases[uint32(ChannelBase(base, ch))] = true
		}
	}
	return &SimDevice{
		registers:    make(map[uint32]uint32),
		regions:      make(map[uint64]*region),
		checksums:    make(map[uint64]uint16),
		nextAddr:     0x10000000,
		engines:      engines,
		channelBases: channelBases,
	}
}

// SetAcceleratorExecutor installs the callback AccControl writes drive. The
// facade installs this during Initialize when it is paired with a SimDevice.
func (d *SimDevice) SetAcceleratorExecutor(executor AcceleratorExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acceleratorExecutor = executor
}

func (d *SimDevice) GetDMAInfo() (EngineInfo, error) {
	return EngineInfo{Engines: d.engines}, nil
}

func (d *SimDevice) AllocBuffer(size uint32) (virtualAddr, physicalAddr, deviceAddr uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	virt := d.nextAddr
	phys := virt + 0x40000000
	dev := virt + 0x80000000
	d.nextAddr += uint64(size) + BufferAlignment

	r := &region{data: make([]byte, size)}
	d.regions[virt] = r
	d.regions[phys] = r
	d.regions[dev] = r

	return virt, phys, dev, nil
}

func (d *SimDevice) FreeBuffer(virtualAddr uint64, size uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[virtualAddr]
	if !ok {
		return fmt.Errorf("dma: simulated device has no region at %#x", virtualAddr)
	}
	for addr, candidate := range d.regions {
		if candidate == r {
			delete(d.regions, addr)
		}
	}
	delete(d.checksums, virtualAddr)
	return nil
}

// SyncBuffer recomputes a CRC-16/CCITT checksum for the region and logs if
// it changed since the last synchronize, a cheap guard against the region
// having been corrupted across the simulated host/device boundary.
func (d *SimDevice) SyncBuffer(virtualAddr uint64, size uint32, direction int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.regions[virtualAddr]
	if !ok {
		return fmt.Errorf("dma: simulated device has no region at %#x", virtualAddr)
	}

	n := int(size)
	if n > len(r.data) {
		n = len(r.data)
	}
	sum := crc16.Checksum(r.data[:n], crcTable)
	if prev, exists := d.checksums[virtualAddr]; exists && prev != sum {
		log.WithFields(log.Fields{
			"address": fmt.Sprintf("%#x", virtualAddr),
			"prev":    prev,
			"sum":     sum,
		}).Debug("Buffer checksum changed across synchronize")
	}
	d.checksums[virtualAddr] = sum

	return nil
}

func (d *SimDevice) WriteRegister(addr uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.registers[addr] = value

	if addr == AccControl {
		if value&CtrlStart != 0 {
			d.runAcceleratorOp()
		}
		return nil
	}

	offset := addr & (ChannelStride - 1)
	base := addr &^ (ChannelStride - 1)
	if !d.channelBases[base] {
		// Not a recognized channel register bank; store and stop, same as
		// any other address this simulated device doesn't interpret.
		return nil
	}

	switch {
	case offset == RegControl && value&CtrlReset != 0:
		d.registers[base+RegStatus] = 0

	case offset == RegControl && value&CtrlAbort != 0:
		d.registers[base+RegStatus] = 0

	case offset == RegControl && value&CtrlStart != 0:
		d.runTransfer(base)
	}

	return nil
}

// regionBytesLocked copies up to size bytes out of the region backing addr,
// or returns nil if addr isn't a known region or size is 0. Callers must
// already hold d.mu.
func (d *SimDevice) regionBytesLocked(addr uint64, size uint32) []byte {
	if size == 0 {
		return nil
	}
	r, ok := d.regions[addr]
	if !ok {
		return nil
	}
	n := int(size)
	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]byte, n)
	copy(out, r.data[:n])
	return out
}

// runAcceleratorOp is invoked, with d.mu held, when AccControl's start bit
// is written. It assembles a request from the accelerator register bank,
// hands it to the installed executor, and stages the response back into
// AccResultAddr/AccResultSize the way a real accelerator would write its
// result into the buffer the driver told it about.
func (d *SimDevice) runAcceleratorOp() {
	module := d.registers[AccModuleSelect]
	op := d.registers[AccOpType]
	dataAddr := uint64(d.registers[AccDataAddr])
	dataSize := d.registers[AccDataSize]
	resultAddr := uint64(d.registers[AccResultAddr])

	req := AcceleratorRequest{
		Module: module,
		Op:     op,
		Data:   d.regionBytesLocked(dataAddr, dataSize),
	}

	switch module {
	case AccModuleCrypto:
		keyAddr := uint64(d.registers[AccKeyAddr])
		keySize := d.registers[AccKeySize]
		nonceAddr := uint64(d.registers[AccNonceAddr])
		nonceSize := d.registers[AccNonceSize]
		aadAddr := uint64(d.registers[AccAADAddr])
		aadSize := d.registers[AccAADSize]

		req.Key = d.regionBytesLocked(keyAddr, keySize)
		req.Nonce = d.regionBytesLocked(nonceAddr, nonceSize)
		req.AAD = d.regionBytesLocked(aadAddr, aadSize)

	case AccModulePacket:
		req.ConnectionID = uint64(d.registers[AccConnectionIDHigh])<<32 | uint64(d.registers[AccConnectionIDLow])
		req.PacketNumber = d.registers[AccPacketNumber]
	}

	if d.acceleratorExecutor == nil {
		d.registers[AccErrorCode] = 1
		d.registers[AccStatus] = StatusError
		return
	}

	resp := d.acceleratorExecutor(req)
	if resp.Error != nil {
		d.registers[AccErrorCode] = 2
		d.registers[AccStatus] = StatusError
		return
	}

	resultRegion, ok := d.regions[resultAddr]
	if !ok {
		d.registers[AccErrorCode] = 3
		d.registers[AccStatus] = StatusError
		return
	}
	n := len(resp.Data)
	if n > len(resultRegion.data) {
		n = len(resultRegion.data)
	}
	copy(resultRegion.data[:n], resp.Data[:n])
	d.registers[AccResultSize] = uint32(len(resp.Data))
	d.registers[AccStatus] = StatusDone
}

// runTransfer simulates an immediately-completing DMA transfer: it copies
// bytes between the addressed regions (a no-op when, as in simulation, both
// views back the same memory) and marks the channel DONE.
func (d *SimDevice) runTransfer(base uint32) {
	srcLow := d.registers[base+RegSrcLow]
	srcHigh := d.registers[base+RegSrcHigh]
	dstLow := d.registers[base+RegDstLow]
	dstHigh := d.registers[base+RegDstHigh]
	size := d.registers[base+RegSize]

	src := uint64(srcHigh)<<32 | uint64(srcLow)
	dst := uint64(dstHigh)<<32 | uint64(dstLow)

	srcRegion, srcOK := d.regions[src]
	dstRegion, dstOK := d.regions[dst]
	if srcOK && dstOK && srcRegion != dstRegion {
		n := int(size)
		if n > len(srcRegion.data) {
			n = len(srcRegion.data)
		}
		if n > len(dstRegion.data) {
			n = len(dstRegion.data)
		}
		copy(dstRegion.data[:n], srcRegion.data[:n])
	}

	d.registers[base+RegTransferred] = size
	d.registers[base+RegStatus] = StatusDone
}

func (d *SimDevice) ReadRegister(addr uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[addr], nil
}

func (d *SimDevice) Close() error {
	return nil
}

// BufferBytes exposes a simulated buffer's backing memory for tests and for
// the accelerator facade's device path, which stages its input and output
// through the same buffers a real device would use.
func (d *SimDevice) BufferBytes(virtualAddr uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regions[virtualAddr]
	if !ok {
		return nil, false
	}
	return r.data, true
}

package dma

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// TransferDirection selects which way bytes move across a transfer.
type TransferDirection int

const (
	HostToDevice TransferDirection = iota
	DeviceToHost
)

// TransferMode selects whether Transfer blocks the caller until completion
// or returns immediately and reports completion through a callback.
type TransferMode int

const (
	Blocking TransferMode = iota
	NonBlocking
)

// Transfer size bounds enforced by Transfer.
const (
	MinTransferSize = 64
	MaxTransferSize = 16 * 1024 * 1024
)

// MaxEngines bounds how many engines a single Controller will track.
const MaxEngines = 4

// TransferResult reports the outcome of a single DMA transfer.
type TransferResult struct {
	Success          bool
	BytesTransferred uint32
	ErrorCode        int
	ErrorMessage     string
}

// TransferCallback is invoked exactly once, from the transfer's own polling
// goroutine, when a non-blocking transfer finishes.
type TransferCallback func(TransferResult)

// PendingTransfer tracks a non-blocking transfer from submission to
// observed completion.
type PendingTransfer struct {
	Buffer    Buffer
	Size      uint32
	Direction TransferDirection
	Callback  TransferCallback

	mu        sync.Mutex
	completed bool
	result    TransferResult
}

func (p *PendingTransfer) markDone(result TransferResult) {
	p.mu.Lock()
	p.completed = true
	p.result = result
	p.mu.Unlock()
	if p.Callback != nil {
		p.Callback(result)
	}
}

func (p *PendingTransfer) snapshot() (bool, TransferResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.result
}

// engine tracks one DMA engine's static configuration plus its claim state.
type engine struct {
	descriptor EngineDescriptor
	busy       int32 // 0 = free, 1 = claimed; manipulated via atomic CAS
}

func (e *engine) claim() bool {
	return atomic.CompareAndSwapInt32(&e.busy, 0, 1)
}

func (e *engine) release() {
	atomic.StoreInt32(&e.busy, 0)
}

// Controller programs DMA engines and channels to run transfers, tracks
// pending non-blocking transfers, and keeps buffers coherent across the
// host/device boundary via Synchronize.
type Controller struct {
	device  Device
	manager *Manager

	engines []*engine

	mu              sync.Mutex
	pending         map[uint32]*PendingTransfer // keyed by buffer id
	transferCounter uint32

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewController creates a Controller bound to a device handle and the
// buffer manager that owns buffer allocation for it.
func NewController(device Device, manager *Manager) *Controller {
	return &Controller{
		device:  device,
		manager: manager,
		pending: make(map[uint32]*PendingTransfer),
		stopCh:  make(chan struct{}),
	}
}

// Initialize queries the device for its engines, resets each one, and waits
// for its BUSY bit to clear within a 100ms budget.
func (c *Controller) Initialize() error {
	info, err := c.device.GetDMAInfo()
	if err != nil {
		return fmt.Errorf("dma: failed to query engine info: %w", err)
	}

	engines := make([]*engine, 0, len(info.Engines))
	for _, d := range info.Engines {
		engines = append(engines, &engine{descriptor: d})
	}
	c.engines = engines

	for i, e := range c.engines {
		base := ChannelBase(e.descriptor.BaseAddress, 0)
		if err := c.device.WriteRegister(uint32(base+RegControl), CtrlReset); err != nil {
			return fmt.Errorf("dma: engine %d reset failed: %w", i, err)
		}

		deadline := time.Now().Add(100 * time.Millisecond)
		for {
			status, err := c.device.ReadRegister(uint32(base + RegStatus))
			if err != nil {
				return fmt.Errorf("dma: engine %d status read failed: %w", i, err)
			}
			if status&StatusBusy == 0 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("dma: engine %d did not clear BUSY within reset budget", i)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}

	log.WithField("engines", len(c.engines)).Info("DMA controller initialized")
	return nil
}

// AllocateBuffer rejects transfer-incompatible sizes before delegating to
// the buffer manager.
func (c *Controller) AllocateBuffer(size uint32) (Buffer, error) {
	if size == 0 {
		return Buffer{}, fmt.Errorf("dma: cannot allocate a zero-size buffer")
	}
	if size > MaxTransferSize {
		return Buffer{}, fmt.Errorf("dma: requested size %d exceeds max transfer size %d", size, MaxTransferSize)
	}
	return c.manager.Allocate(size)
}

func (c *Controller) claimEngine() (*engine, int, error) {
	for idx, e := range c.engines {
		if e.claim() {
			return e, idx, nil
		}
	}
	return nil, -1, fmt.Errorf("dma: no engine available")
}

func (c *Controller) program(base uint64, buf Buffer, size uint32, direction TransferDirection, transferID uint32) error {
	var srcLow, srcHigh, dstLow, dstHigh uint64
	if direction == HostToDevice {
		srcLow, srcHigh = split64(buf.PhysicalAddr)
		dstLow, dstHigh = split64(buf.DeviceAddr)
	} else {
		srcLow, srcHigh = split64(buf.DeviceAddr)
		dstLow, dstHigh = split64(buf.PhysicalAddr)
	}

	regs := []struct {
		offset uint64
		value  uint32
	}{
		{RegSrcLow, uint32(srcLow)},
		{RegSrcHigh, uint32(srcHigh)},
		{RegDstLow, uint32(dstLow)},
		{RegDstHigh, uint32(dstHigh)},
		{RegSize, size},
		{RegTransferID, transferID},
	}
	for _, r := range regs {
		if err := c.device.WriteRegister(uint32(base+r.offset), r.value); err != nil {
			return err
		}
	}

	control := uint32(CtrlStart | CtrlIRQEn)
	if direction == DeviceToHost {
		control |= CtrlDirD2H
	}
	return c.device.WriteRegister(uint32(base+RegControl), control)
}

func split64(v uint64) (low, high uint64) {
	return v & 0xFFFFFFFF, v >> 32
}

// Transfer validates bounds, claims a free engine, programs channel 0, and
// either blocks until completion or returns immediately after submission
// once a non-blocking transfer has a polling goroutine tracking it.
func (c *Controller) Transfer(buf Buffer, size uint32, direction TransferDirection, mode TransferMode, callback TransferCallback) (TransferResult, error) {
	if size < MinTransferSize || size > MaxTransferSize || size > buf.Size {
		return TransferResult{}, fmt.Errorf("dma: transfer size %d out of bounds for buffer of size %d", size, buf.Size)
	}

	e, engineIdx, err := c.claimEngine()
	if err != nil {
		return TransferResult{Success: false, ErrorMessage: err.Error()}, err
	}

	transferID := atomic.AddUint32(&c.transferCounter, 1)
	base := ChannelBase(e.descriptor.BaseAddress, 0)

	if err := c.program(base, buf, size, direction, transferID); err != nil {
		e.release()
		return TransferResult{}, fmt.Errorf("dma: programming engine %d failed: %w", engineIdx, err)
	}

	if mode == Blocking {
		result := c.pollUntilDone(base)
		if result.Success {
			if syncErr := c.Synchronize(buf, direction); syncErr != nil {
				log.WithError(syncErr).Warn("Post-transfer synchronize failed")
			}
		}
		e.release()
		return result, nil
	}

	pt := &PendingTransfer{Buffer: buf, Size: size, Direction: direction, Callback: callback}
	c.mu.Lock()
	c.pending[buf.ID] = pt
	c.mu.Unlock()

	go func() {
		result := c.pollUntilDone(base)
		if result.Success {
			if syncErr := c.Synchronize(buf, direction); syncErr != nil {
				log.WithError(syncErr).Warn("Post-transfer synchronize failed")
			}
		}
		e.release()
		pt.markDone(result)
	}()

	return TransferResult{Success: true}, nil
}

func (c *Controller) pollUntilDone(base uint64) TransferResult {
	for {
		select {
		case <-c.stopCh:
			return TransferResult{Success: false, ErrorMessage: "dma: controller stopped"}
		default:
		}

		status, err := c.device.ReadRegister(uint32(base + RegStatus))
		if err != nil {
			return TransferResult{Success: false, ErrorMessage: err.Error()}
		}
		if status&StatusDone != 0 {
			transferred, _ := c.device.ReadRegister(uint32(base + RegTransferred))
			return TransferResult{Success: true, BytesTransferred: transferred}
		}
		if status&StatusError != 0 {
			code, _ := c.device.ReadRegister(uint32(base + RegError))
			return TransferResult{Success: false, ErrorCode: int(code), ErrorMessage: "dma: device reported a transfer error"}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// WaitFor blocks until the pending transfer for buf completes or timeout
// elapses (0 = unbounded).
func (c *Controller) WaitFor(buf Buffer, timeout time.Duration) TransferResult {
	c.mu.Lock()
	pt, ok := c.pending[buf.ID]
	c.mu.Unlock()
	if !ok {
		return TransferResult{Success: true}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if completed, result := pt.snapshot(); completed {
			return result
		}
		if timeout > 0 && time.Now().After(deadline) {
			return TransferResult{Success: false, ErrorMessage: "dma: wait_for timed out"}
		}
		time.Sleep(time.Millisecond)
	}
}

// IsComplete reports whether buf has no tracked pending transfer, or has one
// that has finished. An unknown buffer is reported complete: this mirrors
// the reference implementation's conflation of "never submitted" with
// "already completed" rather than silently resolving it.
func (c *Controller) IsComplete(buf Buffer) bool {
	c.mu.Lock()
	pt, ok := c.pending[buf.ID]
	c.mu.Unlock()
	if !ok {
		return true
	}
	completed, _ := pt.snapshot()
	return completed
}

// Synchronize flushes or invalidates host/device caches for buf ahead of or
// after a transfer.
func (c *Controller) Synchronize(buf Buffer, direction TransferDirection) error {
	dir := 0
	if direction == DeviceToHost {
		dir = 1
	}
	return c.device.SyncBuffer(buf.VirtualAddr, buf.Size, dir)
}

// Close aborts any engine still mid-transfer (writing CONTROL=ABORT and
// waiting up to 100ms for BUSY to clear) and stops polling goroutines.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	var errs []error
	for i, e := range c.engines {
		if atomic.LoadInt32(&e.busy) == 0 {
			continue
		}
		base := ChannelBase(e.descriptor.BaseAddress, 0)
		if err := c.device.WriteRegister(uint32(base+RegControl), CtrlAbort); err != nil {
			errs = append(errs, fmt.Errorf("engine %d abort failed: %w", i, err))
			continue
		}
		deadline := time.Now().Add(100 * time.Millisecond)
		for {
			status, err := c.device.ReadRegister(uint32(base + RegStatus))
			if err != nil || status&StatusBusy == 0 {
				break
			}
			if time.Now().After(deadline) {
				errs = append(errs, fmt.Errorf("engine %d did not abort within budget", i))
				break
			}
			time.Sleep(100 * time.Microsecond)
		}
	}

	if len(errs) > 0 {
		msg := "dma: controller shutdown encountered errors"
		for _, e := range errs {
			msg += "; " + e.Error()
		}
		return fmt.Errorf(msg)
	}
	return nil
}

package dma

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Semantic ioctl request numbers for the FPGA/DMA character device. The
// numeric encoding is a driver detail; callers only ever see the Device
// interface these back.
const (
	ioctlGetDMAInfo     = 0x2000
	ioctlMapDMARegion   = 0x2001
	ioctlUnmapDMARegion = 0x2002
	ioctlSyncDMABuffer  = 0x2003
	ioctlAllocDMABuffer = 0x2004
	ioctlFreeDMABuffer  = 0x2005
)

// dmaInfoPayload mirrors the ioctl GET_DMA_INFO response layout.
type dmaInfoPayload struct {
	EngineCount uint32
	_           uint32 // padding to align the array
	Engines     [MaxEngines]struct {
		BaseAddress  uint64
		ChannelCount uint32
		_            uint32
	}
}

// allocPayload mirrors the ioctl ALLOC_DMA_BUFFER request/response layout.
type allocPayload struct {
	Size    uint32
	_       uint32
	Virtual uint64
	Phys    uint64
	Device  uint64
}

// freePayload mirrors the ioctl FREE_DMA_BUFFER request layout.
type freePayload struct {
	Virtual uint64
	Size    uint32
	_       uint32
}

// syncPayload mirrors the ioctl SYNC_DMA_BUFFER request layout.
type syncPayload struct {
	Virtual   uint64
	Size      uint32
	Direction uint32
}

// registerPayload mirrors the WRITE_REGISTER/READ_REGISTER request layout.
type registerPayload struct {
	Address uint32
	Value   uint32
}

const (
	ioctlWriteRegister = 0x2006
	ioctlReadRegister  = 0x2007
)

// RealDevice talks to the accelerator over a character device file using
// the semantic ioctl surface named in the device's register documentation.
type RealDevice struct {
	file *os.File
	fd   uintptr
}

// OpenRealDevice opens the given device path. It does not touch the memory
// map registers until the caller drives it through Controller.Initialize.
func OpenRealDevice(path string) (*RealDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("dma: failed to open device %s: %w", path, err)
	}
	return &RealDevice{file: f, fd: f.Fd()}, nil
}

func (d *RealDevice) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.fd, request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *RealDevice) GetDMAInfo() (EngineInfo, error) {
	var payload dmaInfoPayload
	if err := d.ioctl(ioctlGetDMAInfo, unsafe.Pointer(&payload)); err != nil {
		return EngineInfo{}, fmt.Errorf("dma: GET_DMA_INFO failed: %w", err)
	}

	info := EngineInfo{}
	for i := uint32(0); i < payload.EngineCount && i < MaxEngines; i++ {
		info.Engines = append(info.Engines, EngineDescriptor{
			BaseAddress:  payload.Engines[i].BaseAddress,
			ChannelCount: payload.Engines[i].ChannelCount,
		})
	}
	return info, nil
}

func (d *RealDevice) AllocBuffer(size uint32) (virtualAddr, physicalAddr, deviceAddr uint64, err error) {
	payload := allocPayload{Size: size}
	if ioErr := d.ioctl(ioctlAllocDMABuffer, unsafe.Pointer(&payload)); ioErr != nil {
		return 0, 0, 0, fmt.Errorf("dma: ALLOC_DMA_BUFFER failed: %w", ioErr)
	}
	return payload.Virtual, payload.Phys, payload.Device, nil
}

func (d *RealDevice) FreeBuffer(virtualAddr uint64, size uint32) error {
	payload := freePayload{Virtual: virtualAddr, Size: size}
	if err := d.ioctl(ioctlFreeDMABuffer, unsafe.Pointer(&payload)); err != nil {
		return fmt.Errorf("dma: FREE_DMA_BUFFER failed: %w", err)
	}
	return nil
}

func (d *RealDevice) SyncBuffer(virtualAddr uint64, size uint32, direction int) error {
	payload := syncPayload{Virtual: virtualAddr, Size: size, Direction: uint32(direction)}
	if err := d.ioctl(ioctlSyncDMABuffer, unsafe.Pointer(&payload)); err != nil {
		return fmt.Errorf("dma: SYNC_DMA_BUFFER failed: %w", err)
	}
	return nil
}

func (d *RealDevice) WriteRegister(addr uint32, value uint32) error {
	payload := registerPayload{Address: addr, Value: value}
	if err := d.ioctl(ioctlWriteRegister, unsafe.Pointer(&payload)); err != nil {
		return fmt.Errorf("dma: WRITE_REGISTER(%#x) failed: %w", addr, err)
	}
	return nil
}

func (d *RealDevice) ReadRegister(addr uint32) (uint32, error) {
	payload := registerPayload{Address: addr}
	if err := d.ioctl(ioctlReadRegister, unsafe.Pointer(&payload)); err != nil {
		return 0, fmt.Errorf("dma: READ_REGISTER(%#x) failed: %w", addr, err)
	}
	return payload.Value, nil
}

func (d *RealDevice) Close() error {
	return d.file.Close()
}

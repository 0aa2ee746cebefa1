package accel

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/edonshumolli/satellite-quic-proxy/internal/dma"
)

const registerOpTimeout = 5 * time.Second

// memoryMapper is satisfied by devices that can stage bytes into a DMA
// buffer directly, as a real device would via its mmap'd region. SimDevice
// implements it; RealDevice does not yet, since real mmap wiring is left
// for a follow-up once hardware is available.
type memoryMapper interface {
	BufferBytes(virtualAddr uint64) ([]byte, bool)
}

// Facade is the accelerator's public entry point: three logical engines
// behind one register-mutex protocol, with a byte-compatible software
// fallback.
type Facade struct {
	regMu sync.Mutex // serializes the register protocol end to end per op

	device     dma.Device
	manager    *dma.Manager
	controller *dma.Controller
	simulation bool

	stats Stats
}

// NewFacade constructs a Facade. When device is nil or simulation is true,
// every operation always runs the software fallback; otherwise the register
// protocol is attempted first and only falls back on a step failure.
func NewFacade(device dma.Device, simulation bool) *Facade {
	f := &Facade{device: device, simulation: simulation}
	if device != nil {
		f.manager = dma.NewManager(device)
		f.controller = dma.NewController(device, f.manager)
	}
	return f
}

// Initialize prepares the buffer manager and DMA controller when a device
// is attached. It is a no-op in pure simulation mode.
func (f *Facade) Initialize() error {
	if f.device == nil || f.simulation {
		return nil
	}
	if sim, ok := f.device.(*dma.SimDevice); ok {
		sim.SetAcceleratorExecutor(f.executeAcceleratorOp)
	}
	if err := f.manager.Initialize(); err != nil {
		return fmt.Errorf("accel: buffer manager init failed: %w", err)
	}
	if err := f.controller.Initialize(); err != nil {
		return fmt.Errorf("accel: dma controller init failed: %w", err)
	}
	return nil
}

func (f *Facade) usesDevice() bool {
	return f.device != nil && !f.simulation
}

// executeAcceleratorOp is the SimDevice accelerator executor: it performs
// the operation the register bank just described using the same
// byte-compatible software transforms the CPU fallback uses, so a simulated
// device and a degraded software path always agree on wire output.
func (f *Facade) executeAcceleratorOp(req dma.AcceleratorRequest) dma.AcceleratorResponse {
	switch req.Module {
	case uint32(ModuleCrypto):
		data, err := softwareCrypto(CryptoOp(req.Op), req.Data, req.Key, req.Nonce, req.AAD)
		return dma.AcceleratorResponse{Data: data, Error: err}

	case uint32(ModuleCompression):
		switch CompressionOp(req.Op) {
		case Compress:
			return dma.AcceleratorResponse{Data: softwareCompress(req.Data)}
		case Decompress:
			data, err := softwareDecompress(req.Data)
			return dma.AcceleratorResponse{Data: data, Error: err}
		default:
			return dma.AcceleratorResponse{Error: fmt.Errorf("accel: unknown compression op %d", req.Op)}
		}

	case uint32(ModulePacket):
		switch PacketOp(req.Op) {
		case Framing, Retransmission:
			return dma.AcceleratorResponse{Data: buildFramedPacket(req.ConnectionID, req.PacketNumber, req.Data)}
		case AckProcessing:
			return dma.AcceleratorResponse{Data: buildAckFrame(req.PacketNumber)}
		default:
			return dma.AcceleratorResponse{Error: fmt.Errorf("accel: unknown packet op %d", req.Op)}
		}

	default:
		return dma.AcceleratorResponse{Error: fmt.Errorf("accel: unknown module select %d", req.Module)}
	}
}

// Crypto runs the crypto engine: encrypt or decrypt input under key/nonce
// with aad as additional authenticated data.
func (f *Facade) Crypto(op CryptoOp, input, key, nonce, aad []byte) Result {
	start := time.Now()

	if len(input) == 0 {
		r := failure(1, "accel: crypto input must not be empty", elapsedMs(start))
		f.stats.record(ModuleCrypto, 0, r.ProcessingTimeMs)
		return r
	}

	var data []byte
	var err error
	if f.usesDevice() {
		data, err = f.runCryptoOnDevice(op, input, key, nonce, aad)
		if err != nil {
			log.WithError(err).Debug("Accelerator crypto op fell back to software")
			data, err = softwareCrypto(op, input, key, nonce, aad)
		}
	} else {
		data, err = softwareCrypto(op, input, key, nonce, aad)
	}

	elapsed := elapsedMs(start)
	if err != nil {
		r := failure(2, err.Error(), elapsed)
		f.stats.record(ModuleCrypto, 0, elapsed)
		return r
	}

	r := Result{Success: true, Data: data, BytesProcessed: uint32(len(data)), ProcessingTimeMs: elapsed}
	f.stats.record(ModuleCrypto, r.BytesProcessed, elapsed)
	return r
}

// Compression runs the compression engine: compress or decompress input
// against the fallback-compatible RLE frame format.
func (f *Facade) Compression(op CompressionOp, input []byte) Result {
	start := time.Now()

	var data []byte
	var err error
	if f.usesDevice() && len(input) > 0 {
		data, err = f.runCompressionOnDevice(op, input)
		if err != nil {
			log.WithError(err).Debug("Accelerator compression op fell back to software")
			data, err = softwareCompression(op, input)
		}
	} else {
		data, err = softwareCompression(op, input)
	}

	elapsed := elapsedMs(start)
	if err != nil {
		r := failure(1, err.Error(), elapsed)
		f.stats.record(ModuleCompression, 0, elapsed)
		return r
	}

	r := Result{Success: true, Data: data, BytesProcessed: uint32(len(data)), ProcessingTimeMs: elapsed}
	f.stats.record(ModuleCompression, r.BytesProcessed, elapsed)
	return r
}

// PacketOperation runs the packet engine: framing, ack-frame emission, or a
// retransmission marker, all using the accelerator's native wire format.
func (f *Facade) PacketOperation(op PacketOp, input []byte, connectionID uint64, packetNumber uint32) Result {
	start := time.Now()

	var data []byte
	var err error
	if f.usesDevice() {
		data, err = f.runPacketOperationOnDevice(op, input, connectionID, packetNumber)
		if err != nil {
			log.WithError(err).Debug("Accelerator packet op fell back to software")
			data, err = softwarePacketOperation(op, input, connectionID, packetNumber)
		}
	} else {
		data, err = softwarePacketOperation(op, input, connectionID, packetNumber)
	}

	if err != nil {
		elapsed := elapsedMs(start)
		r := failure(1, err.Error(), elapsed)
		f.stats.record(ModulePacket, 0, elapsed)
		return r
	}

	elapsed := elapsedMs(start)
	r := Result{Success: true, Data: data, BytesProcessed: uint32(len(data)), ProcessingTimeMs: elapsed}
	f.stats.record(ModulePacket, r.BytesProcessed, elapsed)
	return r
}

// Stats returns a point-in-time snapshot of accumulated operation counters.
func (f *Facade) Stats() Snapshot {
	return f.stats.Snapshot()
}

// Close tears down the DMA controller and buffer manager and closes the
// device handle, aggregating any failures from those steps.
func (f *Facade) Close() error {
	if f.device == nil {
		return nil
	}

	var result *multierror.Error
	if f.controller != nil {
		if err := f.controller.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if f.manager != nil {
		if err := f.manager.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := f.device.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// softwareCompression is the CPU fallback dispatch Compression falls back to
// and the byte-compatible computation the simulated device's executor
// performs on its behalf.
func softwareCompression(op CompressionOp, input []byte) ([]byte, error) {
	switch op {
	case Compress:
		return softwareCompress(input), nil
	case Decompress:
		return softwareDecompress(input)
	default:
		return nil, fmt.Errorf("accel: unknown compression op %d", op)
	}
}

// softwarePacketOperation is the CPU fallback dispatch PacketOperation falls
// back to and the byte-compatible computation the simulated device's
// executor performs on its behalf.
func softwarePacketOperation(op PacketOp, input []byte, connectionID uint64, packetNumber uint32) ([]byte, error) {
	switch op {
	case Framing, Retransmission:
		return buildFramedPacket(connectionID, packetNumber, input), nil
	case AckProcessing:
		return buildAckFrame(packetNumber), nil
	default:
		return nil, fmt.Errorf("accel: unknown packet op %d", op)
	}
}

// stagedBuffer is an allocated buffer that input bytes were copied into
// through memoryMapper the way a real device's driver would stage an
// operand before starting the register protocol.
type stagedBuffer struct {
	buf dma.Buffer
}

// regWrite is one register address/value pair, queued up so every operand
// is staged and validated before any register protocol write is issued.
type regWrite struct {
	addr uint32
	val  uint32
}

func (f *Facade) stageInput(mapper memoryMapper, input []byte) (stagedBuffer, error) {
	buf, err := f.manager.Allocate(uint32(len(input)))
	if err != nil {
		return stagedBuffer{}, err
	}
	if mem, ok := mapper.BufferBytes(buf.VirtualAddr); ok {
		copy(mem, input)
	}
	return stagedBuffer{buf: buf}, nil
}

func (f *Facade) freeStaged(bufs ...stagedBuffer) {
	for _, s := range bufs {
		f.manager.Free(s.buf.ID)
	}
}

// pollAcceleratorResult polls AccStatus to completion, bounded by
// registerOpTimeout, then reads AccResultSize bytes back out of resultBuf.
func (f *Facade) pollAcceleratorResult(mapper memoryMapper, resultBuf dma.Buffer) ([]byte, error) {
	deadline := time.Now().Add(registerOpTimeout)
	for {
		status, err := f.device.ReadRegister(dma.AccStatus)
		if err != nil {
			return nil, err
		}
		if status&dma.StatusDone != 0 {
			break
		}
		if status&dma.StatusError != 0 {
			code, _ := f.device.ReadRegister(dma.AccErrorCode)
			return nil, fmt.Errorf("accel: device reported error code %d", code)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("accel: accelerator op timed out after %s", registerOpTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}

	resultSize, err := f.device.ReadRegister(dma.AccResultSize)
	if err != nil {
		return nil, err
	}
	mem, ok := mapper.BufferBytes(resultBuf.VirtualAddr)
	if !ok {
		return nil, fmt.Errorf("accel: result buffer not addressable")
	}
	n := int(resultSize)
	if n > len(mem) {
		n = len(mem)
	}
	out := make([]byte, n)
	copy(out, mem[:n])
	return out, nil
}

// runCryptoOnDevice drives the register protocol for one crypto operation:
// stage input/key/nonce/aad into DMA buffers, program the registers, poll
// to completion, and copy the result back.
func (f *Facade) runCryptoOnDevice(op CryptoOp, input, key, nonce, aad []byte) ([]byte, error) {
	mapper, ok := f.device.(memoryMapper)
	if !ok {
		return nil, fmt.Errorf("accel: device does not support direct buffer staging")
	}

	f.regMu.Lock()
	defer f.regMu.Unlock()

	dataBuf, err := f.stageInput(mapper, input)
	if err != nil {
		return nil, err
	}
	defer f.freeStaged(dataBuf)

	resultBuf, err := f.manager.Allocate(dataBuf.buf.Size)
	if err != nil {
		return nil, err
	}
	defer f.manager.Free(resultBuf.ID)

	regWrites := []regWrite{
		{dma.AccModuleSelect, uint32(ModuleCrypto)},
		{dma.AccOpType, uint32(op)},
		{dma.AccDataAddr, uint32(dataBuf.buf.VirtualAddr)},
		{dma.AccDataSize, uint32(len(input))},
		{dma.AccResultAddr, uint32(resultBuf.VirtualAddr)},
		{dma.AccResultSize, resultBuf.Size},
	}

	if len(key) > 0 {
		keyBuf, err := f.stageInput(mapper, key)
		if err != nil {
			return nil, err
		}
		defer f.freeStaged(keyBuf)
		regWrites = append(regWrites,
			regWrite{dma.AccKeyAddr, uint32(keyBuf.buf.VirtualAddr)},
			regWrite{dma.AccKeySize, uint32(len(key))},
		)
	}
	if len(nonce) > 0 {
		nonceBuf, err := f.stageInput(mapper, nonce)
		if err != nil {
			return nil, err
		}
		defer f.freeStaged(nonceBuf)
		regWrites = append(regWrites,
			regWrite{dma.AccNonceAddr, uint32(nonceBuf.buf.VirtualAddr)},
			regWrite{dma.AccNonceSize, uint32(len(nonce))},
		)
	}
	if len(aad) > 0 {
		aadBuf, err := f.stageInput(mapper, aad)
		if err != nil {
			return nil, err
		}
		defer f.freeStaged(aadBuf)
		regWrites = append(regWrites,
			regWrite{dma.AccAADAddr, uint32(aadBuf.buf.VirtualAddr)},
			regWrite{dma.AccAADSize, uint32(len(aad))},
		)
	}

	for _, w := range regWrites {
		if err := f.device.WriteRegister(w.addr, w.val); err != nil {
			return nil, err
		}
	}
	if err := f.device.WriteRegister(dma.AccControl, dma.CtrlStart); err != nil {
		return nil, err
	}

	return f.pollAcceleratorResult(mapper, resultBuf)
}

// runCompressionOnDevice drives the register protocol for one compression
// operation, mirroring runCryptoOnDevice without the key/nonce/aad operands.
func (f *Facade) runCompressionOnDevice(op CompressionOp, input []byte) ([]byte, error) {
	mapper, ok := f.device.(memoryMapper)
	if !ok {
		return nil, fmt.Errorf("accel: device does not support direct buffer staging")
	}

	f.regMu.Lock()
	defer f.regMu.Unlock()

	dataBuf, err := f.stageInput(mapper, input)
	if err != nil {
		return nil, err
	}
	defer f.freeStaged(dataBuf)

	resultSize := dataBuf.buf.Size
	resultBuf, err := f.manager.Allocate(resultSize)
	if err != nil {
		return nil, err
	}
	defer f.manager.Free(resultBuf.ID)

	if err := f.device.WriteRegister(dma.AccModuleSelect, uint32(ModuleCompression)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccOpType, uint32(op)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccDataAddr, uint32(dataBuf.buf.VirtualAddr)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccDataSize, uint32(len(input))); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccResultAddr, uint32(resultBuf.VirtualAddr)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccResultSize, resultBuf.Size); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccControl, dma.CtrlStart); err != nil {
		return nil, err
	}

	return f.pollAcceleratorResult(mapper, resultBuf)
}

// runPacketOperationOnDevice drives the register protocol for one packet
// engine operation. Framing/Retransmission carry an input payload;
// AckProcessing has none, so the data buffer is only staged when input is
// non-empty, but a result buffer is always allocated since every op
// produces output bytes.
func (f *Facade) runPacketOperationOnDevice(op PacketOp, input []byte, connectionID uint64, packetNumber uint32) ([]byte, error) {
	mapper, ok := f.device.(memoryMapper)
	if !ok {
		return nil, fmt.Errorf("accel: device does not support direct buffer staging")
	}

	f.regMu.Lock()
	defer f.regMu.Unlock()

	var dataAddr uint64
	var dataSize uint32
	if len(input) > 0 {
		dataBuf, err := f.stageInput(mapper, input)
		if err != nil {
			return nil, err
		}
		defer f.freeStaged(dataBuf)
		dataAddr = dataBuf.buf.VirtualAddr
		dataSize = uint32(len(input))
	}

	resultBuf, err := f.manager.Allocate(dataSize + 64)
	if err != nil {
		return nil, err
	}
	defer f.manager.Free(resultBuf.ID)

	if err := f.device.WriteRegister(dma.AccModuleSelect, uint32(ModulePacket)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccOpType, uint32(op)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccDataAddr, uint32(dataAddr)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccDataSize, dataSize); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccConnectionIDHigh, uint32(connectionID>>32)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccConnectionIDLow, uint32(connectionID)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccPacketNumber, packetNumber); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccResultAddr, uint32(resultBuf.VirtualAddr)); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccResultSize, resultBuf.Size); err != nil {
		return nil, err
	}
	if err := f.device.WriteRegister(dma.AccControl, dma.CtrlStart); err != nil {
		return nil, err
	}

	return f.pollAcceleratorResult(mapper, resultBuf)
}

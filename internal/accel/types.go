// Package accel implements the accelerator facade: a three-engine register
// protocol (crypto AEAD, compression, packet framing) with a byte-compatible
// CPU fallback for when no device is attached or simulation is requested.
package accel

import "sync/atomic"

// Module selects which of the accelerator's three logical engines a request
// targets.
type Module uint32

const (
	ModuleCrypto      Module = 1
	ModuleCompression Module = 2
	ModulePacket      Module = 4
)

// CryptoOp selects the crypto engine's operation.
type CryptoOp uint32

const (
	CryptoEncrypt CryptoOp = 1
	CryptoDecrypt CryptoOp = 2
)

// CompressionOp selects the compression engine's operation.
type CompressionOp uint32

const (
	Compress   CompressionOp = 1
	Decompress CompressionOp = 2
)

// PacketOp selects the packet engine's operation.
type PacketOp uint32

const (
	Framing        PacketOp = 1
	AckProcessing  PacketOp = 2
	Retransmission PacketOp = 3
)

// Result is the outcome of a single accelerator operation, whether it ran on
// the device or the software fallback.
type Result struct {
	Success          bool
	Data             []byte
	BytesProcessed   uint32
	ProcessingTimeMs float64
	ErrorCode        int
	ErrorMessage     string
}

// Callback is an optional one-shot consumer of a Result. A nil Callback
// means "no callback".
type Callback func(Result)

func failure(code int, message string, elapsedMs float64) Result {
	return Result{
		Success:          false,
		ErrorCode:        code,
		ErrorMessage:     message,
		ProcessingTimeMs: elapsedMs,
	}
}

// Stats accumulates per-engine operation counts and timing, updated
// atomically on every op path regardless of success.
type Stats struct {
	cryptoOps             uint64
	compressionOps        uint64
	packetOps             uint64
	totalBytes            uint64
	totalProcessingTimeUs uint64
}

func (s *Stats) record(module Module, bytesProcessed uint32, elapsedMs float64) {
	switch module {
	case ModuleCrypto:
		atomic.AddUint64(&s.cryptoOps, 1)
	case ModuleCompression:
		atomic.AddUint64(&s.compressionOps, 1)
	case ModulePacket:
		atomic.AddUint64(&s.packetOps, 1)
	}
	atomic.AddUint64(&s.totalBytes, uint64(bytesProcessed))
	atomic.AddUint64(&s.totalProcessingTimeUs, uint64(elapsedMs*1000))
}

// Snapshot is a point-in-time copy of Stats safe to read without races.
type Snapshot struct {
	CryptoOps             uint64
	CompressionOps        uint64
	PacketOps             uint64
	TotalBytes            uint64
	TotalProcessingTimeMs float64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		CryptoOps:             atomic.LoadUint64(&s.cryptoOps),
		CompressionOps:        atomic.LoadUint64(&s.compressionOps),
		PacketOps:             atomic.LoadUint64(&s.packetOps),
		TotalBytes:            atomic.LoadUint64(&s.totalBytes),
		TotalProcessingTimeMs: float64(atomic.LoadUint64(&s.totalProcessingTimeUs)) / 1000.0,
	}
}

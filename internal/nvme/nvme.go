// Package nvme defines the NVMe command and completion wire structures and
// the helpers the driver needs to build, inspect and name them.
package nvme

import "unsafe"

// I/O opcodes. The driver interprets Write, Read and Dataset Management
// directly; the others serve the name tables and pass through untouched.
const (
	OpcFlush              uint8 = 0x00
	OpcWrite              uint8 = 0x01
	OpcRead               uint8 = 0x02
	OpcWriteUncorrectable uint8 = 0x04
	OpcCompare            uint8 = 0x05
	OpcWriteZeroes        uint8 = 0x08
	OpcDatasetManagement  uint8 = 0x09
)

// Admin opcodes, used by the name tables and raw admin submissions.
const (
	OpcDeleteIOSQ        uint8 = 0x00
	OpcCreateIOSQ        uint8 = 0x01
	OpcGetLogPage        uint8 = 0x02
	OpcDeleteIOCQ        uint8 = 0x04
	OpcCreateIOCQ        uint8 = 0x05
	OpcIdentify          uint8 = 0x06
	OpcAbort             uint8 = 0x08
	OpcSetFeatures       uint8 = 0x09
	OpcGetFeatures       uint8 = 0x0a
	OpcAsyncEventRequest uint8 = 0x0c
	OpcNSManagement      uint8 = 0x0d
	OpcFirmwareCommit    uint8 = 0x10
	OpcFirmwareDownload  uint8 = 0x11
	OpcDeviceSelfTest    uint8 = 0x14
	OpcNSAttachment      uint8 = 0x15
	OpcKeepAlive         uint8 = 0x18
	OpcDirectiveSend     uint8 = 0x19
	OpcDirectiveReceive  uint8 = 0x1a
	OpcVirtMgmt          uint8 = 0x1c
	OpcNVMeMISend        uint8 = 0x1d
	OpcNVMeMIReceive     uint8 = 0x1e
	OpcDoorbellBufferCfg uint8 = 0x7c
	OpcFormatNVM         uint8 = 0x80
	OpcSecuritySend      uint8 = 0x81
	OpcSecurityReceive   uint8 = 0x82
	OpcSanitize          uint8 = 0x84
)

// Cmd is a submission queue entry. Layout must match the NVMe spec exactly
// (64 bytes); it is stored raw in the shared-memory command log.
type Cmd struct {
	Opc   uint8  // opcode
	Flags uint8  // FUSE bits 0-1, PSDT bits 6-7
	Cid   uint16 // command identifier (assigned by the transport)
	Nsid  uint32 // namespace id
	Cdw2  uint32
	Cdw3  uint32
	Mptr  uint64 // metadata pointer
	Prp1  uint64 // data pointer 1
	Prp2  uint64 // data pointer 2
	Cdw10 uint32
	Cdw11 uint32
	Cdw12 uint32
	Cdw13 uint32
	Cdw14 uint32
	Cdw15 uint32
}

// Compile-time size check - SQE is 64 bytes.
var _ [64]byte = [unsafe.Sizeof(Cmd{})]byte{}

// Cpl is a completion queue entry (16 bytes). Dword 2 (SqHead/SqID on the
// wire) is overwritten by the driver with the host-measured latency in
// microseconds before the user callback runs; consumers needing the
// device's original dword 2 content are out of luck.
type Cpl struct {
	Cdw0   uint32
	Rsvd1  uint32
	Dw2    uint32 // sqhd | sqid<<16 on the wire; repurposed as latency_us
	Cid    uint16
	Status uint16 // phase bit 0, SC bits 1-8, SCT bits 9-11
}

// Compile-time size check - CQE is 16 bytes.
var _ [16]byte = [unsafe.Sizeof(Cpl{})]byte{}

// Forged status for read-verify failures: SCT 0x2 (media error),
// SC 0x81 (unrecovered read error).
const (
	SctMediaError        = 0x02
	ScUnrecoveredReadErr = 0x81
)

// StatusCode returns the SC field of the completion status.
func (c *Cpl) StatusCode() uint8 {
	return uint8((c.Status >> 1) & 0xff)
}

// StatusCodeType returns the SCT field of the completion status.
func (c *Cpl) StatusCodeType() uint8 {
	return uint8((c.Status >> 9) & 0x7)
}

// SetStatus overwrites the SCT and SC fields, preserving the phase bit.
func (c *Cpl) SetStatus(sct, sc uint8) {
	c.Status = (c.Status & 0x1) | uint16(sc)<<1 | uint16(sct&0x7)<<9
}

// IsError reports whether the completion carries a non-zero status.
func (c *Cpl) IsError() bool {
	return c.StatusCode() != 0 || c.StatusCodeType() != 0
}

// ErrorValue folds SCT and SC into the 11-bit composite code workloads latch
// as their first observed error.
func (c *Cpl) ErrorValue() uint16 {
	return (c.Status >> 1) & 0x7ff
}

// CmdCallback is invoked once per command when its completion arrives. The
// completion pointer is only valid for the duration of the call.
type CmdCallback func(arg any, cpl *Cpl)

// LatencyUS returns the repurposed dword 2 latency value.
func (c *Cpl) LatencyUS() uint32 {
	return c.Dw2
}

// SetLatencyUS stores the host-measured latency into dword 2.
func (c *Cpl) SetLatencyUS(us uint32) {
	c.Dw2 = us
}

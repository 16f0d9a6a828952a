package nvmetest

import (
	"fmt"

	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/nvme"
	"github.com/hostside/go-nvmetest/internal/oracle"
)

// Namespace is an open namespace with its checksum oracle. Only one
// namespace per controller is supported, with 512-byte sectors.
type Namespace struct {
	c          *Controller
	id         uint32
	sectors    uint64
	sectorSize uint32
	oracle     *oracle.Oracle
}

// OpenNamespace opens a namespace and sizes the checksum oracle to its full
// capacity (4 bytes per block). If the oracle table cannot be reserved,
// verification is disabled and the namespace still opens; a missing token
// region is an error.
func (c *Controller) OpenNamespace(nsid uint32) (*Namespace, error) {
	sectors := c.tr.NumSectors(nsid)
	sectorSize := c.tr.SectorSize(nsid)
	if sectors == 0 {
		return nil, NewError("ns_init", ErrCodeInvalidParameters,
			fmt.Sprintf("namespace %d not found", nsid))
	}

	orc, err := oracle.Init(c.d.mgr, sectors)
	if err != nil {
		return nil, WrapError("ns_init", err)
	}

	ns := &Namespace{
		c:          c,
		id:         nsid,
		sectors:    sectors,
		sectorSize: sectorSize,
		oracle:     orc,
	}

	c.mu.Lock()
	c.ns = ns
	c.mu.Unlock()
	return ns, nil
}

// NumSectors returns the namespace capacity in logical blocks.
func (ns *Namespace) NumSectors() uint64 {
	return ns.sectors
}

// SectorSize returns the logical block size in bytes.
func (ns *Namespace) SectorSize() uint32 {
	return ns.sectorSize
}

// VerifyEnabled reports whether the oracle holds a CRC table for this
// namespace.
func (ns *Namespace) VerifyEnabled() bool {
	return ns.oracle.Enabled()
}

// OracleValue returns the raw oracle slot of one block: 0 unmapped,
// 0xffffffff uncorrectable, anything else the CRC of the last submitted
// write, whether or not the device completed it successfully. Debug and
// test use only.
func (ns *Namespace) OracleValue(lba uint64) uint32 {
	return ns.oracle.Slot(lba)
}

// InvalidateOracle marks a block range unmapped, e.g. after a trim issued
// outside the driver's own DSM path.
func (ns *Namespace) InvalidateOracle(lba, lbaCount uint64) {
	ns.oracle.Invalidate(lba, lbaCount)
}

// MarkUncorrectable marks a block range bad: any later read intersecting it
// completes as an unrecovered read error regardless of the device status.
func (ns *Namespace) MarkUncorrectable(lba, lbaCount uint64) {
	ns.oracle.MarkUncorrectable(lba, lbaCount)
}

// InvalidateOracleAll clears the whole table, for sanitize and format.
func (ns *Namespace) InvalidateOracleAll() {
	ns.oracle.InvalidateAll()
}

// Close releases the namespace's oracle regions.
func (ns *Namespace) Close() error {
	ns.c.mu.Lock()
	if ns.c.ns == ns {
		ns.c.ns = nil
	}
	ns.c.mu.Unlock()
	return ns.oracle.Close()
}

// CmdReadWrite submits one read or write. Writes are stamped and recorded
// in the oracle before the device sees the data: the buffer must carry the
// self-describing payload when it is DMA'd, so a write that later fails
// leaves the oracle ahead of the media (documented behavior; tests assume
// it). The user callback fires from WaitCompletion after the trampoline's
// post-processing.
func (ns *Namespace) CmdReadWrite(isRead bool, qp *Qpair, buf *Buffer,
	length int, lba uint64, lbaCount uint32, ioFlags uint32,
	cb CmdCallback, cbArg any) error {

	if qp == nil || buf == nil || buf.data == nil {
		return NewError("ns_cmd_rw", ErrCodeInvalidParameters, "nil qpair or buffer")
	}
	if ns.sectorSize != constants.SectorSize {
		return NewError("ns_cmd_rw", ErrCodeInvalidParameters,
			fmt.Sprintf("unsupported sector size %d", ns.sectorSize))
	}
	if length < int(lbaCount)*int(ns.sectorSize) {
		return NewError("ns_cmd_rw", ErrCodeInvalidParameters,
			fmt.Sprintf("buffer length %d short of %d blocks", length, lbaCount))
	}
	if ioFlags&0xffff != 0 {
		return NewError("ns_cmd_rw", ErrCodeInvalidParameters,
			"io flags must occupy the upper 16 bits")
	}

	opc := nvme.OpcWrite
	if isRead {
		opc = nvme.OpcRead
	}
	cmd := nvme.Cmd{
		Opc:   opc,
		Nsid:  ns.id,
		Cdw10: uint32(lba),
		Cdw11: uint32(lba >> 32),
		Cdw12: ioFlags | (lbaCount - 1),
	}

	// Stamp the write buffer with lba and token, and record its checksums
	if !isRead {
		ns.oracle.RecordWrite(lba, lbaCount, buf.data, ns.sectorSize)
	}

	slot := ns.c.d.log.Append(qp.id, &cmd, buf.data[:length], lba, lbaCount,
		ns.sectorSize, cb, cbArg)

	return qp.submitIO(&cmd, buf.data[:length], slot)
}

// Read submits one read.
func (ns *Namespace) Read(qp *Qpair, buf *Buffer, lba uint64, lbaCount uint32,
	cb CmdCallback, cbArg any) error {
	return ns.CmdReadWrite(true, qp, buf, int(lbaCount)*int(ns.sectorSize),
		lba, lbaCount, 0, cb, cbArg)
}

// Write submits one write.
func (ns *Namespace) Write(qp *Qpair, buf *Buffer, lba uint64, lbaCount uint32,
	cb CmdCallback, cbArg any) error {
	return ns.CmdReadWrite(false, qp, buf, int(lbaCount)*int(ns.sectorSize),
		lba, lbaCount, 0, cb, cbArg)
}

// Package oracle maintains the host-side data-integrity state for one
// namespace: a per-LBA CRC32C table plus the write token, both in named
// shared memory so cooperating processes verify against the same state.
package oracle

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/shmem"
)

// Sentinel slot values. A CRC that naturally collides with a sentinel is
// biased off it, so these two values are unambiguous.
const (
	slotUnmapped      uint32 = 0x00000000
	slotUncorrectable uint32 = 0xffffffff
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MismatchKind classifies a verification failure.
type MismatchKind int

const (
	// Uncorrectable means the block was explicitly marked bad; any read of
	// it must fail verification regardless of device content.
	Uncorrectable MismatchKind = iota + 1
	// LBAStampMismatch means the self-identifying LBA in the first 8 bytes
	// of the block did not match the address read.
	LBAStampMismatch
	// CRCMismatch means the block content hashed to a different CRC than
	// the last recorded write of that block.
	CRCMismatch
)

func (k MismatchKind) String() string {
	switch k {
	case Uncorrectable:
		return "uncorrectable"
	case LBAStampMismatch:
		return "lba stamp mismatch"
	case CRCMismatch:
		return "crc mismatch"
	default:
		return "unknown"
	}
}

// VerifyError reports the first failing block of a verification pass.
type VerifyError struct {
	Kind     MismatchKind
	LBA      uint64
	Stamp    uint64 // LBA stamp read from the block, for LBAStampMismatch
	Expected uint32
	Got      uint32
}

func (e *VerifyError) Error() string {
	switch e.Kind {
	case CRCMismatch:
		return fmt.Sprintf("verify: crc mismatch at lba 0x%x, expected 0x%x, got 0x%x",
			e.LBA, e.Expected, e.Got)
	case LBAStampMismatch:
		return fmt.Sprintf("verify: lba mismatch, expected 0x%x, got 0x%x", e.LBA, e.Stamp)
	default:
		return fmt.Sprintf("verify: %s at lba 0x%x", e.Kind, e.LBA)
	}
}

// Oracle is the verification state for a single namespace. When the CRC
// table could not be reserved the oracle runs disabled: writes still consume
// tokens and stamp buffers, but nothing is recorded or verified.
type Oracle struct {
	mgr     *shmem.Manager
	table   []uint32 // nil when verification is disabled
	token   *atomic.Uint64
	sectors uint64
}

// Init reserves (primary) or attaches to (secondary) the token and CRC
// regions for a namespace of totalSectors blocks. A missing or unreservable
// CRC table disables verification with a warning; a missing token region is
// an error because write stamping cannot work without it.
func Init(mgr *shmem.Manager, totalSectors uint64) (*Oracle, error) {
	o := &Oracle{mgr: mgr, sectors: totalSectors}
	tableSize := int(totalSectors * 4)

	var tokenReg, tableReg *shmem.Region
	var err error
	if mgr.Primary() {
		logging.Info("creating checksum table", "size", tableSize)
		tableReg, err = mgr.Reserve(constants.RegionCRC32Table, tableSize, shmem.NoIovaContig)
		if err != nil {
			tableReg = nil
		}
		tokenReg, err = mgr.Reserve(constants.RegionIOToken, 8, 0)
		if err != nil {
			return nil, fmt.Errorf("oracle: reserve token region: %w", err)
		}
	} else {
		tableReg, _ = mgr.Lookup(constants.RegionCRC32Table)
		tokenReg, err = mgr.Lookup(constants.RegionIOToken)
		if err != nil {
			return nil, fmt.Errorf("oracle: token region not found: %w", err)
		}
	}

	if tableReg == nil {
		logging.Error("memory is not large enough to keep CRC32 of the whole drive data, data verification is disabled")
	} else {
		o.table = tableReg.Uint32Slice()[:totalSectors]
	}
	o.token = tokenReg.AtomicUint64(0)
	return o, nil
}

// Enabled reports whether read verification is possible.
func (o *Oracle) Enabled() bool {
	return o.table != nil
}

// blockCsum computes the CRC32C of one block, biased off the two sentinel
// values.
func blockCsum(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	if crc == slotUnmapped {
		crc = 1
	}
	if crc == slotUncorrectable {
		crc = 0xfffffffe
	}
	return crc
}

// RecordWrite stamps the write buffer in place and records the CRC of every
// block into the table. Block i carries its LBA in the first 8 bytes and
// token+i in the last 8, so every write of every block is a distinct
// payload. The oracle is updated before the device sees the data; a failed
// write therefore leaves the table ahead of the media, and a later read of
// that LBA flags a mismatch (tests depend on this).
func (o *Oracle) RecordWrite(lba uint64, lbaCount uint32, buf []byte, sectorSize uint32) {
	token := o.token.Add(uint64(lbaCount)) - uint64(lbaCount)

	for i := uint32(0); i < lbaCount; i++ {
		block := buf[i*sectorSize : (i+1)*sectorSize]
		binary.LittleEndian.PutUint64(block[:8], lba)
		binary.LittleEndian.PutUint64(block[sectorSize-8:], token+uint64(i))

		if o.table != nil {
			o.table[lba] = blockCsum(block)
		}
		lba++
	}
}

// Verify checks read data block by block against the table. Unmapped blocks
// are skipped; an uncorrectable sentinel, a bad LBA stamp or a CRC mismatch
// stops the walk and reports the offending block. A disabled oracle verifies
// nothing.
func (o *Oracle) Verify(lba uint64, lbaCount uint32, buf []byte, sectorSize uint32) error {
	if o.table == nil {
		return nil
	}

	for i := uint32(0); i < lbaCount; i++ {
		block := buf[i*sectorSize : (i+1)*sectorSize]
		expected := o.table[lba]

		if expected == slotUnmapped {
			lba++
			continue
		}
		if expected == slotUncorrectable {
			logging.Warn("lba uncorrectable", "lba", lba)
			return &VerifyError{Kind: Uncorrectable, LBA: lba}
		}

		if stamp := binary.LittleEndian.Uint64(block[:8]); stamp != lba {
			logging.Warn("lba mismatch", "lba", lba, "got", stamp)
			return &VerifyError{Kind: LBAStampMismatch, LBA: lba, Stamp: stamp}
		}
		if computed := blockCsum(block); computed != expected {
			logging.Warn("crc mismatch", "lba", lba, "expected", expected, "got", computed)
			return &VerifyError{Kind: CRCMismatch, LBA: lba, Expected: expected, Got: computed}
		}
		lba++
	}
	return nil
}

// Invalidate marks blocks unmapped, e.g. after a trim. Reads of unmapped
// blocks are not verified.
func (o *Oracle) Invalidate(lba uint64, lbaCount uint64) {
	o.fill(lba, lbaCount, 0x00)
}

// MarkUncorrectable marks blocks bad; any later read intersecting them must
// complete as an unrecovered read error.
func (o *Oracle) MarkUncorrectable(lba uint64, lbaCount uint64) {
	o.fill(lba, lbaCount, 0xff)
}

// InvalidateAll clears the whole table, for sanitize and format.
func (o *Oracle) InvalidateAll() {
	if o.table != nil {
		logging.Debug("clear the whole checksum table")
		o.fill(0, o.sectors, 0x00)
	}
}

func (o *Oracle) fill(lba, lbaCount uint64, c byte) {
	if o.table == nil {
		return
	}
	logging.Debug("clear checksum table", "lba", lba, "pattern", c, "count", lbaCount)
	pattern := uint32(c) | uint32(c)<<8 | uint32(c)<<16 | uint32(c)<<24
	end := lba + lbaCount
	if end > uint64(len(o.table)) {
		end = uint64(len(o.table))
	}
	for i := lba; i < end; i++ {
		o.table[i] = pattern
	}
}

// Slot returns the raw table value of one block, or 0 when the oracle is
// disabled or the LBA is out of range. Debug and test use only.
func (o *Oracle) Slot(lba uint64) uint32 {
	if o.table == nil || lba >= uint64(len(o.table)) {
		return 0
	}
	return o.table[lba]
}

// Token returns the current write-token value, for tests and debug dumps.
func (o *Oracle) Token() uint64 {
	return o.token.Load()
}

// Close releases the oracle's regions in the primary; secondaries just drop
// their mappings.
func (o *Oracle) Close() error {
	if o.mgr.Primary() {
		if o.table != nil {
			if err := o.mgr.Free(constants.RegionCRC32Table); err != nil {
				return err
			}
		}
		return o.mgr.Free(constants.RegionIOToken)
	}
	return nil
}

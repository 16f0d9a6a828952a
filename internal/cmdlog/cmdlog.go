// Package cmdlog keeps a fixed-depth ring of command/completion pairs per
// queue pair. The raw entries live in a named shared-memory region so other
// processes (the RPC server's readers) can inspect the most recent commands;
// buffer references and user callbacks stay in a process-local side table,
// since pointers mean nothing across address spaces.
package cmdlog

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/nvme"
	"github.com/hostside/go-nvmetest/internal/shmem"
)

// rawEntry is the shared-memory image of one logged command. Fixed size,
// cacheline padded, native layout.
type rawEntry struct {
	TimeCmdSec  int64
	TimeCmdNsec int64
	Cmd         nvme.Cmd
	TimeCplSec  int64
	TimeCplNsec int64
	Cpl         nvme.Cpl
	LBA         uint64
	LBACount    uint16
	_           uint16
	LBASize     uint32
	_           [8]uint64
}

// Compile-time size check - three cachelines per entry.
var _ [constants.CmdLogEntrySz]byte = [unsafe.Sizeof(rawEntry{})]byte{}

// qpairLogRaw is one qpair's ring plus its tail word. The tail block
// occupies the space of the 2048th entry, keeping the table a whole number
// of entry-sized slots.
type qpairLogRaw struct {
	Entries [constants.CmdLogDepth]rawEntry
	Tail    uint32
	_       [47]uint32
}

var _ [constants.CmdLogEntrySz * (constants.CmdLogDepth + 1)]byte = [unsafe.Sizeof(qpairLogRaw{})]byte{}

type tableRaw [constants.CmdLogMaxQ]qpairLogRaw

// Slot is the process-local state of one in-flight ring entry. Its address
// is stable for the life of the table, so it doubles as the context pointer
// handed to the transport: the completion finds its log entry in O(1).
type Slot struct {
	qid uint16
	idx uint32
	raw *rawEntry

	// Read-verification context, borrowed from the submitter.
	Buf      []byte
	LBA      uint64
	LBACount uint32
	LBASize  uint32

	// User callback fired by the trampoline after post-processing.
	Cb    nvme.CmdCallback
	CbArg any
}

// Opcode returns the logged command's opcode.
func (s *Slot) Opcode() uint8 {
	return s.raw.Cmd.Opc
}

// Complete stamps the completion time, copies the completion into the log
// and writes the host-measured latency in microseconds into its dword 2.
// It returns the logged completion, which the caller may still amend (the
// verify path overwrites the status in place) before running the user
// callback.
func (s *Slot) Complete(cpl *nvme.Cpl) *nvme.Cpl {
	now := time.Now()
	s.raw.TimeCplSec = now.Unix()
	s.raw.TimeCplNsec = int64(now.Nanosecond())
	s.raw.Cpl = *cpl

	cmdTime := time.Unix(s.raw.TimeCmdSec, s.raw.TimeCmdNsec)
	s.raw.Cpl.SetLatencyUS(uint32(now.Sub(cmdTime).Microseconds()))
	return &s.raw.Cpl
}

// Table is the per-controller command log, a ring per qpair.
type Table struct {
	mgr   *shmem.Manager
	raw   *tableRaw
	slots [constants.CmdLogMaxQ][]Slot
}

// Init reserves (primary) or attaches to (secondary) the cmdlog region.
// The primary clears every qpair's ring.
func Init(mgr *shmem.Manager) (*Table, error) {
	size := int(unsafe.Sizeof(tableRaw{}))

	var region *shmem.Region
	var err error
	if mgr.Primary() {
		region, err = mgr.Reserve(constants.RegionCmdLogTable, size, shmem.NoIovaContig)
	} else {
		region, err = mgr.Lookup(constants.RegionCmdLogTable)
	}
	if err != nil {
		return nil, fmt.Errorf("cmdlog: region unavailable: %w", err)
	}

	t := &Table{
		mgr: mgr,
		raw: (*tableRaw)(region.Pointer()),
	}
	if mgr.Primary() {
		for qid := uint16(0); qid < constants.CmdLogMaxQ; qid++ {
			t.ClearQpair(qid)
		}
	}
	return t, nil
}

// InitQpair activates a qpair's ring: tail to zero, side table allocated.
func (t *Table) InitQpair(qid uint16) error {
	if qid >= constants.CmdLogMaxQ {
		return fmt.Errorf("cmdlog: qpair id %d out of range", qid)
	}
	atomic.StoreUint32(&t.raw[qid].Tail, 0)
	if t.slots[qid] == nil {
		t.slots[qid] = make([]Slot, constants.CmdLogDepth)
	}
	return nil
}

// ClearQpair deactivates a qpair's ring by parking the tail at the depth
// sentinel. The entries stay in memory for post-mortem reads.
func (t *Table) ClearQpair(qid uint16) {
	atomic.StoreUint32(&t.raw[qid].Tail, constants.CmdLogDepth)
}

// Active reports whether a qpair's ring is in use.
func (t *Table) Active(qid uint16) bool {
	return t.Tail(qid) < constants.CmdLogDepth
}

// Tail returns a qpair's current tail index.
func (t *Table) Tail(qid uint16) uint32 {
	return atomic.LoadUint32(&t.raw[qid].Tail)
}

// Append records a command into the next ring slot, stamps the submission
// time and advances the tail. Only the qpair's owning thread may append.
// The returned slot is what the transport carries as completion context.
func (t *Table) Append(qid uint16, cmd *nvme.Cmd, buf []byte, lba uint64,
	lbaCount uint32, lbaSize uint32, cb nvme.CmdCallback, cbArg any) *Slot {

	q := &t.raw[qid]
	tail := atomic.LoadUint32(&q.Tail)
	if tail >= constants.CmdLogDepth {
		panic(fmt.Sprintf("cmdlog: append to cleared qpair %d", qid))
	}

	raw := &q.Entries[tail]
	raw.Cmd = *cmd
	raw.Cpl = nvme.Cpl{}
	raw.LBA = lba
	raw.LBACount = uint16(lbaCount)
	raw.LBASize = lbaSize
	now := time.Now()
	raw.TimeCmdSec = now.Unix()
	raw.TimeCmdNsec = int64(now.Nanosecond())
	raw.TimeCplSec = 0
	raw.TimeCplNsec = 0

	slot := &t.slots[qid][tail]
	*slot = Slot{
		qid:      qid,
		idx:      tail,
		raw:      raw,
		Buf:      buf,
		LBA:      lba,
		LBACount: lbaCount,
		LBASize:  lbaSize,
		Cb:       cb,
		CbArg:    cbArg,
	}

	tail++
	if tail == constants.CmdLogDepth {
		tail = 0
	}
	atomic.StoreUint32(&q.Tail, tail)
	return slot
}

// LastOpcodes walks backward from the tail and returns the opcodes of the k
// most recently appended commands, newest first. Readers tolerate torn data
// in in-flight slots; this is debug output only.
func (t *Table) LastOpcodes(qid uint16, k int) []uint8 {
	tail := t.Tail(qid)
	if tail >= constants.CmdLogDepth {
		return nil
	}
	opcodes := make([]uint8, 0, k)
	for j := 0; j < k; j++ {
		idx := (tail + constants.CmdLogDepth - 1 - uint32(j)) % constants.CmdLogDepth
		opcodes = append(opcodes, t.raw[qid].Entries[idx].Cmd.Opc)
	}
	return opcodes
}

// Entry is a copied-out log record for dumps and tests.
type Entry struct {
	Cmd     nvme.Cmd
	Cpl     nvme.Cpl
	TimeCmd time.Time
	TimeCpl time.Time
	LBA     uint64
}

// EntryAt copies out the record at idx.
func (t *Table) EntryAt(qid uint16, idx uint32) Entry {
	raw := &t.raw[qid].Entries[idx]
	return Entry{
		Cmd:     raw.Cmd,
		Cpl:     raw.Cpl,
		TimeCmd: time.Unix(raw.TimeCmdSec, raw.TimeCmdNsec),
		TimeCpl: time.Unix(raw.TimeCplSec, raw.TimeCplNsec),
		LBA:     raw.LBA,
	}
}

// Dump writes the count most recent entries of a qpair's ring, oldest
// first, starting count slots back from the tail. A cleared qpair is walked
// as if its tail were slot 0. count <= 0 or beyond the depth dumps the whole
// ring. The cmdlog is not the SQ/CQ; it keeps cmd/cpl pairs for test debug
// only.
func (t *Table) Dump(w io.Writer, qid uint16, count int) {
	if count <= 0 || count > constants.CmdLogDepth {
		count = constants.CmdLogDepth
	}

	tail := t.Tail(qid)
	fmt.Fprintf(w, "dump qpair %d, latest tail in cmdlog: %d\n", qid, tail)
	admin := qid == constants.AdminQueueID
	start := (tail + 2*constants.CmdLogDepth - uint32(count)) % constants.CmdLogDepth
	for n := 0; n < count; n++ {
		i := (start + uint32(n)) % constants.CmdLogDepth
		raw := &t.raw[qid].Entries[i]
		name := nvme.IOCmdName(raw.Cmd.Opc)
		if admin {
			name = nvme.AdminCmdName(raw.Cmd.Opc)
		}
		tc := time.Unix(raw.TimeCmdSec, raw.TimeCmdNsec)
		tp := time.Unix(raw.TimeCplSec, raw.TimeCplNsec)
		fmt.Fprintf(w, "index %d, %s\n", i, tc.Format("2006-01-02 15:04:05.000000"))
		fmt.Fprintf(w, "  cmd: %s (0x%02x), nsid %d, cdw10 0x%08x, cdw11 0x%08x, cdw12 0x%08x\n",
			name, raw.Cmd.Opc, raw.Cmd.Nsid, raw.Cmd.Cdw10, raw.Cmd.Cdw11, raw.Cmd.Cdw12)
		fmt.Fprintf(w, "index %d, %s\n", i, tp.Format("2006-01-02 15:04:05.000000"))
		fmt.Fprintf(w, "  cpl: cdw0 0x%08x, latency %dus, sct 0x%x, sc 0x%02x\n",
			raw.Cpl.Cdw0, raw.Cpl.LatencyUS(), raw.Cpl.StatusCodeType(), raw.Cpl.StatusCode())
	}
}

// Close releases the cmdlog region in the primary.
func (t *Table) Close() error {
	if t.mgr.Primary() {
		return t.mgr.Free(constants.RegionCmdLogTable)
	}
	return nil
}

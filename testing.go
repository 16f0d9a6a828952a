package nvmetest

import (
	"sync"
	"time"

	"github.com/hostside/go-nvmetest/internal/interfaces"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// MockController simulates an NVMe controller over a RAM namespace so the
// whole submit/log/verify pipeline can run hermetically. Read, Write and
// Dataset Management commands execute against the backing store; everything
// else completes successfully without a data phase. Completions queue at
// submit time and are delivered by Poll, like a real transport.
type MockController struct {
	mu         sync.Mutex
	data       []byte
	sectors    uint64
	sectorSize uint32
	maxXfer    uint32

	nextQID uint16
	nextCID uint16
	queues  map[uint16]*MockQpair
	admin   *MockQpair

	forcedStatus uint16
	forcedCount  int

	timeout   time.Duration
	timeoutCb interfaces.TimeoutFn
}

// MockQpair is a queue pair of a MockController.
type MockQpair struct {
	id      uint16
	pending []mockCompletion
}

// ID implements the transport qpair interface.
func (q *MockQpair) ID() uint16 {
	return q.id
}

type mockCompletion struct {
	cb  nvme.CmdCallback
	ctx any
	cpl nvme.Cpl
}

// NewMockController creates a mock with a single namespace (nsid 1) of the
// given capacity in 512-byte blocks.
func NewMockController(sectors uint64) *MockController {
	return &MockController{
		data:       make([]byte, sectors*512),
		sectors:    sectors,
		sectorSize: 512,
		maxXfer:    128 * 1024,
		queues:     make(map[uint16]*MockQpair),
		admin:      &MockQpair{id: 0},
	}
}

// Data exposes the raw namespace content so tests can corrupt or inspect
// the media directly.
func (m *MockController) Data() []byte {
	return m.data
}

// SetMaxXferSize overrides the advertised max transfer size.
func (m *MockController) SetMaxXferSize(size uint32) {
	m.maxXfer = size
}

// ForceStatus makes the next count completions carry the given status
// fields instead of success.
func (m *MockController) ForceStatus(sct, sc uint8, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedStatus = uint16(sc)<<1 | uint16(sct&0x7)<<9
	m.forcedCount = count
}

func (m *MockController) execute(cmd *nvme.Cmd, buf []byte) nvme.Cpl {
	var cpl nvme.Cpl
	m.nextCID++
	cpl.Cid = m.nextCID

	if m.forcedCount > 0 {
		m.forcedCount--
		cpl.Status = m.forcedStatus
		return cpl
	}

	switch cmd.Opc {
	case nvme.OpcRead, nvme.OpcWrite:
		lba := uint64(cmd.Cdw10) | uint64(cmd.Cdw11)<<32
		count := uint64(cmd.Cdw12&0xffff) + 1
		if lba+count > m.sectors {
			cpl.SetStatus(0, 0x02) // Invalid Field in Command
			return cpl
		}
		off := lba * uint64(m.sectorSize)
		n := count * uint64(m.sectorSize)
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		if cmd.Opc == nvme.OpcRead {
			copy(buf[:n], m.data[off:])
		} else {
			copy(m.data[off:], buf[:n])
		}
	case nvme.OpcDatasetManagement:
		// deallocate: drop the trimmed blocks to zero, the device may
		// legally return anything for them afterwards
		ranges := int(cmd.Cdw10&0xff) + 1
		for i := 0; i < ranges && (i+1)*nvme.DsmRangeSize <= len(buf); i++ {
			r := nvme.GetDsmRange(buf[i*nvme.DsmRangeSize:])
			if r.StartingLBA >= m.sectors {
				continue
			}
			off := r.StartingLBA * uint64(m.sectorSize)
			end := off + uint64(r.Length)*uint64(m.sectorSize)
			if end > uint64(len(m.data)) {
				end = uint64(len(m.data))
			}
			for j := off; j < end; j++ {
				m.data[j] = 0
			}
		}
	}
	return cpl
}

// SubmitIO implements the transport interface.
func (m *MockController) SubmitIO(qp interfaces.Qpair, cmd *nvme.Cmd, buf []byte,
	cb nvme.CmdCallback, ctx any) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	q := qp.(*MockQpair)
	cpl := m.execute(cmd, buf)
	q.pending = append(q.pending, mockCompletion{cb: cb, ctx: ctx, cpl: cpl})
	return nil
}

// SubmitAdmin implements the transport interface.
func (m *MockController) SubmitAdmin(cmd *nvme.Cmd, buf []byte,
	cb nvme.CmdCallback, ctx any) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	cpl := m.execute(cmd, buf)
	m.admin.pending = append(m.admin.pending, mockCompletion{cb: cb, ctx: ctx, cpl: cpl})
	return nil
}

// Poll implements the transport interface.
func (m *MockController) Poll(qp interfaces.Qpair, max uint32) (int, error) {
	m.mu.Lock()
	q := m.admin
	if qp != nil {
		q = qp.(*MockQpair)
	}
	n := len(q.pending)
	if max > 0 && int(max) < n {
		n = int(max)
	}
	batch := make([]mockCompletion, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	m.mu.Unlock()

	// callbacks run outside the lock so they may submit again
	for i := range batch {
		batch[i].cb(batch[i].ctx, &batch[i].cpl)
	}
	return n, nil
}

// AllocQpair implements the transport interface. IDs are handed out
// sequentially from 1 with no upper bound; the driver layer enforces its
// own qpair cap.
func (m *MockController) AllocQpair(prio, depth int) (interfaces.Qpair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextQID++
	q := &MockQpair{id: m.nextQID}
	m.queues[q.id] = q
	return q, nil
}

// FreeQpair implements the transport interface. Pending completions are
// flushed through their callbacks before the queue goes away.
func (m *MockController) FreeQpair(qp interfaces.Qpair) error {
	q := qp.(*MockQpair)

	m.mu.Lock()
	batch := q.pending
	q.pending = nil
	delete(m.queues, q.id)
	m.mu.Unlock()

	for i := range batch {
		batch[i].cb(batch[i].ctx, &batch[i].cpl)
	}
	return nil
}

// NumSectors implements the transport interface.
func (m *MockController) NumSectors(nsid uint32) uint64 {
	if nsid != 1 {
		return 0
	}
	return m.sectors
}

// SectorSize implements the transport interface.
func (m *MockController) SectorSize(nsid uint32) uint32 {
	return m.sectorSize
}

// MaxXferSize implements the transport interface.
func (m *MockController) MaxXferSize() uint32 {
	return m.maxXfer
}

// RegisterTimeoutCallback implements the transport interface. The mock
// completes everything instantly, so the callback never fires.
func (m *MockController) RegisterTimeoutCallback(timeout time.Duration, cb interfaces.TimeoutFn) {
	m.timeout = timeout
	m.timeoutCb = cb
}

// Close implements the transport interface.
func (m *MockController) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Compile-time interface check
var _ interfaces.Controller = (*MockController)(nil)

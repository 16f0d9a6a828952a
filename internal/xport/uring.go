//go:build linux

// Package xport provides the io_uring NVMe passthrough transport: commands
// go to the kernel NVMe driver through the namespace character device
// (/dev/ngXnY) and the controller device (/dev/nvmeX) as NVME_URING_CMD
// operations on SQE128/CQE32 rings.
package xport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/hostside/go-nvmetest/internal/interfaces"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// NVMe uring_cmd opcodes, ioctl-encoded: _IOWR('N', nr, struct nvme_uring_cmd).
const (
	uringCmdSize = 72

	nvmeUringCmdIO    = (3 << 30) | (uringCmdSize << 16) | (0x4e << 8) | 0x80
	nvmeUringCmdAdmin = (3 << 30) | (uringCmdSize << 16) | (0x4e << 8) | 0x82
)

// sqeCmdOffset is where the nvme_uring_cmd payload starts inside a 128-byte
// SQE.
const sqeCmdOffset = 48

// nvmeUringCmd mirrors struct nvme_uring_cmd from the kernel uapi.
type nvmeUringCmd struct {
	Opcode      uint8
	Flags       uint8
	Rsvd1       uint16
	Nsid        uint32
	Cdw2        uint32
	Cdw3        uint32
	Metadata    uint64
	Addr        uint64
	MetadataLen uint32
	DataLen     uint32
	Cdw10       uint32
	Cdw11       uint32
	Cdw12       uint32
	Cdw13       uint32
	Cdw14       uint32
	Cdw15       uint32
	TimeoutMs   uint32
	Rsvd2       uint32
}

// Compile-time size check against the uapi struct.
var _ [uringCmdSize]byte = [unsafe.Sizeof(nvmeUringCmd{})]byte{}

type pendingCmd struct {
	cb  nvme.CmdCallback
	ctx any
	buf []byte // pinned for the duration of the command
}

// ringQpair is one emulated queue pair: a private io_uring instance. The
// character-device interface exposes no hardware queue selection, so a
// qpair here buys submission/completion isolation per owning thread, not a
// specific hardware SQ.
type ringQpair struct {
	id   uint16
	ring *giouring.Ring
	fd   int32 // target char device
	op   uint32

	nextTag uint64
	pending map[uint64]*pendingCmd
}

func (q *ringQpair) ID() uint16 {
	return q.id
}

// Controller is an io_uring passthrough NVMe controller.
type Controller struct {
	nsPath   string
	ctrlPath string
	nsFd     int
	ctrlFd   int

	adminQ *ringQpair

	mu      sync.Mutex
	nextQID uint16
	queues  map[uint16]*ringQpair

	sectors    uint64
	sectorSize uint32
	maxXfer    uint32

	timeoutMs uint32
	timeoutCb interfaces.TimeoutFn

	logger *logging.Logger
}

// Attach opens the namespace and controller character devices and probes
// the namespace geometry with an Identify round trip.
func Attach(nsPath, ctrlPath string, depth int) (*Controller, error) {
	nsFd, err := unix.Open(nsPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("xport: open %s: %w", nsPath, err)
	}
	ctrlFd, err := unix.Open(ctrlPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(nsFd)
		return nil, fmt.Errorf("xport: open %s: %w", ctrlPath, err)
	}

	c := &Controller{
		nsPath:   nsPath,
		ctrlPath: ctrlPath,
		nsFd:     nsFd,
		ctrlFd:   ctrlFd,
		queues:   make(map[uint16]*ringQpair),
		logger:   logging.Default().WithController(nsPath),
	}

	c.adminQ, err = c.newRingQpair(0, int32(ctrlFd), nvmeUringCmdAdmin, depth)
	if err != nil {
		c.Close()
		return nil, err
	}

	if err := c.identify(); err != nil {
		c.Close()
		return nil, err
	}

	c.logger.Info("attached nvme char device",
		"sectors", c.sectors, "sector_size", c.sectorSize, "max_xfer", c.maxXfer)
	return c, nil
}

func (c *Controller) newRingQpair(id uint16, fd int32, op uint32, depth int) (*ringQpair, error) {
	if depth <= 0 {
		depth = 64
	}
	// nvme_uring_cmd needs the big SQE layout, and the result dword rides
	// in the big CQE
	ring, err := giouring.CreateRingWithFlags(uint32(depth),
		giouring.SetupSQE128|giouring.SetupCQE32)
	if err != nil {
		return nil, fmt.Errorf("xport: create ring: %w", err)
	}
	return &ringQpair{
		id:      id,
		ring:    ring,
		fd:      fd,
		op:      op,
		pending: make(map[uint64]*pendingCmd),
	}, nil
}

// identify issues Identify Namespace and Identify Controller synchronously
// to learn nsze, the LBA format and MDTS.
func (c *Controller) identify() error {
	buf := make([]byte, 4096)

	// Identify Namespace (CNS 0)
	idNs := &nvme.Cmd{Opc: 0x06, Nsid: 1, Cdw10: 0}
	if err := c.adminRoundTrip(idNs, buf); err != nil {
		return fmt.Errorf("xport: identify namespace: %w", err)
	}
	c.sectors = binary.LittleEndian.Uint64(buf[0:8])
	flbas := buf[26] & 0xf
	lbads := buf[128+4*int(flbas)+2]
	c.sectorSize = 1 << lbads

	// Identify Controller (CNS 1)
	idCtrl := &nvme.Cmd{Opc: 0x06, Nsid: 0, Cdw10: 1}
	if err := c.adminRoundTrip(idCtrl, buf); err != nil {
		return fmt.Errorf("xport: identify controller: %w", err)
	}
	mdts := buf[77]
	if mdts == 0 {
		c.maxXfer = 1 << 20
	} else {
		// MDTS is in units of the minimum memory page size, 4KiB here
		c.maxXfer = 4096 << mdts
	}
	return nil
}

func (c *Controller) adminRoundTrip(cmd *nvme.Cmd, buf []byte) error {
	done := false
	var status uint16
	err := c.submit(c.adminQ, cmd, buf, func(_ any, cpl *nvme.Cpl) {
		done = true
		status = (cpl.Status >> 1) & 0x7ff
	}, nil)
	if err != nil {
		return err
	}
	for !done {
		if _, err := c.Poll(nil, 0); err != nil {
			return err
		}
	}
	if status != 0 {
		return fmt.Errorf("admin command failed, status 0x%03x", status)
	}
	return nil
}

// submit places one nvme_uring_cmd into the qpair's SQE128 slot.
func (c *Controller) submit(q *ringQpair, cmd *nvme.Cmd, buf []byte,
	cb nvme.CmdCallback, ctx any) error {

	sqe := q.ring.GetSQE()
	if sqe == nil {
		// ring full: push what we have and retry once
		if _, err := q.ring.Submit(); err != nil {
			return fmt.Errorf("xport: submit: %w", err)
		}
		if sqe = q.ring.GetSQE(); sqe == nil {
			return unix.EAGAIN
		}
	}

	q.nextTag++
	tag := q.nextTag
	q.pending[tag] = &pendingCmd{cb: cb, ctx: ctx, buf: buf}

	sqe.OpCode = giouring.OpUringCmd
	sqe.Fd = q.fd
	sqe.Off = uint64(q.op) // cmd_op union
	sqe.UserData = tag

	ucmd := (*nvmeUringCmd)(unsafe.Pointer(uintptr(unsafe.Pointer(sqe)) + sqeCmdOffset))
	*ucmd = nvmeUringCmd{
		Opcode:    cmd.Opc,
		Nsid:      cmd.Nsid,
		Cdw2:      cmd.Cdw2,
		Cdw3:      cmd.Cdw3,
		Cdw10:     cmd.Cdw10,
		Cdw11:     cmd.Cdw11,
		Cdw12:     cmd.Cdw12,
		Cdw13:     cmd.Cdw13,
		Cdw14:     cmd.Cdw14,
		Cdw15:     cmd.Cdw15,
		TimeoutMs: c.timeoutMs,
	}
	if len(buf) > 0 {
		ucmd.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		ucmd.DataLen = uint32(len(buf))
	}

	if _, err := q.ring.Submit(); err != nil {
		delete(q.pending, tag)
		return fmt.Errorf("xport: submit: %w", err)
	}
	return nil
}

// SubmitIO implements the transport interface.
func (c *Controller) SubmitIO(qp interfaces.Qpair, cmd *nvme.Cmd, buf []byte,
	cb nvme.CmdCallback, ctx any) error {
	return c.submit(qp.(*ringQpair), cmd, buf, cb, ctx)
}

// SubmitAdmin implements the transport interface.
func (c *Controller) SubmitAdmin(cmd *nvme.Cmd, buf []byte,
	cb nvme.CmdCallback, ctx any) error {
	return c.submit(c.adminQ, cmd, buf, cb, ctx)
}

// Poll implements the transport interface: reap CQEs and fire callbacks on
// the calling thread.
func (c *Controller) Poll(qp interfaces.Qpair, max uint32) (int, error) {
	q := c.adminQ
	if qp != nil {
		q = qp.(*ringQpair)
	}

	batch := 64
	if max > 0 && int(max) < batch {
		batch = int(max)
	}
	cqes := make([]*giouring.CompletionQueueEvent, batch)

	total := 0
	for {
		n := q.ring.PeekBatchCQE(cqes)
		if n == 0 {
			break
		}
		for _, cqe := range cqes[:n] {
			c.complete(q, cqe)
		}
		q.ring.CQAdvance(n)
		total += int(n)
		if max > 0 && total >= int(max) {
			break
		}
	}
	return total, nil
}

// complete translates one CQE into an NVMe completion. For passthrough
// commands cqe.res carries the NVMe status (positive) or a negated errno;
// the big-CQE payload carries the command-specific result dword.
func (c *Controller) complete(q *ringQpair, cqe *giouring.CompletionQueueEvent) {
	p, ok := q.pending[cqe.UserData]
	if !ok {
		c.logger.Warn("orphan completion", "user_data", cqe.UserData)
		return
	}
	delete(q.pending, cqe.UserData)

	var cpl nvme.Cpl
	switch {
	case cqe.Res < 0:
		// transport-level failure, surface as a generic internal error
		cpl.SetStatus(0, 0x06)
	case cqe.Res > 0:
		cpl.Status = uint16(cqe.Res) << 1
	}
	if len(cqe.BigCQE) > 0 {
		cpl.Cdw0 = uint32(cqe.BigCQE[0])
	}

	if p.cb != nil {
		p.cb(p.ctx, &cpl)
	}
}

// AllocQpair implements the transport interface. Each qpair is a private
// ring over the namespace char device.
func (c *Controller) AllocQpair(prio, depth int) (interfaces.Qpair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextQID++
	q, err := c.newRingQpair(c.nextQID, int32(c.nsFd), nvmeUringCmdIO, depth)
	if err != nil {
		c.nextQID--
		return nil, err
	}
	c.queues[q.id] = q
	return q, nil
}

// FreeQpair implements the transport interface. Outstanding completions are
// drained before the ring is torn down.
func (c *Controller) FreeQpair(qp interfaces.Qpair) error {
	q := qp.(*ringQpair)

	deadline := time.Now().Add(5 * time.Second)
	for len(q.pending) > 0 && time.Now().Before(deadline) {
		c.Poll(q, 0)
	}

	c.mu.Lock()
	delete(c.queues, q.id)
	c.mu.Unlock()

	q.ring.QueueExit()
	return nil
}

// NumSectors implements the transport interface.
func (c *Controller) NumSectors(nsid uint32) uint64 {
	if nsid != 1 {
		return 0
	}
	return c.sectors
}

// SectorSize implements the transport interface.
func (c *Controller) SectorSize(nsid uint32) uint32 {
	return c.sectorSize
}

// MaxXferSize implements the transport interface.
func (c *Controller) MaxXferSize() uint32 {
	return c.maxXfer
}

// RegisterTimeoutCallback implements the transport interface. The kernel
// enforces the timeout per command; expirations come back as failed CQEs,
// so the callback is only recorded for reporting.
func (c *Controller) RegisterTimeoutCallback(timeout time.Duration, cb interfaces.TimeoutFn) {
	c.timeoutMs = uint32(timeout.Milliseconds())
	c.timeoutCb = cb
}

// Close implements the transport interface.
func (c *Controller) Close() error {
	if c.adminQ != nil {
		c.adminQ.ring.QueueExit()
		c.adminQ = nil
	}
	if c.nsFd > 0 {
		unix.Close(c.nsFd)
		c.nsFd = -1
	}
	if c.ctrlFd > 0 {
		unix.Close(c.ctrlFd)
		c.ctrlFd = -1
	}
	return nil
}

// Compile-time interface check
var _ interfaces.Controller = (*Controller)(nil)

package nvmetest

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hostside/go-nvmetest/internal/cmdlog"
	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/interfaces"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// Transport is the black-box layer below the driver: probe/attach, doorbell
// and completion polling live there. The driver only needs submit and poll.
type Transport = interfaces.Controller

// TransportQpair is a transport-owned queue pair handle.
type TransportQpair = interfaces.Qpair

// TimeoutFn is called when a command exceeds the transport timeout.
type TimeoutFn = interfaces.TimeoutFn

// Controller wraps one attached NVMe controller with the driver's command
// log, verification and metrics machinery.
type Controller struct {
	d      *Driver
	tr     Transport
	addr   string
	logger *logging.Logger
	mtr    *Metrics

	mu     sync.Mutex
	qpairs map[uint16]*Qpair
	ns     *Namespace
}

// AttachController binds an already-probed transport controller to the
// driver.
func (d *Driver) AttachController(tr Transport, addr string) *Controller {
	c := &Controller{
		d:      d,
		tr:     tr,
		addr:   addr,
		logger: d.logger.WithController(addr),
		mtr:    NewMetrics(),
		qpairs: make(map[uint16]*Qpair),
	}
	c.logger.Info("attached controller")
	return c
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.mtr
}

// MaxXferSize returns the controller's max data transfer size in bytes.
func (c *Controller) MaxXferSize() uint32 {
	return c.tr.MaxXferSize()
}

// RegisterTimeoutCallback delegates per-command timeout reporting to the
// transport.
func (c *Controller) RegisterTimeoutCallback(timeout time.Duration, cb TimeoutFn) {
	c.tr.RegisterTimeoutCallback(timeout, cb)
}

// Detach closes the controller. All I/O qpairs must be freed first.
func (c *Controller) Detach() error {
	c.mu.Lock()
	n := len(c.qpairs)
	c.mu.Unlock()
	if n != 0 {
		return NewError("nvme_fini", ErrCodeInvalidParameters,
			fmt.Sprintf("%d io qpairs still active", n))
	}
	c.logger.Debug("close controller")
	return c.tr.Close()
}

// completionTrampoline runs for every completion before the user callback:
// it stamps the completion into the log (latency into dword 2), verifies
// read data when enabled, and forges an unrecovered-read-error status on
// verification failure. The user callback sees the possibly-overwritten
// completion.
func (c *Controller) completionTrampoline(arg any, cpl *nvme.Cpl) {
	slot := arg.(*cmdlog.Slot)
	logged := slot.Complete(cpl)

	verifyFailed := false
	if slot.Opcode() == nvme.OpcRead && slot.Buf != nil && c.d.verifyRead() {
		c.mu.Lock()
		ns := c.ns
		c.mu.Unlock()
		if ns != nil && ns.oracle != nil {
			if err := ns.oracle.Verify(slot.LBA, slot.LBACount, slot.Buf, slot.LBASize); err != nil {
				// Unrecovered Read Error: the read data could not be
				// recovered from the media.
				logged.SetStatus(nvme.SctMediaError, nvme.ScUnrecoveredReadErr)
				verifyFailed = true
			}
		}
	}

	c.mtr.recordCompletion(slot.Opcode(),
		uint64(slot.LBACount)*uint64(slot.LBASize),
		uint64(logged.LatencyUS()), logged.IsError(), verifyFailed)

	if slot.Cb != nil {
		slot.Cb(slot.CbArg, logged)
	}
}

// SendCmdRaw submits an arbitrary command with explicit dwords. A nil qpair
// routes through the admin queue. Dataset Management deallocations update
// the host-side checksum table for every trimmed range before submission;
// other write-like operations update it in the read/write wrapper.
func (c *Controller) SendCmdRaw(qp *Qpair, opcode uint8, nsid uint32,
	buf []byte, cdw10, cdw11, cdw12, cdw13, cdw14, cdw15 uint32,
	cb CmdCallback, cbArg any) error {

	cmd := nvme.Cmd{
		Opc:   opcode,
		Nsid:  nsid,
		Cdw10: cdw10,
		Cdw11: cdw11,
		Cdw12: cdw12,
		Cdw13: cdw13,
		Cdw14: cdw14,
		Cdw15: cdw15,
	}

	qid := uint16(constants.AdminQueueID)
	if qp != nil {
		qid = qp.id
	}

	if opcode == nvme.OpcDatasetManagement && qp != nil {
		c.deallocateRanges(buf, int(cdw10)+1)
	}

	slot := c.d.log.Append(qid, &cmd, nil, 0, 0, 0, cb, cbArg)

	if qp != nil {
		return qp.submitIO(&cmd, buf, slot)
	}
	return c.tr.SubmitAdmin(&cmd, buf, c.completionTrampoline, slot)
}

func (c *Controller) deallocateRanges(buf []byte, count int) {
	c.mu.Lock()
	ns := c.ns
	c.mu.Unlock()
	if ns == nil || ns.oracle == nil {
		return
	}
	for i := 0; i < count && (i+1)*nvme.DsmRangeSize <= len(buf); i++ {
		r := nvme.GetDsmRange(buf[i*nvme.DsmRangeSize:])
		c.logger.Debug("deallocate", "lba", r.StartingLBA, "count", r.Length)
		ns.oracle.Invalidate(r.StartingLBA, uint64(r.Length))
	}
}

// WaitCompletionAdmin reaps pending admin completions.
func (c *Controller) WaitCompletionAdmin() (int, error) {
	return c.tr.Poll(nil, 0)
}

// CmdLogTail returns a qpair ring's tail index; the depth sentinel means
// the qpair is cleared.
func (c *Controller) CmdLogTail(qid uint16) uint32 {
	return c.d.log.Tail(qid)
}

// CmdLogOpcodes returns the opcodes of the k most recent commands on a
// qpair, newest first.
func (c *Controller) CmdLogOpcodes(qid uint16, k int) []uint8 {
	return c.d.log.LastOpcodes(qid, k)
}

// DumpCmdLog writes a qpair's ring in human-readable form. count <= 0 dumps
// the whole ring.
func (c *Controller) DumpCmdLog(w io.Writer, qid uint16, count int) {
	c.d.log.Dump(w, qid, count)
}

// DumpCmdLogAdmin dumps the admin queue's ring.
func (c *Controller) DumpCmdLogAdmin(w io.Writer, count int) {
	c.d.log.Dump(w, constants.AdminQueueID, count)
}

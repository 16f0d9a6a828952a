// Package interfaces defines the contract between the driver core and an
// NVMe transport (PCIe via io_uring passthrough, fabrics, or a mock).
package interfaces

import (
	"time"

	"github.com/hostside/go-nvmetest/internal/nvme"
)

// Qpair is a transport-owned submission/completion queue pair. Only the
// thread that created a qpair may submit to or poll it.
type Qpair interface {
	// ID returns the controller-assigned queue id. The admin queue is 0;
	// I/O queues start at 1.
	ID() uint16
}

// TimeoutFn is called when a command exceeds the transport's configured
// timeout.
type TimeoutFn func(qid uint16, cid uint16)

// Controller is the black-box transport below the driver. Submissions carry
// an opaque context that the transport hands back, untouched, to the
// callback when the matching completion is reaped by Poll.
type Controller interface {
	// SubmitIO queues one command on an I/O qpair. buf may be nil for
	// commands without a data phase. The callback runs from inside Poll on
	// the submitting thread.
	SubmitIO(qp Qpair, cmd *nvme.Cmd, buf []byte, cb nvme.CmdCallback, ctx any) error

	// SubmitAdmin queues one command on the admin queue.
	SubmitAdmin(cmd *nvme.Cmd, buf []byte, cb nvme.CmdCallback, ctx any) error

	// Poll reaps up to max completions from a qpair (nil means the admin
	// queue; max 0 means all available) and fires their callbacks.
	Poll(qp Qpair, max uint32) (int, error)

	// AllocQpair creates an I/O qpair with the given priority and depth.
	AllocQpair(prio int, depth int) (Qpair, error)

	// FreeQpair destroys an I/O qpair. In-flight commands are flushed;
	// their callbacks may still run during the free.
	FreeQpair(qp Qpair) error

	// NumSectors returns the namespace capacity in logical blocks.
	NumSectors(nsid uint32) uint64

	// SectorSize returns the namespace logical block size in bytes.
	SectorSize(nsid uint32) uint32

	// MaxXferSize returns the controller's maximum data transfer size in
	// bytes.
	MaxXferSize() uint32

	// RegisterTimeoutCallback arms per-command timeout reporting.
	RegisterTimeoutCallback(timeout time.Duration, cb TimeoutFn)

	// Close detaches from the controller.
	Close() error
}

package nvmetest

import (
	"github.com/hostside/go-nvmetest/internal/cmdlog"
	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// Qpair is an I/O submission/completion queue pair with its command-log
// ring. A qpair belongs to the thread that created it: only that thread may
// submit to or poll it.
type Qpair struct {
	c     *Controller
	tq    TransportQpair
	id    uint16
	freed bool
}

// CreateQpair allocates an I/O qpair on the controller. Qpair ids at or
// beyond the command-log limit are rejected: every active qpair needs a log
// ring, and the shared-memory layout holds 16.
func (c *Controller) CreateQpair(prio, depth int) (*Qpair, error) {
	tq, err := c.tr.AllocQpair(prio, depth)
	if err != nil {
		return nil, WrapError("qpair_create", err)
	}

	id := tq.ID()
	if id >= constants.CmdLogMaxQ {
		c.tr.FreeQpair(tq)
		return nil, NewQpairError("qpair_create", id, ErrCodeQpairExhausted,
			"not support so many queue pairs")
	}

	if err := c.d.log.InitQpair(id); err != nil {
		c.tr.FreeQpair(tq)
		return nil, WrapError("qpair_create", err)
	}

	qp := &Qpair{c: c, tq: tq, id: id}
	c.mu.Lock()
	c.qpairs[id] = qp
	c.mu.Unlock()
	return qp, nil
}

// ID returns the controller-assigned queue id.
func (q *Qpair) ID() uint16 {
	return q.id
}

// WaitCompletion reaps up to max pending completions (0 means all
// available) and fires their callbacks on the calling thread.
func (q *Qpair) WaitCompletion(max uint32) (int, error) {
	return q.c.tr.Poll(q.tq, max)
}

// Free clears the qpair's log ring and releases the transport queue. The
// log memory persists for post-mortem reads. Free the qpair before freeing
// any I/O context memory: the transport flushes in-flight completions here,
// and their callbacks still run against their contexts.
func (q *Qpair) Free() error {
	if q.freed {
		return nil
	}
	q.freed = true

	q.c.logger.Debug("free qpair", "qid", q.id)
	q.c.d.log.ClearQpair(q.id)

	q.c.mu.Lock()
	delete(q.c.qpairs, q.id)
	q.c.mu.Unlock()

	if err := q.c.tr.FreeQpair(q.tq); err != nil {
		return WrapError("qpair_free", err)
	}
	return nil
}

func (q *Qpair) submitIO(cmd *nvme.Cmd, buf []byte, slot *cmdlog.Slot) error {
	return q.c.tr.SubmitIO(q.tq, cmd, buf, q.c.completionTrampoline, slot)
}

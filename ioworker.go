package nvmetest

import (
	"fmt"
	"time"

	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// IoworkerArgs configures one closed-loop workload run against a single
// qpair.
type IoworkerArgs struct {
	LBAStart  uint64 // sequential cursor start; the first I/O goes LBAAlign past it
	LBASize   uint32 // blocks per I/O
	LBAAlign  uint32 // LBA alignment of every I/O
	LBARandom bool   // random vs sequential addressing

	RegionStart uint64 // address-space region, in blocks
	RegionEnd   uint64 // exclusive; 0 means the whole namespace

	ReadPercentage uint32 // 0..100; 0 is a pure write workload
	IOPS           uint32 // open-loop rate limit; 0 is unthrottled
	IOCount        uint64 // total I/Os; 0 is unbounded
	Seconds        uint32 // duration bound; 0 is unbounded, capped at 24h
	QDepth         uint32 // outstanding I/Os, at most half the cmdlog depth

	// Optional histograms. IOCounterPerSecond gets one bucket per elapsed
	// second; IOCounterPerLatency must span a full second of microsecond
	// buckets, and completions slower than that land in the last bucket.
	IOCounterPerSecond  []uint64
	IOCounterPerLatency []uint64
}

// IoworkerRets carries a run's results.
type IoworkerRets struct {
	IOCountRead  uint64
	IOCountWrite uint64
	LatencyMaxUS uint32
	MSeconds     uint32 // wall-clock duration of the run
	Error        uint16 // first NVMe status observed, 11-bit composite
}

// ioworkerCtx is one in-flight I/O slot, reused for the next submission
// from inside its own completion callback.
type ioworkerCtx struct {
	buf      *Buffer
	isRead   bool
	timeSent time.Time
}

// ioworkerRun is the per-run mutable state. The whole run is single
// threaded: callbacks fire from inside WaitCompletion on the calling
// goroutine, so nothing here is locked.
type ioworkerRun struct {
	ns   *Namespace
	qp   *Qpair
	args *IoworkerArgs
	rets *IoworkerRets

	dueTime    time.Time
	ioDelay    time.Duration
	ioDueTime  time.Time
	timeNext   time.Time
	countAtSec uint64
	lastSec    int

	cursor uint64 // sequential LBA cursor
	sent   uint64
	cplt   uint64
	finish bool
}

func alignUp(n, a uint64) uint64 {
	if n%a != 0 {
		return n + a - n%a
	}
	return n
}

func alignDown(n, a uint64) uint64 {
	return n - n%a
}

// Ioworker runs a closed-loop workload to completion and returns its
// statistics. The qpair must be owned by the calling goroutine. Normalizes
// the arguments in place, primes QDepth I/Os and keeps the pipe full from
// inside completions until the count, deadline or first error fires.
func (ns *Namespace) Ioworker(qp *Qpair, args *IoworkerArgs) (*IoworkerRets, error) {
	rets := &IoworkerRets{}

	if err := ns.ioworkerCheckArgs(qp, args); err != nil {
		return rets, err
	}

	// check io size
	if args.LBASize*ns.sectorSize > ns.c.MaxXferSize() {
		logging.Error("IO size is larger than max xfer size",
			"max", ns.c.MaxXferSize())
		rets.Error = 0x0002 // Invalid Field in Command
		return rets, NewStatusError("ioworker", ErrCodeIOTooLarge, rets.Error)
	}

	// revise args
	if args.IOCount == 0 {
		args.IOCount = ^uint64(0)
	}
	if args.Seconds == 0 || time.Duration(args.Seconds)*time.Second > constants.MaxIoworkerDuration {
		args.Seconds = uint32(constants.MaxIoworkerDuration / time.Second)
	}
	if args.RegionEnd == 0 || args.RegionEnd > ns.sectors {
		args.RegionEnd = ns.sectors
	}

	// align the region to LBAAlign, leaving room for one I/O at its end
	align := uint64(args.LBAAlign)
	args.RegionStart = alignUp(args.RegionStart, align)
	args.RegionEnd = args.RegionEnd - uint64(args.LBASize) - 1
	args.RegionEnd = alignDown(args.RegionEnd, align)
	if args.RegionEnd <= args.RegionStart {
		return rets, NewError("ioworker", ErrCodeInvalidParameters,
			"region too small for the io size")
	}
	if args.LBAStart < args.RegionStart {
		args.LBAStart = args.RegionStart
	}
	if args.IOCount < uint64(args.QDepth) {
		args.QDepth = uint32(args.IOCount)
	}

	start := time.Now()
	run := &ioworkerRun{
		ns:       ns,
		qp:       qp,
		args:     args,
		rets:     rets,
		cursor:   args.LBAStart,
		dueTime:  start.Add(time.Duration(args.Seconds) * time.Second),
		timeNext: start.Add(time.Second),
	}
	if args.IOPS > 0 {
		run.ioDelay = time.Second / time.Duration(args.IOPS)
		run.ioDueTime = start.Add(run.ioDelay)
	}

	// sending the first batch of IOs, all remaining IOs are sent from
	// inside completion callbacks till the end
	ctxs := make([]*ioworkerCtx, args.QDepth)
	for i := range ctxs {
		buf, err := NewBuffer(int(args.LBASize) * int(ns.sectorSize))
		if err != nil {
			for _, c := range ctxs[:i] {
				c.buf.Free()
			}
			return rets, err
		}
		ctxs[i] = &ioworkerCtx{buf: buf}
		run.sendOne(ctxs[i])
	}

	// callbacks check the end condition and mark the flag; here we only
	// watch the flag and the hard wall-clock ceiling
	var runErr error
	limit := time.Duration(args.Seconds)*time.Second + constants.IoworkerGracePeriod
	for run.sent != run.cplt || !run.finish {
		if time.Since(start) > limit {
			runErr = NewError("ioworker", ErrCodeDeadlineOvershoot,
				fmt.Sprintf("still %d in flight past the deadline", run.sent-run.cplt))
			break
		}
		qp.WaitCompletion(0)
	}

	// flush the tail of the per-second histogram so the buckets account
	// for every completed I/O
	if args.IOCounterPerSecond != nil {
		run.rolloverSecond()
	}

	rets.MSeconds = durationMs(start)

	// in-flight completions hit callbacks against these contexts during
	// the qpair free, so after a deadline overshoot the buffers stay mapped
	if run.sent == run.cplt {
		for _, c := range ctxs {
			c.buf.Free()
		}
	}
	return rets, runErr
}

func (ns *Namespace) ioworkerCheckArgs(qp *Qpair, args *IoworkerArgs) error {
	bad := func(msg string) error {
		return NewError("ioworker", ErrCodeInvalidParameters, msg)
	}
	switch {
	case qp == nil:
		return bad("nil qpair")
	case args.ReadPercentage > 100:
		return bad("read percentage beyond 100")
	case args.IOCount == 0 && args.Seconds == 0:
		return bad("io count and seconds cannot both be unbounded")
	case time.Duration(args.Seconds)*time.Second > constants.MaxIoworkerDuration:
		return bad("duration beyond 24h")
	case args.LBASize == 0:
		return bad("zero io size")
	case args.LBAAlign == 0:
		return bad("zero lba alignment")
	case args.QDepth == 0 || args.QDepth > constants.CmdLogDepth/2:
		return bad("qdepth out of range")
	case args.RegionEnd != 0 && args.RegionStart >= args.RegionEnd:
		return bad("empty region")
	case len(args.IOCounterPerLatency) != 0 && len(args.IOCounterPerLatency) < constants.UsPerS:
		return bad("latency histogram must span a full second")
	}
	return nil
}

func durationMs(start time.Time) uint32 {
	diff := time.Since(start)
	return uint32((diff.Microseconds() + 500) / 1000)
}

// nextLBA picks the starting LBA of the next I/O, aligned down.
func (r *ioworkerRun) nextLBA() uint64 {
	args := r.args
	var lba uint64
	if !args.LBARandom {
		lba = r.cursor + uint64(args.LBAAlign)
		if lba > args.RegionEnd {
			lba = args.RegionStart
		}
		r.cursor = lba
	} else {
		lba = randUint64()%(args.RegionEnd-args.RegionStart) + args.RegionStart
	}
	return alignDown(lba, uint64(args.LBAAlign))
}

// sendOne issues the next I/O on a context.
func (r *ioworkerRun) sendOne(ctx *ioworkerCtx) {
	isRead := randIntn(100) < int(r.args.ReadPercentage)
	lba := r.nextLBA()

	err := r.ns.CmdReadWrite(isRead, r.qp, ctx.buf, ctx.buf.Len(),
		lba, r.args.LBASize, 0, r.onComplete, ctx)
	if err != nil {
		logging.Error("ioworker submit failed", "error", err)
		r.finish = true
		return
	}

	r.sent++
	ctx.isRead = isRead
	ctx.timeSent = time.Now()
}

// onComplete is the per-I/O callback: statistics, throttle, termination
// check, then the next submission on the same context.
func (r *ioworkerRun) onComplete(arg any, cpl *nvme.Cpl) {
	ctx := arg.(*ioworkerCtx)
	args := r.args
	rets := r.rets

	r.cplt++

	now := time.Now()
	latencyUs := uint64(now.Sub(ctx.timeSent).Microseconds())
	if uint32(latencyUs) > rets.LatencyMaxUS {
		rets.LatencyMaxUS = uint32(latencyUs)
	}
	if ctx.isRead {
		rets.IOCountRead++
	} else {
		rets.IOCountWrite++
	}

	if args.IOCounterPerLatency != nil {
		idx := latencyUs
		if idx > constants.UsPerS-1 {
			idx = constants.UsPerS - 1
		}
		args.IOCounterPerLatency[idx]++
	}

	// throttle IOPS by delaying this callback; the worker is single
	// threaded, so sleeping here paces the whole pipe
	if r.ioDelay != 0 {
		if r.ioDueTime.After(now) {
			time.Sleep(r.ioDueTime.Sub(now))
		}
		r.ioDueTime = r.ioDueTime.Add(r.ioDelay)
	}

	if cpl.IsError() {
		// terminate the run on any error, keeping only the first status
		r.finish = true
		if rets.Error == 0 {
			rets.Error = cpl.ErrorValue()
		}
	}

	if args.IOCounterPerSecond != nil && now.After(r.timeNext) {
		r.rolloverSecond()
	}

	if !r.finish {
		r.finish = r.isDone()
	}
	if !r.finish {
		r.sendOne(ctx)
	}
}

// isDone applies the termination predicate: all requested I/Os sent, or the
// deadline passed, whichever happens first.
func (r *ioworkerRun) isDone() bool {
	if r.sent == r.args.IOCount {
		logging.Debug("ioworker finish", "sent", r.sent)
		return true
	}
	if time.Now().After(r.dueTime) {
		logging.Debug("ioworker finish, past due time")
		return true
	}
	return false
}

func (r *ioworkerRun) rolloverSecond() {
	current := r.rets.IOCountRead + r.rets.IOCountWrite
	r.timeNext = r.timeNext.Add(time.Second)
	if r.lastSec < len(r.args.IOCounterPerSecond) {
		r.args.IOCounterPerSecond[r.lastSec] = current - r.countAtSec
		r.lastSec++
	}
	r.countAtSec = current
}

package nvmetest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func testOptions(t *testing.T) *Options {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return &Options{
		ShmPrefix:  fmt.Sprintf("nvmetest_%d_%s_", os.Getpid(), name),
		DisableRPC: true,
	}
}

// rig wires a driver to a RAM-backed mock controller with one namespace and
// one I/O qpair.
type rig struct {
	d    *Driver
	mock *MockController
	c    *Controller
	ns   *Namespace
	qp   *Qpair
}

func newRig(t *testing.T, sectors uint64) *rig {
	t.Helper()

	d, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	mock := NewMockController(sectors)
	c := d.AttachController(mock, "mock")

	ns, err := c.OpenNamespace(1)
	if err != nil {
		t.Fatalf("OpenNamespace failed: %v", err)
	}
	t.Cleanup(func() { ns.Close() })

	qp, err := c.CreateQpair(0, 64)
	if err != nil {
		t.Fatalf("CreateQpair failed: %v", err)
	}
	t.Cleanup(func() { qp.Free() })

	return &rig{d: d, mock: mock, c: c, ns: ns, qp: qp}
}

// poll drains completions after letting a measurable amount of wall clock
// pass, so host-side latencies come out non-zero.
func (r *rig) poll(t *testing.T) {
	t.Helper()
	time.Sleep(2 * time.Millisecond)
	if _, err := r.qp.WaitCompletion(0); err != nil {
		t.Fatalf("WaitCompletion failed: %v", err)
	}
}

func newTestBuffer(t *testing.T, size int) *Buffer {
	t.Helper()
	buf, err := NewBuffer(size)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	t.Cleanup(buf.Free)
	return buf
}

func TestConfigWord(t *testing.T) {
	d, err := Open(testOptions(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	if d.ConfigWord() != 0 {
		t.Errorf("config word should start zero, got %#x", d.ConfigWord())
	}
	d.Config(VerifyRead)
	if d.ConfigWord() != VerifyRead {
		t.Errorf("config word = %#x, want %#x", d.ConfigWord(), VerifyRead)
	}
}

func TestWriteReadVerify(t *testing.T) {
	r := newRig(t, 1024)
	r.d.Config(VerifyRead)

	wbuf := newTestBuffer(t, 512)
	for i := range wbuf.Bytes() {
		wbuf.Bytes()[i] = byte(i)
	}

	var wcpl Cpl
	wdone := false
	err := r.ns.Write(r.qp, wbuf, 0, 1, func(_ any, cpl *Cpl) {
		wcpl = *cpl
		wdone = true
	}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	if !wdone {
		t.Fatal("write completion never fired")
	}
	if wcpl.IsError() {
		t.Fatalf("write completed with status %#x", wcpl.Status)
	}

	rbuf := newTestBuffer(t, 512)
	var rcpl Cpl
	rdone := false
	err = r.ns.Read(r.qp, rbuf, 0, 1, func(_ any, cpl *Cpl) {
		rcpl = *cpl
		rdone = true
	}, nil)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)

	if !rdone {
		t.Fatal("read completion never fired")
	}
	if rcpl.IsError() {
		t.Fatalf("read completed with status %#x (verify should pass)", rcpl.Status)
	}
	if rcpl.LatencyUS() == 0 {
		t.Error("dword 2 should carry a non-zero host latency")
	}
	if !bytes.Equal(rbuf.Bytes(), wbuf.Bytes()) {
		t.Error("read payload differs from written payload")
	}
}

func TestTrimInvalidatesOracle(t *testing.T) {
	r := newRig(t, 1024)
	r.d.Config(VerifyRead)

	// write LBAs 100..163
	wbuf := newTestBuffer(t, 64*512)
	if err := r.ns.Write(r.qp, wbuf, 100, 64, nil, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	// deallocate 120..149
	ranges := EncodeDsmRanges([]DsmRange{{StartingLBA: 120, Length: 30}})
	err := r.c.SendCmdRaw(r.qp, OpcodeDatasetManagement, 1, ranges,
		0, 0x4, 0, 0, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("SendCmdRaw failed: %v", err)
	}
	r.poll(t)

	// the trimmed slots must be unmapped, their neighbors untouched
	for lba := uint64(120); lba < 150; lba++ {
		if v := r.ns.OracleValue(lba); v != 0 {
			t.Fatalf("oracle slot %d = %#x, want unmapped", lba, v)
		}
	}
	if r.ns.OracleValue(119) == 0 || r.ns.OracleValue(150) == 0 {
		t.Error("trim spilled outside its range")
	}

	// the whole range must verify: written blocks by CRC, trimmed blocks
	// by the unmapped skip, whatever the device returned for them
	rbuf := newTestBuffer(t, 64*512)
	var rcpl Cpl
	if err := r.ns.Read(r.qp, rbuf, 100, 64, func(_ any, cpl *Cpl) { rcpl = *cpl }, nil); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)
	if rcpl.IsError() {
		t.Fatalf("read over trimmed range completed with status %#x", rcpl.Status)
	}
}

func TestCorruptionForgesMediaError(t *testing.T) {
	r := newRig(t, 1024)
	r.d.Config(VerifyRead)

	wbuf := newTestBuffer(t, 512)
	if err := r.ns.Write(r.qp, wbuf, 9, 1, nil, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	// corrupt the on-media token bytes behind the driver's back
	r.mock.Data()[9*512+504] ^= 0xff

	rbuf := newTestBuffer(t, 512)
	var rcpl Cpl
	if err := r.ns.Read(r.qp, rbuf, 9, 1, func(_ any, cpl *Cpl) { rcpl = *cpl }, nil); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)

	// device said success, the verify path must forge the media error
	if rcpl.StatusCodeType() != 0x02 || rcpl.StatusCode() != 0x81 {
		t.Errorf("status sct=%#x sc=%#x, want sct=0x02 sc=0x81",
			rcpl.StatusCodeType(), rcpl.StatusCode())
	}
	if r.c.Metrics().VerifyFailures.Load() != 1 {
		t.Error("verify failure not counted")
	}
}

func TestVerifyDisabledByConfig(t *testing.T) {
	r := newRig(t, 1024)
	// VerifyRead intentionally left clear

	wbuf := newTestBuffer(t, 512)
	if err := r.ns.Write(r.qp, wbuf, 3, 1, nil, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	r.mock.Data()[3*512+100] ^= 0xff

	rbuf := newTestBuffer(t, 512)
	var rcpl Cpl
	if err := r.ns.Read(r.qp, rbuf, 3, 1, func(_ any, cpl *Cpl) { rcpl = *cpl }, nil); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)

	if rcpl.IsError() {
		t.Errorf("read flagged with verification disabled, status %#x", rcpl.Status)
	}
}

func TestUncorrectableInjection(t *testing.T) {
	r := newRig(t, 1024)
	r.d.Config(VerifyRead)

	wbuf := newTestBuffer(t, 4*512)
	if err := r.ns.Write(r.qp, wbuf, 40, 4, nil, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	r.ns.MarkUncorrectable(41, 2)

	rbuf := newTestBuffer(t, 4*512)
	var rcpl Cpl
	if err := r.ns.Read(r.qp, rbuf, 40, 4, func(_ any, cpl *Cpl) { rcpl = *cpl }, nil); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)

	if rcpl.StatusCodeType() != 0x02 || rcpl.StatusCode() != 0x81 {
		t.Errorf("status sct=%#x sc=%#x, want forged unrecovered read error",
			rcpl.StatusCodeType(), rcpl.StatusCode())
	}
}

func TestFailedWriteLeavesOracleAhead(t *testing.T) {
	r := newRig(t, 1024)
	r.d.Config(VerifyRead)

	// the oracle is updated before submission, so a failed write leaves it
	// ahead of the media and the next read of that LBA must flag a mismatch
	r.mock.ForceStatus(0x1, 0x04, 1)
	wbuf := newTestBuffer(t, 512)
	var wcpl Cpl
	if err := r.ns.Write(r.qp, wbuf, 7, 1, func(_ any, cpl *Cpl) { wcpl = *cpl }, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)
	if !wcpl.IsError() {
		t.Fatal("write should have failed")
	}
	if r.ns.OracleValue(7) == 0 {
		t.Fatal("oracle should have been updated before submission")
	}

	rbuf := newTestBuffer(t, 512)
	var rcpl Cpl
	if err := r.ns.Read(r.qp, rbuf, 7, 1, func(_ any, cpl *Cpl) { rcpl = *cpl }, nil); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	r.poll(t)
	if rcpl.StatusCodeType() != 0x02 || rcpl.StatusCode() != 0x81 {
		t.Errorf("stale media read should flag a mismatch, got sct=%#x sc=%#x",
			rcpl.StatusCodeType(), rcpl.StatusCode())
	}
}

func TestCmdLogRing(t *testing.T) {
	r := newRig(t, 1024)

	// k > depth submissions wrap the ring; drain completions as we go so
	// the mock's pending queue stays small
	const k = 3000
	for i := 0; i < k; i++ {
		err := r.c.SendCmdRaw(r.qp, 0x00 /* Flush */, 1, nil,
			0, 0, 0, 0, 0, 0, nil, nil)
		if err != nil {
			t.Fatalf("SendCmdRaw %d failed: %v", i, err)
		}
		if i%256 == 0 {
			r.qp.WaitCompletion(0)
		}
	}
	r.qp.WaitCompletion(0)

	if got := r.c.CmdLogTail(r.qp.ID()); got != k%CmdLogDepth {
		t.Errorf("tail = %d, want %d", got, k%CmdLogDepth)
	}
}

func TestAdminQueueRouting(t *testing.T) {
	r := newRig(t, 1024)

	tailBefore := r.c.CmdLogTail(AdminQueueID)
	buf := make([]byte, 4096)
	done := false
	err := r.c.SendCmdRaw(nil, 0x06 /* Identify */, 0, buf,
		1, 0, 0, 0, 0, 0, func(any, *Cpl) { done = true }, nil)
	if err != nil {
		t.Fatalf("SendCmdRaw admin failed: %v", err)
	}
	if _, err := r.c.WaitCompletionAdmin(); err != nil {
		t.Fatalf("WaitCompletionAdmin failed: %v", err)
	}

	if !done {
		t.Error("admin completion never fired")
	}
	if got := r.c.CmdLogTail(AdminQueueID); got != tailBefore+1 {
		t.Errorf("admin tail = %d, want %d", got, tailBefore+1)
	}
}

func TestQpairLimit(t *testing.T) {
	r := newRig(t, 1024)

	// the rig holds qid 1; ids 2..15 still fit, 16 must be rejected
	qps := make([]*Qpair, 0, 16)
	defer func() {
		for _, qp := range qps {
			qp.Free()
		}
	}()

	for i := 0; i < 14; i++ {
		qp, err := r.c.CreateQpair(0, 16)
		if err != nil {
			t.Fatalf("CreateQpair %d failed: %v", i, err)
		}
		qps = append(qps, qp)
	}

	if _, err := r.c.CreateQpair(0, 16); !IsCode(err, ErrCodeQpairExhausted) {
		t.Errorf("expected qpair exhaustion, got %v", err)
	}
}

func TestQpairFreeClearsLog(t *testing.T) {
	r := newRig(t, 1024)

	qp, err := r.c.CreateQpair(0, 16)
	if err != nil {
		t.Fatalf("CreateQpair failed: %v", err)
	}
	qid := qp.ID()
	if r.c.CmdLogTail(qid) != 0 {
		t.Errorf("fresh qpair tail = %d, want 0", r.c.CmdLogTail(qid))
	}

	if err := qp.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if r.c.CmdLogTail(qid) != CmdLogDepth {
		t.Errorf("cleared qpair tail = %d, want sentinel %d", r.c.CmdLogTail(qid), CmdLogDepth)
	}
}

func TestDetachWithActiveQpairs(t *testing.T) {
	r := newRig(t, 1024)

	if err := r.c.Detach(); err == nil {
		t.Error("Detach should fail while qpairs are active")
	}
}

func TestSecondaryAttach(t *testing.T) {
	opts := testOptions(t)
	primary, err := Open(opts)
	if err != nil {
		t.Fatalf("primary Open failed: %v", err)
	}
	defer primary.Close()

	primary.Config(VerifyRead)

	secondary, err := Open(&Options{
		Role:       RoleSecondary,
		ShmPrefix:  opts.ShmPrefix,
		DisableRPC: true,
	})
	if err != nil {
		t.Fatalf("secondary Open failed: %v", err)
	}
	defer secondary.Close()

	// the config word is the same shared word in both processes
	if secondary.ConfigWord() != VerifyRead {
		t.Errorf("secondary config word = %#x, want %#x", secondary.ConfigWord(), VerifyRead)
	}
}

func TestSecondaryWithoutPrimaryFails(t *testing.T) {
	opts := testOptions(t)
	opts.Role = RoleSecondary

	if _, err := Open(opts); err == nil {
		t.Error("secondary Open should fail without a primary")
	}
}

func TestDumpCmdLog(t *testing.T) {
	r := newRig(t, 1024)

	wbuf := newTestBuffer(t, 512)
	if err := r.ns.Write(r.qp, wbuf, 0, 1, nil, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r.poll(t)

	var out bytes.Buffer
	r.c.DumpCmdLog(&out, r.qp.ID(), 1)
	if !strings.Contains(out.String(), "Write") {
		t.Errorf("dump missing command name: %s", out.String())
	}
}

func TestCmdNameLookup(t *testing.T) {
	if got := CmdName(0x06, 0); got != "Identify" {
		t.Errorf("CmdName(0x06, 0) = %q", got)
	}
	if got := CmdName(0x02, 1); got != "Read" {
		t.Errorf("CmdName(0x02, 1) = %q", got)
	}
}

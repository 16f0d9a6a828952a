// nvmet-worker runs a synthetic ioworker against an NVMe namespace, either
// a real one through the kernel passthrough transport or a RAM-backed mock
// for dry runs.
package main

import (
	"flag"
	"os"

	nvmetest "github.com/hostside/go-nvmetest"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/xport"
)

func main() {
	var (
		nsPath   = flag.String("dev", "", "NVMe namespace char device (e.g. /dev/ng0n1); empty runs the mock")
		ctrlPath = flag.String("ctrl", "/dev/nvme0", "NVMe controller char device")
		sectors  = flag.Uint64("sectors", 1<<20, "mock namespace capacity in 512B blocks")
		verify   = flag.Bool("verify", true, "verify read data against the checksum table")
		verbose  = flag.Bool("v", false, "verbose output")

		lbaSize  = flag.Uint("lbasize", 8, "blocks per I/O")
		lbaAlign = flag.Uint("lbaalign", 8, "LBA alignment")
		random   = flag.Bool("random", false, "random LBAs instead of sequential")
		rdPct    = flag.Uint("rw", 100, "read percentage, 0..100")
		qdepth   = flag.Uint("qdepth", 64, "outstanding I/Os")
		ioCount  = flag.Uint64("iocount", 0, "total I/Os, 0 unbounded")
		seconds  = flag.Uint("seconds", 10, "run duration, 0 unbounded")
		iops     = flag.Uint("iops", 0, "IOPS throttle, 0 unthrottled")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	driver, err := nvmetest.Open(&nvmetest.Options{Logger: logger})
	if err != nil {
		logger.Error("driver init failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	if *verify {
		driver.Config(nvmetest.VerifyRead)
	}

	var tr nvmetest.Transport
	addr := "mock"
	if *nsPath != "" {
		ctrlr, err := xport.Attach(*nsPath, *ctrlPath, int(*qdepth))
		if err != nil {
			logger.Error("attach failed", "dev", *nsPath, "error", err)
			os.Exit(1)
		}
		tr = ctrlr
		addr = *nsPath
	} else {
		tr = nvmetest.NewMockController(*sectors)
	}

	ctrlr := driver.AttachController(tr, addr)
	defer ctrlr.Detach()

	ns, err := ctrlr.OpenNamespace(1)
	if err != nil {
		logger.Error("namespace open failed", "error", err)
		os.Exit(1)
	}
	defer ns.Close()

	qp, err := ctrlr.CreateQpair(0, int(*qdepth)*2)
	if err != nil {
		logger.Error("qpair create failed", "error", err)
		os.Exit(1)
	}
	defer qp.Free()

	args := &nvmetest.IoworkerArgs{
		LBASize:        uint32(*lbaSize),
		LBAAlign:       uint32(*lbaAlign),
		LBARandom:      *random,
		ReadPercentage: uint32(*rdPct),
		IOPS:           uint32(*iops),
		IOCount:        *ioCount,
		Seconds:        uint32(*seconds),
		QDepth:         uint32(*qdepth),
	}

	logger.Info("starting ioworker",
		"read_pct", *rdPct, "qdepth", *qdepth, "random", *random,
		"io_count", *ioCount, "seconds", *seconds, "iops", *iops)

	rets, err := ns.Ioworker(qp, args)
	if err != nil {
		logger.Error("ioworker failed", "error", err, "status", rets.Error)
		ctrlr.DumpCmdLog(os.Stderr, qp.ID(), 16)
		os.Exit(1)
	}

	total := rets.IOCountRead + rets.IOCountWrite
	iopsDone := float64(0)
	if rets.MSeconds > 0 {
		iopsDone = float64(total) * 1000 / float64(rets.MSeconds)
	}
	logger.Info("ioworker finished",
		"reads", rets.IOCountRead,
		"writes", rets.IOCountWrite,
		"duration_ms", rets.MSeconds,
		"iops", int(iopsDone),
		"latency_max_us", rets.LatencyMaxUS,
		"status", rets.Error)
}

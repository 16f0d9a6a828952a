// Package nvmetest is a user-space NVMe test driver: it submits arbitrary
// admin and I/O commands to an NVMe controller, logs every command and
// completion pair with timestamps, verifies read data against a
// host-maintained checksum oracle, and runs closed-loop synthetic workloads
// for firmware validation. It is not a production storage stack.
package nvmetest

import (
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hostside/go-nvmetest/internal/cmdlog"
	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/logging"
	"github.com/hostside/go-nvmetest/internal/shmem"
)

// Role selects a process's authority over the shared tables.
type Role = shmem.Role

const (
	// RolePrimary creates and destroys the shared regions; exactly one
	// cooperating process is primary.
	RolePrimary = shmem.RolePrimary
	// RoleSecondary attaches to regions the primary already created.
	RoleSecondary = shmem.RoleSecondary
)

// Options configures driver init.
type Options struct {
	// Role of this process. Default RolePrimary.
	Role Role

	// ShmPrefix namespaces the shared-memory region files. Cooperating
	// processes must agree on it. Empty is fine for a single driver
	// instance per host.
	ShmPrefix string

	// RPCSocket is the unix socket path for the introspection server.
	// Empty selects the default path.
	RPCSocket string

	// DisableRPC skips starting the RPC server even in the primary.
	DisableRPC bool

	// Logger replaces the default logger.
	Logger *logging.Logger
}

// VerifyRead is the global config word bit that enables read verification.
const VerifyRead = constants.CfgVerifyRead

// Driver owns the process-wide test-driver state: the region manager, the
// command log and the global config word. Controllers attach to a Driver.
type Driver struct {
	mgr    *shmem.Manager
	log    *cmdlog.Table
	cfg    *atomic.Uint64
	rpc    *rpcServer
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// The process-wide PRNG stream behind LBA and read/write selection.
// Reseeded at every Open so scenario runs are reproducible.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(constants.RandomSeed))
)

func randIntn(n int) int {
	rngMu.Lock()
	v := rng.Intn(n)
	rngMu.Unlock()
	return v
}

func randUint64() uint64 {
	rngMu.Lock()
	v := rng.Uint64()
	rngMu.Unlock()
	return v
}

// Open initializes the driver: seeds the PRNG, creates or attaches the
// command log and global config regions, and (in the primary) starts the
// introspection RPC server. A secondary that cannot find the shared tables
// fails here; that is fatal by design.
func Open(opts *Options) (*Driver, error) {
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	rngMu.Lock()
	rng = rand.New(rand.NewSource(constants.RandomSeed))
	rngMu.Unlock()

	mgr := shmem.NewManager(opts.Role, opts.ShmPrefix)

	d := &Driver{mgr: mgr, logger: logger}

	logTable, err := cmdlog.Init(mgr)
	if err != nil {
		mgr.Close()
		return nil, WrapError("driver_init", err)
	}
	d.log = logTable

	var cfgRegion *shmem.Region
	if mgr.Primary() {
		cfgRegion, err = mgr.Reserve(constants.RegionGlobalConfig, 8, 0)
	} else {
		cfgRegion, err = mgr.Lookup(constants.RegionGlobalConfig)
	}
	if err != nil {
		mgr.Close()
		return nil, WrapError("driver_init", err)
	}
	d.cfg = cfgRegion.AtomicUint64(0)
	if mgr.Primary() {
		d.cfg.Store(0)
	}

	// The admin queue's log is live from init.
	if err := logTable.InitQpair(constants.AdminQueueID); err != nil {
		mgr.Close()
		return nil, WrapError("driver_init", err)
	}

	if mgr.Primary() && !opts.DisableRPC {
		socket := opts.RPCSocket
		if socket == "" {
			socket = constants.DefaultRPCSocket
		}
		rpc, err := startRPCServer(socket, logTable, logger)
		if err != nil {
			// Introspection is debug-only; a missing socket dir should not
			// kill the driver.
			logger.Warn("rpc server failed to start", "socket", socket, "error", err)
		} else {
			d.rpc = rpc
		}
	}

	logger.Info("driver initialized", "primary", mgr.Primary(), "pid", os.Getpid())
	return d, nil
}

// Config writes the global config word shared by all processes. Intended to
// be set once before workloads start.
func (d *Driver) Config(word uint64) {
	d.cfg.Store(word)
}

// ConfigWord returns the current global config word.
func (d *Driver) ConfigWord() uint64 {
	return d.cfg.Load()
}

func (d *Driver) verifyRead() bool {
	return d.cfg.Load()&constants.CfgVerifyRead != 0
}

// Close tears the driver down. The primary clears the admin log and
// destroys the shared regions; secondaries just drop their mappings.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.rpc != nil {
		d.rpc.stop()
	}
	if d.mgr.Primary() {
		d.log.ClearQpair(constants.AdminQueueID)
		d.logger.Debug("driver unloaded")
	}
	return d.mgr.Close()
}

// CmdName returns the human-readable name of an opcode. set 0 selects the
// admin command set, set 1 the I/O command set.
func CmdName(opc uint8, set int) string {
	return cmdNameLookup(opc, set)
}

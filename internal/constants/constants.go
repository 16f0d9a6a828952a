// Package constants defines sizing and layout constants shared across the driver.
package constants

import "time"

// SectorSize is the only supported logical block size. The verification
// pipeline assumes 512-byte formatted namespaces; other formats are rejected
// at submission time.
const SectorSize = 512

// Command log sizing. The log table layout holds 2048 entry-sized slots per
// qpair; the last slot's space carries the tail word, leaving 2047 usable
// ring entries. The depth must stay above the largest supported device queue
// depth so every outstanding command has a live slot. Resizing either value
// changes the shared-memory layout, so both are fixed.
const (
	CmdLogDepth   = 2048 - 1
	CmdLogMaxQ    = 16
	CmdLogEntrySz = 192
)

// AdminQueueID is the fixed qpair id of the admin queue.
const AdminQueueID = 0

// Shared-memory region names. Stable across processes and releases; a
// secondary process finds the primary's tables by these names.
const (
	RegionIOToken      = "driver_io_token"
	RegionCRC32Table   = "driver_crc32_table"
	RegionGlobalConfig = "driver_global_config"
	RegionCmdLogTable  = "driver_cmdlog_table"
)

// CfgVerifyRead enables read verification in the global config word. The
// remaining bits are reserved and must be zero.
const CfgVerifyRead uint64 = 1 << 0

// Ioworker limits.
const (
	MaxIoworkerDuration = 24 * time.Hour
	IoworkerGracePeriod = 10 * time.Second
	UsPerS              = 1000 * 1000
)

// RandomSeed seeds the process-wide PRNG at driver init so workloads are
// reproducible run to run.
const RandomSeed = 1

// DefaultRPCSocket is the unix socket the introspection RPC server listens on.
const DefaultRPCSocket = "/var/tmp/nvmetest.sock"

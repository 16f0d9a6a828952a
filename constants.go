package nvmetest

import (
	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/nvme"
)

// Re-export constants for the public API
const (
	SectorSize      = constants.SectorSize
	CmdLogDepth     = constants.CmdLogDepth
	CmdLogMaxQpairs = constants.CmdLogMaxQ
	AdminQueueID    = constants.AdminQueueID
)

// Wire types used across the public API.
type (
	Cmd         = nvme.Cmd
	Cpl         = nvme.Cpl
	CmdCallback = nvme.CmdCallback
	DsmRange    = nvme.DsmRange
)

// Opcodes interpreted by the driver.
const (
	OpcodeWrite             = nvme.OpcWrite
	OpcodeRead              = nvme.OpcRead
	OpcodeDatasetManagement = nvme.OpcDatasetManagement
)

// EncodeDsmRanges packs a deallocate range list into a command payload.
func EncodeDsmRanges(ranges []DsmRange) []byte {
	return nvme.EncodeDsmRanges(ranges)
}

func cmdNameLookup(opc uint8, set int) string {
	return nvme.CmdName(opc, set)
}

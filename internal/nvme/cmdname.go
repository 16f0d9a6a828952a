package nvme

// Opcode-name lookup. Two fixed tables, one per command set; vendor-specific
// ranges (>= 0xC0 admin, >= 0x80 I/O) and unknown opcodes fall through to
// generic names.

// AdminCmdName returns the human-readable name of an admin opcode.
func AdminCmdName(opc uint8) string {
	switch opc {
	case OpcDeleteIOSQ:
		return "Delete I/O Submission Queue"
	case OpcCreateIOSQ:
		return "Create I/O Submission Queue"
	case OpcGetLogPage:
		return "Get Log Page"
	case OpcDeleteIOCQ:
		return "Delete I/O Completion Queue"
	case OpcCreateIOCQ:
		return "Create I/O Completion Queue"
	case OpcIdentify:
		return "Identify"
	case OpcAbort:
		return "Abort"
	case OpcSetFeatures:
		return "Set Features"
	case OpcGetFeatures:
		return "Get Features"
	case OpcAsyncEventRequest:
		return "Asynchronous Event Request"
	case OpcNSManagement:
		return "Namespace Management"
	case OpcFirmwareCommit:
		return "Firmware Commit"
	case OpcFirmwareDownload:
		return "Firmware Image Download"
	case OpcDeviceSelfTest:
		return "Device Self-test"
	case OpcNSAttachment:
		return "Namespace Attachment"
	case OpcKeepAlive:
		return "Keep Alive"
	case OpcDirectiveSend:
		return "Directive Send"
	case OpcDirectiveReceive:
		return "Directive Receive"
	case OpcVirtMgmt:
		return "Virtualization Management"
	case OpcNVMeMISend:
		return "NVMe-MI Send"
	case OpcNVMeMIReceive:
		return "NVMe-MI Receive"
	case OpcDoorbellBufferCfg:
		return "Doorbell Buffer Config"
	case OpcFormatNVM:
		return "Format NVM"
	case OpcSecuritySend:
		return "Security Send"
	case OpcSecurityReceive:
		return "Security Receive"
	case OpcSanitize:
		return "Sanitize"
	default:
		if opc >= 0xc0 {
			return "Vendor specific"
		}
		return "Unknown"
	}
}

// IOCmdName returns the human-readable name of an I/O opcode.
func IOCmdName(opc uint8) string {
	switch opc {
	case OpcFlush:
		return "Flush"
	case OpcWrite:
		return "Write"
	case OpcRead:
		return "Read"
	case OpcWriteUncorrectable:
		return "Write Uncorrectable"
	case OpcCompare:
		return "Compare"
	case OpcWriteZeroes:
		return "Write Zeroes"
	case OpcDatasetManagement:
		return "Dataset Management"
	case 0x0d:
		return "Reservation Register"
	case 0x0e:
		return "Reservation Report"
	case 0x11:
		return "Reservation Acquire"
	case 0x15:
		return "Reservation Release"
	default:
		if opc >= 0x80 {
			return "Vendor specific"
		}
		return "Unknown command"
	}
}

// CmdName dispatches on the command set: 0 selects admin, 1 selects I/O.
func CmdName(opc uint8, set int) string {
	switch set {
	case 0:
		return AdminCmdName(opc)
	case 1:
		return IOCmdName(opc)
	default:
		return "Unknown command set"
	}
}

package nvme

import (
	"testing"
)

func TestStatusFields(t *testing.T) {
	var cpl Cpl

	cpl.SetStatus(0x02, 0x81)
	if cpl.StatusCodeType() != 0x02 {
		t.Errorf("SCT = %#x, want 0x02", cpl.StatusCodeType())
	}
	if cpl.StatusCode() != 0x81 {
		t.Errorf("SC = %#x, want 0x81", cpl.StatusCode())
	}
	if !cpl.IsError() {
		t.Error("media error should report IsError")
	}

	// composite code folds SCT above SC
	if cpl.ErrorValue() != 0x281 {
		t.Errorf("ErrorValue = %#x, want 0x281", cpl.ErrorValue())
	}
}

func TestStatusPreservesPhaseBit(t *testing.T) {
	cpl := Cpl{Status: 1}
	cpl.SetStatus(0x02, 0x81)
	if cpl.Status&1 != 1 {
		t.Error("SetStatus must not touch the phase bit")
	}
}

func TestSuccessIsNotError(t *testing.T) {
	var cpl Cpl
	if cpl.IsError() {
		t.Error("zero status should not report IsError")
	}
	if cpl.ErrorValue() != 0 {
		t.Errorf("ErrorValue = %#x, want 0", cpl.ErrorValue())
	}
}

func TestLatencyDwordRepurpose(t *testing.T) {
	cpl := Cpl{Dw2: 0xffff0001} // device sqhd/sqid content
	cpl.SetLatencyUS(1234)
	if cpl.LatencyUS() != 1234 {
		t.Errorf("LatencyUS = %d, want 1234", cpl.LatencyUS())
	}
}

func TestDsmRangeCodec(t *testing.T) {
	in := []DsmRange{
		{Attr: 0, Length: 31, StartingLBA: 120},
		{Attr: 0, Length: 100, StartingLBA: 0xdeadbeef00},
	}
	buf := EncodeDsmRanges(in)
	if len(buf) != 2*DsmRangeSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), 2*DsmRangeSize)
	}

	for i, want := range in {
		got := GetDsmRange(buf[i*DsmRangeSize:])
		if got != want {
			t.Errorf("range %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestAdminCmdNames(t *testing.T) {
	tests := []struct {
		opc  uint8
		want string
	}{
		{OpcIdentify, "Identify"},
		{OpcFormatNVM, "Format NVM"},
		{OpcSanitize, "Sanitize"},
		{0xc0, "Vendor specific"},
		{0xff, "Vendor specific"},
		{0x77, "Unknown"},
	}
	for _, tt := range tests {
		if got := AdminCmdName(tt.opc); got != tt.want {
			t.Errorf("AdminCmdName(%#x) = %q, want %q", tt.opc, got, tt.want)
		}
	}
}

func TestIOCmdNames(t *testing.T) {
	tests := []struct {
		opc  uint8
		want string
	}{
		{OpcRead, "Read"},
		{OpcWrite, "Write"},
		{OpcDatasetManagement, "Dataset Management"},
		{0x80, "Vendor specific"},
		{0x7f, "Unknown command"},
	}
	for _, tt := range tests {
		if got := IOCmdName(tt.opc); got != tt.want {
			t.Errorf("IOCmdName(%#x) = %q, want %q", tt.opc, got, tt.want)
		}
	}
}

func TestCmdNameSets(t *testing.T) {
	if got := CmdName(OpcIdentify, 0); got != "Identify" {
		t.Errorf("CmdName admin = %q", got)
	}
	if got := CmdName(OpcRead, 1); got != "Read" {
		t.Errorf("CmdName io = %q", got)
	}
	if got := CmdName(0, 2); got != "Unknown command set" {
		t.Errorf("CmdName bad set = %q", got)
	}
}

package nvmetest

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"
)

func TestNewBuffer(t *testing.T) {
	buf, err := NewBuffer(4096)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Free()

	if buf.Len() != 4096 {
		t.Errorf("Len() = %d, want 4096", buf.Len())
	}
	if len(buf.Bytes()) != 4096 {
		t.Errorf("len(Bytes()) = %d, want 4096", len(buf.Bytes()))
	}

	// fresh mappings are zeroed and page aligned
	for i, b := range buf.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zero: %d", i, b)
		}
	}
	if addr := uintptr(unsafe.Pointer(&buf.Bytes()[0])); addr%4096 != 0 {
		t.Errorf("buffer base %#x not page aligned", addr)
	}
}

func TestNewBufferBadSize(t *testing.T) {
	if _, err := NewBuffer(0); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("expected invalid parameters, got %v", err)
	}
	if _, err := NewBuffer(-1); err == nil {
		t.Error("negative size should fail")
	}
}

func TestBufferDoubleFree(t *testing.T) {
	buf, err := NewBuffer(512)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	buf.Free()
	buf.Free() // second free is a no-op
}

func TestBufferDumpHex(t *testing.T) {
	buf, err := NewBuffer(64)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Free()

	copy(buf.Bytes(), "hello")
	var out bytes.Buffer
	buf.DumpHex(&out, 32)

	dump := out.String()
	if !strings.Contains(dump, "68 65 6c 6c 6f") {
		t.Errorf("dump missing hex bytes: %s", dump)
	}
	if !strings.Contains(dump, "hello") {
		t.Errorf("dump missing ascii column: %s", dump)
	}
	if !strings.HasPrefix(dump, "00000000") {
		t.Errorf("dump missing offset column: %s", dump)
	}
}

package nvmetest

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestRPCGetNvmeControllers(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "nvmetest.sock")

	opts := testOptions(t)
	opts.DisableRPC = false
	opts.RPCSocket = socket

	d, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	mock := NewMockController(1024)
	c := d.AttachController(mock, "mock")

	ns, err := c.OpenNamespace(1)
	if err != nil {
		t.Fatalf("OpenNamespace failed: %v", err)
	}
	defer ns.Close()

	qp, err := c.CreateQpair(0, 16)
	if err != nil {
		t.Fatalf("CreateQpair failed: %v", err)
	}
	defer qp.Free()

	buf, err := NewBuffer(512)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Free()

	for i := 0; i < 3; i++ {
		if err := ns.Write(qp, buf, uint64(i), 1, nil, nil); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	qp.WaitCompletion(0)

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "get_nvme_controllers"}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var resp struct {
		Jsonrpc string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  []any  `json:"result"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if resp.Jsonrpc != "2.0" || resp.ID != 1 {
		t.Errorf("bad envelope: %+v", resp)
	}

	// two active qpairs (admin + one I/O), each rendered as tail then the
	// last 4 opcodes
	if len(resp.Result) != 4 {
		t.Fatalf("result length = %d, want 4: %v", len(resp.Result), resp.Result)
	}

	adminTail, ok := resp.Result[0].(float64)
	if !ok || adminTail != 0 {
		t.Errorf("admin tail = %v, want 0", resp.Result[0])
	}
	ioTail, ok := resp.Result[2].(float64)
	if !ok || ioTail != 3 {
		t.Errorf("io tail = %v, want 3", resp.Result[2])
	}
	opcodes, ok := resp.Result[3].([]any)
	if !ok || len(opcodes) != 4 {
		t.Fatalf("opcodes = %v, want 4 entries", resp.Result[3])
	}
	if opcodes[0].(float64) != float64(OpcodeWrite) {
		t.Errorf("newest opcode = %v, want Write", opcodes[0])
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "nvmetest.sock")

	opts := testOptions(t)
	opts.DisableRPC = false
	opts.RPCSocket = socket

	d, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	req := map[string]any{"jsonrpc": "2.0", "id": 7, "method": "no_such_method"}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var resp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected method-not-found error, got %+v", resp.Error)
	}
}

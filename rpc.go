package nvmetest

import (
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/hostside/go-nvmetest/internal/cmdlog"
	"github.com/hostside/go-nvmetest/internal/constants"
	"github.com/hostside/go-nvmetest/internal/logging"
)

// rpcServer exports the command log over a unix socket for liveness and
// debug. It speaks just enough JSON-RPC 2.0 for the one method it serves.
type rpcServer struct {
	socket string
	ln     net.Listener
	log    *cmdlog.Table
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func startRPCServer(socket string, table *cmdlog.Table, logger *logging.Logger) (*rpcServer, error) {
	// a socket left over from a dead process blocks the listen
	os.Remove(socket)

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, err
	}

	s := &rpcServer{socket: socket, ln: ln, log: table, logger: logger}
	go s.acceptLoop()
	logger.Debug("rpc server listening", "socket", socket)
	return s, nil
}

func (s *rpcServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("rpc accept failed", "error", err)
			return
		}
		go s.serveConn(conn)
	}
}

func (s *rpcServer) serveConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}

		resp := rpcResponse{Jsonrpc: "2.0", ID: req.ID}
		switch req.Method {
		case "get_nvme_controllers":
			resp.Result = s.getNvmeControllers()
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}
		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}

// getNvmeControllers renders, per active qpair, the ring tail followed by
// the opcodes of the last 4 commands. Torn reads of in-flight slots are
// tolerated; this output is debug-only.
func (s *rpcServer) getNvmeControllers() []any {
	var out []any
	for qid := uint16(0); qid < constants.CmdLogMaxQ; qid++ {
		if !s.log.Active(qid) {
			continue
		}
		// widen the opcodes so encoding/json does not base64 a byte slice
		opcodes := make([]uint32, 0, 4)
		for _, opc := range s.log.LastOpcodes(qid, 4) {
			opcodes = append(opcodes, uint32(opc))
		}
		out = append(out, s.log.Tail(qid), opcodes)
	}
	if out == nil {
		out = []any{}
	}
	return out
}

func (s *rpcServer) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.ln.Close()
	os.Remove(s.socket)
}

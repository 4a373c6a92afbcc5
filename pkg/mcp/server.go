// Package mcp serves read-only quota inspection tools over the Model
// Context Protocol (JSON-RPC 2.0, one message per line on stdio).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Server answers MCP requests using a QuotaControl backend, local or
// remote.
type Server struct {
	qc      models.QuotaControl
	version string
	log     zerolog.Logger
}

// New creates a Server.
func New(qc models.QuotaControl, version string, log zerolog.Logger) *Server {
	return &Server{qc: qc, version: version, log: log.With().Str("component", "mcp").Logger()}
}

// Run reads requests from r line by line and writes responses to w until
// r is exhausted or ctx is canceled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "quotacontrol", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}
	case "notifications/initialized":
		return nil
	case "tools/list":
		resp.Result = ToolsListResult{Tools: definitions()}
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
			return resp
		}
		t, ok := toolsByName[params.Name]
		if !ok {
			resp.Result = failure(fmt.Sprintf("unknown tool: %s", params.Name))
			return resp
		}
		resp.Result = t.call(ctx, s.qc, params.Arguments)
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
	return resp
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

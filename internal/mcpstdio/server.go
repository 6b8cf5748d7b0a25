// Package mcpstdio exposes an llmtool.Registry over a minimal JSON-RPC 2.0
// loop on stdin/stdout, for external tool-hosts that speak MCP's stdio
// transport. It wraps the same tool registries the LLM loop calls directly,
// so no tool logic is duplicated.
package mcpstdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/beatrix-ha/beatrix/internal/llmtool"
)

// Standard JSON-RPC 2.0 error codes, plus the MCP tool-not-found code.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeToolNotFound   = -32002
)

// request is one incoming JSON-RPC 2.0 message.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is one outgoing JSON-RPC 2.0 message.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []toolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// Server answers JSON-RPC 2.0 requests against one or more named tool
// registries. Callers register each suite under the name external
// tool-hosts should see.
type Server struct {
	registries map[string]*llmtool.Registry
	logger     *slog.Logger
}

// New creates a Server with no registries. Register the scheduling and
// execution suites (or any other llmtool.Registry) before calling Serve.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registries: make(map[string]*llmtool.Registry), logger: logger}
}

// Register adds a named tool registry, replacing any registry already stored
// under the same suite name. Tool names are not checked across registries:
// tools/list includes every registry's tools, duplicates included, and a
// tools/call for a name defined by several registries runs it on whichever
// of them the map iteration reaches first.
func (s *Server) Register(suite string, reg *llmtool.Registry) {
	s.registries[suite] = reg
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.handleLine(ctx, line, w); err != nil {
			s.logger.Error("mcpstdio: write response failed", "error", err)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcpstdio: read stdin: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) error {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return writeResponse(w, response{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParseError, Message: err.Error()}})
	}
	if req.Method == "" {
		return writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "missing method"}})
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpcError) {
	switch method {
	case "initialize":
		return mustMarshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "beatrix", "version": "dev"},
		}), nil
	case "tools/list":
		return s.listTools()
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (s *Server) listTools() (json.RawMessage, *rpcError) {
	var tools []toolDescriptor
	for _, reg := range s.registries {
		for _, spec := range reg.ListTools() {
			tools = append(tools, toolDescriptor{Name: spec.Name, Description: spec.Description, InputSchema: spec.Schema})
		}
	}
	return mustMarshal(listToolsResult{Tools: tools}), nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (json.RawMessage, *rpcError) {
	var call callToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	for _, reg := range s.registries {
		if !hasTool(reg, call.Name) {
			continue
		}
		result := reg.Call(ctx, call.Name, call.Arguments)
		return mustMarshal(callToolResult{
			Content: []toolResultContent{{Type: "text", Text: result.Output}},
			IsError: result.IsError,
		}), nil
	}
	return nil, &rpcError{Code: ErrCodeToolNotFound, Message: "tool not found: " + call.Name}
}

func hasTool(reg *llmtool.Registry, name string) bool {
	for _, spec := range reg.ListTools() {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func mustMarshal(v any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

func writeResponse(w io.Writer, resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mcpstdio: marshal response: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}

package search

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrTransportClosed reports that the subprocess channel went away: the
// process exited, its stdout hit EOF or a write to its stdin failed.
var ErrTransportClosed = errors.New("search transport closed")

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("search client closed")

// ErrToolUnavailable is returned when the subprocess does not offer the
// configured search tool during discovery.
var ErrToolUnavailable = errors.New("search tool unavailable")

// ProtocolError is a JSON-RPC error answered by the subprocess. It is never a
// transport failure and is not retried.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("search %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// IsMethodNotFound reports whether the server did not recognise the method.
func (e *ProtocolError) IsMethodNotFound() bool { return e.Code == mcp.METHOD_NOT_FOUND }

// IsInternal reports whether the server failed while handling the call.
func (e *ProtocolError) IsInternal() bool { return e.Code == mcp.INTERNAL_ERROR }

// IPCError is returned once the reconnect budget is spent, or when the
// subprocess cannot be started at all.
type IPCError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *IPCError) Error() string {
	return fmt.Sprintf("search ipc %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *IPCError) Unwrap() error { return e.Err }

// ToolError is a tool result flagged isError by the server.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("search tool %s: %s", e.Tool, e.Message)
}

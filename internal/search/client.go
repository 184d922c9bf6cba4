// Package search owns the search subprocess: it spawns it, speaks
// newline-delimited JSON-RPC with it, respawns it when it dies and rate
// limits the calls made through it.
package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"
)

const (
	maxLineSize   = 16 << 20
	shutdownGrace = 2 * time.Second

	// handshakeTimeout bounds a handshake when no CallTimeout is set.
	handshakeTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Command is the subprocess argv; Command[0] is the executable.
	Command []string
	// Env is appended to the current environment.
	Env []string
	// Tool must appear in the tools/list answer. Empty skips the check.
	Tool string
	// MaxReconnects bounds how many times one call may respawn the
	// subprocess before it fails with an *IPCError.
	MaxReconnects int
	// CallTimeout bounds a single request/response exchange. Zero means no
	// limit beyond the caller's context.
	CallTimeout   time.Duration
	ClientName    string
	ClientVersion string
	Logger        *slog.Logger
}

// Client is the connection manager for the search subprocess. It is safe for
// concurrent use; concurrent calls share one subprocess.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    *conn
	dialing *conn
	closed  bool

	// dial collapses concurrent spawns into one; mu is not held while a
	// subprocess starts and handshakes.
	dial   singleflight.Group
	spawns atomic.Int64
}

// NewClient returns a Client. The subprocess is started lazily by the first
// call.
func NewClient(opts Options) (*Client, error) {
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, errors.New("search command is required")
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.ClientName == "" {
		opts.ClientName = "invenrich"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger.With("component", "search")}, nil
}

// Spawns returns how many subprocesses this client has started.
func (c *Client) Spawns() int64 { return c.spawns.Load() }

// Tools returns the tools discovered on the current connection.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return append([]Tool(nil), c.conn.tools...)
}

// CallTool invokes a tool, transparently respawning the subprocess if the
// channel closes before the answer arrives.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	var res ToolResult
	if err := c.Request(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping probes the subprocess, starting it if necessary.
func (c *Client) Ping(ctx context.Context) error {
	return c.Request(ctx, "ping", nil, nil)
}

// Request sends one JSON-RPC request and decodes the result into out (which
// may be nil). Transport failures are retried on a fresh subprocess up to
// MaxReconnects times; protocol errors are returned as *ProtocolError.
func (c *Client) Request(ctx context.Context, method string, params, out any) error {
	var lastErr error
	attempts := 0
	for attempts <= c.opts.MaxReconnects {
		attempts++
		cn, err := c.connection(ctx)
		if err == nil {
			err = c.exchange(ctx, cn, method, params, out)
			if err != nil && errors.Is(err, ErrTransportClosed) {
				c.invalidate(cn)
			}
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrTransportClosed) {
			return err
		}
		lastErr = err
		c.logger.Warn("search subprocess channel closed",
			"method", method, "attempt", attempts, "max_reconnects", c.opts.MaxReconnects, "error", err)
	}
	return &IPCError{Op: method, Attempts: attempts, Err: lastErr}
}

func (c *Client) exchange(ctx context.Context, cn *conn, method string, params, out any) error {
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	return cn.call(ctx, method, params, out)
}

// KeepAlive pings the live subprocess every interval until ctx ends. It never
// spawns one; a failed ping drops the connection so the next call respawns.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		cn := c.conn
		c.mu.Unlock()
		if cn == nil || cn.isClosed() {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := cn.call(pingCtx, "ping", nil, nil)
		cancel()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("search subprocess ping failed", "error", err)
			c.invalidate(cn)
		}
	}
}

// Close terminates the subprocess, including one still handshaking. Further
// calls return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	cn, dialing := c.conn, c.dialing
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	if dialing != nil {
		dialing.close()
	}
	return nil
}

// connection returns the live connection, spawning and handshaking a new
// subprocess when there is none. Concurrent callers share one spawn; each
// stops waiting when its own ctx ends.
func (c *Client) connection(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.conn != nil && !c.conn.isClosed() {
		cn := c.conn
		c.mu.Unlock()
		return cn, nil
	}
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	c.mu.Unlock()

	ch := c.dial.DoChan("spawn", func() (any, error) {
		return c.connect(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*conn), nil
	}
}

// connect spawns and handshakes a subprocess and installs it as the live
// connection. It runs without mu held.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	if c.conn != nil && !c.conn.isClosed() {
		cn := c.conn
		c.mu.Unlock()
		return cn, nil
	}
	c.mu.Unlock()

	cn, err := c.spawn()
	if err != nil {
		return nil, &IPCError{Op: "spawn", Attempts: 1, Err: err}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.close()
		return nil, ErrClientClosed
	}
	c.dialing = cn
	c.mu.Unlock()

	err = c.handshake(ctx, cn)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = nil
	if err == nil && c.closed {
		err = ErrClientClosed
	}
	if err != nil {
		cn.close()
		return nil, err
	}
	c.conn = cn
	return cn, nil
}

func (c *Client) invalidate(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()
	cn.close()
}

func (c *Client) spawn() (*conn, error) {
	cmd := exec.Command(c.opts.Command[0], c.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), c.opts.Env...)
	cmd.Stderr = &stderrLogger{logger: c.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.opts.Command[0], err)
	}
	n := c.spawns.Add(1)
	c.logger.Info("search subprocess started", "pid", cmd.Process.Pid, "spawn", n)

	cn := &conn{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  c.logger,
	}
	go cn.readLoop(stdout)
	return cn, nil
}

func (c *Client) handshake(ctx context.Context, cn *conn) error {
	timeout := c.opts.CallTimeout
	if timeout <= 0 {
		timeout = handshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var init initializeResult
	err := cn.call(ctx, "initialize", initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    map[string]any{},
		ClientInfo:      mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion},
	}, &init)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := cn.notify("notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	var list listToolsResult
	if err := cn.call(ctx, "tools/list", nil, &list); err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if c.opts.Tool != "" && !hasTool(list.Tools, c.opts.Tool) {
		return fmt.Errorf("%w: %q not offered by %s", ErrToolUnavailable, c.opts.Tool, init.ServerInfo.Name)
	}
	cn.tools = list.Tools
	c.logger.Debug("search subprocess ready",
		"server", init.ServerInfo.Name, "server_version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion, "tools", len(list.Tools))
	return nil
}

func hasTool(tools []Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// conn is one running subprocess and its pending requests.
type conn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	tools  []Tool

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResponse

	closeOnce sync.Once
	done      chan struct{}
	err       error
	exited    chan struct{}
}

func (cn *conn) isClosed() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}

func (cn *conn) shutdown(err error) {
	cn.closeOnce.Do(func() {
		cn.err = err
		close(cn.done)
	})
}

// close marks the connection dead, closes stdin and kills the process if it
// has not exited within the grace period.
func (cn *conn) close() {
	cn.shutdown(fmt.Errorf("%w: closed by client", ErrTransportClosed))
	cn.stdin.Close()
	go func() {
		select {
		case <-cn.exited:
		case <-time.After(shutdownGrace):
			if cn.cmd.Process != nil {
				cn.cmd.Process.Kill()
			}
		}
	}()
}

func (cn *conn) write(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.isClosed() {
		return cn.err
	}
	if _, err := cn.stdin.Write(b); err != nil {
		cn.shutdown(fmt.Errorf("%w: write: %v", ErrTransportClosed, err))
		return cn.err
	}
	return nil
}

func (cn *conn) notify(method string) error {
	return cn.write(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, Method: method})
}

func (cn *conn) call(ctx context.Context, method string, params, out any) error {
	id := cn.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	cn.pendingMu.Lock()
	cn.pending[id] = ch
	cn.pendingMu.Unlock()
	defer func() {
		cn.pendingMu.Lock()
		delete(cn.pending, id)
		cn.pendingMu.Unlock()
	}()

	if err := cn.write(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	var resp rpcResponse
	select {
	case resp = <-ch:
	case <-cn.done:
		select {
		case resp = <-ch:
		default:
			return cn.err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if resp.Error != nil {
		return &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func (cn *conn) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			cn.logger.Debug("ignoring non-JSON line from search subprocess", "line", truncate(string(line), 200))
			continue
		}
		if !msg.hasID() {
			continue
		}
		if msg.Method != "" {
			cn.answerServerRequest(msg)
			continue
		}
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			cn.logger.Debug("dropping response with foreign id", "id", string(msg.ID))
			continue
		}
		cn.pendingMu.Lock()
		ch := cn.pending[id]
		delete(cn.pending, id)
		cn.pendingMu.Unlock()
		if ch == nil {
			cn.logger.Debug("dropping response without pending request", "id", id)
			continue
		}
		ch <- rpcResponse{Result: msg.Result, Error: msg.Error}
	}

	reason := sc.Err()
	if reason == nil {
		reason = io.EOF
	}
	cn.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, reason))
	waitErr := cn.cmd.Wait()
	close(cn.exited)
	cn.logger.Debug("search subprocess exited", "read_error", reason, "wait_error", waitErr)
}

// answerServerRequest replies to requests the subprocess sends us. Only ping
// is supported.
func (cn *conn) answerServerRequest(msg rpcMessage) {
	type reply struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}
	r := reply{JSONRPC: mcp.JSONRPC_VERSION, ID: msg.ID}
	if msg.Method == "ping" {
		r.Result = struct{}{}
	} else {
		r.Error = &rpcError{Code: mcp.METHOD_NOT_FOUND, Message: "method not found: " + msg.Method}
	}
	if err := cn.write(r); err != nil {
		cn.logger.Debug("answering server request failed", "method", msg.Method, "error", err)
	}
}

// stderrLogger forwards the subprocess's stderr to the debug log line by
// line.
type stderrLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("search subprocess stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

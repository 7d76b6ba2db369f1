package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/nebucaz/spendcast-agent/provider"
)

// StderrSink receives every line the provider writes to standard error, in
// arrival order. Sinks must not block; slow consumers should buffer.
type StderrSink func(providerName, line string)

// ClientOptions tune a single-use process client.
type ClientOptions struct {
	// Timeout bounds the whole interaction when the caller's context has no
	// deadline of its own. Zero means DefaultTimeout.
	Timeout time.Duration
	// GracePeriod is how long teardown waits between the termination signal
	// and the forced kill. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
	Stderr      StderrSink
	Logger      *log.Logger
}

const (
	// DefaultTimeout is applied when neither configuration nor the caller
	// supplies a bound.
	DefaultTimeout = 30 * time.Second
	// DefaultGracePeriod separates SIGTERM from SIGKILL during teardown.
	DefaultGracePeriod = 2 * time.Second
)

// Client runs exactly one request/response interaction against one freshly
// spawned provider process. A client is single-use: construct, call either
// Handshake or Invoke once, inspect, discard.
type Client struct {
	cfg    provider.Config
	opts   ClientOptions
	handle *ProcessHandle
}

// NewClient builds a client for one interaction with the given provider.
func NewClient(cfg provider.Config, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Client{cfg: cfg, opts: opts, handle: newProcessHandle()}
}

// Handle returns the lifecycle handle of the process this client owns. After
// Handshake or Invoke returns, the state is always Terminated.
func (c *Client) Handle() *ProcessHandle { return c.handle }

// Handshake launches the provider, performs the initialize exchange followed
// by the tool listing, and tears the process down. The returned entries are
// only valid for the discovery round that produced them.
func (c *Client) Handshake(ctx context.Context) ([]ToolManifestEntry, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	sess, err := c.spawn(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.teardown()

	var init initializeResult
	if err := sess.roundTrip(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: "spendcast-agent", Version: "0.1"},
	}, &init); err != nil {
		return nil, err
	}

	var listing listToolsResult
	if err := sess.roundTrip(ctx, methodListTools, struct{}{}, &listing); err != nil {
		return nil, err
	}
	c.handle.transition(StateCompleted)
	return manifestFromDescriptors(c.cfg.Name, listing.Tools), nil
}

// Invoke launches the provider, sends exactly one tool call, awaits exactly
// one response, and tears the process down. A tool-reported failure is a
// normal result with StatusError, not a Go error; lifecycle failures come
// back as SpawnError, ProtocolError, TimeoutError, or CrashError.
func (c *Client) Invoke(ctx context.Context, req ToolCallRequest) (ToolCallResult, error) {
	start := time.Now()
	ctx, cancel := c.bound(ctx)
	defer cancel()

	sess, err := c.spawn(ctx)
	if err != nil {
		return ToolCallResult{Elapsed: time.Since(start), handle: c.handle}, err
	}
	defer sess.teardown()

	var raw callToolResult
	rpcErr, err := sess.roundTripRPC(ctx, methodCallTool, callToolParams{
		Name:      req.Tool,
		Arguments: req.Arguments,
	}, &raw)
	if err != nil {
		return ToolCallResult{
			Elapsed: time.Since(start),
			Stderr:  stderrOf(err),
			handle:  c.handle,
		}, err
	}
	c.handle.transition(StateCompleted)

	result := ToolCallResult{Elapsed: time.Since(start), handle: c.handle}
	switch {
	case rpcErr != nil:
		result.Status = StatusError
		result.ErrorDetail = rpcErr.Message
	case raw.IsError:
		result.Status = StatusError
		result.ErrorDetail = raw.text()
	default:
		result.Status = StatusSuccess
		result.Payload = raw.text()
	}
	// Tear down before attaching stderr so the reader has drained every
	// line the process wrote, including anything emitted while exiting.
	sess.teardown()
	result.Stderr = sess.stderrText()
	return result, nil
}

// bound applies the client timeout when the caller did not set a deadline.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

// session owns the spawned process and its streams for the lifetime of one
// interaction. It is never shared between goroutines except through the
// response channel its reader feeds.
type session struct {
	client *Client
	cmd    *exec.Cmd
	stream jsonrpc2.ObjectStream

	// responses delivers every object the reader goroutine decodes from
	// stdout, terminated by exactly one entry with a non-nil err.
	responses  chan readOutcome
	readerDone chan struct{}

	stderrMu   sync.Mutex
	stderrBuf  bytes.Buffer
	stderrDone chan struct{}

	tornDown bool
}

type readOutcome struct {
	resp jsonrpc2.Response
	err  error
}

// spawn starts the provider process, wires the stdio protocol stream, and
// launches one reader goroutine per output stream.
func (c *Client) spawn(ctx context.Context) (*session, error) {
	c.handle.markStarting()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Workdir
	cmd.Env = c.cfg.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.handle.transition(StateTerminated)
		return nil, &SpawnError{Provider: c.cfg.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.handle.transition(StateTerminated)
		return nil, &SpawnError{Provider: c.cfg.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.handle.transition(StateTerminated)
		return nil, &SpawnError{Provider: c.cfg.Name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		c.handle.transition(StateTerminated)
		return nil, &SpawnError{Provider: c.cfg.Name, Err: err}
	}
	c.handle.markSpawned(cmd.Process.Pid)
	c.logf("[mcp] spawned provider %s pid=%d", c.cfg.Name, cmd.Process.Pid)

	sess := &session{
		client:     c,
		cmd:        cmd,
		stream:     jsonrpc2.NewBufferedStream(&stdioPipe{reader: stdout, writer: stdin}, jsonrpc2.PlainObjectCodec{}),
		responses:  make(chan readOutcome, 4),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go sess.readResponses()
	go sess.readStderr(stderr)

	// Unblock pending reads if the caller's context expires mid-exchange.
	go func() {
		select {
		case <-ctx.Done():
			sess.interrupt()
		case <-sess.readerDone:
		}
	}()

	return sess, nil
}

// readResponses decodes stdout objects until the stream ends. It always
// sends a final entry with a non-nil err before closing.
func (s *session) readResponses() {
	defer close(s.readerDone)
	for {
		var resp jsonrpc2.Response
		err := s.stream.ReadObject(&resp)
		if err != nil {
			s.responses <- readOutcome{err: err}
			return
		}
		s.responses <- readOutcome{resp: resp}
	}
}

// readStderr captures the full diagnostic stream and forwards each line to
// the configured sink.
func (s *session) readStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		if s.stderrBuf.Len() > 0 {
			s.stderrBuf.WriteByte('\n')
		}
		s.stderrBuf.WriteString(line)
		s.stderrMu.Unlock()
		if s.client.opts.Stderr != nil {
			s.client.opts.Stderr(s.client.cfg.Name, line)
		}
	}
}

func (s *session) stderrText() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return s.stderrBuf.String()
}

// roundTrip performs one correlated exchange and decodes the result payload.
func (s *session) roundTrip(ctx context.Context, method string, params, result any) error {
	rpcErr, err := s.roundTripRPC(ctx, method, params, result)
	if err != nil {
		return err
	}
	if rpcErr != nil {
		return &ProtocolError{
			Provider: s.client.cfg.Name,
			Detail:   fmt.Sprintf("%s returned error %d: %s", method, rpcErr.Code, rpcErr.Message),
			Stderr:   s.stderrText(),
		}
	}
	return nil
}

// roundTripRPC writes one request and awaits the response echoing its
// correlation id. A response-level JSON-RPC error is returned separately so
// tool invocations can treat it as a tool outcome rather than a failure.
func (s *session) roundTripRPC(ctx context.Context, method string, params, result any) (*jsonrpc2.Error, error) {
	id := jsonrpc2.ID{Str: uuid.NewString(), IsString: true}
	req := &jsonrpc2.Request{ID: id, Method: method}
	if err := req.SetParams(params); err != nil {
		return nil, &ProtocolError{Provider: s.client.cfg.Name, Detail: fmt.Sprintf("encode %s params: %v", method, err)}
	}

	s.client.handle.transition(StateAwaitingResponse)
	if err := s.stream.WriteObject(req); err != nil {
		return nil, s.classifyStreamErr(ctx, err)
	}

	select {
	case <-ctx.Done():
		s.markCtxOutcome(ctx)
		return nil, s.ctxError(ctx)
	case outcome := <-s.responses:
		if outcome.err != nil {
			return nil, s.classifyStreamErr(ctx, outcome.err)
		}
		resp := outcome.resp
		if resp.ID != id {
			s.client.handle.transition(StateCrashed)
			return nil, &ProtocolError{
				Provider: s.client.cfg.Name,
				Detail:   fmt.Sprintf("response correlation id %q does not match request %q", formatID(resp.ID), id.Str),
				Stderr:   s.stderrText(),
			}
		}
		if resp.Error != nil {
			return resp.Error, nil
		}
		if resp.Result == nil {
			return nil, &ProtocolError{
				Provider: s.client.cfg.Name,
				Detail:   fmt.Sprintf("%s response carries neither result nor error", method),
				Stderr:   s.stderrText(),
			}
		}
		if err := json.Unmarshal(*resp.Result, result); err != nil {
			return nil, &ProtocolError{
				Provider: s.client.cfg.Name,
				Detail:   fmt.Sprintf("decode %s result: %v", method, err),
				Stderr:   s.stderrText(),
			}
		}
		return nil, nil
	}
}

// classifyStreamErr maps a low-level stream failure onto the error taxonomy.
// A context expiry always wins: killing the process also breaks the stream,
// and the caller should see the timeout, not the secondary EOF.
func (s *session) classifyStreamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.markCtxOutcome(ctx)
		return s.ctxError(ctx)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		s.client.handle.transition(StateCrashed)
		// The process is gone; give the stderr reader a moment to drain the
		// final diagnostics before attaching them.
		s.awaitStderr(time.Second)
		return &CrashError{Provider: s.client.cfg.Name, Stderr: s.stderrText()}
	}
	// The process is still alive but sent something we could not decode.
	s.client.handle.transition(StateCrashed)
	return &ProtocolError{
		Provider: s.client.cfg.Name,
		Detail:   fmt.Sprintf("malformed record: %v", err),
		Stderr:   s.stderrText(),
	}
}

func (s *session) markCtxOutcome(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.client.handle.transition(StateTimedOut)
	} else {
		s.client.handle.transition(StateCrashed)
	}
}

// awaitStderr waits for the stderr reader to finish, bounded so a provider
// that keeps its stderr open cannot stall error reporting.
func (s *session) awaitStderr(limit time.Duration) {
	select {
	case <-s.stderrDone:
	case <-time.After(limit):
	}
}

func (s *session) ctxError(ctx context.Context) error {
	s.awaitStderr(time.Second)
	return &TimeoutError{
		Provider: s.client.cfg.Name,
		After:    time.Since(s.client.handle.StartedAt()).Round(time.Millisecond),
		Stderr:   s.stderrText(),
	}
}

// interrupt forces the process down when the context expires so blocked
// stream reads unblock promptly.
func (s *session) interrupt() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// teardown runs on every exit path. It closes the input stream, asks the
// process to exit, force-kills after the grace period, and joins both stream
// readers before calling Wait and marking the handle Terminated. Wait must
// not run while either pipe reader is active: it closes the pipes on return
// and a trailing stderr line would be lost.
func (s *session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true

	_ = s.stream.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	// The stderr pipe hits EOF when the process exits, so the reader
	// finishing doubles as the exit signal. A process that outlives the
	// grace period is killed, which ends the stream as well.
	select {
	case <-s.stderrDone:
	case <-time.After(s.client.opts.GracePeriod):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.awaitStderr(time.Second)
	}

	// Drain the response channel while joining the reader so a chatty
	// provider can never wedge teardown on a full buffer.
	for {
		select {
		case <-s.responses:
			continue
		case <-s.readerDone:
		}
		break
	}

	waited := make(chan error, 1)
	go func() { waited <- s.cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(s.client.opts.GracePeriod):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-waited
	}

	s.client.handle.transition(StateTerminated)
	s.client.logf("[mcp] provider %s terminated", s.client.cfg.Name)
}

// stdioPipe bridges the subprocess stdout/stdin pair into the single
// ReadWriteCloser the jsonrpc2 stream framing expects.
type stdioPipe struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (p *stdioPipe) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *stdioPipe) Write(b []byte) (int, error) { return p.writer.Write(b) }
func (p *stdioPipe) Close() error {
	_ = p.reader.Close()
	return p.writer.Close()
}

func formatID(id jsonrpc2.ID) string {
	if id.IsString {
		return id.Str
	}
	return fmt.Sprintf("%d", id.Num)
}

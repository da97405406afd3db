// Package conn correlates requests with results over a framed driver stream
// and feeds lifecycle notifications into the object registry.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/ipc"
	"github.com/rexliu/drvlink/pkg/wire"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Connection drives one driver stream. SendRequest and Call are safe for
// concurrent use; PollOnce and Run must have a single caller.
type Connection struct {
	opts     options
	reader   *ipc.FrameReader
	writer   *ipc.FrameWriter
	closers  []io.Closer
	registry *core.Registry
	pending  *pendingTable

	sendMu sync.Mutex
	nextID atomic.Uint64
	state  atomic.Int32

	ready      chan struct{}
	playwright atomic.Pointer[core.Playwright]

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	closeErr  error
}

// New builds a connection reading frames from r and writing them to w. When
// no closer is configured, r and w are closed on shutdown if they are
// io.Closers.
func New(r io.Reader, w io.Writer, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Connection{
		opts:     o,
		reader:   ipc.NewFrameReaderSize(r, o.maxFrame),
		writer:   ipc.NewFrameWriter(w),
		registry: core.NewRegistry(o.rootGUID),
		pending:  newPendingTable(),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	c.writer.SetMaxFrame(o.maxFrame)
	if o.logger != nil {
		c.registry.SetLogger(o.logger)
	}
	if o.closer != nil {
		c.closers = append(c.closers, o.closer)
	} else {
		if rc, ok := r.(io.Closer); ok {
			c.closers = append(c.closers, rc)
		}
		if wc, ok := w.(io.Closer); ok {
			c.closers = append(c.closers, wc)
		}
	}
	return c
}

func (c *Connection) Registry() *core.Registry { return c.registry }

func (c *Connection) State() State { return State(c.state.Load()) }

// Playwright returns the entry object, or nil before the connection is ready.
func (c *Connection) Playwright() *core.Playwright { return c.playwright.Load() }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the shutdown error, wrapping ErrConnectionClosed, or nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// SendRequest writes one request frame and returns the call awaiting its
// result. Frames leave in the order SendRequest is called.
func (c *Connection) SendRequest(guid, method string, params any) (*PendingCall, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := c.checkMethod(guid, method); err != nil {
		return nil, err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s.%s: %w", guid, method, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	id := c.nextID.Add(1)
	call := newPendingCall(id, guid, method)
	if err := c.pending.add(call); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ipc.Request{
		ID:       id,
		GUID:     guid,
		Method:   method,
		Params:   raw,
		Metadata: ipc.Metadata{WallTime: time.Now().UnixMilli()},
	})
	if err != nil {
		c.pending.forget(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.writer.WriteFrame(payload); err != nil {
		c.pending.forget(id)
		if errors.Is(err, ipc.ErrFrameTooLarge) {
			return nil, err
		}
		c.shutdown(&TransportError{Op: "write", Err: err})
		return nil, c.Err()
	}
	c.debugf("-> %d %s.%s (%d bytes)", id, guid, method, len(payload))
	if c.opts.tracer != nil {
		c.opts.tracer.TraceFrame(TraceFrame{
			Direction: Outbound, Kind: "request", ID: id, GUID: guid, Method: method,
			Payload: payload, At: time.Now(),
		})
	}
	return call, nil
}

func (c *Connection) checkMethod(guid, method string) error {
	if c.opts.catalog == nil {
		return nil
	}
	ref, ok := c.registry.Get(guid)
	if !ok {
		return fmt.Errorf("%s.%s: %w", guid, method, core.ErrObjectNotFound)
	}
	obj, err := ref.Resolve()
	if err != nil {
		return fmt.Errorf("%s.%s: %w", guid, method, err)
	}
	typ := obj.Type()
	if _, isRoot := obj.(*core.Root); isRoot {
		typ = "Root"
	}
	if !c.opts.catalog.HasCommand(typ, method) {
		return fmt.Errorf("%w: %s has no command %q", ErrUnknownMethod, typ, method)
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(p), nil
	case wire.Value:
		return p.MarshalJSON()
	default:
		return json.Marshal(p)
	}
}

// Call sends a request and waits for its result. When ctx ends first the
// call is forgotten and a late result is discarded.
func (c *Connection) Call(ctx context.Context, guid, method string, params any) (wire.Value, error) {
	call, err := c.SendRequest(guid, method, params)
	if err != nil {
		return wire.Value{}, err
	}
	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		c.pending.forget(call.ID)
		return wire.Value{}, ctx.Err()
	}
}

// CallInto is Call followed by decoding the result into out.
func (c *Connection) CallInto(ctx context.Context, guid, method string, params, out any) error {
	result, err := c.Call(ctx, guid, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := wire.Deserialize(result, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", guid, method, err)
	}
	return nil
}

// Initialize sends the root initialize call expected by drivers that wait
// for the client to announce itself, then waits for the entry object.
func (c *Connection) Initialize(ctx context.Context, sdkLanguage string) (*core.Playwright, error) {
	params := map[string]string{"sdkLanguage": sdkLanguage}
	if _, err := c.Call(ctx, c.registry.RootGUID(), "initialize", params); err != nil {
		return nil, err
	}
	return c.WaitReady(ctx)
}

// WaitReady blocks until the driver has created the Playwright object.
func (c *Connection) WaitReady(ctx context.Context) (*core.Playwright, error) {
	select {
	case <-c.ready:
		return c.playwright.Load(), nil
	case <-c.closed:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run pumps inbound frames until the connection closes or ctx ends. It
// returns nil after Close, ctx.Err() on cancellation and the closing error
// otherwise.
func (c *Connection) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		err := c.PollOnce()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errClientClosed) {
			return nil
		}
		return err
	}
}

// PollOnce reads and dispatches one frame. Malformed messages are logged and
// dropped; a transport failure closes the connection and is returned, as it
// is on every later call.
func (c *Connection) PollOnce() error {
	if err := c.Err(); err != nil {
		return err
	}
	payload, err := c.reader.ReadFrame()
	if err != nil {
		if cerr := c.Err(); cerr != nil {
			return cerr
		}
		c.shutdown(&TransportError{Op: "read", Err: err})
		return c.Err()
	}
	if err := c.dispatch(payload); err != nil {
		c.logf("drop message: %v", err)
	}
	return nil
}

func (c *Connection) dispatch(payload []byte) error {
	msg, err := ipc.ParseMessage(payload)
	if err != nil {
		return &ProtocolError{Msg: "undecodable frame", Err: err}
	}
	kind := msg.Kind()
	if c.opts.tracer != nil {
		f := TraceFrame{Direction: Inbound, Kind: kind.String(), GUID: msg.GUID, Method: msg.Method, Payload: payload, At: time.Now()}
		if msg.ID != nil {
			f.ID = *msg.ID
		}
		c.opts.tracer.TraceFrame(f)
	}

	switch kind {
	case ipc.KindResult:
		return c.dispatchResult(msg)
	case ipc.KindCreate:
		return c.dispatchCreate(msg)
	case ipc.KindDispose:
		removed, err := c.registry.Dispose(msg.GUID)
		if err != nil {
			return &ProtocolError{Msg: "dispose " + msg.GUID, Err: err}
		}
		if len(removed) > 0 && c.opts.tracer != nil {
			c.opts.tracer.TraceDispose(removed)
		}
		return nil
	case ipc.KindAdopt:
		var p ipc.AdoptParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return &ProtocolError{Msg: "adopt params", Err: err}
		}
		if err := c.registry.Adopt(msg.GUID, p.GUID); err != nil {
			return &ProtocolError{Msg: "adopt " + p.GUID, Err: err}
		}
		return nil
	case ipc.KindEvent:
		params, err := parseValue(msg.Params)
		if err != nil {
			return &ProtocolError{Msg: fmt.Sprintf("params of %s.%s", msg.GUID, msg.Method), Err: err}
		}
		if !c.registry.RouteEvent(msg.GUID, msg.Method, params) {
			c.debugf("ignored event %s.%s", msg.GUID, msg.Method)
		}
		return nil
	default:
		return &ProtocolError{Msg: "message has neither id nor method"}
	}
}

func (c *Connection) dispatchResult(msg *ipc.Message) error {
	call, ok := c.pending.take(*msg.ID)
	if !ok {
		c.debugf("dropping result for unknown id %d", *msg.ID)
		return nil
	}
	if msg.Error != nil {
		call.resolve(wire.Value{}, &RemoteError{
			GUID:    call.GUID,
			Method:  call.Method,
			Name:    msg.Error.Error.Name,
			Message: msg.Error.Error.Message,
			Stack:   msg.Error.Error.Stack,
		})
		return nil
	}
	result, err := parseValue(msg.Result)
	if err != nil {
		perr := &ProtocolError{Msg: fmt.Sprintf("result of %d", call.ID), Err: err}
		call.resolve(wire.Value{}, perr)
		return perr
	}
	call.resolve(result, nil)
	return nil
}

func (c *Connection) dispatchCreate(msg *ipc.Message) error {
	var p ipc.CreateParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return &ProtocolError{Msg: "create params", Err: err}
	}
	init, err := parseValue(p.Initializer)
	if err != nil {
		return &ProtocolError{Msg: "initializer of " + p.GUID, Err: err}
	}
	obj, err := c.registry.Create(msg.GUID, p.Type, p.GUID, init)
	if err != nil {
		return &ProtocolError{Msg: "create " + p.GUID, Err: err}
	}
	if c.opts.tracer != nil {
		c.opts.tracer.TraceCreate(msg.GUID, p.Type, p.GUID)
	}
	if pw, ok := obj.(*core.Playwright); ok && c.playwright.CompareAndSwap(nil, pw) {
		c.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
		close(c.ready)
	}
	return nil
}

func parseValue(raw json.RawMessage) (wire.Value, error) {
	if len(raw) == 0 {
		return wire.Undefined(), nil
	}
	return wire.Parse(raw)
}

// Close shuts the connection down. Outstanding calls fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.shutdown(errClientClosed)
	return nil
}

func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		err := fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		c.state.Store(int32(StateClosed))
		if cause != errClientClosed {
			c.logf("connection closed: %v", cause)
		}
		c.pending.failAll(err)
		for _, cl := range c.closers {
			_ = cl.Close()
		}
		c.registry.Close()
		close(c.closed)
	})
}

func (c *Connection) logf(format string, args ...any) {
	if c.opts.logger != nil {
		c.opts.logger.Printf(format, args...)
	}
}

func (c *Connection) debugf(format string, args ...any) {
	if dl, ok := c.opts.logger.(debugLogger); ok {
		dl.Debugf(format, args...)
	}
}

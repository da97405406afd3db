// Package drivertest provides an in-process driver double that speaks the
// framed protocol. It announces a small object tree, answers a handful of
// lifecycle commands and lets tests inject events and failures.
package drivertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rexliu/drvlink/pkg/ipc"
)

// RootGUID is the guid of the implicit root on the fake driver.
const RootGUID = ""

// Handler answers one request.
type Handler func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope)

// Option configures a Driver.
type Option func(*Driver)

// WaitForInitialize defers announcing the Playwright tree until the client
// sends initialize on the root, as real drivers do.
func WaitForInitialize() Option { return func(d *Driver) { d.waitInit = true } }

// WithLogger routes server diagnostics.
func WithLogger(l ipc.Logger) Option { return func(d *Driver) { d.logger = l } }

// Driver is the fake. Handlers are keyed by type or guid plus method.
type Driver struct {
	srv      *ipc.Server
	logger   ipc.Logger
	waitInit bool

	mu        sync.Mutex
	types     map[string]string
	handlers  map[string]Handler
	counters  map[string]int
	requests  []ipc.Request
	announced bool
}

// ChannelRef is the {"guid": ...} form objects take in params and results.
type ChannelRef struct {
	GUID string `json:"guid"`
}

// New returns a fake driver with the built-in handlers installed.
func New(opts ...Option) *Driver {
	d := &Driver{
		types:    map[string]string{RootGUID: "Root"},
		handlers: make(map[string]Handler),
		counters: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.srv = ipc.NewServer(d.logger)
	d.srv.Fallback(d.route)
	d.installDefaults()
	return d
}

// Handle installs h for method on every object of a type, or on one guid.
// Guid handlers win over type handlers.
func (d *Driver) Handle(target, method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[target+"."+method] = h
}

func (d *Driver) route(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
	d.mu.Lock()
	d.requests = append(d.requests, *req)
	typ, known := d.types[req.GUID]
	h, ok := d.handlers[req.GUID+"."+req.Method]
	if !ok {
		h, ok = d.handlers[typ+"."+req.Method]
	}
	d.mu.Unlock()
	if !known {
		return nil, ipc.Errorf("TargetClosedError", "Target page, context or browser has been closed")
	}
	if !ok {
		return nil, ipc.Errorf("Error", "%s.%s: method not implemented", typ, req.Method)
	}
	return h(ctx, req)
}

// Serve runs the driver over r and w until the client disconnects.
func (d *Driver) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	d.srv.Attach(w)
	if !d.waitInit {
		if err := d.Announce(); err != nil {
			return err
		}
	}
	return d.srv.Serve(ctx, r, w)
}

// Start runs the driver on in-memory pipes and returns the client's ends.
// wait reports the driver's exit once the client closes its side.
func (d *Driver) Start(ctx context.Context) (r io.ReadCloser, w io.WriteCloser, wait func() error) {
	toDriverR, toDriverW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		err := d.Serve(ctx, toDriverR, toClientW)
		toClientW.CloseWithError(io.EOF)
		toDriverR.Close()
		errc <- err
	}()
	return toClientR, toDriverW, func() error { return <-errc }
}

// Stop makes Serve return after the current request.
func (d *Driver) Stop() { d.srv.Stop() }

// Announce creates the browser types and the Playwright object. It runs
// once; later calls are no-ops.
func (d *Driver) Announce() error {
	d.mu.Lock()
	if d.announced {
		d.mu.Unlock()
		return nil
	}
	d.announced = true
	d.mu.Unlock()

	init := map[string]any{}
	for _, name := range []string{"chromium", "firefox", "webkit"} {
		guid, err := d.CreateWithGUID(RootGUID, "BrowserType", "browser-type@"+name, map[string]any{
			"name":           name,
			"executablePath": "/fake/" + name,
		})
		if err != nil {
			return err
		}
		init[name] = ChannelRef{GUID: guid}
	}
	_, err := d.CreateWithGUID(RootGUID, "Playwright", "Playwright", init)
	return err
}

// Create announces a new object under parent and returns its guid.
func (d *Driver) Create(parent, typ string, initializer any) (string, error) {
	d.mu.Lock()
	d.counters[typ]++
	guid := fmt.Sprintf("%s@%d", strings.ToLower(typ), d.counters[typ])
	d.mu.Unlock()
	return d.CreateWithGUID(parent, typ, guid, initializer)
}

// CreateWithGUID announces a new object with a chosen guid.
func (d *Driver) CreateWithGUID(parent, typ, guid string, initializer any) (string, error) {
	if initializer == nil {
		initializer = struct{}{}
	}
	raw, err := json.Marshal(initializer)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.types[guid] = typ
	d.mu.Unlock()
	err = d.srv.Notify(parent, ipc.MethodCreate, ipc.CreateParams{Type: typ, GUID: guid, Initializer: raw})
	return guid, err
}

// Emit sends an event addressed to guid.
func (d *Driver) Emit(guid, method string, params any) error {
	return d.srv.Notify(guid, method, params)
}

// Dispose announces that guid is gone.
func (d *Driver) Dispose(guid string) error {
	d.mu.Lock()
	delete(d.types, guid)
	d.mu.Unlock()
	return d.srv.Notify(guid, ipc.MethodDispose, ipc.DisposeParams{})
}

// Adopt moves child under parent.
func (d *Driver) Adopt(parent, child string) error {
	return d.srv.Notify(parent, ipc.MethodAdopt, ipc.AdoptParams{GUID: child})
}

// Server exposes the underlying server for raw replies.
func (d *Driver) Server() *ipc.Server { return d.srv }

// Requests returns every request routed so far.
func (d *Driver) Requests() []ipc.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ipc.Request(nil), d.requests...)
}

package core

import (
	"sort"

	"github.com/rexliu/drvlink/pkg/wire"
)

// Type tags sent by the driver in __create__.
const (
	TypePlaywright     = "Playwright"
	TypeBrowserType    = "BrowserType"
	TypeBrowser        = "Browser"
	TypeBrowserContext = "BrowserContext"
	TypePage           = "Page"
	TypeFrame          = "Frame"
	TypeRequest        = "Request"
	TypeResponse       = "Response"
	TypeRoute          = "Route"
	TypeWebSocket      = "WebSocket"
	TypeJSHandle       = "JSHandle"
	TypeElementHandle  = "ElementHandle"
	TypeConsoleMessage = "ConsoleMessage"
	TypeDialog         = "Dialog"
	TypeArtifact       = "Artifact"
)

func newObject(o *ChannelOwner) Object {
	switch o.typ {
	case TypePlaywright:
		return &Playwright{ChannelOwner: o}
	case TypeBrowserType:
		return &BrowserType{ChannelOwner: o}
	case TypeBrowser:
		return &Browser{ChannelOwner: o, connected: true}
	case TypeBrowserContext:
		return &BrowserContext{ChannelOwner: o}
	case TypePage:
		return newPage(o)
	case TypeFrame:
		return newFrame(o)
	case TypeRequest:
		return &Request{ChannelOwner: o}
	case TypeResponse:
		return &Response{ChannelOwner: o}
	case TypeRoute:
		return &Route{ChannelOwner: o}
	case TypeWebSocket:
		return &WebSocket{ChannelOwner: o}
	case TypeJSHandle, TypeElementHandle:
		return &JSHandle{ChannelOwner: o, preview: o.initString("preview")}
	case TypeConsoleMessage:
		return &ConsoleMessage{ChannelOwner: o}
	case TypeDialog:
		return &Dialog{ChannelOwner: o}
	case TypeArtifact:
		return &Artifact{ChannelOwner: o}
	default:
		return &Opaque{ChannelOwner: o}
	}
}

// Root is the implicit object every other object descends from.
type Root struct{ *ChannelOwner }

func (*Root) handle(string, wire.Value) bool { return false }

// Opaque stands in for type tags this client has no model for. It forwards
// every event unchanged.
type Opaque struct{ *ChannelOwner }

func (o *Opaque) handle(method string, params wire.Value) bool {
	o.emit(method, params, "")
	return true
}

// Playwright is the entry object. Its creation marks the connection ready.
type Playwright struct{ *ChannelOwner }

func (*Playwright) handle(string, wire.Value) bool { return false }

// BrowserType returns the browser type registered under name, e.g. "chromium".
func (p *Playwright) BrowserType(name string) (Ref, bool) {
	ref := p.ref(p.init, name)
	if ref.IsZero() {
		return Ref{}, false
	}
	return ref, true
}

type BrowserType struct{ *ChannelOwner }

func (*BrowserType) handle(string, wire.Value) bool { return false }

func (b *BrowserType) Name() string { return b.initString("name") }

func (b *BrowserType) ExecutablePath() string { return b.initString("executablePath") }

type Browser struct {
	*ChannelOwner
	connected bool
}

func (b *Browser) handle(method string, params wire.Value) bool {
	if method != "close" {
		return false
	}
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.emit(method, params, "")
	return true
}

func (b *Browser) Version() string { return b.initString("version") }

func (b *Browser) Name() string { return b.initString("name") }

func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// contextEventRefs maps each BrowserContext event to the params field naming
// the object it concerns.
var contextEventRefs = map[string]string{
	"page":            "page",
	"console":         "message",
	"dialog":          "dialog",
	"request":         "request",
	"response":        "response",
	"requestFinished": "request",
	"requestFailed":   "request",
	"route":           "route",
}

type BrowserContext struct {
	*ChannelOwner
	closed bool
	pages  []string
}

func (c *BrowserContext) handle(method string, params wire.Value) bool {
	if method == "close" {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.emit(method, params, "")
		return true
	}
	key, ok := contextEventRefs[method]
	if !ok {
		return false
	}
	if method == "page" {
		if guid := params.Lookup("page", "guid").Text(); guid != "" {
			c.mu.Lock()
			c.pages = append(c.pages, guid)
			c.mu.Unlock()
		}
	}
	c.emit(method, params, key)
	return true
}

func (c *BrowserContext) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pages lists the context's pages that are still live, in open order.
func (c *BrowserContext) Pages() []Ref {
	c.mu.Lock()
	guids := append([]string(nil), c.pages...)
	c.mu.Unlock()
	var out []Ref
	for _, guid := range guids {
		if ref, ok := c.reg.Get(guid); ok {
			out = append(out, ref)
		}
	}
	return out
}

var pageEventRefs = map[string]string{
	"crash":         "",
	"download":      "artifact",
	"frameAttached": "frame",
	"frameDetached": "frame",
	"webSocket":     "webSocket",
	"worker":        "worker",
	"fileChooser":   "element",
}

type Page struct {
	*ChannelOwner
	closed  bool
	crashed bool
	frames  []string
}

func newPage(o *ChannelOwner) *Page {
	p := &Page{ChannelOwner: o}
	if closed, err := o.init.Lookup("isClosed").AsBool(); err == nil {
		p.closed = closed
	}
	if main := o.init.Lookup("mainFrame", "guid").Text(); main != "" {
		p.frames = append(p.frames, main)
	}
	return p
}

func (p *Page) handle(method string, params wire.Value) bool {
	switch method {
	case "close":
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.emit(method, params, "")
		return true
	case "crash":
		p.mu.Lock()
		p.crashed = true
		p.mu.Unlock()
	case "frameAttached":
		if guid := params.Lookup("frame", "guid").Text(); guid != "" {
			p.mu.Lock()
			p.frames = append(p.frames, guid)
			p.mu.Unlock()
		}
	case "frameDetached":
		guid := params.Lookup("frame", "guid").Text()
		p.mu.Lock()
		for i, f := range p.frames {
			if f == guid {
				p.frames = append(p.frames[:i:i], p.frames[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
	key, ok := pageEventRefs[method]
	if !ok {
		return false
	}
	p.emit(method, params, key)
	return true
}

func (p *Page) MainFrame() Ref { return p.ref(p.init, "mainFrame") }

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) IsCrashed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashed
}

// Frames lists attached frames, main frame first.
func (p *Page) Frames() []Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Ref, len(p.frames))
	for i, guid := range p.frames {
		out[i] = Ref{guid: guid, reg: p.reg}
	}
	return out
}

type Frame struct {
	*ChannelOwner
	url        string
	name       string
	loadStates map[string]struct{}
}

func newFrame(o *ChannelOwner) *Frame {
	f := &Frame{
		ChannelOwner: o,
		url:          o.initString("url"),
		name:         o.initString("name"),
		loadStates:   make(map[string]struct{}),
	}
	for _, s := range o.init.Lookup("loadStates").Items() {
		f.loadStates[s.Text()] = struct{}{}
	}
	return f
}

func (f *Frame) handle(method string, params wire.Value) bool {
	switch method {
	case "navigated":
		f.mu.Lock()
		if url, err := params.Lookup("url").AsString(); err == nil {
			f.url = url
		}
		if name, err := params.Lookup("name").AsString(); err == nil {
			f.name = name
		}
		f.mu.Unlock()
	case "loadstate":
		f.mu.Lock()
		if add := params.Lookup("add").Text(); add != "" {
			f.loadStates[add] = struct{}{}
		}
		if remove := params.Lookup("remove").Text(); remove != "" {
			delete(f.loadStates, remove)
		}
		f.mu.Unlock()
	default:
		return false
	}
	f.emit(method, params, "")
	return true
}

func (f *Frame) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *Frame) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

func (f *Frame) ParentFrame() Ref { return f.ref(f.init, "parentFrame") }

// LoadStates returns the reached load states, sorted.
func (f *Frame) LoadStates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.loadStates))
	for s := range f.loadStates {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f *Frame) HasLoadState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.loadStates[state]
	return ok
}

type Request struct{ *ChannelOwner }

func (*Request) handle(string, wire.Value) bool { return false }

func (r *Request) URL() string { return r.initString("url") }

func (r *Request) Method() string { return r.initString("method") }

func (r *Request) ResourceType() string { return r.initString("resourceType") }

func (r *Request) IsNavigationRequest() bool {
	b, _ := r.init.Lookup("isNavigationRequest").AsBool()
	return b
}

func (r *Request) Frame() Ref { return r.ref(r.init, "frame") }

type Response struct{ *ChannelOwner }

func (*Response) handle(string, wire.Value) bool { return false }

func (r *Response) URL() string { return r.initString("url") }

func (r *Response) Status() int {
	n, _ := r.init.Lookup("status").AsInt(32)
	return int(n)
}

func (r *Response) StatusText() string { return r.initString("statusText") }

func (r *Response) Request() Ref { return r.ref(r.init, "request") }

type Route struct{ *ChannelOwner }

func (*Route) handle(string, wire.Value) bool { return false }

func (r *Route) Request() Ref { return r.ref(r.init, "request") }

var socketEvents = map[string]bool{
	"frameSent":     true,
	"frameReceived": true,
	"socketError":   true,
}

type WebSocket struct {
	*ChannelOwner
	closed bool
}

func (w *WebSocket) handle(method string, params wire.Value) bool {
	if method == "close" {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	} else if !socketEvents[method] {
		return false
	}
	w.emit(method, params, "")
	return true
}

func (w *WebSocket) URL() string { return w.initString("url") }

func (w *WebSocket) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// JSHandle also models ElementHandle; Type tells them apart.
type JSHandle struct {
	*ChannelOwner
	preview string
}

func (h *JSHandle) handle(method string, params wire.Value) bool {
	if method != "previewUpdated" {
		return false
	}
	h.mu.Lock()
	h.preview = params.Lookup("preview").Text()
	h.mu.Unlock()
	h.emit(method, params, "")
	return true
}

func (h *JSHandle) Preview() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.preview
}

func (h *JSHandle) IsElement() bool { return h.typ == TypeElementHandle }

type ConsoleMessage struct{ *ChannelOwner }

func (*ConsoleMessage) handle(string, wire.Value) bool { return false }

// Kind is the console method, e.g. "log" or "error".
func (m *ConsoleMessage) Kind() string { return m.initString("type") }

func (m *ConsoleMessage) Text() string { return m.initString("text") }

func (m *ConsoleMessage) Page() Ref { return m.ref(m.init, "page") }

type Dialog struct{ *ChannelOwner }

func (*Dialog) handle(string, wire.Value) bool { return false }

func (d *Dialog) Kind() string { return d.initString("type") }

func (d *Dialog) Message() string { return d.initString("message") }

func (d *Dialog) DefaultValue() string { return d.initString("defaultValue") }

type Artifact struct{ *ChannelOwner }

func (*Artifact) handle(string, wire.Value) bool { return false }

func (a *Artifact) AbsolutePath() string { return a.initString("absolutePath") }

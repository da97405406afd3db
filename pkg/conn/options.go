package conn

import (
	"io"
	"time"

	"github.com/rexliu/drvlink/pkg/ipc"
)

// Logger is the minimal logging surface the connection needs. Loggers that
// also implement Debugf receive per-frame diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type debugLogger interface {
	Debugf(format string, args ...any)
}

// Catalog answers whether a type accepts a command. See protocol.Catalog.
type Catalog interface {
	HasCommand(typeName, method string) bool
}

// Direction marks which way a traced frame travelled.
type Direction string

const (
	Outbound Direction = "send"
	Inbound  Direction = "recv"
)

// TraceFrame describes one frame handed to a Tracer.
type TraceFrame struct {
	Direction Direction
	Kind      string
	ID        uint64
	GUID      string
	Method    string
	Payload   []byte
	At        time.Time
}

// Tracer observes traffic and object lifecycle. Implementations must not
// block; they run on the reader and caller goroutines.
type Tracer interface {
	TraceFrame(f TraceFrame)
	TraceCreate(parentGUID, typeTag, guid string)
	TraceDispose(guids []string)
}

type options struct {
	logger   Logger
	tracer   Tracer
	catalog  Catalog
	rootGUID string
	maxFrame int
	closer   io.Closer
}

// Option configures a Connection.
type Option func(*options)

func WithLogger(l Logger) Option { return func(o *options) { o.logger = l } }

func WithTracer(t Tracer) Option { return func(o *options) { o.tracer = t } }

// WithCatalog enables strict mode: calls to methods the catalog does not
// list for the target's type fail with ErrUnknownMethod.
func WithCatalog(c Catalog) Option { return func(o *options) { o.catalog = c } }

// WithRootGUID overrides the guid of the implicit root, "" by default.
func WithRootGUID(guid string) Option { return func(o *options) { o.rootGUID = guid } }

// WithMaxFrame bounds inbound and outbound payloads.
func WithMaxFrame(n int) Option { return func(o *options) { o.maxFrame = n } }

// WithCloser is closed on shutdown to unblock the reader.
func WithCloser(c io.Closer) Option { return func(o *options) { o.closer = c } }

func defaultOptions() options {
	return options{maxFrame: ipc.DefaultMaxFrame}
}

// Package session wires a driver process, a protocol connection and the
// optional trace store into one handle.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rexliu/drvlink/pkg/config"
	"github.com/rexliu/drvlink/pkg/conn"
	"github.com/rexliu/drvlink/pkg/core"
	"github.com/rexliu/drvlink/pkg/driver"
	"github.com/rexliu/drvlink/pkg/protocol"
	"github.com/rexliu/drvlink/pkg/storage/sqlite"
	"github.com/rexliu/drvlink/pkg/wire"
)

// Logger is shared by every layer of the session.
type Logger interface {
	Printf(format string, args ...any)
}

// Session is a ready connection to a driver.
type Session struct {
	cfg    *config.Config
	logger Logger
	conn   *conn.Connection
	proc   *driver.Process

	store    *sqlite.Store
	recorder *sqlite.Recorder

	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Open starts the configured driver and completes the handshake.
func Open(ctx context.Context, cfg *config.Config, logger Logger) (*Session, error) {
	proc, err := driver.Start(cfg.Driver, logger)
	if err != nil {
		return nil, err
	}
	s, err := newSession(ctx, cfg, proc.Stdout(), proc.Stdin(), proc.String(), logger)
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}
	s.proc = proc
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach runs a session over streams that already speak the protocol, such
// as a driver started elsewhere.
func Attach(ctx context.Context, cfg *config.Config, r io.Reader, w io.Writer, logger Logger) (*Session, error) {
	s, err := newSession(ctx, cfg, r, w, "attached", logger)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(ctx context.Context, cfg *config.Config, r io.Reader, w io.Writer, desc string, logger Logger) (*Session, error) {
	s := &Session{cfg: cfg, logger: logger}
	opts := []conn.Option{conn.WithRootGUID(cfg.Connection.RootGUID)}
	if logger != nil {
		opts = append(opts, conn.WithLogger(logger))
	}
	if n := cfg.Connection.MaxFrameBytes(); n > 0 {
		opts = append(opts, conn.WithMaxFrame(n))
	}
	if cfg.Connection.Strict {
		catalog, err := loadCatalog(cfg.Connection.ProtocolFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, conn.WithCatalog(catalog))
	}
	if cfg.Trace.Enabled {
		if err := s.openTrace(ctx, desc); err != nil {
			return nil, err
		}
		opts = append(opts, conn.WithTracer(s.recorder))
	}
	s.conn = conn.New(r, w, opts...)
	return s, nil
}

func loadCatalog(path string) (*protocol.Catalog, error) {
	if path == "" {
		return protocol.Default()
	}
	return protocol.LoadFile(path)
}

func (s *Session) openTrace(ctx context.Context, desc string) error {
	store, err := sqlite.Open(s.cfg.Trace.DBPath)
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	pragmas := sqlite.Pragmas{JournalMode: s.cfg.Trace.JournalMode, Synchronous: s.cfg.Trace.Synchronous}
	if err := store.Init(ctx, pragmas); err != nil {
		store.Close()
		return fmt.Errorf("init trace store: %w", err)
	}
	id, err := store.BeginSession(ctx, s.cfg.ProfileName, desc)
	if err != nil {
		store.Close()
		return fmt.Errorf("begin trace session: %w", err)
	}
	s.store = store
	s.recorder = sqlite.NewRecorder(store, id, s.cfg.Trace.MaxPayloadKB<<10, s.logger)
	return nil
}

// start runs the reader and the process watcher, then waits for the
// Playwright object. On failure the session is closed.
func (s *Session) start(ctx context.Context) error {
	base, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(base)
	s.cancel, s.group = cancel, group

	group.Go(func() error { return s.conn.Run(gctx) })
	if s.proc != nil {
		proc := s.proc
		group.Go(func() error {
			select {
			case <-proc.Done():
				if err := proc.Err(); err != nil {
					return fmt.Errorf("driver exited: %w", err)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}

	readyCtx, stop := context.WithTimeout(ctx, s.cfg.Connection.ReadyTimeout.Duration)
	defer stop()
	var err error
	if s.cfg.Connection.SendInitialize {
		_, err = s.conn.Initialize(readyCtx, s.cfg.Connection.SDKLanguage)
	} else {
		_, err = s.conn.WaitReady(readyCtx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("driver not ready after %s: %w", s.cfg.Connection.ReadyTimeout.Duration, err)
		}
		_ = s.Close()
		return err
	}
	return nil
}

func (s *Session) Conn() *conn.Connection { return s.conn }

func (s *Session) Registry() *core.Registry { return s.conn.Registry() }

func (s *Session) Playwright() *core.Playwright { return s.conn.Playwright() }

// Process is nil for attached sessions.
func (s *Session) Process() *driver.Process { return s.proc }

// TraceID returns the trace session id, or "" when tracing is off.
func (s *Session) TraceID() string {
	if s.recorder == nil {
		return ""
	}
	return s.recorder.SessionID()
}

// Done is closed once the connection shuts down.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Call sends a request and waits for its result. The configured call timeout
// applies when ctx carries no deadline.
func (s *Session) Call(ctx context.Context, guid, method string, params any) (wire.Value, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.conn.Call(ctx, guid, method, params)
}

// CallInto is Call followed by wire.Deserialize into out.
func (s *Session) CallInto(ctx context.Context, guid, method string, params, out any) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.conn.CallInto(ctx, guid, method, params, out)
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Connection.CallTimeout.Duration
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Wait blocks until the session ends and returns the first failure.
func (s *Session) Wait() error {
	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down the connection, the driver and the trace store. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		if s.cancel != nil {
			s.cancel()
		}
		var errs []error
		if s.proc != nil {
			if err := s.proc.Stop(); err != nil && !errors.Is(err, driver.ErrAlreadyStopped) {
				errs = append(errs, err)
			}
		}
		var cause error
		if s.group != nil {
			cause = s.Wait()
		}
		if s.recorder != nil {
			_ = s.recorder.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.EndSession(ctx, s.recorder.SessionID(), cause); err != nil {
				errs = append(errs, err)
			}
			cancel()
			errs = append(errs, s.store.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

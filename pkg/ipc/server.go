package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
)

// HandlerFunc processes one request and returns a result or structured error.
type HandlerFunc func(context.Context, *Request) (any, *ErrorEnvelope)

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrServerStopped is returned by Serve and Notify after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server speaks the driver side of the protocol over a single stream. It is
// what a driver (or a test double of one) runs; clients use conn.Connection.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	writer   *FrameWriter
	closed   bool
	logger   Logger
}

// NewServer constructs a server with no handlers.
func NewServer(logger Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register installs a handler. key is either "method", matching any guid, or
// "guid.method" for one object; the latter wins.
func (s *Server) Register(key string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key] = handler
}

// Fallback installs the handler used when no key matches.
func (s *Server) Fallback(handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = handler
}

// Attach binds the outbound side so Notify can be used before Serve runs.
func (s *Server) Attach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		s.writer = NewFrameWriter(w)
	}
}

// Serve handles requests from r until the stream ends or Stop is called.
// Requests are handled one at a time, in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if s == nil {
		return errors.New("nil server")
	}
	s.Attach(w)
	fr := NewFrameReader(r)
	for {
		if s.isClosed() {
			return ErrServerStopped
		}
		payload, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				return nil
			}
			return err
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logf("invalid request: %v", err)
			continue
		}
		handler := s.lookupHandler(req.GUID, req.Method)
		if handler == nil {
			s.writeError(req.ID, Errorf("Error", "%s: unknown method %q", req.GUID, req.Method))
			continue
		}
		result, rpcErr := handler(ctx, &req)
		resp := Response{ID: req.ID, Error: rpcErr}
		if rpcErr == nil && result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				s.writeError(req.ID, Errorf("Error", "encode result: %v", err))
				continue
			}
			resp.Result = raw
		}
		if err := s.send(resp); err != nil {
			return err
		}
	}
}

func (s *Server) lookupHandler(guid, method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[guid+"."+method]; ok {
		return h
	}
	if h, ok := s.handlers[method]; ok {
		return h
	}
	return s.fallback
}

// Notify sends a guid-addressed notification: __create__, __dispose__,
// __adopt__ or an event.
func (s *Server) Notify(guid, method string, params any) error {
	if params == nil {
		params = struct{}{}
	}
	return s.send(Notification{GUID: guid, Method: method, Params: params})
}

// Reply sends a raw response envelope, for tests that need to misbehave.
func (s *Server) Reply(resp Response) error {
	return s.send(resp)
}

// SendRaw writes an arbitrary payload as one frame.
func (s *Server) SendRaw(payload []byte) error {
	w, err := s.out()
	if err != nil {
		return err
	}
	return w.WriteFrame(payload)
}

func (s *Server) send(v any) error {
	w, err := s.out()
	if err != nil {
		return err
	}
	return w.WriteJSON(v)
}

func (s *Server) out() (*FrameWriter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServerStopped
	}
	if s.writer == nil {
		return nil, errors.New("server not attached")
	}
	return s.writer, nil
}

func (s *Server) writeError(id uint64, env *ErrorEnvelope) {
	_ = s.send(Response{ID: id, Error: env})
}

// Stop makes Serve return after the current request.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}

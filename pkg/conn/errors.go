package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is reported for every call outstanding or issued
	// after the connection shut down. It wraps the cause.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownMethod indicates a call the catalog does not list for the
	// target's type. Only returned in strict mode.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrRemoteTimeout matches remote errors the driver names TimeoutError.
	ErrRemoteTimeout = errors.New("remote timeout")

	errClientClosed = errors.New("closed by client")
)

// TransportError is a failure of the underlying byte stream. It is fatal to
// the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected message. The offending message
// is dropped and the connection keeps running.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Msg, e.Err)
	}
	return "protocol: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is a failure reported by the driver for one call.
type RemoteError struct {
	GUID    string
	Method  string
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	name := e.Name
	if name == "" {
		name = "Error"
	}
	return fmt.Sprintf("%s.%s: %s: %s", e.GUID, e.Method, name, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteTimeout && e.Name == "TimeoutError"
}

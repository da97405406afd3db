package ipc

import (
	"encoding/json"
	"fmt"
)

// Reserved notification verbs. Anything else carrying a method is an event.
const (
	MethodCreate  = "__create__"
	MethodDispose = "__dispose__"
	MethodAdopt   = "__adopt__"
)

// Request models an outbound call.
type Request struct {
	ID       uint64          `json:"id"`
	GUID     string          `json:"guid"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
	Metadata Metadata        `json:"metadata"`
}

// Metadata accompanies every request; the driver uses it for tracing.
type Metadata struct {
	WallTime int64  `json:"wallTime,omitempty"`
	APIName  string `json:"apiName,omitempty"`
	Internal bool   `json:"internal,omitempty"`
}

// MessageKind classifies an inbound envelope.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindResult
	KindCreate
	KindDispose
	KindAdopt
	KindEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindCreate:
		return "create"
	case KindDispose:
		return "dispose"
	case KindAdopt:
		return "adopt"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Message models any inbound envelope: a result for a request id, or a
// notification addressed to a guid.
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	GUID   string          `json:"guid,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorEnvelope  `json:"error,omitempty"`
}

// Kind reports how the message should be dispatched.
func (m *Message) Kind() MessageKind {
	if m.ID != nil {
		return KindResult
	}
	switch m.Method {
	case "":
		return KindInvalid
	case MethodCreate:
		return KindCreate
	case MethodDispose:
		return KindDispose
	case MethodAdopt:
		return KindAdopt
	default:
		return KindEvent
	}
}

// ParseMessage performs the lightweight envelope pre-parse.
func ParseMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &msg, nil
}

// ErrorEnvelope wraps the driver's structured error.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload follows the driver contract for failed calls.
type ErrorPayload struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// CreateParams carries a __create__ notification body.
type CreateParams struct {
	Type        string          `json:"type"`
	GUID        string          `json:"guid"`
	Initializer json.RawMessage `json:"initializer,omitempty"`
}

// DisposeParams carries a __dispose__ notification body.
type DisposeParams struct {
	Reason string `json:"reason,omitempty"`
}

// AdoptParams carries an __adopt__ notification body.
type AdoptParams struct {
	GUID string `json:"guid"`
}

// Response is an outbound result envelope, used by drivers and fakes.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorEnvelope  `json:"error,omitempty"`
}

// Notification is an outbound guid-addressed envelope, used by drivers and fakes.
type Notification struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Errorf helps build error envelopes.
func Errorf(name, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Error: ErrorPayload{Name: name, Message: fmt.Sprintf(format, args...)}}
}

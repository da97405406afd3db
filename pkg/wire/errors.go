package wire

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against a *CodecError.
var (
	ErrTypeMismatch = errors.New("type mismatch")
	ErrBlank        = errors.New("blank value")
	ErrUnsupported  = errors.New("unsupported construct")
	ErrKey          = errors.New("invalid key")
	ErrNested       = errors.New("nested codec failure")
)

// ErrorKind categorizes a codec failure.
type ErrorKind int

const (
	TypeMismatch ErrorKind = iota + 1
	Blank
	Unsupported
	KeyError
	Nested
)

func (k ErrorKind) sentinel() error {
	switch k {
	case TypeMismatch:
		return ErrTypeMismatch
	case Blank:
		return ErrBlank
	case Unsupported:
		return ErrUnsupported
	case KeyError:
		return ErrKey
	case Nested:
		return ErrNested
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CodecError reports a failure local to one encode or decode attempt.
type CodecError struct {
	Kind ErrorKind
	Path string
	Msg  string
	Err  error
}

func (e *CodecError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "wire: " + msg
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *CodecError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func mismatch(path string, want string, got Kind) error {
	return &CodecError{Kind: TypeMismatch, Path: path, Msg: fmt.Sprintf("expected %s, got %s", want, got)}
}

func codecErrorf(kind ErrorKind, path, format string, args ...any) error {
	return &CodecError{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// nested wraps a foreign error raised inside a custom (un)marshaler. Codec
// errors pass through untouched so their kind survives.
func nested(path string, err error) error {
	var ce *CodecError
	if errors.As(err, &ce) {
		return err
	}
	return &CodecError{Kind: Nested, Path: path, Err: err}
}

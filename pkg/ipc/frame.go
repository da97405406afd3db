package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultMaxFrame bounds a single payload unless the caller overrides it.
	DefaultMaxFrame = 64 << 20
	// MaxFrameHardLimit is never exceeded regardless of configuration.
	MaxFrameHardLimit = 256 << 20

	headerSize = 4
	readChunk  = 32 << 10
)

var (
	// ErrFrameTooLarge indicates a length prefix above the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrTruncatedFrame indicates the stream closed in the middle of a frame.
	ErrTruncatedFrame = errors.New("stream closed mid-frame")
)

// ReadFrame reads a single length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// WriteFrame writes payload to w with a 4-byte little-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	return writeFrame(w, payload)
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameHardLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(appendFrame(make([]byte, 0, headerSize+len(payload)), payload))
	return err
}

func appendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// FrameDecoder splits a byte stream into payloads. Bytes are fed as they
// arrive; a payload is only released once its full declared length is buffered.
type FrameDecoder struct {
	buf []byte
	max int
}

// NewFrameDecoder returns a decoder enforcing max (DefaultMaxFrame when <= 0).
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 || max > MaxFrameHardLimit {
		max = DefaultMaxFrame
	}
	return &FrameDecoder{max: max}
}

// Feed appends raw stream bytes.
func (d *FrameDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes are waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload. ok is false when more bytes are
// needed. A length prefix above the limit is reported as an error and the
// decoder must not be used afterwards.
func (d *FrameDecoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < headerSize {
		return nil, false, nil
	}
	length := binary.LittleEndian.Uint32(d.buf[:headerSize])
	if int64(length) > int64(d.max) {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.max)
	}
	end := headerSize + int(length)
	if len(d.buf) < end {
		return nil, false, nil
	}
	payload = make([]byte, length)
	copy(payload, d.buf[headerSize:end])
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

// FrameReader reads length-prefixed frames from a stream that may deliver
// them in arbitrary fragments.
type FrameReader struct {
	r   io.Reader
	dec *FrameDecoder
	tmp []byte
	err error
}

// NewFrameReader wraps r using the default frame limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, DefaultMaxFrame)
}

// NewFrameReaderSize wraps r with an explicit frame limit.
func NewFrameReaderSize(r io.Reader, max int) *FrameReader {
	return &FrameReader{r: r, dec: NewFrameDecoder(max), tmp: make([]byte, readChunk)}
}

// ReadFrame blocks until a whole frame is available. It returns io.EOF only
// when the stream ends on a frame boundary. Read errors are sticky.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		payload, ok, err := fr.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		if fr.err != nil {
			if errors.Is(fr.err, io.EOF) {
				if fr.dec.Buffered() > 0 {
					return nil, ErrTruncatedFrame
				}
				return nil, io.EOF
			}
			return nil, fr.err
		}
		n, err := fr.r.Read(fr.tmp)
		if n > 0 {
			fr.dec.Feed(fr.tmp[:n])
		}
		if err != nil {
			fr.err = err
		}
	}
}

// FrameWriter serializes frames onto a stream. Each frame is emitted with a
// single Write call so concurrent writers never interleave.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max int
	buf []byte
}

// NewFrameWriter wraps w using the default frame limit.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, max: DefaultMaxFrame}
}

// SetMaxFrame overrides the outbound frame limit.
func (fw *FrameWriter) SetMaxFrame(max int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if max > 0 && max <= MaxFrameHardLimit {
		fw.max = max
	}
}

// WriteFrame writes one payload.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(payload) > fw.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.max)
	}
	fw.buf = appendFrame(fw.buf[:0], payload)
	_, err := fw.w.Write(fw.buf)
	return err
}

// WriteJSON marshals v and writes it as one frame.
func (fw *FrameWriter) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fw.WriteFrame(payload)
}

// Package wire frames admin injection messages over a stream.
//
// Each frame is a google.protobuf.Struct, length-delimited with protobuf's
// standard varint prefix. A request carries a token and a list of feed
// messages; the response carries one outcome per message, or an error.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
)

// Reader reads length-delimited frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int64
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping r. A non-positive maxSize uses the
// default limit.
func NewReader(r io.Reader, maxSize int64) *Reader {
	if maxSize <= 0 {
		maxSize = config.DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and unmarshals the next frame.
// Returns an error if the frame exceeds the size limit.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: r.maxSize}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return msg, nil
}

// Writer writes length-delimited frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a frame with length prefix.
func (w *Writer) Write(msg *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter, maxSize int64) *Conn {
	return &Conn{
		Reader: NewReader(rw, maxSize),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Error Frames
// =============================================================================

// NewError creates an error frame with a wire code from the errors package.
func NewError(code int32, msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"code":    structpb.NewNumberValue(float64(code)),
			"message": structpb.NewStringValue(msg),
		}}),
	}}
}

// NewErrorFromErr creates an error frame from a Go error.
func NewErrorFromErr(err error) *structpb.Struct {
	return NewError(errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error frame with a formatted message.
func NewErrorf(code int32, format string, args ...interface{}) *structpb.Struct {
	return NewError(code, fmt.Sprintf(format, args...))
}

// ErrorOf returns the error carried by an error frame, or nil. The result
// matches the sentinel of its wire code with errors.Is.
func ErrorOf(msg *structpb.Struct) error {
	v, ok := msg.GetFields()["error"]
	if !ok {
		return nil
	}
	fields := v.GetStructValue().GetFields()
	code := int32(fields["code"].GetNumberValue())
	return fmt.Errorf("%s: %w", fields["message"].GetStringValue(), errors.CodeToError(code))
}

package control

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/seco/wire"
)

var ErrOutputClosed = errors.New("output already closed")

// Output is the sink a Handler writes its response to.
// The first failed write is sticky: every later call returns the same error.
type Output struct {
	mut    sync.Mutex
	fw     *wire.FrameWriter
	closed bool
	err    error
}

type writeDeadliner interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// timedWriter bounds each write with a deadline and clears it afterwards.
// Clearing matters for WebSocket-backed conns, where a pending deadline closes the conn when it fires.
type timedWriter struct {
	w       writeDeadliner
	timeout time.Duration
}

func (t *timedWriter) Write(p []byte) (int, error) {
	if err := t.w.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, fmt.Errorf("setting write deadline: %w", err)
	}
	n, err := t.w.Write(p)
	if clearErr := t.w.SetWriteDeadline(time.Time{}); clearErr != nil && err == nil {
		err = fmt.Errorf("clearing write deadline: %w", clearErr)
	}
	return n, err
}

// newOutput builds an Output on w. If w supports write deadlines and timeout is positive, each frame is written
// with its own deadline.
func newOutput(w io.Writer, timeout time.Duration) *Output {
	if dw, ok := w.(writeDeadliner); ok && timeout > 0 {
		w = &timedWriter{w: dw, timeout: timeout}
	}
	return &Output{fw: wire.NewFrameWriter(w)}
}

// Write sends p as one or more output chunks. Writing an empty slice sends nothing.
func (o *Output) Write(p []byte) (int, error) {
	o.mut.Lock()
	defer o.mut.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	if o.closed {
		return 0, ErrOutputClosed
	}
	if err := o.fw.WriteChunk(p); err != nil {
		o.err = err
		return 0, err
	}
	return len(p), nil
}

func (o *Output) WriteString(s string) (int, error) {
	return o.Write([]byte(s))
}

// Printf formats according to a format specifier and writes the result as output.
func (o *Output) Printf(format string, args ...any) error {
	_, err := fmt.Fprintf(o, format, args...)
	return err
}

// Close ends the response with the exit code. Only the first call sends anything, later calls return the error of
// the first one.
func (o *Output) Close(exitCode byte) error {
	o.mut.Lock()
	defer o.mut.Unlock()
	if o.closed || o.err != nil {
		return o.err
	}
	o.closed = true
	if err := o.fw.WriteExit(exitCode); err != nil {
		o.err = err
		return err
	}
	return nil
}

// Closed reports whether the exit code has been sent.
func (o *Output) Closed() bool {
	o.mut.Lock()
	defer o.mut.Unlock()
	return o.closed
}

package wire

import (
	"errors"
	"fmt"
	"io"
)

// MaxChunkLength is the largest chunk a single frame can carry.
const MaxChunkLength = 0xff

const exitMarker = 0x00

// Frame is one decoded unit of the response stream.
type Frame struct {
	// Chunk holds the output bytes of a chunk frame. It is nil for the exit frame.
	Chunk []byte

	// Exit is true for the terminal frame, in which case ExitCode is set.
	Exit     bool
	ExitCode byte
}

// FrameWriter encodes output and exit codes as frames onto an underlying writer.
type FrameWriter struct {
	w   io.Writer
	buf [MaxChunkLength + 1]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteChunk writes p as one or more chunk frames, in order.
// Each frame is sent with a single Write call. Empty input writes nothing.
func (f *FrameWriter) WriteChunk(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), MaxChunkLength)
		f.buf[0] = byte(n)
		copy(f.buf[1:], p[:n])
		if _, err := f.w.Write(f.buf[:n+1]); err != nil {
			return fmt.Errorf("writing %d byte frame: %w", n, err)
		}
		p = p[n:]
	}
	return nil
}

// WriteExit writes the terminal frame.
func (f *FrameWriter) WriteExit(code byte) error {
	if _, err := f.w.Write([]byte{exitMarker, code}); err != nil {
		return fmt.Errorf("writing exit frame: %w", err)
	}
	return nil
}

// Decoder reassembles frames from arbitrarily split input.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends received bytes to the decoder's buffer.
// Input arriving after the exit frame is dropped.
func (d *Decoder) Feed(p []byte) {
	if d.done {
		return
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. It returns false when more input is needed, or when the exit frame was already returned.
// The chunk of a returned frame does not alias the decoder's buffer.
func (d *Decoder) Next() (Frame, bool) {
	if d.done || len(d.buf) == 0 {
		return Frame{}, false
	}
	size := int(d.buf[0])
	if size == exitMarker {
		if len(d.buf) < 2 {
			return Frame{}, false
		}
		code := d.buf[1]
		d.done = true
		d.buf = nil
		return Frame{Exit: true, ExitCode: code}, true
	}
	if len(d.buf) < size+1 {
		return Frame{}, false
	}
	chunk := make([]byte, size)
	copy(chunk, d.buf[1:size+1])
	d.buf = d.buf[size+1:]
	return Frame{Chunk: chunk}, true
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

const readBufferSize = 512

// ReadStream decodes a response from r, calling onChunk for each chunk in arrival order, and returns the exit code.
// If r ends before the exit frame, the returned error wraps io.ErrUnexpectedEOF.
func ReadStream(r io.Reader, onChunk func([]byte)) (byte, error) {
	var dec Decoder
	rbuf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(rbuf)
		if n > 0 {
			dec.Feed(rbuf[:n])
			for {
				frame, ok := dec.Next()
				if !ok {
					break
				}
				if frame.Exit {
					return frame.ExitCode, nil
				}
				if onChunk != nil {
					onChunk(frame.Chunk)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("stream ended with %d bytes of partial frame and no exit code: %w", dec.Buffered(), io.ErrUnexpectedEOF)
			}
			return 0, fmt.Errorf("reading stream: %w", err)
		}
	}
}

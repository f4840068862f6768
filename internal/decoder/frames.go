// Package decoder reconstructs the final answer and trace log from an agent response stream.
package decoder

import (
	"errors"
	"io"
	"iter"
)

// DefaultFrameSize is the read buffer size used when none is given.
const DefaultFrameSize = 32 * 1024

// FrameReader splits a response body into raw frames, one per successful Read.
// Like bufio.Scanner, iteration stops at the first error and Err reports it.
type FrameReader struct {
	r    io.Reader
	size int
	err  error
}

// NewFrameReader creates a frame reader with the given buffer size.
func NewFrameReader(r io.Reader, size int) *FrameReader {
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &FrameReader{r: r, size: size}
}

// Frames yields each chunk read from the underlying reader in arrival order.
// Yielded slices are owned by the caller.
func (f *FrameReader) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		buf := make([]byte, f.size)
		for {
			n, err := f.r.Read(buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				if !yield(frame) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					f.err = err
				}
				return
			}
		}
	}
}

// Err returns the first non-EOF error encountered while reading.
func (f *FrameReader) Err() error {
	return f.err
}

// FramesOf yields the given byte slices as frames. Useful for replaying captured streams.
func FramesOf(frames ...[]byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, frame := range frames {
			if !yield(frame) {
				return
			}
		}
	}
}

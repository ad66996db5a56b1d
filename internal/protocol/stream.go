package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ContentTypeNDJSON is the content type of every chunk stream.
const ContentTypeNDJSON = "application/json; charset=utf-8"

// MaxLineBytes bounds a single NDJSON line.
const MaxLineBytes = 8 << 20

var ErrLineTooLong = errors.New("ndjson line exceeds limit")

type flusher interface {
	Flush()
}

// Writer serializes chunks (or raw lines) onto an append-only stream, one
// line per write, flushing after every line when the destination supports it.
// The first write error is sticky.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flush   flusher
	err     error
	written int
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(flusher)
	return &Writer{w: w, flush: f}
}

func (w *Writer) WriteChunk(c Chunk) error {
	line, err := Encode(c)
	if err != nil {
		return err
	}
	return w.write(line)
}

// WriteLine writes line followed by a newline. line must not contain one.
func (w *Writer) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return w.write(buf)
}

func (w *Writer) write(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(buf); err != nil {
		w.err = fmt.Errorf("stream write: %w", err)
		return w.err
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	w.written++
	return nil
}

// Written returns the number of lines successfully written.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Err returns the sticky write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// LineReader splits a byte stream into lines on '\n'. Splitting on raw bytes
// is safe for UTF-8 since '\n' never appears inside a multi-byte sequence.
// A final line without a terminating newline is still returned. Lines longer
// than the limit are discarded as they are read and reported as
// ErrLineTooLong; the reader stays usable for the lines after them.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderLimit(r, MaxLineBytes)
}

// NewLineReaderLimit returns a LineReader that holds at most max bytes of a
// line in memory.
func NewLineReaderLimit(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next line without its newline, or io.EOF when the stream
// is exhausted. Transport errors mid-line drop the partial line.
func (lr *LineReader) Next() ([]byte, error) {
	lr.buf = lr.buf[:0]
	tooLong := false
	for {
		frag, err := lr.r.ReadSlice('\n')
		if !tooLong {
			content := len(lr.buf) + len(frag)
			if err == nil {
				content--
			}
			if content > lr.max {
				tooLong = true
				lr.buf = lr.buf[:0]
			} else {
				lr.buf = append(lr.buf, frag...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return bytes.Clone(bytes.TrimSuffix(lr.buf, []byte{'\n'})), nil
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(lr.buf) > 0 {
				return bytes.Clone(lr.buf), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

package protocol

import (
	"bufio"
	"io"
	"sync"
)

// MaxLineSize bounds a single envelope line on the wire.
const MaxLineSize = 1 << 20

// Reader reads newline-delimited envelopes from a byte stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates an envelope reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next envelope from the stream. A validation failure is
// reported as a parse error (see IsParseError) and the stream remains
// readable; transport failures and io.EOF end the stream.
func (r *Reader) Next() (*Envelope, error) {
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue // tolerate blank lines between frames
		}
		return Parse(line)
	}
}

// Writer writes newline-delimited envelopes to a byte stream. Writes are
// serialized so concurrent senders cannot interleave frames.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates an envelope writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and sends one envelope.
func (w *Writer) Write(env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(data)
	return err
}

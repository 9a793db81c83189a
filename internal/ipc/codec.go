package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame is one [message_id][payload_length][payload] unit on the wire.
// Header integers are fixed big-endian uint32s (see DESIGN.md's Open
// Question decision on frame endianness). An empty payload is encoded as
// length 0 and no following bytes.
type Frame struct {
	ID      MessageID
	Payload []byte
}

const headerSize = 8 // 2 x uint32

// ErrInvalidMessageID is returned when a frame's ID falls outside the
// range the receiver expects, and the stream is poisoned thereafter.
var ErrInvalidMessageID = errors.New("ipc: invalid message id")

// ErrStreamPoisoned is returned by ReadFrame once an invalid ID has been
// observed; the caller must kill the worker, it cannot recover the stream.
var ErrStreamPoisoned = errors.New("ipc: stream poisoned by invalid message id")

// WriteFrame writes one frame to w. Safe to call concurrently with ReadFrame
// on the same Conn but not with another concurrent WriteFrame (callers
// serialize writes themselves per the at-most-one-outstanding-request
// invariant in spec.md §5).
func WriteFrame(w io.Writer, f Frame) error {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(f.ID))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("ipc: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, validating that its ID falls within
// expectedRange. A truncated header or payload surfaces io.ErrUnexpectedEOF
// (or io.EOF for a clean close before any bytes were read), matching
// spec.md §4.1's "truncated header or payload raises an end-of-stream
// error."
func ReadFrame(r io.Reader, expectedRange [2]MessageID) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("ipc: read header: %w", err)
	}
	id := MessageID(binary.BigEndian.Uint32(header[0:4]))
	length := binary.BigEndian.Uint32(header[4:8])

	if !InRange(id, expectedRange) {
		return Frame{}, ErrInvalidMessageID
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, fmt.Errorf("ipc: read payload: %w", err)
		}
	}
	return Frame{ID: id, Payload: payload}, nil
}

// Conn wraps a duplex byte stream (a pipe to/from a worker subprocess, or an
// in-memory pipe in tests) with the poisoning behaviour of spec.md §4.1:
// once an out-of-range ID is observed, every subsequent ReadFrame fails with
// ErrStreamPoisoned without touching the underlying reader again.
type Conn struct {
	r             io.Reader
	w             io.Writer
	c             io.Closer
	expectedRange [2]MessageID

	mu       sync.Mutex
	poisoned bool
}

// NewConn builds a Conn that expects to receive frames in expectedRange
// (WorkerToServerRange on the server side, ServerToWorkerRange on the
// worker side).
func NewConn(rwc io.ReadWriteCloser, expectedRange [2]MessageID) *Conn {
	return &Conn{r: rwc, w: rwc, c: rwc, expectedRange: expectedRange}
}

// NewSplitConn is like NewConn but for a pipe pair where reads and writes
// go through different handles (e.g. a subprocess's Stdout/Stdin).
func NewSplitConn(r io.Reader, w io.Writer, c io.Closer, expectedRange [2]MessageID) *Conn {
	return &Conn{r: r, w: w, c: c, expectedRange: expectedRange}
}

func (c *Conn) Write(f Frame) error {
	return WriteFrame(c.w, f)
}

func (c *Conn) Read() (Frame, error) {
	c.mu.Lock()
	if c.poisoned {
		c.mu.Unlock()
		return Frame{}, ErrStreamPoisoned
	}
	c.mu.Unlock()

	f, err := ReadFrame(c.r, c.expectedRange)
	if errors.Is(err, ErrInvalidMessageID) {
		c.mu.Lock()
		c.poisoned = true
		c.mu.Unlock()
		return Frame{}, ErrInvalidMessageID
	}
	return f, err
}

func (c *Conn) Close() error {
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}

// Encode marshals m to JSON for use as a frame payload.
func Encode(m any) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a frame payload into m. An empty payload decodes into
// the zero value of m without invoking json.Unmarshal (mirroring "empty
// payload is encoded as length 0 and no bytes").
func Decode(payload []byte, m any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, m)
}

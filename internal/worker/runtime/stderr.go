package runtime

import "sync"

// BoundedBuffer captures at most limit bytes written to it and counts how
// many bytes beyond that were discarded, per spec.md §4.2's "captures
// stderr into a bounded buffer (default 5 KiB) and discards the excess with
// a count." Mirrors the teacher's pattern of fixed-size accounting buffers
// (internal/middleware.Config.MaxRequestSize) generalized to a writer.
type BoundedBuffer struct {
	limit int

	mu        sync.Mutex
	data      []byte
	discarded int64
}

func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.data)
	if room > 0 {
		n := room
		if n > len(p) {
			n = len(p)
		}
		b.data = append(b.data, p[:n]...)
		if n < len(p) {
			b.discarded += int64(len(p) - n)
		}
	} else {
		b.discarded += int64(len(p))
	}
	return len(p), nil
}

// Bytes returns a copy of the captured bytes.
func (b *BoundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Discarded returns how many bytes were dropped after the buffer filled.
func (b *BoundedBuffer) Discarded() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

const DefaultStderrCapBytes = 5 * 1024

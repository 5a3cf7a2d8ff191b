package worker

import (
	"bytes"
	"strings"
	"sync"
)

// LogBuffer is a fixed-capacity circular buffer holding the most recent
// output of a worker process. Writes never block on readers; once the
// capacity is exceeded the oldest bytes are overwritten. Readers always get
// a consistent snapshot, never a torn write.
type LogBuffer struct {
	mu       sync.Mutex
	buf      []byte
	writePos int
	capacity int
	written  int
}

// NewLogBuffer creates a buffer holding up to capacity bytes of output.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &LogBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends output to the buffer, overwriting the oldest data when full.
// It implements io.Writer and never returns an error, so it can be wired
// directly as a process's stdout/stderr sink.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(p)
	if total > b.capacity {
		// Only the newest capacity bytes can survive anyway.
		p = p[total-b.capacity:]
	}
	for len(p) > 0 {
		n := copy(b.buf[b.writePos:], p)
		p = p[n:]
		b.writePos = (b.writePos + n) % b.capacity
	}
	b.written += total
	return total, nil
}

// Tail returns a copy of the most recent maxBytes of captured output, or
// everything captured so far when less is available. A non-positive
// maxBytes returns nil.
func (b *LogBuffer) Tail(maxBytes int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maxBytes <= 0 {
		return nil
	}
	available := b.written
	if available > b.capacity {
		available = b.capacity
	}
	if maxBytes > available {
		maxBytes = available
	}
	if maxBytes == 0 {
		return nil
	}

	out := make([]byte, maxBytes)
	start := (b.writePos - maxBytes + b.capacity) % b.capacity
	if start+maxBytes <= b.capacity {
		copy(out, b.buf[start:start+maxBytes])
	} else {
		first := b.capacity - start
		copy(out[:first], b.buf[start:])
		copy(out[first:], b.buf[:maxBytes-first])
	}
	return out
}

// Len reports how many bytes of output are currently retained.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.written > b.capacity {
		return b.capacity
	}
	return b.written
}

// LastLines returns up to n trailing non-empty lines of captured output,
// joined with newlines. It is used to summarize why a worker died.
func (b *LogBuffer) LastLines(n int) string {
	if n <= 0 {
		return ""
	}
	// A few hundred bytes per line is plenty for ffmpeg diagnostics.
	tail := b.Tail(n * 512)
	if len(tail) == 0 {
		return ""
	}
	lines := bytes.Split(tail, []byte{'\n'})
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(string(lines[i]))
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	// Restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

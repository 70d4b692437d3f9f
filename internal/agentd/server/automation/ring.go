// Package automation runs user automations on the worker: trigger
// matching, script synthesis with variable injection, bounded output
// capture, blocking-set bookkeeping and the action spool.
package automation

import (
	"bytes"
	"strings"
	"sync"
)

// ring keeps the most recent lines of a run's output. When full, the
// oldest lines are dropped and the truncation flag sticks.
type ring struct {
	mu        sync.Mutex
	lines     []string
	head      int
	count     int
	truncated bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{lines: make([]string, capacity)}
}

func (r *ring) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.lines) {
		r.lines[(r.head+r.count)%len(r.lines)] = line
		r.count++
		return
	}
	// Full: overwrite the oldest line.
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	r.truncated = true
}

// snapshot returns the retained lines in order plus whether the start
// was dropped.
func (r *ring) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(r.head+i)%len(r.lines)])
	}
	return out, r.truncated
}

func (r *ring) text() (string, bool) {
	lines, truncated := r.snapshot()
	return strings.Join(lines, "\n"), truncated
}

// lineWriter adapts a byte stream into ring lines. stdout and stderr of
// a run share one writer, so writes are serialized here.
type lineWriter struct {
	mu   sync.Mutex
	ring *ring
	buf  bytes.Buffer
}

func newLineWriter(r *ring) *lineWriter {
	return &lineWriter{ring: r}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		w.buf.Next(i + 1)
		w.ring.append(line)
	}
	return len(p), nil
}

// flush pushes any unterminated final line into the ring.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.ring.append(strings.TrimRight(w.buf.String(), "\r"))
		w.buf.Reset()
	}
}

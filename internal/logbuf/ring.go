// Package logbuf keeps the most recent output of the managed process in memory.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// maxLine caps a single stored line; longer lines are truncated.
const maxLine = 8 << 10

// Ring holds the last N lines written to it and is safe for concurrent use.
// It implements io.Writer so it can receive a process's stdout and stderr.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	next    int
	count   int
	partial []byte
}

// New creates a ring that keeps the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

// Write splits p on newlines and stores each complete line. An unterminated
// tail is held until the next write completes it.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) > maxLine {
				r.push(string(r.partial[:maxLine]))
				r.partial = r.partial[:0]
			}
			break
		}
		line := data[:i]
		if len(r.partial) > 0 {
			line = append(r.partial, line...)
			r.partial = r.partial[:0]
		}
		if len(line) > maxLine {
			line = line[:maxLine]
		}
		r.push(strings.TrimSuffix(string(line), "\r"))
		data = data[i+1:]
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns every stored line, oldest first.
func (r *Ring) Lines() []string {
	return r.Last(-1)
}

// Last returns up to n of the most recent lines, oldest first. n < 0 means all.
func (r *Ring) Last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n < 0 || n > r.count {
		n = r.count
	}
	out := make([]string, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := range n {
		out[i] = r.lines[(start+i)%len(r.lines)]
	}
	return out
}

// String returns the stored lines joined with newlines, including any
// unterminated tail.
func (r *Ring) String() string {
	lines := r.Lines()
	r.mu.Lock()
	if len(r.partial) > 0 {
		lines = append(lines, string(r.partial))
	}
	r.mu.Unlock()
	return strings.Join(lines, "\n")
}

// Reset discards everything stored.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.lines)
	r.next = 0
	r.count = 0
	r.partial = r.partial[:0]
}

package supervisor

import (
	"bytes"
	"sync"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
)

// maxLine caps a line that never sees a newline
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines and appends them to a buffer
type lineWriter struct {
	mu      sync.Mutex
	out     LineSink
	stream  logbuf.Stream
	partial []byte
}

func newLineWriter(out LineSink, stream logbuf.Stream) *lineWriter {
	return &lineWriter{out: out, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	rest := w.partial
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		w.emit(rest[:i])
		rest = rest[i+1:]
	}
	for len(rest) > maxLine {
		w.emit(rest[:maxLine])
		rest = rest[maxLine:]
	}
	w.partial = append(w.partial[:0], rest...)
	return len(p), nil
}

// Flush emits a trailing line without newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = w.partial[:0]
	}
}

func (w *lineWriter) emit(b []byte) {
	b = bytes.TrimRight(b, "\r")
	for len(b) > maxLine {
		w.out.Append(w.stream, string(b[:maxLine]))
		b = b[maxLine:]
	}
	w.out.Append(w.stream, string(b))
}

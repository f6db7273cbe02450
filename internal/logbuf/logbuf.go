// Package logbuf holds a session's log lines in a bounded ring and fans new
// lines out to followers.
package logbuf

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the number of lines kept before the oldest are evicted
const DefaultCapacity = 5000

// Stream identifies where a line came from
type Stream string

const (
	StreamSetup  Stream = "setup"
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one immutable log entry
type Line struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// String formats the line the way GetSetupLogs returns it
func (l Line) String() string {
	return fmt.Sprintf("[%s] [%s] %s", l.Time.UTC().Format(time.RFC3339), l.Stream, l.Text)
}

// Buffer is safe for concurrent use. Appends never block on readers or slow
// followers.
type Buffer struct {
	mu        sync.Mutex
	lines     []Line
	start     int // index of the oldest line in lines
	size      int
	nextSeq   uint64
	evicted   uint64
	followers map[chan Line]struct{}
	closed    bool
}

// New creates a buffer that keeps at most capacity lines
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:     make([]Line, capacity),
		nextSeq:   1,
		followers: make(map[chan Line]struct{}),
	}
}

// Append adds a line stamped with the current time and returns it
func (b *Buffer) Append(stream Stream, text string) Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := Line{Seq: b.nextSeq, Time: time.Now(), Stream: stream, Text: text}
	b.nextSeq++
	b.push(line)

	for ch := range b.followers {
		select {
		case ch <- line:
		default:
			// Follower cannot keep up; drop it rather than stall the writer.
			delete(b.followers, ch)
			close(ch)
		}
	}
	return line
}

// Restore re-inserts previously persisted lines, keeping their sequence numbers
func (b *Buffer) Restore(lines []Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range lines {
		if l.Seq < b.nextSeq {
			continue
		}
		b.push(l)
		b.nextSeq = l.Seq + 1
	}
}

func (b *Buffer) push(line Line) {
	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.start+b.size)%capacity] = line
		b.size++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % capacity
	b.evicted++
}

// Snapshot returns a copy of the retained lines, oldest first
func (b *Buffer) Snapshot() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() []Line {
	out := make([]Line, b.size)
	capacity := len(b.lines)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%capacity]
	}
	return out
}

// Strings returns the retained lines formatted with Line.String
func (b *Buffer) Strings() []string {
	lines := b.Snapshot()
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.String()
	}
	return out
}

// Len returns the number of retained lines
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Evicted returns how many lines have been dropped to respect the capacity
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Follow returns the current snapshot plus a channel receiving every line
// appended afterwards. The channel is closed by Close, by cancel, or when the
// follower falls more than buffer lines behind.
func (b *Buffer) Follow(buffer int) (snapshot []Line, lines <-chan Line, cancel func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Line, buffer)

	b.mu.Lock()
	snapshot = b.snapshotLocked()
	if b.closed {
		close(ch)
	} else {
		b.followers[ch] = struct{}{}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.followers[ch]; ok {
				delete(b.followers, ch)
				close(ch)
			}
		})
	}
	return snapshot, ch, cancel
}

// Close ends all follows. Appends after Close are still retained.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.followers {
		delete(b.followers, ch)
		close(ch)
	}
}

// Package session keeps the authoritative record of every PR session and its
// log, serializes operations per PR and optionally persists both.
package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
)

// Store persists sessions and their log lines. Calls come from a single
// writer goroutine.
type Store interface {
	SaveSession(s *domain.PRSession) error
	DeleteSession(prNumber int) error
	ListSessions() ([]*domain.PRSession, error)
	AppendLog(prNumber int, runID string, line logbuf.Line) error
	LoadLogs(prNumber int, runID string, limit int) ([]logbuf.Line, error)
}

type opType int

const (
	opSave opType = iota
	opDelete
	opLog
)

// storeOp is one queued write
type storeOp struct {
	kind    opType
	session *domain.PRSession
	pr      int
	runID   string
	line    logbuf.Line
}

type entry struct {
	session *domain.PRSession
	logs    *logbuf.Buffer
}

// Registry is safe for concurrent use. Each PR has an operation lock taken
// with Lock; Get, List and the log accessors never wait on it.
type Registry struct {
	log      *slog.Logger
	capacity int

	mu      sync.RWMutex
	entries map[int]*entry

	locksMu sync.Mutex
	locks   map[int]chan struct{}

	store      Store
	writes     chan storeOp
	writerDone chan struct{}
	queueMu    sync.RWMutex
	closed     bool
	dropped    atomic.Uint64
}

// Option configures a Registry
type Option func(*Registry)

// WithLogCapacity sets the per-session log line limit
func WithLogCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithStore enables persistence through an asynchronous write queue
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// New creates a Registry. Call Close to flush pending writes.
func New(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:      log,
		capacity: logbuf.DefaultCapacity,
		entries:  make(map[int]*entry),
		locks:    make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		r.writes = make(chan storeOp, 1024)
		r.writerDone = make(chan struct{})
		go r.writer()
	}
	return r
}

// writer applies store operations in order
func (r *Registry) writer() {
	defer close(r.writerDone)
	for op := range r.writes {
		r.apply(op)
	}
}

func (r *Registry) apply(op storeOp) {
	var err error
	switch op.kind {
	case opSave:
		err = r.store.SaveSession(op.session)
	case opDelete:
		err = r.store.DeleteSession(op.pr)
	case opLog:
		err = r.store.AppendLog(op.pr, op.runID, op.line)
	}
	if err != nil {
		r.log.Warn("session store write failed", "pr", op.pr, "error", err)
	}
}

// enqueue hands op to the writer. When the queue is full, session writes are
// applied synchronously and log lines are dropped.
func (r *Registry) enqueue(op storeOp) {
	if r.store == nil {
		return
	}
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- op:
		return
	default:
	}
	if op.kind == opLog {
		if r.dropped.Add(1)%1000 == 1 {
			r.log.Warn("session store queue full, dropping log lines", "pr", op.pr, "dropped", r.dropped.Load())
		}
		return
	}
	r.writes <- op
}

// Close flushes queued writes. Later changes are kept in memory only.
func (r *Registry) Close() {
	r.queueMu.Lock()
	if r.closed || r.writes == nil {
		r.closed = true
		r.queueMu.Unlock()
		return
	}
	r.closed = true
	close(r.writes)
	r.queueMu.Unlock()
	<-r.writerDone
}

// Lock acquires the operation lock for pr. Calls for the same PR serialize;
// different PRs proceed in parallel.
func (r *Registry) Lock(ctx context.Context, pr int) (unlock func(), err error) {
	r.locksMu.Lock()
	ch, ok := r.locks[pr]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[pr] = ch
	}
	r.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Create registers s, replacing a terminal session for the same PR. It fails
// with ErrConflict if the PR has an active session or another session already
// owns s.TempDir.
func (r *Registry) Create(s *domain.PRSession) error {
	if s.PRNumber <= 0 {
		return domain.Required("prNumber")
	}
	if s.TempDir == "" {
		return domain.Required("tempDir")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[s.PRNumber]; ok && !cur.session.State.IsTerminal() {
		return domain.Conflictf("PR %d already has an active session in state %s", s.PRNumber, cur.session.State)
	}
	dir := filepath.Clean(s.TempDir)
	for pr, e := range r.entries {
		if pr != s.PRNumber && filepath.Clean(e.session.TempDir) == dir {
			return domain.Conflictf("%s is already used by PR %d", s.TempDir, pr)
		}
	}

	if old, ok := r.entries[s.PRNumber]; ok {
		old.logs.Close()
	}
	stored := s.Clone()
	r.entries[s.PRNumber] = &entry{session: stored, logs: logbuf.New(r.capacity)}
	r.enqueue(storeOp{kind: opSave, pr: s.PRNumber, session: stored.Clone()})
	return nil
}

// Get returns a copy of the session for pr
func (r *Registry) Get(pr int) (*domain.PRSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pr]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// Update applies fn to a copy of the session and commits it if fn returns nil.
// It returns the committed copy.
func (r *Registry) Update(pr int, fn func(*domain.PRSession) error) (*domain.PRSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pr]
	if !ok {
		return nil, domain.NotFoundf("no session for PR %d", pr)
	}
	next := e.session.Clone()
	if err := fn(next); err != nil {
		return e.session.Clone(), err
	}
	e.session = next
	r.enqueue(storeOp{kind: opSave, pr: pr, session: next.Clone()})
	return next.Clone(), nil
}

// List returns copies of all sessions ordered by PR number
func (r *Registry) List() []*domain.PRSession {
	r.mu.RLock()
	out := make([]*domain.PRSession, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PRNumber < out[j].PRNumber })
	return out
}

// Active counts sessions that are not in a terminal state
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.session.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Remove forgets a terminal session. The workspace directory is not touched.
func (r *Registry) Remove(pr int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pr]
	if !ok {
		return domain.NotFoundf("no session for PR %d", pr)
	}
	if !e.session.State.IsTerminal() {
		return domain.Conflictf("PR %d is %s; stop it before removing", pr, e.session.State)
	}
	e.logs.Close()
	delete(r.entries, pr)
	r.enqueue(storeOp{kind: opDelete, pr: pr})
	return nil
}

// AppendLog adds a line to the session's log. Lines for unknown PRs are
// discarded.
func (r *Registry) AppendLog(pr int, stream logbuf.Stream, text string) {
	if s, ok := r.Sink(pr); ok {
		s.Append(stream, text)
	}
}

// Sink returns a writer for the current run's log, for handing to the process
// supervisor
func (r *Registry) Sink(pr int) (*Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pr]
	if !ok {
		return nil, false
	}
	return &Sink{r: r, pr: pr, runID: e.session.RunID, buf: e.logs}, true
}

// Logs returns the formatted log snapshot; empty for unknown PRs
func (r *Registry) Logs(pr int) []string {
	buf := r.buffer(pr)
	if buf == nil {
		return []string{}
	}
	return buf.Strings()
}

// Lines returns the raw log snapshot
func (r *Registry) Lines(pr int) []logbuf.Line {
	buf := r.buffer(pr)
	if buf == nil {
		return []logbuf.Line{}
	}
	return buf.Snapshot()
}

// Subscribe follows the session's log. The channel closes when the session is
// replaced or removed, or when the follower falls behind.
func (r *Registry) Subscribe(pr int) ([]logbuf.Line, <-chan logbuf.Line, func(), error) {
	buf := r.buffer(pr)
	if buf == nil {
		return nil, nil, nil, domain.NotFoundf("no session for PR %d", pr)
	}
	snap, ch, cancel := buf.Follow(512)
	return snap, ch, cancel, nil
}

func (r *Registry) buffer(pr int) *logbuf.Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[pr]; ok {
		return e.logs
	}
	return nil
}

// Restore loads persisted sessions and their logs. It must be called before
// the registry is used and returns the restored sessions.
func (r *Registry) Restore() ([]*domain.PRSession, error) {
	if r.store == nil {
		return nil, nil
	}
	sessions, err := r.store.ListSessions()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PRSession, 0, len(sessions))
	for _, s := range sessions {
		buf := logbuf.New(r.capacity)
		lines, err := r.store.LoadLogs(s.PRNumber, s.RunID, r.capacity)
		if err != nil {
			r.log.Warn("could not load session logs", "pr", s.PRNumber, "error", err)
		}
		buf.Restore(lines)
		r.entries[s.PRNumber] = &entry{session: s.Clone(), logs: buf}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PRNumber < out[j].PRNumber })
	return out, nil
}

// Sink appends to one run's log and queues the line for persistence
type Sink struct {
	r     *Registry
	pr    int
	runID string
	buf   *logbuf.Buffer
}

// Append implements supervisor.LineSink
func (s *Sink) Append(stream logbuf.Stream, text string) logbuf.Line {
	line := s.buf.Append(stream, text)
	s.r.enqueue(storeOp{kind: opLog, pr: s.pr, runID: s.runID, line: line})
	return line
}

// Package sessionstore persists PR sessions and their log lines in SQLite.
package sessionstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DefaultLogRetention is how many lines per session are kept on disk
const DefaultLogRetention = logbuf.DefaultCapacity

// trimEvery controls how often old log rows are deleted, in appended lines
const trimEvery = 500

// Store provides SQLite-backed session persistence
type Store struct {
	db        *sql.DB
	retention int
}

// Open opens (or creates) the database at dbPath and applies pending
// migrations
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite serialises writes; limit to one connection.
	db.SetMaxOpenConns(1)

	if err := pragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, retention: DefaultLogRetention}, nil
}

func pragmas(ctx context.Context, db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("setting %s: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// SetLogRetention sets how many lines per session survive trimming
func (s *Store) SetLogRetention(n int) {
	if n > 0 {
		s.retention = n
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or updates a session. Saving a new run for a PR drops
// the log lines of its previous runs.
func (s *Store) SaveSession(sess *domain.PRSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (pr_number, run_id, temp_dir, repo_url, repo_name, branch, state,
			process_id, last_process_id, last_error, created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pr_number) DO UPDATE SET
			run_id = excluded.run_id,
			temp_dir = excluded.temp_dir,
			repo_url = excluded.repo_url,
			repo_name = excluded.repo_name,
			branch = excluded.branch,
			state = excluded.state,
			process_id = excluded.process_id,
			last_process_id = excluded.last_process_id,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		sess.PRNumber,
		sess.RunID,
		sess.TempDir,
		sess.RepoURL,
		sess.RepoName,
		sess.Branch,
		string(sess.State),
		sess.ProcessID,
		sess.LastProcessID,
		sess.LastError,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
		formatTimePtr(sess.StartedAt),
		formatTimePtr(sess.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session %d: %w", sess.PRNumber, err)
	}

	if _, err := tx.Exec(`DELETE FROM session_logs WHERE pr_number = ? AND run_id <> ?`, sess.PRNumber, sess.RunID); err != nil {
		return fmt.Errorf("dropping old logs for %d: %w", sess.PRNumber, err)
	}
	return tx.Commit()
}

// GetSession retrieves one session
func (s *Store) GetSession(prNumber int) (*domain.PRSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE pr_number = ?`, prNumber)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("no stored session for PR %d", prNumber)
	}
	return sess, err
}

// ListSessions returns every stored session ordered by PR number
func (s *Store) ListSessions() ([]*domain.PRSession, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY pr_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.PRSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its logs
func (s *Store) DeleteSession(prNumber int) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE pr_number = ?`, prNumber)
	return err
}

// AppendLog stores one log line of a run
func (s *Store) AppendLog(prNumber int, runID string, line logbuf.Line) error {
	_, err := s.db.Exec(`
		INSERT INTO session_logs (pr_number, run_id, seq, stream, logged_at, text)
		VALUES (?, ?, ?, ?, ?, ?)
	`, prNumber, runID, line.Seq, string(line.Stream), formatTime(line.Time), line.Text)
	if err != nil {
		return fmt.Errorf("appending log for %d: %w", prNumber, err)
	}
	if line.Seq%trimEvery == 0 {
		return s.trimLogs(prNumber, runID, line.Seq)
	}
	return nil
}

func (s *Store) trimLogs(prNumber int, runID string, latest uint64) error {
	if latest <= uint64(s.retention) {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM session_logs WHERE pr_number = ? AND run_id = ? AND seq <= ?`,
		prNumber, runID, latest-uint64(s.retention))
	return err
}

// LoadLogs returns the newest limit lines of a run, oldest first
func (s *Store) LoadLogs(prNumber int, runID string, limit int) ([]logbuf.Line, error) {
	if limit <= 0 {
		limit = s.retention
	}
	rows, err := s.db.Query(`
		SELECT seq, stream, logged_at, text FROM session_logs
		WHERE pr_number = ? AND run_id = ?
		ORDER BY seq DESC LIMIT ?
	`, prNumber, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []logbuf.Line
	for rows.Next() {
		var (
			l      logbuf.Line
			stream string
			ts     string
		)
		if err := rows.Scan(&l.Seq, &stream, &ts, &l.Text); err != nil {
			return nil, err
		}
		l.Stream = logbuf.Stream(stream)
		l.Time, _ = time.Parse(time.RFC3339Nano, ts)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

const sessionColumns = `pr_number, run_id, temp_dir, repo_url, repo_name, branch, state,
	process_id, last_process_id, last_error, created_at, updated_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.PRSession, error) {
	var (
		sess                 domain.PRSession
		state                string
		createdAt, updatedAt string
		startedAt            sql.NullString
		finishedAt           sql.NullString
	)
	err := row.Scan(
		&sess.PRNumber,
		&sess.RunID,
		&sess.TempDir,
		&sess.RepoURL,
		&sess.RepoName,
		&sess.Branch,
		&state,
		&sess.ProcessID,
		&sess.LastProcessID,
		&sess.LastError,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if sess.State, err = domain.ParseState(state); err != nil {
		return nil, fmt.Errorf("session %d: %w", sess.PRNumber, err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	sess.StartedAt = parseTimePtr(startedAt)
	sess.FinishedAt = parseTimePtr(finishedAt)
	return &sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

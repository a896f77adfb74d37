package corpus

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository on SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) corpusd.db in dataDir and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLiteRepository, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "corpusd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	r := &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (r *SQLiteRepository) migrate() error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := r.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := r.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename %q", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %q: %w", name, err)
	}
	return v, nil
}

// CreateCorpus inserts a corpus row.
func (r *SQLiteRepository) CreateCorpus(ctx context.Context, c *Corpus) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO corpora
		(corpus_id, owner_id, book_name, source_path, source_sha256, source_len_chars, created_at, latest_success_attempt_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CorpusID, c.OwnerID, c.BookName, c.SourcePath, c.SourceSHA256, c.SourceLenChars,
		c.CreatedAt.Format(timeLayout), nullString(c.LatestSuccessAttemptID),
	)
	if err != nil {
		return fmt.Errorf("inserting corpus %s: %w", c.CorpusID, err)
	}
	return nil
}

const corpusColumns = `corpus_id, owner_id, book_name, source_path, source_sha256, source_len_chars, created_at, latest_success_attempt_id`

// GetCorpus returns a corpus or ErrNotFound.
func (r *SQLiteRepository) GetCorpus(ctx context.Context, corpusID string) (*Corpus, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+corpusColumns+` FROM corpora WHERE corpus_id = ?`, corpusID)
	c, err := scanCorpus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("corpus %s: %w", corpusID, ErrNotFound)
	}
	return c, err
}

// ListCorpora returns the owner's corpora, newest first.
func (r *SQLiteRepository) ListCorpora(ctx context.Context, ownerID string) ([]*Corpus, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+corpusColumns+` FROM corpora WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing corpora: %w", err)
	}
	defer rows.Close()

	out := []*Corpus{}
	for rows.Next() {
		c, err := scanCorpus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCorpus removes the corpus row. Deleting an absent corpus succeeds.
func (r *SQLiteRepository) DeleteCorpus(ctx context.Context, corpusID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM corpora WHERE corpus_id = ?`, corpusID); err != nil {
		return fmt.Errorf("deleting corpus %s: %w", corpusID, err)
	}
	return nil
}

// CreateAttempt inserts an attempt row.
func (r *SQLiteRepository) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now()
	}
	if a.Status == "" {
		a.Status = StatusQueued
	}
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("encoding attempt config: %w", err)
	}
	artifacts, err := encodeArtifacts(a.Artifacts)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO attempts
		(attempt_id, corpus_id, runner_type, status, config_json, artifacts_json, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.CorpusID, string(a.RunnerType), string(a.Status), string(cfg), artifacts,
		a.Error, a.CreatedAt.Format(timeLayout), formatTimePtr(a.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %s: %w", a.AttemptID, err)
	}
	return nil
}

const attemptColumns = `attempt_id, corpus_id, runner_type, status, config_json, artifacts_json, error, created_at, finished_at`

// GetAttempt returns an attempt or ErrNotFound.
func (r *SQLiteRepository) GetAttempt(ctx context.Context, attemptID string) (*Attempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE attempt_id = ?`, attemptID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return a, err
}

// ListAttempts returns a corpus's attempts, oldest first.
func (r *SQLiteRepository) ListAttempts(ctx context.Context, corpusID string) ([]*Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE corpus_id = ? ORDER BY created_at ASC`, corpusID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	out := []*Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttempt removes the attempt row. Deleting an absent attempt succeeds.
func (r *SQLiteRepository) DeleteAttempt(ctx context.Context, attemptID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM attempts WHERE attempt_id = ?`, attemptID); err != nil {
		return fmt.Errorf("deleting attempt %s: %w", attemptID, err)
	}
	return nil
}

// MarkBuilding moves a queued or failed attempt to building.
func (r *SQLiteRepository) MarkBuilding(ctx context.Context, attemptID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET status = ?
		WHERE attempt_id = ? AND status IN (?, ?)`,
		string(StatusBuilding), attemptID,
		string(StatusQueued), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("marking attempt %s building: %w", attemptID, err)
	}
	return r.expectOneRow(ctx, res, attemptID)
}

// MarkReady records a successful build.
func (r *SQLiteRepository) MarkReady(ctx context.Context, attemptID string, artifacts *ArtifactPointer) error {
	encoded, err := encodeArtifacts(artifacts)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var corpusID string
	if err := tx.QueryRowContext(ctx, `SELECT corpus_id FROM attempts WHERE attempt_id = ?`, attemptID).Scan(&corpusID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		return fmt.Errorf("loading attempt %s: %w", attemptID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE attempts
		SET status = ?, artifacts_json = ?, error = NULL, finished_at = ?
		WHERE attempt_id = ?`,
		string(StatusReady), encoded, r.now().Format(timeLayout), attemptID,
	); err != nil {
		return fmt.Errorf("marking attempt %s ready: %w", attemptID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE corpora SET latest_success_attempt_id = ? WHERE corpus_id = ?`,
		attemptID, corpusID,
	); err != nil {
		return fmt.Errorf("updating corpus %s latest attempt: %w", corpusID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ready state: %w", err)
	}
	return nil
}

// MarkFailed records a failed build and clears any artifact pointer.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, attemptID string, message string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attempts SET status = ?, error = ?, artifacts_json = NULL, finished_at = ? WHERE attempt_id = ?`,
		string(StatusFailed), message, r.now().Format(timeLayout), attemptID,
	)
	if err != nil {
		return fmt.Errorf("marking attempt %s failed: %w", attemptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking attempt %s failed: %w", attemptID, err)
	}
	if n == 0 {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) expectOneRow(ctx context.Context, res sql.Result, attemptID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// distinguish a missing row from a disallowed transition
	if _, err := r.GetAttempt(ctx, attemptID); err != nil {
		return err
	}
	return fmt.Errorf("attempt %s: %w", attemptID, ErrInvalidTransition)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCorpus(row rowScanner) (*Corpus, error) {
	var (
		c       Corpus
		created string
		latest  sql.NullString
	)
	if err := row.Scan(&c.CorpusID, &c.OwnerID, &c.BookName, &c.SourcePath, &c.SourceSHA256,
		&c.SourceLenChars, &created, &latest); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing corpus created_at: %w", err)
	}
	c.CreatedAt = t
	c.LatestSuccessAttemptID = latest.String
	return &c, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a          Attempt
		runner     string
		status     string
		cfg        string
		artifacts  sql.NullString
		errMsg     sql.NullString
		created    string
		finishedAt sql.NullString
	)
	if err := row.Scan(&a.AttemptID, &a.CorpusID, &runner, &status, &cfg, &artifacts,
		&errMsg, &created, &finishedAt); err != nil {
		return nil, err
	}
	a.RunnerType = RunnerType(runner)
	a.Status = Status(status)

	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return nil, fmt.Errorf("decoding attempt config: %w", err)
	}
	if artifacts.Valid && artifacts.String != "" && artifacts.String != "null" {
		var p ArtifactPointer
		if err := json.Unmarshal([]byte(artifacts.String), &p); err != nil {
			return nil, fmt.Errorf("decoding attempt artifacts: %w", err)
		}
		a.Artifacts = &p
	}
	if errMsg.Valid {
		msg := errMsg.String
		a.Error = &msg
	}

	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing attempt created_at: %w", err)
	}
	a.CreatedAt = t
	if finishedAt.Valid {
		ft, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing attempt finished_at: %w", err)
		}
		a.FinishedAt = &ft
	}
	return &a, nil
}

func encodeArtifacts(p *ArtifactPointer) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding artifacts: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

var _ Repository = (*SQLiteRepository)(nil)

// Package store provides SQLite-backed persistence for shardrun.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/registry"
)

// busyTimeout bounds a single wait for the write lock inside SQLite. Update
// keeps retrying after it for as long as its context allows, since another
// submission may hold the registry while it packages and uploads a bundle.
var busyTimeout = 10 * time.Second

const beginRetryInterval = 250 * time.Millisecond

// Store provides access to the shardrun SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN, which makes
	// registry read-modify-write exclusive across processes.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifact_versions (
		task TEXT NOT NULL,
		tag TEXT NOT NULL,
		version TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (task, tag)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		tag TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		units INTEGER NOT NULL,
		dir TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS unit_runs (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		unit_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER,
		stdout TEXT,
		stderr TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_unit_runs_submission ON unit_runs(submission_id, unit_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_subject ON pdr(subject);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Artifact registry ---

type sqlTx struct {
	tx   *sql.Tx
	ctx  context.Context
	puts []registry.Entry
	err  error
}

func (t *sqlTx) Get(task, tag string) (string, bool) {
	for i := len(t.puts) - 1; i >= 0; i-- {
		if t.puts[i].Task == task && t.puts[i].Tag == tag {
			return t.puts[i].Version, true
		}
	}
	var version string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT version FROM artifact_versions WHERE task = ? AND tag = ?`, task, tag,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		if t.err == nil {
			t.err = fmt.Errorf("query artifact version: %w", err)
		}
		return "", false
	}
	return version, true
}

func (t *sqlTx) Put(task, tag, version string) {
	t.puts = append(t.puts, registry.Entry{Task: task, Tag: tag, Version: version})
}

// View runs fn inside a read transaction; puts are discarded.
func (s *Store) View(ctx context.Context, fn func(registry.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stx := &sqlTx{tx: tx, ctx: ctx}
	if err := fn(stx); err != nil {
		return err
	}
	return stx.err
}

// Update runs fn inside an immediate transaction and persists its puts.
// It waits until ctx is done while another process holds the write lock.
func (s *Store) Update(ctx context.Context, fn func(registry.Tx) error) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stx := &sqlTx{tx: tx, ctx: ctx}
	if err := fn(stx); err != nil {
		return err
	}
	if stx.err != nil {
		return stx.err
	}
	if len(stx.puts) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, p := range stx.puts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_versions (task, tag, version, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(task, tag) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
			p.Task, p.Tag, p.Version, now,
		)
		if err != nil {
			return fmt.Errorf("upsert artifact version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	for {
		tx, err := s.db.BeginTx(ctx, nil)
		if err == nil || !isBusy(err) {
			return tx, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for write lock: %w", ctx.Err())
		case <-time.After(beginRetryInterval):
		}
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_BUSY
}

// Versions returns every recorded artifact version.
func (s *Store) Versions(ctx context.Context) (registry.Versions, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task, tag, version FROM artifact_versions`)
	if err != nil {
		return nil, fmt.Errorf("query artifact versions: %w", err)
	}
	defer rows.Close()

	v := registry.Versions{}
	for rows.Next() {
		var task, tag, version string
		if err := rows.Scan(&task, &tag, &version); err != nil {
			return nil, fmt.Errorf("scan artifact version: %w", err)
		}
		v.Set(task, tag, version)
	}
	return v, rows.Err()
}

// --- Submission Operations ---

// CreateSubmission inserts a submission record.
func (s *Store) CreateSubmission(task, tag, artifactPath, dir string, units int) (*models.Submission, error) {
	sub := &models.Submission{
		ID:            uuid.New().String(),
		TaskName:      task,
		ProductionTag: tag,
		ArtifactPath:  artifactPath,
		Units:         units,
		Dir:           dir,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO submissions (id, task, tag, artifact_path, units, dir, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TaskName, sub.ProductionTag, sub.ArtifactPath, sub.Units, sub.Dir, sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// GetSubmission retrieves a submission by ID.
func (s *Store) GetSubmission(id string) (*models.Submission, error) {
	sub := &models.Submission{}
	err := s.db.QueryRow(
		`SELECT id, task, tag, artifact_path, units, dir, created_at FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.TaskName, &sub.ProductionTag, &sub.ArtifactPath, &sub.Units, &sub.Dir, &sub.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions newest first, optionally filtered by task.
func (s *Store) ListSubmissions(task string) ([]models.Submission, error) {
	query := `SELECT id, task, tag, artifact_path, units, dir, created_at FROM submissions`
	var args []interface{}
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var sub models.Submission
		if err := rows.Scan(&sub.ID, &sub.TaskName, &sub.ProductionTag, &sub.ArtifactPath, &sub.Units, &sub.Dir, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- Unit Run Operations ---

// CreateUnitRun inserts a running unit record.
func (s *Store) CreateUnitRun(submissionID string, unitID int) (*models.UnitRun, error) {
	run := &models.UnitRun{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		UnitID:       unitID,
		State:        models.UnitStateRunning,
		StartedAt:    time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO unit_runs (id, submission_id, unit_id, state, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.SubmissionID, run.UnitID, run.State, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert unit run: %w", err)
	}
	return run, nil
}

// FinishUnitRun records the terminal state of a unit run.
func (s *Store) FinishUnitRun(id string, state models.UnitState, exitCode int, stdout, stderr string) error {
	_, err := s.db.Exec(
		`UPDATE unit_runs SET state = ?, exit_code = ?, stdout = ?, stderr = ?, ended_at = ? WHERE id = ?`,
		state, exitCode, stdout, stderr, time.Now().UTC(), id,
	)
	return err
}

// ListUnitRuns returns all runs of a submission ordered by unit then start time.
func (s *Store) ListUnitRuns(submissionID string) ([]models.UnitRun, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, unit_id, state, exit_code, stdout, stderr, started_at, ended_at
		 FROM unit_runs WHERE submission_id = ? ORDER BY unit_id, started_at`,
		submissionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unit runs: %w", err)
	}
	defer rows.Close()

	var runs []models.UnitRun
	for rows.Next() {
		var run models.UnitRun
		var exitCode sql.NullInt64
		var stdout, stderr sql.NullString
		var endedAt sql.NullTime

		if err := rows.Scan(&run.ID, &run.SubmissionID, &run.UnitID, &run.State, &exitCode, &stdout, &stderr, &run.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan unit run: %w", err)
		}
		if exitCode.Valid {
			run.ExitCode = int(exitCode.Int64)
		}
		if stdout.Valid {
			run.Stdout = stdout.String
		}
		if stderr.Valid {
			run.Stderr = stderr.String
		}
		if endedAt.Valid {
			run.EndedAt = endedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, subject, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Subject:    subject,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, subject, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Subject, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns records for a subject, newest first. An empty subject lists all.
func (s *Store) ListPDR(subject string) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, subject, details, timestamp FROM pdr`
	var args []interface{}
	if subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var subj, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subj, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Subject = subj.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ registry.Registry = (*Store)(nil)
var _ registry.Lister = (*Store)(nil)

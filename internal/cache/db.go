// Package cache provides the SQLite-backed local store for synchronized
// GitHub data. A single writer connection serializes all mutations while a
// reader pool serves concurrent snapshot reads, with the database in WAL
// mode so readers never block on the writer.
package cache

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the writer and reader connections to the cache database.
type DB struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

const createRepositoriesSQL = `
CREATE TABLE IF NOT EXISTS repositories (
    id INTEGER PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    can_push INTEGER NOT NULL DEFAULT 0,
    UNIQUE(owner, name)
);
`

const createItemsSQL = `
CREATE TABLE IF NOT EXISTS items (
    repo_id INTEGER NOT NULL,
    number INTEGER NOT NULL,
    id INTEGER NOT NULL,
    title TEXT NOT NULL,
    body TEXT,
    state TEXT NOT NULL,
    author TEXT,
    labels TEXT,     -- JSON array of label names
    assignees TEXT,  -- JSON array of logins
    comments_count INTEGER NOT NULL DEFAULT 0,
    is_pr INTEGER NOT NULL DEFAULT 0,
    merged INTEGER NOT NULL DEFAULT 0,
    head_sha TEXT,
    linked_number INTEGER,
    linked_url TEXT,
    created_at TEXT,
    updated_at TEXT NOT NULL,
    detail_etag TEXT,
    last_accessed_at TEXT,
    deleted_at TEXT,
    PRIMARY KEY (repo_id, number)
);
`

const createCommentsSQL = `
CREATE TABLE IF NOT EXISTS comments (
    id INTEGER PRIMARY KEY,
    repo_id INTEGER NOT NULL,
    item_number INTEGER NOT NULL,
    author TEXT,
    body TEXT,
    created_at TEXT,
    updated_at TEXT NOT NULL,
    deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_comments_item ON comments(repo_id, item_number);
`

const createPullFilesSQL = `
CREATE TABLE IF NOT EXISTS pull_files (
    repo_id INTEGER NOT NULL,
    item_number INTEGER NOT NULL,
    path TEXT NOT NULL,
    status TEXT NOT NULL,
    additions INTEGER NOT NULL DEFAULT 0,
    deletions INTEGER NOT NULL DEFAULT 0,
    patch TEXT,
    viewed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (repo_id, item_number, path)
);
`

const createReviewThreadsSQL = `
CREATE TABLE IF NOT EXISTS review_threads (
    id TEXT PRIMARY KEY,
    repo_id INTEGER NOT NULL,
    item_number INTEGER NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    outdated INTEGER NOT NULL DEFAULT 0
);
`

const createReviewCommentsSQL = `
CREATE TABLE IF NOT EXISTS review_comments (
    id INTEGER PRIMARY KEY,
    repo_id INTEGER NOT NULL,
    item_number INTEGER NOT NULL,
    thread_id TEXT,
    path TEXT NOT NULL,
    line INTEGER,
    start_line INTEGER,
    original_line INTEGER,
    side TEXT,
    start_side TEXT,
    commit_sha TEXT,
    in_reply_to INTEGER,
    author TEXT,
    body TEXT,
    created_at TEXT,
    updated_at TEXT NOT NULL,
    deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_review_comments_item ON review_comments(repo_id, item_number);
`

const createCursorsSQL = `
CREATE TABLE IF NOT EXISTS sync_cursors (
    repo_id INTEGER NOT NULL,
    resource TEXT NOT NULL,
    etag TEXT,
    last_page INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (repo_id, resource)
);
`

const createRepoLabelsSQL = `
CREATE TABLE IF NOT EXISTS repo_labels (
    repo_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    color TEXT,
    PRIMARY KEY (repo_id, name)
);
`

const createRepoAssigneesSQL = `
CREATE TABLE IF NOT EXISTS repo_assignees (
    repo_id INTEGER NOT NULL,
    login TEXT NOT NULL,
    PRIMARY KEY (repo_id, login)
);
`

var schemaStatements = []string{
	createRepositoriesSQL,
	createItemsSQL,
	createCommentsSQL,
	createPullFilesSQL,
	createReviewThreadsSQL,
	createReviewCommentsSQL,
	createCursorsSQL,
	createRepoLabelsSQL,
	createRepoAssigneesSQL,
}

// Open creates or opens the cache database at the given path and
// initializes the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite supports a single writer; one connection serializes all
	// mutations and avoids "database is locked" errors.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	for _, stmt := range schemaStatements {
		if _, err := writer.Exec(stmt); err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return &DB{path: path, writer: writer, reader: reader}, nil
}

// Close closes both connection pools.
func (db *DB) Close() error {
	var firstErr error
	if db.reader != nil {
		if err := db.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if db.writer != nil {
		if err := db.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the filesystem path of the database.
func (db *DB) Path() string {
	return db.path
}

// IntegrityError reports a write that referenced a parent row the store
// does not hold, such as comments for an item that was never synced.
type IntegrityError struct {
	Op     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cache integrity: %s: %s", e.Op, e.Detail)
}

// inTx runs fn inside a transaction on the writer connection, committing
// on success and rolling back on any error.
func (db *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

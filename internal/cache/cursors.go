package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// Cursor records sync progress for one resource of a repository. ETag is
// the validator of the first page of the cycle; LastPage is the highest
// page whose rows are durably stored. LastPage 0 with a non-empty ETag
// means the previous cycle completed and the ETag is armed for the next
// conditional fetch.
type Cursor struct {
	RepoID   int64
	Resource string
	ETag     string
	LastPage int64
}

// GetCursor retrieves the cursor of a resource. A missing cursor returns
// the zero value, never an error.
func (db *DB) GetCursor(repoID int64, resource string) (Cursor, error) {
	cursor := Cursor{RepoID: repoID, Resource: resource}
	row := db.reader.QueryRow(
		`SELECT etag, last_page FROM sync_cursors WHERE repo_id = ? AND resource = ?`,
		repoID, resource,
	)
	var etag sql.NullString
	if err := row.Scan(&etag, &cursor.LastPage); err != nil {
		if err == sql.ErrNoRows {
			return cursor, nil
		}
		return cursor, fmt.Errorf("failed to query cursor: %w", err)
	}
	cursor.ETag = etag.String
	return cursor, nil
}

// PutCursor writes a cursor on its own, outside of page application.
func (db *DB) PutCursor(cursor Cursor) error {
	return db.inTx(func(tx *sql.Tx) error {
		return putCursorTx(tx, cursor.RepoID, cursor)
	})
}

// ClearCursor removes the cursor of a resource, forcing a full refetch.
func (db *DB) ClearCursor(repoID int64, resource string) error {
	_, err := db.writer.Exec(
		`DELETE FROM sync_cursors WHERE repo_id = ? AND resource = ?`,
		repoID, resource,
	)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

func putCursorTx(tx *sql.Tx, repoID int64, cursor Cursor) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.Exec(`
		INSERT INTO sync_cursors (repo_id, resource, etag, last_page, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, resource) DO UPDATE SET
			etag = excluded.etag,
			last_page = excluded.last_page,
			updated_at = excluded.updated_at`,
		repoID, cursor.Resource, cursor.ETag, cursor.LastPage, now,
	)
	if err != nil {
		return fmt.Errorf("failed to put cursor %q: %w", cursor.Resource, err)
	}
	return nil
}

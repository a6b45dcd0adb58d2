package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// FileEntry represents a changed file of a cached pull request.
type FileEntry struct {
	RepoID     int64
	ItemNumber int64
	Path       string
	Status     string
	Additions  int64
	Deletions  int64
	Patch      string
	Viewed     bool
}

// ReviewThread represents a review thread of a cached pull request.
type ReviewThread struct {
	ID         string
	RepoID     int64
	ItemNumber int64
	Resolved   bool
	Outdated   bool
}

// ReviewComment represents a cached inline review comment.
type ReviewComment struct {
	ID           int64
	RepoID       int64
	ItemNumber   int64
	ThreadID     string
	Path         string
	Line         int64
	StartLine    int64
	OriginalLine int64
	Side         string
	StartSide    string
	CommitSHA    string
	InReplyTo    int64
	Author       string
	Body         string
	CreatedAt    string
	UpdatedAt    string
	DeletedAt    string
}

// ReviewData is the full review snapshot of one pull request, applied
// atomically.
type ReviewData struct {
	Files    []FileEntry
	Comments []ReviewComment
	Threads  []ReviewThread
}

// ApplyReviewData commits a complete review snapshot of a pull request
// together with the advanced cursor in a single transaction. Files and
// threads are replaced wholesale since the remote listing is
// authoritative; review comments get last-writer-wins upserts and
// soft-delete marks for comments the remote no longer has.
func (db *DB) ApplyReviewData(repoID, itemNumber int64, data ReviewData, cursor Cursor) error {
	return db.inTx(func(tx *sql.Tx) error {
		ok, err := itemExistsTx(tx, repoID, itemNumber)
		if err != nil {
			return err
		}
		if !ok {
			return &IntegrityError{
				Op:     "apply review data",
				Detail: fmt.Sprintf("item #%d is not cached", itemNumber),
			}
		}

		// Preserve locally tracked viewed flags across the replace.
		viewed := map[string]bool{}
		rows, err := tx.Query(
			`SELECT path, viewed FROM pull_files WHERE repo_id = ? AND item_number = ?`,
			repoID, itemNumber,
		)
		if err != nil {
			return fmt.Errorf("failed to query viewed flags: %w", err)
		}
		for rows.Next() {
			var path string
			var flag int
			if err := rows.Scan(&path, &flag); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan viewed flag: %w", err)
			}
			viewed[path] = flag != 0
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`DELETE FROM pull_files WHERE repo_id = ? AND item_number = ?`,
			repoID, itemNumber,
		); err != nil {
			return fmt.Errorf("failed to clear pull files: %w", err)
		}
		for _, file := range data.Files {
			flag := file.Viewed || viewed[file.Path]
			if _, err := tx.Exec(`
				INSERT INTO pull_files (repo_id, item_number, path, status, additions, deletions, patch, viewed)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				repoID, itemNumber, file.Path, file.Status,
				file.Additions, file.Deletions, file.Patch, boolInt(flag),
			); err != nil {
				return fmt.Errorf("failed to insert pull file %q: %w", file.Path, err)
			}
		}

		if _, err := tx.Exec(
			`DELETE FROM review_threads WHERE repo_id = ? AND item_number = ?`,
			repoID, itemNumber,
		); err != nil {
			return fmt.Errorf("failed to clear review threads: %w", err)
		}
		for _, thread := range data.Threads {
			if _, err := tx.Exec(`
				INSERT INTO review_threads (id, repo_id, item_number, resolved, outdated)
				VALUES (?, ?, ?, ?, ?)`,
				thread.ID, repoID, itemNumber, boolInt(thread.Resolved), boolInt(thread.Outdated),
			); err != nil {
				return fmt.Errorf("failed to insert review thread %s: %w", thread.ID, err)
			}
		}

		present := make(map[int64]bool, len(data.Comments))
		for _, comment := range data.Comments {
			present[comment.ID] = true
			if err := upsertReviewCommentTx(tx, repoID, itemNumber, comment); err != nil {
				return err
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		idRows, err := tx.Query(
			`SELECT id FROM review_comments WHERE repo_id = ? AND item_number = ? AND deleted_at IS NULL`,
			repoID, itemNumber,
		)
		if err != nil {
			return fmt.Errorf("failed to query review comment ids: %w", err)
		}
		var absent []int64
		for idRows.Next() {
			var id int64
			if err := idRows.Scan(&id); err != nil {
				idRows.Close()
				return fmt.Errorf("failed to scan review comment id: %w", err)
			}
			if !present[id] {
				absent = append(absent, id)
			}
		}
		idRows.Close()
		if err := idRows.Err(); err != nil {
			return err
		}
		for _, id := range absent {
			if _, err := tx.Exec(`UPDATE review_comments SET deleted_at = ? WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("failed to soft-delete review comment %d: %w", id, err)
			}
		}

		return putCursorTx(tx, repoID, cursor)
	})
}

func upsertReviewCommentTx(tx *sql.Tx, repoID, itemNumber int64, comment ReviewComment) error {
	query := `
		INSERT INTO review_comments (
			id, repo_id, item_number, thread_id, path, line, start_line,
			original_line, side, start_side, commit_sha, in_reply_to,
			author, body, created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = CASE WHEN excluded.thread_id != '' THEN excluded.thread_id ELSE review_comments.thread_id END,
			path = excluded.path,
			line = excluded.line,
			start_line = excluded.start_line,
			original_line = excluded.original_line,
			side = excluded.side,
			start_side = excluded.start_side,
			commit_sha = excluded.commit_sha,
			in_reply_to = excluded.in_reply_to,
			author = excluded.author,
			body = excluded.body,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = NULL
		WHERE excluded.updated_at >= review_comments.updated_at
	`
	_, err := tx.Exec(query,
		comment.ID, repoID, itemNumber, comment.ThreadID,
		comment.Path, comment.Line, comment.StartLine, comment.OriginalLine,
		comment.Side, comment.StartSide, comment.CommitSHA, comment.InReplyTo,
		comment.Author, comment.Body, comment.CreatedAt, comment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert review comment %d: %w", comment.ID, err)
	}
	return nil
}

// UpsertReviewComment writes a single review comment, for write-through
// of server responses after a mutation.
func (db *DB) UpsertReviewComment(repoID, itemNumber int64, comment ReviewComment) error {
	return db.inTx(func(tx *sql.Tx) error {
		ok, err := itemExistsTx(tx, repoID, itemNumber)
		if err != nil {
			return err
		}
		if !ok {
			return &IntegrityError{
				Op:     "upsert review comment",
				Detail: fmt.Sprintf("item #%d is not cached", itemNumber),
			}
		}
		return upsertReviewCommentTx(tx, repoID, itemNumber, comment)
	})
}

// SoftDeleteReviewComment marks one review comment deleted after a
// confirmed remote deletion.
func (db *DB) SoftDeleteReviewComment(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.writer.Exec(`UPDATE review_comments SET deleted_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete review comment %d: %w", id, err)
	}
	return nil
}

// SetThreadResolved records the server-confirmed resolution state of a
// review thread.
func (db *DB) SetThreadResolved(threadID string, resolved bool) error {
	_, err := db.writer.Exec(
		`UPDATE review_threads SET resolved = ? WHERE id = ?`,
		boolInt(resolved), threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to set thread resolution: %w", err)
	}
	return nil
}

// SetFileViewed records the viewed flag of a changed file.
func (db *DB) SetFileViewed(repoID, itemNumber int64, path string, viewed bool) error {
	_, err := db.writer.Exec(
		`UPDATE pull_files SET viewed = ? WHERE repo_id = ? AND item_number = ? AND path = ?`,
		boolInt(viewed), repoID, itemNumber, path,
	)
	if err != nil {
		return fmt.Errorf("failed to set viewed flag: %w", err)
	}
	return nil
}

// ListFiles retrieves the changed files of a pull request in path order.
func (db *DB) ListFiles(repoID, itemNumber int64) ([]FileEntry, error) {
	rows, err := db.reader.Query(`
		SELECT repo_id, item_number, path, status, additions, deletions, patch, viewed
		FROM pull_files
		WHERE repo_id = ? AND item_number = ?
		ORDER BY path ASC`,
		repoID, itemNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull files: %w", err)
	}
	defer rows.Close()

	files := []FileEntry{}
	for rows.Next() {
		var file FileEntry
		var patch sql.NullString
		var viewed int
		if err := rows.Scan(
			&file.RepoID, &file.ItemNumber, &file.Path, &file.Status,
			&file.Additions, &file.Deletions, &patch, &viewed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pull file: %w", err)
		}
		file.Patch = patch.String
		file.Viewed = viewed != 0
		files = append(files, file)
	}
	return files, rows.Err()
}

// ListThreads retrieves the review threads of a pull request.
func (db *DB) ListThreads(repoID, itemNumber int64) ([]ReviewThread, error) {
	rows, err := db.reader.Query(`
		SELECT id, repo_id, item_number, resolved, outdated
		FROM review_threads
		WHERE repo_id = ? AND item_number = ?
		ORDER BY id ASC`,
		repoID, itemNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query review threads: %w", err)
	}
	defer rows.Close()

	threads := []ReviewThread{}
	for rows.Next() {
		var thread ReviewThread
		var resolved, outdated int
		if err := rows.Scan(&thread.ID, &thread.RepoID, &thread.ItemNumber, &resolved, &outdated); err != nil {
			return nil, fmt.Errorf("failed to scan review thread: %w", err)
		}
		thread.Resolved = resolved != 0
		thread.Outdated = outdated != 0
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// GetThread retrieves one review thread by id.
func (db *DB) GetThread(threadID string) (*ReviewThread, error) {
	row := db.reader.QueryRow(
		`SELECT id, repo_id, item_number, resolved, outdated FROM review_threads WHERE id = ?`,
		threadID,
	)
	var thread ReviewThread
	var resolved, outdated int
	if err := row.Scan(&thread.ID, &thread.RepoID, &thread.ItemNumber, &resolved, &outdated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query review thread: %w", err)
	}
	thread.Resolved = resolved != 0
	thread.Outdated = outdated != 0
	return &thread, nil
}

// GetReviewComment retrieves one live review comment by id.
func (db *DB) GetReviewComment(id int64) (*ReviewComment, error) {
	row := db.reader.QueryRow(`
		SELECT id, repo_id, item_number, thread_id, path, line, start_line,
		       original_line, side, start_side, commit_sha, in_reply_to,
		       author, body, created_at, updated_at
		FROM review_comments
		WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	comment, err := scanReviewComment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return comment, err
}

func scanReviewComment(row rowScanner) (*ReviewComment, error) {
	var comment ReviewComment
	var threadID, side, startSide, commitSHA, author, body, createdAt sql.NullString
	var line, startLine, originalLine, inReplyTo sql.NullInt64
	if err := row.Scan(
		&comment.ID, &comment.RepoID, &comment.ItemNumber, &threadID,
		&comment.Path, &line, &startLine, &originalLine, &side, &startSide,
		&commitSHA, &inReplyTo, &author, &body, &createdAt, &comment.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan review comment: %w", err)
	}
	comment.ThreadID = threadID.String
	comment.Line = line.Int64
	comment.StartLine = startLine.Int64
	comment.OriginalLine = originalLine.Int64
	comment.Side = side.String
	comment.StartSide = startSide.String
	comment.CommitSHA = commitSHA.String
	comment.InReplyTo = inReplyTo.Int64
	comment.Author = author.String
	comment.Body = body.String
	comment.CreatedAt = createdAt.String
	return &comment, nil
}

// ListReviewComments retrieves the live review comments of a pull request
// in creation order.
func (db *DB) ListReviewComments(repoID, itemNumber int64) ([]ReviewComment, error) {
	rows, err := db.reader.Query(`
		SELECT id, repo_id, item_number, thread_id, path, line, start_line,
		       original_line, side, start_side, commit_sha, in_reply_to,
		       author, body, created_at, updated_at
		FROM review_comments
		WHERE repo_id = ? AND item_number = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`,
		repoID, itemNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query review comments: %w", err)
	}
	defer rows.Close()

	comments := []ReviewComment{}
	for rows.Next() {
		comment, err := scanReviewComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *comment)
	}
	return comments, rows.Err()
}

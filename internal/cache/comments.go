package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// Comment represents a cached issue or pull request conversation comment.
type Comment struct {
	ID         int64
	RepoID     int64
	ItemNumber int64
	Author     string
	Body       string
	CreatedAt  string
	UpdatedAt  string
	DeletedAt  string
}

// ApplyCommentsPage commits one fetched page of comments together with the
// advanced cursor in a single transaction. It fails with an IntegrityError
// when the parent item is not cached.
func (db *DB) ApplyCommentsPage(repoID, itemNumber int64, comments []Comment, cursor Cursor) error {
	return db.inTx(func(tx *sql.Tx) error {
		ok, err := itemExistsTx(tx, repoID, itemNumber)
		if err != nil {
			return err
		}
		if !ok {
			return &IntegrityError{
				Op:     "apply comments page",
				Detail: fmt.Sprintf("item #%d is not cached", itemNumber),
			}
		}
		for _, comment := range comments {
			if err := upsertCommentTx(tx, repoID, itemNumber, comment); err != nil {
				return err
			}
		}
		return putCursorTx(tx, repoID, cursor)
	})
}

// UpsertComment writes a single comment, for write-through of server
// responses after a mutation.
func (db *DB) UpsertComment(repoID, itemNumber int64, comment Comment) error {
	return db.inTx(func(tx *sql.Tx) error {
		ok, err := itemExistsTx(tx, repoID, itemNumber)
		if err != nil {
			return err
		}
		if !ok {
			return &IntegrityError{
				Op:     "upsert comment",
				Detail: fmt.Sprintf("item #%d is not cached", itemNumber),
			}
		}
		return upsertCommentTx(tx, repoID, itemNumber, comment)
	})
}

// upsertCommentTx writes a comment with the same last-writer-wins guard as
// items, and clears any soft-delete marker since the remote clearly still
// has the comment.
func upsertCommentTx(tx *sql.Tx, repoID, itemNumber int64, comment Comment) error {
	query := `
		INSERT INTO comments (id, repo_id, item_number, author, body, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			author = excluded.author,
			body = excluded.body,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = NULL
		WHERE excluded.updated_at >= comments.updated_at
	`
	_, err := tx.Exec(query,
		comment.ID, repoID, itemNumber,
		comment.Author, comment.Body, comment.CreatedAt, comment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert comment %d: %w", comment.ID, err)
	}
	return nil
}

// MarkAbsentCommentsDeleted soft-deletes cached comments for an item that
// are not in the given id set. Called after a full comment sync cycle, so
// remotely deleted comments disappear from reads without losing the row
// until the next purge.
func (db *DB) MarkAbsentCommentsDeleted(repoID, itemNumber int64, presentIDs []int64) error {
	present := make(map[int64]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}
	now := time.Now().UTC().Format(time.RFC3339)

	return db.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id FROM comments WHERE repo_id = ? AND item_number = ? AND deleted_at IS NULL`,
			repoID, itemNumber,
		)
		if err != nil {
			return fmt.Errorf("failed to query comment ids: %w", err)
		}
		var absent []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan comment id: %w", err)
			}
			if !present[id] {
				absent = append(absent, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range absent {
			if _, err := tx.Exec(`UPDATE comments SET deleted_at = ? WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("failed to soft-delete comment %d: %w", id, err)
			}
		}
		return nil
	})
}

// SoftDeleteComment marks one comment deleted after a confirmed remote
// deletion.
func (db *DB) SoftDeleteComment(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.writer.Exec(`UPDATE comments SET deleted_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete comment %d: %w", id, err)
	}
	return nil
}

// GetComment retrieves one live comment by id.
func (db *DB) GetComment(id int64) (*Comment, error) {
	row := db.reader.QueryRow(`
		SELECT id, repo_id, item_number, author, body, created_at, updated_at
		FROM comments
		WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	var comment Comment
	var author, body, createdAt sql.NullString
	if err := row.Scan(
		&comment.ID, &comment.RepoID, &comment.ItemNumber,
		&author, &body, &createdAt, &comment.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query comment: %w", err)
	}
	comment.Author = author.String
	comment.Body = body.String
	comment.CreatedAt = createdAt.String
	return &comment, nil
}

// ListComments retrieves the live comments of an item in creation order.
func (db *DB) ListComments(repoID, itemNumber int64) ([]Comment, error) {
	rows, err := db.reader.Query(`
		SELECT id, repo_id, item_number, author, body, created_at, updated_at
		FROM comments
		WHERE repo_id = ? AND item_number = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`,
		repoID, itemNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		var comment Comment
		var author, body, createdAt sql.NullString
		if err := rows.Scan(
			&comment.ID, &comment.RepoID, &comment.ItemNumber,
			&author, &body, &createdAt, &comment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comment.Author = author.String
		comment.Body = body.String
		comment.CreatedAt = createdAt.String
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// PruneComments drops comment data for items not opened within the TTL,
// along with their detail cursors, so cold detail data gets refetched on
// next access instead of growing the database forever. When keep is
// positive, at most that many items retain their comments afterwards,
// coldest evicted first. Returns the number of comment rows dropped.
func (db *DB) PruneComments(repoID int64, ttl time.Duration, keep int) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	var pruned int64

	err := db.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT number FROM items
			WHERE repo_id = ? AND (last_accessed_at IS NULL OR last_accessed_at < ?)`,
			repoID, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to query cold items: %w", err)
		}
		cold, err := scanNumbers(rows)
		if err != nil {
			return err
		}

		if keep > 0 {
			rows, err := tx.Query(`
				SELECT i.number FROM items i
				WHERE i.repo_id = ? AND EXISTS (
					SELECT 1 FROM comments c
					WHERE c.repo_id = i.repo_id AND c.item_number = i.number
				)
				ORDER BY COALESCE(i.last_accessed_at, '') DESC, i.number DESC`,
				repoID,
			)
			if err != nil {
				return fmt.Errorf("failed to query commented items: %w", err)
			}
			withComments, err := scanNumbers(rows)
			if err != nil {
				return err
			}
			if len(withComments) > keep {
				cold = append(cold, withComments[keep:]...)
			}
		}

		for _, number := range cold {
			res, err := tx.Exec(
				`DELETE FROM comments WHERE repo_id = ? AND item_number = ?`,
				repoID, number,
			)
			if err != nil {
				return fmt.Errorf("failed to prune comments for #%d: %w", number, err)
			}
			n, _ := res.RowsAffected()
			pruned += n
			if _, err := tx.Exec(
				`DELETE FROM sync_cursors WHERE repo_id = ? AND resource = ?`,
				repoID, resourceComments(number),
			); err != nil {
				return fmt.Errorf("failed to drop comment cursor for #%d: %w", number, err)
			}
		}
		return nil
	})
	return pruned, err
}

func scanNumbers(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var numbers []int64
	for rows.Next() {
		var number int64
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("failed to scan item number: %w", err)
		}
		numbers = append(numbers, number)
	}
	return numbers, rows.Err()
}

// PurgeSoftDeleted permanently removes comment rows that were soft-deleted
// before the given age.
func (db *DB) PurgeSoftDeleted(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339)
	var purged int64
	err := db.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"comments", "review_comments"} {
			// Timestamps have second granularity; the boundary must
			// count as expired or an age-0 purge misses rows deleted
			// in the same second.
			res, err := tx.Exec(
				`DELETE FROM `+table+` WHERE deleted_at IS NOT NULL AND deleted_at <= ?`,
				cutoff,
			)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			purged += n
		}
		return nil
	})
	return purged, err
}

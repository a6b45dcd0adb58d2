package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Repository represents a cached repository.
type Repository struct {
	ID      int64
	Owner   string
	Name    string
	CanPush bool
}

// FullName returns the owner/name form of the repository.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// WorkItem represents a cached issue or pull request.
type WorkItem struct {
	RepoID         int64
	Number         int64
	ID             int64
	Title          string
	Body           string
	State          string
	Author         string
	Labels         []string // Stored as JSON array in database
	Assignees      []string // Stored as JSON array in database
	CommentsCount  int64
	IsPullRequest  bool
	Merged         bool
	HeadSHA        string
	LinkedNumber   int64 // 0 when no cross-linked item is known
	LinkedURL      string
	CreatedAt      string
	UpdatedAt      string
	DetailETag     string
	LastAccessedAt string
	DeletedAt      string
}

// ItemFilter narrows ListItems results. Zero values match everything.
type ItemFilter struct {
	State      string // "open", "closed" or "" for all
	PullsOnly  bool
	IssuesOnly bool
	Label      string // exact label name
	Search     string // substring of title or body
}

// UpsertRepository inserts or updates a repository row.
func (db *DB) UpsertRepository(repo Repository) error {
	query := `
		INSERT INTO repositories (id, owner, name, can_push)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			can_push = excluded.can_push
	`
	_, err := db.writer.Exec(query, repo.ID, repo.Owner, repo.Name, boolInt(repo.CanPush))
	if err != nil {
		return fmt.Errorf("failed to upsert repository: %w", err)
	}
	return nil
}

// GetRepository retrieves a repository by owner and name.
func (db *DB) GetRepository(owner, name string) (*Repository, error) {
	row := db.reader.QueryRow(
		`SELECT id, owner, name, can_push FROM repositories WHERE owner = ? AND name = ?`,
		owner, name,
	)
	var repo Repository
	var canPush int
	if err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &canPush); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query repository: %w", err)
	}
	repo.CanPush = canPush != 0
	return &repo, nil
}

// ListRepositories retrieves all cached repositories.
func (db *DB) ListRepositories() ([]Repository, error) {
	rows, err := db.reader.Query(`SELECT id, owner, name, can_push FROM repositories ORDER BY owner, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	repos := []Repository{}
	for rows.Next() {
		var repo Repository
		var canPush int
		if err := rows.Scan(&repo.ID, &repo.Owner, &repo.Name, &canPush); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repo.CanPush = canPush != 0
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ApplyItemsPage commits one fetched page of items together with the
// advanced cursor in a single transaction, so a crash between pages
// leaves the cursor pointing at the last fully stored page.
func (db *DB) ApplyItemsPage(repoID int64, items []WorkItem, cursor Cursor) error {
	return db.inTx(func(tx *sql.Tx) error {
		for _, item := range items {
			if err := upsertItemTx(tx, repoID, item); err != nil {
				return err
			}
		}
		return putCursorTx(tx, repoID, cursor)
	})
}

// UpsertItem inserts or updates a single item outside of page sync, for
// write-through of server responses.
func (db *DB) UpsertItem(repoID int64, item WorkItem) error {
	return db.inTx(func(tx *sql.Tx) error {
		return upsertItemTx(tx, repoID, item)
	})
}

// upsertItemTx writes an item with a last-writer-wins guard: a row is only
// replaced when the incoming updated_at is not older than the stored one.
// RFC3339 strings in UTC compare correctly as text.
func upsertItemTx(tx *sql.Tx, repoID int64, item WorkItem) error {
	labelsJSON, err := json.Marshal(item.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	assigneesJSON, err := json.Marshal(item.Assignees)
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}

	query := `
		INSERT INTO items (
			repo_id, number, id, title, body, state, author, labels, assignees,
			comments_count, is_pr, merged, head_sha, linked_number, linked_url,
			created_at, updated_at, detail_etag, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(repo_id, number) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			author = excluded.author,
			labels = excluded.labels,
			assignees = excluded.assignees,
			comments_count = excluded.comments_count,
			is_pr = excluded.is_pr,
			merged = excluded.merged,
			head_sha = CASE WHEN excluded.head_sha != '' THEN excluded.head_sha ELSE items.head_sha END,
			linked_number = CASE WHEN excluded.linked_number != 0 THEN excluded.linked_number ELSE items.linked_number END,
			linked_url = CASE WHEN excluded.linked_url != '' THEN excluded.linked_url ELSE items.linked_url END,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			detail_etag = CASE WHEN excluded.detail_etag != '' THEN excluded.detail_etag ELSE items.detail_etag END,
			deleted_at = NULL
		WHERE excluded.updated_at >= items.updated_at
	`

	_, err = tx.Exec(query,
		repoID,
		item.Number,
		item.ID,
		item.Title,
		item.Body,
		item.State,
		item.Author,
		string(labelsJSON),
		string(assigneesJSON),
		item.CommentsCount,
		boolInt(item.IsPullRequest),
		boolInt(item.Merged),
		item.HeadSHA,
		item.LinkedNumber,
		item.LinkedURL,
		item.CreatedAt,
		item.UpdatedAt,
		item.DetailETag,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item #%d: %w", item.Number, err)
	}
	return nil
}

// GetItem retrieves an item by repository and number. Soft-deleted items
// are not returned.
func (db *DB) GetItem(repoID, number int64) (*WorkItem, error) {
	row := db.reader.QueryRow(itemSelectSQL+` WHERE repo_id = ? AND number = ? AND deleted_at IS NULL`, repoID, number)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// ListItems retrieves all live items for a repository, most recently
// updated first.
func (db *DB) ListItems(repoID int64, filter ItemFilter) ([]WorkItem, error) {
	query := itemSelectSQL + ` WHERE repo_id = ? AND deleted_at IS NULL`
	args := []interface{}{repoID}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.PullsOnly {
		query += ` AND is_pr = 1`
	}
	if filter.IssuesOnly {
		query += ` AND is_pr = 0`
	}
	if filter.Label != "" {
		// Labels are stored as a JSON array of quoted names.
		query += ` AND labels LIKE ? ESCAPE '\'`
		args = append(args, `%"`+escapeLike(filter.Label)+`"%`)
	}
	if filter.Search != "" {
		query += ` AND (title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(filter.Search) + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY updated_at DESC, number DESC`

	rows, err := db.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []WorkItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// DeleteItem removes an item and all of its dependent rows in one
// transaction, used when the remote reports the item gone.
func (db *DB) DeleteItem(repoID, number int64) error {
	return db.inTx(func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM comments WHERE repo_id = ? AND item_number = ?`,
			`DELETE FROM review_comments WHERE repo_id = ? AND item_number = ?`,
			`DELETE FROM review_threads WHERE repo_id = ? AND item_number = ?`,
			`DELETE FROM pull_files WHERE repo_id = ? AND item_number = ?`,
			`DELETE FROM items WHERE repo_id = ? AND number = ?`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt, repoID, number); err != nil {
				return fmt.Errorf("failed to delete item #%d: %w", number, err)
			}
		}
		cursors := []string{resourceComments(number), resourceReview(number)}
		for _, resource := range cursors {
			if _, err := tx.Exec(`DELETE FROM sync_cursors WHERE repo_id = ? AND resource = ?`, repoID, resource); err != nil {
				return fmt.Errorf("failed to delete cursor for item #%d: %w", number, err)
			}
		}
		return nil
	})
}

// SetItemLabels replaces an item's stored label names with a
// server-confirmed set.
func (db *DB) SetItemLabels(repoID, number int64, labels []string) error {
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	_, err = db.writer.Exec(
		`UPDATE items SET labels = ? WHERE repo_id = ? AND number = ?`,
		string(labelsJSON), repoID, number,
	)
	if err != nil {
		return fmt.Errorf("failed to set item labels: %w", err)
	}
	return nil
}

// SetItemHeadSHA records the tip commit of a pull request.
func (db *DB) SetItemHeadSHA(repoID, number int64, sha string) error {
	_, err := db.writer.Exec(
		`UPDATE items SET head_sha = ? WHERE repo_id = ? AND number = ?`,
		sha, repoID, number,
	)
	if err != nil {
		return fmt.Errorf("failed to set head sha: %w", err)
	}
	return nil
}

// SetItemLink records a discovered cross-link between an issue and a
// pull request.
func (db *DB) SetItemLink(repoID, number, linkedNumber int64, linkedURL string) error {
	_, err := db.writer.Exec(
		`UPDATE items SET linked_number = ?, linked_url = ? WHERE repo_id = ? AND number = ?`,
		linkedNumber, linkedURL, repoID, number,
	)
	if err != nil {
		return fmt.Errorf("failed to set item link: %w", err)
	}
	return nil
}

// TouchItem records that an item's detail view was opened, for TTL-based
// pruning of cold comment data.
func (db *DB) TouchItem(repoID, number int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.writer.Exec(
		`UPDATE items SET last_accessed_at = ? WHERE repo_id = ? AND number = ?`,
		now, repoID, number,
	)
	if err != nil {
		return fmt.Errorf("failed to touch item: %w", err)
	}
	return nil
}

// ReplaceLabels replaces the cached label set of a repository.
func (db *DB) ReplaceLabels(repoID int64, labels []RepoLabel) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM repo_labels WHERE repo_id = ?`, repoID); err != nil {
			return fmt.Errorf("failed to clear labels: %w", err)
		}
		for _, label := range labels {
			if _, err := tx.Exec(
				`INSERT INTO repo_labels (repo_id, name, color) VALUES (?, ?, ?)`,
				repoID, label.Name, label.Color,
			); err != nil {
				return fmt.Errorf("failed to insert label %q: %w", label.Name, err)
			}
		}
		return nil
	})
}

// ListLabels retrieves the cached label set of a repository.
func (db *DB) ListLabels(repoID int64) ([]RepoLabel, error) {
	rows, err := db.reader.Query(
		`SELECT name, color FROM repo_labels WHERE repo_id = ? ORDER BY name`, repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	labels := []RepoLabel{}
	for rows.Next() {
		var label RepoLabel
		if err := rows.Scan(&label.Name, &label.Color); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// ReplaceAssignees replaces the cached assignable-user set of a repository.
func (db *DB) ReplaceAssignees(repoID int64, logins []string) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM repo_assignees WHERE repo_id = ?`, repoID); err != nil {
			return fmt.Errorf("failed to clear assignees: %w", err)
		}
		for _, login := range logins {
			if _, err := tx.Exec(
				`INSERT INTO repo_assignees (repo_id, login) VALUES (?, ?)`,
				repoID, login,
			); err != nil {
				return fmt.Errorf("failed to insert assignee %q: %w", login, err)
			}
		}
		return nil
	})
}

// ListAssignees retrieves the cached assignable-user set of a repository.
func (db *DB) ListAssignees(repoID int64) ([]string, error) {
	rows, err := db.reader.Query(
		`SELECT login FROM repo_assignees WHERE repo_id = ? ORDER BY login`, repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignees: %w", err)
	}
	defer rows.Close()

	logins := []string{}
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("failed to scan assignee: %w", err)
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

// RepoLabel is a label available on a repository.
type RepoLabel struct {
	Name  string
	Color string
}

const itemSelectSQL = `
	SELECT repo_id, number, id, title, body, state, author, labels, assignees,
	       comments_count, is_pr, merged, head_sha, linked_number, linked_url,
	       created_at, updated_at, detail_etag, last_accessed_at, deleted_at
	FROM items`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var body, author, labels, assignees, headSHA, linkedURL sql.NullString
	var createdAt, detailETag, lastAccessedAt, deletedAt sql.NullString
	var linkedNumber sql.NullInt64
	var isPR, merged int

	err := row.Scan(
		&item.RepoID, &item.Number, &item.ID, &item.Title, &body, &item.State,
		&author, &labels, &assignees, &item.CommentsCount, &isPR, &merged,
		&headSHA, &linkedNumber, &linkedURL, &createdAt, &item.UpdatedAt,
		&detailETag, &lastAccessedAt, &deletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Body = body.String
	item.Author = author.String
	item.HeadSHA = headSHA.String
	item.LinkedNumber = linkedNumber.Int64
	item.LinkedURL = linkedURL.String
	item.CreatedAt = createdAt.String
	item.DetailETag = detailETag.String
	item.LastAccessedAt = lastAccessedAt.String
	item.DeletedAt = deletedAt.String
	item.IsPullRequest = isPR != 0
	item.Merged = merged != 0

	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &item.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if assignees.Valid && assignees.String != "" {
		if err := json.Unmarshal([]byte(assignees.String), &item.Assignees); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assignees: %w", err)
		}
	}
	return &item, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// itemExistsTx reports whether a live item row exists inside a transaction.
func itemExistsTx(tx *sql.Tx, repoID, number int64) (bool, error) {
	var one int
	err := tx.QueryRow(
		`SELECT 1 FROM items WHERE repo_id = ? AND number = ? AND deleted_at IS NULL`,
		repoID, number,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check item existence: %w", err)
	}
	return true, nil
}

func resourceComments(number int64) string {
	return fmt.Sprintf("comments/%d", number)
}

func resourceReview(number int64) string {
	return fmt.Sprintf("review/%d", number)
}

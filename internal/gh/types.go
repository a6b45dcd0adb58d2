package gh

import (
	"encoding/json"
	"time"
)

// User represents a GitHub user.
type User struct {
	Login string `json:"login"`
}

// Label represents a repository label.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// RepoPermissions is the caller's access level on a repository.
type RepoPermissions struct {
	Pull     bool `json:"pull"`
	Triage   bool `json:"triage"`
	Push     bool `json:"push"`
	Maintain bool `json:"maintain"`
	Admin    bool `json:"admin"`
}

// Repo represents a repository.
type Repo struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Owner       User             `json:"owner"`
	Permissions *RepoPermissions `json:"permissions"`
}

// Issue represents an issue or pull request from the unified issues listing.
// PullRequest is non-nil when the entry is a pull request.
type Issue struct {
	ID          int64           `json:"id"`
	Number      int64           `json:"number"`
	State       string          `json:"state"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Labels      []Label         `json:"labels"`
	Assignees   []User          `json:"assignees"`
	User        User            `json:"user"`
	Comments    int64           `json:"comments"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether the entry is a pull request.
func (i *Issue) IsPullRequest() bool {
	return len(i.PullRequest) > 0
}

// Merged reports whether the entry is a merged pull request, from the
// merged_at field the listing embeds in its pull_request stub.
func (i *Issue) Merged() bool {
	if len(i.PullRequest) == 0 {
		return false
	}
	var stub struct {
		MergedAt *time.Time `json:"merged_at"`
	}
	if err := json.Unmarshal(i.PullRequest, &stub); err != nil {
		return false
	}
	return stub.MergedAt != nil
}

// Comment represents an issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	User      User      `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullFile is one changed file of a pull request.
type PullFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int64  `json:"additions"`
	Deletions int64  `json:"deletions"`
	Patch     string `json:"patch"`
}

// ReviewComment is a line-anchored pull request review comment. ThreadID and
// ThreadResolved are joined in from the review-thread listing, not present
// in the REST payload.
type ReviewComment struct {
	ID             int64     `json:"id"`
	Path           string    `json:"path"`
	Line           int64     `json:"line"`
	StartLine      int64     `json:"start_line"`
	OriginalLine   int64     `json:"original_line"`
	Side           string    `json:"side"`
	StartSide      string    `json:"start_side"`
	CommitID       string    `json:"commit_id"`
	InReplyToID    int64     `json:"in_reply_to_id"`
	Body           string    `json:"body"`
	User           User      `json:"user"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ThreadID       string    `json:"-"`
	ThreadResolved bool      `json:"-"`
}

// ItemsPage is one page of the unified issue/PR listing, with the page-level
// conditional-fetch tag.
type ItemsPage struct {
	Items []Issue
	ETag  string
}

// CommentsPage is one page of an item's comment listing, with the
// page-level conditional-fetch tag.
type CommentsPage struct {
	Comments []Comment
	ETag     string
}

// ReviewThreadInfo is the GraphQL-side view of a review thread: its node id,
// resolution state, and member comment ids.
type ReviewThreadInfo struct {
	ID         string
	Resolved   bool
	CommentIDs []int64
}

// NewReviewComment describes a review comment to create.
type NewReviewComment struct {
	Body      string
	CommitID  string
	Path      string
	Line      int64
	Side      string
	StartLine int64
	StartSide string
}

// PageSize is the page size requested for every paged listing. A page
// shorter than this is the last page of its listing.
const PageSize = 100

const perPage = PageSize

func apiErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}

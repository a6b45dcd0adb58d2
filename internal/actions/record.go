package actions

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a user-initiated mutation.
type Kind string

const (
	KindAddComment          Kind = "add_comment"
	KindEditComment         Kind = "edit_comment"
	KindDeleteComment       Kind = "delete_comment"
	KindResolveThread       Kind = "resolve_thread"
	KindReopenThread        Kind = "reopen_thread"
	KindCloseItem           Kind = "close_item"
	KindReopenItem          Kind = "reopen_item"
	KindSetLabels           Kind = "set_labels"
	KindSetAssignees        Kind = "set_assignees"
	KindMarkFileViewed      Kind = "mark_file_viewed"
	KindMergeItem           Kind = "merge_item"
	KindAddReviewComment    Kind = "add_review_comment"
	KindEditReviewComment   Kind = "edit_review_comment"
	KindDeleteReviewComment Kind = "delete_review_comment"
)

// Status is the lifecycle state of an action record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record tracks one dispatched action from submission to its terminal
// state.
type Record struct {
	ID         string
	Kind       Kind
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

func newRecord(kind Kind) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

func (r *Record) confirm() *Record {
	r.Status = StatusConfirmed
	r.FinishedAt = time.Now().UTC()
	return r
}

func (r *Record) fail(err error) *Record {
	r.Status = StatusFailed
	r.FinishedAt = time.Now().UTC()
	r.Err = err
	return r
}

// Package actions applies user-initiated mutations write-through: the
// remote call happens first, and only the server's authoritative response
// is reconciled into the local store. A failed remote call therefore
// leaves the cache untouched.
package actions

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/gh"
	"github.com/JohanCodinha/glyph/internal/logger"
	"github.com/JohanCodinha/glyph/internal/sync"
)

// ErrNotPermitted means the cached repository permissions rule the action
// out before any remote call.
var ErrNotPermitted = errors.New("action not permitted on this repository")

// ErrUnknownTarget means the action referenced a row the store does not
// hold.
var ErrUnknownTarget = errors.New("action target not in cache")

const recentLimit = 50

// Coordinator validates actions against cached state, dispatches them to
// the remote API and writes the server response back.
type Coordinator struct {
	cache    *cache.DB
	client   *gh.Client
	owner    string
	repoName string

	mu     gosync.Mutex
	recent []*Record
}

// NewCoordinator creates a coordinator for a repository in "owner/repo"
// form.
func NewCoordinator(cacheDB *cache.DB, client *gh.Client, repo string) (*Coordinator, error) {
	owner, repoName, err := sync.ParseRepo(repo)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cache:    cacheDB,
		client:   client,
		owner:    owner,
		repoName: repoName,
	}, nil
}

// Recent returns the most recent action records, newest first.
func (c *Coordinator) Recent() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.recent))
	copy(out, c.recent)
	return out
}

func (c *Coordinator) track(record *Record) *Record {
	c.mu.Lock()
	c.recent = append([]*Record{record}, c.recent...)
	if len(c.recent) > recentLimit {
		c.recent = c.recent[:recentLimit]
	}
	c.mu.Unlock()
	return record
}

func (c *Coordinator) repository() (*cache.Repository, error) {
	repo, err := c.cache.GetRepository(c.owner, c.repoName)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: repository %s/%s not synced", ErrUnknownTarget, c.owner, c.repoName)
	}
	return repo, nil
}

// AddComment posts a conversation comment and stores the server's copy.
func (c *Coordinator) AddComment(ctx context.Context, number int64, body string) (*Record, error) {
	record := c.track(newRecord(KindAddComment))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if body == "" {
		err := errors.New("comment body is empty")
		return record.fail(err), err
	}
	item, err := c.cache.GetItem(repo.ID, number)
	if err != nil {
		return record.fail(err), err
	}
	if item == nil {
		err := fmt.Errorf("%w: item #%d", ErrUnknownTarget, number)
		return record.fail(err), err
	}

	created, err := c.client.CreateComment(ctx, c.owner, c.repoName, number, body)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertComment(repo.ID, number, sync.CommentFromRemote(repo.ID, number, created)); err != nil {
		return record.fail(err), err
	}
	logger.Debug("actions: comment %d added to #%d", created.ID, number)
	return record.confirm(), nil
}

// EditComment updates a conversation comment's body and stores the
// server's copy.
func (c *Coordinator) EditComment(ctx context.Context, commentID int64, body string) (*Record, error) {
	record := c.track(newRecord(KindEditComment))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	stored, err := c.cache.GetComment(commentID)
	if err != nil {
		return record.fail(err), err
	}
	if stored == nil {
		err := fmt.Errorf("%w: comment %d", ErrUnknownTarget, commentID)
		return record.fail(err), err
	}

	updated, err := c.client.UpdateComment(ctx, c.owner, c.repoName, commentID, body)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertComment(repo.ID, stored.ItemNumber, sync.CommentFromRemote(repo.ID, stored.ItemNumber, updated)); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// DeleteComment deletes a conversation comment remotely, then soft-deletes
// the cached row.
func (c *Coordinator) DeleteComment(ctx context.Context, commentID int64) (*Record, error) {
	record := c.track(newRecord(KindDeleteComment))
	stored, err := c.cache.GetComment(commentID)
	if err != nil {
		return record.fail(err), err
	}
	if stored == nil {
		err := fmt.Errorf("%w: comment %d", ErrUnknownTarget, commentID)
		return record.fail(err), err
	}

	if err := c.client.DeleteComment(ctx, c.owner, c.repoName, commentID); err != nil {
		// The remote already agreeing the comment is gone is a success.
		if !gh.IsNotFound(err) {
			return record.fail(err), err
		}
	}
	if err := c.cache.SoftDeleteComment(commentID); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// ResolveThread resolves a review thread. Resolving a thread that is
// already resolved locally is a no-op success, not an error.
func (c *Coordinator) ResolveThread(ctx context.Context, threadID string) (*Record, error) {
	return c.setThreadResolved(ctx, KindResolveThread, threadID, true)
}

// ReopenThread unresolves a review thread, with the same no-op rule.
func (c *Coordinator) ReopenThread(ctx context.Context, threadID string) (*Record, error) {
	return c.setThreadResolved(ctx, KindReopenThread, threadID, false)
}

func (c *Coordinator) setThreadResolved(ctx context.Context, kind Kind, threadID string, resolved bool) (*Record, error) {
	record := c.track(newRecord(kind))
	thread, err := c.cache.GetThread(threadID)
	if err != nil {
		return record.fail(err), err
	}
	if thread == nil {
		err := fmt.Errorf("%w: thread %s", ErrUnknownTarget, threadID)
		return record.fail(err), err
	}
	if thread.Resolved == resolved {
		return record.confirm(), nil
	}

	serverState, err := c.client.SetThreadResolved(ctx, threadID, resolved)
	if err != nil {
		return record.fail(err), err
	}
	// The server's reported state wins even when it disagrees with what
	// we asked for.
	if err := c.cache.SetThreadResolved(threadID, serverState); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// CloseItem closes an issue or pull request and stores the server's copy.
func (c *Coordinator) CloseItem(ctx context.Context, number int64) (*Record, error) {
	return c.setItemState(ctx, KindCloseItem, number, "closed")
}

// ReopenItem reopens an issue or pull request and stores the server's
// copy.
func (c *Coordinator) ReopenItem(ctx context.Context, number int64) (*Record, error) {
	return c.setItemState(ctx, KindReopenItem, number, "open")
}

func (c *Coordinator) setItemState(ctx context.Context, kind Kind, number int64, state string) (*Record, error) {
	record := c.track(newRecord(kind))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if !repo.CanPush {
		return record.fail(ErrNotPermitted), ErrNotPermitted
	}
	item, err := c.cache.GetItem(repo.ID, number)
	if err != nil {
		return record.fail(err), err
	}
	if item == nil {
		err := fmt.Errorf("%w: item #%d", ErrUnknownTarget, number)
		return record.fail(err), err
	}
	if item.State == state {
		return record.confirm(), nil
	}

	updated, err := c.client.SetItemState(ctx, c.owner, c.repoName, number, state)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertItem(repo.ID, sync.ItemFromIssue(repo.ID, updated)); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// SetLabels replaces an item's labels and stores the server's returned
// label set.
func (c *Coordinator) SetLabels(ctx context.Context, number int64, labels []string) (*Record, error) {
	record := c.track(newRecord(KindSetLabels))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if !repo.CanPush {
		return record.fail(ErrNotPermitted), ErrNotPermitted
	}
	item, err := c.cache.GetItem(repo.ID, number)
	if err != nil {
		return record.fail(err), err
	}
	if item == nil {
		err := fmt.Errorf("%w: item #%d", ErrUnknownTarget, number)
		return record.fail(err), err
	}

	applied, err := c.client.SetLabels(ctx, c.owner, c.repoName, number, labels)
	if err != nil {
		return record.fail(err), err
	}
	names := make([]string, len(applied))
	for i, label := range applied {
		names[i] = label.Name
	}
	if err := c.cache.SetItemLabels(repo.ID, number, names); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// SetAssignees replaces an item's assignees and stores the server's copy.
func (c *Coordinator) SetAssignees(ctx context.Context, number int64, logins []string) (*Record, error) {
	record := c.track(newRecord(KindSetAssignees))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if !repo.CanPush {
		return record.fail(ErrNotPermitted), ErrNotPermitted
	}
	item, err := c.cache.GetItem(repo.ID, number)
	if err != nil {
		return record.fail(err), err
	}
	if item == nil {
		err := fmt.Errorf("%w: item #%d", ErrUnknownTarget, number)
		return record.fail(err), err
	}

	updated, err := c.client.SetAssignees(ctx, c.owner, c.repoName, number, logins)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertItem(repo.ID, sync.ItemFromIssue(repo.ID, updated)); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// MarkFileViewed flips a changed file's viewed flag. The flag is local
// state first; the remote mark is best effort and a failure there does
// not undo the local flip.
func (c *Coordinator) MarkFileViewed(ctx context.Context, number int64, path string, viewed bool) (*Record, error) {
	record := c.track(newRecord(KindMarkFileViewed))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.SetFileViewed(repo.ID, number, path, viewed); err != nil {
		return record.fail(err), err
	}

	pullID, _, err := c.client.FileViewStates(ctx, c.owner, c.repoName, number)
	if err == nil {
		err = c.client.SetFileViewed(ctx, pullID, path, viewed)
	}
	if err != nil {
		logger.Debug("actions: remote viewed mark for %s failed: %v", path, err)
	}
	return record.confirm(), nil
}

// MergeItem merges a pull request, then refetches it so the stored state
// is the server's.
func (c *Coordinator) MergeItem(ctx context.Context, number int64) (*Record, error) {
	record := c.track(newRecord(KindMergeItem))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if !repo.CanPush {
		return record.fail(ErrNotPermitted), ErrNotPermitted
	}
	item, err := c.cache.GetItem(repo.ID, number)
	if err != nil {
		return record.fail(err), err
	}
	if item == nil || !item.IsPullRequest {
		err := fmt.Errorf("%w: pull request #%d", ErrUnknownTarget, number)
		return record.fail(err), err
	}

	if err := c.client.MergePullRequest(ctx, c.owner, c.repoName, number); err != nil {
		return record.fail(err), err
	}
	merged, _, err := c.client.GetItem(ctx, c.owner, c.repoName, number, "")
	if err != nil {
		logger.Warn("actions: refetch after merge of #%d failed: %v", number, err)
		return record.confirm(), nil
	}
	fresh := sync.ItemFromIssue(repo.ID, merged)
	fresh.Merged = true
	if err := c.cache.UpsertItem(repo.ID, fresh); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// AddReviewComment posts an inline review comment and stores the server's
// copy.
func (c *Coordinator) AddReviewComment(ctx context.Context, number int64, comment gh.NewReviewComment) (*Record, error) {
	record := c.track(newRecord(KindAddReviewComment))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	if comment.Body == "" {
		err := errors.New("review comment body is empty")
		return record.fail(err), err
	}

	created, err := c.client.CreateReviewComment(ctx, c.owner, c.repoName, number, comment)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertReviewComment(repo.ID, number, sync.ReviewCommentFromRemote(repo.ID, number, created)); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// EditReviewComment updates an inline review comment's body and stores
// the server's copy.
func (c *Coordinator) EditReviewComment(ctx context.Context, commentID int64, body string) (*Record, error) {
	record := c.track(newRecord(KindEditReviewComment))
	repo, err := c.repository()
	if err != nil {
		return record.fail(err), err
	}
	stored, err := c.cache.GetReviewComment(commentID)
	if err != nil {
		return record.fail(err), err
	}
	if stored == nil {
		err := fmt.Errorf("%w: review comment %d", ErrUnknownTarget, commentID)
		return record.fail(err), err
	}

	updated, err := c.client.UpdateReviewComment(ctx, c.owner, c.repoName, commentID, body)
	if err != nil {
		return record.fail(err), err
	}
	if err := c.cache.UpsertReviewComment(repo.ID, stored.ItemNumber, sync.ReviewCommentFromRemote(repo.ID, stored.ItemNumber, updated)); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

// DeleteReviewComment deletes an inline review comment remotely, then
// soft-deletes the cached row.
func (c *Coordinator) DeleteReviewComment(ctx context.Context, commentID int64) (*Record, error) {
	record := c.track(newRecord(KindDeleteReviewComment))
	stored, err := c.cache.GetReviewComment(commentID)
	if err != nil {
		return record.fail(err), err
	}
	if stored == nil {
		err := fmt.Errorf("%w: review comment %d", ErrUnknownTarget, commentID)
		return record.fail(err), err
	}

	if err := c.client.DeleteReviewComment(ctx, c.owner, c.repoName, commentID); err != nil {
		if !gh.IsNotFound(err) {
			return record.fail(err), err
		}
	}
	if err := c.cache.SoftDeleteReviewComment(commentID); err != nil {
		return record.fail(err), err
	}
	return record.confirm(), nil
}

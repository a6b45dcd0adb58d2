// Package sync drives incremental fetch cycles between the remote API
// and the local cache, using stored cursors so unchanged resources cost a
// single conditional request and interrupted cycles resume at the last
// committed page.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/diff"
	"github.com/JohanCodinha/glyph/internal/gh"
	"github.com/JohanCodinha/glyph/internal/logger"
)

// Resource kinds for cursor keys.
const ResourceItems = "items"

// Engine synchronizes one repository between the remote API and the cache.
type Engine struct {
	cache    *cache.DB
	client   *gh.Client
	repo     string // "owner/repo"
	owner    string
	repoName string
	attempts int

	mu       gosync.Mutex
	repoID   int64
	inflight map[string]*resourceLock
}

// resourceLock is a mutex with a waiter count so idle entries can be
// dropped from the inflight map.
type resourceLock struct {
	mu   gosync.Mutex
	refs int
}

// NewEngine creates a sync engine for a repository in "owner/repo" form.
// attempts bounds the retries for transient failures per remote call.
func NewEngine(cacheDB *cache.DB, client *gh.Client, repo string, attempts int) (*Engine, error) {
	owner, repoName, err := ParseRepo(repo)
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Engine{
		cache:    cacheDB,
		client:   client,
		repo:     repo,
		owner:    owner,
		repoName: repoName,
		attempts: attempts,
		inflight: make(map[string]*resourceLock),
	}, nil
}

// ParseRepo splits "owner/repo" into owner and repo name.
func ParseRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q: must be owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// Repo returns the "owner/repo" slug this engine syncs.
func (e *Engine) Repo() string {
	return e.repo
}

// lock serializes sync cycles per resource key. Cycles for different
// resources may run concurrently; a second cycle for the same key waits
// for the in-flight one. Entries leave the map once the last holder
// releases, so the map tracks only active keys.
func (e *Engine) lock(key string) func() {
	e.mu.Lock()
	l, ok := e.inflight[key]
	if !ok {
		l = &resourceLock{}
		e.inflight[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.inflight, key)
		}
		e.mu.Unlock()
	}
}

// EnsureRepository fetches repository metadata once and caches the row,
// returning the repository id used as foreign key everywhere else.
func (e *Engine) EnsureRepository(ctx context.Context) (int64, error) {
	e.mu.Lock()
	id := e.repoID
	e.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	cached, err := e.cache.GetRepository(e.owner, e.repoName)
	if err != nil {
		return 0, err
	}
	if cached != nil {
		e.mu.Lock()
		e.repoID = cached.ID
		e.mu.Unlock()
		return cached.ID, nil
	}

	var repo *gh.Repo
	err = e.withRetry(ctx, "repo metadata", func() error {
		var fetchErr error
		repo, fetchErr = e.client.GetRepo(ctx, e.owner, e.repoName)
		return fetchErr
	})
	if err != nil {
		return 0, err
	}

	canPush := repo.Permissions != nil && repo.Permissions.Push
	if err := e.cache.UpsertRepository(cache.Repository{
		ID:      repo.ID,
		Owner:   e.owner,
		Name:    e.repoName,
		CanPush: canPush,
	}); err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.repoID = repo.ID
	e.mu.Unlock()
	return repo.ID, nil
}

// withRetry runs fn, retrying transient failures with exponential backoff
// up to the attempt budget. Rate limits wait until the reported reset
// without consuming an attempt. Auth, permission, not-found and conflict
// failures return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		var apiErr *gh.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == gh.KindRateLimited {
			wait := time.Until(apiErr.ResetAt)
			if wait < 0 {
				wait = 0
			}
			logger.Warn("sync: %s rate limited, waiting %s until reset", op, wait.Round(time.Second))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if gh.KindOf(err) != gh.KindTransient {
			return err
		}

		attempt++
		if attempt >= e.attempts {
			return err
		}
		logger.Debug("sync: %s failed (attempt %d/%d), retrying in %s: %v", op, attempt, e.attempts, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// SyncItems runs one items cycle: a conditional fetch of the first page,
// then sequential pages each committed with its cursor in one
// transaction. An unchanged listing returns Unchanged with zero writes.
func (e *Engine) SyncItems(ctx context.Context) (Outcome, error) {
	unlock := e.lock(ResourceItems)
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return Unchanged, err
	}

	cursor, err := e.cache.GetCursor(repoID, ResourceItems)
	if err != nil {
		return Unchanged, err
	}

	page := int(cursor.LastPage) + 1
	cycleETag := cursor.ETag
	resumed := cursor.LastPage > 0
	committed := cursor.LastPage
	wrote := false

	for {
		etag := ""
		if page == 1 {
			etag = cycleETag
		}

		var fetched *gh.ItemsPage
		err := e.withRetry(ctx, "items page", func() error {
			var fetchErr error
			fetched, fetchErr = e.client.ListItemsPage(ctx, e.owner, e.repoName, page, etag)
			return fetchErr
		})
		if err != nil {
			if wrote || resumed {
				return Partial, &PartialFailure{Resource: ResourceItems, LastPage: committed, Err: err}
			}
			return Unchanged, err
		}

		if fetched == nil {
			logger.Debug("sync: %s items unchanged", e.repo)
			return Unchanged, nil
		}
		if page == 1 {
			cycleETag = fetched.ETag
		}

		items := make([]cache.WorkItem, len(fetched.Items))
		for i := range fetched.Items {
			items[i] = ItemFromIssue(repoID, &fetched.Items[i])
		}
		next := cache.Cursor{
			RepoID:   repoID,
			Resource: ResourceItems,
			ETag:     cycleETag,
			LastPage: int64(page),
		}
		if err := e.cache.ApplyItemsPage(repoID, items, next); err != nil {
			return Partial, &PartialFailure{Resource: ResourceItems, LastPage: committed, Err: err}
		}
		committed = int64(page)
		wrote = true
		logger.Debug("sync: %s committed items page %d (%d items)", e.repo, page, len(items))

		if len(fetched.Items) < gh.PageSize {
			break
		}
		page++
	}

	// Cycle complete: re-arm the first-page validator for the next
	// conditional poll.
	if err := e.cache.PutCursor(cache.Cursor{
		RepoID:   repoID,
		Resource: ResourceItems,
		ETag:     cycleETag,
		LastPage: 0,
	}); err != nil {
		return Partial, &PartialFailure{Resource: ResourceItems, LastPage: committed, Err: err}
	}
	return Updated, nil
}

// RefreshItem refetches one item conditionally. A 304 is a no-op; a 404
// means the item vanished upstream and removes it with all dependent rows
// in one transaction.
func (e *Engine) RefreshItem(ctx context.Context, number int64) (Outcome, error) {
	unlock := e.lock(fmt.Sprintf("item/%d", number))
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return Unchanged, err
	}

	stored, err := e.cache.GetItem(repoID, number)
	if err != nil {
		return Unchanged, err
	}
	etag := ""
	if stored != nil {
		etag = stored.DetailETag
	}

	var issue *gh.Issue
	var newETag string
	err = e.withRetry(ctx, "item detail", func() error {
		var fetchErr error
		issue, newETag, fetchErr = e.client.GetItem(ctx, e.owner, e.repoName, number, etag)
		return fetchErr
	})
	if err != nil {
		if gh.IsNotFound(err) {
			logger.Info("sync: %s#%d gone upstream, removing from cache", e.repo, number)
			if delErr := e.cache.DeleteItem(repoID, number); delErr != nil {
				return Unchanged, delErr
			}
			return Updated, nil
		}
		return Unchanged, err
	}
	if issue == nil {
		return Unchanged, nil
	}

	item := ItemFromIssue(repoID, issue)
	item.DetailETag = newETag
	if err := e.cache.UpsertItem(repoID, item); err != nil {
		return Unchanged, err
	}

	e.discoverLink(ctx, repoID, stored, &item)
	return Updated, nil
}

// discoverLink looks up the cross-linked item once per cached item: the
// PR that closes an issue, or the issue a PR closes.
func (e *Engine) discoverLink(ctx context.Context, repoID int64, stored, item *cache.WorkItem) {
	if stored != nil && stored.LinkedNumber != 0 {
		return
	}

	var number int64
	var url string
	var err error
	if item.IsPullRequest {
		number, url, err = e.client.FindLinkedIssue(ctx, e.owner, e.repoName, item.Number)
	} else {
		number, url, err = e.client.FindLinkedPullRequest(ctx, e.owner, e.repoName, item.Number)
	}
	if err != nil {
		logger.Debug("sync: link discovery for %s#%d failed: %v", e.repo, item.Number, err)
		return
	}
	if number == 0 {
		return
	}
	if err := e.cache.SetItemLink(repoID, item.Number, number, url); err != nil {
		logger.Warn("sync: failed to store link for %s#%d: %v", e.repo, item.Number, err)
	}
}

// SyncComments pages through an item's comments, committing each page
// with its cursor. A fresh cycle starts with a conditional fetch of the
// first page, so an unchanged listing costs one request and no writes.
// After a full pass from page one, comments the remote no longer returns
// are soft-deleted.
func (e *Engine) SyncComments(ctx context.Context, number int64) (Outcome, error) {
	resource := fmt.Sprintf("comments/%d", number)
	unlock := e.lock(resource)
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return Unchanged, err
	}

	cursor, err := e.cache.GetCursor(repoID, resource)
	if err != nil {
		return Unchanged, err
	}

	page := int(cursor.LastPage) + 1
	cycleETag := cursor.ETag
	resumed := cursor.LastPage > 0
	committed := cursor.LastPage
	wrote := false
	var presentIDs []int64

	for {
		etag := ""
		if page == 1 {
			etag = cycleETag
		}

		var fetched *gh.CommentsPage
		err := e.withRetry(ctx, "comments page", func() error {
			var fetchErr error
			fetched, fetchErr = e.client.ListCommentsPage(ctx, e.owner, e.repoName, number, page, etag)
			return fetchErr
		})
		if err != nil {
			if gh.IsNotFound(err) {
				if delErr := e.cache.DeleteItem(repoID, number); delErr != nil {
					return Unchanged, delErr
				}
				return Updated, nil
			}
			if wrote || resumed {
				return Partial, &PartialFailure{Resource: resource, LastPage: committed, Err: err}
			}
			return Unchanged, err
		}

		if fetched == nil {
			logger.Debug("sync: %s#%d comments unchanged", e.repo, number)
			return Unchanged, nil
		}
		if page == 1 {
			cycleETag = fetched.ETag
		}

		comments := make([]cache.Comment, len(fetched.Comments))
		for i := range fetched.Comments {
			comments[i] = CommentFromRemote(repoID, number, &fetched.Comments[i])
			presentIDs = append(presentIDs, fetched.Comments[i].ID)
		}
		next := cache.Cursor{RepoID: repoID, Resource: resource, ETag: cycleETag, LastPage: int64(page)}
		if err := e.cache.ApplyCommentsPage(repoID, number, comments, next); err != nil {
			if wrote || resumed {
				return Partial, &PartialFailure{Resource: resource, LastPage: committed, Err: err}
			}
			return Unchanged, err
		}
		committed = int64(page)
		wrote = true

		if len(fetched.Comments) < gh.PageSize {
			break
		}
		page++
	}

	// Absence only implies deletion when the pass saw the whole listing.
	if !resumed {
		if err := e.cache.MarkAbsentCommentsDeleted(repoID, number, presentIDs); err != nil {
			return Partial, &PartialFailure{Resource: resource, LastPage: committed, Err: err}
		}
	}

	if err := e.cache.PutCursor(cache.Cursor{RepoID: repoID, Resource: resource, ETag: cycleETag, LastPage: 0}); err != nil {
		return Partial, &PartialFailure{Resource: resource, LastPage: committed, Err: err}
	}
	return Updated, nil
}

// SyncReview fetches a pull request's full review state: changed files,
// inline comments, threads, viewed flags and head commit. The snapshot is
// reconciled against the parsed diff and applied in one transaction; a
// snapshot identical to the last applied one returns Unchanged with no
// writes.
func (e *Engine) SyncReview(ctx context.Context, number int64) (Outcome, error) {
	resource := fmt.Sprintf("review/%d", number)
	unlock := e.lock(resource)
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return Unchanged, err
	}

	files, err := e.fetchAllFiles(ctx, number)
	if err != nil {
		return Unchanged, err
	}
	remoteComments, err := e.fetchAllReviewComments(ctx, number)
	if err != nil {
		return Unchanged, err
	}

	var threadInfos []gh.ReviewThreadInfo
	err = e.withRetry(ctx, "review threads", func() error {
		var fetchErr error
		threadInfos, fetchErr = e.client.ListReviewThreads(ctx, e.owner, e.repoName, number)
		return fetchErr
	})
	if err != nil {
		return Unchanged, err
	}

	// Join thread membership onto the REST comments.
	threadByComment := make(map[int64]*gh.ReviewThreadInfo)
	for i := range threadInfos {
		for _, id := range threadInfos[i].CommentIDs {
			threadByComment[id] = &threadInfos[i]
		}
	}
	for i := range remoteComments {
		if info, ok := threadByComment[remoteComments[i].ID]; ok {
			remoteComments[i].ThreadID = info.ID
			remoteComments[i].ThreadResolved = info.Resolved
		}
	}

	var headSHA string
	err = e.withRetry(ctx, "pull head", func() error {
		var fetchErr error
		headSHA, fetchErr = e.client.PullHeadSHA(ctx, e.owner, e.repoName, number)
		return fetchErr
	})
	if err != nil {
		logger.Debug("sync: head sha for %s#%d unavailable: %v", e.repo, number, err)
	}

	var viewed map[string]bool
	err = e.withRetry(ctx, "viewed files", func() error {
		var fetchErr error
		_, viewed, fetchErr = e.client.FileViewStates(ctx, e.owner, e.repoName, number)
		return fetchErr
	})
	if err != nil {
		logger.Debug("sync: viewed state for %s#%d unavailable: %v", e.repo, number, err)
	}

	data := buildReviewData(repoID, number, files, remoteComments, threadInfos, viewed)

	// The review snapshot spans several endpoints with no single
	// validator, so the cursor stores a digest of the last applied
	// snapshot instead of an ETag.
	digest := reviewDigest(data, headSHA)
	cursor, err := e.cache.GetCursor(repoID, resource)
	if err != nil {
		return Unchanged, err
	}
	if cursor.ETag == digest {
		logger.Debug("sync: %s#%d review unchanged", e.repo, number)
		return Unchanged, nil
	}

	next := cache.Cursor{RepoID: repoID, Resource: resource, ETag: digest, LastPage: 0}
	if err := e.cache.ApplyReviewData(repoID, number, data, next); err != nil {
		return Unchanged, err
	}
	if headSHA != "" {
		if err := e.cache.SetItemHeadSHA(repoID, number, headSHA); err != nil {
			return Unchanged, err
		}
	}
	return Updated, nil
}

// reviewDigest fingerprints a review snapshot so an identical refetch can
// be recognized without touching the store.
func reviewDigest(data cache.ReviewData, headSHA string) string {
	h := sha256.New()
	json.NewEncoder(h).Encode(data)
	fmt.Fprint(h, headSHA)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (e *Engine) fetchAllFiles(ctx context.Context, number int64) ([]gh.PullFile, error) {
	var all []gh.PullFile
	for page := 1; ; page++ {
		var fetched []gh.PullFile
		err := e.withRetry(ctx, "pull files page", func() error {
			var fetchErr error
			fetched, fetchErr = e.client.ListPullFilesPage(ctx, e.owner, e.repoName, number, page)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		all = append(all, fetched...)
		if len(fetched) < gh.PageSize {
			return all, nil
		}
	}
}

func (e *Engine) fetchAllReviewComments(ctx context.Context, number int64) ([]gh.ReviewComment, error) {
	var all []gh.ReviewComment
	for page := 1; ; page++ {
		var fetched []gh.ReviewComment
		err := e.withRetry(ctx, "review comments page", func() error {
			var fetchErr error
			fetched, fetchErr = e.client.ListReviewCommentsPage(ctx, e.owner, e.repoName, number, page)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		all = append(all, fetched...)
		if len(fetched) < gh.PageSize {
			return all, nil
		}
	}
}

// buildReviewData converts the fetched review state into a store snapshot,
// resolving each thread against the parsed diff so outdated threads are
// flagged instead of silently misplaced.
func buildReviewData(repoID, number int64, files []gh.PullFile, comments []gh.ReviewComment, threads []gh.ReviewThreadInfo, viewed map[string]bool) cache.ReviewData {
	patches := make([]diff.Patch, len(files))
	for i, file := range files {
		patches[i] = diff.Patch{Path: file.Filename, Body: file.Patch}
	}
	model := diff.Build(patches)

	refs := make([]diff.CommentRef, len(comments))
	for i, comment := range comments {
		refs[i] = diff.CommentRef{
			ID:           comment.ID,
			InReplyTo:    comment.InReplyToID,
			ThreadID:     comment.ThreadID,
			Path:         comment.Path,
			Side:         comment.Side,
			StartSide:    comment.StartSide,
			Line:         comment.Line,
			StartLine:    comment.StartLine,
			OriginalLine: comment.OriginalLine,
		}
	}
	states := diff.Reconcile(model, refs)

	data := cache.ReviewData{}
	for _, file := range files {
		entry := fileFromRemote(repoID, number, &file)
		entry.Viewed = viewed[file.Filename]
		data.Files = append(data.Files, entry)
	}
	for i := range comments {
		data.Comments = append(data.Comments, ReviewCommentFromRemote(repoID, number, &comments[i]))
	}
	for _, info := range threads {
		thread := cache.ReviewThread{
			ID:         info.ID,
			RepoID:     repoID,
			ItemNumber: number,
			Resolved:   info.Resolved,
		}
		if state, ok := states[info.ID]; ok {
			thread.Outdated = state.Outdated
		}
		data.Threads = append(data.Threads, thread)
	}
	return data
}

// SyncLabels refreshes the repository label cache.
func (e *Engine) SyncLabels(ctx context.Context) error {
	unlock := e.lock("labels")
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return err
	}

	var all []cache.RepoLabel
	for page := 1; ; page++ {
		var fetched []gh.Label
		err := e.withRetry(ctx, "labels page", func() error {
			var fetchErr error
			fetched, fetchErr = e.client.ListLabelsPage(ctx, e.owner, e.repoName, page)
			return fetchErr
		})
		if err != nil {
			return err
		}
		for _, label := range fetched {
			all = append(all, cache.RepoLabel{Name: label.Name, Color: label.Color})
		}
		if len(fetched) < gh.PageSize {
			break
		}
	}
	return e.cache.ReplaceLabels(repoID, all)
}

// SyncAssignees refreshes the repository assignable-user cache.
func (e *Engine) SyncAssignees(ctx context.Context) error {
	unlock := e.lock("assignees")
	defer unlock()

	repoID, err := e.EnsureRepository(ctx)
	if err != nil {
		return err
	}

	var logins []string
	err = e.withRetry(ctx, "assignees", func() error {
		var fetchErr error
		logins, fetchErr = e.client.ListAssignees(ctx, e.owner, e.repoName)
		return fetchErr
	})
	if err != nil {
		return err
	}
	return e.cache.ReplaceAssignees(repoID, logins)
}

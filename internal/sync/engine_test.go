package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/gh"
)

func testEngine(t *testing.T) (*Engine, *cache.DB, *gh.MockServer) {
	t.Helper()
	server := gh.NewMockServer()
	t.Cleanup(server.Close)

	db, err := cache.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := gh.New("test-token", gh.WithBaseURL(server.URL))
	engine, err := NewEngine(db, client, "owner/repo", 1)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, db, server
}

func serverIssue(number int64, updatedAt time.Time) *gh.Issue {
	return &gh.Issue{
		ID:        1000 + number,
		Number:    number,
		State:     "open",
		Title:     fmt.Sprintf("issue %d", number),
		User:      gh.User{Login: "alice"},
		UpdatedAt: updatedAt,
	}
}

func serverPull(number int64, updatedAt time.Time) *gh.Issue {
	issue := serverIssue(number, updatedAt)
	issue.PullRequest = json.RawMessage(`{"merged_at":null}`)
	return issue
}

func countRequests(server *gh.MockServer, substr string) int {
	n := 0
	for _, req := range server.Requests() {
		if strings.Contains(req, substr) {
			n++
		}
	}
	return n
}

func TestSyncItemsThenUnchanged(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	server.AddIssue(serverIssue(2, time.Now().Add(-time.Hour)))

	outcome, err := engine.SyncItems(context.Background())
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated, got %s", outcome)
	}

	repoID, err := engine.EnsureRepository(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	items, err := db.ListItems(repoID, cache.ItemFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 cached items, got %d", len(items))
	}

	server.ResetRequests()
	outcome, err = engine.SyncItems(context.Background())
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if outcome != Unchanged {
		t.Fatalf("expected Unchanged, got %s", outcome)
	}
	if got := len(server.Requests()); got != 1 {
		t.Errorf("expected a no-op poll to cost one conditional request, got %d", got)
	}
}

func TestSyncItemsResumesAfterPartialFailure(t *testing.T) {
	engine, db, server := testEngine(t)
	for i := 1; i <= gh.PageSize+5; i++ {
		server.AddIssue(serverIssue(int64(i), time.Now().Add(-time.Duration(i)*time.Minute)))
	}
	server.FailNext("&page=2", http.StatusInternalServerError, 1)

	_, err := engine.SyncItems(context.Background())
	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialFailure, got %v", err)
	}
	if partial.LastPage != 1 {
		t.Errorf("expected page 1 committed, got %d", partial.LastPage)
	}

	repoID, err := engine.EnsureRepository(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	items, err := db.ListItems(repoID, cache.ItemFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != gh.PageSize {
		t.Fatalf("expected the committed page to survive, got %d items", len(items))
	}

	server.ResetRequests()
	outcome, err := engine.SyncItems(context.Background())
	if err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated, got %s", outcome)
	}
	if countRequests(server, "&page=1") > 0 {
		t.Error("expected the resumed sync to skip page 1")
	}
	if got := countRequests(server, "&page=2"); got != 1 {
		t.Errorf("expected exactly one page-2 fetch, got %d", got)
	}

	items, err = db.ListItems(repoID, cache.ItemFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != gh.PageSize+5 {
		t.Fatalf("expected full listing after resume, got %d items", len(items))
	}

	// The cycle's validator is re-armed: an unchanged listing now costs a
	// single 304.
	outcome, err = engine.SyncItems(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Unchanged {
		t.Errorf("expected Unchanged after completed resume, got %s", outcome)
	}
}

func TestSyncItemsRateLimitDoesNotConsumeAttempts(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	// One retry attempt in the budget: if the rate-limit wait consumed
	// it, the sync would fail.
	server.RateLimitNext("/issues", 1)

	outcome, err := engine.SyncItems(context.Background())
	if err != nil {
		t.Fatalf("expected sync to wait out the rate limit, got %v", err)
	}
	if outcome != Updated {
		t.Errorf("expected Updated, got %s", outcome)
	}
}

func TestSyncItemsAuthFailsImmediately(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	server.FailNext("/issues", http.StatusUnauthorized, 5)
	server.ResetRequests()

	_, err := engine.SyncItems(context.Background())
	if gh.KindOf(err) != gh.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := countRequests(server, "/issues"); got != 1 {
		t.Errorf("expected no retry of an auth failure, got %d requests", got)
	}
}

func TestRefreshItemDeletionPropagates(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverIssue(3, time.Now()))

	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	repoID, _ := engine.EnsureRepository(context.Background())
	server.SetComments(3, []gh.Comment{{ID: 50, User: gh.User{Login: "bob"}, Body: "hi", UpdatedAt: time.Now()}})
	if _, err := engine.SyncComments(context.Background(), 3); err != nil {
		t.Fatal(err)
	}

	server.RemoveIssue(3)
	outcome, err := engine.RefreshItem(context.Background(), 3)
	if err != nil {
		t.Fatalf("refresh of vanished item failed: %v", err)
	}
	if outcome != Updated {
		t.Errorf("expected Updated, got %s", outcome)
	}

	if item, _ := db.GetItem(repoID, 3); item != nil {
		t.Error("expected vanished item removed from cache")
	}
	if comments, _ := db.ListComments(repoID, 3); len(comments) != 0 {
		t.Error("expected the item's comments removed in the same transaction")
	}
}

func TestSyncCommentsSoftDeletesAbsent(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	repoID, _ := engine.EnsureRepository(context.Background())

	now := time.Now()
	server.SetComments(1, []gh.Comment{
		{ID: 10, User: gh.User{Login: "a"}, Body: "one", CreatedAt: now, UpdatedAt: now},
		{ID: 11, User: gh.User{Login: "b"}, Body: "two", CreatedAt: now, UpdatedAt: now},
	})
	if _, err := engine.SyncComments(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	comments, _ := db.ListComments(repoID, 1)
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}

	server.SetComments(1, []gh.Comment{
		{ID: 11, User: gh.User{Login: "b"}, Body: "two", CreatedAt: now, UpdatedAt: now},
	})
	if _, err := engine.SyncComments(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	comments, _ = db.ListComments(repoID, 1)
	if len(comments) != 1 || comments[0].ID != 11 {
		t.Fatalf("expected remotely deleted comment hidden, got %v", comments)
	}
}

func TestSyncCommentsUnchangedIsNoOp(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	server.SetComments(1, []gh.Comment{
		{ID: 10, User: gh.User{Login: "a"}, Body: "one", CreatedAt: now, UpdatedAt: now},
	})

	outcome, err := engine.SyncComments(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated on first sync, got %s", outcome)
	}

	server.ResetRequests()
	outcome, err = engine.SyncComments(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Unchanged {
		t.Fatalf("expected Unchanged for a no-change cycle, got %s", outcome)
	}
	if got := len(server.Requests()); got != 1 {
		t.Errorf("expected a single conditional request, got %d", got)
	}
}

func TestSyncReviewStoresFilesThreadsAndOutdated(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverPull(5, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	repoID, _ := engine.EnsureRepository(context.Background())

	patch := "@@ -1,2 +1,3 @@\n ctx1\n-old2\n+new2\n+new3\n"
	server.SetPullFiles(5, []gh.PullFile{{Filename: "a.go", Status: "modified", Additions: 2, Deletions: 1, Patch: patch}})
	now := time.Now()
	server.SetReviewData(5,
		[]gh.ReviewComment{
			{ID: 501, Path: "a.go", Side: "RIGHT", Line: 2, CommitID: "c1", User: gh.User{Login: "a"}, Body: "live", CreatedAt: now, UpdatedAt: now},
			{ID: 502, Path: "a.go", Side: "RIGHT", OriginalLine: 7, CommitID: "c0", User: gh.User{Login: "b"}, Body: "stale", CreatedAt: now, UpdatedAt: now},
		},
		[]gh.ReviewThreadInfo{
			{ID: "T1", Resolved: false, CommentIDs: []int64{501}},
			{ID: "T2", Resolved: true, CommentIDs: []int64{502}},
		},
	)

	outcome, err := engine.SyncReview(context.Background(), 5)
	if err != nil {
		t.Fatalf("review sync failed: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated, got %s", outcome)
	}

	files, err := db.ListFiles(repoID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Patch != patch {
		t.Fatalf("expected the patch stored, got %+v", files)
	}

	threads, err := db.ListThreads(repoID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	byID := map[string]cache.ReviewThread{}
	for _, thread := range threads {
		byID[thread.ID] = thread
	}
	if byID["T1"].Outdated {
		t.Error("T1 anchors to the current diff and must be live")
	}
	if !byID["T2"].Outdated {
		t.Error("T2 has no current-line anchor and must be outdated")
	}
	if !byID["T2"].Resolved {
		t.Error("T2 resolution state lost")
	}

	reviewComments, err := db.ListReviewComments(repoID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(reviewComments) != 2 {
		t.Fatalf("expected 2 review comments, got %d", len(reviewComments))
	}
	for _, comment := range reviewComments {
		if comment.ThreadID == "" {
			t.Errorf("comment %d missing thread membership", comment.ID)
		}
	}

	item, err := db.GetItem(repoID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if item.HeadSHA == "" {
		t.Error("expected head sha recorded during review sync")
	}
}

func TestSyncReviewUnchangedIsNoOp(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverPull(5, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	repoID, _ := engine.EnsureRepository(context.Background())

	now := time.Now()
	server.SetPullFiles(5, []gh.PullFile{{Filename: "a.go", Status: "modified", Additions: 1, Patch: "@@ -1,1 +1,2 @@\n ctx\n+new\n"}})
	server.SetReviewData(5,
		[]gh.ReviewComment{{ID: 501, Path: "a.go", Side: "RIGHT", Line: 2, User: gh.User{Login: "a"}, Body: "nit", CreatedAt: now, UpdatedAt: now}},
		[]gh.ReviewThreadInfo{{ID: "T1", Resolved: false, CommentIDs: []int64{501}}},
	)

	outcome, err := engine.SyncReview(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated on first sync, got %s", outcome)
	}

	outcome, err = engine.SyncReview(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Unchanged {
		t.Fatalf("expected Unchanged for an identical snapshot, got %s", outcome)
	}

	// A resolution flip upstream is a real change and must be applied.
	server.SetReviewData(5,
		[]gh.ReviewComment{{ID: 501, Path: "a.go", Side: "RIGHT", Line: 2, User: gh.User{Login: "a"}, Body: "nit", CreatedAt: now, UpdatedAt: now}},
		[]gh.ReviewThreadInfo{{ID: "T1", Resolved: true, CommentIDs: []int64{501}}},
	)
	outcome, err = engine.SyncReview(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Fatalf("expected Updated after a resolution change, got %s", outcome)
	}
	threads, err := db.ListThreads(repoID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 || !threads[0].Resolved {
		t.Errorf("expected the resolved flag applied, got %+v", threads)
	}
}

func TestSyncLabelsAndAssignees(t *testing.T) {
	engine, db, server := testEngine(t)
	server.SetLabels([]gh.Label{{Name: "bug", Color: "ff0000"}})
	server.SetAssignees([]string{"alice", "bob"})

	if err := engine.SyncLabels(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := engine.SyncAssignees(context.Background()); err != nil {
		t.Fatal(err)
	}

	repoID, _ := engine.EnsureRepository(context.Background())
	labels, err := db.ListLabels(repoID)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0].Name != "bug" {
		t.Errorf("unexpected labels: %v", labels)
	}
	logins, err := db.ListAssignees(repoID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logins) != 2 {
		t.Errorf("unexpected assignees: %v", logins)
	}
}

func TestResourceLocksReleasedAfterCycles(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	server.AddIssue(serverIssue(2, time.Now()))

	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, number := range []int64{1, 2} {
		if _, err := engine.SyncComments(context.Background(), number); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.RefreshItem(context.Background(), number); err != nil {
			t.Fatal(err)
		}
	}

	engine.mu.Lock()
	held := len(engine.inflight)
	engine.mu.Unlock()
	if held != 0 {
		t.Errorf("expected idle resource locks released, %d still tracked", held)
	}
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in      string
		owner   string
		name    string
		wantErr bool
	}{
		{"owner/repo", "owner", "repo", false},
		{"a/b", "a", "b", false},
		{"norepo", "", "", true},
		{"/repo", "", "", true},
		{"owner/", "", "", true},
	}
	for _, tt := range tests {
		owner, name, err := ParseRepo(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRepo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("ParseRepo(%q) = %q, %q; want %q, %q", tt.in, owner, name, tt.owner, tt.name)
		}
	}
}

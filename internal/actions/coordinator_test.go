package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/gh"
	"github.com/JohanCodinha/glyph/internal/sync"
)

// testStack syncs a repository with one issue (#1) and one pull request
// (#2) into a fresh cache and returns a coordinator over it.
func testStack(t *testing.T) (*Coordinator, *cache.DB, *gh.MockServer, int64) {
	t.Helper()
	server := gh.NewMockServer()
	t.Cleanup(server.Close)

	server.AddIssue(&gh.Issue{
		ID: 1001, Number: 1, State: "open", Title: "an issue",
		User: gh.User{Login: "alice"}, UpdatedAt: time.Now(),
	})
	server.AddIssue(&gh.Issue{
		ID: 1002, Number: 2, State: "open", Title: "a pull",
		User: gh.User{Login: "alice"}, UpdatedAt: time.Now(),
		PullRequest: json.RawMessage(`{"merged_at":null}`),
	})

	db, err := cache.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := gh.New("test-token", gh.WithBaseURL(server.URL))
	engine, err := sync.NewEngine(db, client, "owner/repo", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	coordinator, err := NewCoordinator(db, client, "owner/repo")
	if err != nil {
		t.Fatal(err)
	}
	repo, err := db.GetRepository("owner", "repo")
	if err != nil || repo == nil {
		t.Fatalf("repository not cached after sync: %v", err)
	}
	return coordinator, db, server, repo.ID
}

func syncReviewThread(t *testing.T, db *cache.DB, server *gh.MockServer, resolved bool) string {
	t.Helper()
	now := time.Now()
	server.SetPullFiles(2, []gh.PullFile{{Filename: "a.go", Status: "modified", Additions: 1, Patch: "@@ -1,1 +1,2 @@\n ctx\n+new\n"}})
	server.SetReviewData(2,
		[]gh.ReviewComment{{ID: 900, Path: "a.go", Side: "RIGHT", Line: 2, User: gh.User{Login: "bob"}, Body: "nit", CreatedAt: now, UpdatedAt: now}},
		[]gh.ReviewThreadInfo{{ID: "THREAD1", Resolved: resolved, CommentIDs: []int64{900}}},
	)

	client := gh.New("test-token", gh.WithBaseURL(server.URL))
	engine, err := sync.NewEngine(db, client, "owner/repo", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.SyncReview(context.Background(), 2); err != nil {
		t.Fatalf("review sync failed: %v", err)
	}
	return "THREAD1"
}

func TestAddCommentStoresServerCopy(t *testing.T) {
	coordinator, db, _, repoID := testStack(t)

	record, err := coordinator.AddComment(context.Background(), 1, "hello")
	if err != nil {
		t.Fatalf("add comment failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}

	comments, err := db.ListComments(repoID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || comments[0].Body != "hello" {
		t.Fatalf("expected the posted comment cached, got %v", comments)
	}
	if comments[0].ID == 0 {
		t.Error("expected the server-assigned comment id")
	}
}

func TestAddCommentRemoteFailureLeavesCacheUntouched(t *testing.T) {
	coordinator, db, server, repoID := testStack(t)
	server.FailNext("/comments", http.StatusInternalServerError, 1)

	record, err := coordinator.AddComment(context.Background(), 1, "hello")
	if err == nil {
		t.Fatal("expected the remote failure to surface")
	}
	if record.Status != StatusFailed || record.Err == nil {
		t.Errorf("expected failed record, got %s", record.Status)
	}

	comments, err := db.ListComments(repoID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 0 {
		t.Errorf("expected no local write after remote failure, got %v", comments)
	}
}

func TestAddCommentUnknownItem(t *testing.T) {
	coordinator, _, _, _ := testStack(t)

	_, err := coordinator.AddComment(context.Background(), 99, "hello")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestDeleteCommentTolerates404(t *testing.T) {
	coordinator, db, _, repoID := testStack(t)

	// Cached comment the remote no longer has.
	if err := db.UpsertComment(repoID, 1, cache.Comment{
		ID: 700, RepoID: repoID, ItemNumber: 1, Author: "bob", Body: "gone",
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	record, err := coordinator.DeleteComment(context.Background(), 700)
	if err != nil {
		t.Fatalf("expected remote 404 treated as success, got %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	comments, _ := db.ListComments(repoID, 1)
	if len(comments) != 0 {
		t.Error("expected the comment soft-deleted locally")
	}
}

func TestResolveThreadRoundTrip(t *testing.T) {
	coordinator, db, server, _ := testStack(t)
	threadID := syncReviewThread(t, db, server, false)

	record, err := coordinator.ResolveThread(context.Background(), threadID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	thread, err := db.GetThread(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if !thread.Resolved {
		t.Error("expected the thread resolved in the cache")
	}
}

func TestResolveThreadServerStateWins(t *testing.T) {
	coordinator, db, server, _ := testStack(t)
	threadID := syncReviewThread(t, db, server, false)
	// Server reports the thread still unresolved despite the request.
	server.ForceResolveState(threadID, false)

	record, err := coordinator.ResolveThread(context.Background(), threadID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	thread, err := db.GetThread(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.Resolved {
		t.Error("expected the cache to store the server's reported state, not the requested one")
	}
}

func TestResolveThreadAlreadyResolvedIsNoOp(t *testing.T) {
	coordinator, db, server, _ := testStack(t)
	threadID := syncReviewThread(t, db, server, true)
	server.ResetRequests()

	record, err := coordinator.ResolveThread(context.Background(), threadID)
	if err != nil {
		t.Fatalf("no-op resolve failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	for _, req := range server.Requests() {
		if strings.Contains(req, "/graphql") {
			t.Fatalf("expected no remote call for an already-resolved thread, got %s", req)
		}
	}
}

func TestResolveThreadUnknownTarget(t *testing.T) {
	coordinator, _, _, _ := testStack(t)

	_, err := coordinator.ResolveThread(context.Background(), "NOSUCH")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestCloseItemUpdatesCache(t *testing.T) {
	coordinator, db, _, repoID := testStack(t)

	record, err := coordinator.CloseItem(context.Background(), 1)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	item, err := db.GetItem(repoID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != "closed" {
		t.Errorf("expected closed, got %q", item.State)
	}
}

func TestCloseItemRequiresPushAccess(t *testing.T) {
	coordinator, db, server, repoID := testStack(t)
	if err := db.UpsertRepository(cache.Repository{
		ID: repoID, Owner: "owner", Name: "repo", CanPush: false,
	}); err != nil {
		t.Fatal(err)
	}
	server.ResetRequests()

	record, err := coordinator.CloseItem(context.Background(), 1)
	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
	if record.Status != StatusFailed {
		t.Errorf("expected failed record, got %s", record.Status)
	}
	if got := len(server.Requests()); got != 0 {
		t.Errorf("expected the gate to fire before any remote call, got %d requests", got)
	}
}

func TestCloseAlreadyClosedIsNoOp(t *testing.T) {
	coordinator, _, server, _ := testStack(t)

	if _, err := coordinator.CloseItem(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	server.ResetRequests()

	record, err := coordinator.CloseItem(context.Background(), 1)
	if err != nil {
		t.Fatalf("repeat close failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	if got := len(server.Requests()); got != 0 {
		t.Errorf("expected no remote call for a same-state transition, got %d", got)
	}
}

func TestSetLabelsStoresServerNames(t *testing.T) {
	coordinator, db, _, repoID := testStack(t)

	record, err := coordinator.SetLabels(context.Background(), 1, []string{"bug", "help wanted"})
	if err != nil {
		t.Fatalf("set labels failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	item, err := db.GetItem(repoID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(item.Labels) != 2 {
		t.Errorf("expected 2 labels, got %v", item.Labels)
	}
}

func TestMergeItemMarksMerged(t *testing.T) {
	coordinator, db, _, repoID := testStack(t)

	record, err := coordinator.MergeItem(context.Background(), 2)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	item, err := db.GetItem(repoID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Merged {
		t.Error("expected the pull request stored as merged")
	}
}

func TestMergeItemRejectsIssues(t *testing.T) {
	coordinator, _, _, _ := testStack(t)

	_, err := coordinator.MergeItem(context.Background(), 1)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget for a plain issue, got %v", err)
	}
}

func TestMarkFileViewedIsLocalFirst(t *testing.T) {
	coordinator, db, server, repoID := testStack(t)
	syncReviewThread(t, db, server, false)
	// Remote marking being down must not undo the local flip.
	server.FailNext("/graphql", http.StatusInternalServerError, 2)

	record, err := coordinator.MarkFileViewed(context.Background(), 2, "a.go", true)
	if err != nil {
		t.Fatalf("mark viewed failed: %v", err)
	}
	if record.Status != StatusConfirmed {
		t.Errorf("expected confirmed record, got %s", record.Status)
	}
	files, err := db.ListFiles(repoID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || !files[0].Viewed {
		t.Errorf("expected the viewed flag set locally, got %+v", files)
	}
}

func TestRecentKeepsNewestFirst(t *testing.T) {
	coordinator, _, _, _ := testStack(t)

	if _, err := coordinator.AddComment(context.Background(), 1, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := coordinator.CloseItem(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	recent := coordinator.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Kind != KindCloseItem || recent[1].Kind != KindAddComment {
		t.Errorf("expected newest first, got %s then %s", recent[0].Kind, recent[1].Kind)
	}
	if recent[0].ID == recent[1].ID || recent[0].ID == "" {
		t.Error("expected distinct non-empty record ids")
	}
}

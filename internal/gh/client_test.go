package gh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func testClient(t *testing.T) (*Client, *MockServer) {
	t.Helper()
	server := NewMockServer()
	t.Cleanup(server.Close)
	client := New("test-token", WithBaseURL(server.URL))
	return client, server
}

func testIssue(number int64, updatedAt time.Time) *Issue {
	return &Issue{
		ID:        1000 + number,
		Number:    number,
		State:     "open",
		Title:     fmt.Sprintf("issue %d", number),
		User:      User{Login: "alice"},
		UpdatedAt: updatedAt,
	}
}

func TestListItemsPageConditional(t *testing.T) {
	client, server := testClient(t)
	server.AddIssue(testIssue(1, time.Now()))

	page, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, "")
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if page == nil || len(page.Items) != 1 {
		t.Fatalf("expected 1 item, got %+v", page)
	}
	if page.ETag == "" {
		t.Fatal("expected an etag on page 1")
	}

	unchanged, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, page.ETag)
	if err != nil {
		t.Fatalf("conditional fetch failed: %v", err)
	}
	if unchanged != nil {
		t.Error("expected nil page for 304 response")
	}

	server.AddIssue(testIssue(2, time.Now()))
	changed, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, page.ETag)
	if err != nil {
		t.Fatalf("fetch after change failed: %v", err)
	}
	if changed == nil || len(changed.Items) != 2 {
		t.Fatalf("expected 2 items after change, got %+v", changed)
	}
}

func TestListItemsPagination(t *testing.T) {
	client, server := testClient(t)
	for i := 1; i <= PageSize+5; i++ {
		server.AddIssue(testIssue(int64(i), time.Now().Add(-time.Duration(i)*time.Minute)))
	}

	first, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items) != PageSize {
		t.Fatalf("expected a full first page, got %d", len(first.Items))
	}
	second, err := client.ListItemsPage(context.Background(), "owner", "repo", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 5 {
		t.Fatalf("expected 5 items on page 2, got %d", len(second.Items))
	}
}

func TestGetItemNotFound(t *testing.T) {
	client, _ := testClient(t)

	_, _, err := client.GetItem(context.Background(), "owner", "repo", 42, "")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found kind, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusGone, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusUnprocessableEntity, KindConflict},
		{http.StatusForbidden, KindPermission},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tt := range tests {
		client, server := testClient(t)
		server.AddIssue(testIssue(1, time.Now()))
		server.FailNext("/issues", tt.status, 1)

		_, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, "")
		if err == nil {
			t.Fatalf("status %d: expected an error", tt.status)
		}
		if got := KindOf(err); got != tt.kind {
			t.Errorf("status %d: expected kind %s, got %s (%v)", tt.status, tt.kind, got, err)
		}
	}
}

func TestRateLimitCarriesReset(t *testing.T) {
	client, server := testClient(t)
	server.AddIssue(testIssue(1, time.Now()))
	server.RateLimitNext("/issues", 1)

	_, err := client.ListItemsPage(context.Background(), "owner", "repo", 1, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRateLimited {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if apiErr.ResetAt.IsZero() {
		t.Error("expected a reset time from the rate-limit headers")
	}
}

func TestCommentLifecycle(t *testing.T) {
	client, server := testClient(t)
	server.AddIssue(testIssue(1, time.Now()))

	created, err := client.CreateComment(context.Background(), "owner", "repo", 1, "hello")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == 0 || created.Body != "hello" {
		t.Fatalf("expected server copy of the comment, got %+v", created)
	}

	updated, err := client.UpdateComment(context.Background(), "owner", "repo", created.ID, "edited")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Body != "edited" {
		t.Errorf("expected edited body, got %q", updated.Body)
	}

	if err := client.DeleteComment(context.Background(), "owner", "repo", created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	page, err := client.ListCommentsPage(context.Background(), "owner", "repo", 1, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Comments) != 0 {
		t.Errorf("expected no comments after delete, got %d", len(page.Comments))
	}
}

func TestListCommentsPageConditional(t *testing.T) {
	client, server := testClient(t)
	server.AddIssue(testIssue(1, time.Now()))
	server.SetComments(1, []Comment{{ID: 10, Body: "hi", UpdatedAt: time.Now()}})

	page, err := client.ListCommentsPage(context.Background(), "owner", "repo", 1, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if page == nil || page.ETag == "" {
		t.Fatal("expected a tagged first page")
	}

	unchanged, err := client.ListCommentsPage(context.Background(), "owner", "repo", 1, 1, page.ETag)
	if err != nil {
		t.Fatal(err)
	}
	if unchanged != nil {
		t.Fatalf("expected 304 for unchanged comments, got %+v", unchanged)
	}

	server.SetComments(1, []Comment{
		{ID: 10, Body: "hi", UpdatedAt: time.Now()},
		{ID: 11, Body: "new", UpdatedAt: time.Now()},
	})
	changed, err := client.ListCommentsPage(context.Background(), "owner", "repo", 1, 1, page.ETag)
	if err != nil {
		t.Fatal(err)
	}
	if changed == nil || len(changed.Comments) != 2 {
		t.Fatalf("expected the changed listing, got %+v", changed)
	}
}

func TestSetItemState(t *testing.T) {
	client, server := testClient(t)
	server.AddIssue(testIssue(1, time.Now()))

	closed, err := client.SetItemState(context.Background(), "owner", "repo", 1, "closed")
	if err != nil {
		t.Fatal(err)
	}
	if closed.State != "closed" {
		t.Errorf("expected server to report closed, got %q", closed.State)
	}
}

func TestReviewThreadsAndResolution(t *testing.T) {
	client, server := testClient(t)
	server.SetReviewData(7, nil, []ReviewThreadInfo{
		{ID: "T1", Resolved: false, CommentIDs: []int64{501, 502}},
	})

	threads, err := client.ListReviewThreads(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 || threads[0].ID != "T1" || len(threads[0].CommentIDs) != 2 {
		t.Fatalf("unexpected threads: %+v", threads)
	}

	state, err := client.SetThreadResolved(context.Background(), "T1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !state {
		t.Error("expected server to confirm resolution")
	}

	threads, err = client.ListReviewThreads(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatal(err)
	}
	if !threads[0].Resolved {
		t.Error("expected resolution to persist on the server")
	}
}

func TestFileViewStates(t *testing.T) {
	client, server := testClient(t)
	server.SetPullFiles(7, []PullFile{{Filename: "a.go", Status: "modified"}, {Filename: "b.go", Status: "added"}})
	server.SetViewedFiles(7, "a.go")

	pullID, viewed, err := client.FileViewStates(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatal(err)
	}
	if pullID == "" {
		t.Error("expected a pull request node id")
	}
	if !viewed["a.go"] || viewed["b.go"] {
		t.Errorf("unexpected viewed map: %v", viewed)
	}

	if err := client.SetFileViewed(context.Background(), pullID, "b.go", true); err != nil {
		t.Fatal(err)
	}
	_, viewed, err = client.FileViewStates(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatal(err)
	}
	if !viewed["b.go"] {
		t.Error("expected b.go marked viewed")
	}
}

func TestListAssigneesSortedDeduped(t *testing.T) {
	client, server := testClient(t)
	server.SetAssignees([]string{"Bob", "alice", "bob"})

	logins, err := client.ListAssignees(context.Background(), "owner", "repo")
	if err != nil {
		t.Fatal(err)
	}
	if len(logins) != 2 {
		t.Fatalf("expected case-insensitive dedupe, got %v", logins)
	}
}

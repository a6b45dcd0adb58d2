package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GetRepo fetches a repository, including the caller's permission bits.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repo, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	var out Repo
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListItemsPage fetches one page of the unified issue/PR listing, sorted
// newest-updated-first. When etag is non-empty the request is conditional;
// a 304 response returns (nil, nil) with zero decoding work.
func (c *Client) ListItemsPage(ctx context.Context, owner, repo string, page int, etag string) (*ItemsPage, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues?state=all&sort=updated&direction=desc&per_page=%d&page=%d",
		c.baseURL, owner, repo, perPage, page)

	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}

	resp, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var items []Issue
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &ItemsPage{Items: items, ETag: resp.Header.Get("ETag")}, nil
}

// GetItem fetches a single issue or pull request. When etag is non-empty the
// request is conditional and a 304 returns (nil, "", nil). A deleted item
// surfaces as a KindNotFound APIError.
func (c *Client) GetItem(ctx context.Context, owner, repo string, number int64, etag string) (*Issue, string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, owner, repo, number)

	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}

	resp, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyResponse(resp)
	}

	var item Issue
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}
	return &item, resp.Header.Get("ETag"), nil
}

// ListCommentsPage fetches one page of an item's comments. When etag is
// non-empty the request is conditional; a 304 response returns (nil, nil).
func (c *Client) ListCommentsPage(ctx context.Context, owner, repo string, number int64, page int, etag string) (*CommentsPage, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments?per_page=%d&page=%d",
		c.baseURL, owner, repo, number, perPage, page)

	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}

	resp, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var comments []Comment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &CommentsPage{Comments: comments, ETag: resp.Header.Get("ETag")}, nil
}

// CreateComment posts a comment on an item and returns the server's copy.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int64, body string) (*Comment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.baseURL, owner, repo, number)
	var out Comment
	if err := c.sendJSON(ctx, http.MethodPost, url, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateComment edits a comment body and returns the server's copy.
func (c *Client) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*Comment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", c.baseURL, owner, repo, commentID)
	var out Comment
	if err := c.sendJSON(ctx, http.MethodPatch, url, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", c.baseURL, owner, repo, commentID)
	return c.sendJSON(ctx, http.MethodDelete, url, nil, nil)
}

// SetItemState closes or reopens an item and returns the server's copy.
// state must be "open" or "closed".
func (c *Client) SetItemState(ctx context.Context, owner, repo string, number int64, state string) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, owner, repo, number)
	var out Issue
	if err := c.sendJSON(ctx, http.MethodPatch, url, map[string]string{"state": state}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLabels replaces an item's labels and returns the server's label set.
func (c *Client) SetLabels(ctx context.Context, owner, repo string, number int64, labels []string) ([]Label, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/labels", c.baseURL, owner, repo, number)
	var out []Label
	if err := c.sendJSON(ctx, http.MethodPut, url, map[string][]string{"labels": labels}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetAssignees replaces an item's assignees and returns the server's copy.
func (c *Client) SetAssignees(ctx context.Context, owner, repo string, number int64, assignees []string) (*Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, owner, repo, number)
	var out Issue
	if err := c.sendJSON(ctx, http.MethodPatch, url, map[string][]string{"assignees": assignees}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLabelsPage fetches one page of a repository's labels.
func (c *Client) ListLabelsPage(ctx context.Context, owner, repo string, page int) ([]Label, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/labels?per_page=%d&page=%d", c.baseURL, owner, repo, perPage, page)
	var labels []Label
	if err := c.getJSON(ctx, url, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// ListAssignees fetches all assignable users for a repository, sorted and
// de-duplicated case-insensitively.
func (c *Client) ListAssignees(ctx context.Context, owner, repo string) ([]string, error) {
	var logins []string
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/assignees?per_page=%d&page=%d", c.baseURL, owner, repo, perPage, page)
		var users []User
		if err := c.getJSON(ctx, url, &users); err != nil {
			return nil, err
		}
		if len(users) == 0 {
			break
		}
		for _, user := range users {
			logins = append(logins, user.Login)
		}
		if len(users) < perPage {
			break
		}
	}

	sort.Slice(logins, func(i, j int) bool {
		return strings.ToLower(logins[i]) < strings.ToLower(logins[j])
	})
	deduped := logins[:0]
	for _, login := range logins {
		if len(deduped) > 0 && strings.EqualFold(deduped[len(deduped)-1], login) {
			continue
		}
		deduped = append(deduped, login)
	}
	return deduped, nil
}

// FindLinkedPullRequest scans an issue's timeline for a cross-referenced
// pull request. Returns (0, "", nil) when none is linked.
func (c *Client) FindLinkedPullRequest(ctx context.Context, owner, repo string, issueNumber int64) (int64, string, error) {
	return c.findLinkedItem(ctx, owner, repo, issueNumber, true)
}

// FindLinkedIssue scans a pull request's timeline for a cross-referenced
// issue. Returns (0, "", nil) when none is linked.
func (c *Client) FindLinkedIssue(ctx context.Context, owner, repo string, pullNumber int64) (int64, string, error) {
	return c.findLinkedItem(ctx, owner, repo, pullNumber, false)
}

func (c *Client) findLinkedItem(ctx context.Context, owner, repo string, number int64, wantPull bool) (int64, string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/timeline?per_page=%d", c.baseURL, owner, repo, number, perPage)

	var events []struct {
		Source struct {
			Issue *struct {
				Number      int64           `json:"number"`
				HTMLURL     string          `json:"html_url"`
				PullRequest json.RawMessage `json:"pull_request"`
			} `json:"issue"`
		} `json:"source"`
	}
	if err := c.getJSON(ctx, url, &events); err != nil {
		return 0, "", err
	}

	marker := "/issues/"
	if wantPull {
		marker = "/pull/"
	}
	for _, event := range events {
		item := event.Source.Issue
		if item == nil {
			continue
		}
		if wantPull != (len(item.PullRequest) > 0) {
			continue
		}
		if !strings.Contains(item.HTMLURL, marker) {
			continue
		}
		return item.Number, item.HTMLURL, nil
	}

	return 0, "", nil
}

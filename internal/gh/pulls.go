package gh

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// PullHeadSHA fetches the tip commit of a pull request's head branch.
func (c *Client) PullHeadSHA(ctx context.Context, owner, repo string, pullNumber int64) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, pullNumber)
	var out struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := c.getJSON(ctx, url, &out); err != nil {
		return "", err
	}
	return out.Head.SHA, nil
}

// ListPullFilesPage fetches one page of a pull request's changed files.
func (c *Client) ListPullFilesPage(ctx context.Context, owner, repo string, pullNumber int64, page int) ([]PullFile, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d",
		c.baseURL, owner, repo, pullNumber, perPage, page)
	var files []PullFile
	if err := c.getJSON(ctx, url, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ListReviewCommentsPage fetches one page of a pull request's review
// comments. Thread membership is not part of the REST payload; callers join
// it in from ListReviewThreads.
func (c *Client) ListReviewCommentsPage(ctx context.Context, owner, repo string, pullNumber int64, page int) ([]ReviewComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments?per_page=%d&page=%d",
		c.baseURL, owner, repo, pullNumber, perPage, page)
	var comments []ReviewComment
	if err := c.getJSON(ctx, url, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

const reviewThreadsQuery = `
query($owner: String!, $repo: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100, after: $cursor) {
        pageInfo {
          hasNextPage
          endCursor
        }
        nodes {
          id
          isResolved
          comments(first: 100) {
            nodes {
              databaseId
            }
          }
        }
      }
    }
  }
}`

// ListReviewThreads fetches every review thread of a pull request: node id,
// resolution state, and the database ids of member comments.
func (c *Client) ListReviewThreads(ctx context.Context, owner, repo string, pullNumber int64) ([]ReviewThreadInfo, error) {
	var threads []ReviewThreadInfo
	var cursor interface{}

	for {
		payload, err := c.graphql(ctx, reviewThreadsQuery, map[string]interface{}{
			"owner":  owner,
			"repo":   repo,
			"number": pullNumber,
			"cursor": cursor,
		})
		if err != nil {
			return nil, err
		}

		pullRequest := dig(payload, "data", "repository", "pullRequest")
		if pullRequest == nil {
			break
		}

		nodes, _ := dig(pullRequest, "reviewThreads", "nodes").([]interface{})
		for _, node := range nodes {
			thread, ok := node.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := thread["id"].(string)
			if id == "" {
				continue
			}
			resolved, _ := thread["isResolved"].(bool)

			info := ReviewThreadInfo{ID: id, Resolved: resolved}
			comments, _ := dig(thread, "comments", "nodes").([]interface{})
			for _, raw := range comments {
				comment, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if dbID, ok := comment["databaseId"].(float64); ok {
					info.CommentIDs = append(info.CommentIDs, int64(dbID))
				}
			}
			threads = append(threads, info)
		}

		pageInfo := dig(pullRequest, "reviewThreads", "pageInfo")
		hasNext, _ := dig(pageInfo, "hasNextPage").(bool)
		if !hasNext {
			break
		}
		cursor = dig(pageInfo, "endCursor")
	}

	return threads, nil
}

// SetThreadResolved resolves or unresolves a review thread and returns the
// resolution state the server reports back.
func (c *Client) SetThreadResolved(ctx context.Context, threadID string, resolved bool) (bool, error) {
	mutation := "mutation($threadId: ID!) { unresolveReviewThread(input: { threadId: $threadId }) { thread { id isResolved } } }"
	field := "unresolveReviewThread"
	if resolved {
		mutation = "mutation($threadId: ID!) { resolveReviewThread(input: { threadId: $threadId }) { thread { id isResolved } } }"
		field = "resolveReviewThread"
	}

	payload, err := c.graphql(ctx, mutation, map[string]interface{}{"threadId": threadID})
	if err != nil {
		return false, err
	}

	if state, ok := dig(payload, "data", field, "thread", "isResolved").(bool); ok {
		return state, nil
	}
	return resolved, nil
}

// CreateReviewComment posts a line-anchored review comment and returns the
// server's copy.
func (c *Client) CreateReviewComment(ctx context.Context, owner, repo string, pullNumber int64, comment NewReviewComment) (*ReviewComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments", c.baseURL, owner, repo, pullNumber)

	payload := map[string]interface{}{
		"body":      comment.Body,
		"commit_id": comment.CommitID,
		"path":      comment.Path,
		"line":      comment.Line,
		"side":      comment.Side,
	}
	if comment.StartLine > 0 {
		payload["start_line"] = comment.StartLine
	}
	if comment.StartSide != "" {
		payload["start_side"] = comment.StartSide
	}

	var out ReviewComment
	if err := c.sendJSON(ctx, http.MethodPost, url, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateReviewComment edits a review comment body and returns the server's
// copy.
func (c *Client) UpdateReviewComment(ctx context.Context, owner, repo string, commentID int64, body string) (*ReviewComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/comments/%d", c.baseURL, owner, repo, commentID)
	var out ReviewComment
	if err := c.sendJSON(ctx, http.MethodPatch, url, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteReviewComment removes a review comment.
func (c *Client) DeleteReviewComment(ctx context.Context, owner, repo string, commentID int64) error {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/comments/%d", c.baseURL, owner, repo, commentID)
	return c.sendJSON(ctx, http.MethodDelete, url, nil, nil)
}

const fileViewStatesQuery = `
query($owner: String!, $repo: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      id
      files(first: 100, after: $cursor) {
        pageInfo {
          hasNextPage
          endCursor
        }
        nodes {
          path
          viewerViewedState
        }
      }
    }
  }
}`

// FileViewStates fetches the pull request's GraphQL node id and the set of
// file paths the viewer has marked as viewed. Both come back empty when the
// server does not expose the capability.
func (c *Client) FileViewStates(ctx context.Context, owner, repo string, pullNumber int64) (string, map[string]bool, error) {
	viewed := make(map[string]bool)
	var pullID string
	var cursor interface{}

	for {
		payload, err := c.graphql(ctx, fileViewStatesQuery, map[string]interface{}{
			"owner":  owner,
			"repo":   repo,
			"number": pullNumber,
			"cursor": cursor,
		})
		if err != nil {
			return "", nil, err
		}

		pullRequest := dig(payload, "data", "repository", "pullRequest")
		if pullRequest == nil {
			return "", viewed, nil
		}
		if pullID == "" {
			pullID, _ = dig(pullRequest, "id").(string)
		}

		nodes, _ := dig(pullRequest, "files", "nodes").([]interface{})
		for _, raw := range nodes {
			file, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			path, _ := file["path"].(string)
			if path == "" {
				continue
			}
			state, _ := file["viewerViewedState"].(string)
			if strings.EqualFold(state, "VIEWED") {
				viewed[path] = true
			}
		}

		pageInfo := dig(pullRequest, "files", "pageInfo")
		hasNext, _ := dig(pageInfo, "hasNextPage").(bool)
		if !hasNext {
			break
		}
		cursor = dig(pageInfo, "endCursor")
	}

	return pullID, viewed, nil
}

// SetFileViewed marks or unmarks a pull request file as viewed.
func (c *Client) SetFileViewed(ctx context.Context, pullID, path string, viewed bool) error {
	mutation := "mutation($pullRequestId: ID!, $path: String!) { unmarkFileAsViewed(input: { pullRequestId: $pullRequestId, path: $path }) { clientMutationId } }"
	if viewed {
		mutation = "mutation($pullRequestId: ID!, $path: String!) { markFileAsViewed(input: { pullRequestId: $pullRequestId, path: $path }) { clientMutationId } }"
	}

	_, err := c.graphql(ctx, mutation, map[string]interface{}{
		"pullRequestId": pullID,
		"path":          path,
	})
	return err
}

// MergePullRequest merges a pull request, trying the repository's enabled
// merge methods in order (merge, squash, rebase) until one succeeds.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, pullNumber int64) error {
	detailsURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, pullNumber)
	var details struct {
		MergeCommitAllowed bool `json:"merge_commit_allowed"`
		SquashMergeAllowed bool `json:"squash_merge_allowed"`
		RebaseMergeAllowed bool `json:"rebase_merge_allowed"`
	}
	if err := c.getJSON(ctx, detailsURL, &details); err != nil {
		return err
	}

	var methods []string
	if details.MergeCommitAllowed {
		methods = append(methods, "merge")
	}
	if details.SquashMergeAllowed {
		methods = append(methods, "squash")
	}
	if details.RebaseMergeAllowed {
		methods = append(methods, "rebase")
	}
	if len(methods) == 0 {
		return fmt.Errorf("no merge methods are enabled in this repository")
	}

	mergeURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", c.baseURL, owner, repo, pullNumber)
	var lastErr error
	for _, method := range methods {
		var out struct {
			Merged  bool   `json:"merged"`
			Message string `json:"message"`
		}
		err := c.sendJSON(ctx, http.MethodPut, mergeURL, map[string]string{"merge_method": method}, &out)
		if err == nil && out.Merged {
			return nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = fmt.Errorf("merge with method %q was not applied: %s", method, out.Message)
	}
	return lastErr
}

// dig walks nested map keys, returning nil when any step is missing.
func dig(value interface{}, keys ...string) interface{} {
	for _, key := range keys {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil
		}
		value = m[key]
	}
	return value
}

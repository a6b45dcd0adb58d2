package sync

import (
	"time"

	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/gh"
)

// ItemFromIssue maps a remote issue or pull request onto its store row.
func ItemFromIssue(repoID int64, issue *gh.Issue) cache.WorkItem {
	labels := make([]string, len(issue.Labels))
	for i, label := range issue.Labels {
		labels[i] = label.Name
	}
	assignees := make([]string, len(issue.Assignees))
	for i, user := range issue.Assignees {
		assignees[i] = user.Login
	}

	return cache.WorkItem{
		RepoID:        repoID,
		Number:        issue.Number,
		ID:            issue.ID,
		Title:         issue.Title,
		Body:          issue.Body,
		State:         issue.State,
		Author:        issue.User.Login,
		Labels:        labels,
		Assignees:     assignees,
		CommentsCount: issue.Comments,
		IsPullRequest: issue.IsPullRequest(),
		Merged:        issue.Merged(),
		CreatedAt:     issue.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     issue.UpdatedAt.Format(time.RFC3339),
	}
}

func CommentFromRemote(repoID, itemNumber int64, comment *gh.Comment) cache.Comment {
	return cache.Comment{
		ID:         comment.ID,
		RepoID:     repoID,
		ItemNumber: itemNumber,
		Author:     comment.User.Login,
		Body:       comment.Body,
		CreatedAt:  comment.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  comment.UpdatedAt.Format(time.RFC3339),
	}
}

func fileFromRemote(repoID, itemNumber int64, file *gh.PullFile) cache.FileEntry {
	return cache.FileEntry{
		RepoID:     repoID,
		ItemNumber: itemNumber,
		Path:       file.Filename,
		Status:     file.Status,
		Additions:  file.Additions,
		Deletions:  file.Deletions,
		Patch:      file.Patch,
	}
}

func ReviewCommentFromRemote(repoID, itemNumber int64, comment *gh.ReviewComment) cache.ReviewComment {
	return cache.ReviewComment{
		ID:           comment.ID,
		RepoID:       repoID,
		ItemNumber:   itemNumber,
		ThreadID:     comment.ThreadID,
		Path:         comment.Path,
		Line:         comment.Line,
		StartLine:    comment.StartLine,
		OriginalLine: comment.OriginalLine,
		Side:         comment.Side,
		StartSide:    comment.StartSide,
		CommitSHA:    comment.CommitID,
		InReplyTo:    comment.InReplyToID,
		Author:       comment.User.Login,
		Body:         comment.Body,
		CreatedAt:    comment.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    comment.UpdatedAt.Format(time.RFC3339),
	}
}

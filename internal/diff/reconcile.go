package diff

import "sort"

// CommentRef carries the anchoring metadata of one review comment. Line
// is the position against the current head commit and is zero when the
// remote could no longer map the comment onto the tip diff; OriginalLine
// is the position against the commit the comment was written on.
type CommentRef struct {
	ID           int64
	InReplyTo    int64
	ThreadID     string
	Path         string
	Side         string
	StartSide    string
	Line         int64
	StartLine    int64
	OriginalLine int64
}

// ThreadState is the reconciled placement of one review thread.
type ThreadState struct {
	ThreadID  string
	Anchor    Anchor
	Placement Placement
	Outdated  bool
}

// Reconcile derives each thread's anchor from its root comment and
// resolves it against the model. A thread is outdated when the remote no
// longer reports a current-line position or when its anchor does not map
// onto the current patch; it is never attached to an unrelated row.
func Reconcile(m *Model, comments []CommentRef) map[string]ThreadState {
	roots := rootComments(comments)

	states := make(map[string]ThreadState, len(roots))
	for threadID, root := range roots {
		anchor := Anchor{
			Path:      root.Path,
			Side:      root.Side,
			StartSide: root.StartSide,
			Line:      root.Line,
			StartLine: root.StartLine,
		}
		// A root with neither a current nor an original line is a
		// file-level comment, anchored to the file itself.
		current := root.Line != 0 || root.OriginalLine == 0
		if !current {
			anchor.Line = root.OriginalLine
		}

		placement := m.Resolve(anchor)
		states[threadID] = ThreadState{
			ThreadID:  threadID,
			Anchor:    anchor,
			Placement: placement,
			Outdated:  !current || !placement.Live,
		}
	}
	return states
}

// rootComments picks the anchoring comment of each thread: the earliest
// comment by id that is not a reply, falling back to the earliest comment
// when every comment in the thread is a reply to something unseen.
func rootComments(comments []CommentRef) map[string]CommentRef {
	byThread := make(map[string][]CommentRef)
	for _, comment := range comments {
		if comment.ThreadID == "" {
			continue
		}
		byThread[comment.ThreadID] = append(byThread[comment.ThreadID], comment)
	}

	roots := make(map[string]CommentRef, len(byThread))
	for threadID, members := range byThread {
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		root := members[0]
		for _, member := range members {
			if member.InReplyTo == 0 {
				root = member
				break
			}
		}
		roots[threadID] = root
	}
	return roots
}

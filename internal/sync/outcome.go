package sync

import "fmt"

// Outcome reports what a sync cycle did.
type Outcome int

const (
	// Unchanged means the conditional fetch reported no remote change
	// and the cycle performed zero store writes.
	Unchanged Outcome = iota
	// Updated means at least one page was fetched and committed and the
	// cycle completed.
	Updated
	// Partial means some pages were committed before a failure; the
	// cursor reflects the last committed page and the next cycle
	// resumes from there.
	Partial
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Partial:
		return "partial"
	default:
		return "unknown"
	}
}

// PartialFailure reports a sync cycle that committed some pages before
// failing. It is recoverable: the committed pages stay durable and the
// next cycle resumes at the recorded boundary.
type PartialFailure struct {
	Resource string
	LastPage int64
	Err      error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("sync of %s stopped after page %d: %v", e.Resource, e.LastPage, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

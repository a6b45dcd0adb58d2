// Package diff parses unified patches into line-indexed row models and
// maps review-comment anchors onto them.
package diff

import (
	"strconv"
	"strings"
)

// Kind classifies one row of a parsed patch.
type Kind int

const (
	KindMeta Kind = iota
	KindHunk
	KindContext
	KindAdded
	KindRemoved
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindHunk:
		return "hunk"
	case KindContext:
		return "context"
	case KindAdded:
		return "added"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Review sides. Left is the old version of the file, right the new one.
const (
	SideLeft  = "LEFT"
	SideRight = "RIGHT"
)

// Row is one display row of a parsed patch. OldLine and NewLine are zero
// when the row has no line on that side, such as a pure addition's old
// side.
type Row struct {
	Kind    Kind
	OldLine int64
	NewLine int64
	Left    string
	Right   string
	Raw     string
}

// ParsePatch parses a unified patch into rows. Line counters restart at
// each hunk header; lines outside any recognized prefix become meta rows.
func ParsePatch(patch string) []Row {
	if patch == "" {
		return nil
	}

	var rows []Row
	var oldLine, newLine int64

	for _, line := range strings.Split(strings.TrimSuffix(patch, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			if o, n, ok := parseHunkHeader(line); ok {
				oldLine, newLine = o, n
			}
			rows = append(rows, Row{Kind: KindHunk, Raw: line})
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			rows = append(rows, Row{
				Kind:    KindAdded,
				NewLine: newLine,
				Right:   line[1:],
				Raw:     line,
			})
			newLine++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			rows = append(rows, Row{
				Kind:    KindRemoved,
				OldLine: oldLine,
				Left:    line[1:],
				Raw:     line,
			})
			oldLine++
		case strings.HasPrefix(line, " "):
			rows = append(rows, Row{
				Kind:    KindContext,
				OldLine: oldLine,
				NewLine: newLine,
				Left:    line[1:],
				Right:   line[1:],
				Raw:     line,
			})
			oldLine++
			newLine++
		default:
			rows = append(rows, Row{Kind: KindMeta, Raw: line})
		}
	}
	return rows
}

// parseHunkHeader extracts the starting old and new line numbers from a
// header of the form "@@ -a,b +c,d @@".
func parseHunkHeader(line string) (int64, int64, bool) {
	parts := strings.Fields(line)
	if len(parts) < 3 || parts[0] != "@@" {
		return 0, 0, false
	}
	oldPart, ok := strings.CutPrefix(parts[1], "-")
	if !ok {
		return 0, 0, false
	}
	newPart, ok := strings.CutPrefix(parts[2], "+")
	if !ok {
		return 0, 0, false
	}
	oldStart, err := strconv.ParseInt(strings.SplitN(oldPart, ",", 2)[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	newStart, err := strconv.ParseInt(strings.SplitN(newPart, ",", 2)[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return oldStart, newStart, true
}

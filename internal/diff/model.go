package diff

// FileDiff is one changed file's parsed patch.
type FileDiff struct {
	Path string
	Rows []Row
}

// Model is the line-indexed view of a pull request's changed files. Row
// indexes are stable for a given set of patches, so a resolved placement
// keeps pointing at the same row until the diff itself changes.
type Model struct {
	Files []FileDiff

	index map[lineKey]position
	files map[string]int
}

type lineKey struct {
	path string
	side string
	line int64
}

type position struct {
	file int
	row  int
}

// Build parses each (path, patch) pair and indexes every row by
// (path, side, line) for anchor resolution.
func Build(patches []Patch) *Model {
	m := &Model{
		index: make(map[lineKey]position),
		files: make(map[string]int),
	}
	for _, patch := range patches {
		fileIdx := len(m.Files)
		rows := ParsePatch(patch.Body)
		m.Files = append(m.Files, FileDiff{Path: patch.Path, Rows: rows})
		m.files[patch.Path] = fileIdx
		for rowIdx, row := range rows {
			if row.OldLine != 0 {
				m.index[lineKey{patch.Path, SideLeft, row.OldLine}] = position{fileIdx, rowIdx}
			}
			if row.NewLine != 0 {
				m.index[lineKey{patch.Path, SideRight, row.NewLine}] = position{fileIdx, rowIdx}
			}
		}
	}
	return m
}

// Patch is the input to Build: one file path and its unified patch text.
type Patch struct {
	Path string
	Body string
}

// Anchor is the position a review thread claims in a diff. Line is the
// end line; StartLine is non-zero only for multiline ranges. A zero Line
// with a non-empty Path is a file-level anchor.
type Anchor struct {
	Path      string
	Side      string
	Line      int64
	StartLine int64
	StartSide string
}

// Placement is the resolved location of an anchor in a Model. When Live
// is false the anchor does not cleanly map onto the current diff and the
// thread must be shown as outdated rather than attached to a wrong row.
type Placement struct {
	Live     bool
	File     int
	Row      int
	StartRow int
}

// Resolve maps an anchor onto the model. A multiline anchor is live only
// when both endpoints resolve; a file-level anchor attaches to the file's
// first row.
func (m *Model) Resolve(anchor Anchor) Placement {
	fileIdx, ok := m.files[anchor.Path]
	if !ok {
		return Placement{}
	}

	if anchor.Line == 0 {
		return Placement{Live: true, File: fileIdx, Row: 0, StartRow: 0}
	}

	side := anchor.Side
	if side == "" {
		side = SideRight
	}
	end, ok := m.index[lineKey{anchor.Path, side, anchor.Line}]
	if !ok {
		return Placement{}
	}

	if anchor.StartLine == 0 {
		return Placement{Live: true, File: end.file, Row: end.row, StartRow: end.row}
	}

	startSide := anchor.StartSide
	if startSide == "" {
		startSide = side
	}
	start, ok := m.index[lineKey{anchor.Path, startSide, anchor.StartLine}]
	if !ok || start.file != end.file {
		return Placement{}
	}
	return Placement{Live: true, File: end.file, Row: end.row, StartRow: start.row}
}

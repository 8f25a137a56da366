package snapshot

import (
	"bytes"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStats are line-level statistics over a set of file changes.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// lineStats computes inserted and deleted line counts between two versions of
// a file. Binary content (NUL byte present) is counted as a wholesale
// replacement of line counts rather than diffed.
func lineStats(oldContent, newContent []byte) (insertions, deletions int) {
	if isBinary(oldContent) || isBinary(newContent) {
		if len(oldContent) > 0 {
			deletions = 1
		}
		if len(newContent) > 0 {
			insertions = 1
		}
		return insertions, deletions
	}

	dmp := diffmatchpatch.New()
	oldChars, newChars, lines := dmp.DiffLinesToChars(string(oldContent), string(newContent))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lines)

	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			insertions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return insertions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// isBinary uses the git heuristic: a NUL byte in the first 8000 bytes.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

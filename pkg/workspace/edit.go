package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflictNotFound is returned when a required edit anchor is absent.
var ErrConflictNotFound = errors.New("edit anchor not found")

// Edit is a single substring substitution. OldText must occur in the file;
// the first occurrence is replaced.
type Edit struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// ApplyEdits applies the substitutions in order and rewrites the file,
// returning a unified-diff style summary. An empty edit list is a no-op and
// yields an empty diff.
func (s *Store) ApplyEdits(rel string, edits []Edit) (string, error) {
	if len(edits) == 0 {
		return "", nil
	}

	data, err := s.Read(rel)
	if err != nil {
		return "", err
	}
	content := string(data)

	var diff strings.Builder
	for i, e := range edits {
		if e.OldText == "" {
			return "", fmt.Errorf("%w: edit %d has an empty anchor", ErrConflictNotFound, i+1)
		}
		idx := strings.Index(content, e.OldText)
		if idx < 0 {
			return "", fmt.Errorf("%w: edit %d anchor %q", ErrConflictNotFound, i+1, truncate(e.OldText, 60))
		}
		diff.WriteString(hunk(content, idx, idx+len(e.OldText), e.NewText))
		content = content[:idx] + e.NewText + content[idx+len(e.OldText):]
	}

	if _, err := s.Write(rel, []byte(content), CreateOrReplace); err != nil {
		return "", err
	}
	return diff.String(), nil
}

// hunk renders a minimal unified-diff fragment for one replacement, showing
// the whole lines the replaced text touches.
func hunk(content string, start, end int, newText string) string {
	lineStart := strings.LastIndex(content[:start], "\n") + 1
	lineEnd := len(content)
	if i := strings.Index(content[end:], "\n"); i >= 0 {
		lineEnd = end + i
	}
	oldLines := strings.Split(content[lineStart:lineEnd], "\n")
	newLines := strings.Split(content[lineStart:start]+newText+content[end:lineEnd], "\n")
	firstLine := strings.Count(content[:lineStart], "\n") + 1

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", firstLine, len(oldLines), firstLine, len(newLines)))
	for _, line := range oldLines {
		sb.WriteString("-" + line + "\n")
	}
	for _, line := range newLines {
		sb.WriteString("+" + line + "\n")
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package synth

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

const maxMatchesPerSearch = 100

// Match is one matching line from a synthesis log or report.
type Match struct {
	File string `json:"file"` // relative to the run directory
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchLogs greps the run's logs and reports for a case-insensitive
// substring. runID "" targets the latest run.
func (s *Supervisor) SearchLogs(ws *workspace.Store, runID, query string) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required")
	}
	runDir, err := RunDir(ws, runID)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matches []Match

	for _, base := range []string{"orfs_logs", "orfs_reports"} {
		root := filepath.Join(runDir, base)
		filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil || info.IsDir() || !isReportExt(path) {
				return nil
			}
			if len(matches) >= maxMatchesPerSearch {
				return filepath.SkipAll
			}

			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			defer f.Close()

			rel, _ := filepath.Rel(runDir, path)
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			lineNo := 0
			for scanner.Scan() {
				lineNo++
				line := scanner.Text()
				if strings.Contains(strings.ToLower(line), needle) {
					matches = append(matches, Match{File: rel, Line: lineNo, Text: strings.TrimSpace(line)})
					if len(matches) >= maxMatchesPerSearch {
						break
					}
				}
			}
			return nil
		})
	}
	return matches, nil
}

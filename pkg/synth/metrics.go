package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

// PPA carries the scalar metrics extracted from a completed run. Fields the
// reports did not yield stay nil.
type PPA struct {
	WNSNS     *float64 `json:"wns_ns"`
	TNSNS     *float64 `json:"tns_ns"`
	AreaUM2   *float64 `json:"area_um2"`
	PowerUW   *float64 `json:"power_uw"`
	CellCount *int     `json:"cell_count"`
}

// Missing lists the metric names that could not be parsed.
func (p *PPA) Missing() []string {
	var out []string
	if p.WNSNS == nil {
		out = append(out, "wns_ns")
	}
	if p.TNSNS == nil {
		out = append(out, "tns_ns")
	}
	if p.AreaUM2 == nil {
		out = append(out, "area_um2")
	}
	if p.PowerUW == nil {
		out = append(out, "power_uw")
	}
	if p.CellCount == nil {
		out = append(out, "cell_count")
	}
	return out
}

var (
	// 6_finish.rpt timing summary rows.
	wnsFinishRe = regexp.MustCompile(`(?im)^\s*wns\s+max\s+([0-9.eE+-]+)`)
	tnsFinishRe = regexp.MustCompile(`(?im)^\s*tns\s+max\s+([0-9.eE+-]+)`)
	// Power table row: Total <internal> <switching> <leakage> <total> 100...
	powerTotalRe = regexp.MustCompile(`(?im)^\s*Total\s+[0-9.eE+-]+\s+[0-9.eE+-]+\s+[0-9.eE+-]+\s+([0-9.eE+-]+)\s+100`)
	// synth_stat.txt rows.
	chipAreaRe  = regexp.MustCompile(`(?i)Chip area for module .*?:\s*([0-9.]+)`)
	cellCountRe = regexp.MustCompile(`(?im)^\s*([0-9]+)\s+[0-9.eE+-]+\s+cells\b`)
	// Generic fallback patterns scanned across every log/report.
	genericAreaRe  = regexp.MustCompile(`(?i)Chip area.*?:\s*([0-9.]+)`)
	genericCellsRe = regexp.MustCompile(`(?i)Number of cells.*?:\s*([0-9]+)`)
	genericWNSRe   = regexp.MustCompile(`(?i)\bwns\b\s*[:=]?\s*([0-9.+-]+)`)
	genericTNSRe   = regexp.MustCompile(`(?i)\btns\b\s*[:=]?\s*([0-9.+-]+)`)
	genericPowerRe = regexp.MustCompile(`(?i)Total Power\s+([0-9.eE+-]+)`)
)

// Metrics parses the PPA summary for a run. It prefers the flow's finish
// report and synthesis stat file and falls back to a generic scan over every
// log and report in the run directory.
func (s *Supervisor) Metrics(ws *workspace.Store, runID string) (*PPA, error) {
	if runID != "" {
		if st, err := s.Status(runID); err == nil && st.State != StateSucceeded {
			return nil, fmt.Errorf("%w: run %s is %s, metrics require a succeeded run", ErrJobFailed, runID, st.State)
		}
	}

	runDir, err := RunDir(ws, runID)
	if err != nil {
		return nil, err
	}

	ppa := &PPA{}

	if path := findReportFile(runDir, "6_finish.rpt"); path != "" {
		text := readAll(path)
		ppa.WNSNS = matchFloat(wnsFinishRe, text)
		ppa.TNSNS = matchFloat(tnsFinishRe, text)
		if w := matchFloat(powerTotalRe, text); w != nil {
			uw := *w * 1e6 // report is in watts
			ppa.PowerUW = &uw
		}
	}
	if path := findReportFile(runDir, "synth_stat.txt"); path != "" {
		text := readAll(path)
		ppa.AreaUM2 = matchFloat(chipAreaRe, text)
		ppa.CellCount = matchInt(cellCountRe, text)
	}

	if len(ppa.Missing()) > 0 {
		scanGeneric(runDir, ppa)
	}
	return ppa, nil
}

// scanGeneric walks every log/report/text file filling still-missing fields.
func scanGeneric(runDir string, ppa *PPA) {
	for _, base := range []string{"orfs_reports", "orfs_logs"} {
		root := filepath.Join(runDir, base)
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !isReportExt(path) {
				return nil
			}
			text := readAll(path)
			if ppa.AreaUM2 == nil {
				ppa.AreaUM2 = matchFloat(genericAreaRe, text)
			}
			if ppa.CellCount == nil {
				ppa.CellCount = matchInt(genericCellsRe, text)
			}
			if ppa.WNSNS == nil {
				ppa.WNSNS = matchFloat(genericWNSRe, text)
			}
			if ppa.TNSNS == nil {
				ppa.TNSNS = matchFloat(genericTNSRe, text)
			}
			if ppa.PowerUW == nil {
				ppa.PowerUW = matchFloat(genericPowerRe, text)
			}
			return nil
		})
	}
}

// findReportFile locates a file by name under the run's report and log
// subtrees.
func findReportFile(runDir, name string) string {
	for _, base := range []string{"orfs_reports", "orfs_logs"} {
		var found string
		filepath.Walk(filepath.Join(runDir, base), func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && info.Name() == name {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func isReportExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".rpt", ".txt":
		return true
	}
	return false
}

func readAll(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func matchFloat(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &f
}

func matchInt(re *regexp.Regexp, text string) *int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

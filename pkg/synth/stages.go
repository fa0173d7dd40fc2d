package synth

import "strings"

// DefaultStages is the ordered list of flow stage names matched against log
// output. The boundary strings follow ORFS log conventions and are
// configuration, not a fixed constant.
var DefaultStages = []StageMarker{
	{Name: "synth", Markers: []string{"yosys", "synth"}},
	{Name: "floorplan", Markers: []string{"floorplan"}},
	{Name: "place", Markers: []string{"place"}},
	{Name: "cts", Markers: []string{"clock tree", "cts"}},
	{Name: "route", Markers: []string{"global route", "detailed route", "route"}},
	{Name: "final", Markers: []string{"finish", "final"}},
}

// StageMarker binds a stage name to the substrings that signal it.
type StageMarker struct {
	Name    string
	Markers []string
}

// inferStage returns the furthest stage whose marker appears in the lines,
// or "" when none matches. Later stages win so a log that already mentions
// routing is not reported as still synthesizing.
func inferStage(stages []StageMarker, lines []string) string {
	text := strings.ToLower(strings.Join(lines, "\n"))
	stage := ""
	for _, s := range stages {
		for _, m := range s.Markers {
			if strings.Contains(text, m) {
				stage = s.Name
				break
			}
		}
	}
	return stage
}

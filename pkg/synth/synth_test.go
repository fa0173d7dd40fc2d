package synth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

func quietLogger() *logger.Logger {
	l := logger.NewDefaultLogger()
	l.SetConsoleEnabled(false)
	return l
}

func newTestSupervisor(t *testing.T) (*Supervisor, *workspace.Store) {
	t.Helper()
	ws, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.StuckThreshold = 100 * time.Millisecond
	return NewSupervisor(cfg, run.NewRunner(), quietLogger()), ws
}

func TestInferStage(t *testing.T) {
	cases := []struct {
		lines []string
		want  string
	}{
		{[]string{"Running yosys synthesis pass"}, "synth"},
		{[]string{"yosys done", "starting floorplan"}, "floorplan"},
		{[]string{"floorplan ok", "detailed place begins"}, "place"},
		{[]string{"clock tree synthesis running"}, "cts"},
		{[]string{"global route iteration 3"}, "route"},
		{[]string{"flow finish report written"}, "final"},
		{[]string{"nothing recognizable"}, ""},
	}
	for _, c := range cases {
		if got := inferStage(DefaultStages, c.lines); got != c.want {
			t.Errorf("inferStage(%v) = %q, want %q", c.lines, got, c.want)
		}
	}
}

func TestNextRunDirIncrements(t *testing.T) {
	ws, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id1, dir1, err := nextRunDir(ws)
	if err != nil {
		t.Fatalf("nextRunDir failed: %v", err)
	}
	if id1 != "synth_0001" {
		t.Errorf("first run id: %q", id1)
	}
	for _, sub := range []string{"inputs", "orfs_logs", "orfs_reports", "orfs_results"} {
		if _, err := os.Stat(filepath.Join(dir1, sub)); err != nil {
			t.Errorf("missing %s: %v", sub, err)
		}
	}

	id2, _, err := nextRunDir(ws)
	if err != nil {
		t.Fatalf("nextRunDir failed: %v", err)
	}
	if id2 != "synth_0002" {
		t.Errorf("second run id: %q", id2)
	}
}

func TestJobSnapshotReportsStuck(t *testing.T) {
	j := newJob("synth_0001", "sess", "img")
	j.setState(StateRunning)
	j.markProgress("place", []string{"placing cells"})

	st := j.snapshot(time.Hour)
	if st.State != StateRunning || st.Stage != "place" {
		t.Errorf("unexpected snapshot: %+v", st)
	}

	// Backdate progress past the threshold.
	j.mu.Lock()
	j.lastProgress = time.Now().Add(-10 * time.Minute)
	j.mu.Unlock()

	st = j.snapshot(5 * time.Minute)
	if st.State != StateStuck {
		t.Errorf("expected stuck, got %s", st.State)
	}

	// Terminal states never report stuck.
	j.setState(StateFailed)
	if st := j.snapshot(time.Nanosecond); st.State != StateFailed {
		t.Errorf("terminal state must win: %s", st.State)
	}
}

func TestStartConflictAndOverride(t *testing.T) {
	s, ws := newTestSupervisor(t)

	// Simulate an in-flight run occupying the session slot.
	running := newJob("synth_0001", "sess", "img")
	running.setState(StateRunning)
	running.cancel = func() {}
	s.jobs["synth_0001"] = running
	s.slots["sess"] = "synth_0001"

	if _, err := ws.Write("top.v", []byte("module top; endmodule"), 0); err != nil {
		t.Fatal(err)
	}
	params := StartParams{TopModule: "top", VerilogFiles: []string{"top.v"}}

	_, err := s.Start("sess", ws, params)
	if !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}

	// Override only applies to STUCK jobs.
	params.Override = OverrideRestartStuck
	if _, err := s.Start("sess", ws, params); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("override must not replace a healthy running job: %v", err)
	}

	// Backdate progress so the job reads as stuck; override now wins.
	running.mu.Lock()
	running.lastProgress = time.Now().Add(-time.Hour)
	running.mu.Unlock()

	runID, err := s.Start("sess", ws, params)
	if err != nil {
		t.Fatalf("override restart-stuck failed: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a new run id")
	}

	// Let the replacement worker reach a terminal state (docker is absent
	// in the test environment, so it fails fast).
	st, err := s.Wait(context.Background(), runID, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !st.State.Terminal() {
		t.Errorf("expected terminal state, got %s", st.State)
	}
}

func TestStartValidation(t *testing.T) {
	s, ws := newTestSupervisor(t)
	if _, err := s.Start("sess", ws, StartParams{TopModule: "top"}); err == nil {
		t.Error("expected error without verilog files")
	}
	if _, err := s.Start("sess", ws, StartParams{VerilogFiles: []string{"a.v"}}); err == nil {
		t.Error("expected error without top module")
	}
}

func TestStatusUnknownRun(t *testing.T) {
	s, _ := newTestSupervisor(t)
	if _, err := s.Status("synth_9999"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.Wait(context.Background(), "synth_9999", time.Second); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func seedRun(t *testing.T, ws *workspace.Store) string {
	t.Helper()
	runID, runDir, err := nextRunDir(ws)
	if err != nil {
		t.Fatal(err)
	}
	writeLatest(ws, runID)

	finish := `
==========================================================================
finish report_tns
--------------------------------------------------------------------------
wns max -0.12
tns max -0.45
--------------------------------------------------------------------------
Group                  Internal  Switching    Leakage      Total
                          Power      Power      Power      Power
--------------------------------------------------------------------------
Total                 1.23e-03   4.56e-04   7.89e-06   1.69e-03 100.0%
`
	stat := `
=== counter ===
   Number of wires:                 42
   814 7.33E+03 cells
Chip area for module '\counter': 1234.56
`
	if err := os.WriteFile(filepath.Join(runDir, "orfs_reports", "6_finish.rpt"), []byte(finish), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "orfs_logs", "synth_stat.txt"), []byte(stat), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "orfs_logs", "run.log"), []byte("Error: max slew violation on net x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return runID
}

func TestMetricsParsing(t *testing.T) {
	s, ws := newTestSupervisor(t)
	runID := seedRun(t, ws)

	ppa, err := s.Metrics(ws, runID)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}

	if ppa.WNSNS == nil || *ppa.WNSNS != -0.12 {
		t.Errorf("wns: %v", ppa.WNSNS)
	}
	if ppa.TNSNS == nil || *ppa.TNSNS != -0.45 {
		t.Errorf("tns: %v", ppa.TNSNS)
	}
	if ppa.AreaUM2 == nil || *ppa.AreaUM2 != 1234.56 {
		t.Errorf("area: %v", ppa.AreaUM2)
	}
	if ppa.CellCount == nil || *ppa.CellCount != 814 {
		t.Errorf("cells: %v", ppa.CellCount)
	}
	if ppa.PowerUW == nil {
		t.Fatal("power missing")
	}
	// 1.69e-03 W -> 1690 uW
	if *ppa.PowerUW < 1689 || *ppa.PowerUW > 1691 {
		t.Errorf("power: %v", *ppa.PowerUW)
	}
	if len(ppa.Missing()) != 0 {
		t.Errorf("unexpected missing fields: %v", ppa.Missing())
	}
}

func TestMetricsMissingFieldsAreNil(t *testing.T) {
	s, ws := newTestSupervisor(t)
	runID, _, err := nextRunDir(ws)
	if err != nil {
		t.Fatal(err)
	}
	writeLatest(ws, runID)

	ppa, err := s.Metrics(ws, runID)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if len(ppa.Missing()) != 5 {
		t.Errorf("expected all fields missing, got %v", ppa.Missing())
	}
}

func TestMetricsLatestRun(t *testing.T) {
	s, ws := newTestSupervisor(t)
	seedRun(t, ws)

	// Empty run id resolves via the LATEST marker.
	ppa, err := s.Metrics(ws, "")
	if err != nil {
		t.Fatalf("Metrics on latest failed: %v", err)
	}
	if ppa.WNSNS == nil {
		t.Error("latest-run metrics not parsed")
	}
}

func TestSearchLogs(t *testing.T) {
	s, ws := newTestSupervisor(t)
	runID := seedRun(t, ws)

	matches, err := s.SearchLogs(ws, runID, "slew")
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Line != 1 || matches[0].File == "" {
		t.Errorf("unexpected match: %+v", matches[0])
	}

	none, err := s.SearchLogs(ws, runID, "no-such-needle")
	if err != nil {
		t.Fatalf("SearchLogs failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches, got %v", none)
	}

	if _, err := s.SearchLogs(ws, runID, "  "); err == nil {
		t.Error("blank query must fail")
	}
}

func TestRunDirResolution(t *testing.T) {
	ws, err := workspace.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := RunDir(ws, ""); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound without runs, got %v", err)
	}

	runID, _, err := nextRunDir(ws)
	if err != nil {
		t.Fatal(err)
	}
	writeLatest(ws, runID)

	dir, err := RunDir(ws, "")
	if err != nil {
		t.Fatalf("RunDir latest failed: %v", err)
	}
	if filepath.Base(dir) != runID {
		t.Errorf("latest resolution wrong: %s", dir)
	}

	if _, err := RunDir(ws, "synth_9999"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound for unknown id, got %v", err)
	}
}

package synth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

const (
	// RunsDir is the workspace subtree holding synthesis runs.
	RunsDir = "synth_runs"

	latestMarker = "LATEST"
	runLogName   = "orfs_run.log"
)

var runDirPattern = regexp.MustCompile(`^synth_\d{4}$`)

// Config controls the supervisor's external flow invocation.
type Config struct {
	Image          string        // synthesis container image
	Platform       string        // PDK platform, e.g. sky130hd
	HardTimeout    time.Duration // kill the container after this long
	StuckThreshold time.Duration // running with no progress for this long = stuck
	Stages         []StageMarker // ordered stage boundaries
}

// DefaultConfig returns the stock flow configuration.
func DefaultConfig() Config {
	return Config{
		Image:          "openroad/orfs:latest",
		Platform:       "sky130hd",
		HardTimeout:    30 * time.Minute,
		StuckThreshold: 5 * time.Minute,
		Stages:         DefaultStages,
	}
}

// StartParams are the caller-supplied knobs for one run.
type StartParams struct {
	TopModule     string
	VerilogFiles  []string // workspace-relative
	ClockPeriodNS float64
	Utilization   int
	AspectRatio   float64
	CoreMargin    float64
	Override      string // "restart-stuck" replaces a stuck job
}

// OverrideRestartStuck names the only recognized override.
const OverrideRestartStuck = "restart-stuck"

// Supervisor owns every synthesis job in the process. At most one
// non-terminal job per session, enforced by a session-keyed slot.
type Supervisor struct {
	cfg    Config
	runner *run.Runner
	log    *logger.Logger

	mu    sync.Mutex
	jobs  map[string]*Job   // runID -> job
	slots map[string]string // sessionID -> active runID
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config, runner *run.Runner, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages
	}
	return &Supervisor{
		cfg:    cfg,
		runner: runner,
		log:    log,
		jobs:   make(map[string]*Job),
		slots:  make(map[string]string),
	}
}

// Start validates the session slot, prepares the run directory and launches
// the background worker. It returns the run id immediately.
func (s *Supervisor) Start(sessionID string, ws *workspace.Store, p StartParams) (string, error) {
	if p.TopModule == "" {
		return "", fmt.Errorf("top module is required")
	}
	if len(p.VerilogFiles) == 0 {
		return "", fmt.Errorf("at least one verilog file is required")
	}

	s.mu.Lock()
	if activeID, ok := s.slots[sessionID]; ok {
		active := s.jobs[activeID]
		st := active.snapshot(s.cfg.StuckThreshold)
		if !st.State.Terminal() {
			if p.Override == OverrideRestartStuck && st.State == StateStuck {
				s.mu.Unlock()
				s.log.Warn("restarting stuck job %s for session %s", activeID, sessionID)
				_ = s.Cancel(activeID)
				s.mu.Lock()
			} else {
				s.mu.Unlock()
				return "", fmt.Errorf("%w: run %s is %s", ErrJobConflict, activeID, st.State)
			}
		}
	}

	runID, runDir, err := nextRunDir(ws)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(runID, sessionID, s.cfg.Image)
	job.cancel = cancel
	s.jobs[runID] = job
	s.slots[sessionID] = runID
	s.mu.Unlock()

	go s.worker(ctx, job, ws, runDir, p)
	return runID, nil
}

// Status returns a snapshot of the job.
func (s *Supervisor) Status(runID string) (Status, error) {
	s.mu.Lock()
	job, ok := s.jobs[runID]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, runID)
	}
	return job.snapshot(s.cfg.StuckThreshold), nil
}

// Wait blocks up to upTo for the job to reach a terminal state, then
// returns the current state regardless.
func (s *Supervisor) Wait(ctx context.Context, runID string, upTo time.Duration) (Status, error) {
	s.mu.Lock()
	job, ok := s.jobs[runID]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, runID)
	}

	timer := time.NewTimer(upTo)
	defer timer.Stop()

	select {
	case <-job.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return job.snapshot(s.cfg.StuckThreshold), nil
}

// Cancel signals the job's cancellation token; the worker terminates the
// container process tree.
func (s *Supervisor) Cancel(runID string) error {
	s.mu.Lock()
	job, ok := s.jobs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, runID)
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// worker drives one synthesis run to completion.
func (s *Supervisor) worker(ctx context.Context, job *Job, ws *workspace.Store, runDir string, p StartParams) {
	defer s.releaseSlot(job)

	if err := prepareRun(ws, runDir, s.cfg.Platform, p); err != nil {
		s.log.Error("run %s preparation failed: %v", job.RunID, err)
		job.markProgress("", []string{"preparation failed: " + err.Error()})
		job.setState(StateFailed)
		return
	}

	logsDir := filepath.Join(runDir, "orfs_logs")
	logPath := filepath.Join(logsDir, runLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		job.setState(StateFailed)
		return
	}
	defer logFile.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchProgress(watchCtx, job, logPath)

	job.setState(StateRunning)
	job.markProgress("synth", nil)

	spec := run.Spec{
		Path: "docker",
		Args: []string{
			"run", "--rm",
			"-v", runDir + ":/workspace",
			"-v", filepath.Join(runDir, "orfs_results") + ":/OpenROAD-flow-scripts/flow/results",
			"-v", logsDir + ":/OpenROAD-flow-scripts/flow/logs",
			"-v", filepath.Join(runDir, "orfs_reports") + ":/OpenROAD-flow-scripts/flow/reports",
			"-w", "/OpenROAD-flow-scripts/flow",
			s.cfg.Image,
			"bash", "-c", "make -B DESIGN_CONFIG=/workspace/config.mk",
		},
		Dir:         runDir,
		HardTimeout: s.cfg.HardTimeout,
		StdoutSink:  logFile,
		StderrSink:  logFile,
	}

	res, err := s.runner.Run(ctx, spec)
	switch {
	case err != nil && ctx.Err() != nil:
		job.markProgress("", []string{"cancelled"})
		job.setState(StateCancelled)
	case err != nil:
		s.log.Error("run %s: %v", job.RunID, err)
		job.markProgress("", []string{err.Error()})
		job.setState(StateFailed)
	case res.ExitCode != 0:
		job.mu.Lock()
		job.exitCode = res.ExitCode
		job.mu.Unlock()
		job.markProgress("final", tailLines(res.Stderr, logTailLines))
		job.setState(StateFailed)
	default:
		job.markProgress("final", nil)
		job.setState(StateSucceeded)
	}

	writeLatest(ws, job.RunID)
}

func (s *Supervisor) releaseSlot(job *Job) {
	s.mu.Lock()
	if s.slots[job.SessionID] == job.RunID {
		delete(s.slots, job.SessionID)
	}
	s.mu.Unlock()
}

// watchProgress tracks new log output. fsnotify delivers prompt signals for
// log writes; a coarse ticker backstops platforms where the watch fails.
func (s *Supervisor) watchProgress(ctx context.Context, job *Job, logPath string) {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(logPath)); werr == nil {
			events = make(chan fsnotify.Event, 16)
			go func() {
				for ev := range watcher.Events {
					select {
					case events <- ev:
					default:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
		}

		newOffset, lines := readNewLines(logPath, offset)
		if newOffset == offset {
			continue
		}
		offset = newOffset
		stage := inferStage(s.cfg.Stages, lines)
		job.markProgress(stage, lines)
	}
}

// readNewLines returns lines appended to path since offset.
func readNewLines(path string, offset int64) (int64, []string) {
	f, err := os.Open(path)
	if err != nil {
		return offset, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset, nil
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return offset, nil
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return info.Size(), lines
}

// nextRunDir allocates synth_NNNN under the workspace runs directory.
func nextRunDir(ws *workspace.Store) (string, string, error) {
	root := filepath.Join(ws.Root(), RunsDir)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", "", err
	}

	maxID := 0
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		if e.IsDir() && runDirPattern.MatchString(e.Name()) {
			var n int
			fmt.Sscanf(e.Name(), "synth_%04d", &n)
			if n > maxID {
				maxID = n
			}
		}
	}

	runID := fmt.Sprintf("synth_%04d", maxID+1)
	runDir := filepath.Join(root, runID)
	for _, sub := range []string{"inputs", "orfs_logs", "orfs_reports", "orfs_results"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0755); err != nil {
			return "", "", err
		}
	}
	return runID, runDir, nil
}

// prepareRun copies inputs and writes config.mk plus constraints.sdc.
func prepareRun(ws *workspace.Store, runDir, platform string, p StartParams) error {
	inputsDir := filepath.Join(runDir, "inputs")
	var relFiles []string
	for _, rel := range p.VerilogFiles {
		data, err := ws.Read(rel)
		if err != nil {
			return err
		}
		name := filepath.Base(rel)
		if err := os.WriteFile(filepath.Join(inputsDir, name), data, 0644); err != nil {
			return err
		}
		relFiles = append(relFiles, "/workspace/inputs/"+name)
	}

	clock := p.ClockPeriodNS
	if clock <= 0 {
		clock = 10.0
	}
	sdc := fmt.Sprintf(
		"set _clk_ports [get_ports {clk}]\nif {[llength $_clk_ports] > 0} {\n  create_clock -period %g $_clk_ports\n}\n",
		clock,
	)
	if err := os.WriteFile(filepath.Join(runDir, "constraints.sdc"), []byte(sdc), 0644); err != nil {
		return err
	}

	util := p.Utilization
	if util <= 0 {
		util = 5
	}
	aspect := p.AspectRatio
	if aspect <= 0 {
		aspect = 1.0
	}
	margin := p.CoreMargin
	if margin <= 0 {
		margin = 2.0
	}

	config := fmt.Sprintf(
		"export DESIGN_NAME = %s\nexport PLATFORM = %s\nexport VERILOG_FILES = %s\nexport SDC_FILE = /workspace/constraints.sdc\nexport CORE_UTILIZATION = %d\nexport CORE_ASPECT_RATIO = %g\nexport CORE_MARGIN = %g\n",
		p.TopModule, platform, strings.Join(relFiles, " "), util, aspect, margin,
	)
	return os.WriteFile(filepath.Join(runDir, "config.mk"), []byte(config), 0644)
}

func writeLatest(ws *workspace.Store, runID string) {
	path := filepath.Join(ws.Root(), RunsDir, latestMarker)
	_ = os.WriteFile(path, []byte(runID), 0644)
}

// RunDir resolves a run id (or the latest run when empty) to its directory.
func RunDir(ws *workspace.Store, runID string) (string, error) {
	root := filepath.Join(ws.Root(), RunsDir)
	if runID == "" {
		data, err := os.ReadFile(filepath.Join(root, latestMarker))
		if err != nil {
			return "", fmt.Errorf("%w: no synthesis run found", ErrJobNotFound)
		}
		runID = strings.TrimSpace(string(data))
	}
	dir := filepath.Join(root, runID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, runID)
	}
	return dir, nil
}

func tailLines(text string, n int) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

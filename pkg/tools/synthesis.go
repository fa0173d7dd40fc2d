package tools

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siliconcrew/rtlagent/pkg/synth"
)

func registerSynthesisTools(r *Registry) {
	r.Register(&Definition{
		Name:        "start_synthesis",
		Description: "Start an asynchronous synthesis run with the OpenROAD flow. Returns a run id immediately; poll with get_synthesis_job.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "top_module", Type: "string", Description: "Module to synthesize", Required: true},
			{Name: "verilog_files", Type: "array", Description: "Workspace-relative design files", Required: true},
			{Name: "clock_period_ns", Type: "number", Description: "Target clock period in nanoseconds", Default: 10.0},
			{Name: "utilization", Type: "integer", Description: "Core utilization percentage (1-100)", Default: 5},
			{Name: "aspect_ratio", Type: "number", Description: "Core aspect ratio (height/width)", Default: 1.0},
			{Name: "core_margin", Type: "number", Description: "Margin around the core in microns", Default: 2.0},
			{Name: "override", Type: "string", Description: "Pass 'restart-stuck' to replace a stuck job", Enum: []string{"", synth.OverrideRestartStuck}},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			runID, err := env.Supervisor.Start(env.SessionID, env.Workspace, synth.StartParams{
				TopModule:     StringArg(args, "top_module"),
				VerilogFiles:  StringSliceArg(args, "verilog_files"),
				ClockPeriodNS: FloatArg(args, "clock_period_ns"),
				Utilization:   IntArg(args, "utilization"),
				AspectRatio:   FloatArg(args, "aspect_ratio"),
				CoreMargin:    FloatArg(args, "core_margin"),
				Override:      StringArg(args, "override"),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Synthesis started. run_id: %s\nPoll with get_synthesis_job or block with wait_for_synthesis.", runID), nil
		},
	})

	r.Register(&Definition{
		Name:        "get_synthesis_job",
		Description: "Poll a synthesis run: state, current stage, progress age and log tail.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "run_id", Type: "string", Description: "Run id from start_synthesis", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			st, err := env.Supervisor.Status(StringArg(args, "run_id"))
			if err != nil {
				return "", err
			}
			return formatJobStatus(st), nil
		},
	})

	r.Register(&Definition{
		Name:        "wait_for_synthesis",
		Description: "Block up to max_wait_sec for a synthesis run to finish, then report its state.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "run_id", Type: "string", Description: "Run id from start_synthesis", Required: true},
			{Name: "max_wait_sec", Type: "integer", Description: "Maximum seconds to wait", Default: 60},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			upTo := time.Duration(IntArg(args, "max_wait_sec")) * time.Second
			st, err := env.Supervisor.Wait(ctx, StringArg(args, "run_id"), upTo)
			if err != nil {
				return "", err
			}
			return formatJobStatus(st), nil
		},
	})

	r.Register(&Definition{
		Name:        "get_synthesis_metrics",
		Description: "Extract PPA metrics (WNS, TNS, area, power, cell count) from a completed synthesis run.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "run_id", Type: "string", Description: "Run id; empty uses the latest run"},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			ppa, err := env.Supervisor.Metrics(env.Workspace, StringArg(args, "run_id"))
			if err != nil {
				return "", err
			}
			out, err := yaml.Marshal(ppa)
			if err != nil {
				return "", err
			}
			text := string(out)
			if missing := ppa.Missing(); len(missing) > 0 {
				text += fmt.Sprintf("missing: %v\n", missing)
			}
			return text, nil
		},
	})

	r.Register(&Definition{
		Name:        "search_logs_tool",
		Description: "Search synthesis logs and reports for a substring; useful for errors, warnings or metrics.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "query", Type: "string", Description: "Substring to search for", Required: true},
			{Name: "run_id", Type: "string", Description: "Run id; empty uses the latest run"},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			matches, err := env.Supervisor.SearchLogs(env.Workspace, StringArg(args, "run_id"), StringArg(args, "query"))
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches found.", nil
			}
			var sb []byte
			for _, m := range matches {
				sb = append(sb, fmt.Sprintf("%s:%d: %s\n", m.File, m.Line, m.Text)...)
			}
			return string(sb), nil
		},
	})
}

func formatJobStatus(st synth.Status) string {
	out := fmt.Sprintf("run_id: %s\nstate: %s\nstage: %s\nlast_progress_age: %s\n",
		st.RunID, st.State, st.Stage, st.LastProgressAge.Round(time.Second))
	if st.State == synth.StateFailed {
		out += fmt.Sprintf("exit_code: %d\n", st.ExitCode)
	}
	if len(st.LogTail) > 0 {
		out += "log_tail:\n"
		for _, line := range st.LogTail {
			out += "  " + line + "\n"
		}
	}
	return out
}

// runDirOf resolves a run directory for tools that read run artifacts.
func runDirOf(env *Env, runID string) (string, error) {
	return synth.RunDir(env.Workspace, runID)
}

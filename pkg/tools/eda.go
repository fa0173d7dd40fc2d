package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/siliconcrew/rtlagent/pkg/run"
)

const (
	lintTimeout = 30 * time.Second
	simTimeout  = 60 * time.Second

	// simPassMarker is the string a passing testbench must print.
	simPassMarker = "TEST PASSED"
)

func registerEDATools(r *Registry) {
	r.Register(&Definition{
		Name:        "linter_tool",
		Description: "Check the syntax of Verilog files with iverilog (null target, SystemVerilog 2012).",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "file_path", Type: "string", Description: "Workspace-relative Verilog file", Required: true},
		},
		Handler: lintHandler,
	})

	r.Register(&Definition{
		Name:        "simulation_tool",
		Description: "Compile design and testbench with iverilog and run the simulation with vvp. The testbench must print 'TEST PASSED' on success.",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "verilog_files", Type: "array", Description: "Workspace-relative files to compile (design + testbench)", Required: true},
			{Name: "top_module", Type: "string", Description: "Top-level testbench module", Default: "tb"},
			{Name: "mode", Type: "string", Description: "Simulation mode", Enum: []string{"rtl", "post_synth"}, Default: "rtl"},
			{Name: "run_id", Type: "string", Description: "Synthesis run whose netlist to simulate (post_synth mode)"},
		},
		Handler: simulationHandler,
	})

	r.Register(&Definition{
		Name:        "cocotb_tool",
		Description: "Run a Python cocotb testbench against a Verilog module.",
		Category:    CategoryVerification,
		Params: []Param{
			{Name: "verilog_files", Type: "array", Description: "Workspace-relative design files", Required: true},
			{Name: "toplevel", Type: "string", Description: "Top-level Verilog module under test", Required: true},
			{Name: "test_module", Type: "string", Description: "Python test module name (without .py)", Required: true},
		},
		Handler: cocotbHandler,
	})

	r.Register(&Definition{
		Name:        "sby_tool",
		Description: "Run SymbiYosys formal verification on a .sby file.",
		Category:    CategoryVerification,
		Params: []Param{
			{Name: "sby_file", Type: "string", Description: "Workspace-relative .sby file", Required: true},
		},
		Handler: sbyHandler,
	})

	r.Register(&Definition{
		Name:        "schematic_tool",
		Description: "Generate an SVG schematic of a Verilog module using yosys and netlistsvg.",
		Category:    CategorySynthesis,
		Params: []Param{
			{Name: "verilog_file", Type: "string", Description: "Workspace-relative Verilog file", Required: true},
			{Name: "top_module", Type: "string", Description: "Module to render", Required: true},
		},
		Handler: schematicHandler,
	})
}

func lintHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	rel := StringArg(args, "file_path")
	p, err := env.Workspace.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := env.Workspace.Read(rel); err != nil {
		return "", err
	}

	res, err := env.Runner.Run(ctx, run.Spec{
		Path:        "iverilog",
		Args:        []string{"-t", "null", "-g2012", p.Abs()},
		Dir:         env.Workspace.Root(),
		HardTimeout: lintTimeout,
	})
	if err != nil {
		return "", err
	}

	if res.ExitCode == 0 {
		return "Syntax OK.", nil
	}
	return fmt.Sprintf("Syntax errors found:\n%s", strings.TrimSpace(res.Stderr)), nil
}

func simulationHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	files := StringSliceArg(args, "verilog_files")
	top := StringArg(args, "top_module")
	mode := StringArg(args, "mode")

	var compileFiles []string
	for _, rel := range files {
		p, err := env.Workspace.Resolve(rel)
		if err != nil {
			return "", err
		}
		if _, err := env.Workspace.Read(rel); err != nil {
			return "", err
		}
		compileFiles = append(compileFiles, p.Abs())
	}

	if mode == "post_synth" {
		netlist, err := postSynthNetlist(env, StringArg(args, "run_id"))
		if err != nil {
			return "", err
		}
		compileFiles = append(compileFiles, netlist)
	}

	outExe := filepath.Join(env.Workspace.Root(), "sim.out")
	compileArgs := append([]string{"-g2012", "-s", top, "-o", outExe}, compileFiles...)
	compileRes, err := env.Runner.Run(ctx, run.Spec{
		Path:        "iverilog",
		Args:        compileArgs,
		Dir:         env.Workspace.Root(),
		HardTimeout: simTimeout,
	})
	if err != nil {
		return "", err
	}
	if compileRes.ExitCode != 0 {
		return fmt.Sprintf("Simulation FAILED (compile).\n%s", tailText(compileRes.Stderr, 40)), nil
	}

	simRes, err := env.Runner.Run(ctx, run.Spec{
		Path:        "vvp",
		Args:        []string{outExe},
		Dir:         env.Workspace.Root(),
		HardTimeout: simTimeout,
	})
	if err != nil {
		return "", err
	}
	_ = env.Workspace.Delete("sim.out")

	output := simRes.Stdout
	switch {
	case simRes.ExitCode != 0:
		return fmt.Sprintf("Simulation FAILED (runtime).\n%s\n%s",
			tailText(output, 40), tailText(simRes.Stderr, 20)), nil
	case strings.Contains(output, simPassMarker):
		return fmt.Sprintf("Simulation PASSED.\n%s", tailText(output, 20)), nil
	default:
		return fmt.Sprintf("Simulation FAILED (no %q marker).\n%s", simPassMarker, tailText(output, 40)), nil
	}
}

// postSynthNetlist locates the synthesized netlist of a run for gate-level
// simulation.
func postSynthNetlist(env *Env, runID string) (string, error) {
	runDir, err := runDirOf(env, runID)
	if err != nil {
		return "", err
	}

	var best string
	var bestScore int
	candidates, _ := filepath.Glob(filepath.Join(runDir, "orfs_results", "*", "*", "*", "*.v"))
	more, _ := filepath.Glob(filepath.Join(runDir, "orfs_results", "*.v"))
	candidates = append(candidates, more...)
	for _, c := range candidates {
		score := 1
		lower := strings.ToLower(filepath.Base(c))
		if strings.Contains(lower, "final") {
			score += 4
		}
		if strings.Contains(lower, "yosys") {
			score += 3
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == "" {
		return "", fmt.Errorf("no synthesized netlist found in run %s", runID)
	}
	return best, nil
}

func cocotbHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	files := StringSliceArg(args, "verilog_files")
	top := StringArg(args, "toplevel")
	testModule := StringArg(args, "test_module")

	var absFiles []string
	for _, rel := range files {
		p, err := env.Workspace.Resolve(rel)
		if err != nil {
			return "", err
		}
		absFiles = append(absFiles, p.Abs())
	}

	res, err := env.Runner.Run(ctx, run.Spec{
		Path: "python3",
		Args: []string{"-m", "pytest", "-x", "--tb=short"},
		Dir:  env.Workspace.Root(),
		Env: map[string]string{
			"TOPLEVEL":      top,
			"MODULE":        testModule,
			"VERILOG_FILES": strings.Join(absFiles, " "),
			"SIM":           "icarus",
		},
		HardTimeout: 2 * simTimeout,
	})
	if err != nil {
		return "", err
	}

	if res.ExitCode == 0 {
		return fmt.Sprintf("Cocotb tests PASSED.\n%s", tailText(res.Stdout, 20)), nil
	}
	return fmt.Sprintf("Cocotb tests FAILED.\n%s\n%s",
		tailText(res.Stdout, 40), tailText(res.Stderr, 20)), nil
}

func sbyHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	rel := StringArg(args, "sby_file")
	p, err := env.Workspace.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := env.Workspace.Read(rel); err != nil {
		return "", err
	}

	res, err := env.Runner.Run(ctx, run.Spec{
		Path:        "sby",
		Args:        []string{"-f", p.Abs()},
		Dir:         env.Workspace.Root(),
		HardTimeout: 5 * time.Minute,
	})
	if err != nil {
		return "", err
	}

	output := res.Stdout + res.Stderr
	switch {
	case res.ExitCode == 0:
		return fmt.Sprintf("Formal check PASSED.\n%s", tailText(output, 20)), nil
	case strings.Contains(output, "FAIL"):
		trace := ""
		base := strings.TrimSuffix(rel, filepath.Ext(rel))
		if traces, _ := filepath.Glob(filepath.Join(env.Workspace.Root(), base+"*", "engine_*", "trace*.vcd")); len(traces) > 0 {
			if relTrace, err := filepath.Rel(env.Workspace.Root(), traces[0]); err == nil {
				trace = "\nCounterexample trace: " + relTrace
			}
		}
		return fmt.Sprintf("Formal check FAILED.%s\n%s", trace, tailText(output, 40)), nil
	default:
		return fmt.Sprintf("Formal check ERROR.\n%s", tailText(output, 40)), nil
	}
}

func schematicHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	rel := StringArg(args, "verilog_file")
	top := StringArg(args, "top_module")
	p, err := env.Workspace.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := env.Workspace.Read(rel); err != nil {
		return "", err
	}

	jsonName := top + "_netlist.json"
	jsonPath := filepath.Join(env.Workspace.Root(), jsonName)
	script := fmt.Sprintf("read_verilog %s; prep -top %s; write_json %s", p.Abs(), top, jsonPath)
	yosysRes, err := env.Runner.Run(ctx, run.Spec{
		Path:        "yosys",
		Args:        []string{"-q", "-p", script},
		Dir:         env.Workspace.Root(),
		HardTimeout: lintTimeout,
	})
	if err != nil {
		return "", err
	}
	if yosysRes.ExitCode != 0 {
		return fmt.Sprintf("Schematic generation failed (yosys):\n%s", tailText(yosysRes.Stderr, 20)), nil
	}

	svgName := top + "_schematic.svg"
	svgRes, err := env.Runner.Run(ctx, run.Spec{
		Path:        "netlistsvg",
		Args:        []string{jsonName, "-o", svgName},
		Dir:         env.Workspace.Root(),
		HardTimeout: lintTimeout,
	})
	if err != nil {
		return "", err
	}
	_ = env.Workspace.Delete(jsonName)
	if svgRes.ExitCode != 0 {
		return fmt.Sprintf("Schematic generation failed (netlistsvg):\n%s", tailText(svgRes.Stderr, 20)), nil
	}
	return fmt.Sprintf("Schematic generated: %s", svgName), nil
}

func tailText(text string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

package tools

import (
	"context"
	"strings"
	"testing"
)

func TestWriteSpecAndReadBack(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "s1", "write_spec", map[string]any{
		"module_name":     "counter",
		"description":     "4-bit synchronous counter",
		"clock_period_ns": float64(10),
		"ports": []any{
			map[string]any{"name": "clk", "direction": "input"},
			map[string]any{"name": "rst", "direction": "input"},
			map[string]any{"name": "count", "direction": "output", "width": float64(4)},
		},
	})
	if res.IsError() {
		t.Fatalf("write_spec failed: %s", res.Payload)
	}
	if !strings.Contains(res.Payload, "counter_spec.yaml") {
		t.Errorf("unexpected payload: %q", res.Payload)
	}

	read := exec.Execute(context.Background(), env, "s2", "read_spec", nil)
	if read.IsError() {
		t.Fatalf("read_spec failed: %s", read.Payload)
	}
	for _, want := range []string{"counter:", "4-bit synchronous counter", "clock_period: 10ns", "clk"} {
		if !strings.Contains(read.Payload, want) {
			t.Errorf("spec yaml missing %q:\n%s", want, read.Payload)
		}
	}
}

func TestReadSpecWithoutSpec(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "s3", "read_spec", nil)
	if !res.IsError() {
		t.Error("expected error when no spec exists")
	}
}

func TestParseDesignSpecRoundTrip(t *testing.T) {
	spec := &DesignSpec{
		ModuleName:  "fifo",
		Description: "async fifo",
		TechNode:    "SkyWater 130HD",
		ClockPeriod: "8.5ns",
		Ports: []PortSpec{
			{Name: "clk", Direction: "input", Type: "logic"},
			{Name: "data", Direction: "output", Type: "logic", Width: 8},
		},
	}

	data, err := spec.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML failed: %v", err)
	}

	parsed, err := ParseDesignSpec(data)
	if err != nil {
		t.Fatalf("ParseDesignSpec failed: %v", err)
	}
	if parsed.ModuleName != "fifo" {
		t.Errorf("module name lost: %q", parsed.ModuleName)
	}
	if parsed.ClockPeriodNS() != 8.5 {
		t.Errorf("clock period parse: got %g", parsed.ClockPeriodNS())
	}
	if parsed.ClockPort() != "clk" {
		t.Errorf("clock port: got %q", parsed.ClockPort())
	}
}

func TestGenerateSDC(t *testing.T) {
	spec := &DesignSpec{
		ModuleName:  "counter",
		ClockPeriod: "10ns",
		Ports:       []PortSpec{{Name: "clk", Direction: "input"}},
	}
	sdc := spec.GenerateSDC()
	if !strings.Contains(sdc, "create_clock -period 10") {
		t.Errorf("sdc missing create_clock: %q", sdc)
	}
	if !strings.Contains(sdc, "get_ports {clk}") {
		t.Errorf("sdc missing clock port: %q", sdc)
	}

	// No clock port in the spec: guarded default clk.
	noClk := &DesignSpec{ModuleName: "comb", Ports: []PortSpec{{Name: "a", Direction: "input"}}}
	if sdc := noClk.GenerateSDC(); !strings.Contains(sdc, "{clk}") {
		t.Errorf("fallback clock missing: %q", sdc)
	}
}

func TestLoadYAMLSpecFile(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	imported := "adder:\n  description: two-input adder\n  tech_node: SkyWater 130HD\n  clock_period: 5ns\n  ports:\n    - name: clk\n      direction: input\n"
	if _, err := env.Workspace.Write("import.yaml", []byte(imported), 0); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	res := exec.Execute(context.Background(), env, "s4", "load_yaml_spec_file",
		map[string]any{"file_path": "import.yaml"})
	if res.IsError() {
		t.Fatalf("load_yaml_spec_file failed: %s", res.Payload)
	}
	if _, err := env.Workspace.Read("adder_spec.yaml"); err != nil {
		t.Errorf("normalized spec not written: %v", err)
	}
}

func TestSaveMetricsMerges(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	r1 := exec.Execute(context.Background(), env, "m1", "save_metrics_tool",
		map[string]any{"metrics": map[string]any{"wns": -0.2}})
	if r1.IsError() {
		t.Fatalf("save_metrics failed: %s", r1.Payload)
	}
	r2 := exec.Execute(context.Background(), env, "m2", "save_metrics_tool",
		map[string]any{"metrics": map[string]any{"area": 120.5}})
	if r2.IsError() {
		t.Fatalf("save_metrics failed: %s", r2.Payload)
	}

	data, err := env.Workspace.Read("metrics.json")
	if err != nil {
		t.Fatalf("metrics file missing: %v", err)
	}
	for _, want := range []string{"wns", "area"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics not merged, missing %q: %s", want, data)
		}
	}
}

func TestGenerateReport(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	exec.Execute(context.Background(), env, "r0", "write_spec", map[string]any{
		"module_name": "counter",
		"description": "4-bit counter",
	})
	exec.Execute(context.Background(), env, "r1", "write_file",
		map[string]any{"path": "counter.v", "content": "module counter; endmodule"})
	exec.Execute(context.Background(), env, "r2", "save_metrics_tool",
		map[string]any{"metrics": map[string]any{"sim_cycles": 1000}})

	res := exec.Execute(context.Background(), env, "r3", "generate_report_tool", nil)
	if res.IsError() {
		t.Fatalf("generate_report failed: %s", res.Payload)
	}

	data, err := env.Workspace.Read("counter_report.md")
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	report := string(data)
	for _, want := range []string{"# Design Report: counter", "## Specification", "## Artifacts", "sim_cycles"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

const metricsFileName = "metrics.json"

func registerReportTools(r *Registry) {
	r.Register(&Definition{
		Name:        "save_metrics_tool",
		Description: "Record manually observed metrics as key-value pairs; merged into the workspace metrics file and included in reports.",
		Category:    CategoryReporting,
		Params: []Param{
			{Name: "metrics", Type: "object", Description: "Metric name -> value map", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			incoming, _ := args["metrics"].(map[string]any)
			if len(incoming) == 0 {
				return "", fmt.Errorf("metrics map is empty")
			}

			merged := make(map[string]any)
			if data, err := env.Workspace.Read(metricsFileName); err == nil {
				_ = json.Unmarshal(data, &merged)
			}
			for k, v := range incoming {
				merged[k] = v
			}

			out, err := json.MarshalIndent(merged, "", "  ")
			if err != nil {
				return "", err
			}
			if _, err := env.Workspace.Write(metricsFileName, out, workspace.CreateOrReplace); err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved %d metrics (%d total).", len(incoming), len(merged)), nil
		},
	})

	r.Register(&Definition{
		Name:        "generate_report_tool",
		Description: "Generate a Markdown design report from the spec, workspace artifacts, saved metrics and the latest synthesis results.",
		Category:    CategoryReporting,
		Handler:     generateReportHandler,
	})
}

func generateReportHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	var sb strings.Builder

	moduleName := "design"
	var spec *DesignSpec
	if rel := env.Workspace.Latest("_spec.yaml"); rel != "" {
		if data, err := env.Workspace.Read(rel); err == nil {
			if parsed, err := ParseDesignSpec(data); err == nil {
				spec = parsed
				moduleName = spec.ModuleName
			}
		}
	}

	sb.WriteString(fmt.Sprintf("# Design Report: %s\n\n", moduleName))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", time.Now().Format(time.RFC1123)))

	if spec != nil {
		sb.WriteString("## Specification\n\n")
		sb.WriteString(fmt.Sprintf("- **Description**: %s\n", spec.Description))
		sb.WriteString(fmt.Sprintf("- **Technology**: %s\n", spec.TechNode))
		sb.WriteString(fmt.Sprintf("- **Clock period**: %s\n", spec.ClockPeriod))
		if len(spec.Ports) > 0 {
			sb.WriteString("\n| Port | Direction | Type | Width |\n|---|---|---|---|\n")
			for _, p := range spec.Ports {
				width := ""
				if p.Width != nil {
					width = fmt.Sprintf("%v", p.Width)
				}
				sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n", p.Name, p.Direction, p.Type, width))
			}
		}
		sb.WriteString("\n")
	}

	entries, err := env.Workspace.List("")
	if err == nil && len(entries) > 0 {
		sb.WriteString("## Artifacts\n\n")
		byType := make(map[workspace.FileType][]string)
		for _, e := range entries {
			byType[e.Type] = append(byType[e.Type], e.Rel)
		}
		var types []string
		for t := range byType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			files := byType[workspace.FileType(t)]
			if len(files) > 8 {
				files = files[:8]
			}
			sb.WriteString(fmt.Sprintf("- **%s**: %s\n", t, strings.Join(files, ", ")))
		}
		sb.WriteString("\n")
	}

	if data, err := env.Workspace.Read(metricsFileName); err == nil {
		var saved map[string]any
		if json.Unmarshal(data, &saved) == nil && len(saved) > 0 {
			sb.WriteString("## Recorded Metrics\n\n| Metric | Value |\n|---|---|\n")
			var keys []string
			for k := range saved {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sb.WriteString(fmt.Sprintf("| %s | %v |\n", k, saved[k]))
			}
			sb.WriteString("\n")
		}
	}

	if env.Supervisor != nil {
		if ppa, err := env.Supervisor.Metrics(env.Workspace, ""); err == nil {
			sb.WriteString("## Synthesis Results (latest run)\n\n| Metric | Value |\n|---|---|\n")
			writeMetricRow(&sb, "WNS (ns)", ppa.WNSNS)
			writeMetricRow(&sb, "TNS (ns)", ppa.TNSNS)
			writeMetricRow(&sb, "Area (um^2)", ppa.AreaUM2)
			writeMetricRow(&sb, "Power (uW)", ppa.PowerUW)
			if ppa.CellCount != nil {
				sb.WriteString(fmt.Sprintf("| Cells | %d |\n", *ppa.CellCount))
			} else {
				sb.WriteString("| Cells | n/a |\n")
			}
			sb.WriteString("\n")
		}
	}

	name := moduleName + "_report.md"
	if _, err := env.Workspace.Write(name, []byte(sb.String()), workspace.CreateOrReplace); err != nil {
		return "", err
	}
	return fmt.Sprintf("Report written to %s", name), nil
}

func writeMetricRow(sb *strings.Builder, label string, val *float64) {
	if val != nil {
		fmt.Fprintf(sb, "| %s | %.4g |\n", label, *val)
	} else {
		fmt.Fprintf(sb, "| %s | n/a |\n", label)
	}
}

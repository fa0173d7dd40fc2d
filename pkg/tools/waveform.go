package tools

import (
	"bytes"
	"context"

	"github.com/siliconcrew/rtlagent/pkg/vcd"
)

func registerWaveformTool(r *Registry) {
	r.Register(&Definition{
		Name:        "waveform_tool",
		Description: "Inspect signal transitions in a VCD waveform within a time window. Use after a failing simulation to see why.",
		Category:    CategoryVerification,
		Params: []Param{
			{Name: "vcd_file", Type: "string", Description: "Workspace-relative .vcd file, e.g. 'dump.vcd'", Required: true},
			{Name: "signals", Type: "array", Description: "Signal names to inspect, e.g. ['clk', 'rst', 'count']", Required: true},
			{Name: "start_time", Type: "integer", Description: "Window start time", Default: 0},
			{Name: "end_time", Type: "integer", Description: "Window end time", Default: 1000},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			data, err := env.Workspace.Read(StringArg(args, "vcd_file"))
			if err != nil {
				return "", err
			}

			res, err := vcd.Read(
				bytes.NewReader(data),
				StringSliceArg(args, "signals"),
				int64(IntArg(args, "start_time")),
				int64(IntArg(args, "end_time")),
			)
			if err != nil {
				return "", err
			}
			return vcd.Format(res), nil
		},
	})
}

package tools

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

func registerFileTools(r *Registry) {
	r.Register(&Definition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the session workspace.",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "path", Type: "string", Description: "Workspace-relative path, e.g. 'counter.v'", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			rel := StringArg(args, "path")
			content := StringArg(args, "content")
			if _, err := env.Workspace.Write(rel, []byte(content), workspace.CreateOrReplace); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
		},
	})

	r.Register(&Definition{
		Name:        "read_file",
		Description: "Return the content of a workspace file.",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "path", Type: "string", Description: "Workspace-relative path", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			data, err := env.Workspace.Read(StringArg(args, "path"))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	r.Register(&Definition{
		Name:        "list_files_tool",
		Description: "List workspace files with their semantic types.",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "subdir", Type: "string", Description: "Optional subdirectory to list"},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			entries, err := env.Workspace.List(StringArg(args, "subdir"))
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Workspace is empty.", nil
			}

			type row struct {
				Path string `yaml:"path"`
				Type string `yaml:"type"`
				Size int64  `yaml:"size"`
			}
			rows := make([]row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, row{Path: e.Rel, Type: string(e.Type), Size: e.Size})
			}
			out, err := yaml.Marshal(rows)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})

	r.Register(&Definition{
		Name:        "edit_file_tool",
		Description: "Apply ordered text substitutions to a workspace file. Each edit replaces the first occurrence of its anchor text.",
		Category:    CategoryEditing,
		Params: []Param{
			{Name: "path", Type: "string", Description: "Workspace-relative path", Required: true},
			{Name: "edits", Type: "array", Items: "object", Description: "Edits: {oldText, newText} applied in order", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			rel := StringArg(args, "path")
			var edits []workspace.Edit
			for _, raw := range StringSliceArgObjects(args, "edits") {
				edits = append(edits, workspace.Edit{
					OldText: asString(raw["oldText"]),
					NewText: asString(raw["newText"]),
				})
			}
			diff, err := env.Workspace.ApplyEdits(rel, edits)
			if err != nil {
				return "", err
			}
			if diff == "" {
				return "No edits supplied; file unchanged.", nil
			}
			return fmt.Sprintf("Edited %s\n\n%s", rel, diff), nil
		},
	})
}

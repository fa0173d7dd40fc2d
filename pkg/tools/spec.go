package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

// PortSpec describes one module port in a design spec.
type PortSpec struct {
	Name        string `yaml:"name" json:"name"`
	Direction   string `yaml:"direction" json:"direction"` // input | output
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Width       any    `yaml:"width,omitempty" json:"width,omitempty"` // int or parameterized expression
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// DesignSpec is the YAML design specification stored as
// <module>_spec.yaml in the workspace.
type DesignSpec struct {
	ModuleName            string         `yaml:"-"`
	Description           string         `yaml:"description"`
	TechNode              string         `yaml:"tech_node"`
	ClockPeriod           string         `yaml:"clock_period"`
	Ports                 []PortSpec     `yaml:"ports"`
	Parameters            map[string]any `yaml:"parameters,omitempty"`
	BehavioralDescription string         `yaml:"behavioral_description,omitempty"`
	CreatedAt             string         `yaml:"created_at"`
}

// ToYAML renders the spec with the module name as the top-level key.
func (s *DesignSpec) ToYAML() ([]byte, error) {
	return yaml.Marshal(map[string]*DesignSpec{s.ModuleName: s})
}

// ParseDesignSpec decodes a spec document, recovering the module name from
// the top-level key.
func ParseDesignSpec(data []byte) (*DesignSpec, error) {
	var doc map[string]*DesignSpec
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid spec yaml: %w", err)
	}
	for name, spec := range doc {
		if spec == nil {
			continue
		}
		spec.ModuleName = name
		return spec, nil
	}
	return nil, fmt.Errorf("spec yaml has no module entry")
}

// ClockPeriodNS parses the "<n>ns" clock period field; 0 when absent.
func (s *DesignSpec) ClockPeriodNS() float64 {
	var ns float64
	trimmed := strings.TrimSuffix(strings.TrimSpace(s.ClockPeriod), "ns")
	fmt.Sscanf(trimmed, "%g", &ns)
	return ns
}

// ClockPort returns the recognized clock input, or "" when the spec has
// none. clk, clock and clk_i are accepted.
func (s *DesignSpec) ClockPort() string {
	for _, p := range s.Ports {
		if p.Direction != "input" {
			continue
		}
		switch strings.ToLower(p.Name) {
		case "clk", "clock", "clk_i":
			return p.Name
		}
	}
	return ""
}

// GenerateSDC emits constraints for the spec's clock. The clock creation is
// guarded so a missing port does not hard-fail synthesis scripts.
func (s *DesignSpec) GenerateSDC() string {
	port := s.ClockPort()
	if port == "" {
		port = "clk"
	}
	period := s.ClockPeriodNS()
	if period <= 0 {
		period = 10.0
	}
	return fmt.Sprintf(
		"set _clk_ports [get_ports {%s}]\nif {[llength $_clk_ports] > 0} {\n  create_clock -period %g $_clk_ports\n}\n",
		port, period,
	)
}

func specFileName(module string) string {
	return module + "_spec.yaml"
}

func registerSpecTools(r *Registry) {
	r.Register(&Definition{
		Name:        "write_spec",
		Description: "Create a YAML design specification file for an RTL module.",
		Category:    CategoryEssential,
		Params: []Param{
			{Name: "module_name", Type: "string", Description: "Verilog module name", Required: true},
			{Name: "description", Type: "string", Description: "What the module does", Required: true},
			{Name: "ports", Type: "array", Items: "object", Description: "Ports: {name, direction, type, width, description}"},
			{Name: "parameters", Type: "object", Description: "Module parameters as name -> default value"},
			{Name: "clock_period_ns", Type: "number", Description: "Target clock period in nanoseconds", Default: 10.0},
			{Name: "tech_node", Type: "string", Description: "Target technology node", Default: "SkyWater 130HD"},
			{Name: "behavioral_description", Type: "string", Description: "Detailed behavioral notes"},
		},
		Handler: writeSpecHandler,
	})

	r.Register(&Definition{
		Name:        "read_spec",
		Description: "Return the content of the latest design specification in the workspace.",
		Category:    CategoryEssential,
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			rel := env.Workspace.Latest("_spec.yaml")
			if rel == "" {
				return "", fmt.Errorf("no spec file found; create one with write_spec")
			}
			data, err := env.Workspace.Read(rel)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	r.Register(&Definition{
		Name:        "load_yaml_spec_file",
		Description: "Import an existing YAML spec file from the workspace and validate it.",
		Category:    CategoryEditing,
		Params: []Param{
			{Name: "file_path", Type: "string", Description: "Workspace-relative path of the YAML file", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			rel := StringArg(args, "file_path")
			data, err := env.Workspace.Read(rel)
			if err != nil {
				return "", err
			}
			spec, err := ParseDesignSpec(data)
			if err != nil {
				return "", err
			}

			out, err := spec.ToYAML()
			if err != nil {
				return "", err
			}
			name := specFileName(spec.ModuleName)
			if _, err := env.Workspace.Write(name, out, workspace.CreateOrReplace); err != nil {
				return "", err
			}
			return fmt.Sprintf("Loaded spec for module %q into %s", spec.ModuleName, name), nil
		},
	})
}

func writeSpecHandler(ctx context.Context, env *Env, args map[string]any) (string, error) {
	module := StringArg(args, "module_name")

	spec := &DesignSpec{
		ModuleName:            module,
		Description:           StringArg(args, "description"),
		TechNode:              StringArg(args, "tech_node"),
		ClockPeriod:           fmt.Sprintf("%gns", FloatArg(args, "clock_period_ns")),
		BehavioralDescription: StringArg(args, "behavioral_description"),
		CreatedAt:             time.Now().Format(time.RFC3339),
	}
	if params, ok := args["parameters"].(map[string]any); ok {
		spec.Parameters = params
	}

	for _, raw := range StringSliceArgObjects(args, "ports") {
		port := PortSpec{
			Name:        asString(raw["name"]),
			Direction:   asString(raw["direction"]),
			Type:        asString(raw["type"]),
			Description: asString(raw["description"]),
		}
		if w, ok := raw["width"]; ok {
			port.Width = w
		}
		if port.Type == "" {
			port.Type = "logic"
		}
		if port.Name != "" {
			spec.Ports = append(spec.Ports, port)
		}
	}

	out, err := spec.ToYAML()
	if err != nil {
		return "", err
	}
	name := specFileName(module)
	if _, err := env.Workspace.Write(name, out, workspace.CreateOrReplace); err != nil {
		return "", err
	}
	return fmt.Sprintf("Specification written to %s", name), nil
}

// StringSliceArgObjects extracts an array-of-objects argument.
func StringSliceArgObjects(args map[string]any, name string) []map[string]any {
	raw, _ := args[name].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

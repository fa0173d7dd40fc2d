package tools

// Filter modes.
const (
	FilterAll       = "all"
	FilterEssential = "essential"
	FilterCustom    = "custom"
)

// essentialTools is the fixed allow-list exposed in essential mode: the
// minimum spec -> RTL -> lint -> simulate workflow.
var essentialTools = map[string]bool{
	"write_spec":      true,
	"read_spec":       true,
	"write_file":      true,
	"read_file":       true,
	"list_files_tool": true,
	"linter_tool":     true,
	"simulation_tool": true,
}

// Filter selects which tools a transport or session exposes. Session
// management tools are always visible regardless of mode.
type Filter struct {
	Mode       string   `json:"mode"`
	Categories []string `json:"categories,omitempty"` // custom mode: category tags or tool names
}

// DefaultFilter exposes everything.
func DefaultFilter() Filter {
	return Filter{Mode: FilterAll}
}

// Allows reports whether the definition passes the filter.
func (f Filter) Allows(def *Definition) bool {
	if def.Category == CategorySession {
		return true
	}

	switch f.Mode {
	case FilterEssential:
		return essentialTools[def.Name]
	case FilterCustom:
		for _, item := range f.Categories {
			if item == string(def.Category) || item == def.Name {
				return true
			}
			if item == FilterEssential && essentialTools[def.Name] {
				return true
			}
		}
		return false
	default:
		return true
	}
}

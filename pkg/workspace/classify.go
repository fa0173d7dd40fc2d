package workspace

import (
	"path/filepath"
	"strings"
)

// FileType is the semantic classification of a workspace file.
type FileType string

const (
	TypeSpec         FileType = "spec"
	TypeVerilog      FileType = "verilog"
	TypeTestbench    FileType = "testbench"
	TypeWaveform     FileType = "waveform"
	TypeSchematic    FileType = "schematic"
	TypeLayout       FileType = "layout"
	TypeConstraints  FileType = "constraints"
	TypeReport       FileType = "report"
	TypeSynthesisLog FileType = "synthesis-log"
	TypeYAML         FileType = "yaml"
	TypeOther        FileType = "other"
)

// Classify maps a workspace-relative path to its semantic type by extension
// and naming convention.
func Classify(rel string) FileType {
	name := filepath.Base(rel)
	ext := strings.ToLower(filepath.Ext(name))

	if strings.Contains(rel, "synth_runs"+string(filepath.Separator)) {
		switch ext {
		case ".log", ".rpt", ".txt":
			return TypeSynthesisLog
		}
	}

	switch ext {
	case ".v", ".sv":
		base := strings.TrimSuffix(name, ext)
		if strings.HasSuffix(base, "_tb") || strings.HasPrefix(base, "tb_") || base == "tb" {
			return TypeTestbench
		}
		return TypeVerilog
	case ".yaml", ".yml":
		if strings.HasSuffix(name, "_spec.yaml") {
			return TypeSpec
		}
		return TypeYAML
	case ".vcd":
		return TypeWaveform
	case ".svg":
		return TypeSchematic
	case ".gds", ".def", ".odb":
		return TypeLayout
	case ".sdc":
		return TypeConstraints
	case ".md":
		return TypeReport
	}
	return TypeOther
}

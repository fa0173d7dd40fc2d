package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10m" or "90s" parse.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a plain number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		if parsed, err := time.ParseDuration(asString); err == nil {
			*d = Duration(parsed)
			return nil
		}
	}

	var asSeconds float64
	if err := value.Decode(&asSeconds); err == nil {
		*d = Duration(time.Duration(asSeconds * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a rule file of the form `rules: [...]`. Rules default
// to enabled when the key is omitted.
func ParseYAML(data []byte) ([]Rule, error) {
	var raw struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	out := make([]Rule, 0, len(raw.Rules))
	for i := range raw.Rules {
		r := Rule{Enabled: true, Version: 1}
		if err := raw.Rules[i].Decode(&r); err != nil {
			return nil, fmt.Errorf("parse rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadFile reads and parses the rule file at path without installing it.
func ReadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseYAML(data)
}

// LoadFile reads and validates rules from path into e.
func (e *Engine) LoadFile(path string) error {
	rules, err := ReadFile(path)
	if err != nil {
		return err
	}
	return e.Load(rules)
}

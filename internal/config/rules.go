package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/della-wonders/wonder/internal/security"
)

// RulesFile is the optional security rules document referenced by
// security.rules_file: extra regex scan patterns plus CEL deny rules.
type RulesFile struct {
	Patterns []string        `yaml:"patterns"`
	Rules    []security.Rule `yaml:"rules"`
}

// LoadRulesFile reads and parses a rules file. An empty path returns an
// empty document.
func LoadRulesFile(path string) (*RulesFile, error) {
	if path == "" {
		return &RulesFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &rf, nil
}

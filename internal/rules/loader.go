package rules

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/industriverse/capsuleflow/internal/data"
)

type ruleFile struct {
	Rules []data.Rule `yaml:"rules"`
}

// LoadFile reads a YAML rules file. Every rule must validate and ids must
// be unique within the file.
func LoadFile(path string) ([]data.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read rules file %s", path)
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]data.Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "parse rules")
	}

	seen := make(map[string]bool, len(file.Rules))
	for _, r := range file.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, errors.Wrapf(data.ErrInvalidRule, "duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
	return file.Rules, nil
}

// Seed loads rules into the engine, returning how many were added.
func Seed(e *Engine, rules []data.Rule) (int, error) {
	for i, r := range rules {
		if err := e.AddRule(r); err != nil {
			return i, err
		}
	}
	return len(rules), nil
}

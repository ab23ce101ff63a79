// internal/data/rule.go
package data

import (
	"strings"

	"github.com/pkg/errors"
)

// Operator is a comparison applied between a metric value and a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Compare evaluates value <op> threshold. Unknown operators never match.
func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	}
	return false
}

// Known reports whether op is one of the supported comparisons.
func (op Operator) Known() bool {
	switch op {
	case OpGreater, OpLess, OpEqual, OpNotEqual, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// ErrInvalidRule is returned for rules that fail validation.
var ErrInvalidRule = errors.New("invalid rule")

// Condition selects the sensor and metric a rule watches.
type Condition struct {
	SensorID      string   `json:"sensorId" yaml:"sensorId"`
	Metric        string   `json:"metric" yaml:"metric"`
	Operator      Operator `json:"operator" yaml:"operator"`
	Threshold     float64  `json:"threshold" yaml:"threshold"`
	WindowSeconds int      `json:"windowSeconds,omitempty" yaml:"windowSeconds,omitempty"`
}

// CapsuleTemplate is copied into every capsule a rule creates. Title and
// Description may contain {metricValue}, {sensorId} and {timestamp}.
type CapsuleTemplate struct {
	Title        string                 `json:"title" yaml:"title"`
	Description  string                 `json:"description" yaml:"description"`
	Status       CapsuleStatus          `json:"status" yaml:"status"`
	Priority     Priority               `json:"priority" yaml:"priority"`
	Category     string                 `json:"category" yaml:"category"`
	Actions      []string               `json:"actions,omitempty" yaml:"actions,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	TenantID     string                 `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	DeploymentID string                 `json:"deploymentId,omitempty" yaml:"deploymentId,omitempty"`
}

// Rule turns matching readings into capsules.
type Rule struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	Condition Condition       `json:"condition" yaml:"condition"`
	Template  CapsuleTemplate `json:"capsuleTemplate" yaml:"capsuleTemplate"`
}

// Validate reports the first structural problem with r. An unknown operator
// is accepted here and simply never matches at evaluation time.
func (r Rule) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return errors.Wrap(ErrInvalidRule, "id is required")
	case r.Condition.SensorID == "":
		return errors.Wrapf(ErrInvalidRule, "rule %s: condition.sensorId is required", r.ID)
	case r.Condition.Metric == "":
		return errors.Wrapf(ErrInvalidRule, "rule %s: condition.metric is required", r.ID)
	case r.Condition.WindowSeconds < 0:
		return errors.Wrapf(ErrInvalidRule, "rule %s: condition.windowSeconds must not be negative", r.ID)
	case r.Template.Title == "":
		return errors.Wrapf(ErrInvalidRule, "rule %s: capsuleTemplate.title is required", r.ID)
	}
	if r.Template.Status != "" && !r.Template.Status.Valid() {
		return errors.Wrapf(ErrInvalidRule, "rule %s: unknown capsule status %q", r.ID, r.Template.Status)
	}
	if r.Template.Priority != "" && !r.Template.Priority.Valid() {
		return errors.Wrapf(ErrInvalidRule, "rule %s: unknown priority %q", r.ID, r.Template.Priority)
	}
	return nil
}

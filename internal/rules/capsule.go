package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/industriverse/capsuleflow/internal/data"
)

// newCapsuleID is the creation time in milliseconds plus a random suffix.
func newCapsuleID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("capsule_%d_%s", now.UnixMilli(), suffix)
}

func renderTemplate(tpl string, value float64, reading *data.SensorReading) string {
	return strings.NewReplacer(
		"{metricValue}", strconv.FormatFloat(value, 'f', -1, 64),
		"{sensorId}", reading.SensorID,
		"{timestamp}", reading.Timestamp.UTC().Format(time.RFC3339),
	).Replace(tpl)
}

func capsuleMetrics(rule data.Rule, reading *data.SensorReading, value float64) data.CapsuleMetrics {
	values := make(map[string]interface{}, len(reading.Values))
	for k, v := range reading.Values {
		values[k] = v
	}
	return data.CapsuleMetrics{
		Metric:    rule.Condition.Metric,
		Value:     value,
		Threshold: rule.Condition.Threshold,
		Operator:  rule.Condition.Operator,
		SensorID:  reading.SensorID,
		RuleID:    rule.ID,
		Timestamp: reading.Timestamp,
		Values:    values,
	}
}

func newCapsule(rule data.Rule, reading *data.SensorReading, value float64, now time.Time) *data.Capsule {
	tpl := rule.Template

	status := tpl.Status
	if status == "" {
		status = data.CapsuleActive
	}
	priority := tpl.Priority
	if priority == "" {
		priority = data.PriorityMedium
	}

	metadata := make(map[string]interface{}, len(tpl.Metadata)+3)
	for k, v := range tpl.Metadata {
		metadata[k] = v
	}
	metadata["ruleId"] = rule.ID
	metadata["ruleName"] = rule.Name
	metadata["sensorId"] = reading.SensorID

	return &data.Capsule{
		ID:           newCapsuleID(now),
		Title:        renderTemplate(tpl.Title, value, reading),
		Description:  renderTemplate(tpl.Description, value, reading),
		Status:       status,
		Priority:     priority,
		Category:     tpl.Category,
		CreatedAt:    now,
		UpdatedAt:    now,
		Actions:      append([]string(nil), tpl.Actions...),
		Metrics:      capsuleMetrics(rule, reading, value),
		Metadata:     metadata,
		TenantID:     tpl.TenantID,
		DeploymentID: tpl.DeploymentID,
	}
}

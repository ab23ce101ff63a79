package rules

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// evaluate returns the compared value and whether the rule matched.
// A missing metric, a value that is not numeric and an unknown operator all
// mean no match. Caller holds e.mu.
func (e *Engine) evaluate(rule data.Rule, reading *data.SensorReading) (float64, bool) {
	cond := rule.Condition

	raw, ok := reading.Values[cond.Metric]
	if !ok {
		e.metrics.IncRuleSkip("missing_metric")
		return 0, false
	}
	value, ok := data.ToFloat(raw)
	if !ok {
		e.metrics.IncRuleSkip("non_numeric")
		e.log.WithFields(logrus.Fields{
			"rule_id":   rule.ID,
			"sensor_id": reading.SensorID,
			"metric":    cond.Metric,
			"value":     raw,
		}).Warn("skipping non-numeric metric value")
		return 0, false
	}
	if !cond.Operator.Known() {
		e.metrics.IncRuleSkip("unknown_operator")
		e.log.WithFields(logrus.Fields{"rule_id": rule.ID, "operator": cond.Operator}).Debug("unknown operator never matches")
		return 0, false
	}

	if cond.WindowSeconds > 0 {
		value = e.windowMean(cond, reading, value)
	}
	return value, cond.Operator.Compare(value, cond.Threshold)
}

// windowMean averages the metric over the readings in the window ending at
// the reading's timestamp. The current reading is already in history.
func (e *Engine) windowMean(cond data.Condition, reading *data.SensorReading, current float64) float64 {
	if e.history == nil {
		return current
	}
	to := reading.Timestamp
	from := to.Add(-time.Duration(cond.WindowSeconds) * time.Second)

	var sum float64
	var n int
	for _, r := range e.history.Since(reading.SensorID, from, to) {
		if v, ok := data.ToFloat(r.Values[cond.Metric]); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return current
	}
	return sum / float64(n)
}

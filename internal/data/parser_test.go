package data

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMapped_DotPaths(t *testing.T) {
	doc, err := ParsePayload([]byte(`{"motor":{"temp":85.5,"rpm":"1450"},"status":"ok"}`))
	require.NoError(t, err)

	values := ExtractMapped(doc, map[string]string{
		"temperature": "motor.temp",
		"rpm":         "motor.rpm",
		"vibration":   "motor.vibration",
		"deep":        "status.nested",
	})

	assert.Equal(t, 85.5, values["temperature"])
	assert.Equal(t, "1450", values["rpm"])
	assert.NotContains(t, values, "vibration")
	assert.NotContains(t, values, "deep")
	assert.Len(t, values, 2)
}

func TestParsePayload_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2,3]`, `null`, `{"a":`} {
		_, err := ParsePayload([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedPayload), "payload %q", raw)
	}
}

func TestPayloadTimestamp(t *testing.T) {
	doc, err := ParsePayload([]byte(`{"timestamp":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	ts, ok := PayloadTimestamp(doc)
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

	doc, err = ParsePayload([]byte(`{"timestamp":1709287200000}`))
	require.NoError(t, err)
	ts, ok = PayloadTimestamp(doc)
	require.True(t, ok)
	assert.Equal(t, int64(1709287200000), ts.UnixMilli())

	_, ok = PayloadTimestamp(map[string]interface{}{"temperature": 1.0})
	assert.False(t, ok)
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want float64
		ok   bool
	}{
		{"float", 81.0, 81, true},
		{"int", 42, 42, true},
		{"numeric string", " 79.5 ", 79.5, true},
		{"word", "hot", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
		{"NaN string", "NaN", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperatorCompare(t *testing.T) {
	assert.True(t, OpGreater.Compare(81, 80))
	assert.False(t, OpGreater.Compare(80, 80))
	assert.True(t, OpGreaterEqual.Compare(80, 80))
	assert.True(t, OpLessEqual.Compare(79, 80))
	assert.True(t, OpNotEqual.Compare(1, 2))
	assert.True(t, OpEqual.Compare(2, 2))
	assert.True(t, OpLess.Compare(1, 2))
	assert.False(t, Operator("~=").Compare(1, 1))
	assert.False(t, Operator("~=").Known())
}

func TestSensorPatchApply(t *testing.T) {
	orig := SensorConfig{
		ID:          "motor_001",
		Protocol:    ProtocolMQTT,
		Endpoint:    "tcp://broker:1883",
		DataMapping: map[string]string{"temperature": "temp"},
		Topics:      []string{"plant/motor1"},
	}
	endpoint := "tcp://other:1883"
	patched := SensorPatch{Endpoint: &endpoint, DataMapping: map[string]string{"temperature": "t"}}.Apply(orig)

	assert.Equal(t, "tcp://other:1883", patched.Endpoint)
	assert.Equal(t, "t", patched.DataMapping["temperature"])
	assert.Equal(t, "temp", orig.DataMapping["temperature"], "original must not be mutated")
	assert.Equal(t, []string{"plant/motor1"}, patched.Topics)
}

func TestRuleValidate(t *testing.T) {
	rule := Rule{
		ID:        "temp_critical",
		Enabled:   true,
		Condition: Condition{SensorID: "motor_001", Metric: "temperature", Operator: OpGreater, Threshold: 80},
		Template:  CapsuleTemplate{Title: "Motor 001 Overheating", Status: CapsuleCritical},
	}
	require.NoError(t, rule.Validate())

	rule.Condition.Metric = ""
	assert.True(t, errors.Is(rule.Validate(), ErrInvalidRule))
}

func TestCapsuleCloneIsolated(t *testing.T) {
	c := &Capsule{ID: "c1", Metadata: map[string]interface{}{"ruleId": "r1"}, Actions: []string{"inspect"}}
	cp := c.Clone()
	cp.Metadata["ruleId"] = "r2"
	cp.Actions[0] = "ignore"

	assert.Equal(t, "r1", c.RuleID())
	assert.Equal(t, "inspect", c.Actions[0])
}

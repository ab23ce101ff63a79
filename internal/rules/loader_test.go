package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/logging"
)

const rulesYAML = `
rules:
  - id: temp_critical
    name: Motor temperature critical
    enabled: true
    condition:
      sensorId: motor_001
      metric: temperature
      operator: ">"
      threshold: 80
    capsuleTemplate:
      title: Motor 001 Overheating
      description: "Temperature {metricValue}"
      status: critical
      priority: high
      category: thermal
      tenantId: acme
  - id: pressure_low
    name: Pump pressure low
    enabled: false
    condition:
      sensorId: pump_007
      metric: pressure
      operator: "<"
      threshold: 1.5
      windowSeconds: 30
    capsuleTemplate:
      title: Pump 7 pressure low
      status: warning
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, data.OpGreater, loaded[0].Condition.Operator)
	assert.Equal(t, 80.0, loaded[0].Condition.Threshold)
	assert.Equal(t, data.CapsuleCritical, loaded[0].Template.Status)
	assert.Equal(t, "acme", loaded[0].Template.TenantID)
	assert.False(t, loaded[1].Enabled)
	assert.Equal(t, 30, loaded[1].Condition.WindowSeconds)

	e := NewEngine(nil, nil, nil, Options{Log: logging.Discard()})
	defer e.Close()
	n, err := Seed(e, loaded)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestParse_RejectsDuplicatesAndInvalid(t *testing.T) {
	dup := `
rules:
  - id: a
    condition: {sensorId: s, metric: m, operator: ">", threshold: 1}
    capsuleTemplate: {title: t}
  - id: a
    condition: {sensorId: s, metric: m, operator: ">", threshold: 1}
    capsuleTemplate: {title: t}
`
	_, err := Parse([]byte(dup))
	assert.True(t, errors.Is(err, data.ErrInvalidRule))

	_, err = Parse([]byte("rules:\n  - id: nometric\n    condition: {sensorId: s}\n    capsuleTemplate: {title: t}\n"))
	assert.True(t, errors.Is(err, data.ErrInvalidRule))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/capsuleflow/internal/data"
)

func TestLoadSensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sensors:
  - id: motor_001
    name: Motor 001
    protocol: mqtt
    endpoint: tcp://broker:1883
    credentials:
      username: gateway
      password: secret
    topics: [plant/motors/001]
    qos: 1
    dedupe: true
    dataMapping:
      temperature: readings.temp
      motorSpeed: readings.rpm
  - id: pump_007
    name: Pump 7
    protocol: opcua
    endpoint: opc.tcp://plc:4840
    nodeIds: ["ns=2;s=Pump7.Pressure"]
    samplingInterval: 500
    dataMapping:
      pressure: ns=2;s=Pump7.Pressure
`), 0o600))

	sensors, err := LoadSensors(path)
	require.NoError(t, err)
	require.Len(t, sensors, 2)

	motor := sensors[0]
	assert.Equal(t, data.ProtocolMQTT, motor.Protocol)
	assert.Equal(t, byte(1), motor.QoS)
	assert.Equal(t, "readings.rpm", motor.DataMapping["motorSpeed"], "metric names keep their case")
	assert.Equal(t, "gateway", motor.Credentials.Username)
	assert.True(t, motor.Dedupe)

	assert.Equal(t, 500, sensors[1].SamplingInterval)
	assert.Equal(t, []string{"ns=2;s=Pump7.Pressure"}, sensors[1].NodeIDs)
}

func TestLoadSensors_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sensors:\n  - id: x\n    protocol: zigbee\n"), 0o600))
	_, err := LoadSensors(path)
	assert.ErrorIs(t, err, data.ErrInvalidSensor)
}

package ingestion

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/industriverse/capsuleflow/internal/data"
)

type sensorFile struct {
	Sensors []data.SensorConfig `yaml:"sensors"`
}

// LoadSensors reads a YAML file with a top-level "sensors" list.
func LoadSensors(path string) ([]data.SensorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read sensors file %s", path)
	}
	var file sensorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "parse sensors file %s", path)
	}
	for _, s := range file.Sensors {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Sensors, nil
}

// AddSensors registers every sensor, stopping at the first configuration
// error. Sensors whose connection fails stay registered with status error.
func (c *Coordinator) AddSensors(ctx context.Context, sensors []data.SensorConfig) (int, error) {
	for i, s := range sensors {
		if _, err := c.AddSensor(ctx, s); err != nil {
			return i, err
		}
	}
	return len(sensors), nil
}

package adapter

import (
	"time"

	"github.com/pkg/errors"

	"github.com/industriverse/capsuleflow/internal/data"
)

// decodeReading turns a JSON payload into a reading using the sensor's
// dot-path mapping. The second return reports whether the payload carried a
// source timestamp, i.e. whether the reading can be checked for redelivery.
func decodeReading(sensorID string, mapping map[string]string, raw []byte) (*data.SensorReading, bool, error) {
	doc, err := data.ParsePayload(raw)
	if err != nil {
		return nil, false, errors.Wrapf(err, "sensor %s", sensorID)
	}

	ts, hasTimestamp := data.PayloadTimestamp(doc)
	if !hasTimestamp {
		ts = time.Now()
	}
	return &data.SensorReading{
		SensorID:  sensorID,
		Timestamp: ts,
		Values:    data.ExtractMapped(doc, mapping),
		Raw:       raw,
	}, hasTimestamp, nil
}

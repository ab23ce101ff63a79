// internal/data/models.go
package data

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Protocol identifies the field protocol a sensor speaks.
type Protocol string

const (
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolOPCUA  Protocol = "opcua"
	ProtocolModbus Protocol = "modbus"
	ProtocolHTTP   Protocol = "http"
)

// Valid reports whether p is a known protocol. Known does not mean an
// adapter exists for it.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolMQTT, ProtocolOPCUA, ProtocolModbus, ProtocolHTTP:
		return true
	}
	return false
}

// SensorStatus is the connection lifecycle state of a registered sensor.
type SensorStatus string

const (
	StatusConnecting SensorStatus = "connecting"
	StatusActive     SensorStatus = "active"
	StatusError      SensorStatus = "error"
	StatusInactive   SensorStatus = "inactive"
)

// ErrInvalidSensor is returned for sensor configs that fail validation.
var ErrInvalidSensor = errors.New("invalid sensor config")

// Credentials for brokers and servers that require authentication.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
}

// SensorConfig describes one sensor endpoint and how to map its payloads.
// DataMapping maps metric names to dot-paths (MQTT/HTTP) or node ids (OPC-UA).
type SensorConfig struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Protocol         Protocol          `json:"protocol" yaml:"protocol"`
	Endpoint         string            `json:"endpoint" yaml:"endpoint"`
	Credentials      *Credentials      `json:"credentials,omitempty" yaml:"credentials"`
	DataMapping      map[string]string `json:"dataMapping" yaml:"dataMapping"`
	Topics           []string          `json:"topics,omitempty" yaml:"topics"`
	QoS              byte              `json:"qos,omitempty" yaml:"qos"`
	NodeIDs          []string          `json:"nodeIds,omitempty" yaml:"nodeIds"`
	SamplingInterval int               `json:"samplingInterval,omitempty" yaml:"samplingInterval"` // milliseconds
	Dedupe           bool              `json:"dedupe,omitempty" yaml:"dedupe"`
	Status           SensorStatus      `json:"status" yaml:"-"`
}

// Validate checks the fields every protocol needs.
func (c SensorConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.Wrap(ErrInvalidSensor, "id is required")
	}
	if !c.Protocol.Valid() {
		return errors.Wrapf(ErrInvalidSensor, "unknown protocol %q", c.Protocol)
	}
	if c.QoS > 2 {
		return errors.Wrapf(ErrInvalidSensor, "qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.SamplingInterval < 0 {
		return errors.Wrap(ErrInvalidSensor, "samplingInterval must not be negative")
	}
	return nil
}

// Clone returns a deep copy so callers never share maps or slices with the
// coordinator's registry.
func (c SensorConfig) Clone() SensorConfig {
	out := c
	if c.Credentials != nil {
		creds := *c.Credentials
		out.Credentials = &creds
	}
	if c.DataMapping != nil {
		out.DataMapping = make(map[string]string, len(c.DataMapping))
		for k, v := range c.DataMapping {
			out.DataMapping[k] = v
		}
	}
	out.Topics = append([]string(nil), c.Topics...)
	out.NodeIDs = append([]string(nil), c.NodeIDs...)
	return out
}

// SensorPatch holds the fields of an update; nil fields are left unchanged.
type SensorPatch struct {
	Name             *string           `json:"name,omitempty"`
	Protocol         *Protocol         `json:"protocol,omitempty"`
	Endpoint         *string           `json:"endpoint,omitempty"`
	Credentials      *Credentials      `json:"credentials,omitempty"`
	DataMapping      map[string]string `json:"dataMapping,omitempty"`
	Topics           []string          `json:"topics,omitempty"`
	QoS              *byte             `json:"qos,omitempty"`
	NodeIDs          []string          `json:"nodeIds,omitempty"`
	SamplingInterval *int              `json:"samplingInterval,omitempty"`
	Dedupe           *bool             `json:"dedupe,omitempty"`
}

// Apply returns a patched copy of c.
func (p SensorPatch) Apply(c SensorConfig) SensorConfig {
	out := c.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Protocol != nil {
		out.Protocol = *p.Protocol
	}
	if p.Endpoint != nil {
		out.Endpoint = *p.Endpoint
	}
	if p.Credentials != nil {
		creds := *p.Credentials
		out.Credentials = &creds
	}
	if p.DataMapping != nil {
		out.DataMapping = make(map[string]string, len(p.DataMapping))
		for k, v := range p.DataMapping {
			out.DataMapping[k] = v
		}
	}
	if p.Topics != nil {
		out.Topics = append([]string(nil), p.Topics...)
	}
	if p.QoS != nil {
		out.QoS = *p.QoS
	}
	if p.NodeIDs != nil {
		out.NodeIDs = append([]string(nil), p.NodeIDs...)
	}
	if p.SamplingInterval != nil {
		out.SamplingInterval = *p.SamplingInterval
	}
	if p.Dedupe != nil {
		out.Dedupe = *p.Dedupe
	}
	return out
}

// SensorReading is one normalized observation. Values only holds the
// metrics whose mapping resolved in the source payload.
type SensorReading struct {
	SensorID  string                 `json:"sensorId"`
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
	Raw       []byte                 `json:"-"`
}

// internal/data/capsule.go
package data

import "time"

// CapsuleStatus is the lifecycle state of a capsule.
type CapsuleStatus string

const (
	CapsuleActive    CapsuleStatus = "active"
	CapsuleWarning   CapsuleStatus = "warning"
	CapsuleCritical  CapsuleStatus = "critical"
	CapsuleResolved  CapsuleStatus = "resolved"
	CapsuleDismissed CapsuleStatus = "dismissed"
)

func (s CapsuleStatus) Valid() bool {
	switch s {
	case CapsuleActive, CapsuleWarning, CapsuleCritical, CapsuleResolved, CapsuleDismissed:
		return true
	}
	return false
}

// Priority of a capsule as shown to operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CapsuleMetrics records the triggering values and their provenance.
type CapsuleMetrics struct {
	Metric    string                 `json:"metric"`
	Value     float64                `json:"value"`
	Threshold float64                `json:"threshold"`
	Operator  Operator               `json:"operator"`
	SensorID  string                 `json:"sensorId"`
	RuleID    string                 `json:"ruleId"`
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values,omitempty"`
}

// Capsule is a structured operational insight produced by a rule.
type Capsule struct {
	ID              string                 `json:"id"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Status          CapsuleStatus          `json:"status"`
	Priority        Priority               `json:"priority"`
	Category        string                 `json:"category"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	Actions         []string               `json:"actions,omitempty"`
	Metrics         CapsuleMetrics         `json:"metrics"`
	Metadata        map[string]interface{} `json:"metadata"`
	TenantID        string                 `json:"tenantId,omitempty"`
	DeploymentID    string                 `json:"deploymentId,omitempty"`
	ConsensusResult *ConsensusResult       `json:"consensusResult,omitempty"`
}

// RuleID returns the id of the rule that created the capsule.
func (c *Capsule) RuleID() string {
	if id, ok := c.Metadata["ruleId"].(string); ok {
		return id
	}
	return c.Metrics.RuleID
}

// Clone returns a copy that shares no maps or slices with c.
func (c *Capsule) Clone() *Capsule {
	if c == nil {
		return nil
	}
	out := *c
	out.Actions = append([]string(nil), c.Actions...)
	out.Metadata = copyMap(c.Metadata)
	out.Metrics.Values = copyMap(c.Metrics.Values)
	if c.ConsensusResult != nil {
		res := *c.ConsensusResult
		res.Predictions = append([]Prediction(nil), c.ConsensusResult.Predictions...)
		out.ConsensusResult = &res
	}
	return &out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PredictionStatus marks whether a validator answered.
type PredictionStatus string

const (
	PredictionSuccess PredictionStatus = "success"
	PredictionError   PredictionStatus = "error"
)

// Prediction is one validator's verdict on a capsule.
type Prediction struct {
	ValidatorID string           `json:"validatorId"`
	Score       float64          `json:"score"`
	Confidence  float64          `json:"confidence"`
	Weight      float64          `json:"weight"`
	Status      PredictionStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	LatencyMS   int64            `json:"latencyMs"`
}

// ConsensusResult is the gate's decision for one capsule.
type ConsensusResult struct {
	Approved       bool         `json:"approved"`
	AgreementScore float64      `json:"agreementScore"`
	WeightedScore  float64      `json:"weightedScore"`
	MeanScore      float64      `json:"meanScore"`
	Responded      int          `json:"responded"`
	Predictions    []Prediction `json:"predictions"`
	Timestamp      time.Time    `json:"timestamp"`
	Reason         string       `json:"reason"`
}

// EventType names the broadcast message kinds.
type EventType string

const (
	CapsuleCreated EventType = "capsule_created"
	CapsuleUpdated EventType = "capsule_updated"
	CapsuleRemoved EventType = "capsule_removed"
)

// CapsuleEvent is emitted by the rule engine. Removed events still carry the
// last capsule state so they can be routed to the right scopes.
type CapsuleEvent struct {
	Type    EventType
	Capsule *Capsule
}

// RemovedPayload is the data of a capsule_removed message.
type RemovedPayload struct {
	CapsuleID string        `json:"capsuleId"`
	Status    CapsuleStatus `json:"status"`
}

// Payload returns the "data" member of the broadcast envelope.
func (e CapsuleEvent) Payload() interface{} {
	if e.Type == CapsuleRemoved && e.Capsule != nil {
		return RemovedPayload{CapsuleID: e.Capsule.ID, Status: e.Capsule.Status}
	}
	return e.Capsule
}

// Envelope is the wire shape of every broadcast message.
type Envelope struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/logging"
	"github.com/industriverse/capsuleflow/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []data.CapsuleEvent
}

func (p *recordingPublisher) Publish(ev data.CapsuleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []data.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]data.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// stubGate answers with a fixed decision, optionally after release is closed.
type stubGate struct {
	approve bool
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *stubGate) Validate(ctx context.Context, c *data.Capsule) data.ConsensusResult {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return data.ConsensusResult{Reason: "cancelled"}
		}
	}
	return data.ConsensusResult{Approved: g.approve, AgreementScore: 0.98, WeightedScore: 0.9, Reason: "stub"}
}

func (g *stubGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func tempCritical() data.Rule {
	return data.Rule{
		ID:      "temp_critical",
		Name:    "Motor temperature critical",
		Enabled: true,
		Condition: data.Condition{
			SensorID:  "motor_001",
			Metric:    "temperature",
			Operator:  data.OpGreater,
			Threshold: 80,
		},
		Template: data.CapsuleTemplate{
			Title:       "Motor 001 Overheating",
			Description: "Temperature {metricValue} on {sensorId} at {timestamp}",
			Status:      data.CapsuleCritical,
			Priority:    data.PriorityHigh,
			Category:    "thermal",
			Actions:     []string{"reduce load", "inspect cooling"},
			Metadata:    map[string]interface{}{"line": "A"},
			TenantID:    "acme",
		},
	}
}

func temp(v interface{}) *data.SensorReading {
	return &data.SensorReading{
		SensorID:  "motor_001",
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Values:    map[string]interface{}{"temperature": v},
	}
}

func newTestEngine(t *testing.T, gate ConsensusGate, consensus bool) (*Engine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	e := NewEngine(storage.NewHistoryStore(storage.DefaultHistorySize), gate, pub, Options{
		ConsensusEnabled: consensus,
		Log:              logging.Discard(),
	})
	t.Cleanup(e.Close)
	return e, pub
}

func TestEngine_OverheatingCapsuleWithoutConsensus(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(85))

	active := e.ActiveCapsules()
	require.Len(t, active, 1)
	c := active[0]
	assert.Equal(t, "Motor 001 Overheating", c.Title)
	assert.Equal(t, data.CapsuleCritical, c.Status)
	assert.Equal(t, data.PriorityHigh, c.Priority)
	assert.Equal(t, "temp_critical", c.Metadata["ruleId"])
	assert.Equal(t, "A", c.Metadata["line"])
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, 85.0, c.Metrics.Value)
	assert.Equal(t, "Temperature 85 on motor_001 at 2024-03-01T10:00:00Z", c.Description)
	assert.Regexp(t, `^capsule_\d+_[0-9a-f]{9}$`, c.ID)
	assert.Equal(t, []data.EventType{data.CapsuleCreated}, pub.types())
}

func TestEngine_ThresholdIsStrict(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(79))
	e.ProcessReading(temp(80))
	assert.Empty(t, e.ActiveCapsules())
	assert.Empty(t, pub.types())

	e.ProcessReading(temp(81))
	assert.Len(t, e.ActiveCapsules(), 1)
	assert.Equal(t, []data.EventType{data.CapsuleCreated}, pub.types())
}

func TestEngine_RepeatedMatchUpdatesInPlace(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(85))
	first := e.ActiveCapsules()[0]
	e.ProcessReading(temp(90))

	active := e.ActiveCapsules()
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, 90.0, active[0].Metrics.Value)
	assert.Equal(t, []data.EventType{data.CapsuleCreated, data.CapsuleUpdated}, pub.types())
}

func TestEngine_SkipsUnusableReadings(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(&data.SensorReading{SensorID: "motor_001", Values: map[string]interface{}{"vibration": 99.0}})
	e.ProcessReading(temp("very hot"))
	e.ProcessReading(temp(true))
	e.ProcessReading(nil)
	assert.Empty(t, pub.types())

	e.ProcessReading(temp("85.5"))
	require.Len(t, e.ActiveCapsules(), 1)
	assert.Equal(t, 85.5, e.ActiveCapsules()[0].Metrics.Value)
}

func TestEngine_RuleSelection(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)

	disabled := tempCritical()
	disabled.ID = "disabled"
	disabled.Enabled = false
	other := tempCritical()
	other.ID = "other_sensor"
	other.Condition.SensorID = "motor_002"
	weird := tempCritical()
	weird.ID = "weird_op"
	weird.Condition.Operator = "=>"

	for _, r := range []data.Rule{disabled, other, weird} {
		require.NoError(t, e.AddRule(r))
	}
	e.ProcessReading(temp(500))

	assert.Empty(t, e.ActiveCapsules())
	assert.Empty(t, pub.types())
}

func TestEngine_ResolveEmitsRemovedAndAllowsNewCapsule(t *testing.T) {
	e, pub := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(85))
	id := e.ActiveCapsules()[0].ID

	resolved, err := e.ResolveCapsule(id)
	require.NoError(t, err)
	assert.Equal(t, data.CapsuleResolved, resolved.Status)
	assert.Empty(t, e.ActiveCapsules())

	_, err = e.ResolveCapsule(id)
	assert.True(t, errors.Is(err, ErrCapsuleNotFound))

	e.ProcessReading(temp(86))
	require.Len(t, e.ActiveCapsules(), 1)
	assert.NotEqual(t, id, e.ActiveCapsules()[0].ID)
	assert.Equal(t, []data.EventType{data.CapsuleCreated, data.CapsuleRemoved, data.CapsuleCreated}, pub.types())

	pub.mu.Lock()
	removed := pub.events[1]
	pub.mu.Unlock()
	assert.Equal(t, data.RemovedPayload{CapsuleID: id, Status: data.CapsuleResolved}, removed.Payload())
}

func TestEngine_DismissCapsule(t *testing.T) {
	e, _ := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))
	e.ProcessReading(temp(85))

	c, err := e.DismissCapsule(e.ActiveCapsules()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, data.CapsuleDismissed, c.Status)
}

func TestEngine_ConsensusApproval(t *testing.T) {
	gate := &stubGate{approve: true, release: make(chan struct{})}
	e, pub := newTestEngine(t, gate, true)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(85))
	e.ProcessReading(temp(88))

	require.Len(t, e.PendingConsensus(), 1, "a second match while pending does not spawn a second candidate")
	assert.Equal(t, 88.0, e.PendingConsensus()[0].Metrics.Value)
	assert.Empty(t, e.ActiveCapsules())
	assert.Empty(t, pub.types())

	close(gate.release)
	require.Eventually(t, func() bool { return len(e.ActiveCapsules()) == 1 }, time.Second, 5*time.Millisecond)

	c := e.ActiveCapsules()[0]
	require.NotNil(t, c.ConsensusResult)
	assert.True(t, c.ConsensusResult.Approved)
	assert.Equal(t, 88.0, c.Metrics.Value)
	assert.Empty(t, e.PendingConsensus())
	assert.Equal(t, []data.EventType{data.CapsuleCreated}, pub.types())
	assert.Equal(t, 1, gate.callCount())
}

func TestEngine_ConsensusRejectionDiscards(t *testing.T) {
	gate := &stubGate{approve: false}
	e, pub := newTestEngine(t, gate, true)
	require.NoError(t, e.AddRule(tempCritical()))

	e.ProcessReading(temp(85))
	require.Eventually(t, func() bool { return len(e.PendingConsensus()) == 0 }, time.Second, 5*time.Millisecond)

	assert.Empty(t, e.ActiveCapsules())
	assert.Empty(t, pub.types())
}

func TestEngine_ToggleConsensus(t *testing.T) {
	e, _ := newTestEngine(t, &stubGate{approve: true}, true)
	assert.True(t, e.ConsensusEnabled())
	e.SetConsensusEnabled(false)
	assert.False(t, e.ConsensusEnabled())

	noGate, _ := newTestEngine(t, nil, true)
	assert.False(t, noGate.ConsensusEnabled(), "consensus needs a gate")
}

func TestEngine_WindowedCondition(t *testing.T) {
	e, _ := newTestEngine(t, nil, false)
	rule := tempCritical()
	rule.Condition.WindowSeconds = 60
	require.NoError(t, e.AddRule(rule))

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(offset time.Duration, v float64) *data.SensorReading {
		return &data.SensorReading{SensorID: "motor_001", Timestamp: base.Add(offset), Values: map[string]interface{}{"temperature": v}}
	}

	e.ProcessReading(at(0, 70))
	e.ProcessReading(at(10*time.Second, 85))
	assert.Empty(t, e.ActiveCapsules(), "mean 77.5 is under threshold")

	e.ProcessReading(at(20*time.Second, 95))
	require.Len(t, e.ActiveCapsules(), 1)
	assert.InDelta(t, 83.333, e.ActiveCapsules()[0].Metrics.Value, 0.001)
}

func TestEngine_RuleCRUD(t *testing.T) {
	e, _ := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))
	assert.True(t, errors.Is(e.AddRule(tempCritical()), ErrRuleExists))

	updated := tempCritical()
	updated.Condition.Threshold = 100
	require.NoError(t, e.UpdateRule("temp_critical", updated))
	r, ok := e.GetRule("temp_critical")
	require.True(t, ok)
	assert.Equal(t, 100.0, r.Condition.Threshold)

	assert.True(t, errors.Is(e.UpdateRule("missing", updated), ErrRuleNotFound))
	assert.True(t, errors.Is(e.RemoveRule("missing"), ErrRuleNotFound))

	bad := tempCritical()
	bad.ID = "bad"
	bad.Condition.Metric = ""
	assert.True(t, errors.Is(e.AddRule(bad), data.ErrInvalidRule))

	require.NoError(t, e.RemoveRule("temp_critical"))
	assert.Empty(t, e.ListRules())
}

func TestEngine_Stats(t *testing.T) {
	e, _ := newTestEngine(t, nil, false)
	require.NoError(t, e.AddRule(tempCritical()))
	e.ProcessReading(temp(70))
	e.ProcessReading(temp(85))

	stats := e.Stats()
	assert.Equal(t, 1, stats.Rules)
	assert.Equal(t, 1, stats.ActiveCapsules)
	assert.Equal(t, int64(2), stats.ReadingsProcessed)
	assert.Equal(t, int64(1), stats.RuleMatches)
}

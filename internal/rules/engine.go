// Package rules evaluates sensor readings against threshold rules and
// maintains the set of active capsules.
package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/metrics"
)

var (
	ErrRuleNotFound    = errors.New("rule not found")
	ErrRuleExists      = errors.New("rule already exists")
	ErrCapsuleNotFound = errors.New("capsule not found")
)

// Publisher receives capsule lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ev data.CapsuleEvent)
}

// ConsensusGate decides whether a candidate capsule may become active.
type ConsensusGate interface {
	Validate(ctx context.Context, capsule *data.Capsule) data.ConsensusResult
}

// History is the per-sensor reading store the engine appends to.
type History interface {
	Append(reading *data.SensorReading)
	Since(sensorID string, from, to time.Time) []*data.SensorReading
}

type Options struct {
	ConsensusEnabled bool
	Metrics          *metrics.Metrics
	Log              *logrus.Entry
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine owns rules, active capsules and capsules awaiting consensus.
// Every engine has its own maps; nothing is shared between instances.
type Engine struct {
	history   History
	gate      ConsensusGate
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logrus.Entry
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.RWMutex
	rules            map[string]data.Rule
	order            []string
	active           map[string]*data.Capsule
	activeByRule     map[string]string
	pending          map[string]*data.Capsule
	pendingByRule    map[string]string
	consensusEnabled bool

	readings int64
	matches  int64
}

// NewEngine wires an engine. gate may be nil, in which case consensus can
// not be enabled.
func NewEngine(history History, gate ConsensusGate, publisher Publisher, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		history:          history,
		gate:             gate,
		publisher:        publisher,
		metrics:          opts.Metrics,
		log:              opts.Log,
		now:              opts.Now,
		ctx:              ctx,
		cancel:           cancel,
		rules:            make(map[string]data.Rule),
		active:           make(map[string]*data.Capsule),
		activeByRule:     make(map[string]string),
		pending:          make(map[string]*data.Capsule),
		pendingByRule:    make(map[string]string),
		consensusEnabled: opts.ConsensusEnabled && gate != nil,
	}
}

func (e *Engine) AddRule(rule data.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return errors.Wrapf(ErrRuleExists, "rule %s", rule.ID)
	}
	e.rules[rule.ID] = rule
	e.order = append(e.order, rule.ID)
	e.log.WithField("rule_id", rule.ID).Info("rule added")
	return nil
}

// RemoveRule forgets a rule. Capsules it already created stay active until
// resolved or dismissed.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.log.WithField("rule_id", id).Info("rule removed")
	return nil
}

// UpdateRule replaces a rule in place, keeping its evaluation order.
func (e *Engine) UpdateRule(id string, rule data.Rule) error {
	rule.ID = id
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	e.rules[id] = rule
	e.log.WithField("rule_id", id).Info("rule updated")
	return nil
}

func (e *Engine) GetRule(id string) (data.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// ListRules returns rules in the order they were added.
func (e *Engine) ListRules() []data.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]data.Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

func (e *Engine) SetConsensusEnabled(enabled bool) {
	e.mu.Lock()
	e.consensusEnabled = enabled && e.gate != nil
	e.mu.Unlock()
	e.log.WithField("enabled", enabled).Info("consensus gating changed")
}

func (e *Engine) ConsensusEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consensusEnabled
}

// ProcessReading records the reading and evaluates every enabled rule bound
// to its sensor.
func (e *Engine) ProcessReading(reading *data.SensorReading) {
	if reading == nil {
		return
	}
	if e.history != nil {
		e.history.Append(reading)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.readings++

	for _, id := range e.order {
		rule := e.rules[id]
		if !rule.Enabled || rule.Condition.SensorID != reading.SensorID {
			continue
		}
		value, ok := e.evaluate(rule, reading)
		if !ok {
			continue
		}
		e.matches++
		e.metrics.IncRuleMatch(rule.ID)
		e.fire(rule, reading, value)
	}
	e.metrics.SetCapsuleGauges(len(e.active), len(e.pending))
}

// fire applies a match: refresh the rule's open capsule or create one.
// Caller holds e.mu.
func (e *Engine) fire(rule data.Rule, reading *data.SensorReading, value float64) {
	now := e.now()
	log := e.log.WithFields(logrus.Fields{"rule_id": rule.ID, "sensor_id": reading.SensorID})

	if id, ok := e.activeByRule[rule.ID]; ok {
		c := e.active[id]
		c.Metrics = capsuleMetrics(rule, reading, value)
		c.UpdatedAt = now
		log.WithField("capsule_id", id).Debug("capsule updated")
		e.publish(data.CapsuleUpdated, c)
		return
	}
	if id, ok := e.pendingByRule[rule.ID]; ok {
		c := e.pending[id]
		c.Metrics = capsuleMetrics(rule, reading, value)
		c.UpdatedAt = now
		return
	}

	c := newCapsule(rule, reading, value, now)
	if e.consensusEnabled {
		e.pending[c.ID] = c
		e.pendingByRule[rule.ID] = c.ID
		log.WithField("capsule_id", c.ID).Info("capsule awaiting consensus")
		e.wg.Add(1)
		go e.awaitConsensus(c.Clone())
		return
	}

	e.activate(c)
	log.WithField("capsule_id", c.ID).Info("capsule created")
	e.publish(data.CapsuleCreated, c)
}

func (e *Engine) awaitConsensus(candidate *data.Capsule) {
	defer e.wg.Done()

	result := e.gate.Validate(e.ctx, candidate)

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.pending[candidate.ID]
	if !ok {
		return
	}
	ruleID := c.RuleID()
	delete(e.pending, c.ID)
	delete(e.pendingByRule, ruleID)
	defer func() { e.metrics.SetCapsuleGauges(len(e.active), len(e.pending)) }()

	log := e.log.WithFields(logrus.Fields{"rule_id": ruleID, "capsule_id": c.ID})
	if !result.Approved {
		log.WithField("reason", result.Reason).Info("capsule rejected by consensus")
		return
	}

	res := result
	c.ConsensusResult = &res
	c.UpdatedAt = e.now()
	e.activate(c)
	log.WithField("agreement", result.AgreementScore).Info("capsule approved by consensus")
	e.publish(data.CapsuleCreated, c)
}

// Caller holds e.mu.
func (e *Engine) activate(c *data.Capsule) {
	e.active[c.ID] = c
	e.activeByRule[c.RuleID()] = c.ID
}

// Caller holds e.mu. The publisher gets a copy it may keep.
func (e *Engine) publish(t data.EventType, c *data.Capsule) {
	e.metrics.IncCapsuleEvent(string(t))
	if e.publisher != nil {
		e.publisher.Publish(data.CapsuleEvent{Type: t, Capsule: c.Clone()})
	}
}

// ResolveCapsule closes an active capsule as resolved.
func (e *Engine) ResolveCapsule(id string) (*data.Capsule, error) {
	return e.close(id, data.CapsuleResolved)
}

// DismissCapsule closes an active capsule as dismissed.
func (e *Engine) DismissCapsule(id string) (*data.Capsule, error) {
	return e.close(id, data.CapsuleDismissed)
}

func (e *Engine) close(id string, status data.CapsuleStatus) (*data.Capsule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.active[id]
	if !ok {
		return nil, errors.Wrapf(ErrCapsuleNotFound, "capsule %s", id)
	}
	delete(e.active, id)
	if ruleID := c.RuleID(); e.activeByRule[ruleID] == id {
		delete(e.activeByRule, ruleID)
	}
	c.Status = status
	c.UpdatedAt = e.now()

	e.log.WithFields(logrus.Fields{"capsule_id": id, "status": status}).Info("capsule closed")
	e.publish(data.CapsuleRemoved, c)
	e.metrics.SetCapsuleGauges(len(e.active), len(e.pending))
	return c.Clone(), nil
}

// ActiveCapsules returns copies of the active capsules, newest first.
func (e *Engine) ActiveCapsules() []*data.Capsule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedClones(e.active)
}

// PendingConsensus returns copies of capsules awaiting consensus.
func (e *Engine) PendingConsensus() []*data.Capsule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedClones(e.pending)
}

func sortedClones(in map[string]*data.Capsule) []*data.Capsule {
	out := make([]*data.Capsule, 0, len(in))
	for _, c := range in {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

type Stats struct {
	Rules             int   `json:"rules"`
	EnabledRules      int   `json:"enabledRules"`
	ActiveCapsules    int   `json:"activeCapsules"`
	PendingConsensus  int   `json:"pendingConsensus"`
	ReadingsProcessed int64 `json:"readingsProcessed"`
	RuleMatches       int64 `json:"ruleMatches"`
	ConsensusEnabled  bool  `json:"consensusEnabled"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	enabled := 0
	for _, r := range e.rules {
		if r.Enabled {
			enabled++
		}
	}
	return Stats{
		Rules:             len(e.rules),
		EnabledRules:      enabled,
		ActiveCapsules:    len(e.active),
		PendingConsensus:  len(e.pending),
		ReadingsProcessed: e.readings,
		RuleMatches:       e.matches,
		ConsensusEnabled:  e.consensusEnabled,
	}
}

// Close abandons in-flight consensus rounds and waits for them to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

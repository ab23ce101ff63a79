// Package consensus gates candidate capsules on agreement between
// independent validators.
package consensus

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/metrics"
)

const (
	DefaultPCTThreshold      = 0.90
	DefaultValidityThreshold = 0.75
	DefaultMinQuorum         = 2
	DefaultTimeout           = 5 * time.Second
	DefaultRejectionLogSize  = 256
)

var (
	ErrInvalidThreshold = errors.New("threshold must be within [0,1]")
	ErrInvalidValidator = errors.New("invalid validator")
)

type Config struct {
	PCTThreshold      float64       `mapstructure:"pct_threshold" json:"pctThreshold"`
	ValidityThreshold float64       `mapstructure:"validity_threshold" json:"validityThreshold"`
	MinQuorum         int           `mapstructure:"min_quorum" json:"minQuorum"`
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout"`
	RejectionLogSize  int           `mapstructure:"rejection_log_size" json:"rejectionLogSize"`
}

func DefaultConfig() Config {
	return Config{
		PCTThreshold:      DefaultPCTThreshold,
		ValidityThreshold: DefaultValidityThreshold,
		MinQuorum:         DefaultMinQuorum,
		Timeout:           DefaultTimeout,
		RejectionLogSize:  DefaultRejectionLogSize,
	}
}

// withDefaults also raises MinQuorum to DefaultMinQuorum: a single
// prediction has no agreement to measure.
func (c Config) withDefaults() Config {
	if c.MinQuorum < DefaultMinQuorum {
		c.MinQuorum = DefaultMinQuorum
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RejectionLogSize <= 0 {
		c.RejectionLogSize = DefaultRejectionLogSize
	}
	return c
}

type Options struct {
	Metrics *metrics.Metrics
	Log     *logrus.Entry
	Now     func() time.Time

	// HTTPClient is shared by validators built through NewValidators.
	HTTPClient *http.Client
}

// Rejection is an audit record of a capsule the gate turned down.
type Rejection struct {
	Capsule *data.Capsule        `json:"capsule"`
	Result  data.ConsensusResult `json:"result"`
}

// ValidatorInfo describes a configured validator.
type ValidatorInfo struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Settings is a snapshot of the gate's runtime configuration.
type Settings struct {
	PCTThreshold      float64         `json:"pctThreshold"`
	ValidityThreshold float64         `json:"validityThreshold"`
	MinQuorum         int             `json:"minQuorum"`
	TimeoutMS         int64           `json:"timeoutMs"`
	Validators        []ValidatorInfo `json:"validators"`
}

// ValidatorHealth is the outcome of one health probe.
type ValidatorHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Checked bool   `json:"checked"`
	Error   string `json:"error,omitempty"`
}

// Gate queries validators in parallel and approves a capsule only when they
// agree with each other and the weighted score is high enough.
type Gate struct {
	mu         sync.RWMutex
	cfg        Config
	validators []Validator

	rejections *lru.Cache[string, Rejection]
	metrics    *metrics.Metrics
	log        *logrus.Entry
	tracer     trace.Tracer
	now        func() time.Time
	client     *http.Client
}

func NewGate(cfg Config, validators []Validator, opts Options) (*Gate, error) {
	cfg = cfg.withDefaults()
	if err := checkThresholds(cfg.PCTThreshold, cfg.ValidityThreshold); err != nil {
		return nil, err
	}
	if err := checkValidators(validators); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Rejection](cfg.RejectionLogSize)
	if err != nil {
		return nil, errors.Wrap(err, "create rejection log")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		cfg:        cfg,
		validators: append([]Validator(nil), validators...),
		rejections: cache,
		metrics:    opts.Metrics,
		log:        opts.Log,
		tracer:     otel.Tracer("github.com/industriverse/capsuleflow/internal/consensus"),
		now:        opts.Now,
		client:     opts.HTTPClient,
	}, nil
}

func checkThresholds(pct, validity float64) error {
	if pct < 0 || pct > 1 || math.IsNaN(pct) {
		return errors.Wrapf(ErrInvalidThreshold, "pct threshold %v", pct)
	}
	if validity < 0 || validity > 1 || math.IsNaN(validity) {
		return errors.Wrapf(ErrInvalidThreshold, "validity threshold %v", validity)
	}
	return nil
}

func checkValidators(validators []Validator) error {
	seen := make(map[string]bool, len(validators))
	for _, v := range validators {
		if v == nil {
			return errors.Wrap(ErrInvalidValidator, "nil validator")
		}
		if seen[v.Name()] {
			return errors.Wrapf(ErrInvalidValidator, "duplicate validator %s", v.Name())
		}
		if v.Weight() <= 0 {
			return errors.Wrapf(ErrInvalidValidator, "validator %s: weight must be positive", v.Name())
		}
		seen[v.Name()] = true
	}
	return nil
}

// NewValidators builds HTTP validators from cfgs without touching the
// current set, so callers can check a whole update before applying any of it.
func (g *Gate) NewValidators(cfgs []ValidatorConfig) ([]Validator, error) {
	validators := make([]Validator, 0, len(cfgs))
	for _, vc := range cfgs {
		v, err := NewHTTPValidator(vc, g.client)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if err := checkValidators(validators); err != nil {
		return nil, err
	}
	return validators, nil
}

// SetValidators replaces the validator set. Rounds already in flight keep
// the set they started with.
func (g *Gate) SetValidators(validators []Validator) error {
	if err := checkValidators(validators); err != nil {
		return err
	}
	g.mu.Lock()
	g.validators = append([]Validator(nil), validators...)
	g.mu.Unlock()
	g.log.WithField("validators", len(validators)).Info("validator set replaced")
	return nil
}

func (g *Gate) SetThresholds(pct, validity float64) error {
	if err := checkThresholds(pct, validity); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg.PCTThreshold = pct
	g.cfg.ValidityThreshold = validity
	g.mu.Unlock()
	g.log.WithFields(logrus.Fields{"pct_threshold": pct, "validity_threshold": validity}).Info("consensus thresholds changed")
	return nil
}

func (g *Gate) Settings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	infos := make([]ValidatorInfo, 0, len(g.validators))
	for _, v := range g.validators {
		infos = append(infos, ValidatorInfo{Name: v.Name(), Weight: v.Weight()})
	}
	return Settings{
		PCTThreshold:      g.cfg.PCTThreshold,
		ValidityThreshold: g.cfg.ValidityThreshold,
		MinQuorum:         g.cfg.MinQuorum,
		TimeoutMS:         g.cfg.Timeout.Milliseconds(),
		Validators:        infos,
	}
}

func (g *Gate) snapshot() (Config, []Validator) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg, append([]Validator(nil), g.validators...)
}

// Validate asks every validator about the capsule and returns the decision.
// Each validator gets cfg.Timeout; the round takes as long as the slowest
// one, never longer than the timeout.
func (g *Gate) Validate(ctx context.Context, capsule *data.Capsule) data.ConsensusResult {
	start := g.now()
	cfg, validators := g.snapshot()

	ctx, span := g.tracer.Start(ctx, "consensus.validate", trace.WithAttributes(
		attribute.String("capsule.id", capsule.ID),
		attribute.String("rule.id", capsule.RuleID()),
		attribute.Int("validators", len(validators)),
	))
	defer span.End()

	h := NewHypothesis(capsule)
	predictions := make([]data.Prediction, len(validators))

	var wg sync.WaitGroup
	for i, v := range validators {
		wg.Add(1)
		go func(i int, v Validator) {
			defer wg.Done()
			predictions[i] = g.ask(ctx, v, h, cfg.Timeout)
		}(i, v)
	}
	wg.Wait()

	result := decide(predictions, cfg)
	result.Timestamp = g.now()

	span.SetAttributes(
		attribute.Bool("consensus.approved", result.Approved),
		attribute.Float64("consensus.agreement", result.AgreementScore),
		attribute.Float64("consensus.weighted", result.WeightedScore),
		attribute.Int("consensus.responded", result.Responded),
	)

	outcome := "approved"
	if !result.Approved {
		outcome = "rejected"
		g.rejections.Add(capsule.ID, Rejection{Capsule: capsule.Clone(), Result: result})
	}
	g.metrics.ObserveConsensus(outcome, g.now().Sub(start))

	g.log.WithFields(logrus.Fields{
		"capsule_id": capsule.ID,
		"outcome":    outcome,
		"agreement":  result.AgreementScore,
		"weighted":   result.WeightedScore,
		"responded":  result.Responded,
	}).Info(result.Reason)
	return result
}

type answer struct {
	verdict Verdict
	err     error
}

// ask runs one query under its own deadline. A validator that ignores its
// context is abandoned when the deadline passes.
func (g *Gate) ask(ctx context.Context, v Validator, h Hypothesis, timeout time.Duration) data.Prediction {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	done := make(chan answer, 1)
	go func() {
		verdict, err := v.Query(qctx, h)
		done <- answer{verdict: verdict, err: err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-qctx.Done():
		a.err = errors.Wrapf(qctx.Err(), "validator %s", v.Name())
	}

	p := data.Prediction{
		ValidatorID: v.Name(),
		Weight:      v.Weight(),
		LatencyMS:   time.Since(began).Milliseconds(),
	}
	if a.err == nil {
		s := a.verdict.ValidityScore
		if math.IsNaN(s) || s < 0 || s > 1 {
			a.err = errors.Wrapf(ErrScoreRange, "validator %s: score %v", v.Name(), s)
		}
	}
	if a.err != nil {
		p.Status = data.PredictionError
		p.Error = a.err.Error()
		g.metrics.IncValidatorError(v.Name())
		g.log.WithFields(logrus.Fields{"validator": v.Name(), "error": a.err}).Warn("validator failed")
		return p
	}

	p.Status = data.PredictionSuccess
	p.Score = a.verdict.ValidityScore
	p.Confidence = a.verdict.Confidence
	return p
}

// decide scores the successful predictions. Errored ones are reported but
// take no part in the arithmetic.
func decide(predictions []data.Prediction, cfg Config) data.ConsensusResult {
	result := data.ConsensusResult{Predictions: predictions}

	var scores, weights []float64
	for _, p := range predictions {
		if p.Status == data.PredictionSuccess {
			scores = append(scores, p.Score)
			weights = append(weights, p.Weight)
		}
	}
	result.Responded = len(scores)

	if len(scores) < cfg.MinQuorum {
		result.Reason = fmt.Sprintf("insufficient validators: %d of %d responded, need %d",
			len(scores), len(predictions), cfg.MinQuorum)
		return result
	}

	result.MeanScore = mean(scores)
	result.AgreementScore = agreement(scores)
	result.WeightedScore = weighted(scores, weights)

	switch {
	case result.AgreementScore < cfg.PCTThreshold:
		result.Reason = fmt.Sprintf("agreement %.4f below threshold %.2f", result.AgreementScore, cfg.PCTThreshold)
	case result.WeightedScore < cfg.ValidityThreshold:
		result.Reason = fmt.Sprintf("weighted score %.4f below threshold %.2f", result.WeightedScore, cfg.ValidityThreshold)
	default:
		result.Approved = true
		result.Reason = "consensus reached"
	}
	return result
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the population standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// agreement is 1 minus the coefficient of variation, clamped to [0,1].
func agreement(scores []float64) float64 {
	m := mean(scores)
	if m <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-stdev(scores)/m))
}

func weighted(scores, weights []float64) float64 {
	var num, den float64
	for i := range scores {
		num += scores[i] * weights[i]
		den += weights[i]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Rejections returns the retained rejection records, newest first.
func (g *Gate) Rejections() []Rejection {
	keys := g.rejections.Keys()
	out := make([]Rejection, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if r, ok := g.rejections.Peek(keys[i]); ok {
			r.Capsule = r.Capsule.Clone()
			out = append(out, r)
		}
	}
	return out
}

// ValidatorHealth probes every validator that supports it, in parallel.
func (g *Gate) ValidatorHealth(ctx context.Context) []ValidatorHealth {
	cfg, validators := g.snapshot()
	out := make([]ValidatorHealth, len(validators))

	var wg sync.WaitGroup
	for i, v := range validators {
		out[i].Name = v.Name()
		hc, ok := v.(HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, hc HealthChecker) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
			out[i].Checked = true
			if err := hc.Health(hctx); err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Healthy = true
		}(i, hc)
	}
	wg.Wait()
	return out
}

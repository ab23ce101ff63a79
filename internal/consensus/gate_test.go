package consensus

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/logging"
)

type staticValidator struct {
	name   string
	weight float64
	score  float64
	err    error
	delay  time.Duration
}

func (v staticValidator) Name() string    { return v.name }
func (v staticValidator) Weight() float64 { return v.weight }

// Query sleeps without watching ctx so the gate's own deadline is exercised.
func (v staticValidator) Query(_ context.Context, _ Hypothesis) (Verdict, error) {
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	if v.err != nil {
		return Verdict{}, v.err
	}
	return Verdict{ValidityScore: v.score, Confidence: 0.9}, nil
}

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Name() string    { return m.Called().String(0) }
func (m *mockValidator) Weight() float64 { return m.Called().Get(0).(float64) }
func (m *mockValidator) Query(ctx context.Context, h Hypothesis) (Verdict, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(Verdict), args.Error(1)
}

func candidate() *data.Capsule {
	return &data.Capsule{
		ID:       "capsule_1_abc",
		Title:    "Motor 001 Overheating",
		Status:   data.CapsuleCritical,
		Priority: data.PriorityHigh,
		Metrics: data.CapsuleMetrics{
			Metric:    "temperature",
			Value:     85,
			Threshold: 80,
			Operator:  data.OpGreater,
			SensorID:  "motor_001",
			RuleID:    "temp_critical",
		},
		Metadata: map[string]interface{}{"ruleId": "temp_critical"},
	}
}

func newGate(t *testing.T, cfg Config, vs ...Validator) *Gate {
	t.Helper()
	g, err := NewGate(cfg, vs, Options{Log: logging.Discard()})
	require.NoError(t, err)
	return g
}

func TestGate_AgreementMath(t *testing.T) {
	g := newGate(t, DefaultConfig(),
		staticValidator{name: "a", weight: 1.5, score: 0.95},
		staticValidator{name: "b", weight: 0.8, score: 0.93},
	)

	result := g.Validate(context.Background(), candidate())

	m := (0.95 + 0.93) / 2
	sd := math.Sqrt(((0.95-m)*(0.95-m) + (0.93-m)*(0.93-m)) / 2)
	assert.InDelta(t, 1-sd/m, result.AgreementScore, 1e-6)
	assert.InDelta(t, (0.95*1.5+0.93*0.8)/(1.5+0.8), result.WeightedScore, 1e-6)
	assert.InDelta(t, m, result.MeanScore, 1e-6)
	assert.Equal(t, 2, result.Responded)
	assert.True(t, result.Approved)
	assert.Empty(t, g.Rejections())
}

func TestGate_QuorumNotMet(t *testing.T) {
	g := newGate(t, DefaultConfig(),
		staticValidator{name: "a", weight: 1, score: 1.0},
		staticValidator{name: "b", weight: 1, err: errors.New("connection refused")},
	)

	result := g.Validate(context.Background(), candidate())

	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "insufficient validators")
	assert.Equal(t, 1, result.Responded)
	require.Len(t, result.Predictions, 2)
	assert.Equal(t, data.PredictionError, result.Predictions[1].Status)
	assert.Zero(t, result.Predictions[1].Score)

	rejections := g.Rejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, "capsule_1_abc", rejections[0].Capsule.ID)
}

func TestGate_NoValidators(t *testing.T) {
	g := newGate(t, DefaultConfig())
	result := g.Validate(context.Background(), candidate())
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "insufficient validators")
}

func TestGate_SlowValidatorTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	g := newGate(t, cfg,
		staticValidator{name: "fast1", weight: 1, score: 0.9},
		staticValidator{name: "fast2", weight: 1, score: 0.9},
		staticValidator{name: "slow", weight: 1, score: 0.9, delay: 2 * time.Second},
	)

	start := time.Now()
	result := g.Validate(context.Background(), candidate())

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, result.Approved)
	assert.Equal(t, 2, result.Responded)
	assert.Equal(t, data.PredictionError, result.Predictions[2].Status)
	assert.Contains(t, result.Predictions[2].Error, "deadline")
}

func TestGate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		scores [2]float64
		reason string
	}{
		{name: "validators disagree", scores: [2]float64{0.95, 0.35}, reason: "agreement"},
		{name: "agree on a low score", scores: [2]float64{0.5, 0.5}, reason: "weighted score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, DefaultConfig(),
				staticValidator{name: "a", weight: 1, score: tt.scores[0]},
				staticValidator{name: "b", weight: 1, score: tt.scores[1]},
			)
			result := g.Validate(context.Background(), candidate())
			assert.False(t, result.Approved)
			assert.Contains(t, result.Reason, tt.reason)
			assert.Len(t, g.Rejections(), 1)
		})
	}
}

func TestGate_OutOfRangeScoreIsAnError(t *testing.T) {
	g := newGate(t, DefaultConfig(),
		staticValidator{name: "a", weight: 1, score: 1.5},
		staticValidator{name: "b", weight: 1, score: 0.9},
		staticValidator{name: "c", weight: 1, score: 0.9},
	)
	result := g.Validate(context.Background(), candidate())
	assert.Equal(t, data.PredictionError, result.Predictions[0].Status)
	assert.Contains(t, result.Predictions[0].Error, "outside [0,1]")
	assert.True(t, result.Approved)
}

func TestGate_PassesHypothesisToValidator(t *testing.T) {
	v := &mockValidator{}
	v.On("Name").Return("mocked")
	v.On("Weight").Return(1.0)
	v.On("Query", mock.Anything, mock.MatchedBy(func(h Hypothesis) bool {
		return h.CapsuleID == "capsule_1_abc" && h.RuleID == "temp_critical" && h.Value == 85 && h.Operator == ">"
	})).Return(Verdict{ValidityScore: 0.9, Confidence: 0.7}, nil)

	g := newGate(t, DefaultConfig(), v, staticValidator{name: "b", weight: 1, score: 0.9})
	result := g.Validate(context.Background(), candidate())

	assert.True(t, result.Approved)
	assert.Equal(t, 0.7, result.Predictions[0].Confidence)
	v.AssertExpectations(t)
}

func TestGate_RuntimeConfiguration(t *testing.T) {
	g := newGate(t, DefaultConfig(),
		staticValidator{name: "a", weight: 1, score: 0.6},
		staticValidator{name: "b", weight: 1, score: 0.6},
	)
	assert.False(t, g.Validate(context.Background(), candidate()).Approved)

	require.NoError(t, g.SetThresholds(0.9, 0.5))
	assert.True(t, g.Validate(context.Background(), candidate()).Approved)

	assert.True(t, errors.Is(g.SetThresholds(1.2, 0.5), ErrInvalidThreshold))
	assert.Error(t, g.SetValidators([]Validator{
		staticValidator{name: "dup", weight: 1},
		staticValidator{name: "dup", weight: 1},
	}))
	assert.Error(t, g.SetValidators([]Validator{staticValidator{name: "zero", weight: 0}}))

	require.NoError(t, g.SetValidators([]Validator{staticValidator{name: "only", weight: 2, score: 1}}))
	settings := g.Settings()
	assert.Equal(t, 0.5, settings.ValidityThreshold)
	assert.Equal(t, 2, settings.MinQuorum)
	assert.Equal(t, int64(5000), settings.TimeoutMS)
	assert.Equal(t, []ValidatorInfo{{Name: "only", Weight: 2}}, settings.Validators)
	assert.False(t, g.Validate(context.Background(), candidate()).Approved)
}

func TestGate_MinQuorumNeverBelowTwo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinQuorum = 1
	g := newGate(t, cfg, staticValidator{name: "solo", weight: 1, score: 0.99})

	assert.Equal(t, DefaultMinQuorum, g.Settings().MinQuorum)
	result := g.Validate(context.Background(), candidate())
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reason, "insufficient validators")
}

func TestGate_NewValidatorsLeavesCurrentSet(t *testing.T) {
	g := newGate(t, DefaultConfig(), staticValidator{name: "a", weight: 1, score: 0.9})

	built, err := g.NewValidators([]ValidatorConfig{
		{Name: "thermal", URL: "http://thermal:9000/v1/validate", Weight: 2},
		{Name: "vibration", URL: "https://vibration/v1/validate", Weight: 1},
	})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, []ValidatorInfo{{Name: "a", Weight: 1}}, g.Settings().Validators)

	require.NoError(t, g.SetValidators(built))
	assert.Equal(t, []ValidatorInfo{{Name: "thermal", Weight: 2}, {Name: "vibration", Weight: 1}}, g.Settings().Validators)

	_, err = g.NewValidators([]ValidatorConfig{
		{Name: "dup", URL: "http://a/v1/validate", Weight: 1},
		{Name: "dup", URL: "http://b/v1/validate", Weight: 1},
	})
	assert.True(t, errors.Is(err, ErrInvalidValidator))
	_, err = g.NewValidators([]ValidatorConfig{{Name: "bad", URL: "ftp://a", Weight: 1}})
	assert.True(t, errors.Is(err, ErrInvalidValidator))
	assert.Len(t, g.Settings().Validators, 2)
}

func TestGate_RejectionLogIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RejectionLogSize = 2
	g := newGate(t, cfg)

	for _, id := range []string{"c1", "c2", "c3"} {
		c := candidate()
		c.ID = id
		g.Validate(context.Background(), c)
	}

	rejections := g.Rejections()
	require.Len(t, rejections, 2)
	assert.Equal(t, "c3", rejections[0].Capsule.ID)
	assert.Equal(t, "c2", rejections[1].Capsule.ID)
}

func TestAgreementEdgeCases(t *testing.T) {
	assert.Zero(t, agreement([]float64{0, 0}))
	assert.Equal(t, 1.0, agreement([]float64{0.8, 0.8, 0.8}))
	assert.Zero(t, agreement([]float64{1, 0, 0, 0}), "wide spread clamps at zero")
}

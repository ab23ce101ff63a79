// internal/consensus/validator.go
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/industriverse/capsuleflow/internal/data"
)

var (
	ErrValidatorStatus = errors.New("validator returned non-2xx status")
	ErrScoreRange      = errors.New("validity score outside [0,1]")
)

// Hypothesis is what validators are asked to judge: a candidate capsule and
// the reading that triggered it.
type Hypothesis struct {
	CapsuleID    string      `json:"capsuleId"`
	RuleID       string      `json:"ruleId"`
	SensorID     string      `json:"sensorId"`
	Title        string      `json:"title"`
	Status       string      `json:"status"`
	Priority     string      `json:"priority"`
	Metric       string      `json:"metric"`
	Value        float64     `json:"value"`
	Threshold    float64     `json:"threshold"`
	Operator     string      `json:"operator"`
	Timestamp    time.Time   `json:"timestamp"`
	TenantID     string      `json:"tenantId,omitempty"`
	DeploymentID string      `json:"deploymentId,omitempty"`
	Values       interface{} `json:"values,omitempty"`
}

func NewHypothesis(c *data.Capsule) Hypothesis {
	return Hypothesis{
		CapsuleID:    c.ID,
		RuleID:       c.RuleID(),
		SensorID:     c.Metrics.SensorID,
		Title:        c.Title,
		Status:       string(c.Status),
		Priority:     string(c.Priority),
		Metric:       c.Metrics.Metric,
		Value:        c.Metrics.Value,
		Threshold:    c.Metrics.Threshold,
		Operator:     string(c.Metrics.Operator),
		Timestamp:    c.Metrics.Timestamp,
		TenantID:     c.TenantID,
		DeploymentID: c.DeploymentID,
		Values:       c.Metrics.Values,
	}
}

// Verdict is a validator's answer.
type Verdict struct {
	ValidityScore float64 `json:"validity_score"`
	Confidence    float64 `json:"confidence"`
}

// Validator is one independent judge consulted by the gate.
type Validator interface {
	Name() string
	Weight() float64
	Query(ctx context.Context, h Hypothesis) (Verdict, error)
}

// HealthChecker is implemented by validators that expose a health probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ValidatorConfig describes a remote validator.
type ValidatorConfig struct {
	Name   string  `mapstructure:"name" json:"name"`
	URL    string  `mapstructure:"url" json:"url"`
	Weight float64 `mapstructure:"weight" json:"weight"`
}

// HTTPValidator posts hypotheses as JSON to a remote endpoint.
type HTTPValidator struct {
	name       string
	weight     float64
	endpoint   *url.URL
	httpClient *http.Client
}

// NewHTTPValidator parses the endpoint up front. A nil client gets one with
// a 10s timeout; the gate applies its own per-query deadline on top.
func NewHTTPValidator(cfg ValidatorConfig, client *http.Client) (*HTTPValidator, error) {
	if cfg.Name == "" {
		return nil, errors.Wrap(ErrInvalidValidator, "validator name is required")
	}
	if cfg.Weight <= 0 {
		return nil, errors.Wrapf(ErrInvalidValidator, "validator %s: weight must be positive", cfg.Name)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidValidator, "validator %s: parse url: %v", cfg.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrInvalidValidator, "validator %s: unsupported url scheme %q", cfg.Name, u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPValidator{name: cfg.Name, weight: cfg.Weight, endpoint: u, httpClient: client}, nil
}

func (v *HTTPValidator) Name() string    { return v.name }
func (v *HTTPValidator) Weight() float64 { return v.weight }

func (v *HTTPValidator) Query(ctx context.Context, h Hypothesis) (Verdict, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return Verdict{}, errors.Wrap(err, "marshal hypothesis")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Verdict{}, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Verdict{}, errors.Wrapf(err, "query validator %s", v.name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, errors.Wrapf(ErrValidatorStatus, "validator %s: status %d", v.name, resp.StatusCode)
	}

	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return Verdict{}, errors.Wrapf(err, "validator %s: decode response", v.name)
	}
	return verdict, nil
}

// Health GETs the "health" path next to the query endpoint, so a validator at
// /v1/validate is probed at /v1/health.
func (v *HTTPValidator) Health(ctx context.Context) error {
	target := v.endpoint.ResolveReference(&url.URL{Path: "health"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "health check %s", v.name)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrValidatorStatus, "validator %s health: status %d", v.name, resp.StatusCode)
	}
	return nil
}

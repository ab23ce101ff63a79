package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/adapter"
	"github.com/industriverse/capsuleflow/internal/consensus"
	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/industriverse/capsuleflow/internal/ingestion"
	"github.com/industriverse/capsuleflow/internal/rules"
)

const maxBodyBytes = 1 << 20

// SensorService is the ingestion coordinator.
type SensorService interface {
	AddSensor(ctx context.Context, cfg data.SensorConfig) (data.SensorConfig, error)
	RemoveSensor(id string)
	UpdateSensor(ctx context.Context, id string, patch data.SensorPatch) (data.SensorConfig, error)
	GetSensor(id string) (data.SensorConfig, bool)
	ListSensors() []data.SensorConfig
	Statistics() ingestion.Statistics
}

// RuleService is the rule engine.
type RuleService interface {
	AddRule(rule data.Rule) error
	RemoveRule(id string) error
	UpdateRule(id string, rule data.Rule) error
	GetRule(id string) (data.Rule, bool)
	ListRules() []data.Rule
	ActiveCapsules() []*data.Capsule
	PendingConsensus() []*data.Capsule
	ResolveCapsule(id string) (*data.Capsule, error)
	DismissCapsule(id string) (*data.Capsule, error)
	SetConsensusEnabled(enabled bool)
	ConsensusEnabled() bool
	Stats() rules.Stats
}

// ConsensusService is the consensus gate.
type ConsensusService interface {
	Settings() consensus.Settings
	SetThresholds(pct, validity float64) error
	NewValidators(cfgs []consensus.ValidatorConfig) ([]consensus.Validator, error)
	SetValidators(validators []consensus.Validator) error
	Rejections() []consensus.Rejection
	ValidatorHealth(ctx context.Context) []consensus.ValidatorHealth
}

// Ingestor accepts pushed payloads for http-protocol sensors.
type Ingestor interface {
	Deliver(sensorID string, payload []byte) error
}

type APIHandler struct {
	sensors   SensorService
	rules     RuleService
	consensus ConsensusService // nil when no gate is configured
	ingest    Ingestor         // nil when http push is disabled
	log       *logrus.Entry
}

func NewAPIHandler(sensors SensorService, ruleSvc RuleService, gate ConsensusService, ingest Ingestor, log *logrus.Entry) *APIHandler {
	return &APIHandler{sensors: sensors, rules: ruleSvc, consensus: gate, ingest: ingest, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps named errors to status codes. Anything unrecognised is a
// 500 and is logged.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, data.ErrInvalidSensor),
		errors.Is(err, data.ErrInvalidRule),
		errors.Is(err, data.ErrMalformedPayload),
		errors.Is(err, adapter.ErrUnsupportedProtocol),
		errors.Is(err, consensus.ErrInvalidThreshold),
		errors.Is(err, consensus.ErrInvalidValidator),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ingestion.ErrSensorNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, rules.ErrCapsuleNotFound),
		errors.Is(err, adapter.ErrNotConnected):
		status = http.StatusNotFound
	case errors.Is(err, ingestion.ErrSensorExists),
		errors.Is(err, rules.ErrRuleExists):
		status = http.StatusConflict
	case errors.Is(err, errNoGate):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var (
	errBadRequest = errors.New("bad request")
	errNoGate     = errors.New("consensus gate is not configured")
)

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

// --- sensors ---

func (h *APIHandler) ListSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sensors.ListSensors())
}

func (h *APIHandler) SensorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sensors.Statistics())
}

func (h *APIHandler) CreateSensor(w http.ResponseWriter, r *http.Request) {
	var cfg data.SensorConfig
	if err := decodeBody(r, &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	added, err := h.sensors.AddSensor(r.Context(), cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *APIHandler) GetSensor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, ok := h.sensors.GetSensor(id)
	if !ok {
		h.writeError(w, r, errors.Wrapf(ingestion.ErrSensorNotFound, "sensor %s", id))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *APIHandler) UpdateSensor(w http.ResponseWriter, r *http.Request) {
	var patch data.SensorPatch
	if err := decodeBody(r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.sensors.UpdateSensor(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteSensor is idempotent.
func (h *APIHandler) DeleteSensor(w http.ResponseWriter, r *http.Request) {
	h.sensors.RemoveSensor(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- rules ---

func (h *APIHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.ListRules())
}

func (h *APIHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule data.Rule
	if err := decodeBody(r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.rules.AddRule(rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *APIHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.rules.GetRule(id)
	if !ok {
		h.writeError(w, r, errors.Wrapf(rules.ErrRuleNotFound, "rule %s", id))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *APIHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule data.Rule
	if err := decodeBody(r, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.rules.UpdateRule(id, rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule.ID = id
	writeJSON(w, http.StatusOK, rule)
}

func (h *APIHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.RemoveRule(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- capsules ---

func (h *APIHandler) ActiveCapsules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.ActiveCapsules())
}

func (h *APIHandler) PendingCapsules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.PendingConsensus())
}

func (h *APIHandler) RejectedCapsules(w http.ResponseWriter, r *http.Request) {
	if h.consensus == nil {
		writeJSON(w, http.StatusOK, []consensus.Rejection{})
		return
	}
	writeJSON(w, http.StatusOK, h.consensus.Rejections())
}

func (h *APIHandler) ResolveCapsule(w http.ResponseWriter, r *http.Request) {
	h.closeCapsule(w, r, h.rules.ResolveCapsule)
}

func (h *APIHandler) DismissCapsule(w http.ResponseWriter, r *http.Request) {
	h.closeCapsule(w, r, h.rules.DismissCapsule)
}

func (h *APIHandler) closeCapsule(w http.ResponseWriter, r *http.Request, closeFn func(string) (*data.Capsule, error)) {
	c, err := closeFn(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- consensus ---

type consensusState struct {
	Enabled  bool                `json:"enabled"`
	Settings *consensus.Settings `json:"settings,omitempty"`
}

type consensusUpdate struct {
	Enabled           *bool                        `json:"enabled,omitempty"`
	PCTThreshold      *float64                     `json:"pctThreshold,omitempty"`
	ValidityThreshold *float64                     `json:"validityThreshold,omitempty"`
	Validators        *[]consensus.ValidatorConfig `json:"validators,omitempty"`
}

func (h *APIHandler) consensusState() consensusState {
	state := consensusState{Enabled: h.rules.ConsensusEnabled()}
	if h.consensus != nil {
		s := h.consensus.Settings()
		state.Settings = &s
	}
	return state
}

func (h *APIHandler) GetConsensus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.consensusState())
}

// UpdateConsensus builds the new validator set before changing anything,
// then applies thresholds. A rejected field leaves every other setting as it
// was.
func (h *APIHandler) UpdateConsensus(w http.ResponseWriter, r *http.Request) {
	var req consensusUpdate
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.consensus == nil && (req.PCTThreshold != nil || req.ValidityThreshold != nil ||
		req.Validators != nil || (req.Enabled != nil && *req.Enabled)) {
		h.writeError(w, r, errNoGate)
		return
	}

	var validators []consensus.Validator
	if req.Validators != nil {
		built, err := h.consensus.NewValidators(*req.Validators)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		validators = built
	}

	if req.PCTThreshold != nil || req.ValidityThreshold != nil {
		current := h.consensus.Settings()
		pct, validity := current.PCTThreshold, current.ValidityThreshold
		if req.PCTThreshold != nil {
			pct = *req.PCTThreshold
		}
		if req.ValidityThreshold != nil {
			validity = *req.ValidityThreshold
		}
		if err := h.consensus.SetThresholds(pct, validity); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Validators != nil {
		if err := h.consensus.SetValidators(validators); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		h.rules.SetConsensusEnabled(*req.Enabled)
	}
	writeJSON(w, http.StatusOK, h.consensusState())
}

func (h *APIHandler) ConsensusHealth(w http.ResponseWriter, r *http.Request) {
	if h.consensus == nil {
		writeJSON(w, http.StatusOK, []consensus.ValidatorHealth{})
		return
	}
	writeJSON(w, http.StatusOK, h.consensus.ValidatorHealth(r.Context()))
}

// --- health ---

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"sensors": h.sensors.Statistics(),
		"rules":   h.rules.Stats(),
	})
}

// --- ingest ---

// HandleDataIngest receives a JSON payload for an http-protocol sensor.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "http ingest is disabled"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, errors.Wrap(errBadRequest, "read body"))
		return
	}

	sensorID := chi.URLParam(r, "sensorID")
	if err := h.ingest.Deliver(sensorID, body); err != nil {
		h.log.WithError(err).WithField("sensor_id", sensorID).Debug("ingest rejected")
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

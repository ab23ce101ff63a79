package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/data"
)

// OPCUAOptions are session settings shared by all OPC-UA sensors.
type OPCUAOptions struct {
	SecurityMode    string        `mapstructure:"security_mode"`
	SecurityPolicy  string        `mapstructure:"security_policy"`
	ApplicationName string        `mapstructure:"application_name"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
}

func (o OPCUAOptions) withDefaults() OPCUAOptions {
	if o.SecurityMode == "" {
		o.SecurityMode = "None"
	}
	if o.SecurityPolicy == "" {
		o.SecurityPolicy = "None"
	}
	if o.ApplicationName == "" {
		o.ApplicationName = "capsuleflow"
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = 500 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	return o
}

// OPCUAAdapter opens one session with one subscription and monitors every
// configured node for value changes.
type OPCUAAdapter struct {
	cfg     data.SensorConfig
	opts    OPCUAOptions
	link    *link
	log     *logrus.Entry
	nodeIDs []*ua.NodeID
	// metricByNode is the reverse of DataMapping, keyed by node id string.
	metricByNode map[string]string

	mu      sync.Mutex
	client  *opcua.Client
	sub     *opcua.Subscription
	handles map[uint32]string
}

func NewOPCUAAdapter(cfg data.SensorConfig, out chan<- Event, policy BackoffPolicy, opts OPCUAOptions, log *logrus.Entry) (*OPCUAAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Wrapf(data.ErrInvalidSensor, "sensor %s: opcua endpoint is required", cfg.ID)
	}
	if len(cfg.NodeIDs) == 0 {
		return nil, errors.Wrapf(data.ErrInvalidSensor, "sensor %s: at least one node id is required", cfg.ID)
	}

	nodeIDs := make([]*ua.NodeID, 0, len(cfg.NodeIDs))
	for _, raw := range cfg.NodeIDs {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, errors.Wrapf(data.ErrInvalidSensor, "sensor %s: parse node id %q: %v", cfg.ID, raw, err)
		}
		nodeIDs = append(nodeIDs, id)
	}

	metricByNode := make(map[string]string, len(cfg.DataMapping))
	for metric, node := range cfg.DataMapping {
		metricByNode[node] = metric
	}

	a := &OPCUAAdapter{
		cfg:          cfg.Clone(),
		opts:         opts.withDefaults(),
		log:          log.WithFields(logrus.Fields{"sensor_id": cfg.ID, "protocol": data.ProtocolOPCUA}),
		nodeIDs:      nodeIDs,
		metricByNode: metricByNode,
	}
	a.link = newLink(cfg.ID, out, policy, a.log)
	a.link.dial = a.dial
	a.link.hangup = a.hangup
	return a, nil
}

func (a *OPCUAAdapter) SensorID() string { return a.cfg.ID }

func (a *OPCUAAdapter) Connect(ctx context.Context) error { return a.link.connect(ctx) }

func (a *OPCUAAdapter) Disconnect() error {
	a.link.close()
	return nil
}

func (a *OPCUAAdapter) IsConnected() bool { return a.link.isConnected() }

func (a *OPCUAAdapter) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(a.opts.SecurityMode)),
		opcua.SecurityPolicy(a.opts.SecurityPolicy),
		opcua.ApplicationName(a.opts.ApplicationName),
		opcua.AutoReconnect(false),
	}
	if a.cfg.Credentials != nil && a.cfg.Credentials.Username != "" {
		opts = append(opts, opcua.AuthUsername(a.cfg.Credentials.Username, a.cfg.Credentials.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (a *OPCUAAdapter) dial(ctx context.Context) error {
	client, err := opcua.NewClient(a.cfg.Endpoint, a.clientOptions()...)
	if err != nil {
		return errors.Wrap(err, "opcua new client")
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return errors.Wrapf(err, "opcua connect %s", a.cfg.Endpoint)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(a.nodeIDs)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: a.opts.PublishInterval,
	}, notifyCh)
	if err != nil {
		return errors.Wrap(err, "opcua subscribe")
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	handles := make(map[uint32]string, len(a.nodeIDs))
	for i, nodeID := range a.nodeIDs {
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if a.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(a.cfg.SamplingInterval)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			return errors.Wrapf(err, "monitor node %s", a.cfg.NodeIDs[i])
		}
		if len(res.Results) == 0 {
			return errors.Errorf("monitor node %s: empty result", a.cfg.NodeIDs[i])
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			return errors.Errorf("monitor node %s: %s", a.cfg.NodeIDs[i], res.Results[0].StatusCode)
		}
		handles[handle] = a.cfg.NodeIDs[i]
	}

	a.mu.Lock()
	a.handles = handles
	a.mu.Unlock()

	a.link.goroutine(ctx, func() { a.consume(ctx, client, notifyCh) })
	return nil
}

func (a *OPCUAAdapter) hangup() {
	a.mu.Lock()
	sub, client := a.sub, a.client
	a.sub, a.client = nil, nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			a.log.WithError(err).Debug("cancel subscription")
		}
	}
	if client != nil {
		if err := client.Close(ctx); err != nil {
			a.log.WithError(err).Debug("close session")
		}
	}
}

func (a *OPCUAAdapter) consume(ctx context.Context, client *opcua.Client, ch <-chan *opcua.PublishNotificationData) {
	health := time.NewTicker(a.opts.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			if state := client.State(); state == opcua.Closed || state == opcua.Disconnected {
				a.link.lost(errors.Errorf("session state %v", state))
				return
			}
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				a.link.emitCurrent(ErrorEvent(a.cfg.ID, errors.Wrap(notif.Error, "opcua notification"), false))
				continue
			}
			a.processNotification(notif.Value)
		}
	}
}

func (a *OPCUAAdapter) processNotification(val interface{}) {
	change, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	a.mu.Lock()
	handles := a.handles
	a.mu.Unlock()

	for _, item := range change.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		node, ok := handles[item.ClientHandle]
		if !ok {
			continue
		}
		metric, ok := a.metricByNode[node]
		if !ok {
			a.log.WithField("node_id", node).Debug("no metric mapped for node")
			continue
		}
		value, ok := variantValue(item.Value.Value)
		if !ok {
			a.link.emitCurrent(ErrorEvent(a.cfg.ID, errors.Errorf("node %s: unsupported value type", node), false))
			continue
		}

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}

		raw, err := json.Marshal(rawDataValue{
			NodeID:          node,
			Value:           value,
			Status:          uint32(item.Value.Status),
			SourceTimestamp: item.Value.SourceTimestamp,
			ServerTimestamp: item.Value.ServerTimestamp,
		})
		if err != nil {
			a.log.WithError(err).WithField("node_id", node).Debug("encode raw value")
		}

		a.link.emitCurrent(ReadingEvent(&data.SensorReading{
			SensorID:  a.cfg.ID,
			Timestamp: ts,
			Values:    map[string]interface{}{metric: value},
			Raw:       raw,
		}))
	}
}

// rawDataValue is the audit copy of one value change kept on the reading.
type rawDataValue struct {
	NodeID          string      `json:"nodeId"`
	Value           interface{} `json:"value"`
	Status          uint32      `json:"status"`
	SourceTimestamp time.Time   `json:"sourceTimestamp,omitempty"`
	ServerTimestamp time.Time   `json:"serverTimestamp,omitempty"`
}

func variantValue(v *ua.Variant) (interface{}, bool) {
	if v == nil {
		return nil, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		return val, true
	case string:
		return val, true
	default:
		return nil, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

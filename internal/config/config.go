// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/industriverse/capsuleflow/internal/adapter"
	"github.com/industriverse/capsuleflow/internal/auth"
	"github.com/industriverse/capsuleflow/internal/broadcast"
	"github.com/industriverse/capsuleflow/internal/consensus"
	"github.com/industriverse/capsuleflow/internal/storage"
)

const EnvPrefix = "CAPSULEFLOW"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      auth.Config     `mapstructure:"auth"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	DataPort        int           `mapstructure:"data_port"`
	UIPort          int           `mapstructure:"ui_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type IngestionConfig struct {
	// SensorsFile is a YAML file with a top-level "sensors" list.
	SensorsFile string                `mapstructure:"sensors_file"`
	HTTPPush    bool                  `mapstructure:"http_push"`
	HistorySize int                   `mapstructure:"history_size"`
	Backoff     adapter.BackoffPolicy `mapstructure:"backoff"`
	MQTT        adapter.MQTTOptions   `mapstructure:"mqtt"`
	OPCUA       adapter.OPCUAOptions  `mapstructure:"opcua"`
}

type RulesConfig struct {
	File string `mapstructure:"file"`
}

type ConsensusConfig struct {
	Enabled          bool                        `mapstructure:"enabled"`
	Gate             consensus.Config            `mapstructure:",squash"`
	ValidatorTimeout time.Duration               `mapstructure:"http_timeout"`
	Validators       []consensus.ValidatorConfig `mapstructure:"validators"`
}

type BroadcastConfig struct {
	QueueSize      int                  `mapstructure:"queue_size"`
	SendTimeout    time.Duration        `mapstructure:"send_timeout"`
	ClientBuffer   int                  `mapstructure:"client_buffer"`
	AllowedOrigins []string             `mapstructure:"allowed_origins"`
	NATS           broadcast.NATSConfig `mapstructure:"nats"`
	AMQP           broadcast.AMQPConfig `mapstructure:"amqp"`
}

type TelemetryConfig struct {
	OTelEndpoint string `mapstructure:"otel_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// Load reads config.yaml from dir (if present), applies CAPSULEFLOW_*
// environment overrides and fills in defaults. A missing file is not an
// error; a malformed one is.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_issuer", "capsuleflow")

	backoff := adapter.DefaultBackoffPolicy()
	v.SetDefault("ingestion.http_push", true)
	v.SetDefault("ingestion.history_size", storage.DefaultHistorySize)
	v.SetDefault("ingestion.backoff.base", backoff.Base)
	v.SetDefault("ingestion.backoff.cap", backoff.Cap)
	v.SetDefault("ingestion.backoff.max_attempts", backoff.MaxAttempts)
	v.SetDefault("ingestion.mqtt.client_id_prefix", "capsuleflow")
	v.SetDefault("ingestion.mqtt.connect_timeout", "10s")
	v.SetDefault("ingestion.mqtt.keep_alive", "30s")
	v.SetDefault("ingestion.opcua.security_mode", "None")
	v.SetDefault("ingestion.opcua.security_policy", "None")
	v.SetDefault("ingestion.opcua.application_name", "capsuleflow")
	v.SetDefault("ingestion.opcua.publish_interval", "1s")
	v.SetDefault("ingestion.opcua.connect_timeout", "10s")
	v.SetDefault("ingestion.opcua.health_interval", "5s")

	gate := consensus.DefaultConfig()
	v.SetDefault("consensus.enabled", false)
	v.SetDefault("consensus.pct_threshold", gate.PCTThreshold)
	v.SetDefault("consensus.validity_threshold", gate.ValidityThreshold)
	v.SetDefault("consensus.min_quorum", gate.MinQuorum)
	v.SetDefault("consensus.timeout", gate.Timeout)
	v.SetDefault("consensus.rejection_log_size", gate.RejectionLogSize)
	v.SetDefault("consensus.http_timeout", "10s")

	v.SetDefault("broadcast.queue_size", broadcast.DefaultQueueSize)
	v.SetDefault("broadcast.send_timeout", broadcast.DefaultSendTimeout)
	v.SetDefault("broadcast.client_buffer", 64)
	v.SetDefault("broadcast.nats.subject_prefix", broadcast.DefaultSubjectPrefix)
	v.SetDefault("broadcast.amqp.exchange", broadcast.DefaultExchange)

	v.SetDefault("telemetry.service_name", "capsuleflow")
}

// Validate catches settings that would only fail later at start-up.
func (c *Config) Validate() error {
	if c.Server.DataPort <= 0 || c.Server.UIPort <= 0 {
		return errors.New("server ports must be positive")
	}
	if c.Server.DataPort == c.Server.UIPort {
		return errors.Errorf("data_port and ui_port must differ, both are %d", c.Server.DataPort)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth is enabled but neither jwt_secret nor api_keys is set")
	}
	if c.Ingestion.Backoff.MaxAttempts <= 0 {
		return errors.New("ingestion.backoff.max_attempts must be positive")
	}
	if c.Consensus.Gate.MinQuorum < consensus.DefaultMinQuorum {
		return errors.Errorf("consensus.min_quorum must be at least %d, got %d", consensus.DefaultMinQuorum, c.Consensus.Gate.MinQuorum)
	}
	if c.Consensus.Enabled && len(c.Consensus.Validators) == 0 {
		return errors.New("consensus is enabled but no validators are configured")
	}
	return nil
}

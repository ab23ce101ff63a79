// cmd/gateway/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industriverse/capsuleflow/internal/adapter"
	"github.com/industriverse/capsuleflow/internal/api"
	"github.com/industriverse/capsuleflow/internal/auth"
	"github.com/industriverse/capsuleflow/internal/broadcast"
	"github.com/industriverse/capsuleflow/internal/config"
	"github.com/industriverse/capsuleflow/internal/consensus"
	"github.com/industriverse/capsuleflow/internal/ingestion"
	"github.com/industriverse/capsuleflow/internal/logging"
	"github.com/industriverse/capsuleflow/internal/metrics"
	"github.com/industriverse/capsuleflow/internal/pipeline"
	"github.com/industriverse/capsuleflow/internal/rules"
	"github.com/industriverse/capsuleflow/internal/storage"
	"github.com/industriverse/capsuleflow/internal/telemetry"
	"github.com/industriverse/capsuleflow/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logs := logging.NewLogrus(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	log := logs.Get("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTelEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	}

	m := metrics.New()
	history := storage.NewHistoryStore(cfg.Ingestion.HistorySize)

	// --- Broadcast ---
	hub := websocket.NewHub(websocket.Options{
		ClientBuffer:   cfg.Broadcast.ClientBuffer,
		AllowedOrigins: cfg.Broadcast.AllowedOrigins,
		Metrics:        m,
		Log:            logs.Get("websocket"),
	})
	go hub.Run(ctx)

	transports := []broadcast.Transport{hub}
	if cfg.Broadcast.NATS.URL != "" {
		nt, err := broadcast.DialNATS(cfg.Broadcast.NATS, logs.Get("nats"))
		if err != nil {
			log.WithError(err).Warn("nats transport disabled")
		} else {
			defer nt.Close()
			transports = append(transports, nt)
		}
	}
	if cfg.Broadcast.AMQP.URL != "" {
		at, err := broadcast.DialAMQP(cfg.Broadcast.AMQP)
		if err != nil {
			log.WithError(err).Warn("amqp transport disabled")
		} else {
			defer at.Close()
			transports = append(transports, at)
		}
	}
	gateway := broadcast.NewGateway(broadcast.Options{
		QueueSize:   cfg.Broadcast.QueueSize,
		SendTimeout: cfg.Broadcast.SendTimeout,
		Metrics:     m,
		Log:         logs.Get("broadcast"),
	}, transports...)

	// --- Consensus and rules ---
	// The gate exists even with no validators so they can be added over the API.
	gate, err := buildGate(cfg.Consensus, m, logs.Get("consensus"))
	if err != nil {
		log.WithError(err).Fatal("failed to build consensus gate")
	}

	engine := rules.NewEngine(history, gate, gateway, rules.Options{
		ConsensusEnabled: cfg.Consensus.Enabled,
		Metrics:          m,
		Log:              logs.Get("rules"),
	})
	if cfg.Rules.File != "" {
		loaded, err := rules.LoadFile(cfg.Rules.File)
		if err != nil {
			log.WithError(err).Fatal("failed to load rules")
		}
		n, err := rules.Seed(engine, loaded)
		if err != nil {
			log.WithError(err).Fatal("failed to seed rules")
		}
		log.WithField("rules", n).Info("rules loaded")
	}

	// --- Ingestion ---
	var push *adapter.PushRegistry
	var ingest api.Ingestor
	if cfg.Ingestion.HTTPPush {
		push = adapter.NewPushRegistry()
		ingest = push
	}
	factory := adapter.NewFactory(adapter.Options{
		Backoff: cfg.Ingestion.Backoff,
		MQTT:    cfg.Ingestion.MQTT,
		OPCUA:   cfg.Ingestion.OPCUA,
		Push:    push,
		Log:     logs.Get("adapter"),
	})
	coord := ingestion.NewCoordinator(factory, history, logs.Get("ingestion"))

	pipe := pipeline.New(coord.Events(), engine, m, logs.Get("pipeline"))
	go pipe.Run(ctx)

	if cfg.Ingestion.SensorsFile != "" {
		sensors, err := ingestion.LoadSensors(cfg.Ingestion.SensorsFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load sensors")
		}
		n, err := coord.AddSensors(ctx, sensors)
		if err != nil {
			log.WithError(err).Fatal("failed to register sensors")
		}
		log.WithField("sensors", n).Info("sensors registered")
	}

	// --- HTTP servers ---
	apiHandler := api.NewAPIHandler(coord, engine, gate, ingest, logs.Get("api"))
	routes := api.Routes{
		Auth:    auth.NewManager(cfg.Auth).Authenticate,
		WS:      hub.ServeWS,
		Metrics: m.Handler(),
		Log:     logs.Get("http"),
	}

	dataServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler: api.SetupDataRouter(apiHandler, routes),
	}
	uiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler: api.SetupUIRouter(apiHandler, routes),
	}

	serve := func(name string, srv *http.Server) {
		log.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("server", name).Error("server stopped")
			stop()
		}
	}
	go serve("data", dataServer)
	go serve("ui", uiServer)

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for name, srv := range map[string]*http.Server{"data": dataServer, "ui": uiServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).WithField("server", name).Warn("server shutdown")
		}
	}

	coord.Close()
	engine.Close()
	gateway.Close()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown")
		}
	}
	log.Info("stopped")
}

func buildGate(cfg config.ConsensusConfig, m *metrics.Metrics, log *logrus.Entry) (*consensus.Gate, error) {
	gate, err := consensus.NewGate(cfg.Gate, nil, consensus.Options{
		Metrics:    m,
		Log:        log,
		HTTPClient: &http.Client{Timeout: cfg.ValidatorTimeout},
	})
	if err != nil {
		return nil, err
	}
	validators, err := gate.NewValidators(cfg.Validators)
	if err != nil {
		return nil, err
	}
	if err := gate.SetValidators(validators); err != nil {
		return nil, err
	}
	return gate, nil
}

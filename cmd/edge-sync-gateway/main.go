package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/events"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/platform"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/registry"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/session"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/translator"
	"github.com/edgefabric/edge-sync-gateway/internal"
)

func main() {
	// Initialize zap logging
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION")
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		err := logger.Sync()
		if err != nil {
			panic(err)
		}
	}(log)

	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()

	zap.S().Debugf("Setting up healthcheck")
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	// Postgres
	PQHost, _ := env.GetAsString("POSTGRES_HOST", false, "db")
	PQPort, _ := env.GetAsInt("POSTGRES_PORT", false, 5432)
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	PQSSLMode, _ := env.GetAsString("POSTGRES_SSL_MODE", false, "require")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", PQUser, PQPassword, PQHost, PQPort, PQDBName, PQSSLMode)
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		zap.S().Fatalf("Failed to create postgres pool: %s", err)
	}
	pingCtx, pingCncl := context.WithTimeout(context.Background(), 1*time.Minute)
	if err := pool.Ping(pingCtx); err != nil {
		pingCncl()
		zap.S().Fatalf("Failed to ping postgres: %s", err)
	}
	pingCncl()
	health.AddReadinessCheck("postgres", func() error {
		ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		return pool.Ping(ctx)
	})

	store, err := platform.NewStore(pool)
	if err != nil {
		zap.S().Fatalf("Failed to set up platform store: %s", err)
	}
	eventStore, err := events.NewPostgresStore(pool)
	if err != nil {
		zap.S().Fatalf("Failed to set up edge event store: %s", err)
	}

	serviceID, _ := env.GetAsString("SERVICE_ID", false, defaultServiceID())

	// Kafka
	kafkaBrokersRaw, err := env.GetAsString("KAFKA_BROKERS", true, "")
	if err != nil {
		zap.S().Fatal(err)
	}
	kafkaBrokers := strings.Split(kafkaBrokersRaw, ",")

	fabric, err := platform.NewFabric(kafkaBrokers, "edge-sync-gateway", serviceID)
	if err != nil {
		zap.S().Fatalf("Failed to set up cluster fabric: %s", err)
	}

	// Event delivery backend
	maxReadRecords, _ := env.GetAsInt("EDGE_EVENTS_MAX_READ_RECORDS_COUNT", false, 50)
	noRecordsSleep, _ := env.GetAsInt("EDGE_EVENTS_NO_RECORDS_SLEEP_MS", false, 10000)
	sleepBetweenBatches, _ := env.GetAsInt("EDGE_EVENTS_SLEEP_BETWEEN_BATCHES_MS", false, 60000)
	maxHighPriorityQueueSize, _ := env.GetAsInt("EDGE_MAX_HIGH_PRIORITY_QUEUE_SIZE", false, 10000)
	persistToTelemetry, _ := env.GetAsBool("EDGE_STATE_PERSIST_TO_TELEMETRY", false, false)
	backendName, _ := env.GetAsString("EDGE_EVENTS_BACKEND", false, "postgres")

	var backendFactory events.Factory
	var kafkaResources *events.KafkaResources
	switch backendName {
	case "postgres":
		backendFactory = &events.PostgresFactory{Store: eventStore, PageSize: maxReadRecords}
	case "kafka":
		kafkaResources, err = events.NewKafkaResources(kafkaBrokers, "edge-sync-gateway-events")
		if err != nil {
			zap.S().Fatalf("Failed to set up kafka event backend: %s", err)
		}
		backendFactory = &events.KafkaFactory{
			Resources:   kafkaResources,
			LegacyStore: eventStore,
			PageSize:    maxReadRecords,
		}
	default:
		zap.S().Fatalf("Unknown EDGE_EVENTS_BACKEND %q, expected postgres or kafka", backendName)
	}

	// Edge RPC server
	rpcPort, _ := env.GetAsInt("EDGE_RPC_PORT", false, 7070)
	certFile, _ := env.GetAsString("EDGE_RPC_CERT", false, "")
	keyFile, _ := env.GetAsString("EDGE_RPC_PRIVATE_KEY", false, "")
	maxInboundMessageSize, _ := env.GetAsInt("EDGE_RPC_MAX_INBOUND_MESSAGE_SIZE", false, 4194304)
	keepAliveSec, _ := env.GetAsInt("EDGE_RPC_KEEP_ALIVE_TIME_SEC", false, 10)
	keepAliveTimeoutSec, _ := env.GetAsInt("EDGE_RPC_KEEP_ALIVE_TIMEOUT_SEC", false, 10)

	sessionCfg := session.Config{
		MaxReadRecords:           maxReadRecords,
		NoRecordsSleep:           time.Duration(noRecordsSleep) * time.Millisecond,
		SleepBetweenBatches:      time.Duration(sleepBetweenBatches) * time.Millisecond,
		MaxHighPriorityQueueSize: maxHighPriorityQueueSize,
		MaxInboundMessageSize:    maxInboundMessageSize,
	}
	converter := translator.NewConverter()
	dispatcher := platform.NewUplinkDispatcher(store, fabric)

	sessionFactory := func(
		stream edgerpc.Stream,
		onConnect func(edgeID uuid.UUID, s registry.ManagedSession),
		onDisconnect func(edge *shared.Edge, sessionID uuid.UUID),
		onSyncCompleted func(edge *shared.Edge, success bool, reason string),
	) registry.ManagedSession {
		return session.New(sessionCfg, session.Deps{
			Stream:         stream,
			BackendFactory: backendFactory,
			Converter:      converter,
			Dispatcher:     dispatcher,
			EdgeService:    store,
			Telemetry:      store,
			RuleEngine:     fabric,
			Cluster:        fabric,
			Entities:       store,
			OnConnect: func(edgeID uuid.UUID, s *session.Session) {
				onConnect(edgeID, s)
			},
			OnDisconnect:    onDisconnect,
			OnSyncCompleted: onSyncCompleted,
		})
	}

	reg := registry.New(registry.Config{
		ServiceID:          serviceID,
		PersistToTelemetry: persistToTelemetry,
	}, sessionFactory, backendFactory, store, fabric, fabric)
	fabric.Bind(reg, store)
	if err := fabric.Start(); err != nil {
		zap.S().Fatalf("Failed to start cluster fabric: %s", err)
	}
	reg.Start()

	server, err := edgerpc.NewServer(edgerpc.ServerConfig{
		Port:                  rpcPort,
		CertFile:              certFile,
		KeyFile:               keyFile,
		MaxInboundMessageSize: maxInboundMessageSize,
		KeepAliveInterval:     time.Duration(keepAliveSec) * time.Second,
		KeepAliveTimeout:      time.Duration(keepAliveTimeoutSec) * time.Second,
		PermitWithoutStream:   true,
	}, reg)
	if err != nil {
		zap.S().Fatalf("Failed to set up edge rpc server: %s", err)
	}

	gs := internal.NewGracefulShutdown(func() error {
		server.Stop()
		reg.Shutdown()
		if err := fabric.Shutdown(); err != nil {
			zap.S().Warnf("Error shutting down cluster fabric: %s", err)
		}
		if kafkaResources != nil {
			if err := kafkaResources.Close(); err != nil {
				zap.S().Warnf("Error closing kafka resources: %s", err)
			}
		}
		pool.Close()
		return nil
	})

	go func() {
		if err := server.Start(); err != nil {
			zap.S().Errorf("Edge rpc server stopped: %s", err)
			gs.Shutdown()
		}
	}()

	gs.Wait()
}

func defaultServiceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "edge-sync-gateway"
	}
	return hostname
}

// The dashboard service is the telemetry backend for the venue
// dashboards: it ingests device telemetry from the per-tenant MQTT
// brokers, maintains the device and relay state, probes latency and
// serves the REST and websocket API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq" // for the postgres database
	"github.com/sirupsen/logrus"

	"github.com/fov-tech/fovdash/core/access"
	"github.com/fov-tech/fovdash/core/alert"
	"github.com/fov-tech/fovdash/core/archive"
	"github.com/fov-tech/fovdash/core/csql"
	"github.com/fov-tech/fovdash/core/events"
	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/core/tenant"
	"github.com/fov-tech/fovdash/dashboard/api"
	"github.com/fov-tech/fovdash/dashboard/devices"
	"github.com/fov-tech/fovdash/dashboard/push"
	"github.com/fov-tech/fovdash/dashboard/relays"
	"github.com/fov-tech/fovdash/dashboard/status"
	"github.com/fov-tech/fovdash/iot/broker"
	"github.com/fov-tech/fovdash/iot/ingest"
	"github.com/fov-tech/fovdash/iot/latency"
)

// telemetryMetrics are the per-device topics subscribed below the
// tenant's topic base.
var telemetryMetrics = []string{"version", "battery", "temperature", "ota"}

// relayHeartbeatPattern is outside the tenant namespace and subscribed
// on every broker connection.
const relayHeartbeatPattern = "fov/relay/+/heartbeat"

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres      string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port          string `env:"PORT,default=3000" description:"the HTTP listen port"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
	TenantConfig  string `env:"TENANT_CONFIG,default=tenants.json" description:"path to the tenant configuration document"`
	JwtSecret     string `env:"JWT_SECRET,required"`
	AdminPassword string `env:"ADMIN_PASSWORD,optional"`

	// mutual TLS towards the IoT brokers; empty for a plain local broker
	CertFile   string `env:"IOT_CERT_FILE,optional"`
	KeyFile    string `env:"IOT_KEY_FILE,optional"`
	CACertFile string `env:"IOT_CA_CERT_FILE,optional"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma-separated broker list for the telemetry firehose"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=fov-telemetry"`

	SMTP    alert.SMTPConfig
	Archive archive.S3Config
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	db := csql.MustOpenWithSchema(service.Postgres, "dashboard")
	defer db.Close()

	registry := tenant.MustNewRegistryFromFile(service.TenantConfig)
	deviceStore := devices.MustNewStore(db)
	relayStore := relays.NewStore(0)
	hub := push.NewHub(0)

	telemetryRouter := ingest.NewRouter(deviceStore, hub)
	if len(service.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer sink.Close()
		telemetryRouter.Events = sink
	}
	relayRouter := ingest.NewRelayRouter(relayStore, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// one broker connection per unique endpoint, tenants on the same
	// endpoint share it
	connections := map[string]*broker.Connection{}
	all := []*broker.Connection{}
	targets := []latency.Target{}
	for _, t := range registry.All() {
		endpoint := endpointOrDefault(t)
		conn, ok := connections[endpoint]
		if !ok {
			conn = broker.MustNewConnection(&broker.Builder{
				Endpoint:   endpoint,
				ClientID:   "fovdash-dashboard",
				CertFile:   service.CertFile,
				KeyFile:    service.KeyFile,
				CACertFile: service.CACertFile,
			})
			if err := conn.Connect(ctx); err != nil {
				logger.Default().WithError(err).Fatalln("cannot connect to broker", endpoint)
			}
			defer conn.Disconnect()
			connections[endpoint] = conn
			all = append(all, conn)
			mustSubscribe(conn, relayHeartbeatPattern, relayRouter.HandleHeartbeat)
		}
		targets = append(targets, latency.Target{
			Tenant:    t.Slug,
			Topic:     t.PingPublishTopic(),
			Publisher: conn,
		})
	}

	probe := latency.NewProbe(deviceStore, hub, targets, 0, 0)

	for _, t := range registry.All() {
		conn := connections[endpointOrDefault(t)]
		base := t.TopicBase()
		for _, metric := range telemetryMetrics {
			mustSubscribe(conn, base+"/"+metric, telemetryRouter.HandleTelemetry)
		}
		mustSubscribe(conn, base+"/latency/echo", probe.HandleEcho)
	}

	mailer := alert.NewMailer(service.SMTP)
	sweeper := status.NewSweeper(deviceStore, relayStore, hub, mailer, 0)
	go sweeper.Run(ctx)
	go probe.Run(ctx)

	if len(service.Archive.AWSBucketName) > 0 {
		archiver, err := archive.NewArchiver(db, service.Archive)
		if err != nil {
			logger.Default().WithError(err).Fatalln("cannot create history archiver")
		}
		go archiver.Run(ctx)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddleware([]byte(service.JwtSecret)))
	api.NewAPI(&api.Builder{
		Registry:      registry,
		Devices:       deviceStore,
		Relays:        relayStore,
		Hub:           hub,
		Router:        router,
		JwtSecret:     []byte(service.JwtSecret),
		AdminPassword: service.AdminPassword,
		DroppedPublishes: func() uint64 {
			dropped := uint64(0)
			for _, conn := range all {
				dropped += conn.DroppedPublishes()
			}
			return dropped
		},
	})

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
	)(router)

	logger.Default().Infoln("listen on port :" + service.Port)
	go http.ListenAndServe(":"+service.Port, corsHandler)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	logger.Default().Infoln("shutting down")
}

func endpointOrDefault(t tenant.Tenant) string {
	if len(t.Endpoint) > 0 {
		return t.Endpoint
	}
	return "localhost"
}

func mustSubscribe(conn *broker.Connection, pattern string, handler broker.Handler) {
	if err := conn.Subscribe(pattern, handler); err != nil {
		logger.Default().WithError(err).Fatalln("cannot subscribe to", pattern)
	}
}

// The simulator impersonates one venue device for development: it
// publishes telemetry, answers latency pings and optionally emits
// relay heartbeats, so a full dashboard can be exercised without
// hardware.
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/iot/broker"
)

// Service holds the configuration for this simulator
type Service struct {
	Endpoint string        `env:"ENDPOINT,default=localhost"`
	Region   string        `env:"REGION,default=eu-west-1"`
	Tenant   string        `env:"TENANT,default=aviva"`
	Device   string        `env:"DEVICE,default=sim-tablet-1"`
	Interval time.Duration `env:"INTERVAL,default=30s"`
	// RelayID, when set, also emits relay heartbeats under this id.
	RelayID  string `env:"RELAY_ID,optional"`
	LogLevel string `env:"LOG_LEVEL,default=debug"`
}

type echoMessage struct {
	ID       string `json:"ID"`
	DeviceID string `json:"device_id"`
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

	base := service.Region + "/" + service.Tenant + "/" + service.Device

	conn := broker.MustNewConnection(&broker.Builder{
		Endpoint: service.Endpoint,
		ClientID: "fovdash-simulator-" + service.Device,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		logger.Default().WithError(err).Fatalln("cannot connect to broker", service.Endpoint)
	}
	defer conn.Disconnect()

	// answer latency pings with the correlation id and our identity
	pingTopic := service.Region + "/" + service.Tenant + "/latency/ping"
	err = conn.Subscribe(pingTopic, func(topic string, payload []byte) {
		ping := echoMessage{}
		if err := json.Unmarshal(payload, &ping); err != nil || len(ping.ID) == 0 {
			return
		}
		echo, _ := json.Marshal(echoMessage{ID: ping.ID, DeviceID: service.Device})
		conn.Publish(base+"/latency/echo", echo)
		logger.Default().Debugln("echoed ping", ping.ID)
	})
	if err != nil {
		logger.Default().WithError(err).Fatalln("cannot subscribe to", pingTopic)
	}

	version, _ := json.Marshal(map[string]string{"Version": "1.1.0"})
	conn.Publish(base+"/version", version)

	go run(ctx, conn, service, base)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
}

// run emits one battery and one temperature reading per interval. The
// battery drains slowly and wraps, the temperature does a bounded
// random walk.
func run(ctx context.Context, conn *broker.Connection, service *Service, base string) {
	battery := 100.0
	temperature := 22.0
	started := time.Now()

	ticker := time.NewTicker(service.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		battery -= 0.5
		if battery < 5 {
			battery = 100.0
		}
		temperature += rand.Float64()*2 - 1
		if temperature < 10 {
			temperature = 10
		}
		if temperature > 45 {
			temperature = 45
		}

		payload, _ := json.Marshal(map[string]float64{"Battery Percentage": battery})
		conn.Publish(base+"/battery", payload)
		payload, _ = json.Marshal(map[string]float64{"Temperature": temperature})
		conn.Publish(base+"/temperature", payload)
		logger.Default().Debugf("published battery=%.1f temperature=%.1f", battery, temperature)

		if len(service.RelayID) > 0 {
			heartbeat, _ := json.Marshal(map[string]interface{}{
				"tenant": service.Tenant,
				"uptime": time.Since(started).Seconds(),
			})
			conn.Publish("fov/relay/"+service.RelayID+"/heartbeat", heartbeat)
		}
	}
}

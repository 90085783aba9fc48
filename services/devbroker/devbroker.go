// The devbroker service runs the permissive local MQTT broker, the
// development stand-in for the per-tenant cloud brokers.
package main

import (
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/iot/localbroker"
)

// Service holds the configuration for this service
type Service struct {
	Addr     string `env:"ADDR,default=:1883" description:"the MQTT listen address"`
	LogLevel string `env:"LOG_LEVEL,default=debug"`
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

	b := localbroker.NewBroker(&localbroker.Builder{Addr: service.Addr})
	b.Run()
}

/*Package localbroker is a permissive MQTT broker for development.

It replaces the per-tenant cloud brokers on a developer machine: plain
TCP, no client certificates, every client may publish and subscribe
anywhere. Never run this outside development.
*/
package localbroker

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/fov-tech/fovdash/core/logger"
)

// Broker is the local development broker.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Addr is the TCP listen address. This is mandatory.
	Addr string
}

type plugin struct {
	ln      net.Listener
	service gmqtt.Server
}

// NewBroker returns a new broker listening on the builder's address.
// The broker does not run until Run is called.
func NewBroker(bb *Builder) *Broker {
	if len(bb.Addr) == 0 {
		panic("listen address is missing")
	}
	ln, err := net.Listen("tcp", bb.Addr)
	if err != nil {
		panic(err)
	}
	return &Broker{p: &plugin{ln: ln}}
}

// Run is blocking and runs the broker. It listens on syscall.SIGTERM
// for a graceful shutdown.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("local broker listening on", b.p.ln.Addr())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("local broker stopped")
}

// Publish injects a QoS 1 message into the broker, for smoke tests.
func (b *Broker) Publish(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements the gmqtt plugin interface.
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the gmqtt plugin interface.
func (p *plugin) Unload() error { return nil }

// Name implements the gmqtt plugin interface.
func (p *plugin) Name() string { return "fovdash dev broker" }

// HookWrapper implements the gmqtt plugin interface. Only tracing
// hooks, no policy: the development broker accepts everything.
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		logger.Default().Debugln("connect:", client.OptionsReader().ClientID())
		return connect(ctx, client)
	}
}

func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		logger.Default().Debugln("subscribe:", client.OptionsReader().ClientID(), topic.Name)
		return subscribe(ctx, client, topic)
	}
}

func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		logger.Default().Debugf("message: %s (%d bytes)", msg.Topic(), len(msg.Payload()))
		return arrived(ctx, client, msg)
	}
}

/*Package broker owns the connections to the MQTT endpoints.

One Connection wraps one physical client session to one broker
endpoint. Tenants sharing an endpoint share one Connection. Reconnects
are delegated to the transport's automatic retry; the connection's job
is to resume the remembered subscriptions afterwards.
*/
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/fov-tech/fovdash/core/logger"
)

// Handler processes one inbound message. Handlers are invoked from the
// transport's own dispatch routine and must not block on slow work.
type Handler func(topic string, payload []byte)

// State is the connection lifecycle state.
type State int32

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Interrupted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Interrupted:
		return "interrupted"
	}
	return "disconnected"
}

// ConnectionError reports a failed broker handshake. It is fatal for
// this endpoint's startup but never crashes the process.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to broker %s: %s", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// transport is the subset of the paho client the connection relies on.
// mqtt.Client satisfies it; tests inject a fake.
type transport interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Builder is a builder helper for a Connection.
type Builder struct {
	// Endpoint is the broker host. This is mandatory.
	Endpoint string
	// ClientID is the MQTT client identifier. This is mandatory.
	ClientID string
	// CertFile/KeyFile/CACertFile configure mutual TLS (AWS IoT style).
	// When CertFile is empty the connection uses plain TCP on port 1883,
	// which is only useful against the local development broker.
	CertFile   string
	KeyFile    string
	CACertFile string
}

type subscription struct {
	pattern string
	handler Handler
}

// Connection is one persistent session to one broker endpoint.
type Connection struct {
	endpoint string
	client   transport

	mu   sync.Mutex
	subs []subscription // registration order, replayed on session loss

	state   int32  // State, atomic
	dropped uint64 // publishes lost while disconnected, atomic

	rlog *logrus.Entry
}

// MustNewConnection builds a connection for the given endpoint. It does
// not connect yet; call Connect.
func MustNewConnection(b *Builder) *Connection {
	if len(b.Endpoint) == 0 {
		panic("Endpoint is missing")
	}
	if len(b.ClientID) == 0 {
		panic("ClientID is missing")
	}

	c := &Connection{
		endpoint: b.Endpoint,
		rlog:     logger.Default().WithField("endpoint", b.Endpoint),
	}

	opts := mqtt.NewClientOptions()
	if len(b.CertFile) > 0 {
		opts.AddBroker("tls://" + b.Endpoint + ":8883")
		opts.SetTLSConfig(mustLoadTLSConfig(b.CertFile, b.KeyFile, b.CACertFile))
	} else {
		opts.AddBroker("tcp://" + b.Endpoint + ":1883")
	}
	opts.SetClientID(b.ClientID)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.onConnected()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setState(Interrupted)
		c.rlog.WithError(err).Warnln("broker connection interrupted")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

func mustLoadTLSConfig(certFile, keyFile, caCertFile string) *tls.Config {
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		panic(err)
	}
	caCertPool := x509.NewCertPool()
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		panic(err)
	}
	caCertPool.AppendCertsFromPEM(caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		RootCAs:      caCertPool,
	}
}

// Connect establishes the session. It blocks until the handshake
// completes or fails; transport-level retries take over afterwards.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(Connecting)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		c.setState(Disconnected)
		return &ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	logger.FromContext(ctx).Infoln("connected to broker", c.endpoint)
	return nil
}

// onConnected runs on every (re)connect. The transport does not surface
// the broker's session-present flag on automatic reconnects, so a
// resumed session is treated as not preserved and every remembered
// subscription is re-issued in registration order.
func (c *Connection) onConnected() {
	previous := c.getState()
	c.setState(Connected)

	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	if previous == Interrupted {
		c.rlog.Infof("broker connection resumed, replaying %d subscriptions", len(subs))
	}
	for _, sub := range subs {
		if err := c.issueSubscribe(sub); err != nil {
			// log and continue, do not abort the batch
			c.rlog.WithError(err).Errorln("resubscribe failed:", sub.pattern)
		}
	}
}

// Subscribe registers a handler for a topic pattern and remembers the
// pair for replay. A duplicate subscription to the same pattern
// replaces the handler.
func (c *Connection) Subscribe(pattern string, handler Handler) error {
	sub := subscription{pattern: pattern, handler: handler}

	c.mu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].pattern == pattern {
			c.subs[i].handler = handler
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, sub)
	}
	c.mu.Unlock()

	return c.issueSubscribe(sub)
}

func (c *Connection) issueSubscribe(sub subscription) error {
	handler := sub.handler
	token := c.client.Subscribe(sub.pattern, 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	token.Wait()
	return token.Error()
}

// Publish is fire-and-forget. When the connection is down the message
// is dropped, not queued; the drop is counted and logged so the data
// loss stays diagnosable.
func (c *Connection) Publish(topic string, payload []byte) {
	if !c.client.IsConnectionOpen() {
		atomic.AddUint64(&c.dropped, 1)
		c.rlog.Warnln("publish dropped while disconnected:", topic)
		return
	}
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		atomic.AddUint64(&c.dropped, 1)
		c.rlog.WithError(err).Warnln("publish failed:", topic)
	}
}

// Disconnect closes the session, waiting briefly for in-flight work.
func (c *Connection) Disconnect() {
	c.client.Disconnect(250)
	c.setState(Disconnected)
}

// Endpoint returns the broker host this connection targets.
func (c *Connection) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.getState() }

// DroppedPublishes returns the number of publishes lost so far.
func (c *Connection) DroppedPublishes() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

func (c *Connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *Connection) getState() State  { return State(atomic.LoadInt32(&c.state)) }

/*Package latency measures device round-trip time.

A probe publishes a correlated ping per tenant on a fixed interval.
Devices echo the correlation id back; the elapsed time becomes the
device's latency metric. Unanswered probes are swept after a timeout
so the pending map stays bounded.
*/
package latency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/dashboard/devices"
)

const (
	defaultInterval = 60 * time.Second
	defaultTimeout  = 120 * time.Second
)

// Publisher publishes one message to the broker. Fire-and-forget.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Store is the device state sink latency samples are written into.
type Store interface {
	Update(ctx context.Context, tenant, name, metric, value string) (devices.View, error)
}

// Notifier receives one tenant-scoped notification per correlated echo.
type Notifier interface {
	Broadcast(topicKey string, message interface{}, tenant string)
}

// Target is one tenant's ping destination.
type Target struct {
	Tenant    string
	Topic     string
	Publisher Publisher
}

type pingMessage struct {
	ID string  `json:"ID"`
	Ts float64 `json:"ts"`
}

type echoMessage struct {
	ID       string `json:"ID"`
	DeviceID string `json:"device_id"`
}

// Probe issues pings and correlates echoes.
type Probe struct {
	store    Store
	notifier Notifier
	targets  []Target
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewProbe returns a probe for the given targets. Zero durations
// select the defaults (60s interval, 120s timeout).
func NewProbe(store Store, notifier Notifier, targets []Target, interval, timeout time.Duration) *Probe {
	if store == nil {
		panic("store is missing")
	}
	if notifier == nil {
		panic("notifier is missing")
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Probe{
		store:    store,
		notifier: notifier,
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		pending:  map[string]time.Time{},
	}
}

// Run pings on the probe interval and sweeps stale entries on the
// timeout interval, until the context is cancelled.
func (p *Probe) Run(ctx context.Context) {
	ping := time.NewTicker(p.interval)
	defer ping.Stop()
	sweep := time.NewTicker(p.timeout)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			p.PingAll()
		case <-sweep.C:
			p.Sweep()
		}
	}
}

// PingAll publishes one freshly correlated ping per target.
func (p *Probe) PingAll() {
	for _, target := range p.targets {
		id := uuid.New().String()
		now := time.Now()
		payload, _ := json.Marshal(pingMessage{ID: id, Ts: float64(now.Unix())})

		p.mu.Lock()
		p.pending[id] = now
		p.mu.Unlock()

		target.Publisher.Publish(target.Topic, payload)
	}
}

// Sweep removes pending probes older than the timeout and returns how
// many were evicted. A late echo for an evicted probe has no effect.
func (p *Probe) Sweep() int {
	cutoff := time.Now().Add(-p.timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for id, sent := range p.pending {
		if sent.Before(cutoff) {
			delete(p.pending, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Default().Debugf("evicted %d unanswered latency probes", evicted)
	}
	return evicted
}

// HandleEcho is the broker handler for echo topics. The device
// identity derived from the topic takes precedence over the identity
// claimed in the payload. Unknown or already consumed correlation ids
// are dropped without effect.
func (p *Probe) HandleEcho(topic string, payload []byte) {
	message := echoMessage{}
	json.Unmarshal(payload, &message)

	tenant, device := echoIdentity(topic, message)

	sent, ok := p.consume(message.ID)
	if !ok {
		logger.Default().Debugln("unknown or stale echo correlation id:", message.ID)
		return
	}

	rttMs := float64(time.Since(sent)) / float64(time.Millisecond)
	ctx, rlog := logger.ContextWithLoggerTenant(context.Background(), tenant)
	rlog.Debugf("rtt %s: %.1f ms", device, rttMs)

	view, err := p.store.Update(ctx, tenant, device, "latency", fmt.Sprintf("%.2f", rttMs))
	if err != nil {
		rlog.WithError(err).Errorln("cannot record latency for device", device)
		return
	}
	p.notifier.Broadcast(device, view, tenant)
}

// consume removes and returns the pending entry for the id, at most once.
func (p *Probe) consume(id string) (time.Time, bool) {
	if len(id) == 0 {
		return time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sent, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return sent, ok
}

// echoIdentity resolves {tenant, device} from the echo's topic, with
// the payload's device_id as the last resort.
func echoIdentity(topic string, message echoMessage) (tenant, device string) {
	parts := strings.Split(topic, "/")
	switch {
	// preferred: region/tenant/device/latency/echo
	case len(parts) >= 4:
		return parts[1], parts[2]
	// legacy: esp32/{device}/echo, no tenant
	case len(parts) >= 3 && strings.EqualFold(parts[0], "esp32"):
		return "", parts[1]
	}
	if len(message.DeviceID) > 0 {
		return "", message.DeviceID
	}
	return "", "unknown"
}

// PendingCount returns the number of unanswered probes.
func (p *Probe) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

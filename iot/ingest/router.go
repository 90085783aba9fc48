/*Package ingest turns raw broker messages into device state updates.

The router decomposes topics by position, normalizes payloads
tolerantly and drives the device store and the push hub. Parsing and
decoding errors are absorbed here: a malformed message is logged and
dropped, it never mutates state and never reaches a handler caller.
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/fov-tech/fovdash/core/events"
	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/dashboard/devices"
)

// ErrMalformedTopic is returned for topics that do not follow the
// region/tenant/device/metric grammar.
var ErrMalformedTopic = errors.New("malformed topic")

// Store is the device state sink the router writes into.
type Store interface {
	Update(ctx context.Context, tenant, name, metric, value string) (devices.View, error)
}

// Notifier receives one tenant-scoped notification per applied update.
type Notifier interface {
	Broadcast(topicKey string, message interface{}, tenant string)
}

// Ordered key aliases accepted for numeric payload fields, first match
// wins. The list grew out of historically used spellings on the
// devices; keep old entries when adding new ones.
var (
	batteryKeys     = []string{"Battery_Percentage", "Battery Percentage"}
	temperatureKeys = []string{"Temperature"}
)

// defaultNumericValue is used when a numeric payload is absent or
// malformed. Malformed payload degrades to the default, it never
// aborts ingestion.
const defaultNumericValue = "0"

// Router parses inbound telemetry and dispatches it.
type Router struct {
	store    Store
	notifier Notifier
	// Events is an optional telemetry firehose sink.
	Events events.Sink
}

// NewRouter returns a router writing into the given store and notifier.
func NewRouter(store Store, notifier Notifier) *Router {
	if store == nil {
		panic("store is missing")
	}
	if notifier == nil {
		panic("notifier is missing")
	}
	return &Router{store: store, notifier: notifier}
}

// Address is the structural decomposition of a telemetry topic.
type Address struct {
	Tenant string
	Device string
	Metric string
}

// ParseTopic decomposes a topic by position: tenant is segment 1,
// device is segment 2, the metric is the final segment of the
// canonical region/tenant/device/metric form. Topics with fewer than
// four segments are rejected.
func ParseTopic(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	return Address{
		Tenant: parts[1],
		Device: parts[2],
		Metric: parts[len(parts)-1],
	}, nil
}

// decodePayload converts raw bytes to a string, substituting the
// replacement character for invalid encoding. Decoding never fails.
func decodePayload(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "�")
}

// NormalizeValue reduces a raw payload to the single value stored
// under the metric. Battery and temperature payloads are JSON objects
// carrying a numeric field under one of several accepted key
// spellings; everything else is stored verbatim.
func NormalizeValue(metric, raw string) string {
	var keys []string
	switch metric {
	case "battery":
		keys = batteryKeys
	case "temperature":
		keys = temperatureKeys
	default:
		return raw
	}

	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return defaultNumericValue
	}
	for _, key := range keys {
		if value, ok := fields[key]; ok {
			switch v := value.(type) {
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			case string:
				if _, err := strconv.ParseFloat(v, 64); err == nil {
					return v
				}
			}
		}
	}
	return defaultNumericValue
}

// HandleTelemetry is the broker handler for telemetry topics. It runs
// on the transport's dispatch routine; all failures are absorbed here.
func (r *Router) HandleTelemetry(topic string, payload []byte) {
	address, err := ParseTopic(topic)
	if err != nil {
		logger.Default().Warnln("dropping message:", err)
		return
	}

	ctx, rlog := logger.ContextWithLoggerTenant(context.Background(), address.Tenant)
	raw := decodePayload(payload)
	value := NormalizeValue(address.Metric, raw)

	view, err := r.store.Update(ctx, address.Tenant, address.Device, address.Metric, value)
	if err != nil {
		// persistence failure: no cache change happened, nothing to broadcast
		rlog.WithError(err).Errorln("cannot apply update for device", address.Device)
		return
	}
	rlog.Debugf("updated %s %s=%s", address.Device, address.Metric, value)

	r.notifier.Broadcast(address.Device, view, address.Tenant)

	if r.Events != nil {
		event := events.TelemetryEvent{
			Tenant: address.Tenant,
			Device: address.Device,
			Metric: address.Metric,
			Value:  value,
		}
		if view.LastMessageTime != nil {
			event.Timestamp = *view.LastMessageTime
		}
		r.Events.Publish(ctx, event)
	}
}

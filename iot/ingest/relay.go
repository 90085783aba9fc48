package ingest

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/fov-tech/fovdash/core/logger"
	"github.com/fov-tech/fovdash/dashboard/relays"
)

// RelayStore is the relay liveness sink heartbeats are written into.
type RelayStore interface {
	Upsert(id string, fields map[string]interface{}) relays.State
}

// RelayRouter handles relay heartbeat messages. Relays publish on
// fov/relay/{relay_id}/heartbeat, outside the tenant namespace: the
// relay id comes from the topic, the tenant from the payload.
type RelayRouter struct {
	store    RelayStore
	notifier Notifier
}

// NewRelayRouter returns a relay router writing into the given store
// and notifier.
func NewRelayRouter(store RelayStore, notifier Notifier) *RelayRouter {
	if store == nil {
		panic("relay store is missing")
	}
	if notifier == nil {
		panic("notifier is missing")
	}
	return &RelayRouter{store: store, notifier: notifier}
}

// HandleHeartbeat is the broker handler for relay heartbeat topics.
// A heartbeat without a JSON body still counts as a sign of life.
func (r *RelayRouter) HandleHeartbeat(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[3] != "heartbeat" || len(parts[2]) == 0 {
		logger.Default().Warnln("dropping malformed relay heartbeat on topic", topic)
		return
	}
	id := parts[2]

	fields := map[string]interface{}{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		logger.Default().Debugln("relay heartbeat without JSON body from", id)
		fields = map[string]interface{}{}
	}

	state := r.store.Upsert(id, fields)
	logger.Default().Debugln("relay heartbeat:", id)
	r.notifier.Broadcast("relay:"+id, state, state.Tenant)
}

package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fov-tech/fovdash/dashboard/relays"
)

func TestHandleHeartbeat(t *testing.T) {
	store := relays.NewStore(0)
	notifier := &fakeNotifier{}
	router := NewRelayRouter(store, notifier)

	router.HandleHeartbeat("fov/relay/championdata/heartbeat",
		[]byte(`{"tenant": "aviva", "uptime": 3600}`))

	state, ok := store.Get("championdata")
	require.True(t, ok)
	assert.True(t, state.Alive)
	assert.Equal(t, "aviva", state.Tenant)
	assert.Equal(t, 3600.0, state.Fields["uptime"])

	require.Len(t, notifier.broadcasts, 1)
	assert.Equal(t, recordedBroadcast{"relay:championdata", "aviva"}, notifier.broadcasts[0])
}

func TestHandleHeartbeatWithoutBodyStillCounts(t *testing.T) {
	store := relays.NewStore(0)
	notifier := &fakeNotifier{}
	router := NewRelayRouter(store, notifier)

	router.HandleHeartbeat("fov/relay/championdata/heartbeat", []byte("ping"))

	state, ok := store.Get("championdata")
	require.True(t, ok)
	assert.True(t, state.Alive)
	// no tenant claim, so broadcasts stay admin-only
	require.Len(t, notifier.broadcasts, 1)
	assert.Equal(t, "", notifier.broadcasts[0].tenant)
}

func TestHandleHeartbeatMalformedTopicDropped(t *testing.T) {
	store := relays.NewStore(0)
	notifier := &fakeNotifier{}
	router := NewRelayRouter(store, notifier)

	for _, topic := range []string{"fov/relay/heartbeat", "fov/relay//heartbeat", "fov/relay/championdata/status"} {
		router.HandleHeartbeat(topic, []byte(`{}`))
	}

	assert.Empty(t, store.All())
	assert.Empty(t, notifier.broadcasts)
}

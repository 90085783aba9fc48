package latency

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fov-tech/fovdash/dashboard/devices"
)

type recordedUpdate struct {
	tenant, name, metric, value string
}

type fakeStore struct {
	updates []recordedUpdate
}

func (s *fakeStore) Update(ctx context.Context, tenant, name, metric, value string) (devices.View, error) {
	s.updates = append(s.updates, recordedUpdate{tenant, name, metric, value})
	return devices.View{Name: name, Tenant: tenant}, nil
}

type fakeNotifier struct {
	topics  []string
	tenants []string
}

func (n *fakeNotifier) Broadcast(topicKey string, message interface{}, tenant string) {
	n.topics = append(n.topics, topicKey)
	n.tenants = append(n.tenants, tenant)
}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(topic string, payload []byte) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
}

func (p *fakePublisher) lastID(t *testing.T) string {
	require.NotEmpty(t, p.payloads)
	ping := pingMessage{}
	require.NoError(t, json.Unmarshal(p.payloads[len(p.payloads)-1], &ping))
	require.NotEmpty(t, ping.ID)
	return ping.ID
}

func TestPingAllPublishesCorrelatedPings(t *testing.T) {
	publisher := &fakePublisher{}
	probe := NewProbe(&fakeStore{}, &fakeNotifier{}, []Target{
		{Tenant: "aviva", Topic: "eu-west-1/aviva/latency/ping", Publisher: publisher},
		{Tenant: "marvel", Topic: "ap-southeast-2/marvel/latency/ping", Publisher: publisher},
	}, 0, 0)

	probe.PingAll()

	require.Len(t, publisher.topics, 2)
	assert.Equal(t, "eu-west-1/aviva/latency/ping", publisher.topics[0])
	assert.Equal(t, 2, probe.PendingCount())

	ping := pingMessage{}
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &ping))
	assert.NotEmpty(t, ping.ID)
	assert.InDelta(t, float64(time.Now().Unix()), ping.Ts, 5)
}

func TestHandleEchoRecordsLatencyOnce(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	probe := NewProbe(store, notifier, []Target{
		{Tenant: "aviva", Topic: "eu-west-1/aviva/latency/ping", Publisher: publisher},
	}, 0, 0)

	probe.PingAll()
	id := publisher.lastID(t)

	echo, _ := json.Marshal(echoMessage{ID: id})
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", echo)

	require.Len(t, store.updates, 1)
	update := store.updates[0]
	assert.Equal(t, "aviva", update.tenant)
	assert.Equal(t, "tabletA", update.name)
	assert.Equal(t, "latency", update.metric)
	rtt, err := strconv.ParseFloat(update.value, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, 0.0)

	require.Len(t, notifier.topics, 1)
	assert.Equal(t, "tabletA", notifier.topics[0])
	assert.Equal(t, "aviva", notifier.tenants[0])
	assert.Equal(t, 0, probe.PendingCount())

	// a replayed echo for a consumed id has no effect
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", echo)
	assert.Len(t, store.updates, 1)
	assert.Len(t, notifier.topics, 1)
}

func TestHandleEchoUnknownIDDropped(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	probe := NewProbe(store, notifier, nil, 0, 0)

	echo, _ := json.Marshal(echoMessage{ID: "never-issued"})
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", echo)
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", []byte("not json"))

	assert.Empty(t, store.updates)
	assert.Empty(t, notifier.topics)
}

func TestHandleEchoTopicIdentityWins(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	probe := NewProbe(store, &fakeNotifier{}, []Target{
		{Tenant: "aviva", Topic: "eu-west-1/aviva/latency/ping", Publisher: publisher},
	}, 0, 0)

	probe.PingAll()
	id := publisher.lastID(t)

	// the payload claims a different device than the topic
	echo, _ := json.Marshal(echoMessage{ID: id, DeviceID: "impostor"})
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", echo)

	require.Len(t, store.updates, 1)
	assert.Equal(t, "tabletA", store.updates[0].name)
}

func TestSweepEvictsStaleProbes(t *testing.T) {
	probe := NewProbe(&fakeStore{}, &fakeNotifier{}, nil, 0, 50*time.Millisecond)

	probe.mu.Lock()
	probe.pending["stale"] = time.Now().Add(-time.Second)
	probe.pending["fresh"] = time.Now()
	probe.mu.Unlock()

	assert.Equal(t, 1, probe.Sweep())
	assert.Equal(t, 1, probe.PendingCount())

	// a late echo for the evicted probe is a no-op
	store := probe.store.(*fakeStore)
	echo, _ := json.Marshal(echoMessage{ID: "stale"})
	probe.HandleEcho("eu-west-1/aviva/tabletA/latency/echo", echo)
	assert.Empty(t, store.updates)
}

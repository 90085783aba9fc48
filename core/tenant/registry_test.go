package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"aviva": {
		"name": "Aviva Stadium",
		"password": "temp123",
		"region": "eu-west-1",
		"iot_endpoint": "example-ats.iot.eu-west-1.amazonaws.com"
	},
	"marvel": {
		"name": "Marvel Stadium",
		"password": "temp456",
		"region": "ap-southeast-2",
		"iot_endpoint": "example-ats.iot.ap-southeast-2.amazonaws.com",
		"latency_ping_topic": "marvel_AUS/ai_pub",
		"relay_id": "championdata"
	},
	"kia": {
		"password": "temp789",
		"region": "ap-southeast-2",
		"iot_endpoint": "example-ats.iot.ap-southeast-2.amazonaws.com",
		"topic_prefix": "ap-southeast-2/kia/+"
	}
}`

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry([]byte(testConfig))
	require.NoError(t, err)

	aviva, ok := r.Get("aviva")
	require.True(t, ok)
	assert.Equal(t, "Aviva Stadium", aviva.Name)
	assert.Equal(t, "eu-west-1/aviva/+", aviva.TopicBase())
	assert.Equal(t, "eu-west-1/aviva/latency/ping", aviva.PingPublishTopic())

	marvel, _ := r.Get("marvel")
	assert.Equal(t, "marvel_AUS/ai_pub", marvel.PingPublishTopic())

	// display name defaults to the slug
	kia, _ := r.Get("kia")
	assert.Equal(t, "kia", kia.Name)
	assert.Equal(t, "ap-southeast-2/kia/+", kia.TopicBase())

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "aviva", all[0].Slug)
	assert.Equal(t, "kia", all[1].Slug)
	assert.Equal(t, "marvel", all[2].Slug)
}

func TestVerifyPassword(t *testing.T) {
	r, err := NewRegistry([]byte(testConfig))
	require.NoError(t, err)

	assert.True(t, r.VerifyPassword("aviva", "temp123"))
	assert.False(t, r.VerifyPassword("aviva", "wrong"))
	assert.False(t, r.VerifyPassword("aviva", ""))
	assert.False(t, r.VerifyPassword("nosuch", "temp123"))
}

func TestNewRegistryRejectsInvalidConfig(t *testing.T) {
	// missing required password
	_, err := NewRegistry([]byte(`{"aviva": {"region": "eu-west-1"}}`))
	assert.Error(t, err)

	// unknown property
	_, err = NewRegistry([]byte(`{"aviva": {"password": "x", "region": "eu-west-1", "bogus": 1}}`))
	assert.Error(t, err)

	// empty document
	_, err = NewRegistry([]byte(`{}`))
	assert.Error(t, err)

	// not even JSON
	_, err = NewRegistry([]byte(`not json`))
	assert.Error(t, err)
}

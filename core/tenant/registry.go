/*Package tenant provides the static registry of tenants.

A tenant is an isolated venue scope. All device and relay data is
partitioned by tenant. The registry is loaded once at startup from a
JSON document and is immutable afterwards.
*/
package tenant

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Tenant describes one venue: its credential, its broker endpoint and
// its topic namespace.
type Tenant struct {
	Slug     string `json:"-"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Region   string `json:"region"`
	// Endpoint is the MQTT broker endpoint for this tenant. Tenants may
	// share an endpoint; they then share one broker connection.
	Endpoint string `json:"iot_endpoint"`
	// TopicPrefix overrides the default "{region}/{slug}/+" subscription base.
	TopicPrefix string `json:"topic_prefix,omitempty"`
	// PingTopic is the topic latency pings are published to.
	PingTopic string `json:"latency_ping_topic,omitempty"`
	// RelayID optionally names the relay hardware installed at this venue.
	RelayID string `json:"relay_id,omitempty"`
}

// TopicBase returns the subscription base for this tenant, ending in
// a single-level wildcard for the device segment.
func (t Tenant) TopicBase() string {
	if len(t.TopicPrefix) > 0 {
		return t.TopicPrefix
	}
	return t.Region + "/" + t.Slug + "/+"
}

// PingPublishTopic returns the topic latency pings are published to.
// Defaults to the topic base with the wildcard stripped, plus /latency/ping.
func (t Tenant) PingPublishTopic() string {
	if len(t.PingTopic) > 0 {
		return t.PingTopic
	}
	return strings.TrimSuffix(t.TopicBase(), "/+") + "/latency/ping"
}

const configSchema = `{
	"type": "object",
	"minProperties": 1,
	"additionalProperties": {
		"type": "object",
		"properties": {
			"name": { "type": "string" },
			"password": { "type": "string", "minLength": 1 },
			"region": { "type": "string", "minLength": 1 },
			"iot_endpoint": { "type": "string" },
			"topic_prefix": { "type": "string" },
			"latency_ping_topic": { "type": "string" },
			"relay_id": { "type": "string" }
		},
		"required": ["password", "region"],
		"additionalProperties": false
	}
}`

// Registry is the static tenant table.
type Registry struct {
	tenants map[string]Tenant
	slugs   []string
}

// NewRegistry parses and validates a JSON tenant document. The document
// maps tenant slugs to tenant objects, see configSchema.
func NewRegistry(data []byte) (*Registry, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot validate tenant configuration: %w", err)
	}
	if !result.Valid() {
		details := []string{}
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("invalid tenant configuration: %s", strings.Join(details, "; "))
	}

	raw := map[string]Tenant{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	r := &Registry{tenants: map[string]Tenant{}}
	for slug, t := range raw {
		t.Slug = slug
		if len(t.Name) == 0 {
			t.Name = slug
		}
		r.tenants[slug] = t
		r.slugs = append(r.slugs, slug)
	}
	sort.Strings(r.slugs)
	return r, nil
}

// MustNewRegistryFromFile loads the tenant document from a file.
func MustNewRegistryFromFile(path string) *Registry {
	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	r, err := NewRegistry(data)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the tenant for the given slug.
func (r *Registry) Get(slug string) (Tenant, bool) {
	t, ok := r.tenants[slug]
	return t, ok
}

// All returns all tenants, ordered by slug.
func (r *Registry) All() []Tenant {
	all := make([]Tenant, 0, len(r.slugs))
	for _, slug := range r.slugs {
		all = append(all, r.tenants[slug])
	}
	return all
}

// VerifyPassword checks a tenant credential. Unknown slugs fail.
func (r *Registry) VerifyPassword(slug, password string) bool {
	t, ok := r.tenants[slug]
	return ok && len(password) > 0 && t.Password == password
}

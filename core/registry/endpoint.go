package registry

import (
	"strings"

	"github.com/modelgate/modelgate/core/auth"
)

// AdapterKind selects the submission mechanics for a backend target.
type AdapterKind string

const (
	// AdapterGrid targets the remote task-execution compute grid.
	AdapterGrid AdapterKind = "grid"
	// AdapterHTTP targets a direct HTTP inference API.
	AdapterHTTP AdapterKind = "http"
)

// Valid reports whether the kind names a known adapter.
func (k AdapterKind) Valid() bool {
	return k == AdapterGrid || k == AdapterHTTP
}

// AdapterConfig is the opaque per-kind target configuration.
type AdapterConfig struct {
	// Grid targets.
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	Queue    string `yaml:"queue,omitempty" json:"queue,omitempty"`
	// HTTP targets.
	BaseURL   string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	APIPort   int    `yaml:"api_port,omitempty" json:"api_port,omitempty"`
}

// Endpoint maps a logical (cluster, framework, model) triple to one concrete
// backend target.
type Endpoint struct {
	Slug           string        `yaml:"-" json:"slug"`
	Cluster        string        `yaml:"cluster" json:"cluster"`
	Framework      string        `yaml:"framework" json:"framework"`
	Model          string        `yaml:"model" json:"model"`
	Adapter        AdapterKind   `yaml:"adapter,omitempty" json:"adapter"`
	AllowedGroups  []string      `yaml:"allowed_groups,omitempty" json:"allowed_groups,omitempty"`
	AllowedDomains []string      `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	Config         AdapterConfig `yaml:"adapter_config,omitempty" json:"adapter_config,omitempty"`
}

// Capabilities returns the endpoint's restriction set.
func (e *Endpoint) Capabilities() auth.Capabilities {
	return auth.Capabilities{AllowedGroups: e.AllowedGroups, AllowedDomains: e.AllowedDomains}
}

// Cluster is a named compute resource hosting one or more endpoints.
type Cluster struct {
	Name            string      `yaml:"name" json:"name"`
	Adapter         AdapterKind `yaml:"adapter" json:"adapter"`
	OpenAIEndpoints []string    `yaml:"openai_endpoints,omitempty" json:"openai_endpoints,omitempty"`
	AllowedGroups   []string    `yaml:"allowed_groups,omitempty" json:"allowed_groups,omitempty"`
	AllowedDomains  []string    `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
}

// Capabilities returns the cluster's restriction set.
func (c *Cluster) Capabilities() auth.Capabilities {
	return auth.Capabilities{AllowedGroups: c.AllowedGroups, AllowedDomains: c.AllowedDomains}
}

// ServesOpenAIEndpoint reports whether the cluster exposes the given
// OpenAI-style endpoint, e.g. "chat/completions".
func (c *Cluster) ServesOpenAIEndpoint(name string) bool {
	for _, ep := range c.OpenAIEndpoints {
		if strings.EqualFold(ep, name) {
			return true
		}
	}
	return false
}

// Slugify derives the deterministic endpoint slug from the triple. It is
// idempotent: slugifying a slug yields the same slug.
func Slugify(cluster, framework, model string) string {
	parts := []string{slugPart(cluster), slugPart(framework), slugPart(model)}
	return strings.Join(parts, "-")
}

func slugPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

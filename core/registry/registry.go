package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/logging"
)

// defaultRefreshTTL bounds registry staleness: a fleet file change is picked
// up within this window on the next lookup.
const defaultRefreshTTL = 60 * time.Second

// Fleet is the parsed fleet provisioning file.
type Fleet struct {
	Clusters  []*Cluster  `yaml:"clusters"`
	Endpoints []*Endpoint `yaml:"endpoints"`
}

// ParseFleet parses and validates fleet YAML bytes.
func ParseFleet(data []byte) (*Fleet, error) {
	if len(data) == 0 {
		return nil, errors.New("fleet config is empty")
	}
	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}
	if len(fleet.Clusters) == 0 {
		return nil, errors.New("fleet config has no clusters")
	}

	clusters := make(map[string]*Cluster, len(fleet.Clusters))
	for _, c := range fleet.Clusters {
		if c.Name == "" {
			return nil, errors.New("cluster with empty name")
		}
		if !c.Adapter.Valid() {
			return nil, fmt.Errorf("cluster %s: unknown adapter kind %q", c.Name, c.Adapter)
		}
		if _, dup := clusters[c.Name]; dup {
			return nil, fmt.Errorf("duplicate cluster %s", c.Name)
		}
		clusters[c.Name] = c
	}

	seen := make(map[string]struct{}, len(fleet.Endpoints))
	for _, e := range fleet.Endpoints {
		if e.Cluster == "" || e.Framework == "" || e.Model == "" {
			return nil, fmt.Errorf("endpoint missing cluster/framework/model: %+v", e)
		}
		owner, ok := clusters[e.Cluster]
		if !ok {
			return nil, fmt.Errorf("endpoint %s/%s/%s references unknown cluster", e.Cluster, e.Framework, e.Model)
		}
		if e.Adapter == "" {
			e.Adapter = owner.Adapter
		}
		if !e.Adapter.Valid() {
			return nil, fmt.Errorf("endpoint %s/%s/%s: unknown adapter kind %q", e.Cluster, e.Framework, e.Model, e.Adapter)
		}
		e.Slug = Slugify(e.Cluster, e.Framework, e.Model)
		if _, dup := seen[e.Slug]; dup {
			return nil, fmt.Errorf("duplicate endpoint slug %s", e.Slug)
		}
		seen[e.Slug] = struct{}{}
	}
	return &fleet, nil
}

// LoadFleet reads and parses a fleet YAML file.
func LoadFleet(path string) (*Fleet, error) {
	if path == "" {
		return nil, errors.New("fleet config path is empty")
	}
	// #nosec G304 -- fleet config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet config %s: %w", path, err)
	}
	return ParseFleet(data)
}

// Registry is the read-mostly logical-model lookup. Lookups hit an in-memory
// snapshot that is refreshed from the fleet file when older than the refresh
// TTL; a failed refresh keeps serving the previous snapshot.
type Registry struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	loadedAt  time.Time
	clusters  map[string]*Cluster
	endpoints map[string]*Endpoint
}

// New constructs a Registry from a fleet file. The initial load must
// succeed; refreshTTL <= 0 selects the default 60s staleness bound.
func New(path string, refreshTTL time.Duration) (*Registry, error) {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	r := &Registry{path: path, ttl: refreshTTL, now: time.Now}
	fleet, err := LoadFleet(path)
	if err != nil {
		return nil, err
	}
	r.install(fleet)
	return r, nil
}

// NewFromFleet constructs a static Registry, mainly for tests.
func NewFromFleet(fleet *Fleet) *Registry {
	r := &Registry{ttl: defaultRefreshTTL, now: time.Now}
	r.install(fleet)
	return r
}

func (r *Registry) install(fleet *Fleet) {
	clusters := make(map[string]*Cluster, len(fleet.Clusters))
	for _, c := range fleet.Clusters {
		clusters[c.Name] = c
	}
	endpoints := make(map[string]*Endpoint, len(fleet.Endpoints))
	for _, e := range fleet.Endpoints {
		endpoints[e.Slug] = e
	}
	r.mu.Lock()
	r.clusters = clusters
	r.endpoints = endpoints
	r.loadedAt = r.now()
	r.mu.Unlock()
}

func (r *Registry) maybeRefresh() {
	if r.path == "" {
		return
	}
	r.mu.RLock()
	stale := r.now().Sub(r.loadedAt) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return
	}
	fleet, err := LoadFleet(r.path)
	if err != nil {
		logging.Warn("registry", "fleet refresh failed, keeping snapshot", "error", err)
		r.mu.Lock()
		r.loadedAt = r.now()
		r.mu.Unlock()
		return
	}
	r.install(fleet)
	logging.Info("registry", "fleet refreshed", "clusters", len(fleet.Clusters), "endpoints", len(fleet.Endpoints))
}

// Cluster returns a cluster by name.
func (r *Registry) Cluster(name string) (*Cluster, error) {
	r.maybeRefresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[name]
	if !ok {
		return nil, apierr.Resolution("unknown cluster %q", name)
	}
	return c, nil
}

// Resolve maps a logical (cluster, framework, model) triple to its endpoint.
func (r *Registry) Resolve(cluster, framework, model string) (*Endpoint, error) {
	r.maybeRefresh()
	slug := Slugify(cluster, framework, model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[slug]
	if !ok {
		return nil, apierr.Resolution("no endpoint for model %q on %s/%s", model, cluster, framework)
	}
	return e, nil
}

// ListVisible returns the endpoints visible to an identity with the given
// groups and domain. The filter deliberately duplicates the authorization
// group/domain rule so listings cannot leak names of inaccessible targets.
func (r *Registry) ListVisible(groups []string, domain string) []*Endpoint {
	r.maybeRefresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		owner := r.clusters[e.Cluster]
		if owner != nil && !visible(owner.AllowedGroups, owner.AllowedDomains, groups, domain) {
			continue
		}
		if !visible(e.AllowedGroups, e.AllowedDomains, groups, domain) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func visible(allowedGroups, allowedDomains, groups []string, domain string) bool {
	if len(allowedGroups) > 0 && !intersects(allowedGroups, groups) {
		return false
	}
	if len(allowedDomains) > 0 && !containsFold(allowedDomains, domain) {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, item string) bool {
	for _, candidate := range list {
		if strings.EqualFold(candidate, item) {
			return true
		}
	}
	return false
}

package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/logging"
)

const statusKeyPrefix = "status:jobs:"

// Scheduler-level job states in a cluster snapshot.
const (
	JobStateRunning = "running"
	JobStateQueued  = "queued"
	JobStateOther   = "other"
)

// ModelStatusDisconnected marks a job that is nominally running at the
// scheduler level but has zero live workers, so it cannot serve requests.
const ModelStatusDisconnected = "disconnected"

// JobEntry is one scheduler-level job in a cluster snapshot.
type JobEntry struct {
	ID            string   `json:"id"`
	Models        []string `json:"models,omitempty"`
	Framework     string   `json:"framework,omitempty"`
	State         string   `json:"state"`
	WorkersActive int      `json:"workers_active"`
	ModelStatus   string   `json:"model_status,omitempty"`
}

// JobsSnapshot is the cached result of one "list all jobs" query.
type JobsSnapshot struct {
	Cluster   string     `json:"cluster"`
	FetchedAt time.Time  `json:"fetched_at"`
	Jobs      []JobEntry `json:"jobs,omitempty"`
}

// HasActiveJob reports whether the given backend job id is currently running
// or queued on the cluster.
func (s *JobsSnapshot) HasActiveJob(id string) bool {
	if s == nil || id == "" {
		return false
	}
	for _, job := range s.Jobs {
		if job.ID == id && (job.State == JobStateRunning || job.State == JobStateQueued) {
			return true
		}
	}
	return false
}

// ModelEntry returns the snapshot entry serving the given framework/model,
// preferring usable entries over disconnected ones.
func (s *JobsSnapshot) ModelEntry(framework, model string) *JobEntry {
	if s == nil {
		return nil
	}
	var fallback *JobEntry
	for i := range s.Jobs {
		job := &s.Jobs[i]
		if framework != "" && !strings.EqualFold(job.Framework, framework) {
			continue
		}
		for _, m := range job.Models {
			if strings.EqualFold(m, model) {
				if job.ModelStatus != ModelStatusDisconnected {
					return job
				}
				if fallback == nil {
					fallback = job
				}
			}
		}
	}
	return fallback
}

// refine downgrades nominally-running entries with zero live workers to
// disconnected, so readiness logic does not treat them as usable.
func (s *JobsSnapshot) refine() {
	for i := range s.Jobs {
		job := &s.Jobs[i]
		if job.ModelStatus != "" {
			continue
		}
		if job.State == JobStateRunning && job.WorkersActive == 0 {
			job.ModelStatus = ModelStatusDisconnected
		} else {
			job.ModelStatus = job.State
		}
	}
}

// SnapshotFetcher performs the expensive upstream "list all jobs" query.
type SnapshotFetcher interface {
	FetchJobs(ctx context.Context, cluster string) (*JobsSnapshot, error)
}

// StatusCache caches cluster job snapshots in the shared cache with a TTL,
// coalescing concurrent in-process misses onto a single upstream fetch. The
// shared cache entry collapses fetches across gateway processes.
type StatusCache struct {
	fetcher SnapshotFetcher
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
}

// NewStatusCache constructs a StatusCache; ttl <= 0 selects 60s.
func NewStatusCache(fetcher SnapshotFetcher, c cache.Cache, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &StatusCache{fetcher: fetcher, cache: c, ttl: ttl}
}

// GetOrFetch returns the cluster's refined job snapshot, fetching upstream
// at most once per TTL window per process.
func (s *StatusCache) GetOrFetch(ctx context.Context, cluster string) (*JobsSnapshot, error) {
	key := statusKeyPrefix + cluster
	if snap := s.cached(ctx, key); snap != nil {
		return snap, nil
	}

	v, err, _ := s.group.Do(cluster, func() (any, error) {
		// A concurrent flight may have populated the cache already.
		if snap := s.cached(ctx, key); snap != nil {
			return snap, nil
		}
		snap, err := s.fetcher.FetchJobs(ctx, cluster)
		if err != nil {
			return nil, err
		}
		snap.Cluster = cluster
		snap.FetchedAt = time.Now().UTC()
		snap.refine()
		if data, err := json.Marshal(snap); err == nil {
			if err := s.cache.Set(ctx, key, string(data), s.ttl); err != nil {
				logging.Warn("statuscache", "snapshot cache write failed", "cluster", cluster, "error", err)
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JobsSnapshot), nil
}

// Invalidate drops the cached snapshot for a cluster.
func (s *StatusCache) Invalidate(ctx context.Context, cluster string) {
	if err := s.cache.Del(ctx, statusKeyPrefix+cluster); err != nil {
		logging.Warn("statuscache", "snapshot invalidate failed", "cluster", cluster, "error", err)
	}
}

func (s *StatusCache) cached(ctx context.Context, key string) *JobsSnapshot {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil {
			logging.Warn("statuscache", "snapshot cache read failed", "error", err)
		}
		return nil
	}
	var snap JobsSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}

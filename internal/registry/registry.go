package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cadenzahq/relay/pkg/errors"
)

// Status represents the probe-driven health state of an instance
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Instance represents a single registered backend instance
type Instance struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Version        string            `json:"version,omitempty"`
	Address        string            `json:"address"`
	HealthEndpoint string            `json:"health_endpoint"`
	Tags           []string          `json:"tags,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastCheckedAt  time.Time         `json:"last_checked_at,omitempty"`
}

// HealthURL returns the full URL the prober calls for this instance
func (i *Instance) HealthURL() string {
	address := strings.TrimSuffix(i.Address, "/")
	endpoint := i.HealthEndpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return address + endpoint
}

// HasTags reports whether the instance carries every requested tag
func (i *Instance) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range i.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (i *Instance) clone() *Instance {
	copied := *i

	if i.Tags != nil {
		copied.Tags = make([]string, len(i.Tags))
		copy(copied.Tags, i.Tags)
	}
	if i.Dependencies != nil {
		copied.Dependencies = make([]string, len(i.Dependencies))
		copy(copied.Dependencies, i.Dependencies)
	}
	if i.Metadata != nil {
		copied.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			copied.Metadata[k] = v
		}
	}

	return &copied
}

// Registry is the in-memory source of truth for backend instances.
// Instances are keyed by (name, id) and kept in registration order,
// which the balancer relies on for deterministic tie-breaking.
type Registry struct {
	services map[string][]*Instance
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string][]*Instance),
	}
}

func validateInstance(inst *Instance) error {
	if inst == nil {
		return errors.NewValidationError("instance cannot be nil")
	}
	if inst.Name == "" {
		return errors.NewValidationError("instance name cannot be empty")
	}
	if inst.ID == "" {
		return errors.NewValidationError("instance id cannot be empty")
	}
	if inst.Address == "" {
		return errors.NewValidationError("instance address cannot be empty")
	}
	if inst.HealthEndpoint == "" {
		return errors.NewValidationError("instance health endpoint cannot be empty")
	}
	return nil
}

// Register adds a new instance. The stored instance always starts in
// StatusUnknown and is not routable until its first successful probe.
// Registering an already-present (name, id) pair is a conflict; use
// Reregister for instance refresh.
func (r *Registry) Register(inst *Instance) error {
	if err := validateInstance(inst); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.services[inst.Name] {
		if existing.ID == inst.ID {
			return errors.NewConflictError(fmt.Sprintf("instance %s/%s is already registered", inst.Name, inst.ID))
		}
	}

	stored := inst.clone()
	stored.Status = StatusUnknown
	stored.RegisteredAt = time.Now()
	stored.LastCheckedAt = time.Time{}

	r.services[inst.Name] = append(r.services[inst.Name], stored)
	return nil
}

// Reregister upserts an instance. An existing (name, id) pair is
// overwritten in place, keeping its slot in the registration order and
// its probe-driven status, registration time and last-check time: a
// refresh must not knock a healthy instance out of rotation. An absent
// pair is appended like Register and starts in StatusUnknown.
func (r *Registry) Reregister(inst *Instance) error {
	if err := validateInstance(inst); err != nil {
		return err
	}

	stored := inst.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[inst.Name]
	for idx, existing := range instances {
		if existing.ID == inst.ID {
			stored.Status = existing.Status
			stored.RegisteredAt = existing.RegisteredAt
			stored.LastCheckedAt = existing.LastCheckedAt
			instances[idx] = stored
			return nil
		}
	}

	stored.Status = StatusUnknown
	stored.RegisteredAt = time.Now()
	stored.LastCheckedAt = time.Time{}
	r.services[inst.Name] = append(instances, stored)
	return nil
}

// Deregister removes an instance. Removing an absent instance is not
// an error; the return value reports whether anything was removed.
func (r *Registry) Deregister(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := r.services[name]
	for idx, existing := range instances {
		if existing.ID == id {
			r.services[name] = append(instances[:idx], instances[idx+1:]...)
			if len(r.services[name]) == 0 {
				delete(r.services, name)
			}
			return true
		}
	}

	return false
}

// Get returns a copy of a single instance
func (r *Registry) Get(name, id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, existing := range r.services[name] {
		if existing.ID == id {
			return existing.clone(), nil
		}
	}

	return nil, errors.NewNotFoundError("instance")
}

// Discover returns copies of all registered instances of a service
// whose tag set contains every requested tag, in registration order.
// An unknown service or an unmatched filter yields an empty slice.
func (r *Registry) Discover(name string, tags ...string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Instance, 0, len(r.services[name]))
	for _, existing := range r.services[name] {
		if existing.HasTags(tags) {
			results = append(results, existing.clone())
		}
	}

	return results
}

// DiscoverHealthy returns only instances whose last probe succeeded.
// Instances still in StatusUnknown are excluded: an instance is never
// routable before its first successful health check.
func (r *Registry) DiscoverHealthy(name string, tags ...string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Instance, 0, len(r.services[name]))
	for _, existing := range r.services[name] {
		if existing.Status == StatusHealthy && existing.HasTags(tags) {
			results = append(results, existing.clone())
		}
	}

	return results
}

// All returns copies of every registered instance across all services.
// The prober works off this snapshot so probe I/O never holds the lock.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Instance
	for _, name := range r.sortedNamesLocked() {
		for _, existing := range r.services[name] {
			results = append(results, existing.clone())
		}
	}

	return results
}

// ServiceNames returns the sorted names of all registered services
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNamesLocked()
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateStatus records a probe outcome for an instance. Only the
// prober calls this. The return value reports whether the instance
// was still registered when the outcome arrived.
func (r *Registry) UpdateStatus(name, id string, status Status, checkedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.services[name] {
		if existing.ID == id {
			existing.Status = status
			existing.LastCheckedAt = checkedAt
			return true
		}
	}

	return false
}

// UpdateMetadata replaces the metadata of a registered instance
func (r *Registry) UpdateMetadata(name, id string, metadata map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.services[name] {
		if existing.ID == id {
			copied := make(map[string]string, len(metadata))
			for k, v := range metadata {
				copied[k] = v
			}
			existing.Metadata = copied
			return true
		}
	}

	return false
}

// Stats summarizes the registry for health and metrics snapshots
type Stats struct {
	TotalInstances     int                     `json:"total_instances"`
	HealthyInstances   int                     `json:"healthy_instances"`
	UnhealthyInstances int                     `json:"unhealthy_instances"`
	UnknownInstances   int                     `json:"unknown_instances"`
	Services           map[string]ServiceStats `json:"services"`
}

// ServiceStats summarizes a single service's instances
type ServiceStats struct {
	Name      string `json:"name"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// GetStats returns a point-in-time summary of all registered instances
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Services: make(map[string]ServiceStats),
	}

	for name, instances := range r.services {
		serviceStats := ServiceStats{
			Name:      name,
			Instances: len(instances),
		}

		for _, existing := range instances {
			stats.TotalInstances++
			switch existing.Status {
			case StatusHealthy:
				stats.HealthyInstances++
				serviceStats.Healthy++
			case StatusUnhealthy:
				stats.UnhealthyInstances++
			default:
				stats.UnknownInstances++
			}
		}

		stats.Services[name] = serviceStats
	}

	return stats
}

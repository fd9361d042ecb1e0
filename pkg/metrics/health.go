package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Component states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the aggregated view of the node components
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{
		components: make(map[string]ComponentHealth),
		critical:   []string{"storage", "cluster", "scheduler"},
		startTime:  time.Now(),
	}
}

var healthChecker = newComponentRegistry()

// SetVersion sets the version reported with every status
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records the state of a component, replacing any earlier report
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent for components that report repeatedly
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// SetCriticalComponents replaces the set of components readiness waits for
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = slices.Clone(names)
}

// GetHealth reports unhealthy when a critical component is down and degraded
// when only other components are.
func GetHealth() HealthStatus {
	r := healthChecker
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(r.components))
	var down []string
	for name, comp := range r.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		down = append(down, name)
		if slices.Contains(r.critical, name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	var message string
	if len(down) > 0 {
		slices.Sort(down)
		message = "down: " + strings.Join(down, ", ")
	}
	return r.status(status, components, message)
}

// GetReadiness reports ready once every critical component is registered and healthy
func GetReadiness() HealthStatus {
	r := healthChecker
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StatusReady
	var message string
	components := make(map[string]string, len(r.critical))
	for _, name := range r.critical {
		comp, ok := r.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
			continue
		}
		if status == StatusReady {
			status = StatusNotReady
			message = "waiting for " + name
		}
	}
	return r.status(status, components, message)
}

func (r *componentRegistry) status(status string, components map[string]string, message string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Truncate(time.Second).String(),
	}
}

// HealthHandler serves GetHealth. Only an unhealthy node answers 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

func writeStatus(w http.ResponseWriter, code int, v HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

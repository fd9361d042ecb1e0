package plugin

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/types"
)

type pluginEntry struct {
	enabled bool
	keys    []string
}

type extension struct {
	pluginID string
	handler  Handler
	breaker  *gobreaker.CircuitBreaker
}

// Registry maps stable type keys to handlers. Plugins contribute handlers
// through Load and withdraw them through Unload; a disabled plugin keeps its
// keys registered but none of them resolve.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[string]*pluginEntry
	extensions map[string]*extension
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		plugins:    make(map[string]*pluginEntry),
		extensions: make(map[string]*extension),
		logger:     log.WithComponent("plugins"),
	}
}

// Load registers a plugin and its handlers. It fails without registering
// anything when one of the keys is already taken.
func (r *Registry) Load(pluginID string, handlers map[string]Handler) error {
	if pluginID == "" {
		return errcode.New(errcode.ErrFieldValueEmpty, "pluginId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[pluginID]; exists {
		return errcode.New(errcode.ErrDuplicateRecord, pluginID)
	}

	var duplicates []string
	for key := range handlers {
		if _, exists := r.extensions[key]; exists {
			duplicates = append(duplicates, key)
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return errcode.New(errcode.ErrDuplicateExtensions, duplicates)
	}

	entry := &pluginEntry{enabled: true}
	for key, h := range handlers {
		r.extensions[key] = &extension{
			pluginID: pluginID,
			handler:  h,
			breaker:  newBreaker(key, r.logger),
		}
		entry.keys = append(entry.keys, key)
	}
	sort.Strings(entry.keys)
	r.plugins[pluginID] = entry

	r.logger.Info().
		Str("plugin_id", pluginID).
		Strs("extensions", entry.keys).
		Msg("plugin loaded")
	return nil
}

// Unload removes a plugin and every handler it contributed
func (r *Registry) Unload(pluginID string) error {
	if pluginID == DefaultPluginID {
		return errcode.New(errcode.ErrPluginOperation, "the default plugin cannot be unloaded")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[pluginID]
	if !ok {
		return errcode.New(errcode.ErrNoRecordFound, "pluginId", pluginID)
	}
	for _, key := range entry.keys {
		delete(r.extensions, key)
		metrics.PluginBreakerOpen.DeleteLabelValues(key)
	}
	delete(r.plugins, pluginID)

	r.logger.Info().Str("plugin_id", pluginID).Msg("plugin unloaded")
	return nil
}

// Enable makes a loaded plugin's handlers resolvable again
func (r *Registry) Enable(pluginID string) error {
	return r.setEnabled(pluginID, true)
}

// Disable keeps a plugin loaded but stops its handlers from resolving
func (r *Registry) Disable(pluginID string) error {
	if pluginID == DefaultPluginID {
		return errcode.New(errcode.ErrPluginOperation, "the default plugin cannot be disabled")
	}
	return r.setEnabled(pluginID, false)
}

func (r *Registry) setEnabled(pluginID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[pluginID]
	if !ok {
		return errcode.New(errcode.ErrNoRecordFound, "pluginId", pluginID)
	}
	entry.enabled = enabled
	r.logger.Info().Str("plugin_id", pluginID).Bool("enabled", enabled).Msg("plugin state changed")
	return nil
}

// IsPluginAvailable reports whether the plugin owning a fault is loaded and
// enabled. Faults without plugin info belong to the default plugin.
func (r *Registry) IsPluginAvailable(meta *types.PluginMetaInfo) bool {
	if meta == nil {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.plugins[meta.PluginID]
	if !ok || !entry.enabled {
		return false
	}
	if meta.FaultName == "" {
		return true
	}
	_, ok = r.extensions[Key(meta.PluginID, meta.FaultName)]
	return ok
}

// GetExtension resolves a type key to its handler, or nil when no enabled
// plugin provides it. The returned handler runs behind the key's circuit
// breaker.
func (r *Registry) GetExtension(key string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[key]
	if !ok {
		return nil
	}
	if entry := r.plugins[ext.pluginID]; entry == nil || !entry.enabled {
		return nil
	}
	return &guardedHandler{key: key, inner: ext.handler, breaker: ext.breaker}
}

// Extensions lists the registered type keys
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.extensions))
	for key := range r.extensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func newBreaker(key string, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.PluginBreakerOpen.WithLabelValues(name).Set(metrics.BoolGauge(to == gobreaker.StateOpen))
			logger.Warn().
				Str("extension", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			// Rejected input says nothing about the handler's health
			switch errcode.KindOf(err) {
			case errcode.KindValidation, errcode.KindNotFound:
				return true
			}
			return false
		},
	})
}

// guardedHandler routes calls through a circuit breaker so a failing
// extension stops receiving work instead of piling up failed attempts
type guardedHandler struct {
	key     string
	inner   Handler
	breaker *gobreaker.CircuitBreaker
}

func (g *guardedHandler) Init(spec *types.FaultSpec, taskID string) (*types.Task, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Init(spec, taskID)
	})
	if err != nil {
		return nil, g.translate(err)
	}
	return res.(*types.Task), nil
}

func (g *guardedHandler) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Execute(ctx, task)
	})
	if err != nil {
		return nil, g.translate(err)
	}
	return res.(*Result), nil
}

func (g *guardedHandler) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errcode.Wrap(errcode.ErrPluginOperation, err, g.key)
	}
	return err
}

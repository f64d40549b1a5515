// Package registry maps source names to their Source factory and
// Transformer. Source packages register themselves from init().
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

// Deps are the collaborators a Source is built with.
type Deps struct {
	Client *clients.Client
	Config config.SourceConfig
	Logger *zap.Logger
}

// SourceFactory creates a Source for one provider.
type SourceFactory func(deps Deps) (core.Source, error)

// Defaults are a provider's built-in connection settings.
type Defaults struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
}

// Registration describes one provider integration.
type Registration struct {
	Name        string
	EntityType  string
	NewSource   SourceFactory
	Transformer core.Transformer
	Defaults    Defaults
}

// Registry manages provider registrations
type Registry struct {
	entries map[string]Registration
	mu      sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds reg, rejecting duplicates and incomplete registrations.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.NewSource == nil || reg.Transformer == nil {
		return errors.New(errors.ErrorTypeConfig, "registration needs a name, a source factory and a transformer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s already registered", reg.Name))
	}
	r.entries[reg.Name] = reg
	return nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	if !ok {
		return Registration{}, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s not registered", name))
	}
	return reg, nil
}

// Transformer returns the transformer selected by a batch's source tag.
func (r *Registry) Transformer(source string) (core.Transformer, error) {
	reg, err := r.Get(source)
	if err != nil {
		return nil, err
	}
	return reg.Transformer, nil
}

// List returns registered source names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a source is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// ClientConfig merges provider defaults, source configuration and the
// shared HTTP settings into the client configuration for reg.
func ClientConfig(reg Registration, src config.SourceConfig, httpCfg config.HTTPConfig) *clients.HTTPConfig {
	cfg := clients.DefaultHTTPConfig()
	cfg.BaseURL = reg.Defaults.BaseURL
	cfg.RateLimit = reg.Defaults.RequestsPerSecond
	cfg.RateBurst = reg.Defaults.Burst

	if src.BaseURL != "" {
		cfg.BaseURL = src.BaseURL
	}
	if src.RequestsPerSecond > 0 {
		cfg.RateLimit = src.RequestsPerSecond
	}
	if src.Burst > 0 {
		cfg.RateBurst = src.Burst
	}
	if httpCfg.Timeout > 0 {
		cfg.RequestTimeout = httpCfg.Timeout
	}
	if httpCfg.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = httpCfg.MaxIdleConnsPerHost
	}
	if httpCfg.UserAgent != "" {
		cfg.UserAgent = httpCfg.UserAgent
	}
	cfg.BreakerThreshold = httpCfg.BreakerThreshold
	cfg.BreakerCooldown = httpCfg.BreakerCooldown
	if httpCfg.MaxAttempts > 0 {
		cfg.Retry = retry.New(httpCfg.MaxAttempts, httpCfg.InitialBackoff, httpCfg.MaxBackoff)
	}
	return cfg
}

// Global registry functions

// Register registers a provider in the global registry
func Register(reg Registration) error {
	return globalRegistry.Register(reg)
}

// MustRegister registers reg and panics on failure. Intended for init().
func MustRegister(reg Registration) {
	if err := globalRegistry.Register(reg); err != nil {
		panic(err)
	}
}

// Get returns a registration from the global registry
func Get(name string) (Registration, error) {
	return globalRegistry.Get(name)
}

// List returns registered sources from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a source is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// Global returns the global registry instance.
func Global() *Registry {
	return globalRegistry
}

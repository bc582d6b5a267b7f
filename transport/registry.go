package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps transport names to their dialers and capabilities.
// Transport packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer under name, replacing any previous registration.
// The transport advertises no capabilities beyond its name.
func (r *Registry) Register(name string, dialer Dialer) {
	r.RegisterWithCapabilities(name, dialer, Capabilities{Name: name})
}

// RegisterWithCapabilities adds a dialer under name together with what the
// transport guarantees.
func (r *Registry) RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
	r.capabilities[name] = caps
}

// Capabilities returns what the transport registered under name guarantees.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.capabilities[name]
	return caps, ok
}

// Dial opens a connection using the dialer registered under name.
func (r *Registry) Dial(ctx context.Context, name, url string, logger watermill.LoggerAdapter) (Connection, error) {
	r.mu.RLock()
	dialer, ok := r.dialers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return dialer(ctx, url, logger)
}

// Names returns the sorted list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[name]
	return ok
}

// Register adds a dialer to the default registry.
func Register(name string, dialer Dialer) {
	DefaultRegistry.Register(name, dialer)
}

// RegisterWithCapabilities adds a dialer and its capabilities to the default
// registry.
func RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, dialer, caps)
}

// GetCapabilities returns the capabilities of a transport in the default
// registry.
func GetCapabilities(name string) (Capabilities, bool) {
	return DefaultRegistry.Capabilities(name)
}

// Dial opens a connection using the default registry.
func Dial(ctx context.Context, name, url string, logger watermill.LoggerAdapter) (Connection, error) {
	return DefaultRegistry.Dial(ctx, name, url, logger)
}

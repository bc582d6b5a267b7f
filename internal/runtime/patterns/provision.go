package patterns

import (
	"sync"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/handlers"
	"github.com/drblury/burrow/transport"
)

// Provision binds a handler to an endpoint of a given pattern. It carries the
// live channel and consumer tag while provisioned. A Provision is never
// destroyed; deprovisioning flags it unprovisioned so it can be provisioned
// again by a later connect.
type Provision struct {
	Kind     Kind
	Endpoint string
	Handler  handlers.Handler
	Options  Options

	mu      sync.Mutex
	channel transport.Channel
	tag     string
	claimed bool
}

// NewProvision builds and validates a Provision.
func NewProvision(kind Kind, endpoint string, handler handlers.Handler, opts Options) (*Provision, error) {
	p := &Provision{Kind: kind, Endpoint: endpoint, Handler: handler, Options: opts}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the static fields.
func (p *Provision) Validate() error {
	if p == nil {
		return errspkg.ErrProvisionRequired
	}
	if !p.Kind.Valid() {
		return errspkg.ErrUnknownPattern
	}
	if p.Endpoint == "" {
		return errspkg.ErrEndpointRequired
	}
	if p.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return nil
}

// Provisioned reports whether the endpoint holds a live channel and consumer.
func (p *Provision) Provisioned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil && p.tag != ""
}

// Channel returns the live channel, nil when unprovisioned.
func (p *Provision) Channel() transport.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// Tag returns the consumer tag, "" when unprovisioned.
func (p *Provision) Tag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tag
}

// Claim reserves the provision for one provisioning attempt. It fails when
// the provision is already provisioned or another attempt is in flight.
func (p *Provision) Claim() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed || p.channel != nil {
		return false
	}
	p.claimed = true
	return true
}

// Release ends a failed attempt started by Claim.
func (p *Provision) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed = false
}

// Bind records the live channel and consumer tag of a successful attempt.
func (p *Provision) Bind(ch transport.Channel, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = ch
	p.tag = tag
	p.claimed = false
}

// Unbind flags the provision unprovisioned and hands back what it held.
func (p *Provision) Unbind() (transport.Channel, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, tag := p.channel, p.tag
	p.channel = nil
	p.tag = ""
	return ch, tag
}

// Registry is the ordered set of provisions of one instance.
type Registry struct {
	mu    sync.RWMutex
	items []*Provision
	index map[*Provision]struct{}
}

// NewRegistry returns a registry holding provs.
func NewRegistry(provs ...*Provision) *Registry {
	r := &Registry{index: map[*Provision]struct{}{}}
	r.Add(provs...)
	return r
}

// Add appends provisions not yet registered, ignoring nils, and returns the
// ones that were new.
func (r *Registry) Add(provs ...*Provision) []*Provision {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []*Provision
	for _, p := range provs {
		if p == nil {
			continue
		}
		if _, ok := r.index[p]; ok {
			continue
		}
		r.index[p] = struct{}{}
		r.items = append(r.items, p)
		added = append(added, p)
	}
	return added
}

// All returns the provisions in registration order.
func (r *Registry) All() []*Provision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Provision(nil), r.items...)
}

// Pending returns the provisions that are not provisioned.
func (r *Registry) Pending() []*Provision {
	return r.filter(func(p *Provision) bool { return !p.Provisioned() })
}

// Provisioned returns the provisions holding a live consumer.
func (r *Registry) Provisioned() []*Provision {
	return r.filter((*Provision).Provisioned)
}

// Find returns the provision for kind and endpoint, or nil.
func (r *Registry) Find(kind Kind, endpoint string) *Provision {
	for _, p := range r.All() {
		if p.Kind == kind && p.Endpoint == endpoint {
			return p
		}
	}
	return nil
}

// Len returns the number of registered provisions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) filter(keep func(*Provision) bool) []*Provision {
	var out []*Provision
	for _, p := range r.All() {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

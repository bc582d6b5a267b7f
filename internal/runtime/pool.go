package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/drblury/burrow/internal/runtime/config"
	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

// NewOwnerID mints an id for Pool.Attach.
func NewOwnerID() string {
	return idspkg.NewOwnerID()
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger. Instances created by the pool log
// through it too unless their options say otherwise.
func WithPoolLogger(logger loggingpkg.ServiceLogger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInstanceOptions applies opts to every instance the pool creates,
// before the options passed to Attach.
func WithInstanceOptions(opts ...Option) PoolOption {
	return func(p *Pool) {
		p.instanceOpts = append(p.instanceOpts, opts...)
	}
}

// Pool shares instances between owners by key. An instance is created by
// the first Attach for its key and disconnected by the Detach of its last
// owner.
type Pool struct {
	logger       loggingpkg.ServiceLogger
	instanceOpts []Option

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	key      string
	instance *Instance
	cfg      configpkg.Config

	mu      sync.Mutex
	owners  map[string]struct{}
	closing bool
}

// live reports whether the instance can still serve owners. An instance
// closed outside the pool, or whose Initialize failed, cannot.
func (e *poolEntry) live() bool {
	switch e.instance.State() {
	case StateDisconnecting, StateClosed:
		return false
	}
	return true
}

// NewPool returns an empty pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		logger:  loggingpkg.NewNopLogger(),
		entries: map[string]*poolEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Attach registers ownerID on the instance under key. The first attach for a
// key creates the instance from cfg and opts and, unless cfg.Defer is set,
// initializes it. Later attaches share that instance as is; their cfg and
// opts are ignored.
func (p *Pool) Attach(ctx context.Context, key string, cfg configpkg.Config, ownerID string, opts ...Option) (*Instance, error) {
	if key == "" {
		return nil, errspkg.ErrInstanceKeyRequired
	}
	if ownerID == "" {
		return nil, errspkg.ErrOwnerRequired
	}

	for {
		p.mu.Lock()
		e, ok := p.entries[key]
		if !ok {
			created, err := p.create(key, cfg, ownerID, opts)
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return p.start(ctx, created, ownerID)
		}
		p.mu.Unlock()

		e.mu.Lock()
		if e.closing {
			// The last owner is detaching; the entry leaves the map before
			// e.mu is released, so the next round creates a fresh one.
			e.mu.Unlock()
			continue
		}
		if !e.live() {
			e.closing = true
			p.remove(e)
			e.mu.Unlock()
			p.logger.Warn("Pooled instance is closed, replacing it", loggingpkg.LogFields{"key": key, "owner": ownerID})
			continue
		}
		e.owners[ownerID] = struct{}{}
		owners := len(e.owners)
		e.mu.Unlock()

		fields := loggingpkg.LogFields{"key": key, "owner": ownerID, "owners": owners}
		if cfg != e.cfg {
			fields["ignored_config"] = cfg.String()
			p.logger.Debug("Attached to existing instance; the new config is ignored", fields)
		} else {
			p.logger.Debug("Attached to existing instance", fields)
		}
		return e.instance, nil
	}
}

// create runs with p.mu held.
func (p *Pool) create(key string, cfg configpkg.Config, ownerID string, opts []Option) (*poolEntry, error) {
	all := make([]Option, 0, len(p.instanceOpts)+len(opts)+2)
	all = append(all, WithLogger(p.logger), WithName(key))
	all = append(all, p.instanceOpts...)
	all = append(all, opts...)

	inst, err := New(cfg, all...)
	if err != nil {
		return nil, err
	}
	e := &poolEntry{
		key:      key,
		instance: inst,
		cfg:      cfg,
		owners:   map[string]struct{}{ownerID: {}},
	}
	p.entries[key] = e
	p.logger.Info("Pooled instance created", loggingpkg.LogFields{"key": key, "owner": ownerID, "deferred": cfg.Defer})
	return e, nil
}

func (p *Pool) start(ctx context.Context, e *poolEntry, ownerID string) (*Instance, error) {
	if e.cfg.Defer {
		return e.instance, nil
	}
	if err := e.instance.Initialize(ctx); err != nil {
		e.mu.Lock()
		delete(e.owners, ownerID)
		if len(e.owners) == 0 {
			e.closing = true
			p.remove(e)
		}
		e.mu.Unlock()
		return nil, err
	}
	return e.instance, nil
}

// remove drops e from the map if it is still the entry for its key. Callers
// hold e.mu.
func (p *Pool) remove(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
}

// Detach removes ownerID from the instance under key. The last owner to
// detach disconnects the instance and removes it from the pool.
func (p *Pool) Detach(ctx context.Context, key, ownerID string) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownInstance, key)
	}

	e.mu.Lock()
	if _, ok := e.owners[ownerID]; !ok || e.closing {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q on %q", errspkg.ErrUnknownOwner, ownerID, key)
	}
	delete(e.owners, ownerID)
	if len(e.owners) > 0 {
		remaining := len(e.owners)
		e.mu.Unlock()
		p.logger.Debug("Owner detached", loggingpkg.LogFields{"key": key, "owner": ownerID, "owners": remaining})
		return nil
	}
	e.closing = true
	p.remove(e)
	e.mu.Unlock()

	p.logger.Info("Last owner detached, disconnecting", loggingpkg.LogFields{"key": key, "owner": ownerID})
	return e.instance.Disconnect(ctx)
}

// Get returns the instance under key.
func (p *Pool) Get(key string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// Len returns the number of pooled instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// PoolEntryStatus describes one pooled instance.
type PoolEntryStatus struct {
	Key      string         `json:"key"`
	Owners   []string       `json:"owners"`
	Instance InstanceStatus `json:"instance"`
}

// Snapshot returns the pooled instances sorted by key.
func (p *Pool) Snapshot() []PoolEntryStatus {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	out := make([]PoolEntryStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		owners := make([]string, 0, len(e.owners))
		for o := range e.owners {
			owners = append(owners, o)
		}
		e.mu.Unlock()
		sort.Strings(owners)
		out = append(out, PoolEntryStatus{Key: e.key, Owners: owners, Instance: e.instance.Status()})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

// Close detaches every owner and disconnects every instance.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.closing {
			e.mu.Unlock()
			continue
		}
		e.closing = true
		e.owners = map[string]struct{}{}
		p.remove(e)
		e.mu.Unlock()

		if err := e.instance.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.key, err))
		}
	}
	return errors.Join(errs...)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/burrow/internal/runtime/codec"
	configpkg "github.com/drblury/burrow/internal/runtime/config"
	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	"github.com/drblury/burrow/internal/runtime/patterns"
	"github.com/drblury/burrow/internal/runtime/probe"
	"github.com/drblury/burrow/transport"
)

var exitProcess = os.Exit

// State is the lifecycle position of an Instance.
type State int

const (
	StateIdle State = iota
	StateAwaitingService
	StateConnecting
	StateConnected
	StateReady
	StateDisconnecting
	StateClosed
)

var states = []State{StateIdle, StateAwaitingService, StateConnecting, StateConnected, StateReady, StateDisconnecting, StateClosed}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingService:
		return "awaiting_service"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Prober blocks until the broker at url accepts connections.
type Prober interface {
	Await(ctx context.Context, url string) error
}

// Option configures an Instance at construction.
type Option func(*Instance)

// WithProvisions registers endpoints to provision on connect.
func WithProvisions(provs ...*patterns.Provision) Option {
	return func(i *Instance) {
		i.provisions.Add(provs...)
	}
}

// WithLogger sets the instance logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(i *Instance) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithName labels the instance in logs, events and metrics. Defaults to the
// configured connection name.
func WithName(name string) Option {
	return func(i *Instance) {
		if name != "" {
			i.name = name
		}
	}
}

// WithProber replaces the TCP reachability prober.
func WithProber(p Prober) Option {
	return func(i *Instance) {
		i.prober = p
	}
}

// WithTransports dials through registry instead of transport.DefaultRegistry.
func WithTransports(registry *transport.Registry) Option {
	return func(i *Instance) {
		if registry != nil {
			i.transports = registry
		}
	}
}

// WithFatalHandler replaces the process exit run when the broker cannot be
// reached or connected. Initialize returns the error if fn returns.
func WithFatalHandler(fn func(error)) Option {
	return func(i *Instance) {
		i.fatal = fn
	}
}

// WithHooks adds delivery hooks to every endpoint of the instance.
func WithHooks(hooks patterns.DeliveryHooks) Option {
	return func(i *Instance) {
		i.hooks = i.hooks.Merge(hooks)
	}
}

// WithMetrics records instance metrics on m regardless of
// Config.MetricsEnabled.
func WithMetrics(m *Metrics) Option {
	return func(i *Instance) {
		i.metrics = m
	}
}

// WithRegisterer selects where metrics are registered when
// Config.MetricsEnabled is set.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(i *Instance) {
		i.registerer = registerer
	}
}

// WithCodec replaces the codec selected by Config.Codec.
func WithCodec(c codec.Codec) Option {
	return func(i *Instance) {
		if c != nil {
			i.codec = c
		}
	}
}

// InitOption overrides construction values for one Initialize call.
type InitOption func(*initOptions)

type initOptions struct {
	url      string
	exchange string
}

// WithURL connects to url instead of Config.URL.
func WithURL(url string) InitOption {
	return func(o *initOptions) {
		o.url = url
	}
}

// WithExchange uses exchange as default exchange instead of Config.Exchange.
func WithExchange(exchange string) InitOption {
	return func(o *initOptions) {
		o.exchange = exchange
	}
}

// Instance owns one broker connection and the endpoints provisioned on it.
type Instance struct {
	cfg        configpkg.Config
	name       string
	logger     loggingpkg.ServiceLogger
	codec      codec.Codec
	prober     Prober
	transports *transport.Registry
	fatal      func(error)
	hooks      patterns.DeliveryHooks
	metrics    *Metrics
	registerer prometheus.Registerer
	bus        *lifecycleBus
	execs      *patterns.Executors
	provisions *patterns.Registry

	mu          sync.RWMutex
	state       State
	url         string
	exchange    string
	conn        transport.Connection
	connected   bool
	initialized bool
	ready       chan struct{}
	initDone    chan struct{}
	closed      chan struct{}
	inflight    sync.WaitGroup
}

// New validates cfg and builds an idle Instance.
func New(cfg configpkg.Config, opts ...Option) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrInvalidConfig, err)
	}

	i := &Instance{
		cfg:        cfg,
		name:       cfg.ConnectionName,
		logger:     loggingpkg.NewNopLogger(),
		transports: transport.DefaultRegistry,
		provisions: patterns.NewRegistry(),
		url:        cfg.URL,
		exchange:   cfg.Exchange,
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
	i.fatal = func(error) { exitProcess(1) }
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	if i.name == "" {
		i.name = "burrow"
	}
	i.logger = i.logger.With(loggingpkg.LogFields{"instance": i.name})

	if i.codec == nil {
		c, err := codec.Lookup(cfg.Codec, i.logger)
		if err != nil {
			return nil, err
		}
		i.codec = c
	}
	if i.prober == nil {
		i.prober = probe.New(probe.Config{
			Interval:    cfg.ProbeInterval,
			Retries:     cfg.ProbeRetries,
			Grace:       cfg.ProbeGrace,
			DialTimeout: cfg.ProbeDialTimeout,
		}, i.logger)
	}
	if i.metrics == nil && cfg.MetricsEnabled {
		i.metrics = NewMetrics(i.registerer)
	}
	if i.metrics != nil {
		if err := i.metrics.Register(); err != nil {
			return nil, fmt.Errorf("burrow: register metrics: %w", err)
		}
		i.hooks = i.hooks.Merge(i.metrics.Hooks(i.name))
		i.metrics.SetState(i.name, StateIdle)
	}

	i.bus = newLifecycleBus(i.logger)
	i.execs = patterns.NewExecutors(i)
	return i, nil
}

// Initialize probes the broker, connects, provisions every registered
// endpoint and closes Ready. It may only run once. Failing to reach or
// connect to the broker is fatal.
func (i *Instance) Initialize(ctx context.Context, opts ...InitOption) error {
	o := initOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	i.mu.Lock()
	if i.state != StateIdle {
		i.mu.Unlock()
		return errspkg.ErrAlreadyInitialized
	}
	if o.url != "" {
		i.url = o.url
	}
	if o.exchange != "" {
		i.exchange = o.exchange
	}
	if i.url == "" {
		i.mu.Unlock()
		return errspkg.ErrURLRequired
	}
	url := i.url
	i.initDone = make(chan struct{})
	defer close(i.initDone)
	i.state = StateAwaitingService
	if i.cfg.SkipServiceProbe {
		i.state = StateConnecting
	}
	i.mu.Unlock()

	logger := i.logger.With(loggingpkg.LogFields{"url": configpkg.RedactURL(url)})

	if !i.cfg.SkipServiceProbe {
		i.observeState(StateAwaitingService)
		i.emit(Event{Kind: EventAwaitingService})
		if err := i.prober.Await(ctx, url); err != nil {
			return i.fail(logger, "Broker unreachable", err)
		}
	}

	i.setState(StateConnecting)
	conn, err := i.transports.Dial(ctx, i.cfg.Transport, url, loggingpkg.NewWatermillAdapter(i.logger))
	if err != nil {
		return i.fail(logger, "Connecting to broker failed", err)
	}

	i.mu.Lock()
	i.conn = conn
	i.connected = true
	i.state = StateConnected
	i.mu.Unlock()
	i.observeState(StateConnected)
	caps := i.capabilities()
	logger.Info("Connected to broker", loggingpkg.LogFields{
		"transport":          i.cfg.Transport,
		"publisher_confirms": caps.PublisherConfirms,
		"durable":            caps.Durable,
	})

	if i.cfg.LifecycleExchange != "" {
		if err := i.bus.attachMirror(url, i.cfg.LifecycleExchange); err != nil {
			logger.Warn("Lifecycle mirror unavailable", loggingpkg.LogFields{
				"exchange": i.cfg.LifecycleExchange,
				"error":    err.Error(),
			})
		}
	}

	if i.provisions.Len() > 0 {
		if err := i.ProvisionAll(ctx); err != nil {
			logger.Warn("Provisioning interrupted", loggingpkg.LogFields{"error": err.Error()})
		}
	}

	i.mu.Lock()
	i.initialized = true
	i.state = StateReady
	close(i.ready)
	i.mu.Unlock()
	i.observeState(StateReady)
	i.emit(Event{Kind: EventConnected})
	logger.Info("Instance ready", loggingpkg.LogFields{
		"provisioned": len(i.provisions.Provisioned()),
		"endpoints":   i.provisions.Len(),
	})
	return nil
}

// capabilities returns what the configured transport guarantees. Transports
// registered without them report only their name.
func (i *Instance) capabilities() transport.Capabilities {
	if caps, ok := i.transports.Capabilities(i.cfg.Transport); ok {
		return caps
	}
	return transport.Capabilities{Name: i.cfg.Transport}
}

func (i *Instance) fail(logger loggingpkg.ServiceLogger, msg string, err error) error {
	logger.Error(msg, err, nil)
	i.setState(StateClosed)
	i.emit(Event{Kind: EventFatal, Error: err.Error()})
	i.fatal(err)
	return err
}

// ProvisionAll registers provs and, when connected, provisions every
// endpoint that is not provisioned yet, concurrently. Endpoint failures are
// logged and leave the endpoint unprovisioned; they never fail the call.
// It returns once every attempt has settled, or ctx.Err() if ctx ended
// first.
func (i *Instance) ProvisionAll(ctx context.Context, provs ...*patterns.Provision) error {
	i.provisions.Add(provs...)

	i.mu.Lock()
	if !i.connected || i.state == StateDisconnecting || i.state == StateClosed {
		i.mu.Unlock()
		return nil
	}
	i.inflight.Add(1)
	i.mu.Unlock()
	defer i.inflight.Done()

	var g errgroup.Group
	if i.cfg.ProvisionConcurrency > 0 {
		g.SetLimit(i.cfg.ProvisionConcurrency)
	}
	for _, p := range i.provisions.Pending() {
		g.Go(func() error {
			i.provision(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	if i.metrics != nil {
		i.metrics.SetProvisioned(i.name, len(i.provisions.Provisioned()))
	}
	return ctx.Err()
}

func (i *Instance) provision(ctx context.Context, p *patterns.Provision) {
	if !p.Claim() {
		return
	}
	fields := loggingpkg.LogFields{"pattern": p.Kind.String(), "endpoint": p.Endpoint}

	exec, ok := i.execs.For(p.Kind)
	if !ok {
		p.Release()
		i.provisionFailed(p, fields, errspkg.ErrUnknownPattern)
		return
	}
	ch, tag, err := exec.Provision(ctx, p)
	if err != nil {
		p.Release()
		i.provisionFailed(p, fields, err)
		return
	}
	p.Bind(ch, tag)
	fields["consumer_tag"] = tag
	i.logger.Debug("Endpoint provisioned", fields)
	i.emit(Event{Kind: EventProvisioned, Pattern: p.Kind.String(), Endpoint: p.Endpoint})
}

func (i *Instance) provisionFailed(p *patterns.Provision, fields loggingpkg.LogFields, err error) {
	if hint := errspkg.Hint(err); hint != "" {
		fields["hint"] = hint
	}
	i.logger.Error("Provisioning endpoint failed", err, fields)
	if i.metrics != nil {
		i.metrics.RecordProvisionFailure(i.name, p.Kind)
	}
	i.emit(Event{Kind: EventProvisionFailed, Pattern: p.Kind.String(), Endpoint: p.Endpoint, Error: err.Error()})
}

// Disconnect deprovisions every endpoint and listener, then closes the
// connection. It waits for a running Initialize to settle first. Calling it
// on an instance that never initialized, or again after it closed, is a
// no-op.
func (i *Instance) Disconnect(ctx context.Context) error {
	i.mu.RLock()
	initDone := i.initDone
	i.mu.RUnlock()
	if initDone != nil {
		select {
		case <-initDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	i.mu.Lock()
	switch {
	case i.state == StateDisconnecting:
		i.mu.Unlock()
		select {
		case <-i.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case !i.initialized || i.state == StateClosed:
		i.mu.Unlock()
		return nil
	}
	i.state = StateDisconnecting
	conn := i.conn
	i.mu.Unlock()
	i.observeState(StateDisconnecting)
	i.logger.Info("Disconnecting", nil)

	i.inflight.Wait()
	i.deprovisionAll(ctx)

	err := conn.Close()
	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}

	i.mu.Lock()
	i.conn = nil
	i.connected = false
	i.state = StateClosed
	close(i.closed)
	i.mu.Unlock()
	i.observeState(StateClosed)
	if i.metrics != nil {
		i.metrics.SetProvisioned(i.name, 0)
	}

	i.emit(Event{Kind: EventDisconnected})
	if merr := i.bus.closeMirror(); merr != nil {
		i.logger.Warn("Closing lifecycle mirror failed", loggingpkg.LogFields{"error": merr.Error()})
	}

	if err != nil {
		i.logger.Error("Closing connection failed", err, nil)
		return fmt.Errorf("burrow: close connection: %w", err)
	}
	i.logger.Info("Disconnected", nil)
	return nil
}

// Close is an alias of Disconnect.
func (i *Instance) Close(ctx context.Context) error {
	return i.Disconnect(ctx)
}

func (i *Instance) deprovisionAll(ctx context.Context) {
	var g errgroup.Group
	if i.cfg.ProvisionConcurrency > 0 {
		g.SetLimit(i.cfg.ProvisionConcurrency)
	}
	for _, p := range i.provisions.Provisioned() {
		g.Go(func() error {
			exec, ok := i.execs.For(p.Kind)
			if !ok {
				return nil
			}
			if err := exec.Deprovision(ctx, p); err != nil {
				i.logger.Error("Deprovisioning endpoint failed", err, loggingpkg.LogFields{
					"pattern":  p.Kind.String(),
					"endpoint": p.Endpoint,
				})
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := i.execs.CloseListeners(ctx); err != nil {
			i.logger.Error("Closing listeners failed", err, nil)
		}
		return nil
	})
	_ = g.Wait()
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.observeState(s)
}

func (i *Instance) observeState(s State) {
	i.logger.Debug("State changed", loggingpkg.LogFields{"state": s.String()})
	if i.metrics != nil {
		i.metrics.SetState(i.name, s)
	}
}

func (i *Instance) emit(ev Event) {
	ev.Instance = i.name
	ev.State = i.State().String()
	ev.At = time.Now().UTC()
	i.bus.publish(ev)
}

// Ready is closed once Initialize connected and provisioning settled.
func (i *Instance) Ready() <-chan struct{} {
	return i.ready
}

// Done is closed once Disconnect closed the connection.
func (i *Instance) Done() <-chan struct{} {
	return i.closed
}

// Events replays every lifecycle event so far and then follows new ones
// until ctx ends.
func (i *Instance) Events(ctx context.Context) (<-chan Event, error) {
	return i.bus.subscribe(ctx)
}

func (i *Instance) Name() string {
	return i.name
}

func (i *Instance) Config() configpkg.Config {
	return i.cfg
}

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) Connected() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.connected
}

func (i *Instance) Initialized() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.initialized
}

// URL returns the broker URL, credentials included.
func (i *Instance) URL() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.url
}

// Exchange returns the default exchange, "" when none is configured.
func (i *Instance) Exchange() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.exchange
}

// Provisions returns the registered endpoints in registration order.
func (i *Instance) Provisions() []*patterns.Provision {
	return i.provisions.All()
}

// QueueName returns "<exchange>.<endpoint>" when exchange prefixing is
// enabled and an exchange is set, endpoint otherwise.
func (i *Instance) QueueName(endpoint string) string {
	if ex := i.Exchange(); i.cfg.PrefixExchange && ex != "" {
		return ex + "." + endpoint
	}
	return endpoint
}

// Connection returns the live connection or ErrNotConnected.
func (i *Instance) Connection() (transport.Connection, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.connected || i.conn == nil {
		return nil, errspkg.ErrNotConnected
	}
	return i.conn, nil
}

func (i *Instance) Codec() codec.Codec {
	return i.codec
}

func (i *Instance) Logger() loggingpkg.ServiceLogger {
	return i.logger
}

func (i *Instance) Hooks() patterns.DeliveryHooks {
	return i.hooks
}

func (i *Instance) RPCTimeout() time.Duration {
	return i.cfg.RPCTimeout
}

func (i *Instance) RPC() *patterns.RPC {
	return i.execs.RPC
}

func (i *Instance) FNF() *patterns.FNF {
	return i.execs.FNF
}

func (i *Instance) PubSub() *patterns.PubSub {
	return i.execs.PubSub
}

func (i *Instance) Topic() *patterns.Topic {
	return i.execs.Topic
}

// CTE returns the legacy helper bound to the instance exchange.
func (i *Instance) CTE() *patterns.CTE {
	return i.execs.CTE
}

var _ patterns.Host = (*Instance)(nil)

package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/burrow/internal/runtime/patterns"
)

// Metrics exports Prometheus collectors for instances. One Metrics value can
// serve several instances; series are labelled by instance name.
type Metrics struct {
	mu sync.Mutex

	deliveriesTotal   *prometheus.CounterVec
	handlerSeconds    *prometheus.HistogramVec
	invocationsTotal  *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	provisionFailures *prometheus.CounterVec
	provisioned       *prometheus.GaugeVec
	state             *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "burrow",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer selects
// prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:        registerer,
		deliveriesTotal:   newCounterVec("deliveries_total", "Messages handed to endpoint handlers", []string{"instance", "pattern", "endpoint", "outcome"}),
		handlerSeconds:    newHistogramVec("handler_duration_seconds", "Time spent in endpoint handlers", []string{"instance", "pattern", "endpoint"}),
		invocationsTotal:  newCounterVec("invocations_total", "Outgoing invoke and publish calls", []string{"instance", "pattern", "op", "outcome"}),
		invocationSeconds: newHistogramVec("invocation_duration_seconds", "Duration of invoke and publish calls, including rpc replies", []string{"instance", "pattern", "op"}),
		provisionFailures: newCounterVec("provision_failures_total", "Endpoints that failed to provision", []string{"instance", "pattern"}),
		provisioned:       newGaugeVec("provisioned_endpoints", "Endpoints currently holding a live consumer", []string{"instance"}),
		state:             newGaugeVec("instance_state", "1 for the current lifecycle state of the instance", []string{"instance", "state"}),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered by another Metrics value are adopted.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.deliveriesTotal, err = register(m.registerer, m.deliveriesTotal); err != nil {
		return err
	}
	if m.handlerSeconds, err = register(m.registerer, m.handlerSeconds); err != nil {
		return err
	}
	if m.invocationsTotal, err = register(m.registerer, m.invocationsTotal); err != nil {
		return err
	}
	if m.invocationSeconds, err = register(m.registerer, m.invocationSeconds); err != nil {
		return err
	}
	if m.provisionFailures, err = register(m.registerer, m.provisionFailures); err != nil {
		return err
	}
	if m.provisioned, err = register(m.registerer, m.provisioned); err != nil {
		return err
	}
	if m.state, err = register(m.registerer, m.state); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// Hooks returns delivery hooks recording handler and invocation metrics for
// instance.
func (m *Metrics) Hooks(instance string) patterns.DeliveryHooks {
	return patterns.DeliveryHooks{
		OnHandled: func(_ context.Context, info patterns.DeliveryInfo) {
			m.observeDelivery(instance, info, "success")
		},
		OnHandlerError: func(_ context.Context, info patterns.DeliveryInfo, _ error) {
			m.observeDelivery(instance, info, "error")
		},
		OnInvoke: func(_ context.Context, info patterns.InvokeInfo, err error) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.invocationsTotal.WithLabelValues(instance, info.Pattern.String(), info.Op, outcome).Inc()
			m.invocationSeconds.WithLabelValues(instance, info.Pattern.String(), info.Op).Observe(info.Duration.Seconds())
		},
	}
}

func (m *Metrics) observeDelivery(instance string, info patterns.DeliveryInfo, outcome string) {
	m.deliveriesTotal.WithLabelValues(instance, info.Pattern.String(), info.Endpoint, outcome).Inc()
	m.handlerSeconds.WithLabelValues(instance, info.Pattern.String(), info.Endpoint).Observe(info.Duration.Seconds())
}

// RecordProvisionFailure counts an endpoint that could not be provisioned.
func (m *Metrics) RecordProvisionFailure(instance string, kind patterns.Kind) {
	m.provisionFailures.WithLabelValues(instance, kind.String()).Inc()
}

// SetProvisioned reports the number of live endpoints of instance.
func (m *Metrics) SetProvisioned(instance string, n int) {
	m.provisioned.WithLabelValues(instance).Set(float64(n))
}

// SetState marks state as the current state of instance.
func (m *Metrics) SetState(instance string, state State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(instance, s.String()).Set(v)
	}
}

// Forget drops every series of instance.
func (m *Metrics) Forget(instance string) {
	labels := prometheus.Labels{"instance": instance}
	m.deliveriesTotal.DeletePartialMatch(labels)
	m.handlerSeconds.DeletePartialMatch(labels)
	m.invocationsTotal.DeletePartialMatch(labels)
	m.invocationSeconds.DeletePartialMatch(labels)
	m.provisionFailures.DeletePartialMatch(labels)
	m.provisioned.DeletePartialMatch(labels)
	m.state.DeletePartialMatch(labels)
}

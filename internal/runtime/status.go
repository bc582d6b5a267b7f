package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/burrow/internal/runtime/codec"
	configpkg "github.com/drblury/burrow/internal/runtime/config"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	"github.com/drblury/burrow/transport"
)

// ProvisionStatus describes one registered endpoint.
type ProvisionStatus struct {
	Pattern     string `json:"pattern"`
	Endpoint    string `json:"endpoint"`
	Provisioned bool   `json:"provisioned"`
	ConsumerTag string `json:"consumer_tag,omitempty"`
}

// InstanceStatus is a point-in-time view of an Instance. The URL has its
// password redacted.
type InstanceStatus struct {
	Name        string            `json:"name"`
	State       string            `json:"state"`
	Connected   bool              `json:"connected"`
	Initialized bool              `json:"initialized"`
	URL         string            `json:"url,omitempty"`
	Exchange    string            `json:"exchange,omitempty"`
	Provisions  []ProvisionStatus `json:"provisions"`
	Listeners   int               `json:"listeners"`

	Transport transport.Capabilities `json:"transport"`
}

// Status returns a snapshot of the instance.
func (i *Instance) Status() InstanceStatus {
	i.mu.RLock()
	status := InstanceStatus{
		Name:        i.name,
		State:       i.state.String(),
		Connected:   i.connected,
		Initialized: i.initialized,
		Exchange:    i.exchange,
	}
	if i.url != "" {
		status.URL = configpkg.RedactURL(i.url)
	}
	i.mu.RUnlock()

	provs := i.provisions.All()
	status.Provisions = make([]ProvisionStatus, 0, len(provs))
	for _, p := range provs {
		status.Provisions = append(status.Provisions, ProvisionStatus{
			Pattern:     p.Kind.String(),
			Endpoint:    p.Endpoint,
			Provisioned: p.Provisioned(),
			ConsumerTag: p.Tag(),
		})
	}
	status.Listeners = len(i.execs.Topic.Listeners())
	status.Transport = i.capabilities()
	return status
}

// StatusReport is the body served by the status handler.
type StatusReport struct {
	Instances   []PoolEntryStatus `json:"instances"`
	Resources   ResourceUsage     `json:"resources"`
	CollectedAt time.Time         `json:"collected_at"`
}

// StatusOptions tunes the status endpoints.
type StatusOptions struct {
	// CORSAllowedOrigins lists origins allowed to read the status; "*"
	// allows any.
	CORSAllowedOrigins []string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// StatusHandler serves the pool snapshot as JSON.
type StatusHandler struct {
	pool    *Pool
	logger  loggingpkg.ServiceLogger
	opts    StatusOptions
	tracker *resourceTracker
}

// NewStatusHandler returns a handler reporting on pool.
func NewStatusHandler(pool *Pool, logger loggingpkg.ServiceLogger, opts StatusOptions) *StatusHandler {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &StatusHandler{pool: pool, logger: logger, opts: opts, tracker: newResourceTracker()}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", codec.JSONContentType)

	if allowed := h.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	report := StatusReport{
		Instances:   h.pool.Snapshot(),
		Resources:   h.tracker.Snapshot(),
		CollectedAt: time.Now().UTC(),
	}
	if err := codec.Encode(w, report); err != nil {
		h.logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *StatusHandler) allowedOrigin(requestOrigin string) string {
	for _, allowed := range h.opts.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// NewStatusMux mounts the status handler on /status and the Prometheus
// exposition on /metrics.
func NewStatusMux(pool *Pool, logger loggingpkg.ServiceLogger, opts StatusOptions) *http.ServeMux {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/status", NewStatusHandler(pool, logger, opts))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

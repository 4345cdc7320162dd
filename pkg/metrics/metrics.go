package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wapod_instances_running",
			Help: "Number of instances currently running",
		},
	)

	InstancesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_instances_started_total",
			Help: "Total number of instance starts",
		},
	)

	InstancesExited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wapod_instances_exited_total",
			Help: "Total number of instance exits by reason",
		},
		[]string{"reason"},
	)

	DeploysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_deploys_total",
			Help: "Total number of accepted deploys",
		},
	)

	DeploysRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wapod_deploys_rejected_total",
			Help: "Total number of rejected deploys by cause",
		},
		[]string{"cause"},
	)

	// Resource metering
	GasConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_gas_consumed_total",
			Help: "Gas consumed across all instances",
		},
	)

	NetIngressBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_net_ingress_bytes_total",
			Help: "Network bytes received by instances",
		},
	)

	NetEgressBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_net_egress_bytes_total",
			Help: "Network bytes sent by instances",
		},
	)

	// Module cache
	ModulesCompiled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_modules_compiled_total",
			Help: "Total number of module compilations",
		},
	)

	ModuleCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_module_cache_hits_total",
			Help: "Total number of compiled-module cache hits",
		},
	)

	// Blob store
	ObjectsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_objects_stored_total",
			Help: "Total number of objects written to the blob store",
		},
	)

	ObjectsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_objects_removed_total",
			Help: "Total number of objects removed from the blob store",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wapod_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wapod_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Outgoing channel
	OutgoingMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wapod_outgoing_messages_total",
			Help: "Total number of messages relayed on the outgoing channel",
		},
	)
)

// Register registers all metrics with the default Prometheus registry
func Register() {
	prometheus.MustRegister(
		InstancesRunning,
		InstancesStarted,
		InstancesExited,
		DeploysTotal,
		DeploysRejected,
		GasConsumed,
		NetIngressBytes,
		NetEgressBytes,
		ModulesCompiled,
		ModuleCacheHits,
		ObjectsStored,
		ObjectsRemoved,
		APIRequestsTotal,
		APIRequestDuration,
		OutgoingMessages,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

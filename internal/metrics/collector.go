// Package metrics exposes fleet state in the Prometheus text format. Gauges
// are read from a snapshot at scrape time; HTTP request counters are
// recorded by the gateway middleware.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gofleet"

// Snapshot is a point-in-time view of the fleet. It doubles as the
// system_metrics broadcast payload.
type Snapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	Connections        int                `json:"connections"`
	ConnectionTier     string             `json:"connection_tier"`
	ConnectionsByAgent map[string]int     `json:"connections_by_agent"`
	Topics             map[string]int     `json:"topics"`
	QueueDepth         int                `json:"queue_depth"`
	TasksByStatus      map[string]int     `json:"tasks_by_status"`
	AgentLoad          map[string]int     `json:"agent_load"`
	AgentSuccessRate   map[string]float64 `json:"agent_success_rate"`
	AgentAvgResponse   map[string]float64 `json:"agent_avg_response_seconds"`
	ConflictsTotal     int                `json:"conflicts_total"`
	ConflictSuccess    float64            `json:"conflict_success_rate"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	BusDropped         int64              `json:"bus_dropped"`
}

// SnapshotFunc produces the current snapshot.
type SnapshotFunc func() Snapshot

var (
	descConnections = prometheus.NewDesc(namespace+"_connections",
		"Open websocket connections.", nil, nil)
	descAgentConnections = prometheus.NewDesc(namespace+"_agent_connections",
		"Open connections bound to each agent.", []string{"agent"}, nil)
	descTopicSubscribers = prometheus.NewDesc(namespace+"_topic_subscribers",
		"Subscribers per topic.", []string{"topic"}, nil)
	descQueueDepth = prometheus.NewDesc(namespace+"_queue_depth",
		"Pending tasks in the scheduler queue.", nil, nil)
	descTasks = prometheus.NewDesc(namespace+"_tasks",
		"Tasks held by the scheduler by status.", []string{"status"}, nil)
	descAgentLoad = prometheus.NewDesc(namespace+"_agent_load",
		"In-flight tasks per agent.", []string{"agent"}, nil)
	descAgentSuccess = prometheus.NewDesc(namespace+"_agent_success_rate",
		"Historical success rate per agent.", []string{"agent"}, nil)
	descAgentResponse = prometheus.NewDesc(namespace+"_agent_avg_response_seconds",
		"Mean task duration per agent.", []string{"agent"}, nil)
	descConflicts = prometheus.NewDesc(namespace+"_conflicts_total",
		"Conflicts resolved since start.", nil, nil)
	descThreshold = prometheus.NewDesc(namespace+"_consensus_threshold",
		"Active consensus confidence threshold.", nil, nil)
	descBusDropped = prometheus.NewDesc(namespace+"_bus_dropped_events_total",
		"Events dropped by the in-process bus.", nil, nil)
)

// FleetCollector adapts a SnapshotFunc to prometheus.Collector.
type FleetCollector struct {
	snapshot SnapshotFunc
}

func NewFleetCollector(fn SnapshotFunc) *FleetCollector {
	return &FleetCollector{snapshot: fn}
}

func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descConnections, descAgentConnections, descTopicSubscribers, descQueueDepth,
		descTasks, descAgentLoad, descAgentSuccess, descAgentResponse,
		descConflicts, descThreshold, descBusDropped,
	} {
		ch <- d
	}
}

func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(descConnections, prometheus.GaugeValue, float64(s.Connections))
	ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(descConflicts, prometheus.CounterValue, float64(s.ConflictsTotal))
	ch <- prometheus.MustNewConstMetric(descThreshold, prometheus.GaugeValue, s.ConsensusThreshold)
	ch <- prometheus.MustNewConstMetric(descBusDropped, prometheus.CounterValue, float64(s.BusDropped))
	emitInts(ch, descAgentConnections, s.ConnectionsByAgent)
	emitInts(ch, descTopicSubscribers, s.Topics)
	emitInts(ch, descTasks, s.TasksByStatus)
	emitInts(ch, descAgentLoad, s.AgentLoad)
	emitFloats(ch, descAgentSuccess, s.AgentSuccessRate)
	emitFloats(ch, descAgentResponse, s.AgentAvgResponse)
}

func emitInts(ch chan<- prometheus.Metric, d *prometheus.Desc, m map[string]int) {
	for _, k := range sortedKeys(m) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(m[k]), k)
	}
}

func emitFloats(ch chan<- prometheus.Metric, d *prometheus.Desc, m map[string]float64) {
	for _, k := range sortedKeys(m) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, m[k], k)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Registry bundles the Prometheus registry and the HTTP instruments.
type Registry struct {
	reg             *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRegistry registers the fleet collector plus Go runtime and process
// collectors on a private registry.
func NewRegistry(fn SnapshotFunc) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		NewFleetCollector(fn),
		r.requestsTotal,
		r.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

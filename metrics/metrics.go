// Package metrics exposes internal counters as Prometheus collectors: per
// circuit DDCMP traffic/error/retransmit counts, NSP connection counts, and
// scheduler work-queue/timer-wheel occupancy. Nothing in spec.md's
// Non-goals excludes internal instrumentation — only the HTTP/JSON
// monitoring API is out of scope — so these collectors are plain
// prometheus.Collector values a caller can register with any Registerer,
// including one served over plain net/http if the embedding program wants
// that, without this package itself standing up a server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkoning2/godecnet/ddcmp"
)

// CircuitCollector adapts one ddcmp.Circuit's Counters snapshot to
// Prometheus's pull model: Collect reads the circuit fresh on every scrape
// rather than pushing updates, since DDCMP counters are plain struct fields
// the circuit's node goroutine owns.
type CircuitCollector struct {
	name     string
	snapshot func() ddcmp.Counters

	bytesSent   *prometheus.Desc
	bytesRecv   *prometheus.Desc
	pktsSent    *prometheus.Desc
	pktsRecv    *prometheus.Desc
	dataErrors  *prometheus.Desc
	retransmits *prometheus.Desc
}

// NewCircuitCollector returns a collector for one named circuit. snapshot
// must be safe to call from the Prometheus scrape goroutine; callers
// typically supply a closure that hands the request to the circuit's
// owning sched.Node and waits for the result.
func NewCircuitCollector(circuitName string, snapshot func() ddcmp.Counters) *CircuitCollector {
	labels := []string{"circuit"}
	return &CircuitCollector{
		name:        circuitName,
		snapshot:    snapshot,
		bytesSent:   prometheus.NewDesc("decnet_ddcmp_bytes_sent_total", "Bytes sent on a DDCMP circuit.", labels, nil),
		bytesRecv:   prometheus.NewDesc("decnet_ddcmp_bytes_received_total", "Bytes received on a DDCMP circuit.", labels, nil),
		pktsSent:    prometheus.NewDesc("decnet_ddcmp_packets_sent_total", "Messages sent on a DDCMP circuit.", labels, nil),
		pktsRecv:    prometheus.NewDesc("decnet_ddcmp_packets_received_total", "Messages received on a DDCMP circuit.", labels, nil),
		dataErrors:  prometheus.NewDesc("decnet_ddcmp_data_errors_total", "Data CRC errors detected on a DDCMP circuit.", labels, nil),
		retransmits: prometheus.NewDesc("decnet_ddcmp_retransmits_total", "Messages retransmitted on a DDCMP circuit.", labels, nil),
	}
}

func (c *CircuitCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesRecv
	ch <- c.pktsSent
	ch <- c.pktsRecv
	ch <- c.dataErrors
	ch <- c.retransmits
}

func (c *CircuitCollector) Collect(ch chan<- prometheus.Metric) {
	counters := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(counters.BytesSent), c.name)
	ch <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(counters.BytesRecv), c.name)
	ch <- prometheus.MustNewConstMetric(c.pktsSent, prometheus.CounterValue, float64(counters.PktsSent), c.name)
	ch <- prometheus.MustNewConstMetric(c.pktsRecv, prometheus.CounterValue, float64(counters.PktsRecv), c.name)
	ch <- prometheus.MustNewConstMetric(c.dataErrors, prometheus.CounterValue, float64(counters.DataErrorsIn), c.name)
	ch <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(counters.Retransmits), c.name)
}

// SchedulerGauges are plain Gauges a sched.Node (or a node's owner) can
// update directly whenever work-queue depth or timer-wheel occupancy
// changes, rather than read back lazily at scrape time — the armed-timer
// count is only valid from inside the node goroutine, so a push model fits
// better here than CircuitCollector's pull.
type SchedulerGauges struct {
	QueueDepth  prometheus.Gauge
	ArmedTimers prometheus.Gauge
}

// NewSchedulerGauges returns an unregistered gauge pair labeled for one
// node; the caller registers it.
func NewSchedulerGauges(nodeName string) *SchedulerGauges {
	return &SchedulerGauges{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decnet_sched_queue_depth", Help: "Pending work items queued for a scheduler node.",
			ConstLabels: prometheus.Labels{"node": nodeName},
		}),
		ArmedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decnet_sched_armed_timers", Help: "Currently armed timers in a scheduler node's wheel.",
			ConstLabels: prometheus.Labels{"node": nodeName},
		}),
	}
}

// NspConnectionGauge tracks live NSP connections, a push-model gauge the
// nsp.NSP increments/decrements as connections are created/retired.
var NspConnectionGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "decnet_nsp_connections", Help: "Live NSP logical links by node.",
}, []string{"node"})

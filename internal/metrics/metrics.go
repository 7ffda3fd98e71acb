// Package metrics exports Prometheus counters for the matrix, its displays,
// the command router and the command listener.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lcdmatrix/internal/model"
)

// Namespace prefixes every metric.
const Namespace = "lcdmatrix"

// Collector implements the observer interfaces of the matrix, display and
// command packages.
type Collector struct {
	commands       *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	dropped        *prometheus.CounterVec
	allocations    *prometheus.CounterVec
	lineWrites     *prometheus.CounterVec
	writeErrors    *prometheus.CounterVec
	connsActive    prometheus.Gauge
	connsTotal     prometheus.Counter
	scheduledFires *prometheus.CounterVec
}

// New registers the metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched to the matrix by kind",
		}, []string{"kind"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decode_errors_total",
			Help:      "Messages dropped because they could not be decoded",
		}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "updates_dropped_total",
			Help:      "Updates dropped because no eligible display was found",
		}, []string{"strategy"}),

		allocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "allocations_total",
			Help:      "Logical identifiers bound to a display",
		}, []string{"address"}),

		lineWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "line_writes_total",
			Help:      "Lines written to display hardware",
		}, []string{"address"}),

		writeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "line_write_errors_total",
			Help:      "Failed hardware line writes",
		}, []string{"address"}),

		connsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connections_active",
			Help:      "Open command connections",
		}),

		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Accepted command connections",
		}),

		scheduledFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "schedule_fires_total",
			Help:      "Scheduled updates fired by entry name",
		}, []string{"name"}),
	}
}

func (c *Collector) CommandHandled(kind string) { c.commands.WithLabelValues(kind).Inc() }
func (c *Collector) DecodeFailed()              { c.decodeErrors.Inc() }

func (c *Collector) UpdateDropped(strategy string) { c.dropped.WithLabelValues(strategy).Inc() }
func (c *Collector) Allocated(addr model.Address)  { c.allocations.WithLabelValues(addr.String()).Inc() }

func (c *Collector) LineWritten(addr model.Address) { c.lineWrites.WithLabelValues(addr.String()).Inc() }
func (c *Collector) WriteFailed(addr model.Address) { c.writeErrors.WithLabelValues(addr.String()).Inc() }

// ConnOpened and ConnClosed match the listener connection hooks.
func (c *Collector) ConnOpened(string, net.Addr) {
	c.connsTotal.Inc()
	c.connsActive.Inc()
}

func (c *Collector) ConnClosed(string, net.Addr) { c.connsActive.Dec() }

// ScheduleFired counts one scheduled update.
func (c *Collector) ScheduleFired(name string) { c.scheduledFires.WithLabelValues(name).Inc() }

// Package metrics exposes the prometheus gauges noded reports about its
// cluster-state actor: epoch, status, zone count, event queue depth, and
// outstanding I/O.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Epoch is the current epoch number.
	Epoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "epoch",
		Help:      "Current membership epoch.",
	})
	// Status is the current cluster status, encoded as status.Status's
	// underlying integer value.
	Status = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "status",
		Help:      "Current cluster status (0=wait-format, 1=wait-join, 2=ok, 3=halt, 4=shutdown).",
	})
	// NrZones is the number of distinct failure zones in the current ring.
	NrZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "nr_zones",
		Help:      "Number of distinct failure zones contributing to the placement ring.",
	})
	// EventQueueDepth is the number of queued-but-not-yet-running events.
	EventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "event_queue_depth",
		Help:      "Number of join/leave/notify events currently queued.",
	})
	// OutstandingIO is the number of in-flight client I/O operations
	// blocking event dispatch.
	OutstandingIO = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "outstanding_io",
		Help:      "Number of in-flight client I/O operations blocking event dispatch.",
	})
	// PendingRequests is the number of parked client requests.
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster",
		Name:      "pending_requests",
		Help:      "Number of client requests parked awaiting completion or delivery.",
	})
)

// MustRegister registers every gauge above with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(Epoch, Status, NrZones, EventQueueDepth, OutstandingIO, PendingRequests)
}
